package inspect

import (
	lru "github.com/hashicorp/golang-lru"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

const cachePageSize = 1 << 9

// CachedMemory wraps a MemoryReader with an LRU cache of aligned pages.
// Walking a chain touches the same records repeatedly in word-sized pieces,
// the cache coalesces those into page-sized fetches from the backend.
type CachedMemory struct {
	mem   MemoryReader
	pages *lru.Cache
}

// NewCachedMemory returns a CachedMemory reading from mem that keeps at most
// maxPages pages of target memory.
func NewCachedMemory(mem MemoryReader, maxPages int) *CachedMemory {
	if maxPages <= 0 {
		maxPages = 64
	}
	pages, _ := lru.New(maxPages)
	return &CachedMemory{mem: mem, pages: pages}
}

func (m *CachedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	total := 0
	for total < len(buf) {
		cur := addr + uint64(total)
		base := cur &^ uint64(cachePageSize-1)
		page, err := m.page(base)
		if err != nil {
			// The page may extend past the end of a mapping even though the
			// requested range does not, retry bypassing the cache.
			n, derr := m.mem.ReadMemory(buf[total:], cur)
			total += n
			if derr != nil {
				return total, derr
			}
			continue
		}
		total += copy(buf[total:], page[cur-base:])
	}
	return total, nil
}

func (m *CachedMemory) page(base uint64) ([]byte, error) {
	if v, ok := m.pages.Get(base); ok {
		return v.([]byte), nil
	}
	page := make([]byte, cachePageSize)
	if _, err := m.mem.ReadMemory(page, base); err != nil {
		return nil, err
	}
	m.pages.Add(base, page)
	return page, nil
}
