package inspect

import (
	"sort"

	"github.com/derekparker/trie"
)

// SymbolTable maps the names of the target's globals to their addresses.
// It is backed by a trie so that it can also answer the prefix and fuzzy
// queries used for completion.
type SymbolTable struct {
	t    *trie.Trie
	size int
}

// NewSymbolTable returns an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{t: trie.New()}
}

// Add records name as living at addr. Adding a name twice overwrites the
// previously recorded address.
func (s *SymbolTable) Add(name string, addr uint64) {
	if _, ok := s.t.Find(name); !ok {
		s.size++
	}
	s.t.Add(name, addr)
}

// Lookup returns the address recorded for name.
func (s *SymbolTable) Lookup(name string) (uint64, bool) {
	n, ok := s.t.Find(name)
	if !ok {
		return 0, false
	}
	return n.Meta().(uint64), true
}

// Find returns the sorted list of symbol names starting with prefix. The
// empty prefix returns every name in the table.
func (s *SymbolTable) Find(prefix string) []string {
	var keys []string
	if prefix == "" {
		keys = s.t.Keys()
	} else {
		keys = s.t.PrefixSearch(prefix)
	}
	sort.Strings(keys)
	return keys
}

// Fuzzy returns the sorted list of symbol names fuzzy-matching pattern, in
// the style of interactive pickers. The characters of pattern must appear in
// the name in order but not necessarily adjacent.
func (s *SymbolTable) Fuzzy(pattern string) []string {
	keys := s.t.FuzzySearch(pattern)
	sort.Strings(keys)
	return keys
}

// Len returns the number of symbols in the table.
func (s *SymbolTable) Len() int {
	return s.size
}
