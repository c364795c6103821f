package image

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
)

// Builder assembles a chain image in memory.
//
// Builders are used by the gen command and by tests, where a write outside
// allocated memory or a reference to an undefined field or symbol is a bug,
// so those conditions panic instead of returning errors.
type Builder struct {
	ptrSize  int
	base     uint64
	typeName string
	fields   []FieldDesc
	recSize  int
	syms     []SymbolDesc
	symIdx   map[string]int
	mem      []byte
}

// NewBuilder returns a Builder for images of a record type named typeName,
// with target memory starting at base. The simulated target is 64-bit.
func NewBuilder(typeName string, base uint64) *Builder {
	return &Builder{
		ptrSize:  8,
		base:     base,
		typeName: typeName,
		symIdx:   make(map[string]int),
	}
}

// DefineField appends a field to the record type. Fields are laid out in
// definition order.
func (b *Builder) DefineField(name string, size int, kind FieldKind) {
	b.fields = append(b.fields, FieldDesc{
		Name:   name,
		Offset: uint16(b.recSize),
		Size:   uint8(size),
		Kind:   kind,
	})
	b.recSize += size
}

// Pad adds n bytes of padding to the record layout, for mimicking the
// alignment holes of C struct layouts.
func (b *Builder) Pad(n int) {
	b.recSize += n
}

// RecordSize returns the size of the record type defined so far.
func (b *Builder) RecordSize() int {
	return b.recSize
}

// Alloc reserves size bytes of zeroed target memory and returns their
// address.
func (b *Builder) Alloc(size int) uint64 {
	addr := b.base + uint64(len(b.mem))
	b.mem = append(b.mem, make([]byte, size)...)
	return addr
}

// AddSymbol defines a global pointer variable, allocates its storage and
// returns its address.
func (b *Builder) AddSymbol(name string) uint64 {
	return b.addSymbol(name, KindPointer, b.ptrSize)
}

// AddUintSymbol defines a global unsigned integer variable of the given
// size, allocates its storage and returns its address.
func (b *Builder) AddUintSymbol(name string, size int) uint64 {
	return b.addSymbol(name, KindUint, size)
}

func (b *Builder) addSymbol(name string, kind FieldKind, size int) uint64 {
	addr := b.Alloc(size)
	b.symIdx[name] = len(b.syms)
	b.syms = append(b.syms, SymbolDesc{Name: name, Addr: addr, Kind: kind, Size: uint8(size)})
	return addr
}

// SymbolAddr returns the address of a previously defined global.
func (b *Builder) SymbolAddr(name string) uint64 {
	return b.symbol(name).Addr
}

func (b *Builder) symbol(name string) SymbolDesc {
	i, ok := b.symIdx[name]
	if !ok {
		panic(fmt.Sprintf("image: undefined symbol %q", name))
	}
	return b.syms[i]
}

// PutUint writes an unsigned integer of the given size at addr.
func (b *Builder) PutUint(addr uint64, size int, val uint64) {
	if addr < b.base || addr+uint64(size) > b.base+uint64(len(b.mem)) {
		panic(fmt.Sprintf("image: write of %d bytes at %#x outside allocated memory", size, addr))
	}
	off := addr - b.base
	switch size {
	case 1:
		b.mem[off] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b.mem[off:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(b.mem[off:], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(b.mem[off:], val)
	default:
		panic(fmt.Sprintf("image: unsupported write size %d", size))
	}
}

func (b *Builder) uintAt(addr uint64, size int) uint64 {
	off := addr - b.base
	switch size {
	case 1:
		return uint64(b.mem[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b.mem[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b.mem[off:]))
	case 8:
		return binary.LittleEndian.Uint64(b.mem[off:])
	}
	panic(fmt.Sprintf("image: unsupported read size %d", size))
}

// SetField writes val into the named field of the record at rec.
func (b *Builder) SetField(rec uint64, name string, val uint64) {
	f, ok := b.fieldByName(name)
	if !ok {
		panic(fmt.Sprintf("image: record type %s has no field %q", b.typeName, name))
	}
	b.PutUint(rec+uint64(f.Offset), int(f.Size), val)
}

// SetSymbol writes val into the storage of the named global.
func (b *Builder) SetSymbol(name string, val uint64) {
	sym := b.symbol(name)
	b.PutUint(sym.Addr, int(sym.Size), val)
}

func (b *Builder) fieldByName(name string) (FieldDesc, bool) {
	for _, f := range b.fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDesc{}, false
}

// Push allocates a record, fills its fields from vals, links it in front of
// the chain rooted at the global headSym through the nextField field and
// makes headSym point at it. This mimics head insertion, the chain walks in
// reverse insertion order. It returns the address of the new record.
func (b *Builder) Push(headSym, nextField string, vals map[string]uint64) uint64 {
	head := b.symbol(headSym)
	rec := b.Alloc(b.recSize)
	for name, val := range vals {
		b.SetField(rec, name, val)
	}
	b.SetField(rec, nextField, b.uintAt(head.Addr, int(head.Size)))
	b.SetSymbol(headSym, rec)
	return rec
}

// Bytes serializes the image.
func (b *Builder) Bytes() ([]byte, error) {
	if len(b.fields) == 0 {
		return nil, fmt.Errorf("image has no record layout")
	}
	w := &imageWriter{}
	w.raw(imageMagic[:])
	w.u16(imageVersion)
	w.u8(uint8(b.ptrSize))
	w.u8(0)
	w.u64(b.base)
	w.str(b.typeName)
	w.u16(uint16(len(b.fields)))
	for _, f := range b.fields {
		w.str(f.Name)
		w.u16(f.Offset)
		w.u8(f.Size)
		w.u8(uint8(f.Kind))
	}
	w.u16(uint16(len(b.syms)))
	for _, sym := range b.syms {
		w.str(sym.Name)
		w.u64(sym.Addr)
		w.u8(uint8(sym.Kind))
		w.u8(sym.Size)
	}
	w.u64(uint64(len(b.mem)))
	w.raw(b.mem)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// WriteFile serializes the image to the file at path.
func (b *Builder) WriteFile(path string) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Session serializes the image and opens it again, without touching the
// filesystem.
func (b *Builder) Session() (*Session, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

type imageWriter struct {
	buf []byte
	err error
}

func (w *imageWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *imageWriter) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *imageWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *imageWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *imageWriter) str(s string) {
	if len(s) > 0xffff && w.err == nil {
		w.err = fmt.Errorf("string too long for image: %d bytes", len(s))
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}
