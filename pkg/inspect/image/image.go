// Package image implements the inspect.Session interface on top of chain
// image files.
//
// A chain image is a snapshot of the part of a stopped process that matters
// for walking an intrusive linked chain: the layout of the record type, a
// table of global symbols and a copy of the raw memory the records live in.
// Images are produced by the gen command, by the Builder type in this
// package, or by external tooling that dumps a live process.
//
// The file format (extension .cwim) is little-endian throughout:
//
//	magic    "CWIM"
//	version  uint16
//	ptrsize  uint8
//	reserved uint8
//	base     uint64            load address of the memory blob
//	record   string            name of the record type
//	fields   uint16 count, then name string, offset uint16, size uint8, kind uint8
//	symbols  uint16 count, then name string, addr uint64, kind uint8, size uint8
//	memory   uint64 length, then raw bytes
//
// Strings are a uint16 length followed by that many bytes.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/chrisc11/chainwalk/pkg/inspect"
	"github.com/chrisc11/chainwalk/pkg/logflags"
)

var imageMagic = [4]byte{'C', 'W', 'I', 'M'}

const imageVersion = 1

// ErrAddressNotMapped is returned for reads outside the memory captured in
// the image.
var ErrAddressNotMapped = errors.New("address not mapped")

// FieldKind describes how the bytes of a field or global are interpreted.
type FieldKind uint8

const (
	// KindUint fields hold an unsigned integer of the field's size.
	KindUint FieldKind = iota
	// KindPointer fields hold the address of a record, zero is the null
	// pointer.
	KindPointer
)

func (k FieldKind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindPointer:
		return "pointer"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// FieldDesc describes one field of the record type captured in an image.
type FieldDesc struct {
	Name   string
	Offset uint16
	Size   uint8
	Kind   FieldKind
}

// SymbolDesc describes one global variable captured in an image.
type SymbolDesc struct {
	Name string
	Addr uint64
	Kind FieldKind
	Size uint8
}

// Session is an inspect.Session reading from a chain image.
type Session struct {
	path     string
	ptrSize  int
	base     uint64
	typeName string
	fields   []FieldDesc
	layout   map[string]FieldDesc
	symmap   map[string]SymbolDesc
	symtab   *inspect.SymbolTable
	memsize  int
	mem      inspect.MemoryReader
	log      logflags.Logger
}

// Open reads the chain image at path.
func Open(path string) (*Session, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	s.path = path
	s.log.Debugf("loaded image %s: record %s, %d symbols, %d bytes of memory at %#x", path, s.typeName, s.symtab.Len(), s.memsize, s.base)
	return s, nil
}

// Parse reads a chain image from memory.
func Parse(data []byte) (*Session, error) {
	r := &imageReader{data: data}

	var magic [4]byte
	copy(magic[:], r.bytes(4))
	if r.err == nil && magic != imageMagic {
		return nil, errors.New("not a chain image")
	}
	if version := r.u16(); r.err == nil && version != imageVersion {
		return nil, fmt.Errorf("unsupported image version %d", version)
	}
	ptrSize := r.u8()
	r.u8() // reserved
	if r.err == nil && ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d", ptrSize)
	}

	s := &Session{
		ptrSize: int(ptrSize),
		base:    r.u64(),
		layout:  make(map[string]FieldDesc),
		symmap:  make(map[string]SymbolDesc),
		symtab:  inspect.NewSymbolTable(),
		log:     logflags.ImageLogger(),
	}
	s.typeName = r.str()

	nfields := int(r.u16())
	for i := 0; i < nfields && r.err == nil; i++ {
		f := FieldDesc{
			Name:   r.str(),
			Offset: r.u16(),
			Size:   r.u8(),
			Kind:   FieldKind(r.u8()),
		}
		s.fields = append(s.fields, f)
		s.layout[f.Name] = f
	}

	nsyms := int(r.u16())
	for i := 0; i < nsyms && r.err == nil; i++ {
		sym := SymbolDesc{
			Name: r.str(),
			Addr: r.u64(),
			Kind: FieldKind(r.u8()),
			Size: r.u8(),
		}
		s.symmap[sym.Name] = sym
		s.symtab.Add(sym.Name, sym.Addr)
	}

	blob := r.bytes(int(r.u64()))
	if r.err != nil {
		return nil, r.err
	}
	s.memsize = len(blob)
	s.mem = inspect.NewCachedMemory(&blobMemory{base: s.base, data: blob}, 64)
	return s, nil
}

// ResolveSymbol returns the value of the global variable with the given name.
func (s *Session) ResolveSymbol(name string) (inspect.Value, error) {
	sym, ok := s.symmap[name]
	if !ok {
		return nil, &inspect.SymbolResolutionError{Name: name, Err: inspect.ErrSymbolNotFound}
	}
	val, err := s.readWord(sym.Addr, int(sym.Size))
	if err != nil {
		return nil, &inspect.SymbolResolutionError{Name: name, Err: err}
	}
	s.log.Debugf("resolved %s: addr %#x value %#x", name, sym.Addr, val)
	return &Value{s: s, addr: sym.Addr, val: val, kind: sym.Kind, size: sym.Size}, nil
}

// Symbols returns the sorted names of the globals in the image that start
// with prefix.
func (s *Session) Symbols(prefix string) ([]string, error) {
	return s.symtab.Find(prefix), nil
}

// SymbolTable returns the table of globals captured in the image.
func (s *Session) SymbolTable() *inspect.SymbolTable {
	return s.symtab
}

// LookupSymbol returns the description of a single global.
func (s *Session) LookupSymbol(name string) (SymbolDesc, bool) {
	sym, ok := s.symmap[name]
	return sym, ok
}

// TypeName returns the name of the record type captured in the image.
func (s *Session) TypeName() string {
	return s.typeName
}

// Fields returns the layout of the record type captured in the image.
func (s *Session) Fields() []FieldDesc {
	return s.fields
}

// Base returns the load address of the image's memory.
func (s *Session) Base() uint64 {
	return s.base
}

// MemSize returns the number of bytes of target memory in the image.
func (s *Session) MemSize() int {
	return s.memsize
}

// PtrSize returns the pointer size of the target, in bytes.
func (s *Session) PtrSize() int {
	return s.ptrSize
}

// Path returns the path the image was loaded from, if any.
func (s *Session) Path() string {
	return s.path
}

// ReadMemory reads len(buf) bytes of target memory starting at addr.
func (s *Session) ReadMemory(buf []byte, addr uint64) (int, error) {
	if s.mem == nil {
		return 0, &inspect.MemoryReadError{Addr: addr, Size: len(buf), Err: errors.New("session closed")}
	}
	return s.mem.ReadMemory(buf, addr)
}

// Close releases the image's memory.
func (s *Session) Close() error {
	s.mem = nil
	return nil
}

func (s *Session) readWord(addr uint64, size int) (uint64, error) {
	if s.mem == nil {
		return 0, &inspect.MemoryReadError{Addr: addr, Size: size, Err: errors.New("session closed")}
	}
	buf := make([]byte, size)
	if _, err := s.mem.ReadMemory(buf, addr); err != nil {
		return 0, &inspect.MemoryReadError{Addr: addr, Size: size, Err: err}
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	}
	return 0, &inspect.MemoryReadError{Addr: addr, Size: size, Err: fmt.Errorf("unsupported read size %d", size)}
}

// Value is a handle on a value inside a chain image.
type Value struct {
	s    *Session
	addr uint64
	val  uint64
	kind FieldKind
	size uint8
}

// Field returns the value of the named field of the record this value points
// to.
func (v *Value) Field(name string) (inspect.Value, error) {
	if v.kind != KindPointer {
		return nil, fmt.Errorf("%s is not a record pointer", v.TypeString())
	}
	f, ok := v.s.layout[name]
	if !ok {
		return nil, fmt.Errorf("record type %s has no field %q", v.s.typeName, name)
	}
	val, err := v.s.readWord(v.val+uint64(f.Offset), int(f.Size))
	if err != nil {
		return nil, err
	}
	return &Value{s: v.s, addr: v.val + uint64(f.Offset), val: val, kind: f.Kind, size: f.Size}, nil
}

// Addr returns the address of the record this value points to, or the
// address the value itself lives at for non-pointers.
func (v *Value) Addr() uint64 {
	if v.kind == KindPointer {
		return v.val
	}
	return v.addr
}

// Uint returns the value as an unsigned integer.
func (v *Value) Uint() (uint64, error) {
	return v.val, nil
}

// IsNull reports whether the value is a null pointer.
func (v *Value) IsNull() bool {
	return v.kind == KindPointer && v.val == 0
}

// TypeString returns a rendering of the value's type.
func (v *Value) TypeString() string {
	if v.kind == KindPointer {
		return v.s.typeName + "*"
	}
	return fmt.Sprintf("uint%d", int(v.size)*8)
}

// blobMemory is an inspect.MemoryReader over the single mapping captured in
// an image.
type blobMemory struct {
	base uint64
	data []byte
}

func (m *blobMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return 0, ErrAddressNotMapped
	}
	n := copy(buf, m.data[addr-m.base:])
	if n < len(buf) {
		return n, ErrAddressNotMapped
	}
	return n, nil
}

// imageReader is a cursor over the bytes of an image file. The first
// decoding error sticks, subsequent reads return zero values.
type imageReader struct {
	data []byte
	off  int
	err  error
}

func (r *imageReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data)-r.off {
		r.err = errors.New("truncated image")
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *imageReader) u8() uint8 {
	b := r.bytes(1)
	if r.err != nil {
		return 0
	}
	return b[0]
}

func (r *imageReader) u16() uint16 {
	b := r.bytes(2)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *imageReader) u64() uint64 {
	b := r.bytes(8)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *imageReader) str() string {
	n := r.u16()
	return string(r.bytes(int(n)))
}
