package inspect

import (
	"errors"
	"fmt"
)

// ErrNoSymbolList is returned by Session.Symbols for backends that can
// resolve individual symbols but can not enumerate them.
var ErrNoSymbolList = errors.New("symbol listing not supported")

// ErrSymbolNotFound is the cause recorded in a SymbolResolutionError when
// the target simply has no symbol with the requested name.
var ErrSymbolNotFound = errors.New("symbol not found")

// SymbolResolutionError is returned when a symbol can not be found in the
// target.
type SymbolResolutionError struct {
	Name string
	Err  error
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("could not resolve symbol %q: %v", e.Name, e.Err)
}

func (e *SymbolResolutionError) Unwrap() error {
	return e.Err
}

// MemoryReadError is returned when memory of the target can not be read.
type MemoryReadError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *MemoryReadError) Error() string {
	if e.Size <= 0 {
		return fmt.Sprintf("could not read memory at %#x: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *MemoryReadError) Unwrap() error {
	return e.Err
}
