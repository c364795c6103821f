// Package inspect provides a uniform view over the variables of a stopped
// target process, regardless of how the target is reached.
//
// Backends (a chain image loaded from disk, a live DAP connection) implement
// the Session interface, giving access to the target's global symbols as
// Value handles that can be traversed field by field without loading the
// whole object graph.
package inspect

// Session gives access to the state of a stopped target.
//
// All methods are only valid while the target is stopped; a Session never
// resumes the target.
type Session interface {
	// ResolveSymbol returns the value of the global variable with the given
	// name. It returns a *SymbolResolutionError if the symbol does not
	// exist in the target.
	ResolveSymbol(name string) (Value, error)

	// Symbols returns the names of the global variables visible in the
	// target, filtered by prefix. Backends that have no symbol list return
	// ErrNoSymbolList.
	Symbols(prefix string) ([]string, error)

	// Close releases all resources associated with the session.
	Close() error
}

// Value is a handle on a single value in the memory of the target.
//
// A Value is lazy: obtaining a handle never reads more memory than needed to
// represent the value itself, field accesses read the target on demand.
type Value interface {
	// Field returns the value of the named field of the record this value
	// refers to. Pointer values are dereferenced implicitly, like the ->
	// operator. Reads of unmapped target memory return a *MemoryReadError.
	Field(name string) (Value, error)

	// Addr returns the address of the record this value refers to. For
	// pointer values this is the address of the pointed-to record.
	Addr() uint64

	// Uint returns the value interpreted as an unsigned integer.
	Uint() (uint64, error)

	// IsNull reports whether this value is a null pointer.
	IsNull() bool

	// TypeString returns the name of the value's type, when known.
	TypeString() string
}
