// Package vars implements the typed variable model of the remote-call
// runtime. A variable describes one argument, return value, or
// addressable buffer, how it is represented locally, and how its bytes
// move to and from the sandboxee.
package vars

// Type tags a variable kind. The set is closed: the call protocol and
// the sandboxee dispatcher only understand these tags.
type Type int

const (
	TypeVoid Type = iota
	TypeInt
	TypeFloat
	TypePointer
	TypeFd
	TypeStruct
	TypeArray
	TypeLenVal
	TypeProto
)

var typeString = []string{
	"void",
	"int",
	"float",
	"pointer",
	"fd",
	"struct",
	"array",
	"lenval",
	"proto",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeString) {
		return typeString[t]
	}
	return "invalid"
}

// RPC is the subset of the call channel used by variables to manage
// their remote allocation and move bytes across the process boundary.
type RPC interface {
	Allocate(size uint64) (uint64, error)
	Free(addr uint64) error
	TransferTo(addr uint64, data []byte) error
	// TransferFrom reads size bytes from addr; size zero reads the
	// whole allocation.
	TransferFrom(addr, size uint64) ([]byte, error)
	Resize(addr, size uint64) error
}

// SyncMode controls when a pointee's bytes cross the process boundary
// relative to a call.
type SyncMode int

const (
	// SyncNone never transfers the pointee
	SyncNone SyncMode = 0x0
	// SyncBefore pushes the pointee to the sandboxee before the call
	SyncBefore SyncMode = 0x1
	// SyncAfter pulls the pointee back after the call
	SyncAfter SyncMode = 0x2
	// SyncBoth transfers in both directions
	SyncBoth SyncMode = SyncBefore | SyncAfter
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBefore:
		return "before"
	case SyncAfter:
		return "after"
	case SyncBoth:
		return "both"
	}
	return "invalid"
}
