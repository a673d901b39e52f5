package vars

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ccock/sandboxed-api/status"
)

// Var is one typed variable. The set of implementations is closed to
// this package; dispatch is on Type.
//
// Remote returns the variable's allocation handle in the sandboxee, or
// zero when the variable has no remote storage yet. A remote handle is
// owned by exactly one variable at a time.
type Var interface {
	Type() Type
	Size() uint64
	Remote() uint64
	// OwnsRemote reports whether the runtime frees the remote
	// allocation when the variable's lifetime ends.
	OwnsRemote() bool

	Allocate(rpc RPC, autoFree bool) error
	Free(rpc RPC) error
	TransferToSandboxee(rpc RPC) error
	TransferFromSandboxee(rpc RPC) error

	// CallValue is the fixed-width wire value of the variable at a
	// call site; SetCallValue writes a received return value back.
	CallValue() (intv int64, floatv float64)
	SetCallValue(intv int64, floatv float64)

	sealed()
}

// base carries the local byte representation and the remote allocation
// bookkeeping shared by all value kinds.
type base struct {
	kind   Type
	data   []byte
	remote uint64
	owned  bool
}

func (b *base) sealed() {}

func (b *base) Type() Type       { return b.kind }
func (b *base) Size() uint64     { return uint64(len(b.data)) }
func (b *base) Remote() uint64   { return b.remote }
func (b *base) OwnsRemote() bool { return b.owned }

// Allocate reserves Size bytes in the sandboxee and records the remote
// handle. A variable that already holds a remote allocation cannot be
// allocated again; ownership of a remote handle is singular.
func (b *base) Allocate(rpc RPC, autoFree bool) error {
	return b.allocateSize(rpc, uint64(len(b.data)), autoFree)
}

func (b *base) allocateSize(rpc RPC, size uint64, autoFree bool) error {
	if b.remote != 0 {
		return fmt.Errorf("allocate %s: already allocated at %#x: %w", b.kind, b.remote, status.ErrFailedPrecondition)
	}
	addr, err := rpc.Allocate(size)
	if err != nil {
		return fmt.Errorf("allocate %s: %w", b.kind, err)
	}
	b.remote = addr
	b.owned = autoFree
	return nil
}

// Free releases the remote allocation. It is a no-op for a variable
// that was never allocated, so an allocation is freed at most once.
func (b *base) Free(rpc RPC) error {
	if b.remote == 0 {
		return nil
	}
	if err := rpc.Free(b.remote); err != nil {
		return fmt.Errorf("free %s at %#x: %w", b.kind, b.remote, err)
	}
	b.remote = 0
	b.owned = false
	return nil
}

func (b *base) TransferToSandboxee(rpc RPC) error {
	if b.remote == 0 {
		return fmt.Errorf("transfer %s to sandboxee: no remote allocation: %w", b.kind, status.ErrFailedPrecondition)
	}
	if err := rpc.TransferTo(b.remote, b.data); err != nil {
		return fmt.Errorf("transfer %s to sandboxee: %w", b.kind, err)
	}
	return nil
}

func (b *base) TransferFromSandboxee(rpc RPC) error {
	if b.remote == 0 {
		return fmt.Errorf("transfer %s from sandboxee: no remote allocation: %w", b.kind, status.ErrFailedPrecondition)
	}
	d, err := rpc.TransferFrom(b.remote, uint64(len(b.data)))
	if err != nil {
		return fmt.Errorf("transfer %s from sandboxee: %w", b.kind, err)
	}
	if len(d) != len(b.data) {
		return fmt.Errorf("transfer %s from sandboxee: got %d bytes, want %d", b.kind, len(d), len(b.data))
	}
	copy(b.data, d)
	return nil
}

func (b *base) CallValue() (int64, float64) {
	var word [8]byte
	copy(word[:], b.data)
	u := binary.LittleEndian.Uint64(word[:])
	return int64(u), math.Float64frombits(u)
}

func (b *base) SetCallValue(intv int64, floatv float64) {
	u := uint64(intv)
	if b.kind == TypeFloat {
		u = math.Float64bits(floatv)
	}
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], u)
	copy(b.data, word[:])
}

// Int is a 64-bit integer value
type Int struct {
	base
}

// NewInt creates an integer variable with the given initial value
func NewInt(v int64) *Int {
	i := &Int{base{kind: TypeInt, data: make([]byte, 8)}}
	i.SetValue(v)
	return i
}

// Value returns the local value
func (i *Int) Value() int64 {
	return int64(binary.LittleEndian.Uint64(i.data))
}

// SetValue updates the local value
func (i *Int) SetValue(v int64) {
	binary.LittleEndian.PutUint64(i.data, uint64(v))
}

// Float is a 64-bit floating point value
type Float struct {
	base
}

// NewFloat creates a float variable with the given initial value
func NewFloat(v float64) *Float {
	f := &Float{base{kind: TypeFloat, data: make([]byte, 8)}}
	f.SetValue(v)
	return f
}

// Value returns the local value
func (f *Float) Value() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(f.data))
}

// SetValue updates the local value
func (f *Float) SetValue(v float64) {
	binary.LittleEndian.PutUint64(f.data, math.Float64bits(v))
}

// Void is the return variable for functions without a result
type Void struct {
	base
}

// NewVoid creates a void variable
func NewVoid() *Void {
	return &Void{base{kind: TypeVoid}}
}

// Struct is a fixed-size block of raw bytes laid out by the caller
type Struct struct {
	base
}

// NewStruct creates a struct variable over a copy of data
func NewStruct(data []byte) *Struct {
	d := make([]byte, len(data))
	copy(d, data)
	return &Struct{base{kind: TypeStruct, data: d}}
}

// Data returns the local bytes; mutations are picked up by the next
// outbound transfer
func (s *Struct) Data() []byte { return s.data }

// Array is a fixed-size byte array
type Array struct {
	base
}

// NewArray creates a zeroed array variable of n bytes
func NewArray(n int) *Array {
	return &Array{base{kind: TypeArray, data: make([]byte, n)}}
}

// NewArrayOf creates an array variable over a copy of data
func NewArrayOf(data []byte) *Array {
	d := make([]byte, len(data))
	copy(d, data)
	return &Array{base{kind: TypeArray, data: d}}
}

// Data returns the local bytes; mutations are picked up by the next
// outbound transfer
func (a *Array) Data() []byte { return a.data }

// Fd is a file descriptor variable. The local descriptor is
// transferred out-of-band on first use and the sandboxee-side
// descriptor number is substituted into the wire value.
type Fd struct {
	base
	local  int
	remote int
}

// NewFd creates a descriptor variable for a local fd
func NewFd(fd int) *Fd {
	return &Fd{
		base:   base{kind: TypeFd, data: make([]byte, 4)},
		local:  fd,
		remote: -1,
	}
}

// LocalFd returns the host-side descriptor
func (f *Fd) LocalFd() int { return f.local }

// RemoteFd returns the sandboxee-side descriptor, -1 if not transferred
func (f *Fd) RemoteFd() int { return f.remote }

// SetRemoteFd records the sandboxee-side descriptor
func (f *Fd) SetRemoteFd(fd int) { f.remote = fd }

// SetLocalFd records the host-side descriptor (used when a call
// returns a descriptor that is then pulled to the host)
func (f *Fd) SetLocalFd(fd int) { f.local = fd }

func (f *Fd) CallValue() (int64, float64) { return int64(f.remote), 0 }

func (f *Fd) SetCallValue(intv int64, floatv float64) { f.remote = int(intv) }
