package vars

import (
	"encoding/binary"
	"fmt"

	"github.com/ccock/sandboxed-api/status"
)

// lenPrefixSize is the width of the length prefix that precedes the
// payload in the remote representation of a LenVal.
const lenPrefixSize = 8

// LenVal is a length-prefixed byte buffer whose size may change as a
// result of a call: the sandboxee may rewrite the buffer with
// different-length content. The remote layout is an 8-byte
// little-endian length followed by the payload; the local view is
// stale after any call that may resize it until the next inbound
// transfer refreshes it.
type LenVal struct {
	base
}

// NewLenVal creates a buffer variable over a copy of data
func NewLenVal(data []byte) *LenVal {
	d := make([]byte, len(data))
	copy(d, data)
	return &LenVal{base{kind: TypeLenVal, data: d}}
}

// Data returns the current local payload
func (l *LenVal) Data() []byte { return l.data }

// Len returns the current local payload length
func (l *LenVal) Len() int { return len(l.data) }

// Size is the remote allocation size: length prefix plus payload
func (l *LenVal) Size() uint64 { return lenPrefixSize + uint64(len(l.data)) }

// Allocate reserves prefix+payload bytes in the sandboxee
func (l *LenVal) Allocate(rpc RPC, autoFree bool) error {
	return l.allocateSize(rpc, l.Size(), autoFree)
}

// TransferToSandboxee writes the length prefix and payload
func (l *LenVal) TransferToSandboxee(rpc RPC) error {
	if l.remote == 0 {
		return fmt.Errorf("transfer %s to sandboxee: no remote allocation: %w", l.kind, status.ErrFailedPrecondition)
	}
	buf := make([]byte, l.Size())
	binary.LittleEndian.PutUint64(buf, uint64(len(l.data)))
	copy(buf[lenPrefixSize:], l.data)
	if err := rpc.TransferTo(l.remote, buf); err != nil {
		return fmt.Errorf("transfer %s to sandboxee: %w", l.kind, err)
	}
	return nil
}

// TransferFromSandboxee reads the whole remote allocation and adopts
// the length the sandboxee reported, resizing the local payload.
func (l *LenVal) TransferFromSandboxee(rpc RPC) error {
	if l.remote == 0 {
		return fmt.Errorf("transfer %s from sandboxee: no remote allocation: %w", l.kind, status.ErrFailedPrecondition)
	}
	raw, err := rpc.TransferFrom(l.remote, 0)
	if err != nil {
		return fmt.Errorf("transfer %s from sandboxee: %w", l.kind, err)
	}
	if len(raw) < lenPrefixSize {
		return fmt.Errorf("transfer %s from sandboxee: short buffer of %d bytes", l.kind, len(raw))
	}
	n := binary.LittleEndian.Uint64(raw)
	if n > uint64(len(raw)-lenPrefixSize) {
		return fmt.Errorf("transfer %s from sandboxee: reported length %d exceeds allocation", l.kind, n)
	}
	l.data = append(l.data[:0], raw[lenPrefixSize:lenPrefixSize+n]...)
	return nil
}

// Resize grows or shrinks the buffer to n payload bytes, requesting
// the sandboxee to resize the remote allocation when one exists.
// Existing payload bytes are preserved up to the new size; grown space
// is zeroed. The remote handle stays stable across resizes.
func (l *LenVal) Resize(rpc RPC, n uint64) error {
	if l.remote != 0 {
		if err := rpc.Resize(l.remote, lenPrefixSize+n); err != nil {
			return fmt.Errorf("resize %s to %d: %w", l.kind, n, err)
		}
	}
	if n <= uint64(len(l.data)) {
		l.data = l.data[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, l.data)
	l.data = grown
	return nil
}
