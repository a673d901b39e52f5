package client

import (
	"encoding/binary"
	"fmt"

	"github.com/ccock/sandboxed-api/rpcchannel"
	"github.com/ccock/sandboxed-api/vars"
)

const lenPrefixSize = 8

// Call is the invocation context a handler receives. Argument order
// matches the caller's; pointer arguments are dereferenced into the
// arena on demand.
type Call struct {
	sb *Sandboxee
	fc *rpcchannel.FuncCall

	retInt   int64
	retFloat float64
}

// NumArgs returns the argument count
func (c *Call) NumArgs() int { return len(c.fc.Args) }

func (c *Call) arg(i int) (*rpcchannel.CallArg, error) {
	if i < 0 || i >= len(c.fc.Args) {
		return nil, fmt.Errorf("%s: no argument %d", c.fc.Func, i)
	}
	return &c.fc.Args[i], nil
}

// Int returns argument i as an integer value
func (c *Call) Int(i int) int64 {
	a, err := c.arg(i)
	if err != nil {
		return 0
	}
	return a.Int
}

// Float returns argument i as a floating point value
func (c *Call) Float(i int) float64 {
	a, err := c.arg(i)
	if err != nil {
		return 0
	}
	return a.Float
}

// Fd returns argument i as the descriptor number valid in this process
func (c *Call) Fd(i int) int {
	a, err := c.arg(i)
	if err != nil {
		return -1
	}
	return int(a.Int)
}

func (c *Call) pointee(i int) (*rpcchannel.CallArg, []byte, error) {
	a, err := c.arg(i)
	if err != nil {
		return nil, nil, err
	}
	if a.Type != vars.TypePointer {
		return nil, nil, fmt.Errorf("%s: argument %d is %s, not a pointer", c.fc.Func, i, a.Type)
	}
	b, err := c.sb.arena.bytes(uint64(a.Int))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: argument %d: %w", c.fc.Func, i, err)
	}
	return a, b, nil
}

// Bytes returns the raw pointee bytes of pointer argument i
func (c *Call) Bytes(i int) ([]byte, error) {
	_, b, err := c.pointee(i)
	return b, err
}

// SetBytes overwrites the pointee of pointer argument i in place; the
// new content must fit the existing allocation
func (c *Call) SetBytes(i int, data []byte) error {
	_, b, err := c.pointee(i)
	if err != nil {
		return err
	}
	if len(data) > len(b) {
		return fmt.Errorf("%s: argument %d: %d bytes does not fit allocation of %d", c.fc.Func, i, len(data), len(b))
	}
	copy(b, data)
	return nil
}

// LenValBytes returns the payload of a length-prefixed pointer
// argument
func (c *Call) LenValBytes(i int) ([]byte, error) {
	a, b, err := c.pointee(i)
	if err != nil {
		return nil, err
	}
	if a.AuxType != vars.TypeLenVal && a.AuxType != vars.TypeProto {
		return nil, fmt.Errorf("%s: argument %d points to %s, not a length-prefixed buffer", c.fc.Func, i, a.AuxType)
	}
	if len(b) < lenPrefixSize {
		return nil, fmt.Errorf("%s: argument %d: buffer of %d bytes has no length prefix", c.fc.Func, i, len(b))
	}
	n := binary.LittleEndian.Uint64(b)
	if lenPrefixSize+n > uint64(len(b)) {
		return nil, fmt.Errorf("%s: argument %d: length %d overruns allocation of %d", c.fc.Func, i, n, len(b))
	}
	return b[lenPrefixSize : lenPrefixSize+n], nil
}

// SetLenValBytes replaces the payload of a length-prefixed pointer
// argument, resizing the allocation while keeping its handle
func (c *Call) SetLenValBytes(i int, data []byte) error {
	a, _, err := c.pointee(i)
	if err != nil {
		return err
	}
	if a.AuxType != vars.TypeLenVal && a.AuxType != vars.TypeProto {
		return fmt.Errorf("%s: argument %d points to %s, not a length-prefixed buffer", c.fc.Func, i, a.AuxType)
	}
	addr := uint64(a.Int)
	if err := c.sb.arena.resize(addr, lenPrefixSize+uint64(len(data))); err != nil {
		return fmt.Errorf("%s: argument %d: %w", c.fc.Func, i, err)
	}
	b, err := c.sb.arena.bytes(addr)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, uint64(len(data)))
	copy(b[lenPrefixSize:], data)
	return nil
}

// ReturnInt sets the call's integer return value
func (c *Call) ReturnInt(v int64) { c.retInt = v }

// ReturnFloat sets the call's floating point return value
func (c *Call) ReturnFloat(v float64) { c.retFloat = v }
