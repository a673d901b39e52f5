// Package rpcchannel implements the host side of the call channel: the
// request/response wire protocol connecting the host to a sandboxee,
// including remote memory management, byte transfer, function calls,
// symbol resolution and out-of-band descriptor passing.
//
// The channel permits one outstanding request at a time. Any transport
// failure means the sandboxee must be assumed dead; such errors wrap
// status.ErrUnavailable.
package rpcchannel

import (
	"fmt"
	"sync"

	"github.com/ccock/sandboxed-api/pkg/gobsock"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
	"github.com/ccock/sandboxed-api/status"
)

// bufferSize holds a full transfer chunk plus gob overhead
const bufferSize = 64 << 10

// chunkSize keeps each transfer datagram within the socket buffer
const chunkSize = 56 << 10

// Channel is the host endpoint of the call channel
type Channel struct {
	mu          sync.Mutex
	soc         *gobsock.Socket
	maxTransfer uint64
}

// Option configures a Channel
type Option func(*Channel)

// WithMaxTransfer overrides the transfer/allocation size bound
func WithMaxTransfer(n uint64) Option {
	return func(c *Channel) { c.maxTransfer = n }
}

// New creates a channel over the sandboxee's communication endpoint
func New(s *unixsocket.Socket, opts ...Option) *Channel {
	c := &Channel{
		soc:         gobsock.New(s, bufferSize),
		maxTransfer: DefaultMaxTransfer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MaxTransfer returns the configured size bound
func (c *Channel) MaxTransfer() uint64 { return c.maxTransfer }

// roundTrip sends one command and receives its reply. Callers hold mu.
func (c *Channel) roundTrip(cmd Cmd, msg unixsocket.Msg) (Reply, unixsocket.Msg, error) {
	if err := c.soc.SendMsg(&cmd, msg); err != nil {
		return Reply{}, unixsocket.Msg{}, fmt.Errorf("rpc %s: %v: %w", cmd.Cmd, err, status.ErrUnavailable)
	}
	var rep Reply
	rmsg, err := c.soc.RecvMsg(&rep)
	if err != nil {
		return Reply{}, unixsocket.Msg{}, fmt.Errorf("rpc %s: %v: %w", cmd.Cmd, err, status.ErrUnavailable)
	}
	if rep.Error != nil {
		return Reply{}, rmsg, fmt.Errorf("rpc %s: sandboxee: %s", cmd.Cmd, rep.Error.Msg)
	}
	return rep, rmsg, nil
}

// Allocate reserves size bytes in the sandboxee and returns the
// allocation handle
func (c *Channel) Allocate(size uint64) (uint64, error) {
	if size > c.maxTransfer {
		return 0, fmt.Errorf("rpc allocate: %d bytes exceeds limit of %d: %w", size, c.maxTransfer, status.ErrFailedPrecondition)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rep, _, err := c.roundTrip(Cmd{Cmd: CmdAllocate, Alloc: &AllocCmd{Size: size}}, unixsocket.Msg{})
	if err != nil {
		return 0, err
	}
	return rep.Addr, nil
}

// Free releases the allocation at addr
func (c *Channel) Free(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, err := c.roundTrip(Cmd{Cmd: CmdFree, Free: &FreeCmd{Addr: addr}}, unixsocket.Msg{})
	return err
}

// TransferTo copies data into the allocation at addr
func (c *Channel) TransferTo(addr uint64, data []byte) error {
	if uint64(len(data)) > c.maxTransfer {
		return fmt.Errorf("rpc transfer_to: %d bytes exceeds limit of %d: %w", len(data), c.maxTransfer, status.ErrFailedPrecondition)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for off := 0; ; {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		cmd := Cmd{Cmd: CmdTransferTo, Transfer: &TransferCmd{
			Addr:   addr,
			Offset: uint64(off),
			Data:   data[off:end],
		}}
		if _, _, err := c.roundTrip(cmd, unixsocket.Msg{}); err != nil {
			return err
		}
		off = end
		if off >= len(data) {
			return nil
		}
	}
}

// TransferFrom reads size bytes from the allocation at addr; size zero
// reads the whole allocation.
func (c *Channel) TransferFrom(addr, size uint64) ([]byte, error) {
	if size > c.maxTransfer {
		return nil, fmt.Errorf("rpc transfer_from: %d bytes exceeds limit of %d: %w", size, c.maxTransfer, status.ErrFailedPrecondition)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []byte
	want := size
	for off := uint64(0); ; {
		req := uint64(chunkSize)
		if want > 0 && want-off < req {
			req = want - off
		}
		cmd := Cmd{Cmd: CmdTransferFrom, Transfer: &TransferCmd{
			Addr:   addr,
			Offset: off,
			Size:   req,
		}}
		rep, _, err := c.roundTrip(cmd, unixsocket.Msg{})
		if err != nil {
			return nil, err
		}
		if want == 0 {
			// whole-allocation read: the first chunk reports the size
			want = rep.Total
			if want > c.maxTransfer {
				return nil, fmt.Errorf("rpc transfer_from: allocation of %d bytes exceeds limit of %d: %w", want, c.maxTransfer, status.ErrFailedPrecondition)
			}
		}
		out = append(out, rep.Data...)
		off += uint64(len(rep.Data))
		if off >= want {
			return out, nil
		}
		if len(rep.Data) == 0 {
			return nil, fmt.Errorf("rpc transfer_from: short read at offset %d of %d", off, want)
		}
	}
}

// Resize grows or shrinks the allocation at addr, keeping its handle
func (c *Channel) Resize(addr, size uint64) error {
	if size > c.maxTransfer {
		return fmt.Errorf("rpc resize: %d bytes exceeds limit of %d: %w", size, c.maxTransfer, status.ErrFailedPrecondition)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, err := c.roundTrip(Cmd{Cmd: CmdResize, Resize: &ResizeCmd{Addr: addr, Size: size}}, unixsocket.Msg{})
	return err
}

// Call invokes a function by name in the sandboxee and returns its
// result union
func (c *Channel) Call(fc FuncCall) (FuncRet, error) {
	if len(fc.Args) > MaxArgs {
		return FuncRet{}, fmt.Errorf("rpc call %q: %d arguments exceeds limit of %d: %w", fc.Func, len(fc.Args), MaxArgs, status.ErrFailedPrecondition)
	}
	if len(fc.Func) > MaxFuncNameLen {
		return FuncRet{}, fmt.Errorf("rpc call: function name of %d bytes exceeds limit of %d: %w", len(fc.Func), MaxFuncNameLen, status.ErrFailedPrecondition)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rep, _, err := c.roundTrip(Cmd{Cmd: CmdCall, Call: &fc}, unixsocket.Msg{})
	if err != nil {
		return FuncRet{}, err
	}
	if rep.Ret == nil {
		return FuncRet{}, fmt.Errorf("rpc call %q: no return value received: %w", fc.Func, status.ErrUnavailable)
	}
	return *rep.Ret, nil
}

// Symbol resolves a function name to its address handle
func (c *Channel) Symbol(name string) (uint64, error) {
	if len(name) > MaxFuncNameLen {
		return 0, fmt.Errorf("rpc symbol: name of %d bytes exceeds limit of %d: %w", len(name), MaxFuncNameLen, status.ErrFailedPrecondition)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rep, _, err := c.roundTrip(Cmd{Cmd: CmdSymbol, Symbol: &SymbolCmd{Name: name}}, unixsocket.Msg{})
	if err != nil {
		return 0, err
	}
	return rep.Addr, nil
}

// SendFd passes fd to the sandboxee out-of-band and returns the
// descriptor number it received
func (c *Channel) SendFd(fd int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rep, _, err := c.roundTrip(Cmd{Cmd: CmdSendFd}, unixsocket.Msg{Fds: []int{fd}})
	if err != nil {
		return -1, err
	}
	return rep.Fd, nil
}

// RecvFd pulls the sandboxee's descriptor remote into a local one
func (c *Channel) RecvFd(remote int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, msg, err := c.roundTrip(Cmd{Cmd: CmdRecvFd, RecvFd: &RecvFdCmd{Fd: remote}}, unixsocket.Msg{})
	if err != nil {
		return -1, err
	}
	if len(msg.Fds) != 1 {
		return -1, fmt.Errorf("rpc recv_fd: expected 1 descriptor, got %d: %w", len(msg.Fds), status.ErrUnavailable)
	}
	return msg.Fds[0], nil
}

// Exit requests a graceful sandboxee exit and waits for it to
// acknowledge. The sandboxee releases its arena and terminates with a
// clean status after replying.
func (c *Channel) Exit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, err := c.roundTrip(Cmd{Cmd: CmdExit}, unixsocket.Msg{})
	return err
}
