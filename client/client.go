// Package client is the sandboxee side of the call channel. A program
// registers its callable functions on a Sandboxee and hands control to
// Serve, which answers the host's allocation, transfer and call
// requests until the host asks it to exit.
package client

import (
	"fmt"

	"github.com/ccock/sandboxed-api/pkg/gobsock"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
	"github.com/ccock/sandboxed-api/rpcchannel"
)

// message buffer, sized for a full transfer chunk plus gob overhead
const bufferSize = 64 << 10

// symbol handles are stable fake addresses, assigned by registration
// order
const symbolBase = 0x400000

// Handler implements one callable function. A returned error is
// reported to the host as the call's failure.
type Handler func(c *Call) error

// Sandboxee holds the function registry and the allocation arena.
// Register everything before Serve; the serve loop is single-threaded.
type Sandboxee struct {
	funcs map[string]Handler
	names []string
	arena *arena
}

// New creates an empty sandboxee
func New() *Sandboxee {
	return &Sandboxee{
		funcs: make(map[string]Handler),
		arena: newArena(),
	}
}

// Register makes fn callable under name. Re-registering a name
// replaces its handler but keeps its symbol handle.
func (s *Sandboxee) Register(name string, fn Handler) {
	if _, ok := s.funcs[name]; !ok {
		s.names = append(s.names, name)
	}
	s.funcs[name] = fn
}

// ArenaStats reports how many allocations the arena has served and how
// many it has released, the exit release included
func (s *Sandboxee) ArenaStats() (allocs, frees uint64) {
	return s.arena.stats()
}

func (s *Sandboxee) symbol(name string) (uint64, bool) {
	if _, ok := s.funcs[name]; !ok {
		return 0, false
	}
	for i, n := range s.names {
		if n == name {
			return symbolBase + uint64(i)*0x10, true
		}
	}
	return 0, false
}

// Serve answers requests on soc until the host sends exit or the
// transport fails. On exit every live allocation is released before
// the acknowledgement is sent.
func (s *Sandboxee) Serve(soc *unixsocket.Socket) error {
	gs := gobsock.New(soc, bufferSize)
	for {
		var cmd rpcchannel.Cmd
		msg, err := gs.RecvMsg(&cmd)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		rep, rmsg, done := s.handle(&cmd, msg)
		if err := gs.SendMsg(rep, rmsg); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		if done {
			return nil
		}
	}
}

func errorReply(format string, a ...any) *rpcchannel.Reply {
	return &rpcchannel.Reply{Error: &rpcchannel.ErrorReply{Msg: fmt.Sprintf(format, a...)}}
}

func (s *Sandboxee) handle(cmd *rpcchannel.Cmd, msg unixsocket.Msg) (*rpcchannel.Reply, unixsocket.Msg, bool) {
	switch cmd.Cmd {
	case rpcchannel.CmdAllocate:
		if cmd.Alloc == nil {
			return errorReply("allocate: missing body"), unixsocket.Msg{}, false
		}
		addr := s.arena.allocate(cmd.Alloc.Size)
		return &rpcchannel.Reply{Addr: addr}, unixsocket.Msg{}, false

	case rpcchannel.CmdFree:
		if cmd.Free == nil {
			return errorReply("free: missing body"), unixsocket.Msg{}, false
		}
		if err := s.arena.free(cmd.Free.Addr); err != nil {
			return errorReply("%v", err), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{}, unixsocket.Msg{}, false

	case rpcchannel.CmdTransferTo:
		t := cmd.Transfer
		if t == nil {
			return errorReply("transfer_to: missing body"), unixsocket.Msg{}, false
		}
		if err := s.arena.write(t.Addr, t.Offset, t.Data); err != nil {
			return errorReply("%v", err), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{}, unixsocket.Msg{}, false

	case rpcchannel.CmdTransferFrom:
		t := cmd.Transfer
		if t == nil {
			return errorReply("transfer_from: missing body"), unixsocket.Msg{}, false
		}
		data, total, err := s.arena.read(t.Addr, t.Offset, t.Size)
		if err != nil {
			return errorReply("%v", err), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{Data: data, Total: total}, unixsocket.Msg{}, false

	case rpcchannel.CmdResize:
		r := cmd.Resize
		if r == nil {
			return errorReply("resize: missing body"), unixsocket.Msg{}, false
		}
		if err := s.arena.resize(r.Addr, r.Size); err != nil {
			return errorReply("%v", err), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{}, unixsocket.Msg{}, false

	case rpcchannel.CmdSymbol:
		if cmd.Symbol == nil {
			return errorReply("symbol: missing body"), unixsocket.Msg{}, false
		}
		addr, ok := s.symbol(cmd.Symbol.Name)
		if !ok {
			return errorReply("symbol %q not registered", cmd.Symbol.Name), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{Addr: addr}, unixsocket.Msg{}, false

	case rpcchannel.CmdCall:
		fc := cmd.Call
		if fc == nil {
			return errorReply("call: missing body"), unixsocket.Msg{}, false
		}
		fn, ok := s.funcs[fc.Func]
		if !ok {
			return errorReply("call %q: not registered", fc.Func), unixsocket.Msg{}, false
		}
		c := &Call{sb: s, fc: fc}
		if err := fn(c); err != nil {
			return errorReply("call %q: %v", fc.Func, err), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{Ret: &rpcchannel.FuncRet{
			Type:  fc.RetType,
			Int:   c.retInt,
			Float: c.retFloat,
		}}, unixsocket.Msg{}, false

	case rpcchannel.CmdSendFd:
		if len(msg.Fds) != 1 {
			return errorReply("send_fd: expected 1 descriptor, got %d", len(msg.Fds)), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{Fd: msg.Fds[0]}, unixsocket.Msg{}, false

	case rpcchannel.CmdRecvFd:
		if cmd.RecvFd == nil {
			return errorReply("recv_fd: missing body"), unixsocket.Msg{}, false
		}
		return &rpcchannel.Reply{Fd: cmd.RecvFd.Fd}, unixsocket.Msg{Fds: []int{cmd.RecvFd.Fd}}, false

	case rpcchannel.CmdExit:
		s.arena.releaseAll()
		return &rpcchannel.Reply{}, unixsocket.Msg{}, true

	default:
		return errorReply("unknown command %q", cmd.Cmd), unixsocket.Msg{}, false
	}
}
