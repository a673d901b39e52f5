package rpcchannel

import (
	"github.com/ccock/sandboxed-api/vars"
)

// Wire limits. Argument order on the wire matches call-site order
// exactly; it is the only correlation between a request and the
// per-argument synchronization performed around the call.
const (
	// MaxArgs bounds the argument list of one call
	MaxArgs = 32
	// MaxFuncNameLen bounds the function name identifier
	MaxFuncNameLen = 128
	// DefaultMaxTransfer bounds allocations, resizes and transfers.
	// The source protocol leaves this unbounded; here it is explicit
	// and configurable.
	DefaultMaxTransfer = 16 << 20
)

// request tags, shared by both channel endpoints
const (
	CmdCall         = "call"
	CmdAllocate     = "allocate"
	CmdFree         = "free"
	CmdTransferTo   = "transfer_to"
	CmdTransferFrom = "transfer_from"
	CmdResize       = "resize"
	CmdSymbol       = "symbol"
	CmdSendFd       = "send_fd"
	CmdRecvFd       = "recv_fd"
	CmdExit         = "exit"
)

// FuncCall is the wire request for one function invocation
type FuncCall struct {
	Func    string
	Args    []CallArg
	RetType vars.Type
	RetSize uint64
}

// CallArg describes one argument: its type tag and size, the pointee's
// tag and size when the argument is a pointer, and the fixed-width
// value union.
type CallArg struct {
	Type    vars.Type
	Size    uint64
	AuxType vars.Type
	AuxSize uint64
	Int     int64
	Float   float64
}

// FuncRet is the wire response carrying the return value union
type FuncRet struct {
	Type  vars.Type
	Int   int64
	Float float64
}

// Cmd is one request message on the call channel. Exactly one of the
// operation fields is set, selected by Cmd.
type Cmd struct {
	Cmd string

	Call     *FuncCall
	Alloc    *AllocCmd
	Free     *FreeCmd
	Transfer *TransferCmd
	Resize   *ResizeCmd
	Symbol   *SymbolCmd
	RecvFd   *RecvFdCmd
}

// AllocCmd requests a remote allocation of Size bytes
type AllocCmd struct {
	Size uint64
}

// FreeCmd releases the remote allocation at Addr
type FreeCmd struct {
	Addr uint64
}

// TransferCmd moves one chunk of bytes. A transfer larger than the
// chunk limit is split into several commands; each seqpacket datagram
// must fit the socket buffer. Outbound chunks carry Data; inbound
// chunks carry Size and receive up to Size bytes from Offset.
type TransferCmd struct {
	Addr   uint64
	Offset uint64
	Size   uint64
	Data   []byte
}

// ResizeCmd grows or shrinks the allocation at Addr, keeping the
// handle stable
type ResizeCmd struct {
	Addr uint64
	Size uint64
}

// SymbolCmd resolves a function name to its address handle
type SymbolCmd struct {
	Name string
}

// RecvFdCmd asks the sandboxee to pass back its descriptor Fd
type RecvFdCmd struct {
	Fd int
}

// Reply is the response to one Cmd
type Reply struct {
	Error *ErrorReply

	Ret  *FuncRet
	Addr uint64
	Data []byte
	// Total is the full allocation size, reported on inbound
	// transfer chunks so the host can read a buffer whose size it
	// does not know in advance
	Total uint64
	Fd    int
}

// ErrorReply carries an error raised inside the sandboxee
type ErrorReply struct {
	Msg string
}

func (e *ErrorReply) Error() string { return e.Msg }
