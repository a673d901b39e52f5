package vars

// Ptr models an indirection: its wire value is the remote handle of a
// pointee variable it refers to but does not own. The sync mode
// decides whether the pointee's bytes are pushed before the call,
// pulled after it, both, or neither.
type Ptr struct {
	pointee Var
	mode    SyncMode
}

// NewPtr creates a pointer to pointee with the given sync mode
func NewPtr(pointee Var, mode SyncMode) *Ptr {
	return &Ptr{pointee: pointee, mode: mode}
}

// PtrNone points at v without transferring it in either direction
func PtrNone(v Var) *Ptr { return NewPtr(v, SyncNone) }

// PtrBefore points at v as a pure input: pushed before the call only
func PtrBefore(v Var) *Ptr { return NewPtr(v, SyncBefore) }

// PtrAfter points at v as a pure output: pulled after the call only
func PtrAfter(v Var) *Ptr { return NewPtr(v, SyncAfter) }

// PtrBoth points at v as an in/out buffer
func PtrBoth(v Var) *Ptr { return NewPtr(v, SyncBoth) }

// Pointee returns the referenced variable (non-owning)
func (p *Ptr) Pointee() Var { return p.pointee }

// SyncMode returns the synchronization directionality
func (p *Ptr) SyncMode() SyncMode { return p.mode }

func (p *Ptr) sealed() {}

func (p *Ptr) Type() Type       { return TypePointer }
func (p *Ptr) Size() uint64     { return 8 }
func (p *Ptr) Remote() uint64   { return p.pointee.Remote() }
func (p *Ptr) OwnsRemote() bool { return false }

func (p *Ptr) Allocate(rpc RPC, autoFree bool) error { return p.pointee.Allocate(rpc, autoFree) }
func (p *Ptr) Free(rpc RPC) error                    { return p.pointee.Free(rpc) }
func (p *Ptr) TransferToSandboxee(rpc RPC) error     { return p.pointee.TransferToSandboxee(rpc) }
func (p *Ptr) TransferFromSandboxee(rpc RPC) error   { return p.pointee.TransferFromSandboxee(rpc) }

func (p *Ptr) CallValue() (int64, float64) { return int64(p.pointee.Remote()), 0 }

// SetCallValue is a no-op: a returned pointer would reference memory
// the host cannot own, so pointer returns carry only the raw handle
// through an Int return variable.
func (p *Ptr) SetCallValue(intv int64, floatv float64) {}
