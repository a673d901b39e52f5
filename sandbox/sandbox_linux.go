// Package sandbox is the host-side controller of one sandboxee: it
// starts the fork server, spawns a policy-confined process, and
// orchestrates typed calls against it over the call channel.
package sandbox

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ccock/sandboxed-api/forkserver"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
	"github.com/ccock/sandboxed-api/policy"
	"github.com/ccock/sandboxed-api/rpcchannel"
	"github.com/ccock/sandboxed-api/status"
	"github.com/ccock/sandboxed-api/vars"
)

// grace given to a sandboxee asked to exit before it is killed
const gracePeriod = time.Second

// State of the controller. Terminated applies to one sandboxee
// instance; Init spawns a fresh instance and starts a new lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateActive
	StateTerminating
	StateTerminated
)

var stateString = []string{
	"uninitialized", "starting", "active", "terminating", "terminated",
}

func (s State) String() string {
	if int(s) >= len(stateString) {
		return "unknown"
	}
	return stateString[s]
}

// process is what the controller needs from a running sandboxee
type process interface {
	Pid() int
	Comms() *unixsocket.Socket
	IsTerminated() bool
	Kill() error
	SetWallTimeLimit(d time.Duration)
	AwaitResult() forkserver.Result
}

// Config selects the sandboxee binary
type Config struct {
	// Path of the binary; empty means the current executable
	Path string
	// ExecFile runs a sealed in-memory image instead of Path
	ExecFile *os.File
	// Env for the fork server; nil means the host's environment
	Env []string
}

// Option configures a Sandbox
type Option func(*Sandbox)

// WithLogger sets the controller's logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithPolicy replaces the default policy builder
func WithPolicy(b *policy.Builder) Option {
	return func(s *Sandbox) { s.pol = b }
}

// WithWallTimeLimit bounds total sandboxee runtime from the moment it
// is spawned
func WithWallTimeLimit(d time.Duration) Option {
	return func(s *Sandbox) { s.wallLimit = d }
}

// WithMaxTransfer bounds single allocations and transfers
func WithMaxTransfer(n uint64) Option {
	return func(s *Sandbox) { s.maxTransfer = n }
}

// WithForkClient shares an already running fork server; the sandbox
// takes one reference
func WithForkClient(c *forkserver.Client) Option {
	return func(s *Sandbox) {
		c.Ref()
		s.fork = c
	}
}

// Sandbox owns one sandboxee process, its call channel and its
// termination result. Not safe for concurrent use; one outstanding
// call at a time.
type Sandbox struct {
	logger      *zap.Logger
	conf        Config
	pol         *policy.Builder
	wallLimit   time.Duration
	maxTransfer uint64

	fork *forkserver.Client
	proc process
	rpc  *rpcchannel.Channel
	st   State

	result    forkserver.Result
	hasResult bool

	// spawn replaces the fork server in tests
	spawn func(forkserver.SpawnConfig) (process, error)
}

// New creates an uninitialized sandbox for the given binary
func New(conf Config, opts ...Option) *Sandbox {
	s := &Sandbox{
		logger: zap.NewNop(),
		conf:   conf,
		st:     StateUninitialized,
	}
	for _, o := range opts {
		o(s)
	}
	if s.pol == nil {
		s.pol = policy.NewDefaultBuilder()
	}
	return s
}

func (s *Sandbox) setState(st State) {
	s.logger.Debug("state transition",
		zap.Stringer("from", s.st), zap.Stringer("to", st))
	s.st = st
}

// Init brings the sandbox to the active state: fork server up, policy
// built, sandboxee spawned, call channel connected. A no-op when
// already active. Startup failures are Unavailable; the caller may
// retry.
func (s *Sandbox) Init() error {
	if s.IsActive() {
		return nil
	}
	s.setState(StateStarting)

	if s.spawn == nil && s.fork == nil {
		ex := &forkserver.Executor{
			Path:     s.conf.Path,
			ExecFile: s.conf.ExecFile,
			Env:      s.conf.Env,
			Logger:   s.logger,
		}
		cl, err := ex.Start()
		if err != nil {
			s.setState(StateUninitialized)
			return fmt.Errorf("sandbox init: %v: %w", err, status.ErrUnavailable)
		}
		s.fork = cl
	}

	sc, err := s.pol.Build()
	if err != nil {
		s.setState(StateUninitialized)
		return fmt.Errorf("sandbox init: %w", err)
	}

	proc, err := s.spawnSandboxee(sc)
	if err != nil {
		s.setState(StateUninitialized)
		return fmt.Errorf("sandbox init: %v: %w", err, status.ErrUnavailable)
	}

	var rpcOpts []rpcchannel.Option
	if s.maxTransfer > 0 {
		rpcOpts = append(rpcOpts, rpcchannel.WithMaxTransfer(s.maxTransfer))
	}
	s.proc = proc
	s.rpc = rpcchannel.New(proc.Comms(), rpcOpts...)
	s.hasResult = false
	if s.wallLimit > 0 {
		proc.SetWallTimeLimit(s.wallLimit)
	}
	s.setState(StateActive)
	s.logger.Info("sandbox active", zap.Int("pid", proc.Pid()))
	return nil
}

func (s *Sandbox) spawnSandboxee(sc forkserver.SpawnConfig) (process, error) {
	if s.spawn != nil {
		return s.spawn(sc)
	}
	return s.fork.Spawn(sc)
}

// IsActive reports whether a live sandboxee is attached
func (s *Sandbox) IsActive() bool {
	return s.st == StateActive && s.proc != nil && !s.proc.IsTerminated()
}

// Pid returns the sandboxee's process id, zero when none is attached
func (s *Sandbox) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// RPC exposes the raw call channel
func (s *Sandbox) RPC() *rpcchannel.Channel { return s.rpc }

func (s *Sandbox) notActive(op string) error {
	return fmt.Errorf("%s: sandbox not active: %w", op, status.ErrUnavailable)
}

// Allocate reserves remote storage for v
func (s *Sandbox) Allocate(v vars.Var, autoFree bool) error {
	if !s.IsActive() {
		return s.notActive("allocate")
	}
	return v.Allocate(s.rpc, autoFree)
}

// Free releases v's remote storage
func (s *Sandbox) Free(v vars.Var) error {
	if !s.IsActive() {
		return s.notActive("free")
	}
	return v.Free(s.rpc)
}

// TransferToSandboxee pushes v's bytes into its remote storage
func (s *Sandbox) TransferToSandboxee(v vars.Var) error {
	if !s.IsActive() {
		return s.notActive("transfer to sandboxee")
	}
	return v.TransferToSandboxee(s.rpc)
}

// TransferFromSandboxee pulls v's bytes from its remote storage
func (s *Sandbox) TransferFromSandboxee(v vars.Var) error {
	if !s.IsActive() {
		return s.notActive("transfer from sandboxee")
	}
	return v.TransferFromSandboxee(s.rpc)
}

// Symbol resolves a registered function name in the sandboxee
func (s *Sandbox) Symbol(name string) (uint64, error) {
	if !s.IsActive() {
		return 0, s.notActive("symbol")
	}
	return s.rpc.Symbol(name)
}

// synchronizePtrBefore gives a pointer argument's pointee remote
// storage and, when the mode asks for it, pushes the bytes out.
// Allocation happens for every synchronizing pointer so an output-only
// buffer exists before the call writes into it.
func (s *Sandbox) synchronizePtrBefore(a vars.Var) error {
	p, ok := a.(*vars.Ptr)
	if !ok {
		return nil
	}
	mode := p.SyncMode()
	if mode == vars.SyncNone {
		return nil
	}
	pointee := p.Pointee()
	if pointee.Remote() == 0 {
		if err := pointee.Allocate(s.rpc, true); err != nil {
			return err
		}
	}
	if mode&vars.SyncBefore == 0 {
		return nil
	}
	s.logger.Debug("sync to sandboxee",
		zap.Stringer("pointee", pointee.Type()), zap.Uint64("remote", pointee.Remote()))
	return pointee.TransferToSandboxee(s.rpc)
}

// synchronizePtrAfter pulls a pointer argument's pointee back when the
// mode asks for it
func (s *Sandbox) synchronizePtrAfter(a vars.Var) error {
	p, ok := a.(*vars.Ptr)
	if !ok {
		return nil
	}
	if p.SyncMode()&vars.SyncAfter == 0 {
		return nil
	}
	pointee := p.Pointee()
	if pointee.Remote() == 0 {
		return fmt.Errorf("synchronizing a pointee with no remote allocation: %w",
			status.ErrFailedPrecondition)
	}
	s.logger.Debug("sync from sandboxee",
		zap.Stringer("pointee", pointee.Type()), zap.Uint64("remote", pointee.Remote()))
	return pointee.TransferFromSandboxee(s.rpc)
}

// Call invokes a registered function in the sandboxee. Arguments are
// synchronized in call order before the request and again after the
// response; the return value lands in ret.
func (s *Sandbox) Call(name string, ret vars.Var, args ...vars.Var) error {
	if !s.IsActive() {
		return s.notActive("call " + name)
	}
	if len(args) > rpcchannel.MaxArgs {
		return fmt.Errorf("call %s: %d arguments exceeds limit of %d: %w",
			name, len(args), rpcchannel.MaxArgs, status.ErrFailedPrecondition)
	}
	if len(name) > rpcchannel.MaxFuncNameLen {
		return fmt.Errorf("call: function name of %d bytes exceeds limit of %d: %w",
			len(name), rpcchannel.MaxFuncNameLen, status.ErrFailedPrecondition)
	}

	fc := rpcchannel.FuncCall{
		Func:    name,
		Args:    make([]rpcchannel.CallArg, len(args)),
		RetType: ret.Type(),
		RetSize: ret.Size(),
	}
	for i, a := range args {
		ca := &fc.Args[i]
		ca.Type = a.Type()
		ca.Size = a.Size()
		if p, ok := a.(*vars.Ptr); ok {
			ca.AuxType = p.Pointee().Type()
			ca.AuxSize = p.Pointee().Size()
		}

		if err := s.synchronizePtrBefore(a); err != nil {
			return err
		}

		// the wire value is read after synchronization so a freshly
		// allocated pointee's address lands in it
		ca.Int, ca.Float = a.CallValue()

		if fd, ok := a.(*vars.Fd); ok && fd.RemoteFd() < 0 {
			remote, err := s.rpc.SendFd(fd.LocalFd())
			if err != nil {
				return fmt.Errorf("call %s: pass descriptor: %w", name, err)
			}
			fd.SetRemoteFd(remote)
			ca.Int, ca.Float = fd.CallValue()
		}
	}

	fret, err := s.rpc.Call(fc)
	if err != nil {
		return err
	}
	ret.SetCallValue(fret.Int, fret.Float)

	if fd, ok := ret.(*vars.Fd); ok {
		local, err := s.rpc.RecvFd(fd.RemoteFd())
		if err != nil {
			return fmt.Errorf("call %s: pull returned descriptor: %w", name, err)
		}
		fd.SetLocalFd(local)
	}

	for _, a := range args {
		if err := s.synchronizePtrAfter(a); err != nil {
			return err
		}
	}
	return nil
}

// exit asks the sandboxee to leave on its own, with a short wall time
// limit as the stick behind the request
func (s *Sandbox) exit() {
	s.proc.SetWallTimeLimit(gracePeriod)
	if err := s.rpc.Exit(); err != nil {
		s.logger.Warn("graceful exit failed, killing",
			zap.Int("pid", s.proc.Pid()), zap.Error(err))
		s.proc.Kill()
	}
}

// Terminate ends the sandboxee and records its result. A no-op when
// nothing is active. With graceful set the sandboxee gets a chance to
// exit cleanly before being killed.
func (s *Sandbox) Terminate(graceful bool) {
	if !s.IsActive() {
		return
	}
	s.setState(StateTerminating)
	if graceful {
		s.exit()
	} else {
		s.proc.Kill()
	}
	s.recordResult(s.proc.AwaitResult())
}

func (s *Sandbox) recordResult(r forkserver.Result) {
	if !s.hasResult {
		s.result = r
		s.hasResult = true
	}
	s.setState(StateTerminated)
	if r.Clean() {
		s.logger.Info("sandboxee finished", zap.Stringer("result", r))
	} else {
		s.logger.Warn("sandboxee finished", zap.Stringer("result", r))
	}
}

// AwaitResult blocks until the sandboxee has terminated, terminating
// it gracefully first when it is still running, and returns the
// result. The result is cached; later calls return it immediately.
func (s *Sandbox) AwaitResult() forkserver.Result {
	if s.hasResult {
		return s.result
	}
	if s.proc == nil {
		return forkserver.Result{}
	}
	if s.IsActive() {
		s.Terminate(true)
	} else {
		s.recordResult(s.proc.AwaitResult())
	}
	return s.result
}

// SetWallTimeLimit rearms the running sandboxee's wall clock limit
func (s *Sandbox) SetWallTimeLimit(d time.Duration) error {
	if !s.IsActive() {
		return s.notActive("set wall time limit")
	}
	s.proc.SetWallTimeLimit(d)
	return nil
}

// Restart terminates the current sandboxee and spawns a fresh one
// under the same policy
func (s *Sandbox) Restart(graceful bool) error {
	s.Terminate(graceful)
	return s.Init()
}

// Close terminates the sandboxee and releases the fork server
// reference
func (s *Sandbox) Close() error {
	s.Terminate(true)
	if s.fork != nil {
		s.fork.Close()
		s.fork = nil
	}
	return nil
}
