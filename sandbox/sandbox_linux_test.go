package sandbox

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ccock/sandboxed-api/client"
	"github.com/ccock/sandboxed-api/forkserver"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
	"github.com/ccock/sandboxed-api/status"
	"github.com/ccock/sandboxed-api/vars"
)

// fakeProcess stands in for a spawned sandboxee: the serve loop runs
// in-process over a real socketpair
type fakeProcess struct {
	comms *unixsocket.Socket
	child *unixsocket.Socket

	terminated atomic.Bool
	timedOut   atomic.Bool
	timer      *time.Timer

	done    chan forkserver.Result
	resOnce sync.Once
	res     forkserver.Result
}

func newFakeProcess(t *testing.T, sb *client.Sandboxee) *fakeProcess {
	t.Helper()
	host, child, err := unixsocket.NewSocketPair()
	require.NoError(t, err)
	p := &fakeProcess{
		comms: host,
		child: child,
		done:  make(chan forkserver.Result, 1),
	}
	go func() {
		err := sb.Serve(child)
		p.terminated.Store(true)
		if err == nil {
			p.done <- forkserver.Result{Status: forkserver.StatusExited}
		} else {
			p.done <- forkserver.Result{Status: forkserver.StatusSignaled, Signal: syscall.SIGKILL}
		}
	}()
	return p
}

// unresponsiveProcess reads requests and never answers, so only the
// wall time limit can bring it down
func newUnresponsiveProcess(t *testing.T) *fakeProcess {
	t.Helper()
	host, child, err := unixsocket.NewSocketPair()
	require.NoError(t, err)
	p := &fakeProcess{
		comms: host,
		child: child,
		done:  make(chan forkserver.Result, 1),
	}
	go func() {
		buf := make([]byte, 1<<16)
		for {
			if _, _, err := child.RecvMsg(buf); err != nil {
				break
			}
		}
		p.terminated.Store(true)
		st := forkserver.StatusSignaled
		if p.timedOut.Load() {
			st = forkserver.StatusTimedOut
		}
		p.done <- forkserver.Result{Status: st, Signal: syscall.SIGKILL}
	}()
	return p
}

func (p *fakeProcess) Pid() int                      { return 1234 }
func (p *fakeProcess) Comms() *unixsocket.Socket     { return p.comms }
func (p *fakeProcess) IsTerminated() bool            { return p.terminated.Load() }
func (p *fakeProcess) Kill() error                   { return p.child.Close() }
func (p *fakeProcess) SetWallTimeLimit(d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	if d == 0 {
		return
	}
	p.timer = time.AfterFunc(d, func() {
		p.timedOut.Store(true)
		p.Kill()
	})
}

func (p *fakeProcess) AwaitResult() forkserver.Result {
	p.resOnce.Do(func() { p.res = <-p.done })
	return p.res
}

// newTestSandbox wires a sandbox to an in-process sandboxee
func newTestSandbox(t *testing.T, sb *client.Sandboxee, opts ...Option) *Sandbox {
	t.Helper()
	opts = append(opts, WithLogger(zaptest.NewLogger(t)))
	s := New(Config{}, opts...)
	s.spawn = func(forkserver.SpawnConfig) (process, error) {
		return newFakeProcess(t, sb), nil
	}
	return s
}

func stringOps() *client.Sandboxee {
	sb := client.New()
	sb.Register("duplicate_string", func(c *client.Call) error {
		in, err := c.LenValBytes(0)
		if err != nil {
			return err
		}
		return c.SetLenValBytes(0, append(append([]byte{}, in...), in...))
	})
	sb.Register("reverse_string", func(c *client.Call) error {
		in, err := c.LenValBytes(0)
		if err != nil {
			return err
		}
		out := make([]byte, len(in))
		for i, b := range in {
			out[len(in)-1-i] = b
		}
		if err := c.SetLenValBytes(0, out); err != nil {
			return err
		}
		c.ReturnInt(1)
		return nil
	})
	sb.Register("pb_duplicate_string", func(c *client.Call) error {
		in, err := c.LenValBytes(0)
		if err != nil {
			return err
		}
		var msg wrapperspb.StringValue
		if err := proto.Unmarshal(in, &msg); err != nil {
			return err
		}
		msg.Value += msg.Value
		out, err := proto.Marshal(&msg)
		if err != nil {
			return err
		}
		return c.SetLenValBytes(0, out)
	})
	return sb
}

func TestCallInactive(t *testing.T) {
	s := New(Config{}, WithLogger(zaptest.NewLogger(t)))
	err := s.Call("anything", vars.NewVoid())
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrUnavailable)
}

func TestDuplicateString(t *testing.T) {
	s := newTestSandbox(t, stringOps())
	require.NoError(t, s.Init())
	defer s.Close()

	buf := vars.NewLenVal([]byte("0123456789"))
	require.NoError(t, s.Call("duplicate_string", vars.NewVoid(), vars.PtrBoth(buf)))
	assert.EqualValues(t, 20, buf.Len())
	assert.Equal(t, []byte("01234567890123456789"), buf.Data())
}

func TestReverseAndResize(t *testing.T) {
	s := newTestSandbox(t, stringOps())
	require.NoError(t, s.Init())
	defer s.Close()

	buf := vars.NewLenVal([]byte("0123456789"))
	ret := vars.NewInt(0)
	require.NoError(t, s.Call("reverse_string", ret, vars.PtrBoth(buf)))
	assert.EqualValues(t, 1, ret.Value())
	assert.Equal(t, []byte("9876543210"), buf.Data())

	require.NoError(t, buf.Resize(s.RPC(), 16))
	copy(buf.Data()[10:], "ABCDEF")
	require.NoError(t, s.Call("reverse_string", ret, vars.PtrBoth(buf)))
	assert.Equal(t, []byte("FEDCBA0123456789"), buf.Data())
}

func TestProtoRoundTrip(t *testing.T) {
	s := newTestSandbox(t, stringOps())
	require.NoError(t, s.Init())
	defer s.Close()

	pv, err := vars.NewProto(wrapperspb.String("0123456789"))
	require.NoError(t, err)
	require.NoError(t, s.Call("pb_duplicate_string", vars.NewVoid(), vars.PtrBoth(pv)))

	msg, err := pv.Message()
	require.NoError(t, err)
	assert.Equal(t, "01234567890123456789", msg.(*wrapperspb.StringValue).Value)
}

func TestSyncModes(t *testing.T) {
	sb := client.New()
	var sawZeroHandle, sawInput atomic.Bool
	sb.Register("probe", func(c *client.Call) error {
		// argument 0: no sync, must carry a null handle
		sawZeroHandle.Store(c.Int(0) == 0)
		// argument 1: input-only, must carry the host bytes
		in, err := c.Bytes(1)
		if err != nil {
			return err
		}
		sawInput.Store(string(in) == "input")
		// scribble over it; the host must not see this
		if err := c.SetBytes(1, []byte("nope!")); err != nil {
			return err
		}
		// argument 2: output-only, fill it in
		return c.SetBytes(2, []byte("out"))
	})
	s := newTestSandbox(t, sb)
	require.NoError(t, s.Init())
	defer s.Close()

	none := vars.NewStruct([]byte("none!"))
	in := vars.NewStruct([]byte("input"))
	out := vars.NewStruct([]byte{0, 0, 0})
	require.NoError(t, s.Call("probe", vars.NewVoid(),
		vars.PtrNone(none), vars.PtrBefore(in), vars.PtrAfter(out)))

	assert.True(t, sawZeroHandle.Load(), "no-sync pointee must never be allocated")
	assert.True(t, sawInput.Load())
	assert.Equal(t, []byte("input"), in.Data(), "before-only pointee must not be pulled back")
	assert.Equal(t, []byte("out"), out.Data())
	assert.Zero(t, none.Remote())
}

func TestAfterSyncRequiresAllocation(t *testing.T) {
	s := newTestSandbox(t, client.New())
	require.NoError(t, s.Init())
	defer s.Close()

	p := vars.PtrAfter(vars.NewStruct([]byte{1}))
	err := s.synchronizePtrAfter(p)
	assert.ErrorIs(t, err, status.ErrFailedPrecondition)
}

func TestAutoFreeExactlyOnce(t *testing.T) {
	sb := stringOps()
	s := newTestSandbox(t, sb)
	require.NoError(t, s.Init())

	for i := 0; i < 3; i++ {
		buf := vars.NewLenVal([]byte("0123456789"))
		require.NoError(t, s.Call("duplicate_string", vars.NewVoid(), vars.PtrBoth(buf)))
	}
	s.Terminate(true)

	allocs, frees := sb.ArenaStats()
	assert.EqualValues(t, 3, allocs)
	assert.Equal(t, allocs, frees, "every allocation freed exactly once at end of life")
}

func TestFdPassing(t *testing.T) {
	sb := client.New()
	sb.Register("write_greeting", func(c *client.Call) error {
		f := os.NewFile(uintptr(c.Fd(0)), "sink")
		defer f.Close()
		_, err := f.WriteString("hello")
		return err
	})
	s := newTestSandbox(t, sb)
	require.NoError(t, s.Init())
	defer s.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	fd := vars.NewFd(int(w.Fd()))
	require.NoError(t, s.Call("write_greeting", vars.NewVoid(), fd))
	w.Close()

	got := make([]byte, 16)
	n, _ := r.Read(got)
	assert.Equal(t, "hello", string(got[:n]))
}

func TestTerminateGraceful(t *testing.T) {
	s := newTestSandbox(t, stringOps())
	require.NoError(t, s.Init())

	s.Terminate(true)
	res := s.AwaitResult()
	assert.True(t, res.Clean(), "got %v", res)
	assert.False(t, s.IsActive())

	again := s.AwaitResult()
	assert.Equal(t, res, again, "result must be cached")
}

func TestTerminateUnresponsive(t *testing.T) {
	s := New(Config{}, WithLogger(zaptest.NewLogger(t)))
	s.spawn = func(forkserver.SpawnConfig) (process, error) {
		return newUnresponsiveProcess(t), nil
	}
	require.NoError(t, s.Init())

	start := time.Now()
	s.Terminate(true)
	res := s.AwaitResult()
	assert.False(t, res.Clean())
	assert.NotEqual(t, forkserver.StatusExited, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSetWallTimeLimitInactive(t *testing.T) {
	s := New(Config{}, WithLogger(zaptest.NewLogger(t)))
	err := s.SetWallTimeLimit(time.Second)
	assert.ErrorIs(t, err, status.ErrUnavailable)
}

func TestReinitAfterTerminate(t *testing.T) {
	sb := stringOps()
	s := newTestSandbox(t, sb)
	require.NoError(t, s.Init())
	s.Terminate(false)
	assert.False(t, s.IsActive())

	require.NoError(t, s.Init())
	assert.True(t, s.IsActive())
	buf := vars.NewLenVal([]byte("ab"))
	require.NoError(t, s.Call("duplicate_string", vars.NewVoid(), vars.PtrBoth(buf)))
	assert.Equal(t, []byte("abab"), buf.Data())
}
