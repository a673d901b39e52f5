package forkserver

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ccock/sandboxed-api/pkg/gobsock"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
	"github.com/ccock/sandboxed-api/status"
)

// control messages are small; spawn configs carry at most a filter and
// a mount table
const bufferSize = 16 << 10

const pingTimeout = 5 * time.Second

type replyMsg struct {
	rep reply
	msg unixsocket.Msg
}

// Client is the host handle on a running fork server. It is shared by
// every sandbox spawned from the same binary; references are counted
// and the fork server dies with the last Close.
type Client struct {
	logger *zap.Logger
	soc    *gobsock.Socket
	proc   *exec.Cmd

	// one outstanding request at a time
	reqMu   sync.Mutex
	replies chan replyMsg
	// replies abandoned by a timed-out request, still owed by the
	// fork server; guarded by reqMu
	stale int

	mu      sync.Mutex
	refs    int
	waiters map[int]chan exitNotice
	pending map[int]exitNotice
	done    chan struct{}
	err     error
}

func newClient(soc *unixsocket.Socket, proc *exec.Cmd, logger *zap.Logger) *Client {
	c := &Client{
		logger:  logger,
		soc:     gobsock.New(soc, bufferSize),
		proc:    proc,
		refs:    1,
		replies: make(chan replyMsg, 1),
		waiters: make(map[int]chan exitNotice),
		pending: make(map[int]exitNotice),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// recvLoop routes synchronous replies to the pending request and exit
// notifications to the process that owns the pid
func (c *Client) recvLoop() {
	for {
		var rep reply
		msg, err := c.soc.RecvMsg(&rep)
		if err != nil {
			c.teardown(err)
			return
		}
		if rep.Exit != nil {
			c.routeExit(*rep.Exit)
			continue
		}
		c.replies <- replyMsg{rep: rep, msg: msg}
	}
}

func (c *Client) routeExit(n exitNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[n.Pid]; ok {
		ch <- n
		delete(c.waiters, n.Pid)
		return
	}
	c.pending[n.Pid] = n
}

func (c *Client) teardown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for pid, ch := range c.waiters {
		close(ch)
		delete(c.waiters, pid)
	}
	close(c.done)
}

// waitFor returns the channel delivering pid's exit notification. The
// channel is closed without a value if the fork server goes away.
func (c *Client) waitFor(pid int) <-chan exitNotice {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan exitNotice, 1)
	if n, ok := c.pending[pid]; ok {
		delete(c.pending, pid)
		ch <- n
		return ch
	}
	select {
	case <-c.done:
		close(ch)
	default:
		c.waiters[pid] = ch
	}
	return ch
}

func (c *Client) request(cm cmd, timeout time.Duration) (replyMsg, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.soc.SendMsg(&cm, unixsocket.Msg{}); err != nil {
		return replyMsg{}, fmt.Errorf("fork server %s: %v: %w", cm.Cmd, err, status.ErrUnavailable)
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case rm := <-c.replies:
			// answers owed to timed-out requests arrive first;
			// discard them so commands and replies stay paired
			if c.stale > 0 {
				c.stale--
				continue
			}
			if rm.rep.Error != nil {
				return replyMsg{}, fmt.Errorf("fork server %s: %s", cm.Cmd, rm.rep.Error.Msg)
			}
			return rm, nil
		case <-timer:
			c.stale++
			return replyMsg{}, fmt.Errorf("fork server %s: no answer within %v: %w", cm.Cmd, timeout, status.ErrUnavailable)
		case <-c.done:
			return replyMsg{}, fmt.Errorf("fork server %s: connection lost: %w", cm.Cmd, status.ErrUnavailable)
		}
	}
}

func (c *Client) ping() error {
	_, err := c.request(cmd{Cmd: cmdPing}, pingTimeout)
	return err
}

// Spawn launches one confined sandboxee and returns its process handle
func (c *Client) Spawn(sc SpawnConfig) (*Process, error) {
	rm, err := c.request(cmd{Cmd: cmdSpawn, Spawn: &sc}, 0)
	if err != nil {
		return nil, err
	}
	if rm.rep.Spawn == nil || len(rm.msg.Fds) != 1 {
		return nil, fmt.Errorf("fork server spawn: malformed reply: %w", status.ErrUnavailable)
	}
	comms, err := unixsocket.NewSocket(rm.msg.Fds[0])
	if err != nil {
		return nil, fmt.Errorf("fork server spawn: %w", err)
	}
	pid := rm.rep.Spawn.Pid
	c.logger.Info("sandboxee spawned", zap.Int("pid", pid))
	return newProcess(pid, comms, c), nil
}

func (c *Client) kill(pid int) error {
	_, err := c.request(cmd{Cmd: cmdKill, Kill: &killCmd{Pid: pid}}, pingTimeout)
	return err
}

// Ref takes an extra reference on the fork server
func (c *Client) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// Close drops one reference; the last one shuts the fork server down
func (c *Client) Close() error {
	c.mu.Lock()
	c.refs--
	last := c.refs <= 0
	c.mu.Unlock()
	if !last {
		return nil
	}
	c.soc.Close()
	if c.proc.Process != nil {
		c.proc.Process.Kill()
		c.proc.Wait()
	}
	c.logger.Info("fork server stopped")
	return nil
}
