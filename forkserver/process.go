package forkserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/ccock/sandboxed-api/pkg/unixsocket"
	"github.com/ccock/sandboxed-api/status"
)

// Process is the host handle on one running sandboxee
type Process struct {
	pid    int
	comms  *unixsocket.Socket
	client *Client

	mu       sync.Mutex
	timer    *time.Timer
	timedOut bool
	result   Result

	done chan struct{}
}

func newProcess(pid int, comms *unixsocket.Socket, c *Client) *Process {
	p := &Process{
		pid:    pid,
		comms:  comms,
		client: c,
		done:   make(chan struct{}),
	}
	go p.watch(c.waitFor(pid))
	return p
}

func (p *Process) watch(ch <-chan exitNotice) {
	n, ok := <-ch

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if !ok {
		p.result = Result{
			Status: StatusSetupError,
			Error:  fmt.Errorf("fork server connection lost: %w", status.ErrUnavailable),
		}
	} else {
		p.result = fromNotice(n, p.timedOut)
	}
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the sandboxee's process id in the host's pid namespace
func (p *Process) Pid() int { return p.pid }

// Comms returns the call channel endpoint connected to the sandboxee
func (p *Process) Comms() *unixsocket.Socket { return p.comms }

// IsTerminated reports whether the sandboxee has ended
func (p *Process) IsTerminated() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Kill forcibly terminates the sandboxee
func (p *Process) Kill() error {
	return p.client.kill(p.pid)
}

// SetWallTimeLimit arms (or with zero disarms) a wall clock kill
// timer. Calling it again replaces the previous limit.
func (p *Process) SetWallTimeLimit(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if d == 0 || p.IsTerminated() {
		return
	}
	p.timer = time.AfterFunc(d, func() {
		p.mu.Lock()
		p.timedOut = true
		p.mu.Unlock()
		p.client.kill(p.pid)
	})
}

// AwaitResult blocks until the sandboxee ends and returns how
func (p *Process) AwaitResult() Result {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}
