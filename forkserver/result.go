package forkserver

import (
	"fmt"
	"syscall"
)

// Status classifies how a sandboxee ended
type Status int

const (
	// StatusInvalid means no result is available
	StatusInvalid Status = iota
	// StatusExited means the process exited on its own
	StatusExited
	// StatusSignaled means the process was killed by a signal
	StatusSignaled
	// StatusViolation means the process tripped its syscall policy
	StatusViolation
	// StatusTimedOut means the wall time limit killed the process
	StatusTimedOut
	// StatusSetupError means the process never reached a serving state
	StatusSetupError
)

var statusString = []string{
	"invalid",
	"exited",
	"signaled",
	"violation",
	"time out",
	"setup error",
}

func (s Status) String() string {
	if int(s) >= len(statusString) {
		return "invalid"
	}
	return statusString[s]
}

// Result is the final state of one sandboxee
type Result struct {
	Status     Status
	ExitStatus int
	Signal     syscall.Signal
	Error      error
}

// Clean reports a voluntary exit with status zero
func (r Result) Clean() bool {
	return r.Status == StatusExited && r.ExitStatus == 0
}

func (r Result) String() string {
	switch r.Status {
	case StatusExited:
		return fmt.Sprintf("Result[exited:%d]", r.ExitStatus)
	case StatusSignaled:
		return fmt.Sprintf("Result[signaled:%s]", r.Signal)
	case StatusViolation:
		return "Result[policy violation]"
	case StatusTimedOut:
		return "Result[time out]"
	case StatusSetupError:
		return fmt.Sprintf("Result[setup error:%v]", r.Error)
	default:
		return "Result[invalid]"
	}
}

// fromNotice maps an exit notification to a result. A SIGSYS death is
// the policy telling us the process made a forbidden call.
func fromNotice(n exitNotice, timedOut bool) Result {
	switch {
	case timedOut:
		return Result{Status: StatusTimedOut, Signal: syscall.Signal(n.Signal)}
	case n.Signaled && syscall.Signal(n.Signal) == syscall.SIGSYS:
		return Result{Status: StatusViolation, Signal: syscall.SIGSYS}
	case n.Signaled:
		return Result{Status: StatusSignaled, Signal: syscall.Signal(n.Signal)}
	case n.Exited:
		return Result{Status: StatusExited, ExitStatus: n.ExitStatus}
	default:
		return Result{Status: StatusInvalid}
	}
}
