package forkserver

import (
	"github.com/ccock/sandboxed-api/pkg/mount"
	"github.com/ccock/sandboxed-api/pkg/rlimit"
	"github.com/ccock/sandboxed-api/pkg/seccomp"
)

// control protocol tags
const (
	cmdPing  = "ping"
	cmdSpawn = "spawn"
	cmdKill  = "kill"
)

// cmd is one request on the fork server control channel
type cmd struct {
	Cmd string

	Spawn *SpawnConfig
	Kill  *killCmd
}

// SpawnConfig carries everything a new sandboxee needs before it starts
// serving: its confinement and its resource bounds. The same struct is
// forwarded to the sandboxee over its setup channel.
type SpawnConfig struct {
	Filter  seccomp.Filter
	RLimits []rlimit.RLimit
	Mounts  []mount.Mount
	WorkDir string
}

type killCmd struct {
	Pid int
}

// reply answers one cmd; Exit arrives unsolicited when a sandboxee
// terminates
type reply struct {
	Error *errorReply
	Spawn *spawnReply
	Exit  *exitNotice
}

type spawnReply struct {
	Pid int
}

// exitNotice reports how a sandboxee ended
type exitNotice struct {
	Pid        int
	Exited     bool
	ExitStatus int
	Signaled   bool
	Signal     int
}

type errorReply struct {
	Msg string
}

func (e *errorReply) Error() string { return e.Msg }
