// Package rlimit provides POSIX resource limit specs that are
// serialized to the sandboxee and applied via setrlimit before it
// starts serving calls.
package rlimit

import (
	"fmt"
	"strings"
	"syscall"
)

// RLimits declares the limits applied to a sandboxee. Zero values leave
// the corresponding resource unlimited, matching the controller default
// of unlimited CPU time and address space.
type RLimits struct {
	CPU          uint64 // in s
	FileSize     uint64 // in bytes
	Data         uint64 // in bytes
	Stack        uint64 // in bytes
	AddressSpace uint64 // in bytes
	OpenFiles    uint64
	DisableCore  bool // set core to 0
}

// RLimit is a single resource limit in setrlimit form
type RLimit struct {
	// Res is the resource type (e.g. syscall.RLIMIT_CPU)
	Res int
	// Rlim is the limit applied to that resource
	Rlim syscall.Rlimit
}

// Apply installs the limit into the current process
func (r RLimit) Apply() error {
	if err := syscall.Setrlimit(r.Res, &r.Rlim); err != nil {
		return fmt.Errorf("setrlimit %s: %w", r.name(), err)
	}
	return nil
}

func bound(cur, max uint64) syscall.Rlimit {
	return syscall.Rlimit{Cur: cur, Max: max}
}

// PrepareRLimit expands the declared limits into the setrlimit
// sequence for the sandboxee
func (r *RLimits) PrepareRLimit() []RLimit {
	var ret []RLimit
	if r.CPU > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_CPU, Rlim: bound(r.CPU, r.CPU)})
	}
	if r.FileSize > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_FSIZE, Rlim: bound(r.FileSize, r.FileSize)})
	}
	if r.Data > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_DATA, Rlim: bound(r.Data, r.Data)})
	}
	if r.Stack > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_STACK, Rlim: bound(r.Stack, r.Stack)})
	}
	if r.AddressSpace > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_AS, Rlim: bound(r.AddressSpace, r.AddressSpace)})
	}
	if r.OpenFiles > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_NOFILE, Rlim: bound(r.OpenFiles, r.OpenFiles)})
	}
	if r.DisableCore {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_CORE, Rlim: bound(0, 0)})
	}
	return ret
}

func (r RLimit) name() string {
	switch r.Res {
	case syscall.RLIMIT_CPU:
		return "CPU"
	case syscall.RLIMIT_FSIZE:
		return "FileSize"
	case syscall.RLIMIT_DATA:
		return "Data"
	case syscall.RLIMIT_STACK:
		return "Stack"
	case syscall.RLIMIT_AS:
		return "AddressSpace"
	case syscall.RLIMIT_NOFILE:
		return "OpenFiles"
	case syscall.RLIMIT_CORE:
		return "Core"
	}
	return fmt.Sprintf("Res(%d)", r.Res)
}

func (r RLimit) String() string {
	if r.Res == syscall.RLIMIT_CPU {
		return fmt.Sprintf("CPU[%d s:%d s]", r.Rlim.Cur, r.Rlim.Max)
	}
	return fmt.Sprintf("%s[%d:%d]", r.name(), r.Rlim.Cur, r.Rlim.Max)
}

func (r RLimits) String() string {
	var sb strings.Builder
	sb.WriteString("RLimits[")
	for i, rl := range r.PrepareRLimit() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(rl.String())
	}
	sb.WriteString("]")
	return sb.String()
}
