package seccomp

import (
	"fmt"
	"io"
	"os"
	"syscall"

	libseccomp "github.com/seccomp/libseccomp-golang"
)

// Builder compiles a syscall allow-list into a BPF filter. Syscalls not
// on the list hit Default.
type Builder struct {
	Allow   []string
	Default Action
}

// Action is the disposition for syscalls outside the allow-list
type Action int

const (
	// ActionKill kills the whole sandboxee, surfacing as a SIGSYS
	// policy-violation termination
	ActionKill Action = iota
	// ActionErrno fails the syscall with EPERM instead of killing
	ActionErrno
)

// Build compiles the filter
func (b *Builder) Build() (Filter, error) {
	filter, err := libseccomp.NewFilter(toSeccompAction(b.Default))
	if err != nil {
		return nil, fmt.Errorf("seccomp: new filter: %w", err)
	}
	defer filter.Release()

	for _, name := range b.Allow {
		syscallID, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			return nil, fmt.Errorf("seccomp: unknown syscall %q: %w", name, err)
		}
		if err := filter.AddRule(syscallID, libseccomp.ActAllow); err != nil {
			return nil, fmt.Errorf("seccomp: allow %q: %w", name, err)
		}
	}
	return exportBPF(filter)
}

// exportBPF converts the libseccomp filter into the kernel-readable
// BPF program
func exportBPF(filter *libseccomp.ScmpFilter) (Filter, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	go func() {
		filter.ExportBPF(w)
		w.Close()
	}()

	bin, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Filter(bin), nil
}

func toSeccompAction(a Action) libseccomp.ScmpAction {
	switch a {
	case ActionErrno:
		return libseccomp.ActErrno.SetReturnCode(int16(syscall.EPERM))
	default:
		return libseccomp.ActKillProcess
	}
}
