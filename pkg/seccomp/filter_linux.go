// Package seccomp provides a compiled BPF filter format for the
// seccomp syscall together with an allow-list builder.
package seccomp

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Filter is the compiled BPF seccomp filter, stored as the raw
// sock_filter array so it can travel over the spawn protocol.
type Filter []byte

// SockFprog converts Filter to SockFprog for the seccomp syscall
func (f Filter) SockFprog() *syscall.SockFprog {
	b := []byte(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b) / 8),
		Filter: (*syscall.SockFilter)(unsafe.Pointer(&b[0])),
	}
}

// Install loads the filter into the current process for all threads.
// no_new_privs is set first, as required for unprivileged filters.
func (f Filter) Install() error {
	if len(f) == 0 {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return err
	}
	prog := f.SockFprog()
	if _, _, errno := syscall.RawSyscall(unix.SYS_SECCOMP,
		uintptr(unix.SECCOMP_SET_MODE_FILTER),
		uintptr(unix.SECCOMP_FILTER_FLAG_TSYNC),
		uintptr(unsafe.Pointer(prog))); errno != 0 {
		return errno
	}
	return nil
}
