// Package policy builds the confinement a sandboxee starts under: its
// syscall allow-list, mount namespace and resource limits.
package policy

import (
	"github.com/ccock/sandboxed-api/forkserver"
	"github.com/ccock/sandboxed-api/pkg/mount"
	"github.com/ccock/sandboxed-api/pkg/rlimit"
	"github.com/ccock/sandboxed-api/pkg/seccomp"
)

// defaultSyscalls is the baseline allow-list: what a Go sandboxee needs
// to run its runtime and serve the call channel, and nothing with
// ambient authority. Names absent on the build architecture are dropped
// at compile time.
var defaultSyscalls = []string{
	// file descriptors it already holds
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"close", "lseek", "dup", "dup3", "fcntl", "ioctl",
	"fstat", "newfstatat", "statx",
	// the call channel
	"recvmsg", "sendmsg", "getsockopt", "setsockopt",
	"epoll_create1", "epoll_ctl", "epoll_pwait", "epoll_wait",
	"eventfd2", "pipe2",
	// memory
	"brk", "mmap", "munmap", "mremap", "mprotect", "madvise",
	// signals
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	// scheduler and threads
	"futex", "clone", "set_robust_list", "rseq", "membarrier",
	"sched_yield", "sched_getaffinity",
	"nanosleep", "clock_nanosleep", "clock_gettime", "clock_getres",
	"gettimeofday",
	// process info and exit
	"getpid", "getppid", "gettid",
	"getuid", "geteuid", "getgid", "getegid",
	"getrlimit", "prlimit64",
	"exit", "exit_group", "tgkill", "tkill",
	"uname", "getrandom", "arch_prctl", "restart_syscall",
}

// Builder assembles a sandboxee spawn configuration
type Builder struct {
	allow         []string
	defaultAction seccomp.Action
	mounts        *mount.Builder
	limits        rlimit.RLimits
	workDir       string
	noFilter      bool
}

// NewBuilder creates a builder with an empty allow-list
func NewBuilder() *Builder {
	return &Builder{mounts: mount.NewBuilder()}
}

// defaultReadOnlyPaths is the fixed set of host paths every sandboxee
// may read
var defaultReadOnlyPaths = []string{
	"/etc/localtime",
}

// NewDefaultBuilder creates a builder carrying the baseline allow-list,
// the fixed read-only paths, a small writable /tmp and / as the
// working directory
func NewDefaultBuilder() *Builder {
	b := NewBuilder().
		AllowSyscalls(defaultSyscalls...).
		AddTmpfs("/tmp", "size=16m").
		SetWorkDir("/")
	for _, p := range defaultReadOnlyPaths {
		b.AddReadOnlyPath(p)
	}
	return b
}

// AllowSyscalls adds syscalls by name to the allow-list
func (b *Builder) AllowSyscalls(names ...string) *Builder {
	b.allow = append(b.allow, names...)
	return b
}

// BlockSyscallsWithErrno makes forbidden syscalls fail with EPERM
// instead of killing the sandboxee
func (b *Builder) BlockSyscallsWithErrno() *Builder {
	b.defaultAction = seccomp.ActionErrno
	return b
}

// DisableFilter spawns the sandboxee without a syscall filter. Meant
// for debugging a policy, never for production use.
func (b *Builder) DisableFilter() *Builder {
	b.noFilter = true
	return b
}

// AddTmpfs mounts a fresh tmpfs at path inside the sandboxee
func (b *Builder) AddTmpfs(path, options string) *Builder {
	b.mounts.WithTmpfs(path, options)
	return b
}

// AddReadOnlyPath bind mounts a host path read-only at the same
// location inside the sandboxee
func (b *Builder) AddReadOnlyPath(path string) *Builder {
	b.mounts.WithBind(path, path, true)
	return b
}

// AddWritablePath bind mounts a host path writable inside the
// sandboxee
func (b *Builder) AddWritablePath(path string) *Builder {
	b.mounts.WithBind(path, path, false)
	return b
}

// SetWorkDir sets the sandboxee's working directory
func (b *Builder) SetWorkDir(dir string) *Builder {
	b.workDir = dir
	return b
}

// SetRLimits sets the sandboxee's resource limits
func (b *Builder) SetRLimits(limits rlimit.RLimits) *Builder {
	b.limits = limits
	return b
}

// Build compiles the policy into a spawn configuration. Syscall names
// unknown to the build architecture are dropped rather than rejected,
// so one allow-list can serve several architectures.
func (b *Builder) Build() (forkserver.SpawnConfig, error) {
	var filter seccomp.Filter
	if !b.noFilter {
		sb := seccomp.Builder{
			Allow:   seccomp.FilterExisting(b.allow),
			Default: b.defaultAction,
		}
		var err error
		filter, err = sb.Build()
		if err != nil {
			return forkserver.SpawnConfig{}, err
		}
	}
	return forkserver.SpawnConfig{
		Filter:  filter,
		RLimits: b.limits.PrepareRLimit(),
		Mounts:  b.mounts.FilterNotExist().Mounts,
		WorkDir: b.workDir,
	}, nil
}
