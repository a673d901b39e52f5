// Package forkserver starts and supervises sandboxee processes. A
// single fork server process is spawned from the sandboxee binary; it
// answers spawn requests by launching confined copies of itself, each
// connected back to the host by its own communication socket.
package forkserver

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/ccock/sandboxed-api/pkg/memfd"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
)

// descriptor layout of spawned processes: fd 3 carries the control or
// call channel, fd 4 the one-shot setup channel
const (
	commsFdArg = 3
	setupFdArg = 4
)

// Executor describes the sandboxee binary to run. The binary must call
// Init early in main so fork server and sandboxee modes take over.
type Executor struct {
	// Path of the binary; empty means the current executable
	Path string
	// ExecFile runs a sealed in-memory image instead of Path
	ExecFile *os.File
	// Env for the fork server; nil means the host's environment
	Env []string

	Logger *zap.Logger
}

// UseImage loads the sandboxee binary from r into a sealed memfd and
// runs that instead of a path. The file stays open for the lifetime of
// the executor.
func (e *Executor) UseImage(name string, r io.Reader) error {
	f, err := memfd.SealedImage(name, r)
	if err != nil {
		return err
	}
	e.ExecFile = f
	return nil
}

// socketPairFile creates a seqpacket pair with one end wrapped for the
// host and the other an inheritable file for a child process
func socketPairFile(name string) (*unixsocket.Socket, *os.File, error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	soc, err := unixsocket.NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, err
	}
	return soc, os.NewFile(uintptr(fd[1]), name), nil
}

// Start launches the fork server and verifies it answers. The returned
// client holds one reference; Close releases it.
func (e *Executor) Start() (*Client, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hostSoc, childFile, err := socketPairFile("forkserver-comms")
	if err != nil {
		return nil, fmt.Errorf("start fork server: %w", err)
	}

	files := []*os.File{childFile}
	path := e.Path
	if e.ExecFile != nil {
		files = append(files, e.ExecFile)
		path = fmt.Sprintf("/proc/self/fd/%d", setupFdArg)
	} else if path == "" {
		path, err = os.Executable()
		if err != nil {
			childFile.Close()
			hostSoc.Close()
			return nil, fmt.Errorf("start fork server: %w", err)
		}
	}

	argv0 := e.Path
	if argv0 == "" {
		argv0 = os.Args[0]
	}
	env := e.Env
	if env == nil {
		env = os.Environ()
	}

	proc := &exec.Cmd{
		Path:       path,
		Args:       []string{argv0, forkServerArg},
		Env:        env,
		Stderr:     os.Stderr,
		ExtraFiles: files,
	}
	if err := proc.Start(); err != nil {
		childFile.Close()
		hostSoc.Close()
		return nil, fmt.Errorf("start fork server: %w", err)
	}
	childFile.Close()

	c := newClient(hostSoc, proc, logger)
	if err := c.ping(); err != nil {
		c.Close()
		return nil, fmt.Errorf("start fork server: %w", err)
	}
	logger.Info("fork server started", zap.Int("pid", proc.Process.Pid), zap.String("path", path))
	return c, nil
}
