package forkserver

import (
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/ccock/sandboxed-api/pkg/gobsock"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
)

// sandboxee user inside its user namespace
const containerUID = 1000

// server runs inside the fork server process and launches sandboxees
// on request. Namespaces are set up by clone flags; the rest of the
// confinement happens inside the sandboxee before it starts serving.
type server struct {
	soc *gobsock.Socket

	sendMu sync.Mutex

	mu   sync.Mutex
	pids map[int]*exec.Cmd
}

func serve(soc *unixsocket.Socket) error {
	s := &server{
		soc:  gobsock.New(soc, bufferSize),
		pids: make(map[int]*exec.Cmd),
	}
	defer s.killAll()

	for {
		var cm cmd
		if _, err := s.soc.RecvMsg(&cm); err != nil {
			return fmt.Errorf("fork server: %w", err)
		}
		switch cm.Cmd {
		case cmdPing:
			s.send(reply{}, unixsocket.Msg{})

		case cmdSpawn:
			if cm.Spawn == nil {
				s.send(reply{Error: &errorReply{Msg: "spawn: missing body"}}, unixsocket.Msg{})
				continue
			}
			pid, hostFd, err := s.spawn(cm.Spawn)
			if err != nil {
				s.send(reply{Error: &errorReply{Msg: err.Error()}}, unixsocket.Msg{})
				continue
			}
			s.send(reply{Spawn: &spawnReply{Pid: pid}}, unixsocket.Msg{Fds: []int{hostFd}})
			syscall.Close(hostFd)

		case cmdKill:
			if cm.Kill != nil {
				syscall.Kill(cm.Kill.Pid, syscall.SIGKILL)
			}
			s.send(reply{}, unixsocket.Msg{})

		default:
			s.send(reply{Error: &errorReply{Msg: fmt.Sprintf("unknown command %q", cm.Cmd)}}, unixsocket.Msg{})
		}
	}
}

func (s *server) send(rep reply, msg unixsocket.Msg) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.soc.SendMsg(&rep, msg)
}

// spawn launches one sandboxee: a re-exec of this binary in fresh
// namespaces, with the call channel on fd 3 and the setup channel on
// fd 4. The returned host fd is the other end of the call channel.
func (s *server) spawn(sc *SpawnConfig) (int, int, error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("spawn: socketpair: %w", err)
	}
	hostFd := fd[0]
	childComms := os.NewFile(uintptr(fd[1]), "sandboxee-comms")

	setupR, setupW, err := os.Pipe()
	if err != nil {
		syscall.Close(hostFd)
		childComms.Close()
		return 0, 0, fmt.Errorf("spawn: pipe: %w", err)
	}

	c := &exec.Cmd{
		Path:       "/proc/self/exe",
		Args:       []string{os.Args[0], sandboxeeArg},
		Stderr:     os.Stderr,
		ExtraFiles: []*os.File{childComms, setupR},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS |
				syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC |
				syscall.CLONE_NEWUTS | syscall.CLONE_NEWNET,
			UidMappings: []syscall.SysProcIDMap{
				{ContainerID: containerUID, HostID: os.Getuid(), Size: 1},
			},
			GidMappings: []syscall.SysProcIDMap{
				{ContainerID: containerUID, HostID: os.Getgid(), Size: 1},
			},
			GidMappingsEnableSetgroups: false,
		},
	}
	if err := c.Start(); err != nil {
		syscall.Close(hostFd)
		childComms.Close()
		setupR.Close()
		setupW.Close()
		return 0, 0, fmt.Errorf("spawn: %w", err)
	}
	childComms.Close()
	setupR.Close()

	if err := gob.NewEncoder(setupW).Encode(sc); err != nil {
		setupW.Close()
		c.Process.Kill()
		go c.Wait()
		syscall.Close(hostFd)
		return 0, 0, fmt.Errorf("spawn: send setup: %w", err)
	}
	setupW.Close()

	pid := c.Process.Pid
	s.mu.Lock()
	s.pids[pid] = c
	s.mu.Unlock()

	go s.waitOne(pid, c)
	return pid, hostFd, nil
}

// waitOne reaps one sandboxee and pushes its exit notification
func (s *server) waitOne(pid int, c *exec.Cmd) {
	err := c.Wait()

	s.mu.Lock()
	delete(s.pids, pid)
	s.mu.Unlock()

	n := exitNotice{Pid: pid}
	if ws, ok := c.ProcessState.Sys().(syscall.WaitStatus); ok {
		n.Exited = ws.Exited()
		n.ExitStatus = ws.ExitStatus()
		n.Signaled = ws.Signaled()
		n.Signal = int(ws.Signal())
	} else if err != nil {
		n.Exited = true
		n.ExitStatus = 1
	}
	s.send(reply{Exit: &n}, unixsocket.Msg{})
}

func (s *server) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.pids {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}
