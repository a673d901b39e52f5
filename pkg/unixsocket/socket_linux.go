// Package unixsocket wraps a Linux SOCK_SEQPACKET unix socket pair and
// provides reliable message transfer together with out-of-band file
// descriptor passing (SCM_RIGHTS).
package unixsocket

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// oob buffer size, enough for the handful of descriptors one call may carry
const oobSize = 1 << 10

// Socket wraps a seqpacket unix socket connection
type Socket struct {
	*net.UnixConn
	sendBuff []byte
	recvBuff []byte
}

// Msg carries the descriptors attached to a message
type Msg struct {
	Fds []int // unix rights
}

func newSocket(conn *net.UnixConn) *Socket {
	return &Socket{
		UnixConn: conn,
		sendBuff: make([]byte, oobSize),
		recvBuff: make([]byte, oobSize),
	}
}

// NewSocket creates a Socket from an existing seqpacket unix socket fd
// and marks it close_on_exec to avoid descriptor leaks into spawned
// processes. NewSocket takes ownership of fd: the connection keeps a
// duplicate and fd itself is closed, so the caller must not use or
// close it afterwards.
func NewSocket(fd int) (*Socket, error) {
	syscall.SetNonblock(fd, true)
	syscall.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("newsocket: %d is not a valid fd", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("newsocket: %w", err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("newsocket: %d is not a unix socket connection", fd)
	}
	return newSocket(unixConn), nil
}

// NewSocketPair creates a connected pair of sockets using SOCK_SEQPACKET,
// which preserves message boundaries for the gob-encoded protocols
// layered on top.
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	ins, err := NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("socketpair: sender: %w", err)
	}

	outs, err := NewSocket(fd[1])
	if err != nil {
		ins.Close()
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("socketpair: receiver: %w", err)
	}

	return ins, outs, nil
}

// SendMsg sends a message with the optional unix rights encoded out-of-band
func (s *Socket) SendMsg(b []byte, m Msg) error {
	var oob []byte
	if len(m.Fds) > 0 {
		oob = append(s.sendBuff[:0], syscall.UnixRights(m.Fds...)...)
	}

	if _, _, err := s.WriteMsgUnix(b, oob, nil); err != nil {
		return err
	}
	return nil
}

// RecvMsg receives a message and parses the attached unix rights, if any.
// Received descriptors are owned by the caller.
func (s *Socket) RecvMsg(b []byte) (int, Msg, error) {
	var msg Msg
	n, oobn, _, _, err := s.ReadMsgUnix(b, s.recvBuff)
	if err != nil {
		return 0, msg, err
	}
	msgs, err := syscall.ParseSocketControlMessage(s.recvBuff[:oobn])
	if err != nil {
		return 0, msg, err
	}
	msg, err = parseMsg(msgs)
	if err != nil {
		return 0, msg, err
	}
	return n, msg, nil
}

// SetTimeout bounds the next send or receive; zero removes the bound
func (s *Socket) SetTimeout(d time.Duration) error {
	if d == 0 {
		return s.SetDeadline(time.Time{})
	}
	return s.SetDeadline(time.Now().Add(d))
}

func parseMsg(msgs []syscall.SocketControlMessage) (msg Msg, err error) {
	defer func() {
		if err != nil {
			for _, f := range msg.Fds {
				syscall.Close(f)
			}
			msg.Fds = nil
		}
	}()
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET || m.Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		fds, err := syscall.ParseUnixRights(&m)
		if err != nil {
			return msg, err
		}
		msg.Fds = append(msg.Fds, fds...)
	}
	return msg, nil
}
