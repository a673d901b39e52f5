package unixsocket

import (
	"bytes"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestSendRecvMsg(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	go func() {
		a.SendMsg([]byte("message"), Msg{})
	}()

	buf := make([]byte, 64)
	n, _, err := b.RecvMsg(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("message")) {
		t.Fatalf("RecvMsg got %q, want %q", buf[:n], "message")
	}
}

func TestSendRecvMsg_Fds(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	tmpfile, err := os.CreateTemp("", "unixsocket-fd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	msg := []byte("fdtest")
	go func() {
		a.SendMsg(msg, Msg{Fds: []int{int(tmpfile.Fd())}})
	}()

	buf := make([]byte, 64)
	n, m, err := b.RecvMsg(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("RecvMsg got %q, want %q", buf[:n], msg)
	}
	if len(m.Fds) != 1 {
		t.Errorf("expected 1 fd, got %d", len(m.Fds))
	}
	for _, fd := range m.Fds {
		syscall.Close(fd)
	}
}

func TestSetTimeout(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	if err := a.SetTimeout(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	if _, _, err := a.RecvMsg(buf); err == nil {
		t.Error("expected timeout error, got nil")
	}
	if err := a.SetTimeout(0); err != nil {
		t.Errorf("clearing timeout: %v", err)
	}
}

func TestNewSocket_InvalidFd(t *testing.T) {
	if _, err := NewSocket(-1); err == nil {
		t.Error("expected error for invalid fd, got nil")
	}
}

func TestNewSocket_TakesOwnership(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer syscall.Close(fds[1])

	s, err := NewSocket(fds[0])
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// the connection holds a duplicate; the original number is closed
	if err := syscall.SetNonblock(fds[0], true); err == nil {
		t.Error("original fd still open after NewSocket")
	}
}
