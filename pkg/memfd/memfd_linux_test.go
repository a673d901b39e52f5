package memfd

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSealedImage(t *testing.T) {
	content := []byte("#!/bin/sh\nexit 0\n")
	f, err := SealedImage("test-image", bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("image content = %q, want %q", got, content)
	}

	if _, err := f.WriteAt([]byte("x"), 0); err == nil {
		t.Error("write to sealed image succeeded")
	}

	seals, err := unix.FcntlInt(f.Fd(), unix.F_GET_SEALS, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seals&roSeal != roSeal {
		t.Errorf("seals = %#x, want all of %#x", seals, roSeal)
	}
}

func TestNewCloseable(t *testing.T) {
	f, err := New("empty")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("payload")); err != nil {
		t.Errorf("write to unsealed memfd: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
