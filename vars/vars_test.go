package vars

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ccock/sandboxed-api/status"
)

// fakeRPC is an in-memory arena standing in for the call channel
type fakeRPC struct {
	blocks map[uint64][]byte
	next   uint64
	allocs int
	frees  int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{blocks: map[uint64][]byte{}, next: 0x1000}
}

func (f *fakeRPC) Allocate(size uint64) (uint64, error) {
	addr := f.next
	f.next += 0x1000
	f.blocks[addr] = make([]byte, size)
	f.allocs++
	return addr, nil
}

func (f *fakeRPC) Free(addr uint64) error {
	if _, ok := f.blocks[addr]; !ok {
		return errors.New("free: unknown address")
	}
	delete(f.blocks, addr)
	f.frees++
	return nil
}

func (f *fakeRPC) TransferTo(addr uint64, data []byte) error {
	b, ok := f.blocks[addr]
	if !ok {
		return errors.New("transfer to: unknown address")
	}
	if len(data) > len(b) {
		f.blocks[addr] = append([]byte{}, data...)
	} else {
		copy(b, data)
	}
	return nil
}

func (f *fakeRPC) TransferFrom(addr, size uint64) ([]byte, error) {
	b, ok := f.blocks[addr]
	if !ok {
		return nil, errors.New("transfer from: unknown address")
	}
	if size == 0 || size > uint64(len(b)) {
		size = uint64(len(b))
	}
	out := make([]byte, size)
	copy(out, b)
	return out, nil
}

func (f *fakeRPC) Resize(addr, size uint64) error {
	b, ok := f.blocks[addr]
	if !ok {
		return errors.New("resize: unknown address")
	}
	if size <= uint64(len(b)) {
		f.blocks[addr] = b[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, b)
	f.blocks[addr] = grown
	return nil
}

func TestIntRoundTrip(t *testing.T) {
	rpc := newFakeRPC()
	i := NewInt(-42)
	if i.Value() != -42 {
		t.Fatalf("Value() = %d, want -42", i.Value())
	}
	if err := i.Allocate(rpc, false); err != nil {
		t.Fatal(err)
	}
	if err := i.TransferToSandboxee(rpc); err != nil {
		t.Fatal(err)
	}
	i.SetValue(0)
	if err := i.TransferFromSandboxee(rpc); err != nil {
		t.Fatal(err)
	}
	if i.Value() != -42 {
		t.Errorf("after round trip Value() = %d, want -42", i.Value())
	}
}

func TestFloatCallValue(t *testing.T) {
	f := NewFloat(2.5)
	_, fv := f.CallValue()
	if fv != 2.5 {
		t.Errorf("CallValue float = %v, want 2.5", fv)
	}
	f.SetCallValue(0, 1.25)
	if f.Value() != 1.25 {
		t.Errorf("after SetCallValue Value() = %v, want 1.25", f.Value())
	}
}

func TestTransferUnallocated(t *testing.T) {
	rpc := newFakeRPC()
	s := NewStruct([]byte{1, 2, 3})
	if err := s.TransferToSandboxee(rpc); !errors.Is(err, status.ErrFailedPrecondition) {
		t.Errorf("TransferToSandboxee = %v, want failed precondition", err)
	}
	if err := s.TransferFromSandboxee(rpc); !errors.Is(err, status.ErrFailedPrecondition) {
		t.Errorf("TransferFromSandboxee = %v, want failed precondition", err)
	}
	if rpc.allocs != 0 {
		t.Errorf("unexpected allocation during failed transfer")
	}
}

func TestDoubleAllocate(t *testing.T) {
	rpc := newFakeRPC()
	a := NewArray(8)
	if err := a.Allocate(rpc, true); err != nil {
		t.Fatal(err)
	}
	if !a.OwnsRemote() {
		t.Error("expected OwnsRemote after auto-free allocate")
	}
	if err := a.Allocate(rpc, true); !errors.Is(err, status.ErrFailedPrecondition) {
		t.Errorf("second Allocate = %v, want failed precondition", err)
	}
}

func TestFreeIdempotent(t *testing.T) {
	rpc := newFakeRPC()
	a := NewArray(8)
	if err := a.Free(rpc); err != nil {
		t.Fatalf("free of never-allocated var: %v", err)
	}
	if err := a.Allocate(rpc, true); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(rpc); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(rpc); err != nil {
		t.Fatalf("second free: %v", err)
	}
	if rpc.allocs != 1 || rpc.frees != 1 {
		t.Errorf("allocs=%d frees=%d, want 1/1", rpc.allocs, rpc.frees)
	}
	if a.Remote() != 0 || a.OwnsRemote() {
		t.Error("freed var still claims a remote allocation")
	}
}

func TestLenValRoundTrip(t *testing.T) {
	rpc := newFakeRPC()
	l := NewLenVal([]byte("0123456789"))
	if l.Size() != 18 {
		t.Fatalf("Size() = %d, want 18", l.Size())
	}
	if err := l.Allocate(rpc, false); err != nil {
		t.Fatal(err)
	}
	if err := l.TransferToSandboxee(rpc); err != nil {
		t.Fatal(err)
	}

	// sandboxee rewrites the buffer with different-length content
	out := []byte("01234567890123456789")
	buf := make([]byte, lenPrefixSize+len(out))
	buf[0] = byte(len(out))
	copy(buf[lenPrefixSize:], out)
	rpc.blocks[l.Remote()] = buf

	if err := l.TransferFromSandboxee(rpc); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 20 || !bytes.Equal(l.Data(), out) {
		t.Errorf("after transfer Data() = %q, want %q", l.Data(), out)
	}
}

func TestLenValResize(t *testing.T) {
	rpc := newFakeRPC()
	l := NewLenVal([]byte("9876543210"))
	if err := l.Allocate(rpc, false); err != nil {
		t.Fatal(err)
	}
	addr := l.Remote()
	if err := l.Resize(rpc, 16); err != nil {
		t.Fatal(err)
	}
	if l.Remote() != addr {
		t.Error("resize moved the remote handle")
	}
	if l.Len() != 16 {
		t.Fatalf("Len() = %d, want 16", l.Len())
	}
	if !bytes.Equal(l.Data()[:10], []byte("9876543210")) {
		t.Error("resize lost existing payload")
	}
	copy(l.Data()[10:], "ABCDEF")
	if !bytes.Equal(l.Data(), []byte("9876543210ABCDEF")) {
		t.Errorf("Data() = %q", l.Data())
	}
	if got := uint64(len(rpc.blocks[addr])); got != lenPrefixSize+16 {
		t.Errorf("remote allocation = %d bytes, want %d", got, lenPrefixSize+16)
	}

	if err := l.Resize(rpc, 4); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(l.Data(), []byte("9876")) {
		t.Errorf("after shrink Data() = %q, want %q", l.Data(), "9876")
	}
}

func TestLenValResizeLocalOnly(t *testing.T) {
	rpc := newFakeRPC()
	l := NewLenVal([]byte("ab"))
	if err := l.Resize(rpc, 4); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 4 || rpc.allocs != 0 {
		t.Errorf("unallocated resize: len=%d allocs=%d", l.Len(), rpc.allocs)
	}
}

func TestPtrDelegation(t *testing.T) {
	rpc := newFakeRPC()
	l := NewLenVal([]byte("abc"))
	p := PtrBoth(l)
	if p.Type() != TypePointer || p.Pointee() != Var(l) {
		t.Fatal("pointer identity broken")
	}
	if p.SyncMode() != SyncBoth {
		t.Errorf("SyncMode = %v, want both", p.SyncMode())
	}
	if iv, _ := p.CallValue(); iv != 0 {
		t.Errorf("CallValue of unallocated pointee = %d, want 0", iv)
	}
	if err := p.Allocate(rpc, true); err != nil {
		t.Fatal(err)
	}
	if iv, _ := p.CallValue(); uint64(iv) != l.Remote() {
		t.Errorf("CallValue = %#x, want pointee remote %#x", iv, l.Remote())
	}
	if p.OwnsRemote() {
		t.Error("pointer must never own the pointee's allocation")
	}
}

func TestSyncModeString(t *testing.T) {
	for mode, want := range map[SyncMode]string{
		SyncNone:   "none",
		SyncBefore: "before",
		SyncAfter:  "after",
		SyncBoth:   "both",
	} {
		if got := mode.String(); got != want {
			t.Errorf("SyncMode(%d).String() = %q, want %q", mode, got, want)
		}
	}
}
