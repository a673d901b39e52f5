package client

import "fmt"

// arenaBase keeps handle zero free as the null sentinel
const arenaBase = 0x10000

// arena is the sandboxee's allocation table. Handles are opaque to the
// host; a handle stays valid across resize and is retired by free.
type arena struct {
	blocks map[uint64][]byte
	next   uint64
	allocs uint64
	frees  uint64
}

func newArena() *arena {
	return &arena{
		blocks: make(map[uint64][]byte),
		next:   arenaBase,
	}
}

func (a *arena) allocate(size uint64) uint64 {
	addr := a.next
	a.next += (size + 0xfff) &^ 0xfff
	if a.next == addr {
		a.next += 0x1000
	}
	a.blocks[addr] = make([]byte, size)
	a.allocs++
	return addr
}

func (a *arena) free(addr uint64) error {
	if _, ok := a.blocks[addr]; !ok {
		return fmt.Errorf("free: unknown handle %#x", addr)
	}
	delete(a.blocks, addr)
	a.frees++
	return nil
}

func (a *arena) bytes(addr uint64) ([]byte, error) {
	b, ok := a.blocks[addr]
	if !ok {
		return nil, fmt.Errorf("unknown handle %#x", addr)
	}
	return b, nil
}

func (a *arena) write(addr, off uint64, data []byte) error {
	b, ok := a.blocks[addr]
	if !ok {
		return fmt.Errorf("write: unknown handle %#x", addr)
	}
	if off+uint64(len(data)) > uint64(len(b)) {
		return fmt.Errorf("write: %d bytes at offset %d overruns allocation of %d", len(data), off, len(b))
	}
	copy(b[off:], data)
	return nil
}

// read returns up to size bytes from off plus the allocation's total
// size
func (a *arena) read(addr, off, size uint64) ([]byte, uint64, error) {
	b, ok := a.blocks[addr]
	if !ok {
		return nil, 0, fmt.Errorf("read: unknown handle %#x", addr)
	}
	total := uint64(len(b))
	if off > total {
		return nil, total, fmt.Errorf("read: offset %d past allocation of %d", off, total)
	}
	end := off + size
	if end > total {
		end = total
	}
	out := make([]byte, end-off)
	copy(out, b[off:end])
	return out, total, nil
}

func (a *arena) resize(addr, size uint64) error {
	b, ok := a.blocks[addr]
	if !ok {
		return fmt.Errorf("resize: unknown handle %#x", addr)
	}
	if size <= uint64(len(b)) {
		a.blocks[addr] = b[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, b)
	a.blocks[addr] = grown
	return nil
}

// releaseAll frees every live allocation and returns how many there
// were. Called on exit so every allocation ends up freed exactly once.
func (a *arena) releaseAll() int {
	n := len(a.blocks)
	for addr := range a.blocks {
		delete(a.blocks, addr)
		a.frees++
	}
	return n
}

func (a *arena) stats() (allocs, frees uint64) {
	return a.allocs, a.frees
}
