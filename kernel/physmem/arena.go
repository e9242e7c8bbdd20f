// Package physmem is the hosted replacement for dereferencing
// unsafe.Pointer(frame.Address()) against real physical RAM (see
// SPEC_FULL.md §0). It models physical memory as a single contiguous byte
// arena indexed by frame number; every subsystem that would otherwise poke
// at raw physical addresses (the frame bitmap itself, page tables, slab
// memory, page contents) reads and writes through it instead.
package physmem

import (
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
)

// Arena is a fixed-size simulated physical address space.
type Arena struct {
	bytes []byte
}

// NewArena allocates an arena covering [0, limit).
func NewArena(limit mem.Size) *Arena {
	return &Arena{bytes: make([]byte, limit)}
}

// Len returns the arena's size in bytes.
func (a *Arena) Len() mem.Size {
	return mem.Size(len(a.bytes))
}

// Frame returns a slice covering exactly one page-sized frame. The slice
// aliases the arena's backing array; writes through it are visible to every
// other holder of the same frame, exactly as with physical memory.
func (a *Arena) Frame(f pmm.Frame) []byte {
	start := uintptr(f) * uintptr(mem.PageSize)
	return a.bytes[start : start+uintptr(mem.PageSize)]
}

// Zero zeroes the frame's contents, the hosted equivalent of the teacher's
// mem.Memset(addr, 0, mem.PageSize).
func (a *Arena) Zero(f pmm.Frame) {
	page := a.Frame(f)
	for i := range page {
		page[i] = 0
	}
}

// CopyFrame copies the contents of src into dst, the hosted equivalent of
// mem.Memcopy used by the copy-on-write fault path.
func (a *Arena) CopyFrame(dst, src pmm.Frame) {
	copy(a.Frame(dst), a.Frame(src))
}
