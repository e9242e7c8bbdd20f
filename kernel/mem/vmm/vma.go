package vmm

import "nucleus/kernel/mem"

// VMA is one contiguous mapping record within an address space (spec.md §3
// "VMA"). Ranges are half-open: [Start, End).
type VMA struct {
	Start, End uintptr
	Prot       Protection

	// Private marks a copy-on-write mapping (spec.md's PRIVATE flag);
	// false means changes are shared with the backing file/fork peers.
	Private bool
	// Anonymous marks a zero-fill mapping with no backing file.
	Anonymous bool

	File       interface{}
	FileOffset int64
}

// Len returns the VMA's length in bytes.
func (v *VMA) Len() mem.Size { return mem.Size(v.End - v.Start) }

// Contains reports whether addr falls within [Start, End).
func (v *VMA) Contains(addr uintptr) bool { return addr >= v.Start && addr < v.End }

// Overlaps reports whether [Start, End) intersects [start, end).
func (v *VMA) Overlaps(start, end uintptr) bool {
	return v.Start < end && start < v.End
}

// MmapFlags mirrors the flag bits mmap() accepts (spec.md §4.C `mmap`).
type MmapFlags struct {
	// Fixed requires the returned address to equal the hint verbatim;
	// the caller is responsible for unmapping any prior overlap.
	Fixed bool
	// Private requests copy-on-write semantics on fork and on write to
	// a shared backing.
	Private bool
	// Anonymous requests a zero-fill mapping with no backing file.
	Anonymous bool
}

func pageRoundDown(addr uintptr) uintptr {
	return addr &^ (uintptr(mem.PageSize) - 1)
}
