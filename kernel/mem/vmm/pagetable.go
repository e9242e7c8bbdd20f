// Package vmm implements the page-table walker (PTW, spec.md §4.B) and the
// virtual memory manager (VMM, spec.md §4.C) layered on top of it.
package vmm

import (
	"encoding/binary"

	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/physmem"
)

// FrameAllocatorFn allocates a single physical frame, the seam PTW uses to
// create intermediate tables (spec.md §4.B `walk`, "allocate a fresh frame
// from PFA").
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameFreeFn releases n frames, used by Unmap to return a leaf frame.
type FrameFreeFn func(pmm.Frame, uint32)

// Protection is the read/write/exec triple spec.md's VMA carries.
type Protection struct {
	Read  bool
	Write bool
	Exec  bool
}

var errMapFrameExhausted = &kernel.Error{Module: "ptw", Message: "frame exhaustion while creating intermediate page table"}

// entryRef addresses one 8-byte slot inside a page-table frame.
type entryRef struct {
	arena *physmem.Arena
	frame pmm.Frame
	index int
}

func (r entryRef) Load() pageTableEntry {
	b := r.arena.Frame(r.frame)
	return pageTableEntry(binary.LittleEndian.Uint64(b[r.index*8 : r.index*8+8]))
}

func (r entryRef) Store(e pageTableEntry) {
	b := r.arena.Frame(r.frame)
	binary.LittleEndian.PutUint64(b[r.index*8:r.index*8+8], uint64(e))
}

// pageLevels is the number of levels in the hierarchy (PML4, PDPT, PD, PT).
const pageLevels = 4

// levelIndices splits a virtual address into its four 9-bit table indices,
// PML4 first.
func levelIndices(vaddr uintptr) [pageLevels]int {
	v := uint64(vaddr)
	return [pageLevels]int{
		int((v >> 39) & 0x1ff),
		int((v >> 30) & 0x1ff),
		int((v >> 21) & 0x1ff),
		int((v >> 12) & 0x1ff),
	}
}

// PageDirectoryTable wraps a root (PML4) frame and the arena its tables
// live in (spec.md §3 "Page-Table Entry ... Four table levels").
type PageDirectoryTable struct {
	arena *physmem.Arena
	root  pmm.Frame
}

// NewPageDirectoryTable zeroes root and wraps it as a fresh, empty PDT.
func NewPageDirectoryTable(arena *physmem.Arena, root pmm.Frame) *PageDirectoryTable {
	arena.Zero(root)
	return &PageDirectoryTable{arena: arena, root: root}
}

// Root returns the PML4 frame backing this table.
func (pdt *PageDirectoryTable) Root() pmm.Frame { return pdt.root }

// walk descends the hierarchy for vaddr. When create is true, missing
// intermediate tables are allocated via allocFn and installed
// present+writable; the user bit is applied only at the leaf by the
// caller. It returns a reference to the leaf (PT-level) slot, whether a
// present leaf already existed there, the huge-page level at which the
// walk stopped early (0 means no huge page was hit), and an error.
func (pdt *PageDirectoryTable) walk(vaddr uintptr, create bool, allocFn FrameAllocatorFn) (ref entryRef, leafPresent bool, hugeLevel int, err *kernel.Error) {
	idx := levelIndices(vaddr)
	tableFrame := pdt.root

	for level := 0; level < pageLevels; level++ {
		ref = entryRef{arena: pdt.arena, frame: tableFrame, index: idx[level]}
		e := ref.Load()

		if level == pageLevels-1 {
			return ref, e.HasFlags(FlagPresent), 0, nil
		}

		if e.HasFlags(FlagPresent) && e.HasFlags(FlagHuge) && level >= 1 {
			// 1GiB (PDPT, level 1) or 2MiB (PD, level 2) page: not
			// allocated by the core but recognized on walk per
			// spec.md §3.
			return ref, true, level, nil
		}

		if !e.HasFlags(FlagPresent) {
			if !create {
				return entryRef{}, false, 0, nil
			}

			newFrame, ferr := allocFn()
			if ferr != nil {
				return entryRef{}, false, 0, errMapFrameExhausted
			}
			pdt.arena.Zero(newFrame)

			e = 0
			e.SetFlags(FlagPresent | FlagRW)
			e.SetFrame(newFrame)
			ref.Store(e)
		}

		tableFrame = e.Frame()
	}

	return ref, false, 0, nil
}

// Map installs a vaddr->paddr mapping with the given protection (spec.md
// §4.B `map`).
func (pdt *PageDirectoryTable) Map(vaddr uintptr, frame pmm.Frame, prot Protection, allocFn FrameAllocatorFn, cpu Invalidator) *kernel.Error {
	ref, _, _, err := pdt.walk(vaddr, true, allocFn)
	if err != nil {
		return err
	}

	var e pageTableEntry
	e.SetFlags(FlagPresent | FlagUser)
	if prot.Write {
		e.SetFlags(FlagRW)
	}
	if !prot.Exec {
		e.SetFlags(FlagNoExecute)
	}
	e.SetFrame(frame)
	ref.Store(e)

	if cpu != nil {
		cpu.InvalidatePage(vaddr)
	}
	return nil
}

// Unmap removes a mapping previously installed by Map. It is idempotent:
// unmapping an already-unmapped page is a no-op (spec.md §4.B `unmap`).
// Intermediate tables are never reaped (spec.md §9 Open Question 1).
func (pdt *PageDirectoryTable) Unmap(vaddr uintptr, freeFn FrameFreeFn, cpu Invalidator) *kernel.Error {
	ref, present, _, err := pdt.walk(vaddr, false, nil)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	e := ref.Load()
	freeFn(e.Frame(), 1)
	ref.Store(0)

	if cpu != nil {
		cpu.InvalidatePage(vaddr)
	}
	return nil
}

// Translate performs a read-only walk, honoring 1GiB/2MiB huge pages
// (spec.md §4.B `translate`).
func (pdt *PageDirectoryTable) Translate(vaddr uintptr) (uintptr, bool) {
	ref, present, hugeLevel, err := pdt.walk(vaddr, false, nil)
	if err != nil || !present {
		return 0, false
	}
	e := ref.Load()
	if !e.HasFlags(FlagPresent) {
		return 0, false
	}

	switch hugeLevel {
	case 1: // 1GiB page
		mask := uintptr(1<<30 - 1)
		return uintptr(e.Frame())<<mem.PageShift&^mask | (vaddr & mask), true
	case 2: // 2MiB page
		mask := uintptr(1<<21 - 1)
		return uintptr(e.Frame())<<mem.PageShift&^mask | (vaddr & mask), true
	default:
		return uintptr(e.Frame())<<mem.PageShift | (vaddr & (uintptr(mem.PageSize) - 1)), true
	}
}

// leafEntry exposes the raw leaf PTE for package-internal callers (the VMM
// fault handler needs to inspect/mutate flags in place for COW).
func (pdt *PageDirectoryTable) leafEntry(vaddr uintptr, create bool, allocFn FrameAllocatorFn) (entryRef, bool, *kernel.Error) {
	ref, present, _, err := pdt.walk(vaddr, create, allocFn)
	return ref, present, err
}

// Invalidator is the subset of hal.CPU the PTW needs.
type Invalidator interface {
	InvalidatePage(vaddr uintptr)
}
