package vmm

import (
	"github.com/google/btree"

	"nucleus/kernel"
	"nucleus/kernel/hal"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/physmem"
	"nucleus/kernel/sync"
)

var (
	// ErrInvalidArgument covers spec.md §4.C's "mmap(length=0)", unaligned
	// FIXED hints, and address+length overflow.
	ErrInvalidArgument = &kernel.Error{Module: "vmm", Message: "invalid argument"}
	// ErrNoVMA is returned by handle_page_fault when fault_vaddr is not
	// covered by any VMA (spec.md §4.C step 1).
	ErrNoVMA = &kernel.Error{Module: "vmm", Message: "no VMA covers the faulting address"}
	// ErrProtection is returned by handle_page_fault when the access kind
	// is not permitted by the covering VMA (spec.md §4.C step 2).
	ErrProtection = &kernel.Error{Module: "vmm", Message: "access violates VMA protection"}
	// errNoGap is an internal sentinel for a non-FIXED mmap with no room
	// left above mmap_base.
	errNoGap = &kernel.Error{Module: "vmm", Message: "address space exhausted"}
)

// vmaItem orders VMAs by start address inside the btree.
type vmaItem struct{ vma *VMA }

func (i vmaItem) Less(than btree.Item) bool { return i.vma.Start < than.(vmaItem).vma.Start }

// AddressSpace is the set of mappings visible to a task: a PML4 root plus a
// sorted VMA index (spec.md GLOSSARY "Address space"). One spinlock guards
// both (spec.md §5 "VMM: one spinlock per address space").
type AddressSpace struct {
	lock sync.Spinlock

	arena *physmem.Arena
	pdt   *PageDirectoryTable
	vmas  *btree.BTree

	mmapBase uintptr
	brk      uintptr
	brkBase  uintptr

	allocFrame FrameAllocatorFn
	freeFrame  FrameFreeFn
	cpu        Invalidator
	vfs        hal.VFS
	refs       *RefcountTable
}

// btreeDegree matches the teacher pack's general-purpose choice for
// in-memory ordered indexes; VMA counts per task are small so the exact
// value has little effect.
const btreeDegree = 32

// NewAddressSpace creates an empty address space rooted at root. mmapBase is
// the lowest address mmap() without FIXED may return (spec.md §4.C `mmap`).
func NewAddressSpace(arena *physmem.Arena, root pmm.Frame, mmapBase uintptr, allocFrame FrameAllocatorFn, freeFrame FrameFreeFn, cpu Invalidator, vfs hal.VFS, refs *RefcountTable) *AddressSpace {
	return &AddressSpace{
		arena:      arena,
		pdt:        NewPageDirectoryTable(arena, root),
		vmas:       btree.New(btreeDegree),
		mmapBase:   mmapBase,
		brk:        mmapBase,
		brkBase:    mmapBase,
		allocFrame: allocFrame,
		freeFrame:  freeFrame,
		cpu:        cpu,
		vfs:        vfs,
		refs:       refs,
	}
}

// Root returns the PML4 frame backing this address space's page tables.
func (as *AddressSpace) Root() pmm.Frame { return as.pdt.Root() }

func (as *AddressSpace) decRef(f pmm.Frame, n uint32) {
	if as.refs.Dec(f) {
		as.freeFrame(f, n)
	}
}

// findVMA returns the VMA containing addr, if any. Must be called with the
// lock held.
func (as *AddressSpace) findVMA(addr uintptr) *VMA {
	var found *VMA
	as.vmas.DescendLessOrEqual(vmaItem{&VMA{Start: addr}}, func(item btree.Item) bool {
		v := item.(vmaItem).vma
		if v.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// overlapping collects every VMA intersecting [start, end). Must be called
// with the lock held.
func (as *AddressSpace) overlapping(start, end uintptr) []*VMA {
	var out []*VMA
	as.vmas.Ascend(func(item btree.Item) bool {
		v := item.(vmaItem).vma
		if v.Start >= end {
			return false
		}
		if v.Overlaps(start, end) {
			out = append(out, v)
		}
		return true
	})
	return out
}

// findGap returns the lowest address at or above as.mmapBase with room for
// length bytes, by linear scan of the sorted VMA list (spec.md §4.C `mmap`).
func (as *AddressSpace) findGap(length uintptr) (uintptr, bool) {
	candidate := as.mmapBase
	ok := true
	as.vmas.Ascend(func(item btree.Item) bool {
		v := item.(vmaItem).vma
		if v.Start >= candidate+length {
			return false
		}
		if v.End > candidate {
			candidate = v.End
		}
		return true
	})
	if candidate+length < candidate {
		ok = false
	}
	return candidate, ok
}

// Mmap implements spec.md §4.C `mmap`. No frames are allocated for
// anonymous private mappings; demand paging installs them on first touch.
func (as *AddressSpace) Mmap(hint uintptr, length mem.Size, prot Protection, flags MmapFlags, file interface{}, offset int64) (uintptr, *kernel.Error) {
	if length == 0 {
		return 0, ErrInvalidArgument
	}
	alignedLen := uintptr(length.Pages()) * uintptr(mem.PageSize)

	var addr uintptr
	var kerr *kernel.Error

	as.lock.Guarded(func() {
		if flags.Fixed {
			if hint%uintptr(mem.PageSize) != 0 {
				kerr = ErrInvalidArgument
				return
			}
			if hint+alignedLen < hint {
				kerr = ErrInvalidArgument
				return
			}
			addr = hint
		} else {
			gap, ok := as.findGap(alignedLen)
			if !ok {
				kerr = errNoGap
				return
			}
			addr = gap
		}

		vma := &VMA{
			Start:      addr,
			End:        addr + alignedLen,
			Prot:       prot,
			Private:    flags.Private,
			Anonymous:  flags.Anonymous,
			File:       file,
			FileOffset: offset,
		}
		as.vmas.ReplaceOrInsert(vmaItem{vma})
	})

	return addr, kerr
}

// unmapRangeLocked splits VMAs on partial overlap and returns every present
// frame in [addr, end) to the PFA (via the refcount table, so COW-shared
// frames are not freed prematurely). The caller must hold as.lock.
func (as *AddressSpace) unmapRangeLocked(addr, end uintptr) *kernel.Error {
	for _, v := range as.overlapping(addr, end) {
		as.vmas.Delete(vmaItem{v})

		lo, hi := v.Start, v.End
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}

		for page := pageRoundDown(lo); page < hi; page += uintptr(mem.PageSize) {
			if uerr := as.pdt.Unmap(page, func(f pmm.Frame, n uint32) { as.decRef(f, n) }, as.cpu); uerr != nil {
				return uerr
			}
		}

		if v.Start < addr {
			left := &VMA{Start: v.Start, End: addr, Prot: v.Prot, Private: v.Private, Anonymous: v.Anonymous, File: v.File, FileOffset: v.FileOffset}
			as.vmas.ReplaceOrInsert(vmaItem{left})
		}
		if v.End > end {
			right := &VMA{Start: end, End: v.End, Prot: v.Prot, Private: v.Private, Anonymous: v.Anonymous, File: v.File, FileOffset: v.FileOffset + int64(end-v.Start)}
			as.vmas.ReplaceOrInsert(vmaItem{right})
		}
	}
	return nil
}

// Munmap implements spec.md §4.C `munmap`.
func (as *AddressSpace) Munmap(addr uintptr, length mem.Size) *kernel.Error {
	if length == 0 {
		return ErrInvalidArgument
	}
	end := addr + uintptr(length.Pages())*uintptr(mem.PageSize)

	var kerr *kernel.Error
	as.lock.Guarded(func() {
		kerr = as.unmapRangeLocked(addr, end)
	})
	return kerr
}

// Brk implements spec.md §4.C `brk`.
func (as *AddressSpace) Brk(newBrk uintptr) (uintptr, *kernel.Error) {
	var result uintptr
	var kerr *kernel.Error

	as.lock.Guarded(func() {
		if newBrk == as.brk {
			result = as.brk
			return
		}

		if newBrk < as.brk {
			if err := as.unmapRangeLocked(newBrk, as.brk); err != nil {
				kerr = err
				return
			}
			as.brk = newBrk
			result = as.brk
			return
		}

		if len(as.overlapping(as.brk, newBrk)) > 0 {
			kerr = ErrInvalidArgument
			return
		}

		as.vmas.ReplaceOrInsert(vmaItem{&VMA{
			Start:     as.brk,
			End:       newBrk,
			Prot:      Protection{Read: true, Write: true},
			Private:   true,
			Anonymous: true,
		}})
		as.brk = newBrk
		result = as.brk
	})

	return result, kerr
}

// Fork implements spec.md §4.C `fork`: the child shares this address
// space's refcount table and inherits a VMA-equivalent copy of every
// present mapping; pages of private VMAs are COW-protected on both sides,
// pages of shared VMAs are mapped into the child as they are.
func (as *AddressSpace) Fork(childRoot pmm.Frame) (*AddressSpace, *kernel.Error) {
	child := NewAddressSpace(as.arena, childRoot, as.mmapBase, as.allocFrame, as.freeFrame, as.cpu, as.vfs, as.refs)

	var kerr *kernel.Error
	as.lock.Guarded(func() {
		child.brk = as.brk
		child.brkBase = as.brkBase

		as.vmas.Ascend(func(item btree.Item) bool {
			v := item.(vmaItem).vma
			childVMA := *v
			child.vmas.ReplaceOrInsert(vmaItem{&childVMA})

			for page := v.Start; page < v.End; page += uintptr(mem.PageSize) {
				ref, present, err := as.pdt.leafEntry(page, false, nil)
				if err != nil {
					kerr = err
					return false
				}
				if !present {
					continue
				}
				e := ref.Load()
				if !e.HasFlags(FlagPresent) {
					continue
				}

				frame := e.Frame()
				if v.Private {
					e.ClearFlags(FlagRW)
					e.SetFlags(FlagCopyOnWrite)
					ref.Store(e)
					as.cpuInvalidate(page)
				}

				if cerr := child.pdt.Map(page, frame, v.Prot, as.allocFrame, child.cpu); cerr != nil {
					kerr = cerr
					return false
				}
				if v.Private {
					// The child's copy is installed read-only
					// too; writes on either side fault into
					// handlePageFault's COW path.
					ref2, _, _ := child.pdt.leafEntry(page, false, nil)
					ce := ref2.Load()
					ce.ClearFlags(FlagRW)
					ce.SetFlags(FlagCopyOnWrite)
					ref2.Store(ce)
				}

				as.refs.Inc(frame)
			}
			return kerr == nil
		})
	})
	if kerr != nil {
		return nil, kerr
	}
	return child, nil
}

func (as *AddressSpace) cpuInvalidate(vaddr uintptr) {
	if as.cpu != nil {
		as.cpu.InvalidatePage(vaddr)
	}
}

// FaultKind describes the access that triggered a page fault.
type FaultKind struct {
	Write bool
	User  bool
}

// HandlePageFault implements spec.md §4.C `handle_page_fault`.
func (as *AddressSpace) HandlePageFault(vaddr uintptr, kind FaultKind) *kernel.Error {
	page := pageRoundDown(vaddr)

	var kerr *kernel.Error
	as.lock.Guarded(func() {
		v := as.findVMA(page)
		if v == nil {
			kerr = ErrNoVMA
			return
		}
		if kind.Write && !v.Prot.Write {
			kerr = ErrProtection
			return
		}
		if !kind.Write && !v.Prot.Read {
			kerr = ErrProtection
			return
		}

		ref, present, err := as.pdt.leafEntry(page, true, as.allocFrame)
		if err != nil {
			kerr = err
			return
		}

		if present {
			e := ref.Load()
			if e.HasFlags(FlagPresent) && kind.Write && v.Private && e.HasFlags(FlagCopyOnWrite) {
				oldFrame := e.Frame()
				newFrame, aerr := as.allocFrame()
				if aerr != nil {
					kerr = aerr
					return
				}
				as.arena.CopyFrame(newFrame, oldFrame)

				e.ClearFlags(FlagCopyOnWrite)
				e.SetFlags(FlagRW)
				e.SetFrame(newFrame)
				ref.Store(e)
				as.cpuInvalidate(page)

				as.decRef(oldFrame, 1)
				return
			}
			// Already present and permitted; nothing to do
			// (idempotent per spec.md §4.C).
			return
		}

		frame, aerr := as.allocFrame()
		if aerr != nil {
			kerr = aerr
			return
		}

		if v.Anonymous || v.File == nil {
			as.arena.Zero(frame)
		} else if as.vfs != nil {
			if verr := as.vfs.ReadPage(v.File, v.FileOffset+int64(page-v.Start), as.arena.Frame(frame)); verr != nil {
				as.decRef(frame, 1)
				kerr = &kernel.Error{Module: "vmm", Message: verr.Error()}
				return
			}
		}

		// Installed with the VMA's full protection directly: the
		// first touch of a page has no peer to protect against yet;
		// COW only begins to matter after fork (spec.md §4.C step 4).
		prot := v.Prot
		e := pageTableEntry(0)
		e.SetFlags(FlagPresent | FlagUser)
		if prot.Write {
			e.SetFlags(FlagRW)
		}
		if !prot.Exec {
			e.SetFlags(FlagNoExecute)
		}
		e.SetFrame(frame)
		ref.Store(e)
	})

	return kerr
}

// Translate is a thin, lock-protected wrapper over the PTW for external
// callers (tests, diagnostics).
func (as *AddressSpace) Translate(vaddr uintptr) (uintptr, bool) {
	var paddr uintptr
	var ok bool
	as.lock.Guarded(func() {
		paddr, ok = as.pdt.Translate(vaddr)
	})
	return paddr, ok
}
