// Package hal describes the contracts the kernel core requires from its
// platform collaborators (boot shim, trap layer, device drivers) per the
// "Consumed" side of the core's external interface. The core never imports
// a concrete platform package; it is handed implementations of these
// interfaces at wiring time (see kernel/kcore).
package hal

import "nucleus/kernel/mem"

// RegionKind classifies one entry of a boot-provided memory map.
type RegionKind uint8

const (
	// RegionAvailable marks RAM the frame allocator may claim.
	RegionAvailable RegionKind = iota
	// RegionReserved marks RAM that must never be handed out (MMIO holes,
	// ACPI tables, the bootloader's own reclaimable-but-untouched ranges).
	RegionReserved
)

// MemoryRegion is one contiguous range reported by the boot/platform layer.
type MemoryRegion struct {
	Base   uint64
	Length uint64
	Kind   RegionKind
}

// MemoryMap is the boot-provided memory layout, delivered once at init as
// required by the core's "Consumed: Boot/platform" contract.
type MemoryMap struct {
	Regions         []MemoryRegion
	KernelImageFrom uintptr
	KernelImageTo   uintptr
	BootInfoFrom    uintptr
	BootInfoTo      uintptr
}

// CPU is the set of per-CPU services the trap/platform layer must provide.
// A hosted test or simulation supplies a fake implementation; nothing in
// the core depends on a specific CPU count or a real MMU.
type CPU interface {
	// InvalidatePage issues invlpg for vaddr on the calling CPU.
	InvalidatePage(vaddr uintptr)
	// CurrentCPUID returns the id of the CPU the calling goroutine
	// represents.
	CurrentCPUID() int
	// EnableIRQ / DisableIRQ bracket sections that must not be
	// interrupted by the timer IRQ (see spec.md §5 "Suspension points").
	EnableIRQ()
	DisableIRQ()
	// Halt stops the calling CPU. Used only from kernel.Panic.
	Halt()
	// Shootdown broadcasts an invlpg request to every other CPU that may
	// have the given virtual address cached, and blocks until all of them
	// acknowledge (spec.md §5 "TLB coherence").
	Shootdown(vaddr uintptr, exceptSelf bool)
}

// VFS is the optional collaborator used to resolve file-backed page faults
// (spec.md §4.C step 4, §6 "VFS (optional, for file-backed mappings)").
type VFS interface {
	// ReadPage fills out (exactly mem.PageSize bytes) with the contents
	// of file at the given byte offset.
	ReadPage(file interface{}, offset int64, out []byte) error
}

// PageSize is re-exported for collaborators that only import hal.
const PageSize = mem.PageSize
