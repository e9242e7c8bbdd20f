// Package kcore assembles one instance of every core subsystem into a
// runnable Runtime, the way the teacher's kernel/kmain.Kmain assembles
// allocator/vmm/goruntime package-level singletons at boot. spec.md's
// Design Notes call for replacing module-level globals with instances
// held by a single context object; Runtime is that object.
package kcore

import (
	"nucleus/kernel"
	"nucleus/kernel/diag"
	"nucleus/kernel/hal"
	"nucleus/kernel/hal/sim"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/kheap"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/pmm/allocator"
	"nucleus/kernel/mem/vmm"
	"nucleus/kernel/physmem"
	"nucleus/kernel/sched"
)

var errKmainReturned = &kernel.Error{Module: "kcore", Message: "Kmain returned"}

// Config supplies the boot-time parameters the teacher's Kmain received
// as rt0 arguments (multiboot pointer, kernel image bounds) plus the
// simulation's CPU count, since there is no real rt0 here to hand them in.
type Config struct {
	MemoryMap hal.MemoryMap
	NumCPU    int
	HeapBase  uintptr
	HeapSize  mem.Size
}

// Runtime owns one instance of every core subsystem: the physical frame
// allocator, a kernel address space, the kernel heap, the scheduler, and
// the simulated CPU cluster that stands in for hal.CPU. It is the single
// object kcore.New returns in place of the teacher's package-level
// allocator.FrameAllocator / vmm.frameAllocator singletons.
type Runtime struct {
	PFA     *allocator.BitmapAllocator
	Kernel  *vmm.AddressSpace
	Heap    *kheap.Heap
	Sched   *sched.Scheduler
	CPUs    []*sim.CPU
	Diag    *diag.Registry
	pdt     *vmm.PageDirectoryTable
	arena   *physmem.Arena
}

// New wires one Runtime in this order: PFA init, the simulated physical
// arena and CPU cluster, the kernel page tables, the heap, the kernel
// address space, the scheduler, then diagnostics.
func New(cfg Config) (*Runtime, *kernel.Error) {
	pfa := allocator.New()
	if err := pfa.Init(cfg.MemoryMap); err != nil {
		return nil, err
	}

	allocFrame := func() (pmm.Frame, *kernel.Error) { return pfa.Alloc(1) }
	freeFrame := func(f pmm.Frame, n uint32) { pfa.Free(f, n) }

	arenaLimit := mem.Size(0)
	for _, r := range cfg.MemoryMap.Regions {
		if end := mem.Size(r.Base + r.Length); end > arenaLimit {
			arenaLimit = end
		}
	}
	arena := physmem.NewArena(arenaLimit)

	cpus := sim.NewCluster(cfg.NumCPU)
	kernel.SetHaltFunc(func() {
		cpus[0].DisableIRQ()
		cpus[0].Halt()
	})

	root, err := pfa.Alloc(1)
	if err != nil {
		return nil, err
	}
	pdt := vmm.NewPageDirectoryTable(arena, root)

	heap, err := kheap.New(arena, pdt, cfg.HeapBase, cfg.HeapSize, allocFrame, freeFrame, cpus[0])
	if err != nil {
		return nil, err
	}

	asRoot, err := pfa.Alloc(1)
	if err != nil {
		return nil, err
	}
	kspace := vmm.NewAddressSpace(arena, asRoot, cfg.HeapBase+uintptr(cfg.HeapSize), allocFrame, freeFrame, cpus[0], nil, vmm.NewRefcountTable())

	s := sched.New(cfg.NumCPU)

	rt := &Runtime{
		PFA:    pfa,
		Kernel: kspace,
		Heap:   heap,
		Sched:  s,
		CPUs:   cpus,
		pdt:    pdt,
		arena:  arena,
	}
	rt.Diag = diag.NewRegistry(pfa, heap, s)
	return rt, nil
}

// Run is the hosted analogue of the teacher's Kmain: it never returns
// control except via kernel.Panic, here represented by returning
// errKmainReturned for the caller (e.g. a test or a cmd/ main) to pass to
// kernel.Panic itself.
func (rt *Runtime) Run() *kernel.Error {
	return errKmainReturned
}
