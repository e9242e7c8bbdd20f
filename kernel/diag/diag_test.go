package diag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/kernel"
	"nucleus/kernel/hal"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/kheap"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/pmm/allocator"
	"nucleus/kernel/mem/vmm"
	"nucleus/kernel/physmem"
	"nucleus/kernel/sched"
	"nucleus/kernel/task"
)

func testMemoryMap(regionBase, regionLen uint64) hal.MemoryMap {
	return hal.MemoryMap{
		Regions: []hal.MemoryRegion{
			{Base: 0, Length: regionBase, Kind: hal.RegionReserved},
			{Base: regionBase, Length: regionLen, Kind: hal.RegionAvailable},
		},
		KernelImageFrom: 0,
		KernelImageTo:   uintptr(regionBase),
	}
}

func newTestRuntime(t *testing.T, frames uint64) (*allocator.BitmapAllocator, *kheap.Heap, *sched.Scheduler, *vmm.AddressSpace) {
	t.Helper()
	pfa := allocator.New()
	require.Nil(t, pfa.Init(testMemoryMap(0x0020_0000, frames*uint64(mem.PageSize))))

	arena := physmem.NewArena(mem.Size(frames+16) * mem.PageSize)
	next := pmm.Frame(1)
	allocFn := func() (pmm.Frame, *kernel.Error) {
		f := next
		next++
		if uint64(f) > frames+16 {
			return pmm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of test frames"}
		}
		return f, nil
	}
	freeFn := func(pmm.Frame, uint32) {}

	pdtRoot, _ := allocFn()
	pdt := vmm.NewPageDirectoryTable(arena, pdtRoot)
	h, err := kheap.New(arena, pdt, uintptr(0x0000_7000_0000_0000), mem.Size(frames/2)*mem.PageSize, allocFn, freeFn, nil)
	require.Nil(t, err)

	asRoot, _ := allocFn()
	as := vmm.NewAddressSpace(arena, asRoot, 0x1000_0000, allocFn, freeFn, nil, nil, vmm.NewRefcountTable())

	s := sched.New(1)
	return pfa, h, s, as
}

func gather(t *testing.T, r *Registry) map[string]float64 {
	t.Helper()
	mfs, err := r.Gather()
	require.Nil(t, err)

	out := map[string]float64{}
	for _, mf := range mfs {
		var total float64
		for _, m := range mf.Metric {
			switch {
			case m.Counter != nil:
				total += m.Counter.GetValue()
			case m.Gauge != nil:
				total += m.Gauge.GetValue()
			}
		}
		out[mf.GetName()] = total
	}
	return out
}

func TestRegistryGathersAllCollectors(t *testing.T) {
	pfa, h, s, _ := newTestRuntime(t, 256)
	r := NewRegistry(pfa, h, s)

	metrics := gather(t, r)
	for _, name := range []string{
		"kernel_pfa_free_frames", "kernel_pfa_requests_total",
		"kernel_kheap_bytes_outstanding", "kernel_kheap_allocs_total",
		"kernel_sched_global_tick", "kernel_sched_cpu_load",
	} {
		_, ok := metrics[name]
		require.True(t, ok, "missing metric %s", name)
	}
}

func TestRegistryReflectsPFAAllocation(t *testing.T) {
	pfa, h, s, _ := newTestRuntime(t, 256)
	r := NewRegistry(pfa, h, s)

	_, err := pfa.Alloc(1)
	require.Nil(t, err)

	metrics := gather(t, r)
	require.Equal(t, float64(1), metrics["kernel_pfa_requests_total"])
}

func TestRegistryReflectsKHeapAllocations(t *testing.T) {
	pfa, h, s, _ := newTestRuntime(t, 256)
	r := NewRegistry(pfa, h, s)

	_, err := h.Alloc(uint32(mem.PageSize))
	require.Nil(t, err)

	metrics := gather(t, r)
	require.Equal(t, float64(1), metrics["kernel_kheap_allocs_total"])
}

func TestRegistryReflectsSchedSpawn(t *testing.T) {
	pfa, h, s, as := newTestRuntime(t, 256)
	r := NewRegistry(pfa, h, s)

	_, err := s.Spawn(h, as, func(interface{}) {}, nil, mem.PageSize, task.DefaultPriority, 0xFFFFFFFF)
	require.Nil(t, err)

	metrics := gather(t, r)
	require.Equal(t, float64(1), metrics["kernel_sched_cpu_load"])
}
