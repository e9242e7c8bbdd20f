package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/kheap"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/vmm"
	"nucleus/kernel/physmem"
)

func newTestHeapAndSpace(t *testing.T, frames uint64) (*kheap.Heap, *vmm.AddressSpace) {
	t.Helper()
	arena := physmem.NewArena(mem.Size(frames) * mem.PageSize)
	next := pmm.Frame(1)
	allocFn := func() (pmm.Frame, *kernel.Error) {
		f := next
		next++
		if uint64(f) > frames {
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
	return h, as
}

func TestNewTaskAllocatesPageRoundedStack(t *testing.T) {
	h, as := newTestHeapAndSpace(t, 512)

	tk, err := NewTask(1, h, as, func(interface{}) {}, nil, mem.Size(100), DefaultPriority, 0)
	require.Nil(t, err)
	require.Equal(t, mem.PageSize, tk.stackSize)
	require.Zero(t, tk.stack%uintptr(mem.PageSize))
	require.Equal(t, Ready, tk.State)
	require.Equal(t, Interactive, tk.Workload)
	require.Equal(t, QuantumFor(Interactive), tk.Quantum)
	require.Equal(t, -1, tk.LastCPU)
}

func TestNewTaskRejectsUndersizedStackByRoundingUp(t *testing.T) {
	h, as := newTestHeapAndSpace(t, 512)

	tk, err := NewTask(1, h, as, func(interface{}) {}, nil, 0, DefaultPriority, 0)
	require.Nil(t, err)
	require.Equal(t, mem.PageSize, tk.stackSize)
}

func TestReleaseStackIsIdempotent(t *testing.T) {
	h, as := newTestHeapAndSpace(t, 512)
	tk, err := NewTask(1, h, as, func(interface{}) {}, nil, mem.PageSize, DefaultPriority, 0)
	require.Nil(t, err)

	tk.ReleaseStack()
	require.Zero(t, tk.stack)
	tk.ReleaseStack() // must not panic or double-free
}

func TestClassifyWorkload(t *testing.T) {
	require.Equal(t, Realtime, ClassifyWorkload(RealtimeMaxPriority, 1000, 0, 0))
	require.Equal(t, Interactive, ClassifyWorkload(DefaultPriority, 0, 0, 0))
	require.Equal(t, IO, ClassifyWorkload(DefaultPriority, 10, 40, 0))
	require.Equal(t, Compute, ClassifyWorkload(DefaultPriority, 90, 10, 2))
	require.Equal(t, Interactive, ClassifyWorkload(DefaultPriority, 60, 40, 20))
}

func TestClassifyWorkloadCPUDominanceOutranksFrequentYields(t *testing.T) {
	// spec.md §4.F's classification is a sequential waterfall: cpu/total
	// > 80% must classify Compute even when voluntary yields are also
	// frequent, since the cpu-dominance check fires first.
	require.Equal(t, Compute, ClassifyWorkload(DefaultPriority, 90, 10, 11))
}

func TestQuantumTable(t *testing.T) {
	// spec.md §4.F quantum table.
	require.Equal(t, uint32(2), QuantumFor(Realtime))
	require.Equal(t, uint32(5), QuantumFor(Interactive))
	require.Equal(t, uint32(10), QuantumFor(IO))
	require.Equal(t, uint32(20), QuantumFor(Compute))
}
