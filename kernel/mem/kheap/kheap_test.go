package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/vmm"
	"nucleus/kernel/physmem"
)

func newTestHeap(t *testing.T, reservedPages uint64) *Heap {
	t.Helper()
	const frameMargin = 64
	arena := physmem.NewArena(mem.Size(reservedPages+frameMargin) * mem.PageSize)
	next := pmm.Frame(1)
	allocFn := func() (pmm.Frame, *kernel.Error) {
		f := next
		next++
		if uint64(f) > reservedPages+frameMargin {
			return pmm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of test frames"}
		}
		return f, nil
	}
	freeFn := func(pmm.Frame, uint32) {}

	pdtRoot, _ := allocFn()
	pdt := vmm.NewPageDirectoryTable(arena, pdtRoot)

	const heapBase = uintptr(0x0000_7000_0000_0000)
	h, err := New(arena, pdt, heapBase, mem.Size(reservedPages)*mem.PageSize, allocFn, freeFn, nil)
	require.Nil(t, err)
	return h
}

func TestAllocFreeDistinctPointers(t *testing.T) {
	h := newTestHeap(t, 256)

	a, err := h.Alloc(24)
	require.Nil(t, err)
	b, err := h.Alloc(24)
	require.Nil(t, err)
	require.NotEqual(t, a, b)

	h.Free(a)
	h.Free(b)
}

func TestSlabGrowth(t *testing.T) {
	// spec.md §8 S4.
	h := newTestHeap(t, 256)

	seen := make(map[uintptr]bool)
	for i := 0; i < 100; i++ {
		ptr, err := h.Alloc(24)
		require.Nil(t, err)
		require.False(t, seen[ptr], "expected every allocation to be distinct")
		seen[ptr] = true

		idx, ok := h.classOf(ptr)
		require.True(t, ok)
		require.Equal(t, uint32(32), sizeClasses[idx])
	}

	require.GreaterOrEqual(t, h.classes[1].objectCount, uint32(64))
}

func TestHeapConservation(t *testing.T) {
	// spec.md §8 round-trip property: alloc/free N times leaves stats at
	// their initial values (alloc_count - free_count == 0 outstanding).
	h := newTestHeap(t, 256)
	before := h.Stats()

	for i := 0; i < 200; i++ {
		ptr, err := h.Alloc(48)
		require.Nil(t, err)
		h.Free(ptr)
	}

	after := h.Stats()
	require.Equal(t, after.AllocCount-before.AllocCount, after.FreeCount-before.FreeCount)
	require.Equal(t, before.TotalAllocated, after.TotalAllocated)
}

func TestAllocIsZeroed(t *testing.T) {
	h := newTestHeap(t, 256)

	ptr, err := h.Alloc(64)
	require.Nil(t, err)

	b := h.bytesAt(ptr, 64)
	for i := range b {
		b[i] = 0xAA
	}
	h.Free(ptr)

	ptr2, err := h.Alloc(64)
	require.Nil(t, err)
	b2 := h.bytesAt(ptr2, 64)
	for _, v := range b2 {
		require.Equal(t, byte(0), v)
	}
}

func TestLargeAllocation(t *testing.T) {
	h := newTestHeap(t, 256)

	ptr, err := h.Alloc(9000)
	require.Nil(t, err)
	require.NotZero(t, ptr)

	h.Free(ptr)
	_, stillLarge := h.large[ptr]
	require.False(t, stillLarge)
}

func TestFreeOfUnknownPointerIsNoop(t *testing.T) {
	h := newTestHeap(t, 256)
	before := h.Stats()
	h.Free(0x1234)
	after := h.Stats()
	require.Equal(t, before.FreeCount, after.FreeCount)
}

func TestTrackedAllocationsAppearInLeakDump(t *testing.T) {
	h := newTestHeap(t, 256)
	a, err := h.AllocTracked(32, "socket-buffer")
	require.Nil(t, err)
	require.NotZero(t, a)

	leaks := h.DumpLeaks()
	require.Len(t, leaks, 1)
	require.Equal(t, a, leaks[0].Ptr)
	require.Equal(t, "socket-buffer", leaks[0].Tag)
	require.Equal(t, uint32(32), leaks[0].Size)
}

func TestLeakDumpAndFreeTracked(t *testing.T) {
	h := newTestHeap(t, 256)

	ptr, err := h.AllocTracked(128, "dentry-cache")
	require.Nil(t, err)

	leaks := h.DumpLeaks()
	require.Len(t, leaks, 1)
	require.Equal(t, "dentry-cache", leaks[0].Tag)
	require.Equal(t, ptr, leaks[0].Ptr)

	h.FreeTracked(ptr)
	require.Empty(t, h.DumpLeaks())
}

func TestReallocShortcutSameClass(t *testing.T) {
	h := newTestHeap(t, 256)

	ptr, err := h.Alloc(20) // 32-byte class
	require.Nil(t, err)

	ptr2, err := h.Realloc(ptr, 30) // still fits the 32-byte class
	require.Nil(t, err)
	require.Equal(t, ptr, ptr2)
}

func TestReallocCopiesContent(t *testing.T) {
	h := newTestHeap(t, 256)

	ptr, err := h.Alloc(16)
	require.Nil(t, err)
	h.bytesAt(ptr, 16)[0] = 0x7E

	ptr2, err := h.Realloc(ptr, 200)
	require.Nil(t, err)
	require.Equal(t, byte(0x7E), h.bytesAt(ptr2, 1)[0])
}
