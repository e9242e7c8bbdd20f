package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/physmem"
)

// testFramePool is a trivial bump/free-list frame source standing in for
// the PFA in VMM-only tests.
type testFramePool struct {
	next pmm.Frame
	free []pmm.Frame
}

func newTestFramePool(startFrame uint64) *testFramePool {
	return &testFramePool{next: pmm.Frame(startFrame)}
}

func (p *testFramePool) alloc() (pmm.Frame, *kernel.Error) {
	if len(p.free) > 0 {
		f := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		return f, nil
	}
	f := p.next
	p.next++
	return f, nil
}

func (p *testFramePool) free_(f pmm.Frame, n uint32) {
	for i := uint32(0); i < n; i++ {
		p.free = append(p.free, f+pmm.Frame(i))
	}
}

func newTestAddressSpace(t *testing.T, arenaFrames uint64) (*AddressSpace, *testFramePool) {
	t.Helper()
	arena := physmem.NewArena(mem.Size(arenaFrames) * mem.PageSize)
	pool := newTestFramePool(1)
	root, _ := pool.alloc()

	allocFn := func() (pmm.Frame, *kernel.Error) { return pool.alloc() }
	freeFn := func(f pmm.Frame, n uint32) { pool.free_(f, n) }

	as := NewAddressSpace(arena, root, 0x1000_0000, allocFn, freeFn, nil, nil, NewRefcountTable())
	return as, pool
}

func TestMmapDemandPaging(t *testing.T) {
	// spec.md §8 S2.
	as, _ := newTestAddressSpace(t, 64)

	addr, err := as.Mmap(0, mem.Size(0x3000), Protection{Read: true, Write: true}, MmapFlags{Private: true, Anonymous: true}, nil, 0)
	require.Nil(t, err)
	require.Zero(t, addr%uintptr(mem.PageSize))

	_, ok := as.Translate(addr + uintptr(mem.PageSize))
	require.False(t, ok, "expected no mapping before first access")

	ferr := as.HandlePageFault(addr+uintptr(mem.PageSize), FaultKind{Write: false, User: true})
	require.Nil(t, ferr)

	paddr, ok := as.Translate(addr + uintptr(mem.PageSize))
	require.True(t, ok)

	page := as.arena.Frame(pmm.Frame(paddr >> mem.PageShift))
	require.Equal(t, byte(0), page[0], "freshly faulted-in anonymous page must read as zero")
}

func TestMmapZeroLengthFails(t *testing.T) {
	as, _ := newTestAddressSpace(t, 16)
	_, err := as.Mmap(0, 0, Protection{Read: true}, MmapFlags{Anonymous: true, Private: true}, nil, 0)
	require.Equal(t, ErrInvalidArgument, err)
}

func TestHandlePageFaultNoVMAIsSegfault(t *testing.T) {
	as, _ := newTestAddressSpace(t, 16)
	err := as.HandlePageFault(0x5000, FaultKind{Write: false, User: true})
	require.Equal(t, ErrNoVMA, err)
}

func TestHandlePageFaultProtNoneIsSegfault(t *testing.T) {
	as, _ := newTestAddressSpace(t, 16)
	addr, err := as.Mmap(0, mem.Size(mem.PageSize), Protection{}, MmapFlags{Anonymous: true, Private: true}, nil, 0)
	require.Nil(t, err)

	ferr := as.HandlePageFault(addr, FaultKind{Write: false, User: true})
	require.Equal(t, ErrProtection, ferr)
}

func TestMunmapThenRemapRoundTrips(t *testing.T) {
	as, _ := newTestAddressSpace(t, 16)

	addr, err := as.Mmap(0, mem.Size(mem.PageSize), Protection{Read: true, Write: true}, MmapFlags{Anonymous: true, Private: true}, nil, 0)
	require.Nil(t, err)
	require.Nil(t, as.HandlePageFault(addr, FaultKind{Write: true}))

	require.Nil(t, as.Munmap(addr, mem.Size(mem.PageSize)))

	_, ok := as.Translate(addr)
	require.False(t, ok)
	require.Equal(t, 0, as.vmas.Len())

	// The freed range is the lowest gap again, so a remap lands on it.
	again, err := as.Mmap(0, mem.Size(mem.PageSize), Protection{Read: true, Write: true}, MmapFlags{Anonymous: true, Private: true}, nil, 0)
	require.Nil(t, err)
	require.Equal(t, addr, again)
}

func TestCopyOnWriteFork(t *testing.T) {
	// spec.md §8 S3.
	parent, pool := newTestAddressSpace(t, 64)

	addr, err := parent.Mmap(0, mem.Size(mem.PageSize), Protection{Read: true, Write: true}, MmapFlags{Anonymous: true, Private: true}, nil, 0)
	require.Nil(t, err)
	require.Nil(t, parent.HandlePageFault(addr, FaultKind{Write: true}))

	paddr, ok := parent.Translate(addr)
	require.True(t, ok)
	parent.arena.Frame(pmm.Frame(paddr >> mem.PageShift))[0] = 0x41

	childRoot, _ := pool.alloc()
	child, ferr := parent.Fork(childRoot)
	require.Nil(t, ferr)

	require.Nil(t, child.HandlePageFault(addr, FaultKind{Write: true}))
	childPaddr, ok := child.Translate(addr)
	require.True(t, ok)
	child.arena.Frame(pmm.Frame(childPaddr >> mem.PageShift))[0] = 0x42

	parentPaddr, ok := parent.Translate(addr)
	require.True(t, ok)

	require.Equal(t, byte(0x41), parent.arena.Frame(pmm.Frame(parentPaddr>>mem.PageShift))[0])
	require.Equal(t, byte(0x42), child.arena.Frame(pmm.Frame(childPaddr>>mem.PageShift))[0])
	require.NotEqual(t, parentPaddr, childPaddr)
}
