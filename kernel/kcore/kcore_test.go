package kcore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/kernel"
	"nucleus/kernel/hal"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/vmm"
)

func testConfig() Config {
	return Config{
		MemoryMap: hal.MemoryMap{
			Regions: []hal.MemoryRegion{
				{Base: 0, Length: 0x0020_0000, Kind: hal.RegionReserved},
				{Base: 0x0020_0000, Length: 16 * uint64(mem.Mb), Kind: hal.RegionAvailable},
			},
			KernelImageFrom: 0,
			KernelImageTo:   0x0020_0000,
		},
		NumCPU:   2,
		HeapBase: 0x0000_7000_0000_0000,
		HeapSize: 4 * mem.Mb,
	}
}

func TestNewWiresEveryCollaborator(t *testing.T) {
	rt, err := New(testConfig())
	require.Nil(t, err)
	require.NotNil(t, rt.PFA)
	require.NotNil(t, rt.Kernel)
	require.NotNil(t, rt.Heap)
	require.NotNil(t, rt.Sched)
	require.Len(t, rt.CPUs, 2)
	require.NotNil(t, rt.Diag)
}

func TestHeapAllocationDrawsFromSharedPFA(t *testing.T) {
	rt, err := New(testConfig())
	require.Nil(t, err)

	before := rt.PFA.Stats().FreeFrames
	// Larger than the biggest size class, so it is served by fresh frames
	// rather than by a slab New already pre-populated.
	_, allocErr := rt.Heap.Alloc(uint32(2 * mem.PageSize))
	require.Nil(t, allocErr)

	after := rt.PFA.Stats().FreeFrames
	require.Less(t, after, before, "heap allocation must consume frames from the wired PFA")
}

func TestPanicHaltsTheWiredCPU(t *testing.T) {
	rt, err := New(testConfig())
	require.Nil(t, err)
	require.False(t, rt.CPUs[0].Halted())

	kernel.Panic(&kernel.Error{Module: "test", Message: "forced"})
	require.True(t, rt.CPUs[0].Halted())
}

func TestDescribeProtectionRendersRWX(t *testing.T) {
	rt, _ := New(testConfig())
	require.Equal(t, "rw-", rt.DescribeProtection(vmm.Protection{Read: true, Write: true}))
	require.Equal(t, "r-x", rt.DescribeProtection(vmm.Protection{Read: true, Exec: true}))
	require.Equal(t, "---", rt.DescribeProtection(vmm.Protection{}))
}

func TestSpawnUsesWiredSchedulerAndHeap(t *testing.T) {
	rt, err := New(testConfig())
	require.Nil(t, err)

	tk, spawnErr := rt.Sched.Spawn(rt.Heap, rt.Kernel, func(interface{}) {}, nil, mem.PageSize, 10, 0xFFFFFFFF)
	require.Nil(t, spawnErr)
	require.NotNil(t, tk)
	require.NotEqual(t, -1, tk.LastCPU)
}
