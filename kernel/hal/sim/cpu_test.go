package sim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShootdownReachesEveryOtherCPU(t *testing.T) {
	cpus := NewCluster(4)

	cpus[0].Shootdown(0xDEAD_B000, true)

	require.Empty(t, cpus[0].Invalidations(), "exceptSelf must skip the issuing CPU")
	for _, c := range cpus[1:] {
		require.Equal(t, []uintptr{0xDEAD_B000}, c.Invalidations())
	}
}

func TestShootdownIncludesSelfWhenNotExcepted(t *testing.T) {
	cpus := NewCluster(2)
	cpus[0].Shootdown(0x1000, false)

	require.Equal(t, []uintptr{0x1000}, cpus[0].Invalidations())
	require.Equal(t, []uintptr{0x1000}, cpus[1].Invalidations())
}

func TestIRQNestingTracksDepth(t *testing.T) {
	cpus := NewCluster(1)
	c := cpus[0]

	require.False(t, c.IRQsDisabled())
	c.DisableIRQ()
	c.DisableIRQ()
	require.True(t, c.IRQsDisabled())
	c.EnableIRQ()
	require.True(t, c.IRQsDisabled(), "still nested one level deep")
	c.EnableIRQ()
	require.False(t, c.IRQsDisabled())
}

func TestHalt(t *testing.T) {
	cpus := NewCluster(1)
	require.False(t, cpus[0].Halted())
	cpus[0].Halt()
	require.True(t, cpus[0].Halted())
}
