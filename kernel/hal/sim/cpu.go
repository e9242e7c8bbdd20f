// Package sim provides a hosted stand-in for the platform layer kernel/hal
// describes: a cluster of CPU values backed by goroutines instead of real
// cores, used by kernel/kcore to wire a runnable simulation and by tests
// that need more than a bare mock of hal.CPU.
//
// Grounded on the teacher's kernel/cpu package, which itself wraps the
// single real core the teacher targets behind assembly-backed
// ReadCR2/Halt calls; here there is no assembly to call into, so each
// simulated CPU is a plain struct guarded by a stdlib sync.Mutex (this is
// host bookkeeping about the simulation harness, not kernel-core shared
// state, so it does not use kernel/sync.Spinlock the way the PFA/VMM/KH do).
package sim

import (
	"sync"

	"nucleus/kernel/hal"
)

// CPU is one simulated core. A cluster's CPUs share a peer list so that
// Shootdown can broadcast to the others.
type CPU struct {
	id    int
	peers []*CPU

	mu            sync.Mutex
	irqDepth      int
	halted        bool
	invalidations []uintptr
}

// NewCluster builds n CPUs, each aware of all the others, for use as a
// kernel/kcore.Runtime's hal.CPU collaborators.
func NewCluster(n int) []*CPU {
	cpus := make([]*CPU, n)
	for i := range cpus {
		cpus[i] = &CPU{id: i}
	}
	for _, c := range cpus {
		c.peers = cpus
	}
	return cpus
}

// InvalidatePage issues invlpg for vaddr on this CPU (hal.CPU).
func (c *CPU) InvalidatePage(vaddr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations = append(c.invalidations, vaddr)
}

// CurrentCPUID returns this CPU's id (hal.CPU).
func (c *CPU) CurrentCPUID() int { return c.id }

// EnableIRQ / DisableIRQ track nesting depth rather than a bare boolean,
// so a bracketed critical section nested inside another doesn't
// re-enable interrupts early (hal.CPU).
func (c *CPU) DisableIRQ() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqDepth++
}

func (c *CPU) EnableIRQ() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.irqDepth > 0 {
		c.irqDepth--
	}
}

// IRQsDisabled reports whether this CPU is currently inside a
// DisableIRQ/EnableIRQ bracket, for tests asserting fault/panic paths
// disable interrupts before halting.
func (c *CPU) IRQsDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irqDepth > 0
}

// Halt stops this CPU (hal.CPU). Called only from kernel.Panic.
func (c *CPU) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
}

// Halted reports whether Halt has been called.
func (c *CPU) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Shootdown broadcasts InvalidatePage(vaddr) to every peer CPU (or every
// peer but this one, if exceptSelf) and blocks until all of them have
// applied it (hal.CPU, spec.md §5 "TLB coherence"). Each peer's
// invalidation runs on its own goroutine so that a real multi-core
// shootdown's "wait for every other core to acknowledge" shape is
// actually exercised, not merely simulated by a loop.
func (c *CPU) Shootdown(vaddr uintptr, exceptSelf bool) {
	var wg sync.WaitGroup
	for _, p := range c.peers {
		if exceptSelf && p == c {
			continue
		}
		wg.Add(1)
		go func(p *CPU) {
			defer wg.Done()
			p.InvalidatePage(vaddr)
		}(p)
	}
	wg.Wait()
}

// Invalidations returns a copy of every vaddr this CPU has been told to
// invalidate, oldest first.
func (c *CPU) Invalidations() []uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uintptr, len(c.invalidations))
	copy(out, c.invalidations)
	return out
}

var _ hal.CPU = (*CPU)(nil)
