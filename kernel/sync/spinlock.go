// Package sync provides the synchronization primitives shared by every
// kernel-core subsystem: one Spinlock per shared structure, per spec.md §5
// ("PFA: one spinlock protecting bitmap + caches", "KH: one spinlock per
// size class", "SCH: one spinlock per CPU run queue", ...).
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is a test seam; production code always backs off via
	// runtime.Gosched, the hosted stand-in for the teacher's
	// architecture-specific spin-wait instruction (`pause`).
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. It is the hosted replacement for the
// teacher's archAcquireSpinlock (an assembly routine that cannot be
// retrieved/linked outside a real freestanding build): the compare-and-swap
// retry loop is identical, only the backoff mechanism (yieldFn instead of a
// `pause` instruction) differs.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will
// cause a deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock, allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect beyond leaving it
// free.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Guarded runs fn with the lock held, for the common case where a whole
// critical section is bracketed (spec.md §5's "bracketed by an
// interrupt-safe lock" sections).
func (l *Spinlock) Guarded(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}
