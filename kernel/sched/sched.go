// Package sched implements the scheduler (SCH, spec.md §4.F): per-CPU run
// queues, adaptive per-workload time quanta, timer-tick accounting, and
// cross-CPU work stealing.
//
// The run queue is a plain slice behind pushBack/popFront/load methods rather than
// TCB-embedded next pointers: spec.md's Design Notes flag intrusive
// pointer-linked queues as a pattern needing a memory-safe substitute, and
// this hosted build already favours explicit slice-backed collections
// (the PFA's bitmap, the VMM's btree) over raw pointer graphs, so the run
// queue follows the same convention.
//
// Grounded on the teacher's per-resource spinlock discipline
// (kernel/sync.Spinlock, one per shared structure) and on
// golang.org/x/sync/semaphore's weighted semaphore, used here to make
// cross-CPU load balancing exclusive without blocking ordinary
// tick/schedule traffic on other CPUs (no package in gopher-os ever
// reached scheduling, so the locking shape is adapted straight from
// kernel/mem's conventions rather than transcribed).
package sched

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/kheap"
	"nucleus/kernel/mem/vmm"
	"nucleus/kernel/sync"
	"nucleus/kernel/task"
)

// ticksPerBalanceSweep is how often (in global ticks) CPU 0's timer
// handler checks every CPU for an empty run queue (spec.md §4.F "Every 100
// ticks on CPU 0, call balance()").
const ticksPerBalanceSweep = 100

// stealThreshold is how many more runnable tasks a victim must hold than a
// thief before a steal is considered worthwhile (spec.md §4.F "a CPU whose
// queue is empty may steal the oldest ready task from the most loaded
// other CPU").
const stealThreshold = 2

// perCPU is one CPU's run queue plus its own accounting. lock guards every
// field (spec.md §5 "SCH: one spinlock per CPU run queue").
type perCPU struct {
	lock sync.Spinlock

	id      int
	queue   []*task.Task
	running *task.Task
	reaper  *task.Task // terminated predecessor awaiting Reap

	busyTicks uint64
	idleTicks uint64
}

func (c *perCPU) pushBack(t *task.Task) { c.queue = append(c.queue, t) }

func (c *perCPU) popFront() (*task.Task, bool) {
	if len(c.queue) == 0 {
		return nil, false
	}
	t := c.queue[0]
	c.queue = c.queue[1:]
	return t, true
}

func (c *perCPU) load() int {
	n := len(c.queue)
	if c.running != nil {
		n++
	}
	return n
}

// Stats is a snapshot of scheduler-wide diagnostic counters (SPEC_FULL.md
// §3 supplemented feature, modeled on kheap.Stats).
type Stats struct {
	GlobalTick      uint64
	ContextSwitches uint64
	LoadBalances    uint64
}

// Scheduler owns every CPU's run queue and the global tick counter (spec.md
// §3 GLOSSARY "Run queue", "Quantum").
type Scheduler struct {
	cpus []*perCPU

	globalTick      uint64
	contextSwitches uint64
	loadBalances    uint64
	nextID          uint64

	sleepLock sync.Spinlock
	sleeping  []*task.Task

	balanceSem *semaphore.Weighted
}

// New builds a scheduler over ncpus CPUs, each starting idle with an empty
// run queue.
func New(ncpus int) *Scheduler {
	s := &Scheduler{
		cpus:       make([]*perCPU, ncpus),
		balanceSem: semaphore.NewWeighted(1),
	}
	for i := range s.cpus {
		s.cpus[i] = &perCPU{id: i}
	}
	return s
}

// NumCPU returns the number of CPUs this scheduler manages.
func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// Spawn builds a new TCB (kernel/task.NewTask) and enqueues it READY on the
// CPU chosen by affinity mask, then least current load (spec.md §4.E
// `spawn`). A task with affinity == 0 is constructed but never enqueued,
// matching spec.md §8 invariant 7 ("a task with affinity = 0 is never
// scheduled").
func (s *Scheduler) Spawn(heap *kheap.Heap, as *vmm.AddressSpace, entry func(arg interface{}), arg interface{}, stackSize mem.Size, priority int, affinity uint32) (*task.Task, *kernel.Error) {
	id := task.TaskID(atomic.AddUint64(&s.nextID, 1))
	t, err := task.NewTask(id, heap, as, entry, arg, stackSize, priority, affinity)
	if err != nil {
		return nil, err
	}

	cpu := s.chooseCPU(t)
	if cpu < 0 {
		return t, nil
	}
	t.LastCPU = cpu
	c := s.cpus[cpu]
	c.lock.Guarded(func() { c.pushBack(t) })
	return t, nil
}

// chooseCPU returns the permitted CPU with the smallest current load, or
// -1 if the affinity mask permits none. An empty mask (affinity == 0)
// permits no CPU, per spec.md §8 invariant 7.
func (s *Scheduler) chooseCPU(t *task.Task) int {
	best, bestLoad := -1, -1
	for i, c := range s.cpus {
		if t.Affinity == 0 || t.Affinity&(1<<uint(i)) == 0 {
			continue
		}
		var load int
		c.lock.Guarded(func() { load = c.load() })
		if best == -1 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}

// CPULoad returns how many tasks (queued plus the one running, if any) are
// currently homed on cpuID.
func (s *Scheduler) CPULoad(cpuID int) int {
	c := s.cpus[cpuID]
	var n int
	c.lock.Guarded(func() { n = c.load() })
	return n
}

// CurrentTaskID returns the task currently running on cpuID, if any.
func (s *Scheduler) CurrentTaskID(cpuID int) (task.TaskID, bool) {
	c := s.cpus[cpuID]
	var id task.TaskID
	var ok bool
	c.lock.Guarded(func() {
		if c.running != nil {
			id, ok = c.running.ID, true
		}
	})
	return id, ok
}

// Stats reports the scheduler-wide diagnostic counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		GlobalTick:      atomic.LoadUint64(&s.globalTick),
		ContextSwitches: atomic.LoadUint64(&s.contextSwitches),
		LoadBalances:    atomic.LoadUint64(&s.loadBalances),
	}
}

// schedule pops the head of cpuID's ready queue and context-switches into
// it (spec.md §4.F `schedule`): "pop the head of the current CPU's ready
// queue; if null, keep running (or switch to idle); if the outgoing task
// is still RUNNING, set it READY and push it onto the same CPU's tail;
// perform switch_to(next)". Tasks killed while merely queued (never run
// again) are reaped here rather than installed as the new running task.
func (s *Scheduler) schedule(cpuID int) {
	c := s.cpus[cpuID]
	var toReap []*task.Task

	c.lock.Guarded(func() {
		var next *task.Task
		for {
			n, ok := c.popFront()
			if !ok {
				break
			}
			if n.State == task.Terminated {
				toReap = append(toReap, n)
				continue
			}
			next = n
			break
		}
		if next == nil {
			return
		}

		if outgoing := c.running; outgoing != nil && outgoing.State == task.Running {
			outgoing.State = task.Ready
			c.pushBack(outgoing)
		}

		next.State = task.Running
		next.LastCPU = cpuID
		c.running = next
		atomic.AddUint64(&s.contextSwitches, 1)
	})

	for _, t := range toReap {
		t.ReleaseStack()
	}
}

// Schedule is the exported trigger for an explicit reschedule point, for
// callers (a test harness, a syscall return path) outside the tick/yield
// flows that still need to force one.
func (s *Scheduler) Schedule(cpuID int) { s.schedule(cpuID) }
