// Package task implements the task/context component (TC, spec.md §4.E):
// the task control block, its logical resume point, and the construction
// and fork-duplication logic the scheduler (kernel/sched) drives.
//
// A real x86-64 kernel's Context is a saved-register frame restored by an
// interrupt-return sequence; that frame and the instruction-pointer jump it
// performs have no host-process equivalent here (SPEC_FULL.md §0), so
// Context is kept as a logical bookkeeping record and switch_to collapses
// to updating which Task a CPU considers current (see kernel/sched). This
// mirrors how the teacher's own gopher-os repo never got past an early
// boot shim: there is no register-frame code in the corpus to imitate, only
// the PFA/VMM's convention of keeping hardware-shaped state as plain
// struct fields rather than unsafe-pointer-cast machine words.
package task

import (
	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/kheap"
	"nucleus/kernel/mem/vmm"
)

// TaskID uniquely identifies a task for its lifetime.
type TaskID uint64

// State is the task's scheduling state (spec.md §4.E).
type State uint8

const (
	// Ready means runnable and sitting in some CPU's run queue.
	Ready State = iota
	// Running means currently the CPU's current task.
	Running
	// Sleeping means parked until its Deadline tick passes (sched.Sleep).
	Sleeping
	// Terminated means exited or killed. A queued task is reaped by the
	// next schedule() on its CPU; a running one moves to that CPU's
	// reaper slot and its stack is freed by sched.Reap.
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkloadClass is the scheduler's adaptive-quantum bucket (spec.md §4.F).
type WorkloadClass uint8

const (
	Realtime WorkloadClass = iota
	Interactive
	IO
	Compute
)

func (c WorkloadClass) String() string {
	switch c {
	case Realtime:
		return "realtime"
	case Interactive:
		return "interactive"
	case IO:
		return "io"
	case Compute:
		return "compute"
	default:
		return "unknown"
	}
}

// quantumTicks is the fixed per-class time slice (spec.md §4.F quantum
// table): realtime=2, interactive=5, io=10, compute=20.
var quantumTicks = [...]uint32{Realtime: 2, Interactive: 5, IO: 10, Compute: 20}

// QuantumFor returns the fixed tick allowance for a workload class.
func QuantumFor(c WorkloadClass) uint32 { return quantumTicks[c] }

// RealtimeMaxPriority is the inclusive upper priority bound a task must be
// at or below to classify as Realtime regardless of its CPU/IO history.
// The original source's scheduler.c header comment names "Realtime" as a
// class without a numeric threshold; 0 is chosen here (priority <= 0 is the
// realtime band, ordinary tasks start at priority 10 — see
// DefaultPriority).
const RealtimeMaxPriority = 0

// ClassifyWorkload derives a task's workload class from its accumulated
// history as a sequential waterfall (spec.md §4.F "Workload
// classification"), each step firing and returning before the next is
// evaluated:
//   - priority <= RealtimeMaxPriority is always Realtime.
//   - IO-heavy (io time is the majority of cpu+io time) is IO.
//   - CPU-heavy (cpu time dominates, over 80% of total) is Compute,
//     regardless of yield count.
//   - frequent voluntary yields is Interactive.
//   - everything else, including a fresh task with no history, is
//     Interactive.
func ClassifyWorkload(priority int, cpuTicks, ioTicks uint64, voluntaryYields uint32) WorkloadClass {
	if priority <= RealtimeMaxPriority {
		return Realtime
	}
	total := cpuTicks + ioTicks
	if total == 0 {
		return Interactive
	}
	if ioTicks*2 > total {
		return IO
	}
	if cpuTicks*5 > total*4 {
		return Compute
	}
	return Interactive
}

// Context is the logical resume point switch_to restores (spec.md §4.E
// "Context"). ReturnValue stands in for the rewritten RAX a real fork
// return path would carry: 0 for the child, the new task's id for the
// parent (see ForkCurrent).
type Context struct {
	InstructionPointer uintptr
	StackPointer       uintptr
	ReturnValue        int64
}

// Task is the task control block (spec.md §3 "TCB").
type Task struct {
	ID       TaskID
	Priority int
	Affinity uint32
	State    State
	Workload WorkloadClass

	CPUTime         uint64
	IOWaitTime      uint64
	VoluntaryYields uint32
	TicksRemaining  uint32
	Quantum         uint32
	LastCPU         int
	Deadline        uint64 // sched global tick at which Sleeping ends

	AddrSpace *vmm.AddressSpace
	Ctx       Context
	ExitReason string

	entry func(arg interface{})
	arg   interface{}

	heap      *kheap.Heap
	stack     uintptr
	stackSize mem.Size
}

// DefaultPriority is the priority NewTask assigns callers that don't
// request the realtime band explicitly (spec.md leaves the concrete
// default unspecified; chosen so that RealtimeMaxPriority/0 stays a
// distinct, deliberately-opted-into band).
const DefaultPriority = 10

// NewTask builds a TCB: allocates a page-rounded stack from the kernel
// heap, links the task to an address space, and seeds its initial
// scheduling state as Ready with an Interactive quantum (spec.md §4.E
// `spawn`: "Build the initial stack frame such that a context-restore will
// return into entry(arg)").
func NewTask(id TaskID, heap *kheap.Heap, as *vmm.AddressSpace, entry func(arg interface{}), arg interface{}, stackSize mem.Size, priority int, affinity uint32) (*Task, *kernel.Error) {
	if stackSize < mem.PageSize {
		stackSize = mem.PageSize
	}
	aligned := mem.Size(stackSize.Pages()) * mem.PageSize

	stackPtr, err := heap.Alloc(uint32(aligned))
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:       id,
		Priority: priority,
		Affinity: affinity,
		State:    Ready,
		Workload: Interactive,

		Quantum:        QuantumFor(Interactive),
		TicksRemaining: QuantumFor(Interactive),
		LastCPU:        -1,

		AddrSpace: as,
		entry:     entry,
		arg:       arg,

		heap:      heap,
		stack:     stackPtr,
		stackSize: aligned,
	}
	// Stack grows down; the initial stack pointer sits at the top of the
	// carved region so the first push lands inside it.
	t.Ctx.StackPointer = stackPtr + uintptr(aligned)
	return t, nil
}

// Entry returns the task's planned entry point and argument, for a
// collaborator (a test harness, or a future real CPU loop) that actually
// drives task execution. The core scheduler itself never calls this: its
// contract ends at bookkeeping (spec.md §4.E/§4.F never name an executor).
func (t *Task) Entry() (func(arg interface{}), interface{}) { return t.entry, t.arg }

// ReleaseStack frees the task's stack back to the kernel heap. The
// scheduler calls it from Reap for a task that vacated a CPU by
// terminating, and from schedule() for a task killed while queued
// (spec.md §4.E `exit`: "the scheduler reclaims the stack and TCB after
// the next context switch off this task"). Calls after the first are
// no-ops.
func (t *Task) ReleaseStack() {
	if t.heap == nil || t.stack == 0 {
		return
	}
	t.heap.Free(t.stack)
	t.stack = 0
}
