package task

import (
	"nucleus/kernel"
	"nucleus/kernel/mem/vmm"
)

// ForkCurrent builds a child TCB from a running parent (spec.md §4.E
// `fork_current`): the child's address space is already a copy-on-write
// clone of the parent's (produced by the caller via
// vmm.AddressSpace.Fork), and this function duplicates the parent's stack
// byte-for-byte and rewrites the saved frame so the child's next resume
// returns 0 while the parent's returns the new task's id.
func ForkCurrent(parent *Task, childID TaskID, childAddrSpace *vmm.AddressSpace) (*Task, *kernel.Error) {
	childStack, err := parent.heap.Alloc(uint32(parent.stackSize))
	if err != nil {
		return nil, err
	}

	snapshot := parent.heap.Snapshot(parent.stack, uint32(parent.stackSize))
	parent.heap.Restore(childStack, snapshot)

	// The stack pointer is relative to the parent's stack base; translate
	// it onto the child's freshly carved stack at the same offset.
	offset := parent.Ctx.StackPointer - parent.stack

	child := &Task{
		ID:       childID,
		Priority: parent.Priority,
		Affinity: parent.Affinity,
		State:    Ready,
		Workload: Interactive,

		Quantum:        QuantumFor(Interactive),
		TicksRemaining: QuantumFor(Interactive),
		LastCPU:        -1,

		AddrSpace: childAddrSpace,
		entry:     parent.entry,
		arg:       parent.arg,

		heap:      parent.heap,
		stack:     childStack,
		stackSize: parent.stackSize,
	}
	child.Ctx = parent.Ctx
	child.Ctx.StackPointer = childStack + offset
	child.Ctx.ReturnValue = 0

	parent.Ctx.ReturnValue = int64(childID)

	return child, nil
}
