package sched

import (
	"sync/atomic"

	"nucleus/kernel/task"
)

// balanceIdleCPUs is CPU 0's periodic housekeeping sweep (spec.md §4.F
// "Every 100 ticks on CPU 0, call balance()"): every CPU whose queue and
// running slot are both empty gets a chance to steal, since "only the idle
// CPU initiates steals (pull model)".
func (s *Scheduler) balanceIdleCPUs() {
	for i, c := range s.cpus {
		var empty bool
		c.lock.Guarded(func() { empty = len(c.queue) == 0 && c.running == nil })
		if empty {
			s.Balance(i)
		}
	}
}

// Balance lets cpuID steal the oldest ready task from the most loaded
// other CPU, provided that CPU holds at least stealThreshold more runnable
// tasks (spec.md §4.F `balance`). Ties for "most loaded" are broken toward
// the lowest CPU id. Both CPUs' locks are acquired in ascending id order
// to avoid a deadlock against a concurrent steal running the other
// direction (spec.md §5 "balance() acquires the thief's and victim's locks
// in a fixed order"). balanceSem bounds the whole scheduler to one steal
// in flight at a time; a concurrent caller simply skips this sweep rather
// than blocking.
func (s *Scheduler) Balance(cpuID int) {
	if !s.balanceSem.TryAcquire(1) {
		return
	}
	defer s.balanceSem.Release(1)

	thief := s.cpus[cpuID]

	var thiefLoad int
	thief.lock.Guarded(func() { thiefLoad = thief.load() })

	victimID, victimLoad := -1, 0
	for i, v := range s.cpus {
		if i == cpuID {
			continue
		}
		var load int
		v.lock.Guarded(func() { load = v.load() })
		if load >= thiefLoad+stealThreshold && (victimID == -1 || load > victimLoad || (load == victimLoad && i < victimID)) {
			victimID, victimLoad = i, load
		}
	}
	if victimID == -1 {
		return
	}

	firstID, secondID := cpuID, victimID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}
	first, second := s.cpus[firstID], s.cpus[secondID]

	first.lock.Acquire()
	second.lock.Acquire()

	victim := s.cpus[victimID]
	var stolen *task.Task
	for i, t := range victim.queue {
		if t.Affinity&(1<<uint(cpuID)) != 0 {
			stolen = t
			victim.queue = append(victim.queue[:i:i], victim.queue[i+1:]...)
			break
		}
	}
	if stolen != nil {
		stolen.LastCPU = cpuID
		thief.pushBack(stolen)
	}

	second.lock.Release()
	first.lock.Release()

	if stolen != nil {
		atomic.AddUint64(&s.loadBalances, 1)
	}
}
