package sched

import (
	"sync/atomic"

	"nucleus/kernel/task"
)

// Tick is called from the timer IRQ on cpuID (spec.md §4.F `tick`):
// increments the global and per-CPU counters, decrements the running
// task's quantum, and forces a reschedule (reclassifying the outgoing
// task's workload and assigning its new quantum) once it hits zero. CPU 0
// alone advances the global tick, wakes due sleepers, and every
// ticksPerBalanceSweep ticks sweeps every CPU for an empty run queue
// (spec.md §5 "The global tick counter is written only by CPU 0's timer
// handler").
func (s *Scheduler) Tick(cpuID int) {
	c := s.cpus[cpuID]

	var mustSchedule, reapRunning bool

	c.lock.Guarded(func() {
		if c.running != nil && c.running.State == task.Terminated {
			c.reaper = c.running
			c.running = nil
			reapRunning = true
			return
		}

		if c.running != nil {
			c.busyTicks++
			c.running.CPUTime++
			if c.running.TicksRemaining > 0 {
				c.running.TicksRemaining--
			}
			if c.running.TicksRemaining == 0 {
				c.running.Workload = task.ClassifyWorkload(c.running.Priority, c.running.CPUTime, c.running.IOWaitTime, c.running.VoluntaryYields)
				c.running.Quantum = task.QuantumFor(c.running.Workload)
				c.running.TicksRemaining = c.running.Quantum
				mustSchedule = true
			}
		} else {
			c.idleTicks++
		}
	})

	if reapRunning || mustSchedule {
		s.schedule(cpuID)
	}
	if reapRunning {
		return
	}

	if cpuID == 0 {
		atomic.AddUint64(&s.globalTick, 1)
		s.wakeDueSleepers()
		if atomic.LoadUint64(&s.globalTick)%ticksPerBalanceSweep == 0 {
			s.balanceIdleCPUs()
		}
	}
}

// YieldNow ends the running task's slice voluntarily (spec.md §4.F
// `yield_now`): it is marked as having yielded (feeding workload
// classification) and rescheduled immediately rather than waiting for the
// next timer tick.
func (s *Scheduler) YieldNow(cpuID int) {
	c := s.cpus[cpuID]
	c.lock.Guarded(func() {
		if c.running != nil {
			r := c.running
			r.VoluntaryYields++
			r.Workload = task.ClassifyWorkload(r.Priority, r.CPUTime, r.IOWaitTime, r.VoluntaryYields)
			r.Quantum = task.QuantumFor(r.Workload)
			r.TicksRemaining = r.Quantum
		}
	})
	s.schedule(cpuID)
}

// ticksPerSleepUnit fixes the simulated timer's resolution: one tick per
// 10ms, matching a 100Hz timer IRQ (a common default the gopher-os boot
// code never got far enough to configure, chosen here since spec.md leaves
// the tick-to-wall-clock ratio unspecified).
const ticksPerSleepUnit = 10

// Sleep parks the running task until the global tick passes its deadline
// (spec.md §4.F `sleep`): removed from its CPU's running slot, recorded on
// the scheduler-wide sleeping list, and woken by Tick's CPU-0 housekeeping
// once its deadline elapses.
func (s *Scheduler) Sleep(cpuID int, ms uint32) {
	c := s.cpus[cpuID]
	var t *task.Task
	c.lock.Guarded(func() {
		t = c.running
		if t == nil {
			return
		}
		t.State = task.Sleeping
		t.Deadline = atomic.LoadUint64(&s.globalTick) + uint64(ms)/ticksPerSleepUnit + 1
		c.running = nil
	})
	if t != nil {
		s.sleepLock.Guarded(func() { s.sleeping = append(s.sleeping, t) })
	}
	s.schedule(cpuID)
}

func (s *Scheduler) wakeDueSleepers() {
	now := atomic.LoadUint64(&s.globalTick)
	var woke []*task.Task

	s.sleepLock.Guarded(func() {
		remaining := s.sleeping[:0]
		for _, t := range s.sleeping {
			if t.Deadline <= now {
				woke = append(woke, t)
			} else {
				remaining = append(remaining, t)
			}
		}
		s.sleeping = remaining
	})

	for _, t := range woke {
		t.State = task.Ready
		cpuID := t.LastCPU
		if cpuID < 0 || cpuID >= len(s.cpus) {
			cpuID = 0
		}
		c := s.cpus[cpuID]
		c.lock.Guarded(func() { c.pushBack(t) })
	}
}

// TerminateCurrent marks the running task TERMINATED and forces a
// reschedule (spec.md §4.F `terminate_current`). Its stack and TCB are not
// reclaimed until Reap is called for this CPU by whichever task takes over
// next (spec.md §4.E "the scheduler reclaims the stack and TCB after the
// next context switch off this task").
func (s *Scheduler) TerminateCurrent(cpuID int) {
	c := s.cpus[cpuID]
	c.lock.Guarded(func() {
		if c.running != nil {
			c.running.State = task.Terminated
			c.running.ExitReason = "terminate_current"
			c.reaper = c.running
			c.running = nil
		}
	})
	s.schedule(cpuID)
}

// Reap frees the stack of whichever task most recently vacated cpuID by
// terminating, if any, and clears the pending-reap slot.
func (s *Scheduler) Reap(cpuID int) {
	c := s.cpus[cpuID]
	var dead *task.Task
	c.lock.Guarded(func() {
		dead = c.reaper
		c.reaper = nil
	})
	if dead != nil {
		dead.ReleaseStack()
	}
}

// Kill marks task id TERMINATED wherever it currently sits: running,
// queued on some CPU, or parked asleep (spec.md §4.F `kill`:
// "Cancellation ... target transitions to TERMINATED at its next scheduler
// entry"). Returns false if no such task was found.
func (s *Scheduler) Kill(id task.TaskID) bool {
	for _, c := range s.cpus {
		var found bool
		c.lock.Guarded(func() {
			if c.running != nil && c.running.ID == id {
				c.running.State = task.Terminated
				c.running.ExitReason = "killed"
				found = true
				return
			}
			for _, t := range c.queue {
				if t.ID == id {
					t.State = task.Terminated
					t.ExitReason = "killed"
					found = true
					return
				}
			}
		})
		if found {
			return true
		}
	}

	var found bool
	s.sleepLock.Guarded(func() {
		for _, t := range s.sleeping {
			if t.ID == id {
				t.State = task.Terminated
				t.ExitReason = "killed"
				found = true
			}
		}
	})
	return found
}
