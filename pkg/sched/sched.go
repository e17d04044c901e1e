// Package sched implements the multilevel priority scheduler. Scheduling is
// preemptive across levels and cooperative within a level: workloads run as
// explicit step functions invoked one bounded quantum at a time, so yield
// points are data the scheduler controls rather than control flow it hopes
// for.
package sched

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
)

// MaxStepsPerYield is the hard upper bound on computational steps a workload
// may take before control returns to the scheduler.
const MaxStepsPerYield = 1_000_000

// StepsPerMilli converts quantum durations into step budgets.
const StepsPerMilli = 10_000

// Slice is the time-slice policy for one priority level: the quantum length
// and how many consecutive quanta a process may take before it must yield to
// equal-or-lower peers.
type Slice struct {
	Quantum        time.Duration
	MaxConsecutive int
}

var sliceTable = [proc.NumPriorities]Slice{
	proc.PriorityIdle:     {Quantum: 100 * time.Millisecond, MaxConsecutive: 1},
	proc.PriorityLow:      {Quantum: 50 * time.Millisecond, MaxConsecutive: 2},
	proc.PriorityNormal:   {Quantum: 25 * time.Millisecond, MaxConsecutive: 4},
	proc.PriorityHigh:     {Quantum: 15 * time.Millisecond, MaxConsecutive: 8},
	proc.PriorityRealtime: {Quantum: 10 * time.Millisecond, MaxConsecutive: 16},
	proc.PrioritySystem:   {Quantum: 10 * time.Millisecond, MaxConsecutive: 16},
}

// SliceFor returns the slice policy for a priority level.
func SliceFor(p proc.Priority) Slice {
	if p < 0 || int(p) >= len(sliceTable) {
		return sliceTable[proc.PriorityNormal]
	}
	return sliceTable[p]
}

// budgetFor converts a quantum into a step budget, clamped at the mandatory
// yield bound.
func budgetFor(s Slice) uint64 {
	b := uint64(s.Quantum/time.Millisecond) * StepsPerMilli
	if b > MaxStepsPerYield {
		b = MaxStepsPerYield
	}
	return b
}

// Effective computes the aged priority of a waiting process: one level per
// full second waited, at most two above base, and never past REALTIME.
// SYSTEM is already above the aging range and passes through unchanged.
func Effective(base proc.Priority, waitStart, now time.Time) proc.Priority {
	if base >= proc.PrioritySystem || waitStart.IsZero() {
		return base
	}
	boost := int(now.Sub(waitStart) / time.Second)
	if boost < 0 {
		boost = 0
	}
	if boost > 2 {
		boost = 2
	}
	eff := int(base) + boost
	if eff > int(proc.PriorityRealtime) {
		eff = int(proc.PriorityRealtime)
	}
	return proc.Priority(eff)
}

// Outcome is the result of one bounded execution step.
type Outcome interface{ outcome() }

// Continue reports the budget was exhausted mid-computation; the process
// stays runnable.
type Continue struct {
	Remaining uint64
}

// Yielded reports a voluntary yield with a resumable checkpoint.
type Yielded struct {
	Checkpoint []byte
}

// Completed reports normal termination.
type Completed struct {
	ExitCode int
}

// Trapped reports an execution trap; the supervisor decides what follows.
type Trapped struct {
	Kind kernelerr.TrapKind
}

func (Continue) outcome()  {}
func (Yielded) outcome()   {}
func (Completed) outcome() {}
func (Trapped) outcome()   {}

// Runnable is a workload driven by the scheduler one budgeted step at a
// time.
type Runnable interface {
	Execute(budget uint64) Outcome
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(budget uint64) Outcome

func (f RunnableFunc) Execute(budget uint64) Outcome { return f(budget) }

// LifecycleFunc observes state transitions the scheduler performs.
type LifecycleFunc func(pid proc.PID, from, to proc.State, reason string)

type readyEntry struct {
	pid      proc.PID
	enqueued time.Time
}

// Scheduler drives a fixed number of logical cores over the process table.
// At most one process runs per core at any instant; SYSTEM processes are
// never preempted.
type Scheduler struct {
	mu sync.Mutex

	table *proc.Table
	// queues holds immediately selectable READY processes; rested holds
	// processes that exhausted their consecutive-slice cap and wait out the
	// current service round.
	queues    [proc.NumPriorities]*list.List
	rested    [proc.NumPriorities]*list.List
	runnables map[proc.PID]Runnable
	running   []proc.PID // per core; 0 = idle
	slicesRun map[proc.PID]int

	clock     func() time.Time
	now       time.Time
	fairness  *FairnessTracker
	lifecycle LifecycleFunc
	onTrap    func(pid proc.PID, kind kernelerr.TrapKind)
	logger    *slog.Logger
}

// New creates a scheduler over the table with the given core count.
func New(table *proc.Table, cores int) *Scheduler {
	if cores < 1 {
		cores = 1
	}
	s := &Scheduler{
		table:     table,
		runnables: make(map[proc.PID]Runnable),
		running:   make([]proc.PID, cores),
		slicesRun: make(map[proc.PID]int),
		clock:     time.Now,
		fairness:  NewFairnessTracker(10 * time.Second),
		logger:    slog.Default().With("component", "sched"),
	}
	for i := range s.queues {
		s.queues[i] = list.New()
		s.rested[i] = list.New()
	}
	s.now = s.clock()
	return s
}

// WithClock overrides the wall clock. Combined with Simulate, this makes
// scheduling fully deterministic in tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	s.now = clock()
	return s
}

// OnLifecycle installs the transition observer.
func (s *Scheduler) OnLifecycle(fn LifecycleFunc) { s.lifecycle = fn }

// OnTrap installs the trap observer.
func (s *Scheduler) OnTrap(fn func(pid proc.PID, kind kernelerr.TrapKind)) { s.onTrap = fn }

// Cores returns the number of logical cores.
func (s *Scheduler) Cores() int { return len(s.running) }

func (s *Scheduler) notify(pid proc.PID, from, to proc.State, reason string) {
	if s.lifecycle != nil {
		s.lifecycle(pid, from, to, reason)
	}
}

// Admit attaches a runnable to a CREATED process and moves it to READY.
func (s *Scheduler) Admit(pid proc.PID, r Runnable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.table.Get(pid)
	if err != nil {
		return err
	}
	if err := s.table.Transition(pid, proc.StateReady); err != nil {
		return err
	}
	s.runnables[pid] = r
	s.enqueueLocked(pid, p.Priority)
	s.notify(pid, proc.StateCreated, proc.StateReady, "admitted")
	return nil
}

func (s *Scheduler) enqueueLocked(pid proc.PID, prio proc.Priority) {
	lvl := int(prio)
	if lvl < 0 {
		lvl = 0
	}
	if lvl >= proc.NumPriorities {
		lvl = proc.NumPriorities - 1
	}
	s.queues[lvl].PushBack(readyEntry{pid: pid, enqueued: s.now})
}

// promoteAgedLocked re-indexes queued processes whose aged priority exceeds
// their current queue level, preserving relative order.
func (s *Scheduler) promoteAgedLocked() {
	for lvl := 0; lvl < proc.NumPriorities-1; lvl++ {
		for el := s.queues[lvl].Front(); el != nil; {
			next := el.Next()
			entry := el.Value.(readyEntry)
			p, err := s.table.Get(entry.pid)
			if err != nil {
				s.queues[lvl].Remove(el)
				el = next
				continue
			}
			eff := Effective(p.Priority, p.WaitStart, s.now)
			if int(eff) > lvl {
				s.queues[lvl].Remove(el)
				s.queues[int(eff)].PushBack(entry)
			}
			el = next
		}
	}
}

// selectLocked pops the front of the highest non-empty queue. When every
// active queue is drained, the service round is over and rested processes
// return to their queues.
func (s *Scheduler) selectLocked() (proc.PID, bool) {
	s.promoteAgedLocked()
	for lvl := proc.NumPriorities - 1; lvl >= 0; lvl-- {
		if front := s.queues[lvl].Front(); front != nil {
			entry := s.queues[lvl].Remove(front).(readyEntry)
			return entry.pid, true
		}
	}
	if s.recycleRestedLocked() {
		for lvl := proc.NumPriorities - 1; lvl >= 0; lvl-- {
			if front := s.queues[lvl].Front(); front != nil {
				entry := s.queues[lvl].Remove(front).(readyEntry)
				return entry.pid, true
			}
		}
	}
	return 0, false
}

func (s *Scheduler) recycleRestedLocked() bool {
	moved := false
	for lvl := range s.rested {
		for s.rested[lvl].Len() > 0 {
			front := s.rested[lvl].Front()
			s.queues[lvl].PushBack(s.rested[lvl].Remove(front))
			moved = true
		}
	}
	return moved
}

// highestQueuedLocked returns the effective priority of the best waiting
// process, for preemption decisions.
func (s *Scheduler) highestQueuedLocked() (proc.Priority, bool) {
	s.promoteAgedLocked()
	for lvl := proc.NumPriorities - 1; lvl >= 0; lvl-- {
		if s.queues[lvl].Len() > 0 {
			return proc.Priority(lvl), true
		}
	}
	return 0, false
}

// Wake moves a WAITING or BLOCKED process back to READY.
func (s *Scheduler) Wake(pid proc.PID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.table.Get(pid)
	if err != nil {
		return err
	}
	from := p.State
	if from != proc.StateWaiting && from != proc.StateBlocked {
		return kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryLogic,
			"cannot wake pid %d from %s", pid, from)
	}
	if err := s.table.Transition(pid, proc.StateReady); err != nil {
		return err
	}
	s.enqueueLocked(pid, p.Priority)
	s.notify(pid, from, proc.StateReady, reason)
	return nil
}

// Park moves a RUNNING process to WAITING (empty-mailbox receive) or
// BLOCKED (capability-gated resource request). The process leaves its core.
func (s *Scheduler) Park(pid proc.PID, to proc.State, reason string) error {
	if to != proc.StateWaiting && to != proc.StateBlocked {
		return kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryLogic,
			"park target must be WAITING or BLOCKED, got %s", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.table.Transition(pid, to); err != nil {
		return err
	}
	s.releaseCoreLocked(pid)
	delete(s.slicesRun, pid)
	s.notify(pid, proc.StateRunning, to, reason)
	return nil
}

func (s *Scheduler) releaseCoreLocked(pid proc.PID) {
	for i, running := range s.running {
		if running == pid {
			s.running[i] = 0
			return
		}
	}
}

// Tick runs one quantum on every core and advances the simulated clock by
// the longest quantum consumed. It returns the number of cores that did
// work.
func (s *Scheduler) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	worked := 0
	var advance time.Duration
	for core := range s.running {
		d, ok := s.runCoreLocked(core)
		if ok {
			worked++
			if d > advance {
				advance = d
			}
		}
	}
	if advance == 0 {
		// Idle tick: move simulated time forward so aging still happens.
		advance = 10 * time.Millisecond
	}
	s.now = s.now.Add(advance)
	s.fairness.Advance(s.now)
	return worked
}

// runCoreLocked gives the core's current or next process one quantum.
func (s *Scheduler) runCoreLocked(core int) (time.Duration, bool) {
	pid := s.running[core]

	if pid != 0 {
		// Preemption: a strictly higher effective priority waiting process
		// evicts anything below SYSTEM at the quantum boundary.
		p, err := s.table.Get(pid)
		if err != nil {
			s.running[core] = 0
			pid = 0
		} else if p.Priority < proc.PrioritySystem {
			if best, ok := s.highestQueuedLocked(); ok && best > Effective(p.Priority, p.WaitStart, s.now) {
				s.preemptLocked(core, pid)
				pid = 0
			}
		}
	}

	if pid == 0 {
		next, ok := s.selectLocked()
		if !ok {
			return 0, false
		}
		if err := s.table.Transition(next, proc.StateRunning); err != nil {
			s.logger.Warn("dispatch failed", "pid", next, "error", err)
			return 0, false
		}
		s.running[core] = next
		s.slicesRun[next] = 0
		s.notify(next, proc.StateReady, proc.StateRunning, "dispatched")
		pid = next
	}

	p, err := s.table.Get(pid)
	if err != nil {
		s.running[core] = 0
		return 0, false
	}
	slice := SliceFor(p.Priority)
	r := s.runnables[pid]
	if r == nil {
		s.completeLocked(core, pid, -1, "no runnable attached")
		return slice.Quantum, true
	}

	outcome := r.Execute(budgetFor(slice))
	s.table.AddCPUTime(pid, slice.Quantum)
	s.fairness.Record(pid, p.Priority, slice.Quantum, s.now)
	s.slicesRun[pid]++

	switch o := outcome.(type) {
	case Completed:
		s.completeLocked(core, pid, o.ExitCode, "returned")
	case Trapped:
		s.releaseCoreLocked(pid)
		delete(s.slicesRun, pid)
		if o.Kind.Recoverable() {
			if err := s.table.Transition(pid, proc.StateBlocked); err == nil {
				s.notify(pid, proc.StateRunning, proc.StateBlocked, "trap: "+string(o.Kind))
			}
		} else {
			s.terminateLocked(pid, -1, "trap: "+string(o.Kind))
		}
		if s.onTrap != nil {
			s.onTrap(pid, o.Kind)
		}
	case Yielded, Continue:
		if p.Priority < proc.PrioritySystem && s.slicesRun[pid] >= slice.MaxConsecutive {
			// Mandatory yield: sit out the rest of the service round so
			// equal-and-lower peers get their allotment.
			s.releaseCoreLocked(pid)
			delete(s.slicesRun, pid)
			if err := s.table.Transition(pid, proc.StateReady); err == nil {
				s.rested[int(p.Priority)].PushBack(readyEntry{pid: pid, enqueued: s.now})
				s.notify(pid, proc.StateRunning, proc.StateReady, "slice cap")
			}
		}
	}
	return slice.Quantum, true
}

func (s *Scheduler) preemptLocked(core int, pid proc.PID) {
	s.running[core] = 0
	delete(s.slicesRun, pid)
	p, err := s.table.Get(pid)
	if err != nil {
		return
	}
	if err := s.table.Transition(pid, proc.StateReady); err != nil {
		return
	}
	s.enqueueLocked(pid, p.Priority)
	s.notify(pid, proc.StateRunning, proc.StateReady, "preempted")
}

func (s *Scheduler) completeLocked(core int, pid proc.PID, code int, reason string) {
	s.running[core] = 0
	delete(s.slicesRun, pid)
	s.terminateLocked(pid, code, reason)
}

func (s *Scheduler) terminateLocked(pid proc.PID, code int, reason string) {
	p, err := s.table.Get(pid)
	if err != nil {
		return
	}
	from := p.State
	if err := s.table.Complete(pid, code); err != nil {
		s.logger.Warn("completion failed", "pid", pid, "error", err)
		return
	}
	delete(s.runnables, pid)
	s.notify(pid, from, proc.StateCompleted, reason)
}

// Exit terminates a process explicitly with the given code, from any live
// state.
func (s *Scheduler) Exit(pid proc.PID, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.table.Get(pid)
	if err != nil {
		return err
	}
	if p.State == proc.StateCompleted {
		return nil
	}
	s.releaseCoreLocked(pid)
	s.removeQueuedLocked(pid)
	delete(s.slicesRun, pid)
	from := p.State
	if from == proc.StateReady {
		// READY has no direct edge to COMPLETED; pass through RUNNING.
		if err := s.table.Transition(pid, proc.StateRunning); err != nil {
			return err
		}
	}
	if err := s.table.Complete(pid, code); err != nil {
		return err
	}
	delete(s.runnables, pid)
	s.notify(pid, from, proc.StateCompleted, "exit")
	return nil
}

func (s *Scheduler) removeQueuedLocked(pid proc.PID) {
	for lvl := range s.queues {
		for el := s.queues[lvl].Front(); el != nil; el = el.Next() {
			if el.Value.(readyEntry).pid == pid {
				s.queues[lvl].Remove(el)
				return
			}
		}
		for el := s.rested[lvl].Front(); el != nil; el = el.Next() {
			if el.Value.(readyEntry).pid == pid {
				s.rested[lvl].Remove(el)
				return
			}
		}
	}
}

// Simulate ticks the scheduler until the simulated clock has advanced by d.
func (s *Scheduler) Simulate(d time.Duration) {
	s.mu.Lock()
	deadline := s.now.Add(d)
	s.mu.Unlock()
	for {
		s.mu.Lock()
		done := !s.now.Before(deadline)
		s.mu.Unlock()
		if done {
			return
		}
		s.Tick()
	}
}

// Fairness returns the minimum actual/expected CPU ratio over the rolling
// window, and whether any process has enough history to judge.
func (s *Scheduler) Fairness() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fairness.Min(s.now)
}

// Now returns the scheduler's simulated clock.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// RunningOn reports which process occupies each core, 0 for idle.
func (s *Scheduler) RunningOn() []proc.PID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proc.PID, len(s.running))
	copy(out, s.running)
	return out
}
