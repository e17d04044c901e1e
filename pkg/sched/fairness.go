package sched

import (
	"time"

	"github.com/Mindburn-Labs/keel/pkg/proc"
)

// Weight is the proportional service allotment of a priority level per
// scheduling round: quantum length times the consecutive-slice cap.
func Weight(p proc.Priority) float64 {
	s := SliceFor(p)
	return float64(s.Quantum/time.Millisecond) * float64(s.MaxConsecutive)
}

type fairnessSample struct {
	at     time.Time
	pid    proc.PID
	weight float64
	cpu    time.Duration
}

// FairnessTracker maintains a rolling window of per-process CPU grants and
// computes the minimum actual/expected service ratio across active
// processes. Expected service is each process's weight share of the total
// CPU delivered in the window.
type FairnessTracker struct {
	window  time.Duration
	samples []fairnessSample
}

// NewFairnessTracker creates a tracker over the given rolling window.
func NewFairnessTracker(window time.Duration) *FairnessTracker {
	return &FairnessTracker{window: window}
}

// Record notes one quantum of CPU granted to pid at its base priority.
func (f *FairnessTracker) Record(pid proc.PID, prio proc.Priority, cpu time.Duration, now time.Time) {
	f.samples = append(f.samples, fairnessSample{
		at:     now,
		pid:    pid,
		weight: Weight(prio),
		cpu:    cpu,
	})
}

// Advance drops samples that fell out of the window.
func (f *FairnessTracker) Advance(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.samples) && f.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		f.samples = append(f.samples[:0], f.samples[i:]...)
	}
}

// Min returns the worst actual/expected ratio over the window. The bool is
// false when no process has history to judge.
func (f *FairnessTracker) Min(now time.Time) (float64, bool) {
	f.Advance(now)
	if len(f.samples) == 0 {
		return 0, false
	}

	actual := make(map[proc.PID]time.Duration)
	weights := make(map[proc.PID]float64)
	var total time.Duration
	var weightSum float64
	for _, s := range f.samples {
		if _, seen := weights[s.pid]; !seen {
			weights[s.pid] = s.weight
			weightSum += s.weight
		}
		actual[s.pid] += s.cpu
		total += s.cpu
	}
	if weightSum == 0 || total == 0 {
		return 0, false
	}

	min := -1.0
	for pid, w := range weights {
		expected := (w / weightSum) * float64(total)
		if expected == 0 {
			continue
		}
		ratio := float64(actual[pid]) / expected
		if min < 0 || ratio < min {
			min = ratio
		}
	}
	if min < 0 {
		return 0, false
	}
	return min, true
}
