package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
)

type recordedAction struct {
	action Action
	pid    proc.PID
	delay  time.Duration
}

type fakeActor struct {
	mu      sync.Mutex
	actions []recordedAction
}

func (a *fakeActor) Perform(_ context.Context, action Action, pid proc.PID, delay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, recordedAction{action, pid, delay})
	return nil
}

func (a *fakeActor) last(t *testing.T) recordedAction {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.actions)
	return a.actions[len(a.actions)-1]
}

type harness struct {
	sup   *Supervisor
	actor *fakeActor
	log   *audit.Log
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		actor: &fakeActor{},
		log:   audit.NewLog(tsa.NewAuthority("node-test")),
		now:   time.Unix(10_000, 0),
	}
	h.sup = New(h.actor, h.log).WithClock(func() time.Time { return h.now })
	return h
}

func TestTrapDrivesMildestActionFirst(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.worker", Strategy: StrategyTransient})

	require.NoError(t, h.sup.ReportTrap(context.Background(), 1, kernelerr.TrapDivideByZero))

	got := h.actor.last(t)
	assert.Equal(t, ActionRestartSameState, got.action)
	assert.Equal(t, proc.PID(1), got.pid)
	assert.Equal(t, 0, h.sup.Level(1))
}

func TestThreeFailuresInWindowEscalate(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.worker", Strategy: StrategyTransient})

	for i := 0; i < 2; i++ {
		require.NoError(t, h.sup.ReportTrap(context.Background(), 1, kernelerr.TrapStackOverflow))
		h.now = h.now.Add(10 * time.Second)
		assert.Equal(t, 0, h.sup.Level(1))
	}
	require.NoError(t, h.sup.ReportTrap(context.Background(), 1, kernelerr.TrapStackOverflow))

	assert.Equal(t, 1, h.sup.Level(1))
	assert.Equal(t, ActionRestartCleanState, h.actor.last(t).action)
}

func TestFailuresOutsideWindowDoNotEscalate(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.worker", Strategy: StrategyTransient})

	for i := 0; i < 5; i++ {
		require.NoError(t, h.sup.ReportTrap(context.Background(), 1, kernelerr.TrapUnreachable))
		h.now = h.now.Add(FailureWindow + time.Second)
	}
	assert.Equal(t, 0, h.sup.Level(1))
}

func TestLadderWalksAllRungsAndStops(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.worker", Strategy: StrategyTransient})

	// Each rung engages after three failures at the previous one; the final
	// rung is terminal.
	seen := map[Action]bool{}
	for i := 0; i < 30; i++ {
		require.NoError(t, h.sup.ReportTrap(context.Background(), 1, kernelerr.TrapOutOfBounds))
		seen[h.actor.last(t).action] = true
	}
	for _, action := range Ladder {
		assert.True(t, seen[action], string(action))
	}
	assert.Equal(t, len(Ladder)-1, h.sup.Level(1))
}

func TestEscalationIsAudited(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.worker", Strategy: StrategyTransient})

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, h.sup.ReportTrap(context.Background(), 1, kernelerr.TrapUnreachable))
	}

	var escalations []audit.Entry
	for _, e := range h.log.Partition(AuditPartition).Entries() {
		if e.Category == audit.CategoryEscalation {
			escalations = append(escalations, e)
		}
	}
	require.Len(t, escalations, 1)
	assert.Equal(t, audit.SeverityCritical, escalations[0].Severity)
	assert.Equal(t, "escalated to "+string(ActionRestartCleanState), escalations[0].Message)
}

func TestEveryTrapIsAudited(t *testing.T) {
	h := newHarness(t)
	// Even an unwatched pid's trap lands in the ledger.
	require.NoError(t, h.sup.ReportTrap(context.Background(), 42, kernelerr.TrapTimeout))

	entries := h.log.Partition(AuditPartition).Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.CategoryTrap, entries[0].Category)
	assert.Equal(t, proc.PID(42), entries[0].PID)
	assert.Empty(t, h.actor.actions)
}

func TestTemporaryChildrenAreNeverRestarted(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.batch", Strategy: StrategyTemporary})

	require.NoError(t, h.sup.ReportTrap(context.Background(), 1, kernelerr.TrapUnreachable))
	require.NoError(t, h.sup.ReportExit(context.Background(), 1, 3))
	assert.Empty(t, h.actor.actions)
}

func TestPermanentChildRestartsAfterCleanExit(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.daemon", Strategy: StrategyPermanent})

	require.NoError(t, h.sup.ReportExit(context.Background(), 1, 0))
	assert.Equal(t, ActionRestartSameState, h.actor.last(t).action)
}

func TestTransientChildForgottenAfterCleanExit(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.job", Strategy: StrategyTransient})

	require.NoError(t, h.sup.ReportExit(context.Background(), 1, 0))
	assert.Empty(t, h.actor.actions)

	// No longer supervised: an abnormal event later is audit-only.
	require.NoError(t, h.sup.ReportExit(context.Background(), 1, 1))
	assert.Empty(t, h.actor.actions)
}

func TestAbnormalExitCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.worker", Strategy: StrategyTransient})

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, h.sup.ReportExit(context.Background(), 1, 1))
	}
	assert.Equal(t, 1, h.sup.Level(1))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	h := newHarness(t)
	h.sup.Watch(ChildSpec{PID: 1, ModuleID: "mod.worker", Strategy: StrategyPermanent})

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		require.NoError(t, h.sup.ReportExit(context.Background(), 1, 0))
		delays = append(delays, h.actor.last(t).delay)
	}
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, delays)

	for i := 0; i < 20; i++ {
		require.NoError(t, h.sup.ReportExit(context.Background(), 1, 0))
	}
	assert.Equal(t, 30*time.Second, h.actor.last(t).delay)
}
