// Package supervisor watches processes for traps and abnormal exits and
// drives the recovery ladder. Every trap and every escalation step is
// audited; the supervisor never repairs silently.
package supervisor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
)

// AuditPartition receives supervisor entries.
const AuditPartition = "supervisor"

// Action is one rung of the recovery ladder, mildest first.
type Action string

const (
	ActionRestartSameState  Action = "RESTART_SAME_STATE"
	ActionRestartCleanState Action = "RESTART_CLEAN_STATE"
	ActionReloadModule      Action = "RELOAD_MODULE"
	ActionRestartSupervisor Action = "RESTART_SUPERVISOR"
	ActionRestartSystem     Action = "RESTART_SYSTEM"
)

// Ladder is the ordered recovery sequence. Each rung engages only after the
// failure threshold is crossed at the previous one.
var Ladder = [5]Action{
	ActionRestartSameState,
	ActionRestartCleanState,
	ActionReloadModule,
	ActionRestartSupervisor,
	ActionRestartSystem,
}

// Escalation thresholds: three failures inside the window advance one rung.
const (
	FailureThreshold = 3
	FailureWindow    = 60 * time.Second
)

// Strategy decides whether a child is restarted at all.
type Strategy string

const (
	// Permanent children are always restarted, even after a clean exit.
	StrategyPermanent Strategy = "PERMANENT"
	// Transient children are restarted only after an abnormal exit or trap.
	StrategyTransient Strategy = "TRANSIENT"
	// Temporary children are never restarted.
	StrategyTemporary Strategy = "TEMPORARY"
)

// Actor performs recovery actions on behalf of the supervisor. delay is the
// backoff the actor must respect before the action takes effect.
type Actor interface {
	Perform(ctx context.Context, action Action, pid proc.PID, delay time.Duration) error
}

// ChildSpec registers a process under supervision.
type ChildSpec struct {
	PID      proc.PID
	ModuleID string
	Strategy Strategy
}

type childState struct {
	spec     ChildSpec
	level    int
	failures []time.Time
	restarts int
}

// Supervisor tracks per-child failure history and escalates through the
// ladder. All methods are safe for concurrent use.
type Supervisor struct {
	mu       sync.Mutex
	children map[proc.PID]*childState

	actor       Actor
	log         *audit.Log
	clock       func() time.Time
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger
}

// New creates a supervisor writing to the given audit log and recovering
// through the actor.
func New(actor Actor, log *audit.Log) *Supervisor {
	return &Supervisor{
		children:    make(map[proc.PID]*childState),
		actor:       actor,
		log:         log,
		clock:       time.Now,
		backoffBase: 100 * time.Millisecond,
		backoffMax:  30 * time.Second,
		logger:      slog.Default().With("component", "supervisor"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Supervisor) WithClock(clock func() time.Time) *Supervisor {
	s.clock = clock
	return s
}

// Watch places a child under supervision.
func (s *Supervisor) Watch(spec ChildSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[spec.PID] = &childState{spec: spec}
}

// Forget removes a child from supervision.
func (s *Supervisor) Forget(pid proc.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, pid)
}

// Level returns the child's current ladder rung.
func (s *Supervisor) Level(pid proc.PID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.children[pid]; ok {
		return c.level
	}
	return 0
}

// backoff doubles per restart, capped.
func (s *Supervisor) backoff(restarts int) time.Duration {
	d := s.backoffBase
	for i := 0; i < restarts && d < s.backoffMax; i++ {
		d *= 2
	}
	if d > s.backoffMax {
		d = s.backoffMax
	}
	return d
}

// ReportTrap records an execution trap and, per strategy, drives recovery.
func (s *Supervisor) ReportTrap(ctx context.Context, pid proc.PID, kind kernelerr.TrapKind) error {
	s.log.Partition(AuditPartition).Append(ctx, audit.SeverityError, audit.CategoryTrap,
		pid, "trap "+string(kind),
		audit.Field{Key: "trap", Value: string(kind)},
		audit.Field{Key: "recoverable", Value: strconv.FormatBool(kind.Recoverable())})

	s.mu.Lock()
	c, ok := s.children[pid]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if c.spec.Strategy == StrategyTemporary {
		s.mu.Unlock()
		return nil
	}
	action, delay, escalated := s.recordFailureLocked(c)
	s.mu.Unlock()

	if escalated {
		s.auditEscalation(ctx, pid, action)
	}
	return s.actor.Perform(ctx, action, pid, delay)
}

// ReportExit records a process exit. Normal exits restart only Permanent
// children; abnormal exits are failures like traps.
func (s *Supervisor) ReportExit(ctx context.Context, pid proc.PID, code int) error {
	sev := audit.SeverityInfo
	if code != 0 {
		sev = audit.SeverityWarning
	}
	s.log.Partition(AuditPartition).Append(ctx, sev, audit.CategoryLifecycle,
		pid, "exit",
		audit.Field{Key: "code", Value: strconv.Itoa(code)})

	s.mu.Lock()
	c, ok := s.children[pid]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	switch {
	case code == 0 && c.spec.Strategy == StrategyPermanent:
		c.restarts++
		delay := s.backoff(c.restarts)
		s.mu.Unlock()
		return s.actor.Perform(ctx, ActionRestartSameState, pid, delay)
	case code == 0 || c.spec.Strategy == StrategyTemporary:
		delete(s.children, pid)
		s.mu.Unlock()
		return nil
	}
	action, delay, escalated := s.recordFailureLocked(c)
	s.mu.Unlock()

	if escalated {
		s.auditEscalation(ctx, pid, action)
	}
	return s.actor.Perform(ctx, action, pid, delay)
}

// recordFailureLocked appends a failure at the current rung, prunes the
// window, and escalates when the threshold is crossed.
func (s *Supervisor) recordFailureLocked(c *childState) (Action, time.Duration, bool) {
	now := s.clock()
	cutoff := now.Add(-FailureWindow)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)
	c.restarts++

	escalated := false
	if len(c.failures) >= FailureThreshold && c.level < len(Ladder)-1 {
		c.level++
		c.failures = c.failures[:0]
		escalated = true
	}
	return Ladder[c.level], s.backoff(c.restarts), escalated
}

func (s *Supervisor) auditEscalation(ctx context.Context, pid proc.PID, action Action) {
	s.log.Partition(AuditPartition).Append(ctx, audit.SeverityCritical, audit.CategoryEscalation,
		pid, "escalated to "+string(action),
		audit.Field{Key: "action", Value: string(action)})
	s.logger.Warn("escalation", "pid", pid, "action", action)
}
