// Package proc owns process records and their lifecycle state. The table is
// the single writer-mediated home of process state; the scheduler and router
// mutate records only through it.
package proc

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
)

// PID is an opaque process handle, unique for the lifetime of a process
// slot. It is 32 bits wide to match the message wire header.
type PID uint32

// Priority is the base scheduling level of a process.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
	PrioritySystem
)

// NumPriorities is the number of scheduling levels.
const NumPriorities = 6

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "IDLE"
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityRealtime:
		return "REALTIME"
	case PrioritySystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// State is the lifecycle state of a process.
type State string

const (
	StateCreated   State = "CREATED"
	StateReady     State = "READY"
	StateRunning   State = "RUNNING"
	StateWaiting   State = "WAITING"
	StateBlocked   State = "BLOCKED"
	StateCompleted State = "COMPLETED"
)

// validTransitions is the closed transition relation. CREATED and COMPLETED
// are terminal boundaries: entry and exit only.
var validTransitions = map[State][]State{
	StateCreated: {StateReady},
	StateReady:   {StateRunning},
	StateRunning: {StateReady, StateWaiting, StateBlocked, StateCompleted},
	StateWaiting: {StateReady, StateCompleted},
	StateBlocked: {StateReady, StateCompleted},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Process is one process record. All mutation goes through the Table.
type Process struct {
	PID        PID
	ModuleID   string
	EntryPoint string
	Args       []string
	TenantID   string

	Priority Priority
	State    State

	// CPUTimeUsed accumulates time spent RUNNING.
	CPUTimeUsed time.Duration
	// WaitStart records when the process last became READY without being
	// scheduled; aging is computed from it.
	WaitStart time.Time

	// Capabilities holds the opaque capability ids granted to this
	// process. Rights are resolved only through the capability engine.
	Capabilities map[uint64]struct{}

	// ExitCode is meaningful once State is COMPLETED.
	ExitCode int
}

// Table is the process table: exclusive write access is mediated here.
type Table struct {
	mu      sync.RWMutex
	procs   map[PID]*Process
	nextPID PID
	clock   func() time.Time
}

// NewTable creates an empty process table. PIDs start at 1; 0 is reserved
// as the kernel's own identity in audit records.
func NewTable() *Table {
	return &Table{
		procs:   make(map[PID]*Process),
		nextPID: 1,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Table) WithClock(clock func() time.Time) *Table {
	t.clock = clock
	return t
}

// Create allocates a new process slot in CREATED state.
func (t *Table) Create(moduleID, entryPoint, tenantID string, args []string, prio Priority) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	pid := t.nextPID
	t.nextPID++

	p := &Process{
		PID:          pid,
		ModuleID:     moduleID,
		EntryPoint:   entryPoint,
		Args:         args,
		TenantID:     tenantID,
		Priority:     prio,
		State:        StateCreated,
		Capabilities: make(map[uint64]struct{}),
	}
	t.procs[pid] = p
	return p
}

// Get returns the process record for pid.
func (t *Table) Get(pid PID) (*Process, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.procs[pid]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeProcessNotFound, kernelerr.CategoryUser,
			"process %d not found", pid)
	}
	return p, nil
}

// Transition moves a process to a new lifecycle state, enforcing the closed
// transition relation. Entering READY stamps WaitStart; entering RUNNING
// clears it.
func (t *Table) Transition(pid PID, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return kernelerr.New(kernelerr.CodeProcessNotFound, kernelerr.CategoryUser,
			"process %d not found", pid)
	}
	if !CanTransition(p.State, to) {
		return kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryLogic,
			"illegal transition %s -> %s for process %d", p.State, to, pid)
	}

	p.State = to
	switch to {
	case StateReady:
		p.WaitStart = t.clock()
	case StateRunning:
		p.WaitStart = time.Time{}
	}
	return nil
}

// AddCPUTime credits consumed CPU time to a process.
func (t *Table) AddCPUTime(pid PID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[pid]; ok {
		p.CPUTimeUsed += d
	}
}

// GrantCapability records a capability handle on the process.
func (t *Table) GrantCapability(pid PID, capID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return kernelerr.New(kernelerr.CodeProcessNotFound, kernelerr.CategoryUser,
			"process %d not found", pid)
	}
	p.Capabilities[capID] = struct{}{}
	return nil
}

// DropCapability removes a capability handle from the process.
func (t *Table) DropCapability(pid PID, capID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[pid]; ok {
		delete(p.Capabilities, capID)
	}
}

// Complete moves a process to COMPLETED and records its exit code.
func (t *Table) Complete(pid PID, code int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return kernelerr.New(kernelerr.CodeProcessNotFound, kernelerr.CategoryUser,
			"process %d not found", pid)
	}
	if !CanTransition(p.State, StateCompleted) {
		return kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryLogic,
			"illegal transition %s -> %s for process %d", p.State, StateCompleted, pid)
	}
	p.State = StateCompleted
	p.ExitCode = code
	return nil
}

// Abort destroys a CREATED slot that was never admitted, for spawn
// rollback.
func (t *Table) Abort(pid PID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return kernelerr.New(kernelerr.CodeProcessNotFound, kernelerr.CategoryUser,
			"process %d not found", pid)
	}
	if p.State != StateCreated {
		return kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryLogic,
			"process %d is %s, only CREATED slots are aborted", pid, p.State)
	}
	delete(t.procs, pid)
	return nil
}

// Reclaim destroys a COMPLETED process slot. The caller is responsible for
// flushing the outbox first; reclamation is the last step of exit.
func (t *Table) Reclaim(pid PID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return kernelerr.New(kernelerr.CodeProcessNotFound, kernelerr.CategoryUser,
			"process %d not found", pid)
	}
	if p.State != StateCompleted {
		return kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryLogic,
			"process %d is %s, only COMPLETED slots are reclaimed", pid, p.State)
	}
	delete(t.procs, pid)
	return nil
}

// Snapshot returns a copy of every live process record.
func (t *Table) Snapshot() []Process {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Process, 0, len(t.procs))
	for _, p := range t.procs {
		cp := *p
		cp.Capabilities = make(map[uint64]struct{}, len(p.Capabilities))
		for id := range p.Capabilities {
			cp.Capabilities[id] = struct{}{}
		}
		out = append(out, cp)
	}
	return out
}

// Len returns the number of live processes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}
