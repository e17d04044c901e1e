package syscall

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/mailbox"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/sched"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
	"github.com/Mindburn-Labs/keel/pkg/wire"
)

// AuditPartition is the ledger partition receiving dispatcher entries.
const AuditPartition = "syscall"

// Caller identifies who issued a syscall: the process and the tenant its
// identity resolved to.
type Caller struct {
	PID      proc.PID
	TenantID string
}

// KernelState is the explicit shared state of the kernel, threaded through
// dispatcher construction. There are no package-level singletons; every
// collaborator is named here.
type KernelState struct {
	Table     *proc.Table
	Caps      *capability.Engine
	Router    *mailbox.Router
	Sched     *sched.Scheduler
	Log       *audit.Log
	Authority *tsa.Authority
}

// Spawner admits a new process behind proc.spawn. The module loader
// implements it; spawn fails typed when validation fails.
type Spawner interface {
	Spawn(ctx context.Context, tenantID string, req ProcSpawn) (proc.PID, error)
}

// Observer receives one measurement per dispatched syscall.
type Observer interface {
	Syscall(name, outcome string, elapsed time.Duration)
}

// Dispatcher is the single entry point for privileged operations.
type Dispatcher struct {
	state    KernelState
	host     Host
	limiter  Limiter
	spawner  Spawner
	observer Observer
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher to its collaborators. Host and state
// fields are required; limiter, spawner, and observer are optional.
func NewDispatcher(state KernelState, host Host) *Dispatcher {
	return &Dispatcher{
		state:  state,
		host:   host,
		logger: slog.Default().With("component", "dispatch"),
	}
}

// WithLimiter installs per-caller rate limiting.
func (d *Dispatcher) WithLimiter(l Limiter) *Dispatcher {
	d.limiter = l
	return d
}

// WithSpawner installs the module loader behind proc.spawn.
func (d *Dispatcher) WithSpawner(s Spawner) *Dispatcher {
	d.spawner = s
	return d
}

// WithObserver installs the metrics observer.
func (d *Dispatcher) WithObserver(o Observer) *Dispatcher {
	d.observer = o
	return d
}

// Dispatch runs one syscall end to end: rate gate, capability gate,
// execution, audit. Exactly one audit entry is written per call, on every
// path, including denials and failures.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, req Request) (any, error) {
	start := time.Now()
	name := req.Name()

	if d.limiter != nil {
		ok, err := d.limiter.Allow(ctx, strconv.FormatUint(uint64(caller.PID), 10))
		if err != nil {
			d.logger.Warn("rate limiter unavailable, admitting", "error", err)
		} else if !ok {
			rlErr := kernelerr.New(kernelerr.CodeRateLimited, kernelerr.CategoryResource,
				"caller %d exceeded syscall rate", caller.PID)
			d.record(ctx, caller, name, audit.SeverityWarning, "rate limited", rlErr)
			d.observe(name, "rate_limited", start)
			return nil, rlErr
		}
	}

	need := Classify(req)
	if _, err := d.state.Caps.Check(caller.PID, need.ResourceType, need.ResourcePath,
		caller.TenantID, need.Rights); err != nil {
		d.record(ctx, caller, name, audit.SeverityWarning, "denied", err)
		d.observe(name, "denied", start)
		return nil, err
	}

	result, err := d.execute(ctx, caller, req)
	if err != nil {
		d.record(ctx, caller, name, audit.SeverityError, "failed", err)
		d.observe(name, "error", start)
		return nil, err
	}
	d.record(ctx, caller, name, audit.SeverityInfo, "ok", nil)
	d.observe(name, "ok", start)
	return result, nil
}

func (d *Dispatcher) observe(name, outcome string, start time.Time) {
	if d.observer != nil {
		d.observer.Syscall(name, outcome, time.Since(start))
	}
}

func (d *Dispatcher) record(ctx context.Context, caller Caller, name string, sev audit.Severity, outcome string, cause error) {
	fields := []audit.Field{
		{Key: "syscall", Value: name},
		{Key: "tenant", Value: caller.TenantID},
		{Key: "outcome", Value: outcome},
	}
	if cause != nil {
		fields = append(fields, audit.Field{Key: "error", Value: cause.Error()})
	}
	d.state.Log.Partition(AuditPartition).Append(ctx, sev, audit.CategorySyscall,
		caller.PID, name+" "+outcome, fields...)
}

// execute matches the closed union exhaustively. Adding a variant without a
// branch here is a compile-visible omission, not a runtime default.
func (d *Dispatcher) execute(ctx context.Context, caller Caller, req Request) (any, error) {
	switch r := req.(type) {
	case FSRead:
		return d.host.FileRead(ctx, r.Path)
	case FSList:
		return d.host.FileList(ctx, r.Path)
	case FSStat:
		return d.host.FileStat(ctx, r.Path)
	case FSWrite:
		return nil, d.host.FileWrite(ctx, r.Path, r.Data)
	case FSDelete:
		return nil, d.host.FileDelete(ctx, r.Path)

	case NetOpen:
		return nil, d.host.NetOpen(ctx, r.Endpoint)
	case NetClose:
		return nil, d.host.NetClose(ctx, r.Endpoint)
	case NetSend:
		return d.host.NetSend(ctx, r.Endpoint, r.Data)
	case NetFetch:
		return d.host.NetFetch(ctx, r.Endpoint)

	case DBQuery:
		return d.host.DBQuery(ctx, r.DB, r.Query, r.Args...)
	case DBExec:
		return d.host.DBExec(ctx, r.DB, r.Statement, r.Args...)
	case DBDelete:
		return d.host.DBExec(ctx, r.DB, r.Statement, r.Args...)

	case AuditQuery:
		return d.auditQuery(r)
	case AuditLog:
		entry := d.state.Log.Partition(r.Partition).Append(ctx, r.Severity,
			audit.CategorySystem, caller.PID, r.Message, r.Fields...)
		return entry, nil

	case ProcInfo:
		p, err := d.state.Table.Get(r.Target)
		if err != nil {
			return nil, err
		}
		info := *p
		return info, nil
	case ProcSpawn:
		if d.spawner == nil {
			return nil, kernelerr.New(kernelerr.CodeModuleInvalid, kernelerr.CategorySystem,
				"no module loader configured")
		}
		return d.spawner.Spawn(ctx, caller.TenantID, r)
	case ProcKill:
		return nil, d.state.Sched.Exit(r.Target, r.Code)
	case ProcSend:
		return nil, d.state.Router.Send(ctx, caller.PID, r.Dest, r.Message)
	case ProcReceive:
		return d.receive(ctx, caller, r)
	}
	return nil, kernelerr.New(kernelerr.CodeUnknownSyscall, kernelerr.CategoryLogic,
		"unhandled syscall %s", req.Name())
}

func (d *Dispatcher) auditQuery(r AuditQuery) ([]audit.Entry, error) {
	entries := d.state.Log.Partition(r.Partition).Entries()
	if r.FromSeq > 0 {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.ID.Sequence >= r.FromSeq {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return entries, nil
}

func (d *Dispatcher) receive(ctx context.Context, caller Caller, r ProcReceive) (wire.Message, error) {
	box, ok := d.state.Router.Mailbox(caller.PID)
	if !ok {
		return wire.Message{}, kernelerr.New(kernelerr.CodeUnknownDest, kernelerr.CategoryUser,
			"caller %d has no mailbox", caller.PID)
	}
	var filter mailbox.Filter
	if len(r.Types) > 0 {
		filter = mailbox.TypeFilter(r.Types...)
	}

	if msg, ready := box.TryReceive(filter); ready {
		return msg, nil
	}

	// An empty mailbox parks the caller in WAITING until delivery or
	// timeout; no busy-waiting.
	if err := d.state.Sched.Park(caller.PID, proc.StateWaiting, "receive on empty mailbox"); err == nil {
		defer func() {
			_ = d.state.Sched.Wake(caller.PID, "receive resolved")
		}()
	}
	timeout := time.Duration(r.TimeoutMS) * time.Millisecond
	return box.Receive(ctx, filter, timeout)
}

// Verify exposes the dispatcher partition's tamper check, plus the
// authority that timestamps it.
func (d *Dispatcher) Verify() audit.CheckResult {
	return d.state.Log.Partition(AuditPartition).Verify()
}

// Authority returns the timestamp authority the kernel state carries.
func (d *Dispatcher) Authority() *tsa.Authority { return d.state.Authority }
