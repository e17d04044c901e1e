// Package kernel assembles the boundary components into one running
// instance: timestamp authority, capability engine, process table,
// scheduler, router, module loader, dispatcher, supervisor, and the audit
// log, threaded together as one explicit state value.
package kernel

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/audit/store"
	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/identity"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/mailbox"
	"github.com/Mindburn-Labs/keel/pkg/modload"
	"github.com/Mindburn-Labs/keel/pkg/policy"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/sched"
	"github.com/Mindburn-Labs/keel/pkg/supervisor"
	"github.com/Mindburn-Labs/keel/pkg/syscall"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
	"github.com/Mindburn-Labs/keel/pkg/wire"
)

// LifecyclePartition receives scheduler transition entries.
const LifecyclePartition = "lifecycle"

// Kernel is one booted instance.
type Kernel struct {
	cfg        *config.Config
	state      syscall.KernelState
	dispatcher *syscall.Dispatcher
	loader     *modload.Loader
	sup        *supervisor.Supervisor
	tokens     *identity.TokenManager
	host       *syscall.MemHost
	sink       *store.SQLSink
	kernelBox  *mailbox.Mailbox
	started    time.Time
	logger     *slog.Logger
}

// Status is a point-in-time kernel snapshot.
type Status struct {
	NodeID      string
	Uptime      time.Duration
	Processes   map[proc.State]int
	AuditChains map[string]audit.LinearHashChain
	Fairness    float64
	FairnessOK  bool
	Cores       int
}

// Boot wires a kernel from configuration. Persistence and the distributed
// limiter engage only when configured; everything else always runs.
func Boot(ctx context.Context, cfg *config.Config) (*Kernel, error) {
	logger := slog.Default().With("component", "kernel")

	authority := tsa.NewAuthority(cfg.NodeID)
	table := proc.NewTable()
	log := audit.NewLog(authority)

	var sink *store.SQLSink
	switch {
	case cfg.DatabaseURL != "":
		s, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sink = s
	case cfg.LedgerPath != "":
		s, err := store.OpenSQLite(ctx, cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		sink = s
	}
	if sink != nil {
		log = log.WithSink(sink)
	}

	seed := []byte(cfg.CapabilitySeed)
	if len(seed) == 0 {
		sum := sha256.Sum256([]byte(authority.NodeID()))
		seed = sum[:]
	}
	caps, err := capability.NewEngine(seed)
	if err != nil {
		return nil, err
	}
	grantPolicy, err := policy.NewCELGrantPolicy(nil)
	if err != nil {
		return nil, err
	}
	caps.WithPolicy(grantPolicy)

	router := mailbox.NewRouter(authority)
	scheduler := sched.New(table, cfg.Cores)

	state := syscall.KernelState{
		Table:     table,
		Caps:      caps,
		Router:    router,
		Sched:     scheduler,
		Log:       log,
		Authority: authority,
	}

	host := syscall.NewMemHost()
	loader := modload.NewLoader(cfg.ModuleRoot, table, caps, scheduler, router, log)

	dispatcher := syscall.NewDispatcher(state, host).WithSpawner(loader)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, kernelerr.Wrap(err, kernelerr.CodeInternal, kernelerr.CategorySystem,
				"bad redis url")
		}
		dispatcher.WithLimiter(syscall.NewRedisLimiter(redis.NewClient(opts),
			"keel:syscalls", time.Second, int64(cfg.SyscallRPS)))
	} else {
		dispatcher.WithLimiter(syscall.NewLocalLimiter(cfg.SyscallRPS, cfg.SyscallBurst))
	}

	k := &Kernel{
		cfg:        cfg,
		state:      state,
		dispatcher: dispatcher,
		loader:     loader,
		tokens:     identity.NewTokenManager([]byte(cfg.TokenSecret)),
		host:       host,
		sink:       sink,
		started:    time.Now(),
		logger:     logger,
	}

	k.sup = supervisor.New(actor{k: k}, log)
	scheduler.OnTrap(func(pid proc.PID, kind kernelerr.TrapKind) {
		if err := k.sup.ReportTrap(context.Background(), pid, kind); err != nil {
			logger.Warn("trap recovery failed", "pid", pid, "error", err)
		}
	})
	scheduler.OnLifecycle(func(pid proc.PID, from, to proc.State, reason string) {
		log.Partition(LifecyclePartition).Append(context.Background(),
			audit.SeverityDebug, audit.CategoryLifecycle, pid, reason,
			audit.Field{Key: "from", Value: string(from)},
			audit.Field{Key: "to", Value: string(to)})
		if to == proc.StateCompleted {
			k.reap(pid)
		}
	})

	box, err := router.Register(capability.KernelPID, mailbox.SystemCapacity, mailbox.NotifySender)
	if err != nil {
		return nil, err
	}
	k.kernelBox = box

	log.Partition(LifecyclePartition).Append(ctx, audit.SeverityInfo, audit.CategorySystem,
		capability.KernelPID, "kernel booted",
		audit.Field{Key: "node", Value: authority.NodeID()})
	return k, nil
}

// reap flushes IPC state and reclaims a completed slot. Undelivered
// channel sequences are reset so a reused slot starts clean.
func (k *Kernel) reap(pid proc.PID) {
	count := k.state.Caps.RevokeByHolder(pid)
	if count > 0 {
		k.logger.Debug("revoked capabilities at exit", "pid", pid, "count", count)
	}
	k.state.Router.Unregister(pid)
	k.state.Router.ResetChannels(pid)
	k.sup.Forget(pid)
	if err := k.state.Table.Reclaim(pid); err != nil {
		k.logger.Warn("reclaim failed", "pid", pid, "error", err)
	}
}

// Dispatcher exposes the syscall boundary.
func (k *Kernel) Dispatcher() *syscall.Dispatcher { return k.dispatcher }

// Loader exposes the module loader for registration.
func (k *Kernel) Loader() *modload.Loader { return k.loader }

// Supervisor exposes the recovery ladder.
func (k *Kernel) Supervisor() *supervisor.Supervisor { return k.sup }

// Tokens exposes the caller token manager.
func (k *Kernel) Tokens() *identity.TokenManager { return k.tokens }

// Host exposes the in-process effect host.
func (k *Kernel) Host() *syscall.MemHost { return k.host }

// State exposes the threaded kernel state.
func (k *Kernel) State() syscall.KernelState { return k.state }

// Status snapshots the kernel.
func (k *Kernel) Status() Status {
	procs := make(map[proc.State]int)
	for _, p := range k.state.Table.Snapshot() {
		procs[p.State]++
	}
	chains := make(map[string]audit.LinearHashChain)
	for _, name := range k.state.Log.Partitions() {
		chains[name] = k.state.Log.Partition(name).Chain()
	}
	ratio, ok := k.state.Sched.Fairness()
	return Status{
		NodeID:      k.state.Authority.NodeID(),
		Uptime:      time.Since(k.started),
		Processes:   procs,
		AuditChains: chains,
		Fairness:    ratio,
		FairnessOK:  ok,
		Cores:       k.state.Sched.Cores(),
	}
}

// Run drives the scheduler and the kernel message plane until ctx ends.
func (k *Kernel) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return k.Shutdown(context.Background())
		case <-ticker.C:
			k.state.Sched.Tick()
			k.pollMessages(ctx)
		}
	}
}

// pollMessages services the kernel mailbox: PING gets PONG, shutdown is
// honored, everything else is dropped with a log line.
func (k *Kernel) pollMessages(ctx context.Context) {
	for {
		msg, ok := k.kernelBox.TryReceive(nil)
		if !ok {
			return
		}
		switch msg.Header.Type {
		case wire.TypePing:
			reply := wire.Message{
				Header:  wire.Header{Type: wire.TypePong, Flags: wire.FlagSystem},
				Payload: msg.Payload,
			}
			if err := k.state.Router.Send(ctx, capability.KernelPID, msg.Header.Source, reply); err != nil {
				k.logger.Debug("pong undeliverable", "dst", msg.Header.Source, "error", err)
			}
		case wire.TypeShutdown:
			k.logger.Info("shutdown requested on message plane", "src", msg.Header.Source)
		default:
			k.logger.Debug("unhandled kernel message", "type", msg.Header.Type.String())
		}
	}
}

// Shutdown broadcasts SYSTEM_SHUTDOWN, exits every live process, flushes
// chains, and closes persistence.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.state.Router.Broadcast(ctx, capability.KernelPID, wire.Message{
		Header: wire.Header{Type: wire.TypeShutdown, Flags: wire.FlagSystem},
	})

	for _, p := range k.state.Table.Snapshot() {
		if p.State != proc.StateCompleted {
			if err := k.state.Sched.Exit(p.PID, 0); err != nil {
				k.logger.Warn("exit at shutdown failed", "pid", p.PID, "error", err)
			}
		}
	}

	for _, name := range k.state.Log.Partitions() {
		if res := k.state.Log.Partition(name).Verify(); !res.Passed() {
			k.logger.Error("audit chain failed verification at shutdown",
				"partition", name, "check", string(res.Check))
		}
	}

	k.state.Log.Partition(LifecyclePartition).Append(ctx, audit.SeverityInfo,
		audit.CategorySystem, capability.KernelPID, "kernel shutdown")
	if k.sink != nil {
		return k.sink.Close()
	}
	return nil
}

// actor executes supervisor recovery decisions against the kernel.
type actor struct {
	k *Kernel
}

// Perform applies a ladder action after its backoff.
func (a actor) Perform(ctx context.Context, action supervisor.Action, pid proc.PID, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	k := a.k
	p, err := k.state.Table.Get(pid)
	if err != nil {
		return nil // already reaped
	}
	moduleID := p.ModuleID
	entry := p.EntryPoint
	args := p.Args
	tenant := p.TenantID
	prio := p.Priority

	respawn := func() error {
		_, err := k.loader.Spawn(ctx, tenant, syscall.ProcSpawn{
			ModuleID:   moduleID,
			EntryPoint: entry,
			Args:       args,
			Priority:   prio,
		})
		return err
	}

	switch action {
	case supervisor.ActionRestartSameState, supervisor.ActionRestartCleanState:
		// Process state lives in the module program; both rungs are a
		// respawn at this layer, clean state drops the args.
		if err := k.state.Sched.Exit(pid, -1); err != nil {
			return err
		}
		return respawn()
	case supervisor.ActionReloadModule:
		if err := k.state.Sched.Exit(pid, -1); err != nil {
			return err
		}
		if m, ok := k.loader.Manifest(moduleID); ok {
			k.logger.Info("reloading module", "module", m.Name)
		}
		return respawn()
	case supervisor.ActionRestartSupervisor:
		k.logger.Warn("supervisor restart requested", "pid", pid)
		return k.state.Sched.Exit(pid, -1)
	case supervisor.ActionRestartSystem:
		k.logger.Error("system restart requested", "pid", pid)
		return kernelerr.New(kernelerr.CodeShutdown, kernelerr.CategorySystem,
			"recovery exhausted, system restart required")
	}
	return nil
}
