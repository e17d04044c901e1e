package modload

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/mailbox"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/sched"
	"github.com/Mindburn-Labs/keel/pkg/syscall"
)

// AuditPartition receives loader entries.
const AuditPartition = "modload"

// ProgramFactory builds the step function that runs a validated module.
type ProgramFactory func(m Manifest, gas *GasMeter) sched.Runnable

// Loader validates modules and admits them as processes. It implements
// syscall.Spawner.
type Loader struct {
	mu        sync.Mutex
	manifests map[string]Manifest

	table   *proc.Table
	caps    *capability.Engine
	sched   *sched.Scheduler
	router  *mailbox.Router
	log     *audit.Log
	factory ProgramFactory
	pubKey  ed25519.PublicKey
	root    string
	logger  *slog.Logger
}

// NewLoader creates a loader reading module binaries under root.
func NewLoader(root string, table *proc.Table, caps *capability.Engine,
	scheduler *sched.Scheduler, router *mailbox.Router, log *audit.Log) *Loader {
	return &Loader{
		manifests: make(map[string]Manifest),
		table:     table,
		caps:      caps,
		sched:     scheduler,
		router:    router,
		log:       log,
		root:      root,
		logger:    slog.Default().With("component", "modload"),
	}
}

// WithSigningKey requires every manifest to carry a valid signature.
func (l *Loader) WithSigningKey(pub ed25519.PublicKey) *Loader {
	l.pubKey = pub
	return l
}

// WithProgramFactory overrides how validated modules become runnables.
func (l *Loader) WithProgramFactory(f ProgramFactory) *Loader {
	l.factory = f
	return l
}

// Register validates a manifest against its module bytes on disk and makes
// the module spawnable.
func (l *Loader) Register(ctx context.Context, manifestData []byte) (Manifest, error) {
	m, err := ParseManifest(manifestData)
	if err != nil {
		l.auditReject(ctx, "?", err)
		return Manifest{}, err
	}

	module, err := os.ReadFile(filepath.Join(l.root, m.Path))
	if err != nil {
		err = kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"module %s binary unreadable", m.Name)
		l.auditReject(ctx, m.Name, err)
		return Manifest{}, err
	}
	if err := VerifyChecksum(m, module); err != nil {
		l.auditReject(ctx, m.Name, err)
		return Manifest{}, err
	}
	if err := VerifySignature(m, l.pubKey); err != nil {
		l.auditReject(ctx, m.Name, err)
		return Manifest{}, err
	}
	if err := l.compileCheck(ctx, module); err != nil {
		l.auditReject(ctx, m.Name, err)
		return Manifest{}, err
	}

	l.mu.Lock()
	l.manifests[m.Name] = m
	l.mu.Unlock()

	l.log.Partition(AuditPartition).Append(ctx, audit.SeverityInfo, audit.CategoryLifecycle,
		capability.KernelPID, "module registered",
		audit.Field{Key: "module", Value: m.Name},
		audit.Field{Key: "abi", Value: m.ABIVersion})
	return m, nil
}

// compileCheck compiles the binary under wazero without instantiating it.
// A module that does not compile is rejected before it ever gets a process
// slot.
func (l *Loader) compileCheck(ctx context.Context, module []byte) error {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"module does not compile")
	}
	return compiled.Close(ctx)
}

func (l *Loader) auditReject(ctx context.Context, name string, cause error) {
	l.log.Partition(AuditPartition).Append(ctx, audit.SeverityWarning, audit.CategoryLifecycle,
		capability.KernelPID, "module rejected",
		audit.Field{Key: "module", Value: name},
		audit.Field{Key: "error", Value: cause.Error()})
}

// Manifest returns the registered manifest for a module name.
func (l *Loader) Manifest(name string) (Manifest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.manifests[name]
	return m, ok
}

// Spawn implements syscall.Spawner: the module must be registered and
// validated; the new process gets its manifest capabilities, a mailbox
// sized by priority, and a gas-metered program admitted to the scheduler.
func (l *Loader) Spawn(ctx context.Context, tenantID string, req syscall.ProcSpawn) (proc.PID, error) {
	l.mu.Lock()
	m, ok := l.manifests[req.ModuleID]
	l.mu.Unlock()
	if !ok {
		return 0, kernelerr.New(kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"module %s is not registered", req.ModuleID)
	}

	p := l.table.Create(m.Name, req.EntryPoint, tenantID, req.Args, req.Priority)

	for _, g := range m.Grants() {
		g.GrantorPID = capability.KernelPID
		g.HolderPID = p.PID
		g.TenantID = tenantID
		cap, _, err := l.caps.Grant(g)
		if err != nil {
			// Roll the slot back; a partially privileged process never runs.
			l.caps.RevokeByHolder(p.PID)
			_ = l.table.Abort(p.PID)
			return 0, kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
				"manifest capability grant failed for %s", m.Name)
		}
		_ = l.table.GrantCapability(p.PID, uint64(cap.ID))
	}

	if _, err := l.router.Register(p.PID, mailbox.CapacityFor(req.Priority), mailbox.NotifySender); err != nil {
		return 0, err
	}

	gas := NewGasMeter(DefaultGas)
	var program sched.Runnable
	if l.factory != nil {
		program = l.factory(m, gas)
	} else {
		program = idleProgram{}
	}
	if err := l.sched.Admit(p.PID, program); err != nil {
		l.router.Unregister(p.PID)
		return 0, err
	}

	l.log.Partition(AuditPartition).Append(ctx, audit.SeverityInfo, audit.CategoryLifecycle,
		p.PID, "spawned",
		audit.Field{Key: "module", Value: m.Name},
		audit.Field{Key: "tenant", Value: tenantID},
		audit.Field{Key: "priority", Value: req.Priority.String()})
	return p.PID, nil
}

// idleProgram completes immediately; it stands in when no program factory
// is configured.
type idleProgram struct{}

func (idleProgram) Execute(uint64) sched.Outcome { return sched.Completed{ExitCode: 0} }
