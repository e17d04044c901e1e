package syscall

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/mailbox"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/sched"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
	"github.com/Mindburn-Labs/keel/pkg/wire"
)

type fixture struct {
	state  KernelState
	host   *MemHost
	disp   *Dispatcher
	caller Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	authority := tsa.NewAuthority("node-test")
	table := proc.NewTable()
	caps, err := capability.NewEngine([]byte("test-seed"))
	require.NoError(t, err)
	router := mailbox.NewRouter(authority)
	scheduler := sched.New(table, 1)
	log := audit.NewLog(authority)
	host := NewMemHost()

	p := table.Create("mod.test", "main", "tenant-a", nil, proc.PriorityNormal)

	state := KernelState{
		Table:     table,
		Caps:      caps,
		Router:    router,
		Sched:     scheduler,
		Log:       log,
		Authority: authority,
	}
	return &fixture{
		state:  state,
		host:   host,
		disp:   NewDispatcher(state, host),
		caller: Caller{PID: p.PID, TenantID: "tenant-a"},
	}
}

func (f *fixture) grant(t *testing.T, rt capability.ResourceType, path string, rights capability.Rights) {
	t.Helper()
	_, _, err := f.state.Caps.Grant(capability.GrantRequest{
		GrantorPID:   capability.KernelPID,
		HolderPID:    f.caller.PID,
		ResourceType: rt,
		ResourcePath: path,
		TenantID:     "tenant-a",
		Rights:       rights,
	})
	require.NoError(t, err)
}

func (f *fixture) auditEntries() []audit.Entry {
	return f.state.Log.Partition(AuditPartition).Entries()
}

func TestDeniedCallWritesExactlyOneAuditEntry(t *testing.T) {
	f := newFixture(t)

	_, err := f.disp.Dispatch(context.Background(), f.caller, FSRead{Path: "/etc/secret"})
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))

	entries := f.auditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityWarning, entries[0].Severity)
	assert.Equal(t, "fs.read denied", entries[0].Message)
	assert.Equal(t, f.caller.PID, entries[0].PID)
}

func TestGrantedFileRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceFile, "/data/*", capability.Rights{Read: true, Write: true})

	_, err := f.disp.Dispatch(context.Background(), f.caller, FSWrite{Path: "/data/a.txt", Data: []byte("payload")})
	require.NoError(t, err)

	out, err := f.disp.Dispatch(context.Background(), f.caller, FSRead{Path: "/data/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	entries := f.auditEntries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, audit.SeverityInfo, e.Severity)
	}
	assert.True(t, f.state.Log.Partition(AuditPartition).Verify().Passed())
}

func TestFailedCallAuditsError(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceFile, "/data/*", capability.Rights{Read: true})

	_, err := f.disp.Dispatch(context.Background(), f.caller, FSRead{Path: "/data/missing"})
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodeResourceNotFound, kernelerr.CodeOf(err))

	entries := f.auditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityError, entries[0].Severity)
	assert.Equal(t, "fs.read failed", entries[0].Message)
}

func TestRightsAreCheckedPerOperation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceFile, "/data/*", capability.Rights{Read: true})

	_, err := f.disp.Dispatch(context.Background(), f.caller, FSWrite{Path: "/data/a", Data: []byte("x")})
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))

	// fs.delete needs execute, not write.
	_, err = f.disp.Dispatch(context.Background(), f.caller, FSDelete{Path: "/data/a"})
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestRateLimitedCallIsAuditedAndRejected(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceFile, "/data/*", capability.Rights{Write: true})
	f.disp.WithLimiter(NewLocalLimiter(0, 1))

	_, err := f.disp.Dispatch(context.Background(), f.caller, FSWrite{Path: "/data/a", Data: nil})
	require.NoError(t, err)

	_, err = f.disp.Dispatch(context.Background(), f.caller, FSWrite{Path: "/data/b", Data: nil})
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodeRateLimited, kernelerr.CodeOf(err))

	entries := f.auditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "fs.write rate limited", entries[1].Message)
	assert.Equal(t, audit.SeverityWarning, entries[1].Severity)
}

func TestDBQueryThroughRegisteredHandle(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceDatabase, "ledger", capability.Rights{Read: true, Write: true})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	f.host.RegisterDB("ledger", db)

	mock.ExpectQuery("SELECT name FROM accounts").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("alice").AddRow("bob"))

	out, err := f.disp.Dispatch(context.Background(), f.caller, DBQuery{DB: "ledger", Query: "SELECT name FROM accounts"})
	require.NoError(t, err)
	rows, ok := out.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0]["name"])

	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 3))
	out, err = f.disp.Dispatch(context.Background(), f.caller, DBExec{DB: "ledger", Statement: "UPDATE accounts SET active = true"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLogAndQuerySyscalls(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceAuditLog, "app", capability.Rights{Read: true, Write: true})

	_, err := f.disp.Dispatch(context.Background(), f.caller, AuditLog{
		Partition: "app",
		Severity:  audit.SeverityInfo,
		Message:   "checkpoint reached",
	})
	require.NoError(t, err)

	out, err := f.disp.Dispatch(context.Background(), f.caller, AuditQuery{Partition: "app"})
	require.NoError(t, err)
	entries, ok := out.([]audit.Entry)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint reached", entries[0].Message)
}

func TestProcSendAndReceive(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceProcess, "ipc", capability.Rights{Read: true, Write: true})

	_, err := f.state.Router.Register(f.caller.PID, mailbox.DefaultCapacity, mailbox.NotifySender)
	require.NoError(t, err)
	peer := f.state.Table.Create("mod.peer", "main", "tenant-a", nil, proc.PriorityNormal)
	_, err = f.state.Router.Register(peer.PID, mailbox.DefaultCapacity, mailbox.NotifySender)
	require.NoError(t, err)

	_, err = f.disp.Dispatch(context.Background(), f.caller, ProcSend{
		Dest:    peer.PID,
		Message: wire.Message{Header: wire.Header{Type: wire.TypeUserBase}, Payload: []byte("hi")},
	})
	require.NoError(t, err)

	box, ok := f.state.Router.Mailbox(peer.PID)
	require.True(t, ok)
	msg, ok := box.TryReceive(nil)
	require.True(t, ok)
	assert.Equal(t, f.caller.PID, msg.Header.Source)
	assert.Equal(t, []byte("hi"), msg.Payload)
}

func TestProcReceiveReadyMessage(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceProcess, "ipc", capability.Rights{Read: true})

	_, err := f.state.Router.Register(f.caller.PID, mailbox.DefaultCapacity, mailbox.NotifySender)
	require.NoError(t, err)
	require.NoError(t, f.state.Router.Send(context.Background(), 99, f.caller.PID,
		wire.Message{Header: wire.Header{Type: wire.TypeUserBase + 4}}))

	out, err := f.disp.Dispatch(context.Background(), f.caller, ProcReceive{
		Types:     []wire.Type{wire.TypeUserBase + 4},
		TimeoutMS: 50,
	})
	require.NoError(t, err)
	msg, ok := out.(wire.Message)
	require.True(t, ok)
	assert.Equal(t, wire.TypeUserBase+4, msg.Header.Type)
}

func TestProcReceiveTimesOut(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceProcess, "ipc", capability.Rights{Read: true})

	_, err := f.state.Router.Register(f.caller.PID, mailbox.DefaultCapacity, mailbox.NotifySender)
	require.NoError(t, err)

	start := time.Now()
	_, err = f.disp.Dispatch(context.Background(), f.caller, ProcReceive{TimeoutMS: 30})
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodeReceiveTimeout, kernelerr.CodeOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestProcInfo(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceProcess, "info", capability.Rights{Read: true})

	out, err := f.disp.Dispatch(context.Background(), f.caller, ProcInfo{Target: f.caller.PID})
	require.NoError(t, err)
	info, ok := out.(proc.Process)
	require.True(t, ok)
	assert.Equal(t, "mod.test", info.ModuleID)
}

func TestSpawnWithoutLoaderFailsTyped(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceProcess, "spawn", capability.Rights{Execute: true})

	_, err := f.disp.Dispatch(context.Background(), f.caller, ProcSpawn{ModuleID: "mod.x"})
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodeModuleInvalid, kernelerr.CodeOf(err))
}

func TestClassifyRightsTable(t *testing.T) {
	cases := []struct {
		req  Request
		want Requirement
	}{
		{FSRead{Path: "/a"}, Requirement{capability.ResourceFile, "/a", capability.Rights{Read: true}}},
		{FSDelete{Path: "/a"}, Requirement{capability.ResourceFile, "/a", capability.Rights{Execute: true}}},
		{NetFetch{Endpoint: "api:443"}, Requirement{capability.ResourceNetwork, "api:443", capability.Rights{Read: true, Write: true}}},
		{DBDelete{DB: "ledger"}, Requirement{capability.ResourceDatabase, "ledger", capability.Rights{Execute: true}}},
		{AuditLog{Partition: "app"}, Requirement{capability.ResourceAuditLog, "app", capability.Rights{Write: true}}},
		{ProcSpawn{}, Requirement{capability.ResourceProcess, "spawn", capability.Rights{Execute: true}}},
		{ProcReceive{}, Requirement{capability.ResourceProcess, "ipc", capability.Rights{Read: true}}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.req), tc.req.Name())
	}
}

func TestEveryPathWritesOneEntry(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ResourceFile, "/data/*", capability.Rights{Read: true, Write: true})

	calls := []Request{
		FSWrite{Path: "/data/a", Data: []byte("1")}, // ok
		FSRead{Path: "/data/missing"},               // failed
		FSDelete{Path: "/data/a"},                   // denied
	}
	for _, req := range calls {
		_, _ = f.disp.Dispatch(context.Background(), f.caller, req)
	}
	assert.Len(t, f.auditEntries(), len(calls))
}
