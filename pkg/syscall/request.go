// Package syscall implements the dispatcher at the kernel boundary: every
// privileged operation arrives as one variant of a closed request union, is
// classified to a required capability, checked, executed, and audited. There
// is no unaudited path through this package, including every error path.
package syscall

import (
	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/wire"
)

// Request is the closed union of syscall variants. The marker method seals
// it: new variants are compile-time additions to this package, matched
// exhaustively in the dispatcher.
type Request interface {
	// Name is the namespaced syscall name, e.g. "fs.read".
	Name() string
	request()
}

// fs.*: file resources.

type FSRead struct{ Path string }
type FSList struct{ Path string }
type FSStat struct{ Path string }
type FSWrite struct {
	Path string
	Data []byte
}
type FSDelete struct{ Path string }

// net.*: network resources.

type NetOpen struct{ Endpoint string }
type NetClose struct{ Endpoint string }
type NetSend struct {
	Endpoint string
	Data     []byte
}
type NetFetch struct{ Endpoint string }

// db.*: database resources.

type DBQuery struct {
	DB    string
	Query string
	Args  []any
}
type DBExec struct {
	DB        string
	Statement string
	Args      []any
}
type DBDelete struct {
	DB        string
	Statement string
	Args      []any
}

// audit.*: the ledger itself as a resource.

type AuditQuery struct {
	Partition string
	FromSeq   uint64
}
type AuditLog struct {
	Partition string
	Severity  audit.Severity
	Message   string
	Fields    []audit.Field
}

// proc.*: process resources.

type ProcInfo struct{ Target proc.PID }
type ProcSpawn struct {
	ModuleID   string
	EntryPoint string
	Args       []string
	Priority   proc.Priority
}
type ProcKill struct {
	Target proc.PID
	Code   int
}
type ProcSend struct {
	Dest    proc.PID
	Message wire.Message
}
type ProcReceive struct {
	// Types selects which message types match; empty matches all.
	Types     []wire.Type
	TimeoutMS int64
}

func (FSRead) Name() string      { return "fs.read" }
func (FSList) Name() string      { return "fs.list" }
func (FSStat) Name() string      { return "fs.stat" }
func (FSWrite) Name() string     { return "fs.write" }
func (FSDelete) Name() string    { return "fs.delete" }
func (NetOpen) Name() string     { return "net.open" }
func (NetClose) Name() string    { return "net.close" }
func (NetSend) Name() string     { return "net.send" }
func (NetFetch) Name() string    { return "net.fetch" }
func (DBQuery) Name() string     { return "db.query" }
func (DBExec) Name() string      { return "db.exec" }
func (DBDelete) Name() string    { return "db.delete" }
func (AuditQuery) Name() string  { return "audit.query" }
func (AuditLog) Name() string    { return "audit.log" }
func (ProcInfo) Name() string    { return "proc.info" }
func (ProcSpawn) Name() string   { return "proc.spawn" }
func (ProcKill) Name() string    { return "proc.kill" }
func (ProcSend) Name() string    { return "proc.send" }
func (ProcReceive) Name() string { return "proc.receive" }

func (FSRead) request()      {}
func (FSList) request()      {}
func (FSStat) request()      {}
func (FSWrite) request()     {}
func (FSDelete) request()    {}
func (NetOpen) request()     {}
func (NetClose) request()    {}
func (NetSend) request()     {}
func (NetFetch) request()    {}
func (DBQuery) request()     {}
func (DBExec) request()      {}
func (DBDelete) request()    {}
func (AuditQuery) request()  {}
func (AuditLog) request()    {}
func (ProcInfo) request()    {}
func (ProcSpawn) request()   {}
func (ProcKill) request()    {}
func (ProcSend) request()    {}
func (ProcReceive) request() {}

// Requirement is the capability demand a request classifies to.
type Requirement struct {
	ResourceType capability.ResourceType
	ResourcePath string
	Rights       capability.Rights
}

// Classify maps a request to its capability requirement by namespace, per
// the boundary's rights table: fs/net/db read-for-read, write-for-write,
// execute-for-delete-or-lifecycle; audit read-for-query, write-for-log;
// proc read-for-info, execute-for-spawn-and-kill.
func Classify(req Request) Requirement {
	switch r := req.(type) {
	case FSRead:
		return Requirement{capability.ResourceFile, r.Path, capability.Rights{Read: true}}
	case FSList:
		return Requirement{capability.ResourceFile, r.Path, capability.Rights{Read: true}}
	case FSStat:
		return Requirement{capability.ResourceFile, r.Path, capability.Rights{Read: true}}
	case FSWrite:
		return Requirement{capability.ResourceFile, r.Path, capability.Rights{Write: true}}
	case FSDelete:
		return Requirement{capability.ResourceFile, r.Path, capability.Rights{Execute: true}}
	case NetOpen:
		return Requirement{capability.ResourceNetwork, r.Endpoint, capability.Rights{Execute: true}}
	case NetClose:
		return Requirement{capability.ResourceNetwork, r.Endpoint, capability.Rights{Execute: true}}
	case NetSend:
		return Requirement{capability.ResourceNetwork, r.Endpoint, capability.Rights{Write: true}}
	case NetFetch:
		return Requirement{capability.ResourceNetwork, r.Endpoint, capability.Rights{Read: true, Write: true}}
	case DBQuery:
		return Requirement{capability.ResourceDatabase, r.DB, capability.Rights{Read: true}}
	case DBExec:
		return Requirement{capability.ResourceDatabase, r.DB, capability.Rights{Write: true}}
	case DBDelete:
		return Requirement{capability.ResourceDatabase, r.DB, capability.Rights{Execute: true}}
	case AuditQuery:
		return Requirement{capability.ResourceAuditLog, r.Partition, capability.Rights{Read: true}}
	case AuditLog:
		return Requirement{capability.ResourceAuditLog, r.Partition, capability.Rights{Write: true}}
	case ProcInfo:
		return Requirement{capability.ResourceProcess, "info", capability.Rights{Read: true}}
	case ProcSpawn:
		return Requirement{capability.ResourceProcess, "spawn", capability.Rights{Execute: true}}
	case ProcKill:
		return Requirement{capability.ResourceProcess, "kill", capability.Rights{Execute: true}}
	case ProcSend:
		return Requirement{capability.ResourceProcess, "ipc", capability.Rights{Write: true}}
	case ProcReceive:
		return Requirement{capability.ResourceProcess, "ipc", capability.Rights{Read: true}}
	}
	// Unreachable while the union stays closed.
	return Requirement{}
}
