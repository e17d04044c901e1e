// Package audit implements the tamper-evident audit ledger: an append-only,
// hash-chained log of every dispatched syscall and lifecycle transition,
// with attested timestamps from the timestamp authority.
package audit

import (
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
)

// Severity classifies an entry's importance.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Category groups entries by the subsystem that produced them.
type Category string

const (
	CategoryLifecycle  Category = "LIFECYCLE"
	CategoryCapability Category = "CAPABILITY"
	CategorySyscall    Category = "SYSCALL"
	CategoryExecution  Category = "EXECUTION"
	CategoryTrap       Category = "TRAP"
	CategoryEscalation Category = "ESCALATION"
	CategorySystem     Category = "SYSTEM"
)

// EntryID identifies an entry by position within its partition chain.
type EntryID struct {
	Sequence  uint64 `json:"sequence"`
	Partition string `json:"partition"`
}

// Field is one ordered key/value pair attached to an entry. Fields are
// supplementary context; they do not participate in the entry hash.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Entry is one immutable record in the chain.
type Entry struct {
	ID           EntryID               `json:"id"`
	Timestamp    tsa.AttestedTimestamp `json:"timestamp"`
	Severity     Severity              `json:"severity"`
	Category     Category              `json:"category"`
	PID          proc.PID              `json:"pid,omitempty"`
	Message      string                `json:"message"`
	Fields       []Field               `json:"fields,omitempty"`
	EntryHash    string                `json:"entry_hash"`
	PreviousHash string                `json:"previous_hash"`
	ChainHash    string                `json:"chain_hash"`
}

// TamperCheck is the closed set of verification outcomes.
type TamperCheck string

const (
	TamperCheckPassed                 TamperCheck = "PASSED"
	TamperDetectedHashMismatch        TamperCheck = "HASH_MISMATCH"
	TamperDetectedChainBreak          TamperCheck = "CHAIN_BREAK"
	TamperDetectedSequenceGap         TamperCheck = "SEQUENCE_GAP"
	TamperDetectedTimestampRegression TamperCheck = "TIMESTAMP_REGRESSION"
)

// CheckResult carries a verification outcome plus diagnostic detail.
type CheckResult struct {
	Check  TamperCheck
	Detail string

	// Populated for sequence gaps.
	ExpectedSequence uint64
	ActualSequence   uint64
}

// Passed reports whether the check found no tampering.
func (r CheckResult) Passed() bool { return r.Check == TamperCheckPassed }

func passed() CheckResult { return CheckResult{Check: TamperCheckPassed} }

// ComputeEntryHash hashes the entry's identifying fields. The hash is
// deterministic and recomputable from the entry alone.
func ComputeEntryHash(id EntryID, ts tsa.AttestedTimestamp, severity Severity, message string) string {
	h, err := canonical.Hash(map[string]any{
		"id":        map[string]any{"sequence": id.Sequence, "partition": id.Partition},
		"timestamp": ts,
		"severity":  string(severity),
		"message":   message,
	})
	if err != nil {
		panic(err) // primitives only, cannot fail
	}
	return h
}

// ComputeChainHash combines an entry hash with the previous chain head.
// At genesis (previous == null hash) the chain hash equals the entry hash.
func ComputeChainHash(entryHash, previousHash string) string {
	return canonical.ChainHash(entryHash, previousHash)
}

// VerifyEntry recomputes the entry's own hashes and compares them. The entry
// hash is checked first: a corrupted entry hash reports HASH_MISMATCH, and
// a corrupted chain hash over an intact entry hash reports CHAIN_BREAK.
func VerifyEntry(e Entry) CheckResult {
	want := ComputeEntryHash(e.ID, e.Timestamp, e.Severity, e.Message)
	if want != e.EntryHash {
		return CheckResult{
			Check:  TamperDetectedHashMismatch,
			Detail: fmt.Sprintf("entry %d/%s: stored entry_hash does not match recomputation", e.ID.Sequence, e.ID.Partition),
		}
	}
	if ComputeChainHash(want, e.PreviousHash) != e.ChainHash {
		return CheckResult{
			Check:  TamperDetectedChainBreak,
			Detail: fmt.Sprintf("entry %d/%s: chain_hash does not match H(entry_hash, previous_hash)", e.ID.Sequence, e.ID.Partition),
		}
	}
	return passed()
}

// VerifyChainLink checks the three independent link invariants between two
// adjacent entries: sequence continuity, hash continuity, and timestamp
// ordering.
func VerifyChainLink(prev, curr Entry) CheckResult {
	if curr.ID.Sequence != prev.ID.Sequence+1 {
		return CheckResult{
			Check: TamperDetectedSequenceGap,
			Detail: fmt.Sprintf("partition %s: expected sequence %d, got %d",
				prev.ID.Partition, prev.ID.Sequence+1, curr.ID.Sequence),
			ExpectedSequence: prev.ID.Sequence + 1,
			ActualSequence:   curr.ID.Sequence,
		}
	}
	if prev.ChainHash != curr.PreviousHash {
		return CheckResult{
			Check: TamperDetectedChainBreak,
			Detail: fmt.Sprintf("partition %s: entry %d previous_hash does not match predecessor chain_hash",
				prev.ID.Partition, curr.ID.Sequence),
		}
	}
	if tsa.Compare(curr.Timestamp, prev.Timestamp) == tsa.Lt {
		return CheckResult{
			Check: TamperDetectedTimestampRegression,
			Detail: fmt.Sprintf("partition %s: entry %d timestamp precedes predecessor",
				prev.ID.Partition, curr.ID.Sequence),
		}
	}
	return passed()
}
