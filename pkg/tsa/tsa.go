// Package tsa implements the timestamp authority: monotonic, attested
// timestamps whose ordering is decoupled from wall-clock drift.
package tsa

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
)

// AttestedTimestamp is a timestamp bundled with a self-verifying hash over
// its own fields. The attestation detects forged or corrupted time values
// independent of ordering checks.
type AttestedTimestamp struct {
	WallNanos   int64  `json:"wall_nanos"`
	Logical     uint64 `json:"logical"`
	NodeID      string `json:"node_id"`
	Monotonic   uint64 `json:"monotonic"`
	Attestation string `json:"attestation"`
}

// Ordering is the result of comparing two attested timestamps.
type Ordering int

const (
	Lt Ordering = -1
	Eq Ordering = 0
	Gt Ordering = 1
)

// Compare orders two timestamps solely by their monotonic counters.
// Wall-clock skew never influences ordering.
func Compare(a, b AttestedTimestamp) Ordering {
	switch {
	case a.Monotonic < b.Monotonic:
		return Lt
	case a.Monotonic > b.Monotonic:
		return Gt
	default:
		return Eq
	}
}

// computeAttestation hashes the timestamp's own fields.
func computeAttestation(wallNanos int64, logical uint64, nodeID string, monotonic uint64) string {
	h, err := canonical.Hash(map[string]any{
		"wall_nanos": wallNanos,
		"logical":    logical,
		"node_id":    nodeID,
		"monotonic":  monotonic,
	})
	if err != nil {
		// The input is a map of primitives; canonicalization cannot fail.
		panic(err)
	}
	return h
}

// Validate recomputes the attestation and compares it against the stored
// value. A mismatch is reported distinctly from ordering errors.
func Validate(ts AttestedTimestamp) error {
	want := computeAttestation(ts.WallNanos, ts.Logical, ts.NodeID, ts.Monotonic)
	if want != ts.Attestation {
		return kernelerr.New(kernelerr.CodeAttestationInvalid, kernelerr.CategoryIntegrity,
			"timestamp attestation mismatch for node %s (monotonic=%d)", ts.NodeID, ts.Monotonic)
	}
	return nil
}

// CheckMonotonic verifies that curr was issued strictly after prev on the
// same node. The error reports the expected minimum counter and the actual
// value.
func CheckMonotonic(prev, curr AttestedTimestamp) error {
	if curr.Monotonic <= prev.Monotonic {
		return kernelerr.New(kernelerr.CodeMonotonicViolation, kernelerr.CategoryIntegrity,
			"monotonic counter must exceed %d, got %d", prev.Monotonic, curr.Monotonic).
			WithField("expected_min", prev.Monotonic+1).
			WithField("actual", curr.Monotonic)
	}
	return nil
}

// Authority issues attested timestamps with a strictly increasing monotonic
// counter per instance.
type Authority struct {
	mu        sync.Mutex
	nodeID    string
	logical   uint64
	monotonic uint64
	clock     func() time.Time
}

// NewAuthority creates an authority for the given node. An empty nodeID is
// replaced with a random one.
func NewAuthority(nodeID string) *Authority {
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	return &Authority{
		nodeID: nodeID,
		clock:  time.Now,
	}
}

// WithClock overrides the wall clock for deterministic testing. The
// monotonic counter is unaffected.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

// NodeID returns the authority's node identifier.
func (a *Authority) NodeID() string { return a.nodeID }

// Now issues the next attested timestamp. Successive timestamps from the
// same authority carry strictly increasing monotonic counters even when the
// wall clock stalls or jumps backwards.
func (a *Authority) Now() AttestedTimestamp {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.monotonic++
	a.logical++

	wall := a.clock().UnixNano()
	ts := AttestedTimestamp{
		WallNanos: wall,
		Logical:   a.logical,
		NodeID:    a.nodeID,
		Monotonic: a.monotonic,
	}
	ts.Attestation = computeAttestation(ts.WallNanos, ts.Logical, ts.NodeID, ts.Monotonic)
	return ts
}
