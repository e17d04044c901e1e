package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
)

// LinearHashChain is the sole mutable pointer into the otherwise immutable
// entry sequence.
type LinearHashChain struct {
	HeadHash string `json:"head_hash"`
	Sequence uint64 `json:"sequence"`
	Length   uint64 `json:"length"`
}

// Sink receives every appended entry for durable storage. Appends succeed
// even when the sink fails; persistence errors are logged, never dropped
// silently into the chain.
type Sink interface {
	Persist(ctx context.Context, e Entry) error
}

// ReviewMark flags a chain segment for human review after an integrity
// error. The ledger never attempts silent repair.
type ReviewMark struct {
	Partition     string      `json:"partition"`
	FromSequence  uint64      `json:"from_sequence"`
	ToSequence    uint64      `json:"to_sequence"`
	Reason        string      `json:"reason"`
	TamperOutcome TamperCheck `json:"tamper_outcome"`
}

// Ledger is one partition's append-only chain with a single serializing
// writer. Partitions are independent chains that are never interleaved.
type Ledger struct {
	mu        sync.RWMutex
	partition string
	entries   []Entry
	chain     LinearHashChain
	authority *tsa.Authority
	sink      Sink
	marks     []ReviewMark
	logger    *slog.Logger
}

// NewLedger creates an empty chain for the given partition.
func NewLedger(partition string, authority *tsa.Authority) *Ledger {
	return &Ledger{
		partition: partition,
		entries:   make([]Entry, 0),
		chain:     LinearHashChain{HeadHash: canonical.NullHash},
		authority: authority,
		logger:    slog.Default().With("component", "audit", "partition", partition),
	}
}

// WithSink attaches a persistence sink.
func (l *Ledger) WithSink(s Sink) *Ledger {
	l.sink = s
	return l
}

// Append creates the next entry in the chain. The write is serialized:
// sequence advances by exactly one and the head moves to the new chain
// hash atomically under the ledger lock.
func (l *Ledger) Append(ctx context.Context, severity Severity, category Category, pid proc.PID, message string, fields ...Field) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.chain.Sequence + 1
	id := EntryID{Sequence: seq, Partition: l.partition}
	ts := l.authority.Now()

	entryHash := ComputeEntryHash(id, ts, severity, message)
	prev := l.chain.HeadHash
	chainHash := ComputeChainHash(entryHash, prev)

	e := Entry{
		ID:           id,
		Timestamp:    ts,
		Severity:     severity,
		Category:     category,
		PID:          pid,
		Message:      message,
		Fields:       fields,
		EntryHash:    entryHash,
		PreviousHash: prev,
		ChainHash:    chainHash,
	}

	l.entries = append(l.entries, e)
	l.chain = LinearHashChain{
		HeadHash: chainHash,
		Sequence: seq,
		Length:   l.chain.Length + 1,
	}

	if l.sink != nil {
		if err := l.sink.Persist(ctx, e); err != nil {
			l.logger.Error("audit sink persist failed", "sequence", seq, "error", err)
		}
	}
	return e
}

// Chain returns the current head pointer.
func (l *Ledger) Chain() LinearHashChain {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain
}

// Get retrieves an entry by sequence number (1-based).
func (l *Ledger) Get(seq uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[seq-1], true
}

// Entries returns a copy of the full chain.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the whole chain, checking each entry and each link. The
// first failing check is returned; on an integrity failure the surrounding
// segment is marked for human review.
func (l *Ledger) Verify() CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if res := VerifyEntry(e); !res.Passed() {
			l.markLocked(e.ID.Sequence, res)
			return res
		}
		if i > 0 {
			if res := VerifyChainLink(l.entries[i-1], e); !res.Passed() {
				l.markLocked(e.ID.Sequence, res)
				return res
			}
		}
	}
	return passed()
}

// markLocked records a review mark around a failed sequence. Caller holds
// the write lock.
func (l *Ledger) markLocked(seq uint64, res CheckResult) {
	from := uint64(1)
	if seq > 2 {
		from = seq - 2
	}
	to := seq + 2
	if max := uint64(len(l.entries)); to > max {
		to = max
	}
	mark := ReviewMark{
		Partition:     l.partition,
		FromSequence:  from,
		ToSequence:    to,
		Reason:        res.Detail,
		TamperOutcome: res.Check,
	}
	l.marks = append(l.marks, mark)
	l.logger.Error("audit chain segment marked for review",
		"from", from, "to", to, "outcome", string(res.Check))
}

// ReviewMarks returns the segments flagged for human review.
func (l *Ledger) ReviewMarks() []ReviewMark {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ReviewMark, len(l.marks))
	copy(out, l.marks)
	return out
}

// Log multiplexes independent per-partition chains. Concurrent appenders
// to different partitions never interleave hashes.
type Log struct {
	mu        sync.Mutex
	authority *tsa.Authority
	sink      Sink
	ledgers   map[string]*Ledger
}

// NewLog creates a partitioned audit log.
func NewLog(authority *tsa.Authority) *Log {
	return &Log{
		authority: authority,
		ledgers:   make(map[string]*Ledger),
	}
}

// WithSink attaches a sink inherited by every partition ledger.
func (g *Log) WithSink(s Sink) *Log {
	g.sink = s
	return g
}

// Partitions lists the partition names created so far.
func (g *Log) Partitions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.ledgers))
	for name := range g.ledgers {
		out = append(out, name)
	}
	return out
}

// Partition returns the ledger for a partition, creating it on first use.
func (g *Log) Partition(name string) *Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.ledgers[name]
	if !ok {
		l = NewLedger(name, g.authority)
		if g.sink != nil {
			l = l.WithSink(g.sink)
		}
		g.ledgers[name] = l
	}
	return l
}
