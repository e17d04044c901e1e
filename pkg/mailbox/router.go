package mailbox

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
	"github.com/Mindburn-Labs/keel/pkg/wire"
)

type channelKey struct {
	src proc.PID
	dst proc.PID
}

// Router owns the mailbox of every registered process and delivers framed
// messages between them. Each (source, dest) pair is an ordered channel: the
// router stamps a strictly increasing sequence number per pair, so a receiver
// observing a gap knows a message was dropped, not reordered.
type Router struct {
	mu    sync.Mutex
	boxes map[proc.PID]*Mailbox
	seqs  map[channelKey]uint64

	authority *tsa.Authority
	logger    *slog.Logger
}

// NewRouter creates a router stamping timestamps from the given authority.
func NewRouter(authority *tsa.Authority) *Router {
	return &Router{
		boxes:     make(map[proc.PID]*Mailbox),
		seqs:      make(map[channelKey]uint64),
		authority: authority,
		logger:    slog.Default().With("component", "router"),
	}
}

// Register creates and attaches a mailbox for pid. Registering an existing
// pid is an error; the previous mailbox must be unregistered first.
func (r *Router) Register(pid proc.PID, capacity int, policy OverflowPolicy) (*Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boxes[pid]; ok {
		return nil, kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryLogic,
			"pid %d already has a mailbox", pid)
	}
	box := New(capacity, policy)
	r.boxes[pid] = box
	return box, nil
}

// CapacityFor returns the standard capacity for a process priority.
func CapacityFor(prio proc.Priority) int {
	switch {
	case prio >= proc.PrioritySystem:
		return SystemCapacity
	case prio >= proc.PriorityHigh:
		return HighPriorityCapacity
	default:
		return DefaultCapacity
	}
}

// Unregister closes and detaches pid's mailbox. Channel sequence state for
// the pid is retained so a reused PID slot starts from fresh sequences only
// after ResetChannels.
func (r *Router) Unregister(pid proc.PID) {
	r.mu.Lock()
	box := r.boxes[pid]
	delete(r.boxes, pid)
	r.mu.Unlock()
	if box != nil {
		box.Close()
	}
}

// ResetChannels clears sequence state touching pid, for slot reuse.
func (r *Router) ResetChannels(pid proc.PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.seqs {
		if key.src == pid || key.dst == pid {
			delete(r.seqs, key)
		}
	}
}

// Mailbox returns the mailbox registered for pid.
func (r *Router) Mailbox(pid proc.PID) (*Mailbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.boxes[pid]
	return box, ok
}

// Send stamps the message with the next channel sequence and an attested
// monotonic timestamp, then enqueues it on the destination mailbox. The
// sequence advances even when the destination drops the message; gaps are
// the receiver's evidence of loss.
func (r *Router) Send(ctx context.Context, src, dst proc.PID, msg wire.Message) error {
	r.mu.Lock()
	box, ok := r.boxes[dst]
	if !ok {
		r.mu.Unlock()
		return kernelerr.New(kernelerr.CodeUnknownDest, kernelerr.CategoryUser,
			"no mailbox for pid %d", dst)
	}
	key := channelKey{src: src, dst: dst}
	r.seqs[key]++
	seq := r.seqs[key]
	r.mu.Unlock()

	ts := r.authority.Now()
	msg.Header.Source = src
	msg.Header.Dest = dst
	msg.Header.Sequence = seq
	msg.Header.Monotonic = ts.Monotonic
	msg.Header.PayloadLen = uint32(len(msg.Payload))

	if err := box.Put(ctx, msg); err != nil {
		r.logger.Warn("delivery failed",
			"src", src, "dst", dst, "seq", seq, "type", msg.Header.Type.String(), "error", err)
		return err
	}
	return nil
}

// Broadcast sends the message from src to every registered mailbox except
// src's own. Per-destination failures are logged and counted, not fatal.
func (r *Router) Broadcast(ctx context.Context, src proc.PID, msg wire.Message) int {
	r.mu.Lock()
	dests := make([]proc.PID, 0, len(r.boxes))
	for pid := range r.boxes {
		if pid != src {
			dests = append(dests, pid)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, dst := range dests {
		if err := r.Send(ctx, src, dst, msg); err == nil {
			delivered++
		}
	}
	return delivered
}
