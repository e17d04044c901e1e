// Package mailbox implements bounded per-process message queues and the
// router that stamps channel sequence numbers and delivers between them.
//
// Each mailbox holds eight FIFO lanes, one per priority hint. Delivery order
// is: higher hint first, FIFO within a lane. The bound applies to the mailbox
// as a whole; what happens at the bound is the mailbox's overflow policy.
package mailbox

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/wire"
)

// Standard capacities. Modules get the default; processes at HIGH or
// REALTIME priority get the high-priority capacity; the kernel's own
// mailbox gets the system capacity.
const (
	DefaultCapacity      = 1024
	HighPriorityCapacity = 4096
	SystemCapacity       = 16384
)

// NumLanes is the number of priority-hint lanes per mailbox.
const NumLanes = 8

// OverflowPolicy decides what a full mailbox does with an incoming message.
type OverflowPolicy string

const (
	// DropNewest discards the incoming message and counts it.
	DropNewest OverflowPolicy = "DROP_NEWEST"
	// DropOldest evicts the oldest lowest-hint message to make room.
	DropOldest OverflowPolicy = "DROP_OLDEST"
	// BlockSender parks the sender until space frees or its context ends.
	BlockSender OverflowPolicy = "BLOCK_SENDER"
	// NotifySender rejects the send with a MAILBOX_FULL error, leaving the
	// retry decision with the sender. This is the default.
	NotifySender OverflowPolicy = "NOTIFY_SENDER"
)

// Stats is a point-in-time snapshot of mailbox counters.
type Stats struct {
	Depth     int
	Capacity  int
	Delivered uint64
	Dropped   uint64
	Evicted   uint64
}

// Mailbox is a bounded priority-laned FIFO queue. All methods are safe for
// concurrent use.
type Mailbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	lanes    [NumLanes]*list.List
	depth    int
	capacity int
	policy   OverflowPolicy
	closed   bool

	delivered uint64
	dropped   uint64
	evicted   uint64
}

// New creates a mailbox with the given capacity and overflow policy. A zero
// capacity gets DefaultCapacity; an empty policy gets NotifySender.
func New(capacity int, policy OverflowPolicy) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = NotifySender
	}
	m := &Mailbox{capacity: capacity, policy: policy}
	for i := range m.lanes {
		m.lanes[i] = list.New()
	}
	m.notEmpty = sync.NewCond(&m.mu)
	m.notFull = sync.NewCond(&m.mu)
	return m
}

// Put enqueues msg, applying the overflow policy when the mailbox is full.
// Under BlockSender the context bounds how long the caller parks.
func (m *Mailbox) Put(ctx context.Context, msg wire.Message) error {
	lane := int(msg.PriorityHint)
	if lane >= NumLanes {
		lane = NumLanes - 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return kernelerr.New(kernelerr.CodeDeliveryFailed, kernelerr.CategoryResource,
			"mailbox closed")
	}

	if m.depth >= m.capacity {
		switch m.policy {
		case DropNewest:
			m.dropped++
			return nil
		case DropOldest:
			m.evictOldestLocked()
		case BlockSender:
			stop := context.AfterFunc(ctx, m.notFull.Broadcast)
			defer stop()
			for m.depth >= m.capacity && !m.closed && ctx.Err() == nil {
				m.notFull.Wait()
			}
			if err := ctx.Err(); err != nil {
				return kernelerr.Wrap(err, kernelerr.CodeDeliveryFailed, kernelerr.CategoryResource,
					"sender unblocked by context")
			}
			if m.closed {
				return kernelerr.New(kernelerr.CodeDeliveryFailed, kernelerr.CategoryResource,
					"mailbox closed")
			}
		default: // NotifySender
			return kernelerr.New(kernelerr.CodeMailboxFull, kernelerr.CategoryResource,
				"mailbox full at capacity %d", m.capacity).
				WithField("depth", m.depth)
		}
	}

	m.lanes[lane].PushBack(msg)
	m.depth++
	m.delivered++
	m.notEmpty.Broadcast()
	return nil
}

// evictOldestLocked removes the front of the lowest non-empty lane.
func (m *Mailbox) evictOldestLocked() {
	for lane := 0; lane < NumLanes; lane++ {
		if front := m.lanes[lane].Front(); front != nil {
			m.lanes[lane].Remove(front)
			m.depth--
			m.evicted++
			m.notFull.Broadcast()
			return
		}
	}
}

// Filter selects messages for a selective receive. A nil filter matches all.
type Filter func(wire.Message) bool

// TypeFilter matches messages of any of the given types.
func TypeFilter(types ...wire.Type) Filter {
	return func(msg wire.Message) bool {
		for _, t := range types {
			if msg.Header.Type == t {
				return true
			}
		}
		return false
	}
}

// FromFilter matches messages from a specific source.
func FromFilter(src uint32) Filter {
	return func(msg wire.Message) bool { return uint32(msg.Header.Source) == src }
}

// Receive dequeues the next matching message, highest hint lane first, FIFO
// within a lane. It blocks until a match arrives, timeout elapses (zero
// means wait indefinitely), or ctx ends. Non-matching messages stay queued
// in order.
func (m *Mailbox) Receive(ctx context.Context, filter Filter, timeout time.Duration) (wire.Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stop := context.AfterFunc(ctx, m.notEmpty.Broadcast)
	defer stop()

	for {
		if msg, ok := m.takeLocked(filter); ok {
			return msg, nil
		}
		if m.closed {
			return wire.Message{}, kernelerr.New(kernelerr.CodeDeliveryFailed, kernelerr.CategoryResource,
				"mailbox closed")
		}
		if err := ctx.Err(); err != nil {
			if timeout > 0 && !time.Now().Before(deadline) {
				return wire.Message{}, kernelerr.New(kernelerr.CodeReceiveTimeout, kernelerr.CategoryResource,
					"no matching message within %s", timeout)
			}
			return wire.Message{}, kernelerr.Wrap(err, kernelerr.CodeReceiveTimeout, kernelerr.CategoryResource,
				"receive interrupted")
		}
		m.notEmpty.Wait()
	}
}

// TryReceive dequeues the next matching message without blocking.
func (m *Mailbox) TryReceive(filter Filter) (wire.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeLocked(filter)
}

func (m *Mailbox) takeLocked(filter Filter) (wire.Message, bool) {
	for lane := NumLanes - 1; lane >= 0; lane-- {
		for el := m.lanes[lane].Front(); el != nil; el = el.Next() {
			msg := el.Value.(wire.Message)
			if filter != nil && !filter(msg) {
				continue
			}
			m.lanes[lane].Remove(el)
			m.depth--
			m.notFull.Broadcast()
			return msg, true
		}
	}
	return wire.Message{}, false
}

// Close marks the mailbox closed and wakes all waiters. Queued messages are
// discarded.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for i := range m.lanes {
		m.lanes[i].Init()
	}
	m.depth = 0
	m.notEmpty.Broadcast()
	m.notFull.Broadcast()
}

// Depth returns the number of queued messages.
func (m *Mailbox) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// Stats returns a snapshot of the mailbox counters.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Depth:     m.depth,
		Capacity:  m.capacity,
		Delivered: m.delivered,
		Dropped:   m.dropped,
		Evicted:   m.evicted,
	}
}
