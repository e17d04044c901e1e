package mailbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
	"github.com/Mindburn-Labs/keel/pkg/tsa"
	"github.com/Mindburn-Labs/keel/pkg/wire"
)

func newRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(tsa.NewAuthority("node-test"))
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := newRouter(t)
	_, err := r.Register(1, DefaultCapacity, NotifySender)
	require.NoError(t, err)

	_, err = r.Register(1, DefaultCapacity, NotifySender)
	assert.Equal(t, kernelerr.CodeInvalidState, kernelerr.CodeOf(err))
}

func TestSendStampsPerChannelSequence(t *testing.T) {
	r := newRouter(t)
	box, err := r.Register(3, DefaultCapacity, NotifySender)
	require.NoError(t, err)

	require.NoError(t, r.Send(context.Background(), 1, 3, wire.Message{Header: wire.Header{Type: wire.TypeUserBase}}))
	require.NoError(t, r.Send(context.Background(), 2, 3, wire.Message{Header: wire.Header{Type: wire.TypeUserBase}}))
	require.NoError(t, r.Send(context.Background(), 1, 3, wire.Message{Header: wire.Header{Type: wire.TypeUserBase}}))

	var fromOne, fromTwo []uint64
	for i := 0; i < 3; i++ {
		msg, ok := box.TryReceive(nil)
		require.True(t, ok)
		switch msg.Header.Source {
		case 1:
			fromOne = append(fromOne, msg.Header.Sequence)
		case 2:
			fromTwo = append(fromTwo, msg.Header.Sequence)
		}
		assert.Equal(t, proc.PID(3), msg.Header.Dest)
		assert.NotZero(t, msg.Header.Monotonic)
	}
	assert.Equal(t, []uint64{1, 2}, fromOne)
	assert.Equal(t, []uint64{1}, fromTwo)
}

func TestSequenceAdvancesAcrossDrops(t *testing.T) {
	r := newRouter(t)
	_, err := r.Register(2, 1, NotifySender)
	require.NoError(t, err)

	require.NoError(t, r.Send(context.Background(), 1, 2, wire.Message{}))
	err = r.Send(context.Background(), 1, 2, wire.Message{})
	assert.Equal(t, kernelerr.CodeMailboxFull, kernelerr.CodeOf(err))

	box, _ := r.Mailbox(2)
	_, ok := box.TryReceive(nil)
	require.True(t, ok)

	// The dropped send consumed sequence 2; the next delivery shows the gap.
	require.NoError(t, r.Send(context.Background(), 1, 2, wire.Message{}))
	msg, ok := box.TryReceive(nil)
	require.True(t, ok)
	assert.Equal(t, uint64(3), msg.Header.Sequence)
}

func TestSendToUnknownDest(t *testing.T) {
	r := newRouter(t)
	err := r.Send(context.Background(), 1, 99, wire.Message{})
	assert.Equal(t, kernelerr.CodeUnknownDest, kernelerr.CodeOf(err))
}

func TestUnregisterClosesMailbox(t *testing.T) {
	r := newRouter(t)
	box, err := r.Register(1, DefaultCapacity, NotifySender)
	require.NoError(t, err)

	r.Unregister(1)
	err = box.Put(context.Background(), wire.Message{})
	assert.Equal(t, kernelerr.CodeDeliveryFailed, kernelerr.CodeOf(err))

	_, ok := r.Mailbox(1)
	assert.False(t, ok)
}

func TestResetChannelsStartsSequencesFresh(t *testing.T) {
	r := newRouter(t)
	_, err := r.Register(2, DefaultCapacity, NotifySender)
	require.NoError(t, err)

	require.NoError(t, r.Send(context.Background(), 1, 2, wire.Message{}))
	r.Unregister(2)
	r.ResetChannels(2)

	box, err := r.Register(2, DefaultCapacity, NotifySender)
	require.NoError(t, err)
	require.NoError(t, r.Send(context.Background(), 1, 2, wire.Message{}))

	msg, ok := box.TryReceive(nil)
	require.True(t, ok)
	assert.Equal(t, uint64(1), msg.Header.Sequence)
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, DefaultCapacity, CapacityFor(proc.PriorityNormal))
	assert.Equal(t, HighPriorityCapacity, CapacityFor(proc.PriorityHigh))
	assert.Equal(t, HighPriorityCapacity, CapacityFor(proc.PriorityRealtime))
	assert.Equal(t, SystemCapacity, CapacityFor(proc.PrioritySystem))
}

func TestBroadcastSkipsSource(t *testing.T) {
	r := newRouter(t)
	_, err := r.Register(1, DefaultCapacity, NotifySender)
	require.NoError(t, err)
	b2, err := r.Register(2, DefaultCapacity, NotifySender)
	require.NoError(t, err)
	b3, err := r.Register(3, DefaultCapacity, NotifySender)
	require.NoError(t, err)

	n := r.Broadcast(context.Background(), 1, wire.Message{Header: wire.Header{Type: wire.TypeShutdown}})
	assert.Equal(t, 2, n)

	box1, _ := r.Mailbox(1)
	assert.Equal(t, 0, box1.Depth())
	assert.Equal(t, 1, b2.Depth())
	assert.Equal(t, 1, b3.Depth())
}
