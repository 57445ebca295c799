package redisstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/queue"
)

func newTestBroker(t *testing.T, partitions int, claimIdle time.Duration) (*miniredis.Miniredis, *Broker) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	b, err := New(context.Background(), Config{
		Addr:       s.Addr(),
		Partitions: partitions,
		ClaimIdle:  claimIdle,
		Block:      50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return s, b
}

func TestBrokerRoundTrip(t *testing.T) {
	t.Parallel()

	_, b := newTestBroker(t, 1, 0)
	ctx := context.Background()
	sub := pipeline.Subscription{Topic: "tasks", Group: "scrapers", Consumer: "c0", Partitions: []int{0}}

	require.NoError(t, b.Publish(ctx, "tasks", "https://a", []byte(`{"url":"https://a"}`)))

	pending, err := b.PendingCount(ctx, "tasks", "scrapers")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	d, err := b.Consume(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, "https://a", d.Key)
	require.JSONEq(t, `{"url":"https://a"}`, string(d.Value))
	require.Equal(t, 0, d.Partition)

	pending, err = b.PendingCount(ctx, "tasks", "scrapers")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending, "delivered but unacked still counts")

	require.NoError(t, b.Ack(ctx, sub, d))
	pending, err = b.PendingCount(ctx, "tasks", "scrapers")
	require.NoError(t, err)
	require.EqualValues(t, 0, pending)
}

func TestBrokerOrderingWithinPartition(t *testing.T) {
	t.Parallel()

	_, b := newTestBroker(t, 1, 0)
	ctx := context.Background()
	sub := pipeline.Subscription{Topic: "tasks", Group: "g", Consumer: "c0", Partitions: []int{0}}

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "tasks", "https://a", []byte(fmt.Sprintf("m%d", i))))
	}
	for i := 0; i < 4; i++ {
		d, err := b.Consume(ctx, sub)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("m%d", i), string(d.Value))
		require.NoError(t, b.Ack(ctx, sub, d))
	}
}

func TestBrokerPendingCountsHistoryForNewGroup(t *testing.T) {
	t.Parallel()

	_, b := newTestBroker(t, 2, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "tasks", fmt.Sprintf("https://u%d", i), []byte("x")))
	}

	pending, err := b.PendingCount(ctx, "tasks", "never-read")
	require.NoError(t, err)
	require.EqualValues(t, 5, pending)
}

func TestBrokerClaimsStalledDeliveries(t *testing.T) {
	t.Parallel()

	s, b := newTestBroker(t, 1, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "tasks", "https://a", []byte("orphan")))

	crashed := pipeline.Subscription{Topic: "tasks", Group: "g", Consumer: "crashed", Partitions: []int{0}}
	d, err := b.Consume(ctx, crashed)
	require.NoError(t, err)
	require.Equal(t, "orphan", string(d.Value))
	// No ack: the worker died. Age the pending entry past the claim window.
	s.FastForward(200 * time.Millisecond)

	successor := pipeline.Subscription{Topic: "tasks", Group: "g", Consumer: "successor", Partitions: []int{0}}
	claimed, err := b.Consume(ctx, successor)
	require.NoError(t, err)
	require.Equal(t, d.ID, claimed.ID)
	require.Equal(t, "orphan", string(claimed.Value))

	require.NoError(t, b.Ack(ctx, successor, claimed))
	pending, err := b.PendingCount(ctx, "tasks", "g")
	require.NoError(t, err)
	require.EqualValues(t, 0, pending)
}

func TestBrokerAckIdempotent(t *testing.T) {
	t.Parallel()

	_, b := newTestBroker(t, 1, 0)
	ctx := context.Background()
	sub := pipeline.Subscription{Topic: "tasks", Group: "g", Consumer: "c", Partitions: []int{0}}

	require.NoError(t, b.Publish(ctx, "tasks", "https://a", []byte("x")))
	d, err := b.Consume(ctx, sub)
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, sub, d))
	require.NoError(t, b.Ack(ctx, sub, d))

	pending, err := b.PendingCount(ctx, "tasks", "g")
	require.NoError(t, err)
	require.EqualValues(t, 0, pending, "double ack must not drive the counter negative")
}

func TestBrokerStaticAssignment(t *testing.T) {
	t.Parallel()

	const parts = 4
	_, b := newTestBroker(t, parts, 0)
	ctx := context.Background()

	keyA := "https://stats.example.com/a"
	p := queue.PartitionFor(keyA, parts)
	var keyB string
	var q int
	for i := 0; ; i++ {
		keyB = fmt.Sprintf("https://stats.example.com/b%d", i)
		if q = queue.PartitionFor(keyB, parts); q != p {
			break
		}
	}

	require.NoError(t, b.Publish(ctx, "tasks", keyA, []byte("for-a")))
	require.NoError(t, b.Publish(ctx, "tasks", keyB, []byte("for-b")))

	subA := pipeline.Subscription{Topic: "tasks", Group: "g", Consumer: "a", Partitions: []int{p}}
	d, err := b.Consume(ctx, subA)
	require.NoError(t, err)
	require.Equal(t, "for-a", string(d.Value))
	require.Equal(t, p, d.Partition)
	require.NoError(t, b.Ack(ctx, subA, d))

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = b.Consume(waitCtx, subA)
	require.Error(t, err, "consumer must not read partitions it does not own")

	subB := pipeline.Subscription{Topic: "tasks", Group: "g", Consumer: "b", Partitions: []int{q}}
	d, err = b.Consume(ctx, subB)
	require.NoError(t, err)
	require.Equal(t, "for-b", string(d.Value))
	require.Equal(t, q, d.Partition)
}

func TestBrokerConsumeHonorsContext(t *testing.T) {
	t.Parallel()

	_, b := newTestBroker(t, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Consume(ctx, pipeline.Subscription{Topic: "tasks", Group: "g", Consumer: "c", Partitions: []int{0}})
	require.ErrorIs(t, err, context.Canceled)
}
