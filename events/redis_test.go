package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T, opts ...Option) (*RedisBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]Option{WithKeyPrefix("test:"), WithBlock(50 * time.Millisecond)}, opts...)
	bus := NewRedisBus(client, opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, client
}

func TestRedisBus(t *testing.T) {
	runBusSuite(t, func(t *testing.T) Bus {
		bus, _ := newTestRedisBus(t)
		return bus
	})
}

func TestRedisBusStreamLayout(t *testing.T) {
	bus, client := newTestRedisBus(t)
	ctx := context.Background()

	env := publish(t, bus, "function.review", 3)

	n, err := client.XLen(ctx, "test:stream:FUNCTIONS").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := client.XRange(ctx, "test:stream:FUNCTIONS", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.Seq, msgs[0].ID)
	assert.Equal(t, "function.review", msgs[0].Values["subject"])

	decoded, err := decodeMessage(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, uint64(3), decoded.WorkflowID)
}

func TestRedisBusRedeliversPendingAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisBus(client, WithKeyPrefix("test:"), WithBlock(50*time.Millisecond))
	var started int32
	sub, err := first.Subscribe(ctx, SubscribeOptions{Filter: "event.>", Group: "engine"}, HandlerFunc(func(ctx context.Context, env Envelope) error {
		atomic.StoreInt32(&started, 1)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, err)
	require.NoError(t, first.Publish(ctx, &Envelope{Subject: "event.1", WorkflowID: 1}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, waitFor, tick)

	// Stopping mid-delivery leaves the entry pending in the group.
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, first.Close())

	second := NewRedisBus(client, WithKeyPrefix("test:"), WithBlock(50*time.Millisecond))
	defer second.Close()
	rec := &recorder{}
	sub, err = second.Subscribe(ctx, SubscribeOptions{Filter: "event.>", Group: "engine"}, rec)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Eventually(t, func() bool { return rec.Len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"event.1"}, rec.Subjects())
}

func TestRedisBusPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	bus := NewRedisBus(client)
	defer bus.Close()

	mr.Close()
	err := bus.Publish(context.Background(), &Envelope{Subject: "event.1"})
	assert.True(t, errors.Is(err, ErrPublish))
}
