package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// recorder collects delivered envelopes.
type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) Handle(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, e := range r.envs {
		out = append(out, e.Subject)
	}
	return out
}

func publish(t *testing.T, bus Bus, subject string, workflowID uint64) Envelope {
	t.Helper()
	env := &Envelope{Subject: subject, Type: TypeTransitionFired, WorkflowID: workflowID, Data: map[string]interface{}{"n": "1"}}
	require.NoError(t, bus.Publish(context.Background(), env))
	require.NotEmpty(t, env.ID)
	require.NotEmpty(t, env.Seq)
	require.NotZero(t, env.Timestamp)
	return *env
}

// runBusSuite exercises the behavior both bus implementations share.
func runBusSuite(t *testing.T, newBus func(t *testing.T) Bus) {
	t.Run("ephemeral subscriber sees new matching messages", func(t *testing.T) {
		bus := newBus(t)
		ctx := context.Background()
		publish(t, bus, "event.1", 1)

		rec := &recorder{}
		sub, err := bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>"}, rec)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		publish(t, bus, "state.1", 1)
		publish(t, bus, "event.2", 2)
		assert.Eventually(t, func() bool { return rec.Len() == 1 }, waitFor, tick)
		assert.Equal(t, []string{"event.2"}, rec.Subjects())
	})

	t.Run("durable group replays retained messages and resumes", func(t *testing.T) {
		bus := newBus(t)
		ctx := context.Background()
		publish(t, bus, "event.1", 1)
		publish(t, bus, "event.2", 2)

		rec := &recorder{}
		sub, err := bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>", Group: "engine"}, rec)
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return rec.Len() == 2 }, waitFor, tick)
		require.NoError(t, sub.Unsubscribe())

		publish(t, bus, "event.3", 3)
		again := &recorder{}
		sub, err = bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>", Group: "engine"}, again)
		require.NoError(t, err)
		defer sub.Unsubscribe()
		assert.Eventually(t, func() bool { return again.Len() == 1 }, waitFor, tick)
		assert.Equal(t, []string{"event.3"}, again.Subjects())
	})

	t.Run("queue group members share work", func(t *testing.T) {
		bus := newBus(t)
		ctx := context.Background()

		var mu sync.Mutex
		seen := make(map[string]int)
		handler := HandlerFunc(func(ctx context.Context, env Envelope) error {
			mu.Lock()
			seen[env.ID]++
			mu.Unlock()
			return nil
		})
		for _, member := range []string{"r0", "r1"} {
			sub, err := bus.Subscribe(ctx, SubscribeOptions{Filter: "function.review", Group: "reviewers", Consumer: member}, handler)
			require.NoError(t, err)
			defer sub.Unsubscribe()
		}
		for i := 0; i < 10; i++ {
			publish(t, bus, "function.review", uint64(i+1))
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 10
		}, waitFor, tick)
		mu.Lock()
		defer mu.Unlock()
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})

	t.Run("failed handler is redelivered", func(t *testing.T) {
		bus := newBus(t)
		ctx := context.Background()

		var calls int32
		var attempts []int
		var mu sync.Mutex
		handler := HandlerFunc(func(ctx context.Context, env Envelope) error {
			mu.Lock()
			attempts = append(attempts, env.Attempt)
			mu.Unlock()
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		sub, err := bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>", Group: "retry", MaxDeliver: 3, RetryDelay: time.Millisecond}, handler)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		publish(t, bus, "event.5", 5)
		assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, waitFor, tick)

		errs, err := bus.Replay(ctx, "error.>")
		require.NoError(t, err)
		assert.Empty(t, errs)
		mu.Lock()
		assert.Equal(t, []int{1, 2, 3}, attempts)
		mu.Unlock()
	})

	t.Run("exhausted message is dead-lettered and consumer continues", func(t *testing.T) {
		bus := newBus(t)
		ctx := context.Background()

		rec := &recorder{}
		handler := HandlerFunc(func(ctx context.Context, env Envelope) error {
			if env.WorkflowID == 6 {
				return errors.New("poison")
			}
			return rec.Handle(ctx, env)
		})
		sub, err := bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>", Group: "dlq", MaxDeliver: 2, RetryDelay: time.Millisecond}, handler)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		publish(t, bus, "event.6", 6)
		publish(t, bus, "event.7", 7)
		assert.Eventually(t, func() bool { return rec.Len() == 1 }, waitFor, tick)

		var dead []Envelope
		assert.Eventually(t, func() bool {
			dead, err = bus.Replay(ctx, "error.6")
			return err == nil && len(dead) == 1
		}, waitFor, tick)
		payload, err := DecodeErrorPayload(dead[0].Data)
		require.NoError(t, err)
		assert.Equal(t, KindDeadLetter, payload.Kind)
		assert.Contains(t, payload.Error, "poison")
		assert.Equal(t, "event.6", payload.OriginalMessage["subject"])
	})

	t.Run("replay filters and orders", func(t *testing.T) {
		bus := newBus(t)
		ctx := context.Background()
		publish(t, bus, "workflow.created", 1)
		publish(t, bus, "event.1", 1)
		publish(t, bus, "state.1", 1)
		publish(t, bus, "event.2", 2)

		got, err := bus.Replay(ctx, "event.>")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "event.1", got[0].Subject)
		assert.Equal(t, "1", got[0].Data["n"])

		got, err = bus.Replay(ctx, "*.1")
		require.NoError(t, err)
		assert.Len(t, got, 2)

		_, err = bus.Replay(ctx, "bogus.>")
		assert.ErrorIs(t, err, ErrSubscribe)
	})

	t.Run("rejects unknown subjects and closed bus", func(t *testing.T) {
		bus := newBus(t)
		ctx := context.Background()
		err := bus.Publish(ctx, &Envelope{Subject: "metrics.cpu"})
		assert.ErrorIs(t, err, ErrPublish)

		_, err = bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>"}, nil)
		assert.ErrorIs(t, err, ErrSubscribe)

		require.NoError(t, bus.Close())
		assert.ErrorIs(t, bus.Publish(ctx, &Envelope{Subject: "event.1"}), ErrBusClosed)
		_, err = bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>"}, &recorder{})
		assert.ErrorIs(t, err, ErrBusClosed)
	})
}

func TestMemoryBus(t *testing.T) {
	runBusSuite(t, func(t *testing.T) Bus {
		bus := NewMemoryBus()
		t.Cleanup(func() { _ = bus.Close() })
		return bus
	})
}

func TestMemoryBusGroupFilterConflict(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, SubscribeOptions{Filter: "event.>", Group: "g"}, &recorder{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = bus.Subscribe(ctx, SubscribeOptions{Filter: "state.>", Group: "g"}, &recorder{})
	assert.ErrorIs(t, err, ErrSubscribe)
}

func TestMemoryBusErrorHandler(t *testing.T) {
	var handled int32
	bus := NewMemoryBus(WithErrorHandler(func(env Envelope, err error) {
		atomic.AddInt32(&handled, 1)
	}))
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, SubscribeOptions{Filter: "error.>", MaxDeliver: 1}, HandlerFunc(func(ctx context.Context, env Envelope) error {
		panic("handler bug")
	}))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, &Envelope{Subject: "error.1", WorkflowID: 1}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 1 }, waitFor, tick)

	// Failures on the error stream are not dead-lettered again.
	time.Sleep(20 * time.Millisecond)
	all, err := bus.Replay(ctx, "error.>")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
