package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/circuit-breaker-sub001/events"
)

func TestNewWorker(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()
	noop := func(ctx context.Context, call Call) (Result, error) { return Result{}, nil }

	_, err := NewWorker(nil, "triage", noop)
	assert.Error(t, err)
	_, err = NewWorker(bus, "", noop)
	assert.Error(t, err)

	w, err := NewWorker(bus, "triage", noop)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestDecodeCall(t *testing.T) {
	call, err := DecodeCall(events.Envelope{
		Subject:    "function.triage",
		WorkflowID: 4,
		Version:    3,
		Data: map[string]interface{}{
			"function":   "triage",
			"workflow":   "issue",
			"place":      "in_progress",
			"attributes": map[string]interface{}{"owner": "sam"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Call{
		Function:   "triage",
		Workflow:   "issue",
		Place:      "in_progress",
		Attributes: map[string]interface{}{"owner": "sam"},
		WorkflowID: 4,
		Version:    3,
	}, call)

	_, err = DecodeCall(events.Envelope{Data: map[string]interface{}{"place": []int{1}}})
	assert.Error(t, err)
}

func TestWorkerFailureIsDeadLettered(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	var calls int32
	w, err := NewWorker(bus, "notify", func(ctx context.Context, call Call) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{}, errors.New("smtp down")
	}, WithWorkerDelivery(3, time.Millisecond), WithWorkerGroup("mailers"), WithConsumer("mailer-1"))
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, bus.Publish(ctx, &events.Envelope{
		Subject:    events.FunctionSubject("notify"),
		Type:       events.TypeFunctionCall,
		WorkflowID: 8,
		Data:       map[string]interface{}{"function": "notify"},
	}))

	assert.Eventually(t, func() bool {
		dead, err := bus.Replay(ctx, events.ErrorSubject(8))
		return err == nil && len(dead) == 1
	}, waitFor, tick)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMalformedCallReachesErrorChannel(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	var calls int32
	w, err := NewWorker(bus, "triage", func(ctx context.Context, call Call) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{}, nil
	}, WithWorkerDelivery(3, time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, bus.Publish(ctx, &events.Envelope{
		Subject:    events.FunctionSubject("triage"),
		Type:       events.TypeFunctionCall,
		WorkflowID: 42,
		Data:       map[string]interface{}{"attributes": "x"},
	}))

	var records []events.Envelope
	assert.Eventually(t, func() bool {
		records, err = bus.Replay(ctx, events.ErrorSubject(42))
		return err == nil && len(records) == 1
	}, 3*time.Second, 10*time.Millisecond)
	payload, err := events.DecodeErrorPayload(records[0].Data)
	require.NoError(t, err)
	assert.Equal(t, KindMalformedCall, payload.Kind)
	assert.Contains(t, payload.Error, "malformed call")
	assert.Equal(t, "function.triage", payload.OriginalMessage["subject"])
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
