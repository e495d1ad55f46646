package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/castingclouds/circuit-breaker-sub001/events"
	"github.com/castingclouds/circuit-breaker-sub001/internal/logging"
)

// Call is one function work item.
type Call struct {
	Function   string                 `mapstructure:"function"`
	Workflow   string                 `mapstructure:"workflow"`
	Place      string                 `mapstructure:"place"`
	Attributes map[string]interface{} `mapstructure:"attributes"`
	WorkflowID uint64                 `mapstructure:"-"`
	Version    uint64                 `mapstructure:"-"`
}

// Result tells the worker what to request once the function is done. An
// empty Transition requests nothing.
type Result struct {
	Transition string
	Target     string
	Attributes map[string]interface{}
}

// WorkerFunc implements a function. A returned error makes the bus redeliver
// the call.
type WorkerFunc func(ctx context.Context, call Call) (Result, error)

// Worker consumes the work items of exactly one function as a member of a
// queue group, so several workers share the load.
type Worker struct {
	function string
	bus      events.Bus
	fn       WorkerFunc
	group    string
	consumer string
	actor    string
	logger   *slog.Logger

	maxDeliver int
	retryDelay time.Duration

	now func() time.Time

	mu  sync.Mutex
	sub events.Subscription
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets a structured logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWorkerGroup overrides the queue group, "function-<name>" by default.
func WithWorkerGroup(group string) WorkerOption {
	return func(w *Worker) {
		if group != "" {
			w.group = group
		}
	}
}

// WithConsumer names this member of the group. Reusing a name after a
// restart recovers its unacknowledged calls.
func WithConsumer(name string) WorkerOption {
	return func(w *Worker) {
		if name != "" {
			w.consumer = name
		}
	}
}

// WithWorkerDelivery sets the redelivery bounds for calls.
func WithWorkerDelivery(maxDeliver int, retryDelay time.Duration) WorkerOption {
	return func(w *Worker) {
		w.maxDeliver = maxDeliver
		w.retryDelay = retryDelay
	}
}

// NewWorker creates a worker for function.
func NewWorker(bus events.Bus, function string, fn WorkerFunc, opts ...WorkerOption) (*Worker, error) {
	if bus == nil || fn == nil {
		return nil, errors.New("bus and function are required")
	}
	if function == "" {
		return nil, errors.New("function name is required")
	}
	w := &Worker{
		function: function,
		bus:      bus,
		fn:       fn,
		group:    "function-" + function,
		consumer: function + "-" + uuid.NewString(),
		actor:    "worker:" + function,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start subscribes to the function subject.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return fmt.Errorf("worker %s already started", w.function)
	}
	sub, err := w.bus.Subscribe(ctx, events.SubscribeOptions{
		Filter:     events.FunctionSubject(w.function),
		Group:      w.group,
		Consumer:   w.consumer,
		MaxDeliver: w.maxDeliver,
		RetryDelay: w.retryDelay,
	}, events.HandlerFunc(w.handle))
	if err != nil {
		return err
	}
	w.sub = sub
	w.logger.Info("worker started", "function", w.function, "group", w.group, "consumer", w.consumer)
	return nil
}

// Stop unsubscribes and waits for the running call.
func (w *Worker) Stop() error {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// DecodeCall reads a Call out of a function envelope.
func DecodeCall(env events.Envelope) (Call, error) {
	var call Call
	if err := mapstructure.Decode(env.Data, &call); err != nil {
		return Call{}, fmt.Errorf("malformed call on %s: %w", env.Subject, err)
	}
	call.WorkflowID = env.WorkflowID
	call.Version = env.Version
	return call, nil
}

func (w *Worker) handle(ctx context.Context, env events.Envelope) error {
	call, err := DecodeCall(env)
	if err != nil {
		return w.reject(ctx, env, err)
	}
	if call.Function == "" {
		call.Function = w.function
	}

	res, err := w.fn(ctx, call)
	if err != nil {
		return err
	}
	if res.Transition == "" {
		return nil
	}

	// The request carries the version the function saw, so it is refused if
	// the instance moved meanwhile.
	_, err = PublishTransition(ctx, w.bus, call.WorkflowID, res.Transition, TransitionRequest{
		Target:     res.Target,
		Actor:      w.actor,
		Attributes: res.Attributes,
		Version:    call.Version,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", events.KindPublishFailure, err)
	}
	w.logger.Debug("function completed", "function", w.function, "instance", call.WorkflowID, "transition", res.Transition)
	return nil
}

// reject records a call that can never succeed on the error channel of its
// instance instead of retrying it.
func (w *Worker) reject(ctx context.Context, env events.Envelope, cause error) error {
	w.logger.Error("rejecting call", "function", w.function, "instance", env.WorkflowID, "kind", KindMalformedCall, "error", cause)
	payload := events.NewErrorPayload(cause, KindMalformedCall, &env, w.now())
	err := w.bus.Publish(ctx, &events.Envelope{
		Subject:    events.ErrorSubject(env.WorkflowID),
		Type:       events.TypeError,
		WorkflowID: env.WorkflowID,
		Data:       payload.Map(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", events.KindPublishFailure, err)
	}
	return nil
}
