package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/castingclouds/circuit-breaker-sub001/internal/logging"
	"github.com/castingclouds/circuit-breaker-sub001/internal/metrics"
)

var (
	// ErrBusClosed indicates the bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrPublish is the BusPublishFailure kind.
	ErrPublish = errors.New("bus publish failure")
	// ErrSubscribe is the BusSubscribeFailure kind.
	ErrSubscribe = errors.New("bus subscribe failure")
)

// Error kinds reported in ErrorPayload.Kind for transport failures.
const (
	KindPublishFailure   = "BusPublishFailure"
	KindSubscribeFailure = "BusSubscribeFailure"
	KindDeadLetter       = "DeadLetter"
)

// Handler processes one delivered envelope. A returned error triggers
// redelivery.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// SubscribeOptions describes a consumer.
type SubscribeOptions struct {
	// Filter selects subjects, e.g. "event.>" or "function.review".
	Filter string
	// Group makes the consumer durable; members of one group share the work
	// and a restarted group resumes where it left off. Empty means an
	// ephemeral consumer that only sees messages published after Subscribe.
	Group string
	// Consumer names the member within a group. Unacknowledged entries are
	// redelivered to the same name after a restart. Defaults to Group.
	Consumer string
	// MaxDeliver bounds delivery attempts before dead-lettering. Default 5.
	MaxDeliver int
	// RetryDelay is the base backoff between attempts. Default 100ms.
	RetryDelay time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// Subscription is an active consumer.
type Subscription interface {
	// Unsubscribe stops delivery and waits for the in-flight handler.
	Unsubscribe() error
}

// Bus is a durable publish/subscribe transport with at-least-once delivery.
type Bus interface {
	// Publish appends env to its subject's stream. ID, Seq and Timestamp
	// are filled in when empty.
	Publish(ctx context.Context, env *Envelope) error
	Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error)
	// Replay returns the retained envelopes matching filter in publish order.
	Replay(ctx context.Context, filter string) ([]Envelope, error)
	Close() error
}

// Option configures a bus.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	errHandler func(env Envelope, err error)
	prefix     string
	block      time.Duration
	maxLen     int64
	now        func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		logger: logging.NewNop(),
		prefix: "cb:",
		block:  time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.errHandler == nil {
		o.errHandler = o.defaultErrorHandler
	}
	return o
}

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records deliveries and dead letters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithErrorHandler sets a function called for every dead-lettered envelope.
func WithErrorHandler(handler func(env Envelope, err error)) Option {
	return func(o *options) { o.errHandler = handler }
}

// WithKeyPrefix sets the Redis key prefix. Default "cb:".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithBlock sets how long a Redis consumer blocks waiting for new entries.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithMaxLen caps each Redis stream at roughly n entries. Zero keeps all.
func WithMaxLen(n int64) Option {
	return func(o *options) { o.maxLen = n }
}

func (o *options) defaultErrorHandler(env Envelope, err error) {
	o.logger.Error("message dead-lettered",
		"subject", env.Subject,
		"type", env.Type,
		"workflow_id", env.WorkflowID,
		"attempts", env.Attempt,
		"error", err,
	)
}

// deliver runs h with bounded redelivery. It reports whether the message is
// settled (handled or dead-lettered) and may be acknowledged; false means
// ctx ended first and the message must stay pending.
func deliver(ctx context.Context, o *options, sub SubscribeOptions, h Handler, env Envelope, publish func(context.Context, *Envelope) error) bool {
	stream := env.Stream()
	var lastErr error
	for attempt := 1; attempt <= sub.MaxDeliver; attempt++ {
		env.Attempt = attempt
		err := handleSafely(ctx, h, env)
		if err == nil {
			o.metrics.ObserveDelivery(stream, "ok")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		lastErr = err
		o.metrics.ObserveDelivery(stream, "retry")
		o.logger.Debug("handler failed", "subject", env.Subject, "attempt", attempt, "error", err)
		if attempt < sub.MaxDeliver {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(sub.RetryDelay * time.Duration(attempt)):
			}
		}
	}

	o.metrics.DeadLetter(stream)
	o.errHandler(env, lastErr)
	// Errors on the error stream are not dead-lettered again.
	if stream != StreamErrors && env.WorkflowID != 0 {
		payload := NewErrorPayload(fmt.Errorf("%s: %w", KindDeadLetter, lastErr), KindDeadLetter, &env, o.now())
		payload.Backtrace = string(debug.Stack())
		dl := &Envelope{
			Subject:    ErrorSubject(env.WorkflowID),
			Type:       TypeError,
			WorkflowID: env.WorkflowID,
			Transition: env.Transition,
			Data:       payload.Map(),
		}
		if err := publish(ctx, dl); err != nil {
			o.logger.Error("failed to publish dead letter", "subject", dl.Subject, "error", err)
		}
	}
	return true
}

func handleSafely(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, env)
}
