package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MemoryBus is an in-process Bus. Every published envelope is retained, so
// durable groups and Replay behave as they do on Redis within one process.
type MemoryBus struct {
	opts options

	mu     sync.Mutex
	log    []Envelope
	seq    map[string]uint64
	groups map[string]*memGroup
	signal chan struct{}
	subs   map[*memSubscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// memGroup is a shared read cursor over the log.
type memGroup struct {
	filter string
	cursor int
}

type memSubscription struct {
	bus    *MemoryBus
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts ...Option) *MemoryBus {
	return &MemoryBus{
		opts:   newOptions(opts),
		seq:    make(map[string]uint64),
		groups: make(map[string]*memGroup),
		signal: make(chan struct{}),
		subs:   make(map[*memSubscription]struct{}),
	}
}

// Publish appends env to the log and wakes subscribers.
func (b *MemoryBus) Publish(ctx context.Context, env *Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	stream := StreamFor(env.Subject)
	if stream == "" {
		return fmt.Errorf("%w: no stream for subject %q", ErrPublish, env.Subject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	env.stamp(b.opts.now())
	b.seq[stream]++
	env.Seq = strconv.FormatUint(b.seq[stream], 10)
	b.log = append(b.log, cloneEnvelope(*env))

	close(b.signal)
	b.signal = make(chan struct{})
	return nil
}

// Subscribe starts a consumer goroutine. Members of the same group share a
// cursor, so each message reaches one of them.
func (b *MemoryBus) Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error) {
	if err := ValidateFilter(opts.Filter); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrSubscribe)
	}
	opts = opts.withDefaults()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	var group *memGroup
	if opts.Group != "" {
		g, ok := b.groups[opts.Group]
		if !ok {
			g = &memGroup{filter: opts.Filter}
			b.groups[opts.Group] = g
		} else if g.filter != opts.Filter {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: group %q already consumes %q", ErrSubscribe, opts.Group, g.filter)
		}
		group = g
	} else {
		group = &memGroup{filter: opts.Filter, cursor: len(b.log)}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memSubscription{bus: b, cancel: cancel, done: make(chan struct{})}
	b.subs[sub] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(subCtx, sub, group, opts, h)
	return sub, nil
}

// next claims the next message for group, or returns a channel to wait on.
func (b *MemoryBus) next(group *memGroup) (Envelope, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for group.cursor < len(b.log) {
		env := b.log[group.cursor]
		group.cursor++
		if Match(group.filter, env.Subject) {
			return cloneEnvelope(env), true, nil
		}
	}
	return Envelope{}, false, b.signal
}

func (b *MemoryBus) consume(ctx context.Context, sub *memSubscription, group *memGroup, opts SubscribeOptions, h Handler) {
	defer b.wg.Done()
	defer close(sub.done)

	for {
		env, ok, wait := b.next(group)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}
		if !deliver(ctx, &b.opts, opts, h, env, b.Publish) {
			return
		}
	}
}

// Replay returns every retained envelope matching filter.
func (b *MemoryBus) Replay(ctx context.Context, filter string) ([]Envelope, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Envelope
	for _, env := range b.log {
		if Match(filter, env.Subject) {
			out = append(out, cloneEnvelope(env))
		}
	}
	return out, nil
}

// Close stops every consumer and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Unsubscribe implements Subscription.
func (s *memSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return nil
}

func cloneEnvelope(env Envelope) Envelope {
	if env.Data != nil {
		data := make(map[string]interface{}, len(env.Data))
		for k, v := range env.Data {
			data[k] = v
		}
		env.Data = data
	}
	return env
}
