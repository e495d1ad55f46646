package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisBus is a Bus backed by Redis Streams. Each stream is one key; durable
// groups are Redis consumer groups, so unacknowledged entries survive a
// restart and are redelivered to the same consumer name.
type RedisBus struct {
	client *redis.Client
	opts   options

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

type redisSubscription struct {
	bus       *RedisBus
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	ephemeral string
	keys      []string
}

// NewRedisBus creates a bus on an existing client.
func NewRedisBus(client *redis.Client, opts ...Option) *RedisBus {
	return &RedisBus{
		client: client,
		opts:   newOptions(opts),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) streamKey(stream string) string {
	return b.opts.prefix + "stream:" + stream
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish appends env to its stream with XADD. Seq is the entry id.
func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	stream := StreamFor(env.Subject)
	if stream == "" {
		return fmt.Errorf("%w: no stream for subject %q", ErrPublish, env.Subject)
	}
	env.stamp(b.opts.now())
	env.Seq = ""
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}

	args := &redis.XAddArgs{
		Stream: b.streamKey(stream),
		Values: map[string]interface{}{"subject": env.Subject, "envelope": string(data)},
	}
	if b.opts.maxLen > 0 {
		args.MaxLen = b.opts.maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	env.Seq = id
	return nil
}

func decodeMessage(msg redis.XMessage) (Envelope, error) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("entry %s has no envelope", msg.ID)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	env.Seq = msg.ID
	return env, nil
}

// Subscribe creates (or joins) a consumer group on every stream the filter
// can match and starts reading. A durable group starts from the beginning
// of the retained streams; an ephemeral one only sees new entries.
func (b *RedisBus) Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error) {
	if err := ValidateFilter(opts.Filter); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrSubscribe)
	}
	if b.isClosed() {
		return nil, ErrBusClosed
	}
	opts = opts.withDefaults()

	group, start, ephemeral := opts.Group, "0", ""
	if group == "" {
		ephemeral = "ephemeral-" + uuid.NewString()
		group, start = ephemeral, "$"
	}
	consumer := opts.Consumer
	if consumer == "" {
		consumer = group
	}

	var keys []string
	for _, stream := range streamsFor(opts.Filter) {
		key := b.streamKey(stream)
		err := b.client.XGroupCreateMkStream(ctx, key, group, start).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("%w: create group %s on %s: %v", ErrSubscribe, group, key, err)
		}
		keys = append(keys, key)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{bus: b, cancel: cancel, done: make(chan struct{}), ephemeral: ephemeral, keys: keys}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(subCtx, sub, group, consumer, opts, h)
	return sub, nil
}

func (b *RedisBus) consume(ctx context.Context, sub *redisSubscription, group, consumer string, opts SubscribeOptions, h Handler) {
	defer b.wg.Done()
	defer close(sub.done)

	// Entries delivered before a crash and never acked come first.
	pending := true
	for ctx.Err() == nil {
		ids := make([]string, 0, 2*len(sub.keys))
		ids = append(ids, sub.keys...)
		block := b.opts.block
		for range sub.keys {
			if pending {
				ids = append(ids, "0")
			} else {
				ids = append(ids, ">")
			}
		}
		if pending {
			block = -1
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  ids,
			Count:    16,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				pending = false
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.opts.logger.Warn("stream read failed", "group", group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.RetryDelay):
			}
			continue
		}

		read := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				read++
				if !b.handle(ctx, stream.Stream, group, msg, opts, h) {
					return
				}
			}
		}
		if pending && read == 0 {
			pending = false
		}
	}
}

// handle delivers one entry and acks it once settled.
func (b *RedisBus) handle(ctx context.Context, key, group string, msg redis.XMessage, opts SubscribeOptions, h Handler) bool {
	env, err := decodeMessage(msg)
	if err != nil {
		b.opts.logger.Error("dropping undecodable entry", "stream", key, "error", err)
		return b.ack(ctx, key, group, msg.ID)
	}
	if !Match(opts.Filter, env.Subject) {
		return b.ack(ctx, key, group, msg.ID)
	}
	if !deliver(ctx, &b.opts, opts, h, env, b.Publish) {
		return false
	}
	return b.ack(ctx, key, group, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, key, group, id string) bool {
	if err := b.client.XAck(ctx, key, group, id).Err(); err != nil {
		if ctx.Err() != nil {
			return false
		}
		b.opts.logger.Warn("ack failed", "stream", key, "id", id, "error", err)
	}
	return true
}

// Replay reads every retained entry matching filter with XRANGE. Entries
// from several streams are merged by timestamp.
func (b *RedisBus) Replay(ctx context.Context, filter string) ([]Envelope, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	var out []Envelope
	for _, stream := range streamsFor(filter) {
		msgs, err := b.client.XRange(ctx, b.streamKey(stream), "-", "+").Result()
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", stream, err)
		}
		for _, msg := range msgs {
			env, err := decodeMessage(msg)
			if err != nil {
				return nil, err
			}
			if Match(filter, env.Subject) {
				out = append(out, env)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

// Close stops every consumer, waits for in-flight handlers and removes
// ephemeral groups. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.wg.Wait()
	return nil
}

// Unsubscribe implements Subscription.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		if s.ephemeral != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, key := range s.keys {
				if e := s.bus.client.XGroupDestroy(ctx, key, s.ephemeral).Err(); e != nil && err == nil {
					err = e
				}
			}
		}
	})
	return err
}
