package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/castingclouds/circuit-breaker-sub001/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	instanceIndex    = "instances"
	defaultKeyPrefix = "cb:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return NewRedisStorageFromClient(client, opts.KeyPrefix), nil
}

// NewRedisStorageFromClient wraps an existing client. An empty prefix uses "cb:".
func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) definitionKey(name string) string {
	return s.prefix + definitionPrefix + types.Normalize(name)
}

func (s *RedisStorage) instanceKey(id uint64) string {
	return s.prefix + instancePrefix + strconv.FormatUint(id, 10)
}

func (s *RedisStorage) indexKey() string {
	return s.prefix + instanceIndex
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves a definition document to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, doc types.Document) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %v", doc.WorkflowName(), err)
		}
		key := s.definitionKey(doc.WorkflowName())
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// SaveDefinitions saves multiple definitions to Redis using pipelining.
func (s *RedisStorage) SaveDefinitions(ctx context.Context, docs []types.Document) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, doc := range docs {
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %s: %v", doc.WorkflowName(), err)
			}
			pipe.Set(ctx, s.definitionKey(doc.WorkflowName()), data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for definitions: %v", err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition document from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, name string) (types.Document, error) {
	return getFromRedis[types.Document](ctx, s.client, s.definitionKey(name), ErrDefinitionNotFound)
}

// CreateInstance stores a new instance with SETNX and indexes it.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		key := s.instanceKey(inst.ID)
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
		}
		if err := s.client.ZAdd(ctx, s.indexKey(), &redis.Z{Score: float64(inst.ID), Member: inst.ID}).Err(); err != nil {
			return fmt.Errorf("failed to index %s: %v", key, err)
		}
		return nil
	})
}

// UpdateInstance replaces the instance inside WATCH/MULTI so a concurrent
// writer that bumped the version first makes this update fail.
func (s *RedisStorage) UpdateInstance(ctx context.Context, inst types.Instance, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		key := s.instanceKey(inst.ID)

		txf := func(tx *redis.Tx) error {
			current, err := getFromRedis[types.Instance](ctx, tx, key, ErrInstanceNotFound)
			if err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return fmt.Errorf("%w: id=%d stored=%d expected=%d", ErrVersionConflict, inst.ID, current.Version, expectedVersion)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}

		err = s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%d", ErrVersionConflict, inst.ID)
		}
		return err
	})
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getFromRedis[types.Instance](ctx, s.client, s.instanceKey(id), ErrInstanceNotFound)
}

// ListInstances loads every indexed instance and filters by workflow name.
func (s *RedisStorage) ListInstances(ctx context.Context, name string) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %v", err)
		}
		if len(ids) == 0 {
			return []types.Instance{}, nil
		}

		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, s.prefix+instancePrefix+id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load instances: %v", err)
		}

		name = types.Normalize(name)
		out := make([]types.Instance, 0, len(values))
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var inst types.Instance
			if err := json.Unmarshal([]byte(raw), &inst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
			}
			if name == "" || inst.Workflow == name {
				out = append(out, inst)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// Client exposes the underlying client so the bus can share the connection pool.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
