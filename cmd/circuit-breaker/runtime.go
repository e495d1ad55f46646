package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/castingclouds/circuit-breaker-sub001/config"
	"github.com/castingclouds/circuit-breaker-sub001/events"
	"github.com/castingclouds/circuit-breaker-sub001/executor"
	"github.com/castingclouds/circuit-breaker-sub001/internal/metrics"
	"github.com/castingclouds/circuit-breaker-sub001/storage"
	"github.com/castingclouds/circuit-breaker-sub001/workflow"
)

// runtime wires the engine, the bus and the executor from a setup.
type runtime struct {
	*setup
	client   *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	engine   *workflow.Engine
	bus      events.Bus
	exec     *executor.Executor
}

// newBusRuntime connects only what publishing and replaying need.
func newBusRuntime(s *setup) (*runtime, error) {
	rt := &runtime{setup: s}
	if err := rt.connect(); err != nil {
		return nil, err
	}
	rt.bus = rt.newBus()
	return rt, nil
}

func newRuntime(ctx context.Context, s *setup) (*runtime, error) {
	rt, err := newBusRuntime(s)
	if err != nil {
		return nil, err
	}

	var store storage.Storage = storage.NewMemoryStorage()
	if s.cfg.Store == config.BackendRedis {
		store = storage.NewRedisStorageFromClient(rt.client, s.cfg.Redis.KeyPrefix)
	}

	rt.engine, err = workflow.NewEngine(
		generator.NewSnowflake(time.Now().Add(-time.Second), s.cfg.Generator.MachineID),
		store,
		workflow.WithLogger(s.logger),
		workflow.WithMetrics(rt.metrics),
		workflow.WithActionRetry(s.cfg.Engine.ActionRetries, s.cfg.Engine.ActionRetryDelay),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	defs, err := rt.engine.RegisterDocuments(ctx, s.docs)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("register definitions: %w", err)
	}
	for _, def := range defs {
		s.logger.Info("definition loaded", "workflow", def.Name(), "places", len(def.Places()), "transitions", len(def.Transitions()))
	}

	chains := executor.NewChainRegistry()
	for source, cfg := range s.cfg.Chains {
		if err := chains.Register(source, cfg); err != nil {
			rt.Close()
			return nil, err
		}
	}
	rt.exec, err = executor.New(rt.engine, rt.bus,
		executor.WithLogger(s.logger),
		executor.WithChains(chains),
		executor.WithGroup(s.cfg.Executor.Group),
		executor.WithDelivery(s.cfg.Executor.MaxDeliver, s.cfg.Executor.RetryDelay),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) connect() error {
	if rt.cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.metrics = metrics.New(rt.cfg.Metrics.Namespace)
		if err := rt.metrics.Register(rt.registry); err != nil {
			return err
		}
	}
	if !rt.cfg.UsesRedis() {
		return nil
	}
	opts, err := rt.cfg.RedisOptions()
	if err != nil {
		return err
	}
	rt.client, err = storage.NewRedisClient(opts)
	return err
}

func (rt *runtime) newBus() events.Bus {
	opts := []events.Option{
		events.WithLogger(rt.logger),
		events.WithMetrics(rt.metrics),
	}
	if rt.cfg.Bus == config.BackendRedis {
		return events.NewRedisBus(rt.client, append(opts, events.WithKeyPrefix(rt.cfg.Redis.KeyPrefix))...)
	}
	return events.NewMemoryBus(opts...)
}

// Close stops the executor and releases the bus and the Redis connection.
func (rt *runtime) Close() error {
	var errs []error
	if rt.exec != nil {
		errs = append(errs, rt.exec.Stop())
	}
	if rt.bus != nil {
		errs = append(errs, rt.bus.Close())
	}
	if rt.client != nil {
		errs = append(errs, rt.client.Close())
	}
	return errors.Join(errs...)
}
