// Package config loads the process configuration of the circuit-breaker
// service from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"github.com/castingclouds/circuit-breaker-sub001/executor"
	"github.com/castingclouds/circuit-breaker-sub001/internal/logging"
	"github.com/castingclouds/circuit-breaker-sub001/storage"
	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// Backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     string          `yaml:"store"`
	Bus       string          `yaml:"bus"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Engine    EngineConfig    `yaml:"engine"`
	Generator GeneratorConfig `yaml:"generator"`

	// Definitions are paths of workflow documents loaded at startup.
	Definitions []string `yaml:"definitions"`
	// Chains maps a source workflow to the workflow started when it completes.
	Chains map[string]executor.ChainConfig `yaml:"chains"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig selects the Redis server. URL, when set, takes precedence over
// the discrete fields.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type ExecutorConfig struct {
	Group      string        `yaml:"group"`
	MaxDeliver int           `yaml:"max_deliver"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type EngineConfig struct {
	ActionRetries    int           `yaml:"action_retries"`
	ActionRetryDelay time.Duration `yaml:"action_retry_delay"`
}

type GeneratorConfig struct {
	MachineID uint16 `yaml:"machine_id"`
}

// Default returns the configuration used when no file is given: in-memory
// store and bus, text logs at info.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: BackendMemory,
		Bus:   BackendMemory,
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 10, KeyPrefix: "cb:"},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{
			Namespace: "circuit_breaker",
		},
		Executor: ExecutorConfig{
			Group:      executor.DefaultGroup,
			MaxDeliver: 5,
			RetryDelay: 100 * time.Millisecond,
		},
		Engine:    EngineConfig{ActionRetryDelay: time.Second},
		Generator: GeneratorConfig{MachineID: 1},
		Chains:    map[string]executor.ChainConfig{},
	}
}

// Load reads path over the defaults. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend names, the log level and delivery bounds.
func (c Config) Validate() error {
	for name, backend := range map[string]string{"store": c.Store, "bus": c.Bus} {
		if backend != BackendMemory && backend != BackendRedis {
			return fmt.Errorf("%w: %s must be %q or %q, got %q", ErrInvalidConfig, name, BackendMemory, BackendRedis, backend)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Executor.MaxDeliver < 1 {
		return fmt.Errorf("%w: executor.max_deliver must be at least 1", ErrInvalidConfig)
	}
	if c.Engine.ActionRetries < 0 {
		return fmt.Errorf("%w: engine.action_retries must not be negative", ErrInvalidConfig)
	}
	for source, chain := range c.Chains {
		if types.Normalize(chain.Workflow) == "" {
			return fmt.Errorf("%w: chain %q names no workflow", ErrInvalidConfig, source)
		}
	}
	return nil
}

// ApplyMetadata overlays the executor hints of a definition document. A
// connection URL switches both backends to Redis unless a URL is configured
// already; the other hints fill only what the file leaves at its default.
func (c *Config) ApplyMetadata(meta types.Metadata) {
	if meta.Connection.URL != "" && c.Redis.URL == "" {
		c.Redis.URL = meta.Connection.URL
		c.Store = BackendRedis
		c.Bus = BackendRedis
	}
	if meta.Logging.Level != "" && (c.Log.Level == "" || c.Log.Level == Default().Log.Level) {
		c.Log.Level = meta.Logging.Level
	}
	if meta.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	if meta.Metrics.Namespace != "" && (c.Metrics.Namespace == "" || c.Metrics.Namespace == Default().Metrics.Namespace) {
		c.Metrics.Namespace = meta.Metrics.Namespace
	}
}

// RedisOptions resolves the connection settings, parsing URL when present.
func (c Config) RedisOptions() (storage.RedisOptions, error) {
	opts := storage.RedisOptions{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		PoolSize:  c.Redis.PoolSize,
		KeyPrefix: c.Redis.KeyPrefix,
	}
	if c.Redis.URL == "" {
		return opts, nil
	}
	parsed, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return storage.RedisOptions{}, fmt.Errorf("%w: redis url: %v", ErrInvalidConfig, err)
	}
	opts.Addr = parsed.Addr
	opts.Password = parsed.Password
	opts.DB = parsed.DB
	return opts, nil
}

// UsesRedis reports whether any backend needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.Store == BackendRedis || c.Bus == BackendRedis
}
