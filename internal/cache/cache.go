// Package cache provides the process-local read cache fronting the backend
// store, used for frequently recomputed aggregates such as system-health
// counters and the dynamic concurrency cap.
//
// The backend is selected by detection: a reachable redis server yields the
// distributed_atomic strategy (atomic increments, shared across processes);
// otherwise the cache degrades to a local in-memory backend. Cache failures
// are logged and never propagate to the caller.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
)

// Strategy labels the coordination capability of the selected backend.
type Strategy string

// Backend strategies, strongest first.
const (
	// StrategyDistributedAtomic backs the cache with a store offering atomic
	// increments and cross-process visibility.
	StrategyDistributedAtomic Strategy = "distributed_atomic"

	// StrategyDistributedBasic is a shared store without atomic increments.
	// No shipped backend reports it; the constant documents the detection
	// ladder for third-party backends.
	StrategyDistributedBasic Strategy = "distributed_basic"

	// StrategyLocalOnly is a single-process in-memory backend.
	StrategyLocalOnly Strategy = "local_only"
)

// Backend is a raw key-value store with TTLs and counters.
type Backend interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores value under key for ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Increment atomically adds delta to the counter at key and returns the
	// new value. Missing keys start at zero.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Strategy reports the backend's coordination capability.
	Strategy() Strategy
}

// Detect selects the strongest available backend: redis when the client is
// configured and reachable, the local backend otherwise.
func Detect(ctx context.Context, client *redis.Client, clk clock.Clock, logger zerolog.Logger) Backend {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisBackend(client)
		}
		logger.Warn().Msg("redis unreachable, cache degrades to local-only")
	}
	return NewLocalBackend(clk)
}

// Config bounds the adaptive TTL.
type Config struct {
	// TTL is the baseline entry lifetime.
	TTL time.Duration `mapstructure:"ttl"`

	// MinTTL and MaxTTL bound the adaptive adjustment.
	MinTTL time.Duration `mapstructure:"min_ttl"`
	MaxTTL time.Duration `mapstructure:"max_ttl"`
}

// DefaultConfig returns the default cache bounds.
func DefaultConfig() Config {
	return Config{
		TTL:    constants.DefaultCacheTTL,
		MinTTL: constants.MinAdaptiveTTL,
		MaxTTL: constants.MaxAdaptiveTTL,
	}
}

// Normalize fills zero fields with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.MinTTL <= 0 {
		c.MinTTL = def.MinTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = def.MaxTTL
	}
}

// Cache wraps a backend with failure swallowing and adaptive TTLs. A high
// hit rate stretches entry lifetimes toward MaxTTL; a low one shrinks them
// toward MinTTL. Safe for concurrent use.
type Cache struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger

	mu     sync.Mutex
	hits   int64
	misses int64
}

// New creates a cache over the given backend.
func New(backend Backend, cfg Config, logger zerolog.Logger) *Cache {
	cfg.Normalize()
	return &Cache{backend: backend, cfg: cfg, logger: logger}
}

// Strategy reports the underlying backend's strategy.
func (c *Cache) Strategy() Strategy {
	return c.backend.Strategy()
}

// Get returns the cached value for key. Backend failures count as misses.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		c.record(false)
		return "", false
	}
	c.record(ok)
	return value, ok
}

// Put stores value under key. A zero ttl uses the adaptive TTL.
func (c *Cache) Put(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.AdaptiveTTL()
	}
	if err := c.backend.Put(ctx, key, value, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache put failed")
	}
}

// Increment adds delta to the counter at key. Backend failures return zero.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) int64 {
	value, err := c.backend.Increment(ctx, key, delta)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache increment failed")
		return 0
	}
	return value
}

// GetInt is Get for integer-encoded values.
func (c *Cache) GetInt(ctx context.Context, key string) (int64, bool) {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// PutInt is Put for integer values.
func (c *Cache) PutInt(ctx context.Context, key string, value int64, ttl time.Duration) {
	c.Put(ctx, key, strconv.FormatInt(value, 10), ttl)
}

// AdaptiveTTL scales the baseline TTL by the observed hit rate, clamped to
// [MinTTL, MaxTTL]. With no observations it returns the baseline.
func (c *Cache) AdaptiveTTL() time.Duration {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()

	total := hits + misses
	if total == 0 {
		return c.cfg.TTL
	}

	// Hit rate 0 maps to half the baseline, 1.0 to double it.
	rate := float64(hits) / float64(total)
	ttl := time.Duration(float64(c.cfg.TTL) * (0.5 + 1.5*rate))
	if ttl < c.cfg.MinTTL {
		ttl = c.cfg.MinTTL
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	return ttl
}

// HitRate returns the observed hit rate, or zero with no observations.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *Cache) record(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}
