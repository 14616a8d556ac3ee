package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sequor/sequor/internal/clock"
)

// LocalBackend is an in-memory backend with per-entry expiry. Strategy is
// local_only; counters are process-scoped.
type LocalBackend struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]localEntry
}

type localEntry struct {
	value     string
	counter   int64
	isCounter bool
	expiresAt time.Time
}

// NewLocalBackend creates an empty local backend using clk for expiry.
func NewLocalBackend(clk clock.Clock) *LocalBackend {
	return &LocalBackend{clk: clk, entries: make(map[string]localEntry)}
}

// Strategy implements Backend.
func (b *LocalBackend) Strategy() Strategy { return StrategyLocalOnly }

// Get implements Backend.
func (b *LocalBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok || b.expired(entry) {
		delete(b.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Put implements Backend.
func (b *LocalBackend) Put(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = localEntry{value: value, expiresAt: b.clk.Now().Add(ttl)}
	return nil
}

// Increment implements Backend. Counters never expire.
func (b *LocalBackend) Increment(_ context.Context, key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entries[key]
	entry.counter += delta
	entry.isCounter = true
	b.entries[key] = entry
	return entry.counter, nil
}

// expired reports whether a non-counter entry has passed its expiry.
func (b *LocalBackend) expired(entry localEntry) bool {
	return !entry.isCounter && b.clk.Now().After(entry.expiresAt)
}

// RedisBackend backs the cache with redis: SET with expiry, GET, INCRBY.
// Strategy is distributed_atomic.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a redis backend over an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Strategy implements Backend.
func (b *RedisBackend) Strategy() Strategy { return StrategyDistributedAtomic }

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Put implements Backend.
func (b *RedisBackend) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Increment implements Backend.
func (b *RedisBackend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return b.client.IncrBy(ctx, key, delta).Result()
}
