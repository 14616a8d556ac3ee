// Package orchestration drives task execution: the per-task coordinator
// cycle, the bounded-concurrency step executor, the finalizer that decides
// between completion, failure and reenqueue, and the background worker loop.
//
// Import rules:
//   - CAN import: internal/backoff, internal/cache, internal/clock,
//     internal/constants, internal/ctxutil, internal/domain, internal/errors,
//     internal/events, internal/queue, internal/readiness, internal/registry,
//     internal/store, std lib
//   - MUST NOT import: internal/cli, internal/config
package orchestration

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sequor/sequor/internal/cache"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/store"
)

// concurrencyCapCacheKey memoizes the computed concurrency cap.
const concurrencyCapCacheKey = "sequor:concurrency_cap"

// PressureLevel classifies database load for the concurrency calculation.
type PressureLevel string

// Pressure levels, lightest first.
const (
	PressureLow      PressureLevel = "low"
	PressureModerate PressureLevel = "moderate"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// ExecutionConfig holds the executor's concurrency and timeout knobs.
type ExecutionConfig struct {
	// MinConcurrentSteps is the floor of the dynamic concurrency cap.
	MinConcurrentSteps int `mapstructure:"min_concurrent_steps"`

	// MaxConcurrentSteps is the ceiling of the dynamic concurrency cap.
	MaxConcurrentSteps int `mapstructure:"max_concurrent_steps"`

	// PressureFactors scale the available connection headroom per pressure level.
	PressureFactors map[PressureLevel]float64 `mapstructure:"pressure_factors"`

	// BatchBaseTimeout is the fixed portion of the per-batch timeout.
	BatchBaseTimeout time.Duration `mapstructure:"batch_base_timeout"`

	// BatchPerStepTimeout is the per-step portion of the batch timeout.
	BatchPerStepTimeout time.Duration `mapstructure:"batch_per_step_timeout"`

	// BatchMaxTimeout caps the per-batch timeout.
	BatchMaxTimeout time.Duration `mapstructure:"batch_max_timeout"`

	// ConcurrencyCacheDuration bounds how often the cap is recomputed.
	ConcurrencyCacheDuration time.Duration `mapstructure:"concurrency_cache_duration"`
}

// DefaultExecutionConfig returns the documented execution defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MinConcurrentSteps: constants.DefaultMinConcurrentSteps,
		MaxConcurrentSteps: constants.DefaultMaxConcurrentSteps,
		PressureFactors: map[PressureLevel]float64{
			PressureLow:      0.8,
			PressureModerate: 0.6,
			PressureHigh:     0.4,
			PressureCritical: 0.2,
		},
		BatchBaseTimeout:         constants.DefaultBatchBaseTimeout,
		BatchPerStepTimeout:      constants.DefaultBatchPerStepTimeout,
		BatchMaxTimeout:          constants.DefaultBatchMaxTimeout,
		ConcurrencyCacheDuration: constants.DefaultConcurrencyCacheDuration,
	}
}

// Normalize fills zero fields with defaults and returns the result.
func (c ExecutionConfig) Normalize() ExecutionConfig {
	def := DefaultExecutionConfig()
	if c.MinConcurrentSteps <= 0 {
		c.MinConcurrentSteps = def.MinConcurrentSteps
	}
	if c.MaxConcurrentSteps <= 0 {
		c.MaxConcurrentSteps = def.MaxConcurrentSteps
	}
	if c.PressureFactors == nil {
		c.PressureFactors = def.PressureFactors
	}
	if c.BatchBaseTimeout <= 0 {
		c.BatchBaseTimeout = def.BatchBaseTimeout
	}
	if c.BatchPerStepTimeout <= 0 {
		c.BatchPerStepTimeout = def.BatchPerStepTimeout
	}
	if c.BatchMaxTimeout <= 0 {
		c.BatchMaxTimeout = def.BatchMaxTimeout
	}
	if c.ConcurrencyCacheDuration <= 0 {
		c.ConcurrencyCacheDuration = def.ConcurrencyCacheDuration
	}
	return c
}

// BatchTimeout returns the budget for one batch of batchSize steps:
// min(max, base + batchSize*perStep).
func (c ExecutionConfig) BatchTimeout(batchSize int) time.Duration {
	timeout := c.BatchBaseTimeout + time.Duration(batchSize)*c.BatchPerStepTimeout
	if timeout > c.BatchMaxTimeout {
		timeout = c.BatchMaxTimeout
	}
	return timeout
}

// ConcurrencyCalculator derives the dynamic step concurrency cap from system
// health counters, memoized through the cache so the counters are not
// re-queried on every batch.
type ConcurrencyCalculator struct {
	store  store.Store
	cache  *cache.Cache
	cfg    ExecutionConfig
	logger zerolog.Logger
}

// NewConcurrencyCalculator builds a calculator over the given store and cache.
func NewConcurrencyCalculator(st store.Store, c *cache.Cache, cfg ExecutionConfig, logger zerolog.Logger) *ConcurrencyCalculator {
	return &ConcurrencyCalculator{store: st, cache: c, cfg: cfg.Normalize(), logger: logger}
}

// Cap returns the current concurrency cap:
// clamp(floor(available_connections * pressure_factor), min, max).
// Health-query failures fall back to the configured minimum.
func (c *ConcurrencyCalculator) Cap(ctx context.Context) int {
	if cached, ok := c.cache.GetInt(ctx, concurrencyCapCacheKey); ok {
		return int(cached)
	}

	health, err := c.store.SystemHealth(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("system health unavailable, using minimum concurrency")
		return c.cfg.MinConcurrentSteps
	}

	limit := c.capFor(health)
	c.cache.PutInt(ctx, concurrencyCapCacheKey, int64(limit), c.cfg.ConcurrencyCacheDuration)
	return limit
}

// capFor computes the cap from one health sample.
func (c *ConcurrencyCalculator) capFor(health *store.SystemHealth) int {
	available := health.PoolSize - health.ActiveConnections
	if available <= 0 {
		return c.cfg.MinConcurrentSteps
	}

	factor := c.cfg.PressureFactors[c.pressureOf(health)]
	limit := int(float64(available) * factor)
	if limit < c.cfg.MinConcurrentSteps {
		limit = c.cfg.MinConcurrentSteps
	}
	if limit > c.cfg.MaxConcurrentSteps {
		limit = c.cfg.MaxConcurrentSteps
	}
	return limit
}

// pressureOf classifies pool utilization into a pressure level.
func (c *ConcurrencyCalculator) pressureOf(health *store.SystemHealth) PressureLevel {
	if health.PoolSize <= 0 {
		return PressureCritical
	}
	utilization := float64(health.ActiveConnections) / float64(health.PoolSize)
	switch {
	case utilization < 0.5:
		return PressureLow
	case utilization < 0.75:
		return PressureModerate
	case utilization < 0.9:
		return PressureHigh
	default:
		return PressureCritical
	}
}
