// Package constants provides centralized constant values used throughout SEQUOR.
// This package is the single source of truth for all shared constants and MUST NOT
// import any other internal packages.
package constants

import "time"

// Backoff defaults (see config.BackoffConfig).
const (
	// DefaultMaxBackoffSeconds caps any computed or server-supplied backoff.
	DefaultMaxBackoffSeconds = 300

	// DefaultBackoffMultiplier is the exponent applied to the attempt number
	// once the attempt count exceeds the default backoff table.
	DefaultBackoffMultiplier = 2.0

	// DefaultJitterMaxPercentage bounds jitter to ±10% of the capped backoff.
	DefaultJitterMaxPercentage = 0.10

	// DefaultReenqueueDelaySeconds is used when an execution status has no
	// dedicated reenqueue delay configured.
	DefaultReenqueueDelaySeconds = 30

	// DefaultBufferSeconds is added to every reenqueue delay to absorb clock
	// skew between the scheduler and the workers.
	DefaultBufferSeconds = 5
)

// DefaultBackoffSeconds is the ordered per-attempt backoff table. Attempt N
// (1-indexed) uses entry N-1; attempts beyond the table fall back to the
// exponential calculation.
func DefaultBackoffSeconds() []int {
	return []int{1, 2, 4, 8, 16, 32}
}

// Execution defaults (see config.ExecutionConfig).
const (
	// DefaultMinConcurrentSteps is the floor of the dynamic concurrency cap.
	DefaultMinConcurrentSteps = 3

	// DefaultMaxConcurrentSteps is the ceiling of the dynamic concurrency cap.
	DefaultMaxConcurrentSteps = 12

	// DefaultBatchBaseTimeout is the fixed portion of the per-batch timeout.
	DefaultBatchBaseTimeout = 30 * time.Second

	// DefaultBatchPerStepTimeout is the per-step portion of the batch timeout.
	DefaultBatchPerStepTimeout = 5 * time.Second

	// DefaultBatchMaxTimeout caps the per-batch timeout regardless of batch size.
	DefaultBatchMaxTimeout = 120 * time.Second

	// DefaultConcurrencyCacheDuration bounds how often the dynamic concurrency
	// cap is recomputed from system health counters.
	DefaultConcurrencyCacheDuration = 30 * time.Second
)

// Task submission defaults.
const (
	// UnknownValue is the literal default for optional TaskRequest fields
	// (initiator, source system, reason) that the caller did not provide.
	UnknownValue = "unknown"

	// IdentityWindow is the duration within which two task requests with the
	// same identity hash are treated as duplicates.
	IdentityWindow = 60 * time.Second

	// DefaultRetryLimit is applied to steps whose template does not set one.
	DefaultRetryLimit = 3
)

// Correlation ID propagation.
const (
	// DefaultCorrelationIDHeader is the header name used to propagate
	// correlation IDs across task and step boundaries.
	DefaultCorrelationIDHeader = "X-Correlation-ID"

	// CorrelationIDMetadataKey is the event metadata key carrying the
	// correlation ID.
	CorrelationIDMetadataKey = "correlation_id"
)

// Environment variable names.
const (
	// EnvPrefix is the viper environment prefix; SEQUOR_DATABASE_URL etc.
	EnvPrefix = "SEQUOR"

	// EnvCorrelationIDHeader overrides the correlation ID header name.
	EnvCorrelationIDHeader = "CORRELATION_ID_HEADER"
)

// Cache defaults (see config.CacheConfig).
const (
	// DefaultCacheTTL is the baseline TTL for cached aggregates.
	DefaultCacheTTL = 30 * time.Second

	// MinAdaptiveTTL and MaxAdaptiveTTL bound the adaptive TTL adjustment.
	MinAdaptiveTTL = 5 * time.Second
	MaxAdaptiveTTL = 5 * time.Minute
)
