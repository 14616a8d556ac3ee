// Package config provides configuration management for SEQUOR with layered
// precedence.
//
// Configuration sources are loaded in the following order (highest precedence
// first):
//  1. Environment variables (SEQUOR_* prefix)
//  2. Project config (./sequor.yaml)
//  3. Global config (~/.sequor/config.yaml)
//  4. Built-in defaults
//
// Each higher level overrides the lower level for the same key.
//
// IMPORTANT: This package may import internal/constants and internal/errors,
// but MUST NOT import internal/domain or other internal packages.
package config

import "time"

// Config is the root configuration structure for SEQUOR.
type Config struct {
	// Database contains the Postgres connection settings.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Redis contains the redis connection used for the distributed cache and
	// the delayed job queue. Optional; absent redis falls back to in-process
	// equivalents.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Backoff contains the retry and reenqueue delay policy.
	Backoff BackoffConfig `yaml:"backoff" mapstructure:"backoff"`

	// Execution contains the step executor's concurrency and timeout knobs.
	Execution ExecutionConfig `yaml:"execution" mapstructure:"execution"`

	// Cache contains the aggregate cache TTL settings.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Worker contains the background worker pool settings.
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`

	// Telemetry contains the event telemetry settings.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Logging contains log level and file rotation settings.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	// URL is the Postgres DSN. Required for the postgres store; the worker
	// falls back to the in-memory store when empty.
	URL string `yaml:"url" mapstructure:"url"`

	// MaxConnections bounds the connection pool. The dynamic concurrency cap
	// is derived from this pool's headroom.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// MigrateOnStart runs pending migrations before the worker starts.
	MigrateOnStart bool `yaml:"migrate_on_start" mapstructure:"migrate_on_start"`
}

// RedisConfig contains redis connection settings.
type RedisConfig struct {
	// Addr is the host:port of the redis server. Empty disables redis; the
	// cache and queue fall back to their in-process implementations.
	Addr string `yaml:"addr" mapstructure:"addr"`

	// Password authenticates against the server when set.
	Password string `yaml:"password" mapstructure:"password"`

	// DB selects the redis logical database.
	DB int `yaml:"db" mapstructure:"db"`

	// QueueKey is the sorted-set key backing the delayed job queue.
	QueueKey string `yaml:"queue_key" mapstructure:"queue_key"`

	// PollInterval is how often blocked dequeues re-check for due tasks.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// BackoffConfig contains the retry delay policy. Fields mirror the backoff
// calculator's knobs; zero values take the documented defaults.
type BackoffConfig struct {
	// DefaultBackoffSeconds is the ordered per-attempt delay table.
	DefaultBackoffSeconds []int `yaml:"default_backoff_seconds" mapstructure:"default_backoff_seconds"`

	// MaxBackoffSeconds caps computed and server-supplied delays.
	MaxBackoffSeconds int `yaml:"max_backoff_seconds" mapstructure:"max_backoff_seconds"`

	// Multiplier is the exponent applied past the delay table.
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`

	// JitterEnabled toggles the ± jitter on computed delays.
	JitterEnabled bool `yaml:"jitter_enabled" mapstructure:"jitter_enabled"`

	// JitterMaxPercentage bounds jitter relative to the capped delay.
	JitterMaxPercentage float64 `yaml:"jitter_max_percentage" mapstructure:"jitter_max_percentage"`

	// ReenqueueDelays maps execution status labels to reenqueue delays in
	// seconds.
	ReenqueueDelays map[string]int `yaml:"reenqueue_delays" mapstructure:"reenqueue_delays"`

	// DefaultReenqueueDelaySeconds applies to statuses absent from
	// ReenqueueDelays.
	DefaultReenqueueDelaySeconds int `yaml:"default_reenqueue_delay_seconds" mapstructure:"default_reenqueue_delay_seconds"`

	// BufferSeconds is added to every reenqueue delay.
	BufferSeconds int `yaml:"buffer_seconds" mapstructure:"buffer_seconds"`
}

// ExecutionConfig contains the step executor's concurrency and timeout knobs.
type ExecutionConfig struct {
	// MinConcurrentSteps is the floor of the dynamic concurrency cap.
	MinConcurrentSteps int `yaml:"min_concurrent_steps" mapstructure:"min_concurrent_steps"`

	// MaxConcurrentSteps is the ceiling of the dynamic concurrency cap.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps" mapstructure:"max_concurrent_steps"`

	// BatchBaseTimeout is the fixed portion of the per-batch timeout.
	BatchBaseTimeout time.Duration `yaml:"batch_base_timeout" mapstructure:"batch_base_timeout"`

	// BatchPerStepTimeout is the per-step portion of the batch timeout.
	BatchPerStepTimeout time.Duration `yaml:"batch_per_step_timeout" mapstructure:"batch_per_step_timeout"`

	// BatchMaxTimeout caps the per-batch timeout.
	BatchMaxTimeout time.Duration `yaml:"batch_max_timeout" mapstructure:"batch_max_timeout"`

	// ConcurrencyCacheDuration bounds how often the cap is recomputed.
	ConcurrencyCacheDuration time.Duration `yaml:"concurrency_cache_duration" mapstructure:"concurrency_cache_duration"`
}

// CacheConfig contains the aggregate cache TTL settings.
type CacheConfig struct {
	// TTL is the baseline TTL; the adaptive adjustment scales it by hit rate.
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`

	// MinTTL and MaxTTL bound the adaptive adjustment.
	MinTTL time.Duration `yaml:"min_ttl" mapstructure:"min_ttl"`
	MaxTTL time.Duration `yaml:"max_ttl" mapstructure:"max_ttl"`
}

// WorkerConfig contains the background worker pool settings.
type WorkerConfig struct {
	// Concurrency is the number of parallel dequeue loops.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// TelemetryConfig contains the event telemetry settings.
type TelemetryConfig struct {
	// CorrelationIDHeader is the field name under which correlation IDs are
	// surfaced in telemetry output and propagated across task and step
	// boundaries. Overridable with the bare CORRELATION_ID_HEADER environment
	// variable in addition to the prefixed form.
	CorrelationIDHeader string `yaml:"correlation_id_header" mapstructure:"correlation_id_header"`
}

// LoggingConfig contains log level and file rotation settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `yaml:"level" mapstructure:"level"`

	// File is the rotating log file path. Empty disables file logging.
	File string `yaml:"file" mapstructure:"file"`

	// MaxSizeMB rotates the log file once it exceeds this size.
	MaxSizeMB int `yaml:"max_size_mb" mapstructure:"max_size_mb"`

	// MaxBackups bounds how many rotated files are kept.
	MaxBackups int `yaml:"max_backups" mapstructure:"max_backups"`

	// MaxAgeDays bounds how long rotated files are kept.
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days"`
}
