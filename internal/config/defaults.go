package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/sequor/sequor/internal/constants"
)

// DefaultConfig returns a new Config with the documented default values.
// These defaults are the base layer overridden by config files and
// environment variables.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			// MaxConnections: 20 is enough headroom for the default
			// concurrency ceiling of 12 plus the coordinator's own queries.
			MaxConnections: 20,
			MigrateOnStart: true,
		},
		Redis: RedisConfig{
			QueueKey:     "sequor:reenqueue",
			PollInterval: 250 * time.Millisecond,
		},
		Backoff: BackoffConfig{
			DefaultBackoffSeconds: constants.DefaultBackoffSeconds(),
			MaxBackoffSeconds:     constants.DefaultMaxBackoffSeconds,
			Multiplier:            constants.DefaultBackoffMultiplier,
			JitterEnabled:         true,
			JitterMaxPercentage:   constants.DefaultJitterMaxPercentage,
			ReenqueueDelays: map[string]int{
				constants.ExecutionStatusHasReadySteps.String():          0,
				constants.ExecutionStatusWaitingForDependencies.String(): 45,
				constants.ExecutionStatusProcessing.String():             10,
			},
			DefaultReenqueueDelaySeconds: constants.DefaultReenqueueDelaySeconds,
			BufferSeconds:                constants.DefaultBufferSeconds,
		},
		Execution: ExecutionConfig{
			MinConcurrentSteps:       constants.DefaultMinConcurrentSteps,
			MaxConcurrentSteps:       constants.DefaultMaxConcurrentSteps,
			BatchBaseTimeout:         constants.DefaultBatchBaseTimeout,
			BatchPerStepTimeout:      constants.DefaultBatchPerStepTimeout,
			BatchMaxTimeout:          constants.DefaultBatchMaxTimeout,
			ConcurrencyCacheDuration: constants.DefaultConcurrencyCacheDuration,
		},
		Cache: CacheConfig{
			TTL:    constants.DefaultCacheTTL,
			MinTTL: constants.MinAdaptiveTTL,
			MaxTTL: constants.MaxAdaptiveTTL,
		},
		Worker: WorkerConfig{
			// Concurrency: 4 dequeue loops keeps several tasks cycling without
			// saturating the default database pool.
			Concurrency: 4,
		},
		Telemetry: TelemetryConfig{
			CorrelationIDHeader: constants.DefaultCorrelationIDHeader,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// setDefaults registers the default values on a viper instance so unset keys
// resolve to them after file and environment merging.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("database.max_connections", def.Database.MaxConnections)
	v.SetDefault("database.migrate_on_start", def.Database.MigrateOnStart)

	v.SetDefault("redis.queue_key", def.Redis.QueueKey)
	v.SetDefault("redis.poll_interval", def.Redis.PollInterval)

	v.SetDefault("backoff.default_backoff_seconds", def.Backoff.DefaultBackoffSeconds)
	v.SetDefault("backoff.max_backoff_seconds", def.Backoff.MaxBackoffSeconds)
	v.SetDefault("backoff.multiplier", def.Backoff.Multiplier)
	v.SetDefault("backoff.jitter_enabled", def.Backoff.JitterEnabled)
	v.SetDefault("backoff.jitter_max_percentage", def.Backoff.JitterMaxPercentage)
	v.SetDefault("backoff.reenqueue_delays", def.Backoff.ReenqueueDelays)
	v.SetDefault("backoff.default_reenqueue_delay_seconds", def.Backoff.DefaultReenqueueDelaySeconds)
	v.SetDefault("backoff.buffer_seconds", def.Backoff.BufferSeconds)

	v.SetDefault("execution.min_concurrent_steps", def.Execution.MinConcurrentSteps)
	v.SetDefault("execution.max_concurrent_steps", def.Execution.MaxConcurrentSteps)
	v.SetDefault("execution.batch_base_timeout", def.Execution.BatchBaseTimeout)
	v.SetDefault("execution.batch_per_step_timeout", def.Execution.BatchPerStepTimeout)
	v.SetDefault("execution.batch_max_timeout", def.Execution.BatchMaxTimeout)
	v.SetDefault("execution.concurrency_cache_duration", def.Execution.ConcurrencyCacheDuration)

	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("cache.min_ttl", def.Cache.MinTTL)
	v.SetDefault("cache.max_ttl", def.Cache.MaxTTL)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)

	v.SetDefault("telemetry.correlation_id_header", def.Telemetry.CorrelationIDHeader)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.max_size_mb", def.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", def.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", def.Logging.MaxAgeDays)
}
