package config

import (
	"fmt"

	seqerrors "github.com/sequor/sequor/internal/errors"
)

// Validate checks the configuration for invalid or inconsistent values and
// returns the first failure found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", seqerrors.ErrConfigInvalid)
	}

	if err := validateDatabase(&cfg.Database); err != nil {
		return err
	}
	if err := validateBackoff(&cfg.Backoff); err != nil {
		return err
	}
	if err := validateExecution(&cfg.Execution); err != nil {
		return err
	}
	if err := validateCache(&cfg.Cache); err != nil {
		return err
	}
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("%w: worker.concurrency must be at least 1, got %d",
			seqerrors.ErrConfigInvalid, cfg.Worker.Concurrency)
	}
	return nil
}

func validateDatabase(cfg *DatabaseConfig) error {
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("%w: database.max_connections must be at least 1, got %d",
			seqerrors.ErrConfigInvalid, cfg.MaxConnections)
	}
	return nil
}

func validateBackoff(cfg *BackoffConfig) error {
	if cfg.MaxBackoffSeconds <= 0 {
		return fmt.Errorf("%w: backoff.max_backoff_seconds must be positive, got %d",
			seqerrors.ErrConfigInvalid, cfg.MaxBackoffSeconds)
	}
	for i, s := range cfg.DefaultBackoffSeconds {
		if s < 0 {
			return fmt.Errorf("%w: backoff.default_backoff_seconds[%d] must not be negative, got %d",
				seqerrors.ErrConfigInvalid, i, s)
		}
	}
	if cfg.JitterMaxPercentage < 0 || cfg.JitterMaxPercentage > 1 {
		return fmt.Errorf("%w: backoff.jitter_max_percentage must be in [0,1], got %g",
			seqerrors.ErrConfigInvalid, cfg.JitterMaxPercentage)
	}
	for status, seconds := range cfg.ReenqueueDelays {
		if seconds < 0 {
			return fmt.Errorf("%w: backoff.reenqueue_delays[%s] must not be negative, got %d",
				seqerrors.ErrConfigInvalid, status, seconds)
		}
	}
	return nil
}

func validateExecution(cfg *ExecutionConfig) error {
	if cfg.MinConcurrentSteps < 1 {
		return fmt.Errorf("%w: execution.min_concurrent_steps must be at least 1, got %d",
			seqerrors.ErrConfigInvalid, cfg.MinConcurrentSteps)
	}
	if cfg.MaxConcurrentSteps < cfg.MinConcurrentSteps {
		return fmt.Errorf("%w: execution.max_concurrent_steps (%d) must not be below min_concurrent_steps (%d)",
			seqerrors.ErrConfigInvalid, cfg.MaxConcurrentSteps, cfg.MinConcurrentSteps)
	}
	if cfg.BatchBaseTimeout <= 0 || cfg.BatchMaxTimeout <= 0 {
		return fmt.Errorf("%w: execution batch timeouts must be positive",
			seqerrors.ErrConfigInvalid)
	}
	if cfg.BatchMaxTimeout < cfg.BatchBaseTimeout {
		return fmt.Errorf("%w: execution.batch_max_timeout (%s) must not be below batch_base_timeout (%s)",
			seqerrors.ErrConfigInvalid, cfg.BatchMaxTimeout, cfg.BatchBaseTimeout)
	}
	return nil
}

func validateCache(cfg *CacheConfig) error {
	if cfg.TTL <= 0 {
		return fmt.Errorf("%w: cache.ttl must be positive, got %s",
			seqerrors.ErrConfigInvalid, cfg.TTL)
	}
	if cfg.MinTTL > cfg.MaxTTL {
		return fmt.Errorf("%w: cache.min_ttl (%s) must not exceed cache.max_ttl (%s)",
			seqerrors.ErrConfigInvalid, cfg.MinTTL, cfg.MaxTTL)
	}
	return nil
}
