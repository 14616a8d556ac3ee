package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequor/sequor/internal/constants"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 20, cfg.Database.MaxConnections)
	assert.True(t, cfg.Database.MigrateOnStart)
	assert.Equal(t, "sequor:reenqueue", cfg.Redis.QueueKey)
	assert.Equal(t, constants.DefaultMaxBackoffSeconds, cfg.Backoff.MaxBackoffSeconds)
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32}, cfg.Backoff.DefaultBackoffSeconds)
	assert.Equal(t, 0, cfg.Backoff.ReenqueueDelays["has_ready_steps"])
	assert.Equal(t, 45, cfg.Backoff.ReenqueueDelays["waiting_for_dependencies"])
	assert.Equal(t, 10, cfg.Backoff.ReenqueueDelays["processing"])
	assert.Equal(t, constants.DefaultMinConcurrentSteps, cfg.Execution.MinConcurrentSteps)
	assert.Equal(t, constants.DefaultMaxConcurrentSteps, cfg.Execution.MaxConcurrentSteps)
	assert.Equal(t, constants.DefaultCacheTTL, cfg.Cache.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadUsesDefaultsWithoutFiles(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Database.MaxConnections, cfg.Database.MaxConnections)
	assert.Equal(t, DefaultConfig().Worker.Concurrency, cfg.Worker.Concurrency)
}

func TestLoadReadsProjectConfig(t *testing.T) {
	dir := chdirTemp(t)

	content := []byte(`
database:
  url: postgres://sequor@localhost/sequor
  max_connections: 8
execution:
  max_concurrent_steps: 6
  batch_base_timeout: 10s
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sequor.yaml"), content, 0o600))

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "postgres://sequor@localhost/sequor", cfg.Database.URL)
	assert.Equal(t, 8, cfg.Database.MaxConnections)
	assert.Equal(t, 6, cfg.Execution.MaxConcurrentSteps)
	assert.Equal(t, 10*time.Second, cfg.Execution.BatchBaseTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, constants.DefaultMinConcurrentSteps, cfg.Execution.MinConcurrentSteps)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sequor.yaml"),
		[]byte("worker:\n  concurrency: 2\n"), 0o600))

	t.Setenv("SEQUOR_WORKER_CONCURRENCY", "9")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Worker.Concurrency)
}

func TestCorrelationIDHeaderEnvOverride(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultCorrelationIDHeader, cfg.Telemetry.CorrelationIDHeader)

	// The bare variable is honored without the SEQUOR_ prefix.
	t.Setenv(constants.EnvCorrelationIDHeader, "X-Request-ID")

	cfg, err = Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "X-Request-ID", cfg.Telemetry.CorrelationIDHeader)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sequor.yaml"),
		[]byte("database: [not a map"), 0o600))

	_, err := Load(context.Background())
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 7\n"), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Worker.Concurrency)

	_, err = LoadFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero database connections", mutate: func(c *Config) { c.Database.MaxConnections = 0 }},
		{name: "negative backoff entry", mutate: func(c *Config) { c.Backoff.DefaultBackoffSeconds = []int{1, -2} }},
		{name: "jitter above one", mutate: func(c *Config) { c.Backoff.JitterMaxPercentage = 1.5 }},
		{name: "negative reenqueue delay", mutate: func(c *Config) { c.Backoff.ReenqueueDelays["processing"] = -1 }},
		{name: "max below min concurrency", mutate: func(c *Config) { c.Execution.MaxConcurrentSteps = 1 }},
		{name: "batch max below base", mutate: func(c *Config) { c.Execution.BatchMaxTimeout = time.Second }},
		{name: "min ttl above max", mutate: func(c *Config) { c.Cache.MinTTL = time.Hour }},
		{name: "zero worker concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.ErrorIs(t, Validate(cfg), seqerrors.ErrConfigInvalid)
		})
	}
}

func TestValidateNilConfig(t *testing.T) {
	require.ErrorIs(t, Validate(nil), seqerrors.ErrConfigInvalid)
}

// chdirTemp switches the working directory to a fresh temp dir and isolates
// the home directory so user-level config cannot leak into the test.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}
