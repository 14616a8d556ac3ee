package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/sequor/sequor/internal/constants"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

// globalConfigDir is the directory under the home directory holding the
// user-wide config file.
const globalConfigDir = ".sequor"

// configFileName is the config file name in both locations.
const configFileName = "sequor.yaml"

// newViperInstance creates a Viper instance with standard SEQUOR settings:
// defaults, the SEQUOR_ environment prefix and the dot-to-underscore key
// replacer (SEQUOR_DATABASE_URL maps to database.url).
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The correlation ID header is also honored without the prefix, matching
	// how upstream systems export it.
	_ = v.BindEnv("telemetry.correlation_id_header",
		constants.EnvPrefix+"_TELEMETRY_CORRELATION_ID_HEADER",
		constants.EnvCorrelationIDHeader)
	return v
}

// isConfigNotFoundError reports whether err is viper's missing-config-file
// error. Missing files are expected; only parse errors are fatal.
func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var notFound viper.ConfigFileNotFoundError
	return stderrors.As(err, &notFound)
}

// viperDecoderOption returns the decode hooks used when unmarshaling: string
// durations ("30s") and comma-separated slices.
func viperDecoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Load reads configuration from all available sources with proper precedence:
// environment variables (SEQUOR_*), then ./sequor.yaml, then
// ~/.sequor/sequor.yaml, then built-in defaults.
//
// Missing config files are not an error; parse failures and invalid values
// are.
func Load(ctx context.Context) (*Config, error) {
	v := newViperInstance()

	if err := loadGlobalConfig(v); err != nil {
		return nil, err
	}
	if err := loadProjectConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	logger := zerolog.Ctx(ctx).With().Str("component", "config").Logger()
	logger.Debug().
		Int("database.max_connections", cfg.Database.MaxConnections).
		Int("worker.concurrency", cfg.Worker.Concurrency).
		Str("logging.level", cfg.Logging.Level).
		Msg("configuration loaded")

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile reads configuration from one explicit file plus environment
// variables and defaults, skipping the search paths. Used by the --config
// flag.
func LoadFromFile(path string) (*Config, error) {
	v := newViperInstance()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadGlobalConfig merges the user-wide config file when it exists.
func loadGlobalConfig(v *viper.Viper) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil //nolint:nilerr // No home directory means no global config.
	}

	path := filepath.Join(home, globalConfigDir, configFileName)
	if _, err = os.Stat(path); err != nil {
		return nil //nolint:nilerr // Missing global config is fine.
	}

	v.SetConfigFile(path)
	if err = v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) {
		return fmt.Errorf("%w: global config %s: %v", seqerrors.ErrConfigInvalid, path, err)
	}
	return nil
}

// loadProjectConfig merges ./sequor.yaml when it exists.
func loadProjectConfig(v *viper.Viper) error {
	if _, err := os.Stat(configFileName); err != nil {
		return nil //nolint:nilerr // Missing project config is fine.
	}

	v.SetConfigFile(configFileName)
	if err := v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) {
		return fmt.Errorf("%w: project config %s: %v", seqerrors.ErrConfigInvalid, configFileName, err)
	}
	return nil
}
