package cli

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sequor/sequor/internal/config"
	"github.com/sequor/sequor/internal/logging"
)

// zerologConfigOnce ensures zerolog global settings are configured exactly once.
var zerologConfigOnce sync.Once //nolint:gochecknoglobals // One-time configuration

// configureZerologGlobals pins zerolog's global field names so log entries
// stay stable across versions.
func configureZerologGlobals() {
	zerologConfigOnce.Do(func() {
		zerolog.TimestampFieldName = "ts"
		zerolog.MessageFieldName = "event"
	})
}

// selectLevel maps verbosity flags to a zerolog level. An explicit flag wins
// over the configured level.
func selectLevel(cfg config.LoggingConfig, verbose, quiet bool) zerolog.Level {
	switch {
	case verbose:
		return zerolog.DebugLevel
	case quiet:
		return zerolog.WarnLevel
	}
	if level, err := zerolog.ParseLevel(cfg.Level); err == nil && level != zerolog.NoLevel {
		return level
	}
	return zerolog.InfoLevel
}

// InitLogger creates the process logger from the logging config and verbosity
// flags. Output goes to stderr, and additionally to the configured rotating
// log file through the credential-redacting writer. A file that cannot be
// opened degrades to console-only logging rather than failing startup.
func InitLogger(cfg config.LoggingConfig, verbose, quiet bool) zerolog.Logger {
	configureZerologGlobals()

	writer := io.Writer(os.Stderr)
	if cfg.File != "" {
		if fileWriter, err := newFileWriter(cfg); err == nil {
			writer = zerolog.MultiLevelWriter(os.Stderr, fileWriter)
		}
	}

	logger := zerolog.New(writer).
		Level(selectLevel(cfg, verbose, quiet)).
		Hook(logging.NewSensitiveDataHook()).
		With().Timestamp().Logger()

	log.Logger = logger
	return logger
}

// newFileWriter opens the rotating log file wrapped with redaction.
func newFileWriter(cfg config.LoggingConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return nil, err
	}
	return logging.NewRedactingWriter(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}), nil
}
