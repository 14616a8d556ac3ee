// Package cli provides the command-line interface for sequor: the worker
// process, schema migrations, workflow registration and the task submission
// and inspection commands.
package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sequor/sequor/internal/config"
	"github.com/sequor/sequor/internal/registry"
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	// Version is the semantic version (e.g., "1.0.0").
	Version string
	// Commit is the git commit hash.
	Commit string
	// Date is the build date.
	Date string
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
	quiet      bool
}

// globalLogger stores the initialized logger for use by subcommands. It is
// set during PersistentPreRunE and accessed via GetLogger.
var (
	globalLogger   zerolog.Logger //nolint:gochecknoglobals // CLI logger requires global access
	globalLoggerMu sync.RWMutex   //nolint:gochecknoglobals // Protects globalLogger
)

// GetLogger returns the initialized logger for use by subcommands. It must
// only be called after the root command's PersistentPreRunE has executed.
func GetLogger() zerolog.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// rootState carries the loaded configuration between PersistentPreRunE and
// the subcommands.
type rootState struct {
	flags    globalFlags
	cfg      *config.Config
	handlers func(*registry.Registry) error
}

// newRootCmd creates the root command for the sequor CLI.
func newRootCmd(state *rootState, info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequor",
		Short: "SEQUOR - durable workflow orchestration",
		Long: `SEQUOR orchestrates durable multi-step workflows across external systems:
tasks are instantiated from registered workflow definitions, executed as
dependency-ordered steps with bounded concurrency, retried with backoff,
and driven to completion by background workers.`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context(), state.flags.configPath)
			if err != nil {
				return err
			}
			state.cfg = cfg

			globalLoggerMu.Lock()
			globalLogger = InitLogger(cfg.Logging, state.flags.verbose, state.flags.quiet)
			globalLoggerMu.Unlock()
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&state.flags.configPath, "config", "", "path to config file (default: ./sequor.yaml, ~/.sequor/sequor.yaml)")
	cmd.PersistentFlags().BoolVarP(&state.flags.verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&state.flags.quiet, "quiet", "q", false, "only log warnings and errors")

	cmd.AddCommand(
		newMigrateCmd(state),
		newWorkerCmd(state),
		newRegisterCmd(state),
		newSubmitCmd(state),
		newStatusCmd(state),
		newCancelCmd(state),
		newResolveCmd(state),
	)
	return cmd
}

// loadConfig resolves configuration from the explicit path or the search
// paths.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load(ctx)
}

// formatVersion creates the version string from build info.
func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
// Handlers are registered into every worker runtime; embedders supply their
// own set on top of the built-ins.
func Execute(ctx context.Context, info BuildInfo, handlers func(*registry.Registry) error) error {
	state := &rootState{handlers: handlers}
	cmd := newRootCmd(state, info)
	return cmd.ExecuteContext(ctx)
}
