// Package main provides the entry point for the sequor CLI.
package main

import (
	"context"
	"os"

	"github.com/sequor/sequor/internal/cli"
	"github.com/sequor/sequor/internal/domain"
	"github.com/sequor/sequor/internal/registry"
)

// Build information set via ldflags.
var (
	version = "dev"     //nolint:gochecknoglobals // Set at build time.
	commit  = "none"    //nolint:gochecknoglobals // Set at build time.
	date    = "unknown" //nolint:gochecknoglobals // Set at build time.
)

func main() {
	info := cli.BuildInfo{Version: version, Commit: commit, Date: date}
	if err := cli.Execute(context.Background(), info, registerBuiltins); err != nil {
		os.Exit(1)
	}
}

// registerBuiltins installs the handlers shipped with the reference binary.
// Deployments embedding sequor register their own handlers here instead.
func registerBuiltins(reg *registry.Registry) error {
	return reg.Register("noop", domain.HandlerFunc(
		func(_ context.Context, _ *domain.Task, _ *domain.StepSequence, step *domain.WorkflowStep) (any, error) {
			return map[string]any{"step": step.Name}, nil
		}))
}
