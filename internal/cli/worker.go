package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sequor/sequor/internal/orchestration"
)

// newWorkerCmd creates the worker command: the long-running process that
// claims due tasks from the job queue and cycles them to completion.
func newWorkerCmd(state *rootState) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background task worker",
		Long: `Runs a pool of dequeue loops against the job queue. Each claimed task is
locked and driven through execution cycles until it completes, fails, or is
scheduled for a later retry. Stop with SIGINT or SIGTERM; in-flight step
batches are allowed to finish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := GetLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, state.cfg, logger, state.handlers)
			if err != nil {
				return err
			}
			defer rt.close()

			if concurrency <= 0 {
				concurrency = state.cfg.Worker.Concurrency
			}
			worker := orchestration.NewWorker(rt.queue, rt.coordinator, concurrency, logger)
			return worker.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "dequeue loop count (default: worker.concurrency from config)")
	return cmd
}
