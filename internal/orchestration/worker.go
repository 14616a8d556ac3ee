package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	seqerrors "github.com/sequor/sequor/internal/errors"
	"github.com/sequor/sequor/internal/queue"
)

// Worker runs a pool of dequeue loops against the job queue, handing each
// claimed task to the coordinator. Coordinator failures are logged and the
// loop keeps going; only queue closure or context cancellation stops it.
type Worker struct {
	queue       queue.Queue
	coordinator *Coordinator
	concurrency int
	logger      zerolog.Logger
}

// NewWorker builds a worker pool of the given concurrency (minimum 1).
func NewWorker(q queue.Queue, coordinator *Coordinator, concurrency int, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		coordinator: coordinator,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run blocks until the context is cancelled or the queue is closed, then
// waits for in-flight task cycles to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.concurrency).Msg("worker started")

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		group.Go(func() error {
			return w.loop(ctx, i)
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, seqerrors.ErrQueueClosed) {
		w.logger.Info().Msg("worker stopped")
		return nil
	}
	return err
}

// loop is one dequeue-and-handle cycle runner.
func (w *Worker) loop(ctx context.Context, slot int) error {
	logger := w.logger.With().Int("slot", slot).Logger()

	for {
		taskID, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, seqerrors.ErrQueueClosed) {
				return err
			}
			return fmt.Errorf("dequeue: %w", err)
		}

		if err = w.coordinator.Handle(ctx, taskID); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// A failed cycle is not fatal to the worker; the task stays in
			// its current state and a later reenqueue or resubmission can
			// pick it up.
			logger.Error().Err(err).Int64("task_id", taskID).Msg("task cycle failed")
		}
	}
}
