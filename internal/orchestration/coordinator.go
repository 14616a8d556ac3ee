package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sequor/sequor/internal/backoff"
	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/ctxutil"
	"github.com/sequor/sequor/internal/domain"
	"github.com/sequor/sequor/internal/events"
	"github.com/sequor/sequor/internal/lifecycle"
	"github.com/sequor/sequor/internal/queue"
	"github.com/sequor/sequor/internal/readiness"
	"github.com/sequor/sequor/internal/store"
)

// Coordinator drives one task at a time through execution cycles: snapshot,
// readiness, batch execution, and finalization. A per-task lock guarantees at
// most one coordinator cycles a given task across the whole deployment.
type Coordinator struct {
	store      store.Store
	engine     *readiness.Engine
	executor   *Executor
	calc       *backoff.Calculator
	reenqueuer queue.Reenqueuer
	bus        *events.Bus
	clk        clock.Clock
	logger     zerolog.Logger
}

// NewCoordinator builds a task coordinator.
func NewCoordinator(st store.Store, engine *readiness.Engine, executor *Executor, calc *backoff.Calculator, reenqueuer queue.Reenqueuer, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		engine:     engine,
		executor:   executor,
		calc:       calc,
		reenqueuer: reenqueuer,
		bus:        bus,
		clk:        clk,
		logger:     logger,
	}
}

// Handle runs execution cycles for one task until no further progress is
// possible in this invocation, then finalizes. Returns nil without doing
// anything when another coordinator holds the task's lock; the lock holder
// will reenqueue as needed.
func (c *Coordinator) Handle(ctx context.Context, taskID int64) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	release, ok, err := c.store.TryLockTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("lock task %d: %w", taskID, err)
	}
	if !ok {
		c.logger.Debug().Int64("task_id", taskID).Msg("task locked elsewhere, skipping")
		return nil
	}
	defer release()

	return c.cycle(ctx, taskID)
}

// cycle is the locked body of Handle.
func (c *Coordinator) cycle(ctx context.Context, taskID int64) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	logger := c.logger.With().Int64("task_id", taskID).Str("task_name", task.Name).Logger()

	state, err := c.store.TaskState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %d state: %w", taskID, err)
	}
	if lifecycle.IsTerminalTaskState(state) {
		logger.Debug().Str("state", state.String()).Msg("task already terminal, nothing to do")
		return nil
	}

	if state == constants.TaskStatePending || state == constants.TaskStateError {
		if _, err = c.store.RecordTaskTransition(ctx, taskID, constants.TaskStateInProgress, nil); err != nil {
			return fmt.Errorf("start task %d: %w", taskID, err)
		}
		if state == constants.TaskStatePending {
			c.publishTask(constants.EventTaskStarted, task, nil)
		}
	}

	for {
		if err = ctxutil.Canceled(ctx); err != nil {
			return err
		}

		snap, err := c.store.Snapshot(ctx, taskID)
		if err != nil {
			return fmt.Errorf("snapshot task %d: %w", taskID, err)
		}

		// Cancellation can land between batches; respect it immediately.
		current, err := c.store.TaskState(ctx, taskID)
		if err != nil {
			return fmt.Errorf("task %d state: %w", taskID, err)
		}
		if lifecycle.IsTerminalTaskState(current) {
			logger.Info().Str("state", current.String()).Msg("task reached terminal state mid-cycle")
			return nil
		}

		rows := c.engine.Readiness(snap)
		viable := viableRows(rows)
		if len(viable) == 0 {
			break
		}

		sequence := domain.NewStepSequence(snap.Steps)
		results, execErr := c.executor.Execute(ctx, snap.Task, sequence, viable)
		if execErr != nil {
			return fmt.Errorf("execute batch for task %d: %w", taskID, execErr)
		}

		if !anyProgress(results) {
			break
		}
	}

	return c.finalize(ctx, taskID)
}

// viableRows filters readiness rows down to the dispatchable ones, preserving
// the engine's (sort_key, id) ordering.
func viableRows(rows []domain.StepReadinessRow) []domain.StepReadinessRow {
	var viable []domain.StepReadinessRow
	for _, row := range rows {
		if row.ReadyForExecution {
			viable = append(viable, row)
		}
	}
	return viable
}

// anyProgress reports whether at least one step of the batch completed. A
// batch of pure failures makes no dependency progress, so the next readiness
// pass can only shrink; stopping here lets backoff windows drive the retry.
func anyProgress(results []StepResult) bool {
	for i := range results {
		if results[i].Completed {
			return true
		}
	}
	return false
}

// finalize reads the post-execution context and settles the task: terminal
// transition on all_complete or blocked_by_failures, reenqueue otherwise.
func (c *Coordinator) finalize(ctx context.Context, taskID int64) error {
	snap, err := c.store.Snapshot(ctx, taskID)
	if err != nil {
		return fmt.Errorf("snapshot task %d: %w", taskID, err)
	}

	state, err := c.store.TaskState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %d state: %w", taskID, err)
	}
	if lifecycle.IsTerminalTaskState(state) {
		return nil
	}

	ec := c.engine.ExecutionContext(snap)
	logger := c.logger.With().Int64("task_id", taskID).Str("execution_status", ec.ExecutionStatus.String()).Logger()

	defer c.publishTask(constants.EventCycleFinished, snap.Task, domain.Metadata{
		"execution_status": ec.ExecutionStatus.String(),
		"complete_steps":   ec.CompleteSteps,
		"error_steps":      ec.ErrorSteps,
		"total_steps":      ec.TotalSteps,
	})

	switch ec.ExecutionStatus {
	case constants.ExecutionStatusAllComplete:
		if _, err = c.store.RecordTaskTransition(ctx, taskID, constants.TaskStateComplete, nil); err != nil {
			return fmt.Errorf("complete task %d: %w", taskID, err)
		}
		logger.Info().Msg("task completed")
		c.publishTask(constants.EventTaskCompleted, snap.Task, nil)
		return nil

	case constants.ExecutionStatusBlockedByFailures:
		metadata := failureMetadata(c.engine.Readiness(snap))
		if _, err = c.store.RecordTaskTransition(ctx, taskID, constants.TaskStateError, metadata); err != nil {
			return fmt.Errorf("fail task %d: %w", taskID, err)
		}
		logger.Warn().Msg("task blocked by failures")
		c.publishTask(constants.EventTaskFailed, snap.Task, metadata)
		return nil

	case constants.ExecutionStatusWaitingForDependencies:
		delay := c.calc.ReenqueueDelayUntil(ec.ExecutionStatus, ec.MinNextRetryAt, c.clk.Now())
		return c.reenqueue(ctx, snap.Task, ec, delay, logger)

	default:
		// has_ready_steps or processing: come back soon.
		return c.reenqueue(ctx, snap.Task, ec, c.calc.ReenqueueDelay(ec.ExecutionStatus), logger)
	}
}

// reenqueue schedules the task's next cycle.
func (c *Coordinator) reenqueue(ctx context.Context, task *domain.Task, ec domain.TaskExecutionContext, delay time.Duration, logger zerolog.Logger) error {
	if err := c.reenqueuer.Enqueue(ctx, task.ID, delay); err != nil {
		return fmt.Errorf("reenqueue task %d: %w", task.ID, err)
	}
	logger.Debug().Dur("delay", delay).Msg("task reenqueued")
	c.publishTask(constants.EventTaskReenqueued, task, domain.Metadata{
		"execution_status": ec.ExecutionStatus.String(),
		"delay_seconds":    int(delay.Seconds()),
	})
	return nil
}

// failureMetadata summarizes the terminally failed steps for the task's error
// transition.
func failureMetadata(rows []domain.StepReadinessRow) domain.Metadata {
	var failed []map[string]any
	for _, row := range rows {
		if row.CurrentState == constants.StepStateError && !row.RetryEligible {
			entry := map[string]any{
				"step_id":  row.StepID,
				"name":     row.Name,
				"attempts": row.Attempts,
			}
			if row.LastErrorMessage != "" {
				entry[domain.MetaErrorMessage] = row.LastErrorMessage
			}
			failed = append(failed, entry)
		}
	}
	return domain.Metadata{"failed_steps": failed}
}

// publishTask emits a task-scoped event with the task's correlation ID.
func (c *Coordinator) publishTask(name string, task *domain.Task, metadata domain.Metadata) {
	if task.CorrelationID != "" {
		if metadata == nil {
			metadata = domain.Metadata{}
		}
		metadata[constants.CorrelationIDMetadataKey] = task.CorrelationID
	}
	c.bus.Publish(events.Event{
		Name:     name,
		TaskID:   task.ID,
		Metadata: metadata,
		At:       c.clk.Now(),
	})
}
