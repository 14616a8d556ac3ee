package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sequor/sequor/internal/backoff"
	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
	seqerrors "github.com/sequor/sequor/internal/errors"
	"github.com/sequor/sequor/internal/events"
	"github.com/sequor/sequor/internal/registry"
	"github.com/sequor/sequor/internal/store"
)

// timeoutErrorCode classifies batch-timeout failures in transition metadata.
const timeoutErrorCode = "timeout"

// StepResult is the executor's per-step outcome.
type StepResult struct {
	// StepID identifies the dispatched step.
	StepID int64

	// Name is the step's name.
	Name string

	// Completed is true when the handler succeeded.
	Completed bool

	// Permanent is true when the failure must not be retried.
	Permanent bool

	// TimedOut is true when the failure came from the batch timeout.
	TimedOut bool

	// HandlerErr is the handler's failure, nil on success.
	HandlerErr error

	// InfraErr is an engine-side failure (store write, dispatch). It is never
	// suppressed; the coordinator propagates it out of the cycle.
	InfraErr error
}

// Executor dispatches batches of viable steps to their handlers with bounded
// concurrency, records outcomes through the store, and publishes step events.
type Executor struct {
	store    store.Store
	registry *registry.Registry
	calc     *backoff.Calculator
	conc     *ConcurrencyCalculator
	bus      *events.Bus
	clk      clock.Clock
	cfg      ExecutionConfig
	logger   zerolog.Logger
}

// NewExecutor builds a step executor.
func NewExecutor(st store.Store, reg *registry.Registry, calc *backoff.Calculator, conc *ConcurrencyCalculator, bus *events.Bus, clk clock.Clock, cfg ExecutionConfig, logger zerolog.Logger) *Executor {
	return &Executor{
		store:    st,
		registry: reg,
		calc:     calc,
		conc:     conc,
		bus:      bus,
		clk:      clk,
		cfg:      cfg.Normalize(),
		logger:   logger,
	}
}

// Execute dispatches one batch of viable steps. Steps run concurrently up to
// the dynamic cap, under one shared batch timeout. Handler failures are
// recorded per step and do not fail the batch; engine failures do.
func (e *Executor) Execute(ctx context.Context, task *domain.Task, sequence *domain.StepSequence, viable []domain.StepReadinessRow) ([]StepResult, error) {
	if len(viable) == 0 {
		return nil, nil
	}

	limit := e.conc.Cap(ctx)
	timeout := e.cfg.BatchTimeout(len(viable))

	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug().
		Int64("task_id", task.ID).
		Int("batch_size", len(viable)).
		Int("concurrency", limit).
		Dur("timeout", timeout).
		Msg("executing step batch")

	results := make([]StepResult, len(viable))
	group := &errgroup.Group{}
	group.SetLimit(limit)

	for i, row := range viable {
		group.Go(func() error {
			results[i] = e.runStep(batchCtx, task, sequence, row)
			return nil
		})
	}
	_ = group.Wait()

	var infraErrs []error
	for i := range results {
		if results[i].InfraErr != nil {
			infraErrs = append(infraErrs, results[i].InfraErr)
		}
	}
	return results, errors.Join(infraErrs...)
}

// runStep executes one step end to end: dispatch, handler invocation, and
// outcome recording.
func (e *Executor) runStep(ctx context.Context, task *domain.Task, sequence *domain.StepSequence, row domain.StepReadinessRow) StepResult {
	result := StepResult{StepID: row.StepID, Name: row.Name}
	logger := e.logger.With().Int64("task_id", task.ID).Int64("step_id", row.StepID).Str("step_name", row.Name).Logger()

	if ctx.Err() != nil {
		// The batch deadline expired before this step was dispatched. It stays
		// pending and ready for the next cycle, with no attempt consumed.
		logger.Debug().Msg("batch deadline expired before dispatch, step skipped")
		return result
	}

	e.publish(constants.EventStepBeforeHandle, task, row.StepID, row.Name, nil)

	step, err := e.store.DispatchStep(ctx, row.StepID, e.clk.Now())
	if err != nil {
		result.InfraErr = fmt.Errorf("dispatch step %d: %w", row.StepID, err)
		return result
	}

	output, handlerErr := e.invoke(ctx, task, sequence, step)

	// Outcomes are recorded even after the batch deadline expires; a dispatched
	// step must never be left in_progress.
	recordCtx := context.WithoutCancel(ctx)

	if handlerErr == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// The handler finished after the batch deadline. The result is
		// discarded and the step retried as a timeout.
		handlerErr = fmt.Errorf("%w: handler finished after batch deadline", seqerrors.ErrTimeout)
	}
	if handlerErr == nil {
		return e.recordSuccess(recordCtx, task, step, output, result, logger)
	}
	return e.recordFailure(recordCtx, task, step, handlerErr, result, logger)
}

// invoke resolves and calls the step's handler. A missing handler is a
// permanent failure: the binding was validated at registration, so absence
// here means the worker is running with a different registry.
func (e *Executor) invoke(ctx context.Context, task *domain.Task, sequence *domain.StepSequence, step *domain.WorkflowStep) (any, error) {
	handler, err := e.registry.Resolve(step.Handler)
	if err != nil {
		return nil, seqerrors.NewPermanent(err, "handler_not_registered")
	}
	return handler.Handle(ctx, task, sequence, step)
}

// recordSuccess stores the handler output and completes the step.
func (e *Executor) recordSuccess(ctx context.Context, task *domain.Task, step *domain.WorkflowStep, output any, result StepResult, logger zerolog.Logger) StepResult {
	var encoded json.RawMessage
	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			// Unserializable output is a handler bug; treat it as permanent.
			return e.recordFailure(ctx, task, step,
				seqerrors.NewPermanent(fmt.Errorf("encode handler output: %w", err), "unserializable_result"),
				result, logger)
		}
		encoded = data
	}

	if err := e.store.CompleteStep(ctx, step.ID, encoded); err != nil {
		result.InfraErr = fmt.Errorf("complete step %d: %w", step.ID, err)
		return result
	}

	result.Completed = true
	logger.Info().Int("attempt", step.Attempts).Msg("step completed")
	e.publish(constants.EventStepCompleted, task, step.ID, step.Name, domain.Metadata{
		domain.MetaAttemptNumber: step.Attempts,
	})
	return result
}

// recordFailure classifies the handler error, records it, and schedules
// backoff for retryable failures.
func (e *Executor) recordFailure(ctx context.Context, task *domain.Task, step *domain.WorkflowStep, handlerErr error, result StepResult, logger zerolog.Logger) StepResult {
	result.HandlerErr = handlerErr

	failure := store.StepFailure{Message: handlerErr.Error()}
	metadata := domain.Metadata{
		domain.MetaErrorMessage:  handlerErr.Error(),
		domain.MetaAttemptNumber: step.Attempts,
	}

	switch {
	case errors.Is(handlerErr, context.DeadlineExceeded), errors.Is(handlerErr, seqerrors.ErrTimeout):
		// Batch timeout: retryable, classified as a timeout.
		result.TimedOut = true
		failure.Code = timeoutErrorCode
		metadata[domain.MetaErrorCode] = timeoutErrorCode

	case seqerrors.IsPermanent(handlerErr):
		result.Permanent = true
		failure.Permanent = true
		var pe *seqerrors.PermanentError
		if errors.As(handlerErr, &pe) && pe.Code != "" {
			failure.Code = pe.Code
			metadata[domain.MetaErrorCode] = pe.Code
		}

	default:
		// Unknown errors are retryable, conservatively.
		if retryAfter, ok := seqerrors.RetryAfterOf(handlerErr); ok {
			seconds := int(e.calc.ServerBackoff(retryAfter).Seconds())
			failure.BackoffSeconds = &seconds
			metadata[domain.MetaBackoffSeconds] = seconds
		}
	}

	if err := e.store.FailStep(ctx, step.ID, failure); err != nil {
		result.InfraErr = fmt.Errorf("fail step %d: %w", step.ID, err)
		return result
	}

	logger.Warn().
		Err(handlerErr).
		Int("attempt", step.Attempts).
		Bool("permanent", result.Permanent).
		Msg("step failed")
	e.publish(constants.EventStepFailed, task, step.ID, step.Name, metadata)

	if !result.Permanent {
		backoffMeta := domain.Metadata{domain.MetaAttemptNumber: step.Attempts}
		if failure.BackoffSeconds != nil {
			backoffMeta[domain.MetaBackoffSeconds] = *failure.BackoffSeconds
		} else {
			backoffMeta[domain.MetaBackoffSeconds] = int(e.calc.StepBackoff(step.Attempts).Seconds())
		}
		e.publish(constants.EventStepBackoff, task, step.ID, step.Name, backoffMeta)
	}
	return result
}

// publish emits a step-scoped event with the task's correlation ID.
func (e *Executor) publish(name string, task *domain.Task, stepID int64, stepName string, metadata domain.Metadata) {
	if task.CorrelationID != "" {
		if metadata == nil {
			metadata = domain.Metadata{}
		}
		metadata[constants.CorrelationIDMetadataKey] = task.CorrelationID
	}
	e.bus.Publish(events.Event{
		Name:     name,
		TaskID:   task.ID,
		StepID:   stepID,
		StepName: stepName,
		Metadata: metadata,
		At:       e.clk.Now(),
	})
}
