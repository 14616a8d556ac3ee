package orchestration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/ctxutil"
	"github.com/sequor/sequor/internal/domain"
	seqerrors "github.com/sequor/sequor/internal/errors"
	"github.com/sequor/sequor/internal/events"
	"github.com/sequor/sequor/internal/queue"
	"github.com/sequor/sequor/internal/readiness"
	"github.com/sequor/sequor/internal/registry"
	"github.com/sequor/sequor/internal/store"
)

// Service is the orchestrator's front door: workflow registration, task
// submission, cancellation, manual resolution and the read-only status
// surface. Execution itself happens in the coordinator, reached through the
// job queue.
type Service struct {
	store      store.Store
	registry   *registry.Registry
	engine     *readiness.Engine
	reenqueuer queue.Reenqueuer
	bus        *events.Bus
	clk        clock.Clock
	logger     zerolog.Logger
}

// NewService builds the orchestration service.
func NewService(st store.Store, reg *registry.Registry, engine *readiness.Engine, reenqueuer queue.Reenqueuer, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		store:      st,
		registry:   reg,
		engine:     engine,
		reenqueuer: reenqueuer,
		bus:        bus,
		clk:        clk,
		logger:     logger,
	}
}

// RegisterWorkflow validates the definition against the handler registry and
// registers it with the store. Every step template must name a registered
// handler; rejecting unknown bindings here keeps dispatch-time resolution
// failures out of production tasks.
func (s *Service) RegisterWorkflow(ctx context.Context, def *domain.WorkflowDefinition) (*domain.NamedTask, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if err := s.registry.ValidateDefinition(def); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", def.Name, err)
	}

	named, err := s.store.RegisterWorkflow(ctx, def)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("namespace", def.Namespace).
		Str("name", named.Name).
		Str("version", named.Version).
		Msg("workflow registered")
	return named, nil
}

// Submit instantiates a task from the request and enqueues its first cycle.
// A missing correlation ID is generated here so every event of the task's
// lifetime carries one.
func (s *Service) Submit(ctx context.Context, req *domain.TaskRequest) (*domain.Task, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	task, err := s.store.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}

	if err = s.reenqueuer.Enqueue(ctx, task.ID, 0); err != nil {
		return nil, fmt.Errorf("enqueue task %d: %w", task.ID, err)
	}

	s.logger.Info().
		Int64("task_id", task.ID).
		Str("task_name", task.Name).
		Str("correlation_id", task.CorrelationID).
		Msg("task submitted")
	return task, nil
}

// Cancel transitions the task and its non-terminal steps to cancelled. A task
// blocked in the error state cannot be cancelled; it needs ResolveManually.
func (s *Service) Cancel(ctx context.Context, taskID int64, reason string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	state, err := s.store.TaskState(ctx, taskID)
	if err != nil {
		return err
	}
	if state == constants.TaskStateError {
		return fmt.Errorf("task %d: %w", taskID, seqerrors.ErrTaskBlocked)
	}

	if err := s.store.CancelTask(ctx, taskID, reason); err != nil {
		return err
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.logger.Info().Int64("task_id", taskID).Str("reason", reason).Msg("task cancelled")
	s.publishTask(constants.EventTaskCancelled, task, domain.Metadata{domain.MetaReason: reason})
	return nil
}

// ResolveManually marks an errored task (and its errored steps) as resolved
// by an operator.
func (s *Service) ResolveManually(ctx context.Context, taskID int64, reason string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	if err := s.store.ResolveTaskManually(ctx, taskID, reason); err != nil {
		return err
	}
	s.logger.Info().Int64("task_id", taskID).Str("reason", reason).Msg("task resolved manually")
	return nil
}

// TaskStatus is the read-only status view for one task.
type TaskStatus struct {
	Task  *domain.Task                `json:"task"`
	State constants.TaskState         `json:"state"`
	Steps []domain.StepReadinessRow   `json:"steps"`
	Exec  domain.TaskExecutionContext `json:"execution_context"`
}

// Status returns the task's current state, its per-step readiness rows and
// the aggregated execution context.
func (s *Service) Status(ctx context.Context, taskID int64) (*TaskStatus, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	snap, err := s.store.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	state, err := s.store.TaskState(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &TaskStatus{
		Task:  snap.Task,
		State: state,
		Steps: s.engine.Readiness(snap),
		Exec:  s.engine.ExecutionContext(snap),
	}, nil
}

// Summary returns the task's workflow summary with DAG shape analysis.
func (s *Service) Summary(ctx context.Context, taskID int64) (*domain.TaskWorkflowSummary, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	snap, err := s.store.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	summary := s.engine.WorkflowSummary(snap)
	return &summary, nil
}

func (s *Service) publishTask(name string, task *domain.Task, metadata domain.Metadata) {
	if task.CorrelationID != "" {
		if metadata == nil {
			metadata = domain.Metadata{}
		}
		metadata[constants.CorrelationIDMetadataKey] = task.CorrelationID
	}
	s.bus.Publish(events.Event{
		Name:     name,
		TaskID:   task.ID,
		Metadata: metadata,
		At:       s.clk.Now(),
	})
}
