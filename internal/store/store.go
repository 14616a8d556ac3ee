// Package store provides durable persistence for the orchestrator: workflow
// registration, task instantiation, the append-only transition logs and the
// per-task snapshots the readiness engine consumes.
//
// Two implementations exist: a Postgres store (sqlx over pgx) for production
// and an in-memory store for single-process use and tests. Both enforce the
// same state-machine validation, sort-key allocation and identity-hash guard,
// so orchestration code behaves identically over either.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors,
//     internal/lifecycle, internal/readiness, internal/clock,
//     internal/ctxutil, std lib
//   - MUST NOT import: internal/orchestration, internal/cli
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
	"github.com/sequor/sequor/internal/readiness"
)

// StepFailure carries everything the store records when a step's handler
// fails: the error text, an optional classification code, whether the failure
// is permanent, and the server-supplied backoff if the handler returned one.
type StepFailure struct {
	Message        string
	Code           string
	Permanent      bool
	BackoffSeconds *int
}

// SystemHealth is the counter set feeding the dynamic concurrency
// calculation.
type SystemHealth struct {
	InProgressTasks   int `json:"in_progress_tasks" db:"in_progress_tasks"`
	InProgressSteps   int `json:"in_progress_steps" db:"in_progress_steps"`
	ActiveConnections int `json:"active_connections" db:"active_connections"`
	PoolSize          int `json:"pool_size" db:"pool_size"`
}

// Store is the persistence contract the orchestrator runs against.
type Store interface {
	// RegisterWorkflow validates and registers a workflow definition as a
	// named task (creating its namespace and named steps on first reference).
	// Registering the same (namespace, name, version) twice is an error.
	RegisterWorkflow(ctx context.Context, def *domain.WorkflowDefinition) (*domain.NamedTask, error)

	// FindNamedTask resolves a registered workflow. An empty version selects
	// the latest registered version. Returns ErrUnknownTask when absent.
	FindNamedTask(ctx context.Context, namespace, name, version string) (*domain.NamedTask, error)

	// CreateTask instantiates a task from a request: inserts the task row,
	// one workflow step per template in topological sort-key order, and the
	// dependency edges. Fails with ErrDuplicateTask when another task with
	// the same identity hash exists within the identity window, and with
	// ErrUnknownTask when the request names no registered workflow.
	CreateTask(ctx context.Context, req *domain.TaskRequest) (*domain.Task, error)

	// GetTask retrieves a task by ID. Returns ErrUnknownTask when absent.
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)

	// GetStep retrieves a workflow step by ID. Returns ErrStepNotFound when absent.
	GetStep(ctx context.Context, stepID int64) (*domain.WorkflowStep, error)

	// Snapshot returns a consistent view of one task: its steps in
	// (sort_key, id) order, its edges, and per-step state derived from the
	// transition log, read within one store round trip.
	Snapshot(ctx context.Context, taskID int64) (*readiness.Snapshot, error)

	// TaskState derives the task's current state from its latest transition;
	// an empty log means pending.
	TaskState(ctx context.Context, taskID int64) (constants.TaskState, error)

	// StepState derives the step's current state from its latest transition.
	StepState(ctx context.Context, stepID int64) (constants.StepState, error)

	// RecordTaskTransition validates and appends one task transition,
	// allocating the next sort key under the task's row lock. Returns
	// ErrInvalidTransition when the edge is not in the allowed set.
	RecordTaskTransition(ctx context.Context, taskID int64, to constants.TaskState, metadata domain.Metadata) (*domain.Transition, error)

	// RecordStepTransition is RecordTaskTransition for the step log.
	RecordStepTransition(ctx context.Context, stepID int64, to constants.StepState, metadata domain.Metadata) (*domain.Transition, error)

	// TaskTransitions returns the task's transition log in sort-key order.
	TaskTransitions(ctx context.Context, taskID int64) ([]*domain.Transition, error)

	// StepTransitions returns the step's transition log in sort-key order.
	StepTransitions(ctx context.Context, stepID int64) ([]*domain.Transition, error)

	// MostRecentStepTransitionTo returns the latest step transition entering
	// the given state, or nil when none exists.
	MostRecentStepTransitionTo(ctx context.Context, stepID int64, state constants.StepState) (*domain.Transition, error)

	// DispatchStep moves a viable step into in_progress in one transaction:
	// when the step is in error it first records the error→pending retry
	// transition, then records pending→in_progress, increments attempts,
	// stamps last_attempted_at and sets in_process. Returns the updated step.
	DispatchStep(ctx context.Context, stepID int64, now time.Time) (*domain.WorkflowStep, error)

	// CompleteStep records in_progress→complete, stores the handler results,
	// marks the step processed and clears in_process and any pending
	// server-supplied backoff, in one transaction.
	CompleteStep(ctx context.Context, stepID int64, results json.RawMessage) error

	// FailStep records in_progress→error with the failure's metadata, stores
	// the server-supplied backoff when present, clears in_process, and on a
	// permanent failure marks the step non-retryable, in one transaction.
	FailStep(ctx context.Context, stepID int64, failure StepFailure) error

	// CancelTask transitions the task and every non-terminal step to
	// cancelled with the given reason.
	CancelTask(ctx context.Context, taskID int64, reason string) error

	// ResolveTaskManually transitions an error task (and its error steps) to
	// resolved_manually with the given reason.
	ResolveTaskManually(ctx context.Context, taskID int64, reason string) error

	// TryLockTask acquires the per-task cycle lock without blocking. When the
	// lock is held elsewhere it returns ok=false and a nil release func.
	TryLockTask(ctx context.Context, taskID int64) (release func(), ok bool, err error)

	// SystemHealth returns the counters feeding the concurrency calculation.
	SystemHealth(ctx context.Context) (*SystemHealth, error)
}
