package domain

import (
	"encoding/json"
	"time"
)

// WorkflowStep is a single node in a task's DAG, executed at most once to
// success. Mutable fields change only through the state machine and the
// executor; external readers treat the row as read-only.
type WorkflowStep struct {
	// ID is the stable integer primary key.
	ID int64 `json:"step_id" db:"id"`

	// TaskID references the owning task.
	TaskID int64 `json:"task_id" db:"task_id"`

	// NamedStepID references the registered named step.
	NamedStepID int64 `json:"named_step_id" db:"named_step_id"`

	// Name is the named step's name, denormalized for dispatch and reporting.
	// One node per named step per task, matching the unique index.
	Name string `json:"name" db:"name"`

	// DependentSystem is the external system the step's handler talks to.
	DependentSystem string `json:"dependent_system" db:"dependent_system"`

	// Handler is the registry key of the handler invoked for this step,
	// copied from the template at instantiation.
	Handler string `json:"handler" db:"handler"`

	// SortKey orders viable steps for stable dispatch; assigned at
	// instantiation in topological order.
	SortKey int `json:"sort_key" db:"sort_key"`

	// Attempts counts retry transitions; never exceeds RetryLimit.
	Attempts int `json:"attempts" db:"attempts"`

	// RetryLimit bounds the attempts. Zero means the first failure is terminal.
	RetryLimit int `json:"retry_limit" db:"retry_limit"`

	// Retryable marks whether failures may be retried. Nil is treated as true.
	Retryable *bool `json:"retryable,omitempty" db:"retryable"`

	// Skippable marks whether the step honors a bypass listing on the task.
	Skippable bool `json:"skippable" db:"skippable"`

	// InProcess guards against concurrent dispatch within one cycle. It is an
	// additional guard on top of transactional locking, not a substitute.
	InProcess bool `json:"in_process" db:"in_process"`

	// Processed is true once the step reached complete. Redundant with the
	// current state but retained because the readiness predicate depends on it.
	Processed bool `json:"processed" db:"processed"`

	// LastAttemptedAt is when the executor last dispatched the step.
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty" db:"last_attempted_at"`

	// BackoffRequestSeconds is the server-supplied retry delay, when a handler
	// returned one. It takes priority over the exponential backoff.
	BackoffRequestSeconds *int `json:"backoff_request_seconds,omitempty" db:"backoff_request_seconds"`

	// Inputs is the opaque JSON input recorded for the step.
	Inputs json.RawMessage `json:"inputs,omitempty" db:"inputs"`

	// Results is the handler output recorded on success.
	Results json.RawMessage `json:"results,omitempty" db:"results"`

	// CreatedAt is when the step row was inserted.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsRetryable reports the effective retryability; a nil Retryable is true.
func (s *WorkflowStep) IsRetryable() bool {
	return s.Retryable == nil || *s.Retryable
}

// RetriesExhausted reports whether the step has no retry budget left.
func (s *WorkflowStep) RetriesExhausted() bool {
	return s.Attempts >= s.RetryLimit
}

// WorkflowStepEdge is a directed dependency between two steps of one task.
// Edges are created at task instantiation and never mutated.
type WorkflowStepEdge struct {
	ID int64 `json:"edge_id" db:"id"`

	// FromStepID is the parent step; it must be complete (or bypassed) before
	// the child becomes ready.
	FromStepID int64 `json:"from_step" db:"from_step_id"`

	// ToStepID is the dependent child step.
	ToStepID int64 `json:"to_step" db:"to_step_id"`

	// Name labels the edge; "provides" by default.
	Name string `json:"name" db:"name"`
}

// DefaultEdgeName labels edges created from template depends_on lists.
const DefaultEdgeName = "provides"

// StepSequence is the handler-facing view of a task's steps. Handlers read
// previous steps' results through Find; the engine guarantees parents are
// complete before a child's handler runs.
type StepSequence struct {
	steps  []*WorkflowStep
	byName map[string]*WorkflowStep
}

// NewStepSequence builds a sequence over the given steps.
func NewStepSequence(steps []*WorkflowStep) *StepSequence {
	byName := make(map[string]*WorkflowStep, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}
	return &StepSequence{steps: steps, byName: byName}
}

// Find returns the step with the given name, or nil.
func (q *StepSequence) Find(name string) *WorkflowStep {
	return q.byName[name]
}

// Steps returns the sequence's steps in sort-key order.
func (q *StepSequence) Steps() []*WorkflowStep {
	return q.steps
}

// Len returns the number of steps in the sequence.
func (q *StepSequence) Len() int {
	return len(q.steps)
}
