package domain

import (
	"time"

	"github.com/sequor/sequor/internal/constants"
)

// StepReadinessRow is the per-step readiness projection consumed by the
// orchestrator. Rows are plain values produced by the readiness engine;
// nothing mutates them.
type StepReadinessRow struct {
	StepID   int64  `json:"step_id" db:"step_id"`
	TaskID   int64  `json:"task_id" db:"task_id"`
	Name     string `json:"name" db:"name"`
	SortKey  int    `json:"sort_key" db:"sort_key"`

	// CurrentState is derived from the step's transition log.
	CurrentState constants.StepState `json:"current_state" db:"current_state"`

	// DependenciesSatisfied is true when every parent is complete or bypassed.
	DependenciesSatisfied bool `json:"dependencies_satisfied" db:"dependencies_satisfied"`

	// TotalParents and CompletedParents expose the dependency progress that
	// DependenciesSatisfied summarizes.
	TotalParents     int `json:"total_parents" db:"total_parents"`
	CompletedParents int `json:"completed_parents" db:"completed_parents"`

	Attempts   int  `json:"attempts" db:"attempts"`
	RetryLimit int  `json:"retry_limit" db:"retry_limit"`
	Retryable  bool `json:"retryable" db:"retryable"`

	// RetryEligible is true when the step may still be retried: retryable,
	// attempts below the limit, and not marked permanently failed.
	RetryEligible bool `json:"retry_eligible" db:"retry_eligible"`

	// NextRetryAt is when the step's backoff window closes; nil when no
	// backoff constraint applies.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`

	// LastFailureAt is the time of the most recent error transition.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`

	BackoffRequestSeconds *int       `json:"backoff_request_seconds,omitempty" db:"backoff_request_seconds"`
	LastAttemptedAt       *time.Time `json:"last_attempted_at,omitempty" db:"last_attempted_at"`

	InProcess bool `json:"in_process" db:"in_process"`
	Processed bool `json:"processed" db:"processed"`

	// ReadyForExecution is the readiness predicate over all of the above.
	ReadyForExecution bool `json:"ready_for_execution" db:"ready_for_execution"`

	// BlockedReason explains why a non-ready, non-terminal step cannot run.
	BlockedReason BlockedReason `json:"blocked_reason,omitempty" db:"blocked_reason"`

	// LastErrorMessage is the error_message metadata of the latest error
	// transition, surfaced on terminally failed tasks.
	LastErrorMessage string `json:"last_error_message,omitempty" db:"last_error_message"`
}

// BlockedReason classifies why a step is not ready.
type BlockedReason string

// Blocked reasons reported in readiness rows and workflow summaries.
const (
	BlockedNone             BlockedReason = ""
	BlockedOnDependencies   BlockedReason = "waiting_for_dependencies"
	BlockedOnBackoff        BlockedReason = "waiting_for_backoff"
	BlockedInProcess        BlockedReason = "in_process"
	BlockedRetriesExhausted BlockedReason = "retries_exhausted"
	BlockedNotRetryable     BlockedReason = "not_retryable"
)

// TaskExecutionContext aggregates per-step states into the task-level view
// the finalizer and the read-only status surface consume.
type TaskExecutionContext struct {
	TaskID int64 `json:"task_id" db:"task_id"`

	TotalSteps      int `json:"total_steps" db:"total_steps"`
	PendingSteps    int `json:"pending_steps" db:"pending_steps"`
	InProgressSteps int `json:"in_progress_steps" db:"in_progress_steps"`
	CompleteSteps   int `json:"complete_steps" db:"complete_steps"`
	ErrorSteps      int `json:"error_steps" db:"error_steps"`
	ReadySteps      int `json:"ready_steps" db:"ready_steps"`

	// CompletionPercentage is complete/total in [0,100]; 100 for empty tasks.
	CompletionPercentage float64 `json:"completion_percentage" db:"completion_percentage"`

	ExecutionStatus   constants.ExecutionStatus   `json:"execution_status" db:"execution_status"`
	HealthStatus      constants.HealthStatus      `json:"health_status" db:"health_status"`
	RecommendedAction constants.RecommendedAction `json:"recommended_action" db:"recommended_action"`

	// MinNextRetryAt is the earliest next-eligible time over all failed but
	// retry-eligible steps; nil when none are waiting on backoff.
	MinNextRetryAt *time.Time `json:"min_next_retry_at,omitempty"`
}

// ParallelismPotential classifies how much of a task's remaining work can
// run concurrently.
type ParallelismPotential string

// Parallelism potential labels in workflow summaries.
const (
	ParallelismNone     ParallelismPotential = "no_parallelism"
	ParallelismLimited  ParallelismPotential = "limited_parallelism"
	ParallelismModerate ParallelismPotential = "moderate_parallelism"
	ParallelismHigh     ParallelismPotential = "high_parallelism"
)

// BlockedStep pairs a blocked step with the reason it cannot run.
type BlockedStep struct {
	StepID int64         `json:"step_id"`
	Name   string        `json:"name"`
	Reason BlockedReason `json:"reason"`
}

// TaskWorkflowSummary extends the execution context with DAG shape analysis
// for the read-only query surface.
type TaskWorkflowSummary struct {
	TaskExecutionContext

	// RootStepIDs are steps with no parents.
	RootStepIDs []int64 `json:"root_step_ids"`

	// LeafStepIDs are steps with no children.
	LeafStepIDs []int64 `json:"leaf_step_ids"`

	// NextExecutableStepIDs are the ready steps, in dispatch order.
	NextExecutableStepIDs []int64 `json:"next_executable_step_ids"`

	// BlockedSteps are incomplete steps that are not ready, with reasons.
	BlockedSteps []BlockedStep `json:"blocked_steps"`

	// MaxDependencyDepth is the longest root-to-leaf path length (1 for a
	// single step).
	MaxDependencyDepth int `json:"max_dependency_depth"`

	// ParallelBranchCount is the widest antichain observed across depth levels.
	ParallelBranchCount int `json:"parallel_branch_count"`

	// WorkflowEfficiency is completed steps over attempted dispatches in [0,1];
	// 1.0 when nothing has been dispatched yet.
	WorkflowEfficiency float64 `json:"workflow_efficiency"`

	ParallelismPotential ParallelismPotential `json:"parallelism_potential"`
}
