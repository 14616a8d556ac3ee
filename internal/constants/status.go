package constants

// TaskState represents the state of a task in the SEQUOR state machine.
// State values use snake_case for JSON serialization compatibility.
type TaskState string

// Task state constants define the valid states a task can be in.
// These follow the state machine defined in the architecture:
//
//	Pending → InProgress, Cancelled
//	InProgress → Complete, Error, Cancelled
//	Error → InProgress, ResolvedManually
//
// Complete, Cancelled and ResolvedManually are terminal.
const (
	// TaskStatePending indicates a task has been created but no cycle has run yet.
	// A task with an empty transition log is in this state by definition.
	TaskStatePending TaskState = "pending"

	// TaskStateInProgress indicates the orchestrator is actively cycling the task.
	TaskStateInProgress TaskState = "in_progress"

	// TaskStateComplete indicates every workflow step reached the complete state.
	TaskStateComplete TaskState = "complete"

	// TaskStateError indicates the task is blocked by step failures that have
	// exhausted their retries. The task can be driven back to InProgress or
	// resolved manually by an operator.
	TaskStateError TaskState = "error"

	// TaskStateCancelled indicates the task was cancelled before completion.
	TaskStateCancelled TaskState = "cancelled"

	// TaskStateResolvedManually indicates an operator resolved an errored task
	// outside the orchestrator.
	TaskStateResolvedManually TaskState = "resolved_manually"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// StepState represents the state of a workflow step.
type StepState string

// Step state constants define the valid states a workflow step can be in:
//
//	Pending → InProgress, Cancelled
//	InProgress → Complete, Error, Cancelled
//	Error → Pending (retry), ResolvedManually, Cancelled
//
// Complete, Cancelled and ResolvedManually are terminal.
const (
	// StepStatePending indicates the step has not run, or has been reset for retry.
	StepStatePending StepState = "pending"

	// StepStateInProgress indicates the executor has dispatched the step to its handler.
	StepStateInProgress StepState = "in_progress"

	// StepStateComplete indicates the handler returned successfully.
	StepStateComplete StepState = "complete"

	// StepStateError indicates the handler failed. Depending on retryability and
	// the retry limit, the step may return to Pending or stay here.
	StepStateError StepState = "error"

	// StepStateCancelled indicates the step was cancelled with its task.
	StepStateCancelled StepState = "cancelled"

	// StepStateResolvedManually indicates an operator resolved the step by hand.
	StepStateResolvedManually StepState = "resolved_manually"
)

// String returns the string representation of the step state.
func (s StepState) String() string {
	return string(s)
}

// ExecutionStatus is the derived label summarizing a task's execution context.
type ExecutionStatus string

// Execution status labels derived from the per-step readiness aggregate.
const (
	// ExecutionStatusAllComplete means every step is complete.
	ExecutionStatusAllComplete ExecutionStatus = "all_complete"

	// ExecutionStatusBlockedByFailures means at least one step failed, nothing is
	// ready, and at least one failed step has exhausted its retries.
	ExecutionStatusBlockedByFailures ExecutionStatus = "blocked_by_failures"

	// ExecutionStatusHasReadySteps means at least one step is ready for dispatch.
	ExecutionStatusHasReadySteps ExecutionStatus = "has_ready_steps"

	// ExecutionStatusWaitingForDependencies means incomplete steps exist but none
	// are ready: they are waiting on parents or on backoff windows.
	ExecutionStatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"

	// ExecutionStatusProcessing means steps are currently in progress.
	ExecutionStatusProcessing ExecutionStatus = "processing"
)

// String returns the string representation of the execution status.
func (s ExecutionStatus) String() string {
	return string(s)
}

// HealthStatus is the coarse per-task health label in the execution context.
type HealthStatus string

// Health status labels.
const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusBlocked  HealthStatus = "blocked"
)

// RecommendedAction is the finalizer-facing hint in the execution context.
type RecommendedAction string

// Recommended actions derived from the execution status.
const (
	ActionFinalizeComplete RecommendedAction = "finalize_complete"
	ActionFinalizeError    RecommendedAction = "finalize_error"
	ActionExecuteReady     RecommendedAction = "execute_ready_steps"
	ActionWaitForRetry     RecommendedAction = "wait_for_retry"
	ActionWaitForInFlight  RecommendedAction = "wait_for_in_flight"
)
