// Package errors provides centralized error handling for SEQUOR.
//
// This package defines sentinel errors used for programmatic error categorization
// throughout the application. All error types can be checked using errors.Is().
//
// IMPORTANT: This package MUST NOT import any other internal packages.
// Only standard library imports are allowed.
package errors

import "errors"

// Sentinel errors for error categorization.
// These allow callers to check error types with errors.Is().
// All errors use lowercase descriptions per Go conventions.
var (
	// ErrDuplicateTask indicates a task request whose identity hash matches an
	// existing task inside the duplicate-detection window.
	ErrDuplicateTask = errors.New("duplicate task request")

	// ErrUnknownTask indicates a task request naming an unregistered workflow,
	// or a task ID that does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrInvalidTransition indicates a state change not permitted by the
	// task or step state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRetryExhausted indicates a step failed with no retry budget remaining.
	ErrRetryExhausted = errors.New("retry limit exhausted")

	// ErrTaskBlocked indicates a task cannot make progress because failed
	// steps have exhausted their retries.
	ErrTaskBlocked = errors.New("task blocked by failures")

	// ErrTimeout indicates a step batch or handler exceeded its time budget.
	ErrTimeout = errors.New("execution timed out")

	// ErrStepNotFound indicates a workflow step lookup by ID or name failed.
	ErrStepNotFound = errors.New("workflow step not found")

	// ErrHandlerNotFound indicates no handler is registered for a named step.
	ErrHandlerNotFound = errors.New("step handler not registered")

	// ErrInvalidWorkflow indicates a workflow definition that cannot be
	// instantiated: cyclic dependencies, unknown dependency names, or
	// duplicate step names.
	ErrInvalidWorkflow = errors.New("invalid workflow definition")

	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrConfigInvalid indicates an invalid configuration value.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrCycleInProgress indicates a second concurrent cycle was requested
	// for a task that already has one running.
	ErrCycleInProgress = errors.New("task cycle already in progress")

	// ErrQueueClosed indicates an enqueue was attempted after queue shutdown.
	ErrQueueClosed = errors.New("job queue closed")
)
