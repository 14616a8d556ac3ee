// Package lifecycle implements the task and step state machines.
//
// This package validates state transitions and normalizes transition input;
// durable recording (sort-key allocation, row locking, append-only insert)
// lives in the store, which calls into this package before every write.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors, std lib
//   - MUST NOT import: internal/store, internal/orchestration, internal/cli
package lifecycle

import (
	"fmt"

	"github.com/sequor/sequor/internal/constants"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

// ValidTaskTransitions defines all allowed state transitions in the task lifecycle.
// Format: from_state -> []to_states
//
// The state machine follows this flow:
//
//	Pending → InProgress, Cancelled
//	InProgress → Complete, Error, Cancelled
//	Error → InProgress, ResolvedManually
//
//nolint:gochecknoglobals // Exported for testing and read-only lookup table
var ValidTaskTransitions = map[constants.TaskState][]constants.TaskState{
	constants.TaskStatePending: {
		constants.TaskStateInProgress,
		constants.TaskStateCancelled,
	},
	constants.TaskStateInProgress: {
		constants.TaskStateComplete,
		constants.TaskStateError,
		constants.TaskStateCancelled,
	},
	constants.TaskStateError: {
		constants.TaskStateInProgress,
		constants.TaskStateResolvedManually,
	},
}

// ValidStepTransitions defines all allowed state transitions in the step lifecycle.
//
//	Pending → InProgress, Cancelled
//	InProgress → Complete, Error, Cancelled
//	Error → Pending (retry), ResolvedManually, Cancelled
//
//nolint:gochecknoglobals // Exported for testing and read-only lookup table
var ValidStepTransitions = map[constants.StepState][]constants.StepState{
	constants.StepStatePending: {
		constants.StepStateInProgress,
		constants.StepStateCancelled,
	},
	constants.StepStateInProgress: {
		constants.StepStateComplete,
		constants.StepStateError,
		constants.StepStateCancelled,
	},
	constants.StepStateError: {
		constants.StepStatePending,
		constants.StepStateResolvedManually,
		constants.StepStateCancelled,
	},
}

// terminalTaskStates are task states with no outgoing transitions.
// Intentionally duplicated from ValidTaskTransitions for O(1) lookup.
//
//nolint:gochecknoglobals // Read-only lookup table for terminal state checks
var terminalTaskStates = map[constants.TaskState]bool{
	constants.TaskStateComplete:         true,
	constants.TaskStateCancelled:        true,
	constants.TaskStateResolvedManually: true,
}

// terminalStepStates are step states with no outgoing transitions.
//
//nolint:gochecknoglobals // Read-only lookup table for terminal state checks
var terminalStepStates = map[constants.StepState]bool{
	constants.StepStateComplete:         true,
	constants.StepStateCancelled:        true,
	constants.StepStateResolvedManually: true,
}

// IsValidTaskTransition checks if a task transition is allowed.
// Returns false for transitions from terminal states or to the same state.
func IsValidTaskTransition(from, to constants.TaskState) bool {
	if from == to {
		return false
	}
	for _, target := range ValidTaskTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsValidStepTransition checks if a step transition is allowed.
// Returns false for transitions from terminal states or to the same state.
func IsValidStepTransition(from, to constants.StepState) bool {
	if from == to {
		return false
	}
	for _, target := range ValidStepTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminalTaskState returns true for states with no further transitions:
// Complete, Cancelled, ResolvedManually.
func IsTerminalTaskState(state constants.TaskState) bool {
	return terminalTaskStates[state]
}

// IsTerminalStepState returns true for states with no further transitions:
// Complete, Cancelled, ResolvedManually.
func IsTerminalStepState(state constants.StepState) bool {
	return terminalStepStates[state]
}

// NormalizeFromState applies the empty-string guard to a from_state: an empty
// string is normalized to nil before validation.
func NormalizeFromState(from *string) *string {
	if from != nil && *from == "" {
		return nil
	}
	return from
}

// ValidateTaskTransition validates a proposed task transition after
// normalization. An empty to_state is a validation error; a nil from_state is
// only valid when entering the initial pending-adjacent states.
func ValidateTaskTransition(from *string, to constants.TaskState) error {
	if to == "" {
		return fmt.Errorf("%w: task to_state is empty", seqerrors.ErrInvalidTransition)
	}

	current := constants.TaskStatePending
	if from = NormalizeFromState(from); from != nil {
		current = constants.TaskState(*from)
	}

	if !IsValidTaskTransition(current, to) {
		return fmt.Errorf("%w: task cannot move from %s to %s",
			seqerrors.ErrInvalidTransition, current, to)
	}
	return nil
}

// ValidateStepTransition validates a proposed step transition after
// normalization.
func ValidateStepTransition(from *string, to constants.StepState) error {
	if to == "" {
		return fmt.Errorf("%w: step to_state is empty", seqerrors.ErrInvalidTransition)
	}

	current := constants.StepStatePending
	if from = NormalizeFromState(from); from != nil {
		current = constants.StepState(*from)
	}

	if !IsValidStepTransition(current, to) {
		return fmt.Errorf("%w: step cannot move from %s to %s",
			seqerrors.ErrInvalidTransition, current, to)
	}
	return nil
}

// TaskStateOf derives a task's current state from the to_state of its latest
// transition; an empty log means pending.
func TaskStateOf(latestToState *string) constants.TaskState {
	if latestToState == nil || *latestToState == "" {
		return constants.TaskStatePending
	}
	return constants.TaskState(*latestToState)
}

// StepStateOf derives a step's current state from the to_state of its latest
// transition; an empty log means pending.
func StepStateOf(latestToState *string) constants.StepState {
	if latestToState == nil || *latestToState == "" {
		return constants.StepStatePending
	}
	return constants.StepState(*latestToState)
}
