package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequor/sequor/internal/constants"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

func TestIsValidTaskTransition(t *testing.T) {
	tests := []struct {
		name string
		from constants.TaskState
		to   constants.TaskState
		want bool
	}{
		{"pending to in_progress", constants.TaskStatePending, constants.TaskStateInProgress, true},
		{"pending to cancelled", constants.TaskStatePending, constants.TaskStateCancelled, true},
		{"pending to complete", constants.TaskStatePending, constants.TaskStateComplete, false},
		{"in_progress to complete", constants.TaskStateInProgress, constants.TaskStateComplete, true},
		{"in_progress to error", constants.TaskStateInProgress, constants.TaskStateError, true},
		{"in_progress to cancelled", constants.TaskStateInProgress, constants.TaskStateCancelled, true},
		{"error to in_progress", constants.TaskStateError, constants.TaskStateInProgress, true},
		{"error to resolved_manually", constants.TaskStateError, constants.TaskStateResolvedManually, true},
		{"error to complete", constants.TaskStateError, constants.TaskStateComplete, false},
		{"complete is terminal", constants.TaskStateComplete, constants.TaskStateInProgress, false},
		{"cancelled is terminal", constants.TaskStateCancelled, constants.TaskStateInProgress, false},
		{"resolved_manually is terminal", constants.TaskStateResolvedManually, constants.TaskStateInProgress, false},
		{"same state", constants.TaskStateInProgress, constants.TaskStateInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTaskTransition(tt.from, tt.to))
		})
	}
}

func TestIsValidStepTransition(t *testing.T) {
	tests := []struct {
		name string
		from constants.StepState
		to   constants.StepState
		want bool
	}{
		{"pending to in_progress", constants.StepStatePending, constants.StepStateInProgress, true},
		{"pending to cancelled", constants.StepStatePending, constants.StepStateCancelled, true},
		{"pending to complete", constants.StepStatePending, constants.StepStateComplete, false},
		{"in_progress to complete", constants.StepStateInProgress, constants.StepStateComplete, true},
		{"in_progress to error", constants.StepStateInProgress, constants.StepStateError, true},
		{"error to pending is the retry edge", constants.StepStateError, constants.StepStatePending, true},
		{"error to resolved_manually", constants.StepStateError, constants.StepStateResolvedManually, true},
		{"error to cancelled", constants.StepStateError, constants.StepStateCancelled, true},
		{"error to in_progress is not direct", constants.StepStateError, constants.StepStateInProgress, false},
		{"complete is terminal", constants.StepStateComplete, constants.StepStatePending, false},
		{"same state", constants.StepStatePending, constants.StepStatePending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidStepTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, IsTerminalTaskState(constants.TaskStateComplete))
	assert.True(t, IsTerminalTaskState(constants.TaskStateCancelled))
	assert.True(t, IsTerminalTaskState(constants.TaskStateResolvedManually))
	assert.False(t, IsTerminalTaskState(constants.TaskStatePending))
	assert.False(t, IsTerminalTaskState(constants.TaskStateError))

	assert.True(t, IsTerminalStepState(constants.StepStateComplete))
	assert.True(t, IsTerminalStepState(constants.StepStateCancelled))
	assert.True(t, IsTerminalStepState(constants.StepStateResolvedManually))
	assert.False(t, IsTerminalStepState(constants.StepStateError))
}

func strPtr(s string) *string { return &s }

func TestNormalizeFromState(t *testing.T) {
	assert.Nil(t, NormalizeFromState(nil))
	assert.Nil(t, NormalizeFromState(strPtr("")))

	got := NormalizeFromState(strPtr("pending"))
	require.NotNil(t, got)
	assert.Equal(t, "pending", *got)
}

func TestValidateTaskTransition(t *testing.T) {
	t.Run("nil from means pending", func(t *testing.T) {
		require.NoError(t, ValidateTaskTransition(nil, constants.TaskStateInProgress))
	})

	t.Run("empty from normalized to pending", func(t *testing.T) {
		require.NoError(t, ValidateTaskTransition(strPtr(""), constants.TaskStateInProgress))
	})

	t.Run("empty to_state rejected", func(t *testing.T) {
		err := ValidateTaskTransition(strPtr("pending"), "")
		require.ErrorIs(t, err, seqerrors.ErrInvalidTransition)
	})

	t.Run("invalid edge rejected", func(t *testing.T) {
		err := ValidateTaskTransition(strPtr("pending"), constants.TaskStateComplete)
		require.ErrorIs(t, err, seqerrors.ErrInvalidTransition)
	})
}

func TestValidateStepTransition(t *testing.T) {
	require.NoError(t, ValidateStepTransition(nil, constants.StepStateInProgress))
	require.NoError(t, ValidateStepTransition(strPtr("error"), constants.StepStatePending))

	err := ValidateStepTransition(strPtr("in_progress"), "")
	require.ErrorIs(t, err, seqerrors.ErrInvalidTransition)

	err = ValidateStepTransition(strPtr("complete"), constants.StepStatePending)
	require.ErrorIs(t, err, seqerrors.ErrInvalidTransition)
}

func TestStateOfDerivation(t *testing.T) {
	assert.Equal(t, constants.TaskStatePending, TaskStateOf(nil))
	assert.Equal(t, constants.TaskStateInProgress, TaskStateOf(strPtr("in_progress")))

	assert.Equal(t, constants.StepStatePending, StepStateOf(nil))
	assert.Equal(t, constants.StepStateError, StepStateOf(strPtr("error")))
}
