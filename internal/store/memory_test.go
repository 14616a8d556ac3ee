package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

func newTestMemory(t *testing.T) (*Memory, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	return NewMemory(clk), clk
}

func linearDefinition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:    "provision",
		Version: "1.0.0",
		Steps: []domain.StepTemplate{
			{Name: "alpha", DependentSystem: "billing", Handler: "h"},
			{Name: "beta", DependentSystem: "billing", Handler: "h", DependsOn: []string{"alpha"}},
			{Name: "gamma", DependentSystem: "crm", Handler: "h", DependsOn: []string{"beta"}},
		},
	}
}

func submitTask(t *testing.T, mem *Memory, name string) *domain.Task {
	t.Helper()
	task, err := mem.CreateTask(context.Background(), &domain.TaskRequest{
		Name:    name,
		Context: json.RawMessage(`{"account":42}`),
	})
	require.NoError(t, err)
	return task
}

func TestRegisterWorkflowAndFind(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx := context.Background()

	nt, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	assert.Equal(t, "provision", nt.Name)
	assert.Equal(t, "1.0.0", nt.Version)

	found, err := mem.FindNamedTask(ctx, "", "provision", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, nt.ID, found.ID)
}

func TestRegisterWorkflowRejectsDuplicateVersion(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	_, err = mem.RegisterWorkflow(ctx, linearDefinition())
	require.ErrorIs(t, err, seqerrors.ErrInvalidWorkflow)
}

func TestFindNamedTaskLatestVersion(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		def := linearDefinition()
		def.Version = version
		_, err := mem.RegisterWorkflow(ctx, def)
		require.NoError(t, err)
	}

	found, err := mem.FindNamedTask(ctx, "", "provision", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", found.Version)
}

func TestFindNamedTaskUnknown(t *testing.T) {
	mem, _ := newTestMemory(t)
	_, err := mem.FindNamedTask(context.Background(), "", "missing", "")
	require.ErrorIs(t, err, seqerrors.ErrUnknownTask)
}

func TestCreateTaskInstantiatesStepsInTopologicalOrder(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, snap.Steps, 3)

	assert.Equal(t, "alpha", snap.Steps[0].Name)
	assert.Equal(t, "beta", snap.Steps[1].Name)
	assert.Equal(t, "gamma", snap.Steps[2].Name)
	assert.Equal(t, 1, snap.Steps[0].SortKey)
	assert.Equal(t, 2, snap.Steps[1].SortKey)
	assert.Equal(t, 3, snap.Steps[2].SortKey)
	assert.Equal(t, constants.DefaultRetryLimit, snap.Steps[0].RetryLimit)

	require.Len(t, snap.Edges, 2)
	assert.Equal(t, snap.Steps[0].ID, snap.Edges[0].FromStepID)
	assert.Equal(t, snap.Steps[1].ID, snap.Edges[0].ToStepID)
	assert.Equal(t, domain.DefaultEdgeName, snap.Edges[0].Name)
}

func TestCreateTaskUnknownWorkflow(t *testing.T) {
	mem, _ := newTestMemory(t)
	_, err := mem.CreateTask(context.Background(), &domain.TaskRequest{
		Name:    "missing",
		Context: json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, seqerrors.ErrUnknownTask)
}

func TestCreateTaskDuplicateWithinWindow(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)

	req := func() *domain.TaskRequest {
		return &domain.TaskRequest{
			Name:      "provision",
			Context:   json.RawMessage(`{"account":42}`),
			Initiator: "api",
		}
	}

	_, err = mem.CreateTask(ctx, req())
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	_, err = mem.CreateTask(ctx, req())
	require.ErrorIs(t, err, seqerrors.ErrDuplicateTask)
}

func TestCreateTaskDuplicateOutsideWindow(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)

	first := &domain.TaskRequest{Name: "provision", Context: json.RawMessage(`{"a":1}`)}
	_, err = mem.CreateTask(ctx, first)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	// Same identifying fields; the window has passed and the minute-truncated
	// requested_at differs, so this is a fresh task.
	second := &domain.TaskRequest{Name: "provision", Context: json.RawMessage(`{"a":1}`)}
	_, err = mem.CreateTask(ctx, second)
	require.NoError(t, err)
}

func TestRecordTaskTransitionChainsAndOrders(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	_, err = mem.RecordTaskTransition(ctx, task.ID, constants.TaskStateInProgress, nil)
	require.NoError(t, err)
	_, err = mem.RecordTaskTransition(ctx, task.ID, constants.TaskStateError, nil)
	require.NoError(t, err)

	log, err := mem.TaskTransitions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)

	assert.Nil(t, log[0].FromState)
	assert.Equal(t, "in_progress", log[0].ToState)
	assert.Equal(t, 1, log[0].SortKey)
	require.NotNil(t, log[1].FromState)
	assert.Equal(t, "in_progress", *log[1].FromState)
	assert.Equal(t, "error", log[1].ToState)
	assert.Equal(t, 2, log[1].SortKey)

	state, err := mem.TaskState(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStateError, state)
}

func TestRecordTaskTransitionRejectsInvalidEdge(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	_, err = mem.RecordTaskTransition(ctx, task.ID, constants.TaskStateComplete, nil)
	require.ErrorIs(t, err, seqerrors.ErrInvalidTransition)
}

func TestDispatchStepFirstAttempt(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	step, err := mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, step.Attempts)
	assert.True(t, step.InProcess)
	require.NotNil(t, step.LastAttemptedAt)

	log, err := mem.StepTransitions(ctx, stepID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "in_progress", log[0].ToState)
	assert.Equal(t, 1, log[0].Metadata[domain.MetaAttemptNumber])
}

func TestDispatchStepFromErrorRecordsRetry(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, mem.FailStep(ctx, stepID, StepFailure{Message: "boom"}))

	clk.Advance(5 * time.Second)
	step, err := mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, step.Attempts)

	log, err := mem.StepTransitions(ctx, stepID)
	require.NoError(t, err)
	// in_progress, error, pending (retry), in_progress
	require.Len(t, log, 4)
	assert.True(t, log[2].IsRetry())
	assert.Equal(t, 2, log[2].Metadata[domain.MetaRetryAttempt])
	assert.Equal(t, 2, log[3].Metadata[domain.MetaAttemptNumber])
}

func TestDispatchStepRejectsExhaustedRetryBudget(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	limit := 1
	_, err := mem.RegisterWorkflow(ctx, &domain.WorkflowDefinition{
		Name:    "fragile",
		Version: "1.0.0",
		Steps: []domain.StepTemplate{
			{Name: "only", DependentSystem: "billing", Handler: "h", RetryLimit: &limit},
		},
	})
	require.NoError(t, err)
	task := submitTask(t, mem, "fragile")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, mem.FailStep(ctx, stepID, StepFailure{Message: "boom"}))

	clk.Advance(5 * time.Second)
	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.ErrorIs(t, err, seqerrors.ErrRetryExhausted)

	// The rejected dispatch leaves the step untouched.
	snap, err = mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Steps[0].Attempts)
	assert.False(t, snap.Steps[0].InProcess)
}

func TestCompleteStep(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, mem.CompleteStep(ctx, stepID, json.RawMessage(`{"ok":true}`)))

	step, err := mem.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.True(t, step.Processed)
	assert.False(t, step.InProcess)
	assert.JSONEq(t, `{"ok":true}`, string(step.Results))

	state, err := mem.StepState(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, constants.StepStateComplete, state)
}

func TestFailStepPermanentDisablesRetry(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, mem.FailStep(ctx, stepID, StepFailure{
		Message:   "validation rejected",
		Code:      "validation",
		Permanent: true,
	}))

	step, err := mem.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.False(t, step.IsRetryable())
	assert.False(t, step.InProcess)

	log, err := mem.StepTransitions(ctx, stepID)
	require.NoError(t, err)
	last := log[len(log)-1]
	assert.Equal(t, "error", last.ToState)
	assert.Equal(t, true, last.Metadata[domain.MetaPermanent])
	assert.Equal(t, "validation rejected", last.Metadata[domain.MetaErrorMessage])
}

func TestFailStepStoresServerBackoff(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)

	seven := 7
	require.NoError(t, mem.FailStep(ctx, stepID, StepFailure{Message: "rate limited", BackoffSeconds: &seven}))

	step, err := mem.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.NotNil(t, step.BackoffRequestSeconds)
	assert.Equal(t, 7, *step.BackoffRequestSeconds)
}

func TestSnapshotCarriesFailureDetails(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	failedAt := clk.Now().UTC()
	require.NoError(t, mem.FailStep(ctx, stepID, StepFailure{Message: "boom"}))

	snap, err = mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StepStateError, snap.StateOf(stepID))
	assert.Equal(t, failedAt, snap.LastFailureAt[stepID])
	assert.Equal(t, "boom", snap.LastErrorMessages[stepID])
}

func TestCancelTask(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)

	// Complete the first step, then cancel the rest.
	_, err = mem.DispatchStep(ctx, snap.Steps[0].ID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, mem.CompleteStep(ctx, snap.Steps[0].ID, nil))

	require.NoError(t, mem.CancelTask(ctx, task.ID, "operator request"))

	state, err := mem.TaskState(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStateCancelled, state)

	firstState, err := mem.StepState(ctx, snap.Steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StepStateComplete, firstState)

	secondState, err := mem.StepState(ctx, snap.Steps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StepStateCancelled, secondState)
}

func TestResolveTaskManually(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	stepID := snap.Steps[0].ID

	_, err = mem.RecordTaskTransition(ctx, task.ID, constants.TaskStateInProgress, nil)
	require.NoError(t, err)
	_, err = mem.DispatchStep(ctx, stepID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, mem.FailStep(ctx, stepID, StepFailure{Message: "boom", Permanent: true}))
	_, err = mem.RecordTaskTransition(ctx, task.ID, constants.TaskStateError, nil)
	require.NoError(t, err)

	require.NoError(t, mem.ResolveTaskManually(ctx, task.ID, "fixed upstream"))

	taskState, err := mem.TaskState(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStateResolvedManually, taskState)

	stepState, err := mem.StepState(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, constants.StepStateResolvedManually, stepState)
}

func TestTryLockTask(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx := context.Background()

	release, ok, err := mem.TryLockTask(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, second, err := mem.TryLockTask(ctx, 1)
	require.NoError(t, err)
	assert.False(t, second)

	release()

	release2, ok, err := mem.TryLockTask(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestSystemHealthCounters(t *testing.T) {
	mem, clk := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.RegisterWorkflow(ctx, linearDefinition())
	require.NoError(t, err)
	task := submitTask(t, mem, "provision")

	_, err = mem.RecordTaskTransition(ctx, task.ID, constants.TaskStateInProgress, nil)
	require.NoError(t, err)

	snap, err := mem.Snapshot(ctx, task.ID)
	require.NoError(t, err)
	_, err = mem.DispatchStep(ctx, snap.Steps[0].ID, clk.Now())
	require.NoError(t, err)

	health, err := mem.SystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, health.InProgressTasks)
	assert.Equal(t, 1, health.InProgressSteps)
	assert.Equal(t, constants.DefaultMaxConcurrentSteps, health.PoolSize)
}

func TestContextCancellationIsChecked(t *testing.T) {
	mem, _ := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mem.GetTask(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}
