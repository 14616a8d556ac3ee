package readiness

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequor/sequor/internal/backoff"
	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestEngine(clk clock.Clock) *Engine {
	calc := backoff.NewCalculatorWithRand(backoff.Config{JitterEnabled: false}, rand.New(rand.NewSource(1))) //nolint:gosec // fixed seed
	return NewEngine(calc, clk)
}

// snapshotBuilder assembles task snapshots for tests.
type snapshotBuilder struct {
	snap   *Snapshot
	nextID int64
}

func newSnapshot() *snapshotBuilder {
	return &snapshotBuilder{
		snap: &Snapshot{
			Task:              &domain.Task{ID: 1},
			States:            map[int64]constants.StepState{},
			LastFailureAt:     map[int64]time.Time{},
			LastErrorMessages: map[int64]string{},
		},
		nextID: 100,
	}
}

func (b *snapshotBuilder) step(name string, state constants.StepState, mutate ...func(*domain.WorkflowStep)) *domain.WorkflowStep {
	b.nextID++
	s := &domain.WorkflowStep{
		ID:         b.nextID,
		TaskID:     b.snap.Task.ID,
		Name:       name,
		SortKey:    len(b.snap.Steps),
		RetryLimit: 3,
	}
	for _, m := range mutate {
		m(s)
	}
	b.snap.Steps = append(b.snap.Steps, s)
	b.snap.States[s.ID] = state
	return s
}

func (b *snapshotBuilder) edge(from, to *domain.WorkflowStep) {
	b.snap.Edges = append(b.snap.Edges, &domain.WorkflowStepEdge{
		FromStepID: from.ID,
		ToStepID:   to.ID,
		Name:       domain.DefaultEdgeName,
	})
}

func (b *snapshotBuilder) build() *Snapshot { return b.snap }

func rowFor(t *testing.T, rows []domain.StepReadinessRow, stepID int64) domain.StepReadinessRow {
	t.Helper()
	for _, r := range rows {
		if r.StepID == stepID {
			return r
		}
	}
	t.Fatalf("no readiness row for step %d", stepID)
	return domain.StepReadinessRow{}
}

func TestReadinessFreshPendingStepIsReady(t *testing.T) {
	b := newSnapshot()
	s := b.step("reserve", constants.StepStatePending)

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	row := rowFor(t, rows, s.ID)

	assert.True(t, row.ReadyForExecution)
	assert.True(t, row.DependenciesSatisfied)
	assert.True(t, row.RetryEligible)
	assert.Nil(t, row.NextRetryAt)
}

func TestReadinessBlockedByParent(t *testing.T) {
	b := newSnapshot()
	parent := b.step("reserve", constants.StepStatePending)
	child := b.step("charge", constants.StepStatePending)
	b.edge(parent, child)

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())

	assert.True(t, rowFor(t, rows, parent.ID).ReadyForExecution)
	childRow := rowFor(t, rows, child.ID)
	assert.False(t, childRow.ReadyForExecution)
	assert.Equal(t, domain.BlockedOnDependencies, childRow.BlockedReason)
	assert.Equal(t, 1, childRow.TotalParents)
	assert.Equal(t, 0, childRow.CompletedParents)
}

func TestReadinessParentCompleteUnblocksChild(t *testing.T) {
	b := newSnapshot()
	parent := b.step("reserve", constants.StepStateComplete, func(s *domain.WorkflowStep) { s.Processed = true })
	child := b.step("charge", constants.StepStatePending)
	b.edge(parent, child)

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())

	parentRow := rowFor(t, rows, parent.ID)
	assert.False(t, parentRow.ReadyForExecution, "complete step is never re-dispatched")
	assert.Equal(t, domain.BlockedNone, parentRow.BlockedReason)
	assert.True(t, rowFor(t, rows, child.ID).ReadyForExecution)
}

func TestReadinessBypassedSkippableParentSatisfiesChild(t *testing.T) {
	b := newSnapshot()
	b.snap.Task.BypassSteps = domain.StringList{"reserve"}
	parent := b.step("reserve", constants.StepStatePending, func(s *domain.WorkflowStep) { s.Skippable = true })
	child := b.step("charge", constants.StepStatePending)
	b.edge(parent, child)

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	assert.True(t, rowFor(t, rows, child.ID).ReadyForExecution)
}

func TestReadinessBypassOfNonSkippableParentIsIgnored(t *testing.T) {
	b := newSnapshot()
	b.snap.Task.BypassSteps = domain.StringList{"reserve"}
	parent := b.step("reserve", constants.StepStatePending) // not skippable
	child := b.step("charge", constants.StepStatePending)
	b.edge(parent, child)

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	childRow := rowFor(t, rows, child.ID)
	assert.False(t, childRow.ReadyForExecution)
	assert.Equal(t, domain.BlockedOnDependencies, childRow.BlockedReason)
}

func TestReadinessInProcessStepNotReady(t *testing.T) {
	b := newSnapshot()
	s := b.step("reserve", constants.StepStatePending, func(s *domain.WorkflowStep) { s.InProcess = true })

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	row := rowFor(t, rows, s.ID)
	assert.False(t, row.ReadyForExecution)
	assert.Equal(t, domain.BlockedInProcess, row.BlockedReason)
}

func TestReadinessInProgressStateNotReady(t *testing.T) {
	b := newSnapshot()
	s := b.step("reserve", constants.StepStateInProgress)

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	assert.False(t, rowFor(t, rows, s.ID).ReadyForExecution)
}

func TestReadinessRetriesExhausted(t *testing.T) {
	b := newSnapshot()
	failedAt := testNow.Add(-time.Hour)
	s := b.step("reserve", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 3
		s.RetryLimit = 3
		s.LastAttemptedAt = &failedAt
	})
	b.snap.LastFailureAt[s.ID] = failedAt

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	row := rowFor(t, rows, s.ID)
	assert.False(t, row.ReadyForExecution)
	assert.False(t, row.RetryEligible)
	assert.Equal(t, domain.BlockedRetriesExhausted, row.BlockedReason)
}

func TestReadinessZeroRetryLimitAllowsFirstAttempt(t *testing.T) {
	b := newSnapshot()
	s := b.step("reserve", constants.StepStatePending, func(s *domain.WorkflowStep) { s.RetryLimit = 0 })

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	assert.True(t, rowFor(t, rows, s.ID).ReadyForExecution,
		"a never-attempted step is dispatchable even with retry_limit 0")
}

func TestReadinessZeroRetryLimitFirstFailureIsTerminal(t *testing.T) {
	b := newSnapshot()
	failedAt := testNow.Add(-time.Hour)
	s := b.step("reserve", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.RetryLimit = 0
		s.Attempts = 1
		s.LastAttemptedAt = &failedAt
	})
	b.snap.LastFailureAt[s.ID] = failedAt

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	row := rowFor(t, rows, s.ID)
	assert.False(t, row.ReadyForExecution)
	assert.Equal(t, domain.BlockedRetriesExhausted, row.BlockedReason)
}

func TestReadinessNotRetryable(t *testing.T) {
	notRetryable := false
	b := newSnapshot()
	failedAt := testNow.Add(-time.Hour)
	s := b.step("reserve", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 1
		s.Retryable = &notRetryable
		s.LastAttemptedAt = &failedAt
	})
	b.snap.LastFailureAt[s.ID] = failedAt

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build())
	row := rowFor(t, rows, s.ID)
	assert.False(t, row.ReadyForExecution)
	assert.Equal(t, domain.BlockedNotRetryable, row.BlockedReason)
}

func TestReadinessExponentialBackoffWindow(t *testing.T) {
	b := newSnapshot()
	failedAt := testNow.Add(-1 * time.Second)
	attemptedAt := failedAt
	s := b.step("reserve", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 2
		s.LastAttemptedAt = &attemptedAt
	})
	b.snap.LastFailureAt[s.ID] = failedAt

	// Attempt 2 backs off 2s; only 1s has elapsed.
	mock := clock.NewMock(testNow)
	engine := newTestEngine(mock)
	row := rowFor(t, engine.Readiness(b.build()), s.ID)
	assert.False(t, row.ReadyForExecution)
	assert.Equal(t, domain.BlockedOnBackoff, row.BlockedReason)
	require.NotNil(t, row.NextRetryAt)
	assert.Equal(t, failedAt.Add(2*time.Second), *row.NextRetryAt)

	// After the window closes the step is ready again.
	mock.Advance(2 * time.Second)
	row = rowFor(t, engine.Readiness(b.build()), s.ID)
	assert.True(t, row.ReadyForExecution)
}

func TestReadinessServerSuppliedBackoffOverridesExponential(t *testing.T) {
	b := newSnapshot()
	attemptedAt := testNow.Add(-3 * time.Second)
	failedAt := attemptedAt
	backoffSecs := 7
	s := b.step("reserve", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 1
		s.LastAttemptedAt = &attemptedAt
		s.BackoffRequestSeconds = &backoffSecs
	})
	b.snap.LastFailureAt[s.ID] = failedAt

	// Exponential for attempt 1 (1s) has passed, but the server asked for 7s.
	row := rowFor(t, newTestEngine(clock.NewMock(testNow)).Readiness(b.build()), s.ID)
	assert.False(t, row.ReadyForExecution)
	require.NotNil(t, row.NextRetryAt)
	assert.Equal(t, attemptedAt.Add(7*time.Second), *row.NextRetryAt)
}

func TestReadinessStepIDFilter(t *testing.T) {
	b := newSnapshot()
	a := b.step("a", constants.StepStatePending)
	b.step("b", constants.StepStatePending)

	rows := newTestEngine(clock.NewMock(testNow)).Readiness(b.build(), a.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, a.ID, rows[0].StepID)
}

func TestExecutionContextAllComplete(t *testing.T) {
	b := newSnapshot()
	b.step("a", constants.StepStateComplete, func(s *domain.WorkflowStep) { s.Processed = true })
	b.step("b", constants.StepStateComplete, func(s *domain.WorkflowStep) { s.Processed = true })

	ec := newTestEngine(clock.NewMock(testNow)).ExecutionContext(b.build())

	assert.Equal(t, constants.ExecutionStatusAllComplete, ec.ExecutionStatus)
	assert.Equal(t, constants.ActionFinalizeComplete, ec.RecommendedAction)
	assert.Equal(t, constants.HealthStatusHealthy, ec.HealthStatus)
	assert.InDelta(t, 100, ec.CompletionPercentage, 1e-9)
}

func TestExecutionContextBlockedByFailures(t *testing.T) {
	b := newSnapshot()
	failedAt := testNow.Add(-time.Hour)
	s := b.step("a", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 3
		s.RetryLimit = 3
		s.LastAttemptedAt = &failedAt
	})
	b.snap.LastFailureAt[s.ID] = failedAt
	b.step("b", constants.StepStateComplete, func(s *domain.WorkflowStep) { s.Processed = true })

	ec := newTestEngine(clock.NewMock(testNow)).ExecutionContext(b.build())

	assert.Equal(t, constants.ExecutionStatusBlockedByFailures, ec.ExecutionStatus)
	assert.Equal(t, constants.HealthStatusBlocked, ec.HealthStatus)
	assert.Equal(t, constants.ActionFinalizeError, ec.RecommendedAction)
}

func TestExecutionContextFailedButRetryEligibleIsNotBlocked(t *testing.T) {
	b := newSnapshot()
	failedAt := testNow.Add(-1 * time.Second)
	s := b.step("a", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 1
		s.LastAttemptedAt = &failedAt
	})
	b.snap.LastFailureAt[s.ID] = failedAt

	// Attempt 1 backs off 1s which has elapsed: the step is ready again.
	ec := newTestEngine(clock.NewMock(testNow)).ExecutionContext(b.build())
	assert.Equal(t, constants.ExecutionStatusHasReadySteps, ec.ExecutionStatus)
	assert.Equal(t, constants.HealthStatusDegraded, ec.HealthStatus)
}

func TestExecutionContextWaitingOnBackoffReportsMinNextRetry(t *testing.T) {
	b := newSnapshot()
	failedAtA := testNow.Add(-1 * time.Second)
	failedAtB := testNow.Add(-500 * time.Millisecond)

	a := b.step("a", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 3
		s.RetryLimit = 5
		s.LastAttemptedAt = &failedAtA
	})
	b.snap.LastFailureAt[a.ID] = failedAtA

	sb := b.step("b", constants.StepStateError, func(s *domain.WorkflowStep) {
		s.Attempts = 2
		s.LastAttemptedAt = &failedAtB
	})
	b.snap.LastFailureAt[sb.ID] = failedAtB

	ec := newTestEngine(clock.NewMock(testNow)).ExecutionContext(b.build())

	assert.Equal(t, constants.ExecutionStatusWaitingForDependencies, ec.ExecutionStatus)
	require.NotNil(t, ec.MinNextRetryAt)
	// a retries at failedAtA+4s, b at failedAtB+2s; b's window closes first.
	assert.Equal(t, failedAtB.Add(2*time.Second), *ec.MinNextRetryAt)
}

func TestExecutionContextProcessing(t *testing.T) {
	b := newSnapshot()
	b.step("a", constants.StepStateInProgress, func(s *domain.WorkflowStep) { s.InProcess = true })

	ec := newTestEngine(clock.NewMock(testNow)).ExecutionContext(b.build())
	assert.Equal(t, constants.ExecutionStatusProcessing, ec.ExecutionStatus)
	assert.Equal(t, constants.ActionWaitForInFlight, ec.RecommendedAction)
}

func TestWorkflowSummaryDiamond(t *testing.T) {
	b := newSnapshot()
	a := b.step("a", constants.StepStateComplete, func(s *domain.WorkflowStep) { s.Processed = true; s.Attempts = 1 })
	sb := b.step("b", constants.StepStatePending)
	sc := b.step("c", constants.StepStatePending)
	sd := b.step("d", constants.StepStatePending)
	b.edge(a, sb)
	b.edge(a, sc)
	b.edge(sb, sd)
	b.edge(sc, sd)

	summary := newTestEngine(clock.NewMock(testNow)).WorkflowSummary(b.build())

	assert.Equal(t, []int64{a.ID}, summary.RootStepIDs)
	assert.Equal(t, []int64{sd.ID}, summary.LeafStepIDs)
	assert.ElementsMatch(t, []int64{sb.ID, sc.ID}, summary.NextExecutableStepIDs)
	assert.Equal(t, 3, summary.MaxDependencyDepth)
	assert.Equal(t, 2, summary.ParallelBranchCount)
	assert.Equal(t, domain.ParallelismModerate, summary.ParallelismPotential)

	require.Len(t, summary.BlockedSteps, 1)
	assert.Equal(t, sd.ID, summary.BlockedSteps[0].StepID)
	assert.Equal(t, domain.BlockedOnDependencies, summary.BlockedSteps[0].Reason)
}

func TestWorkflowSummaryEfficiency(t *testing.T) {
	b := newSnapshot()
	b.step("a", constants.StepStateComplete, func(s *domain.WorkflowStep) { s.Processed = true; s.Attempts = 2 })
	b.step("b", constants.StepStateComplete, func(s *domain.WorkflowStep) { s.Processed = true; s.Attempts = 1 })

	summary := newTestEngine(clock.NewMock(testNow)).WorkflowSummary(b.build())
	// Two completions over three dispatches.
	assert.InDelta(t, 2.0/3.0, summary.WorkflowEfficiency, 1e-9)
}

func TestWorkflowSummaryLinearChainHasNoParallelism(t *testing.T) {
	b := newSnapshot()
	a := b.step("a", constants.StepStatePending)
	sb := b.step("b", constants.StepStatePending)
	sc := b.step("c", constants.StepStatePending)
	b.edge(a, sb)
	b.edge(sb, sc)

	summary := newTestEngine(clock.NewMock(testNow)).WorkflowSummary(b.build())
	assert.Equal(t, domain.ParallelismNone, summary.ParallelismPotential)
	assert.Equal(t, 3, summary.MaxDependencyDepth)
	assert.Equal(t, 1, summary.ParallelBranchCount)
}
