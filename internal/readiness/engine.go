package readiness

import (
	"sort"
	"time"

	"github.com/sequor/sequor/internal/backoff"
	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
)

// Engine derives readiness rows, execution contexts and workflow summaries
// from task snapshots. It is stateless apart from its backoff calculator and
// clock, and safe for concurrent use.
type Engine struct {
	calc *backoff.Calculator
	clk  clock.Clock
}

// NewEngine builds a readiness engine. The calculator supplies the exponential
// backoff used for next-eligible-at; the clock is the single time source for
// all readiness comparisons in this process.
func NewEngine(calc *backoff.Calculator, clk clock.Clock) *Engine {
	return &Engine{calc: calc, clk: clk}
}

// Readiness returns one readiness row per step of the snapshot, in
// (sort_key, step_id) order. When stepIDs is non-empty, rows are limited to
// those steps.
func (e *Engine) Readiness(snap *Snapshot, stepIDs ...int64) []domain.StepReadinessRow {
	now := e.clk.Now()
	parents := snap.parents()

	var filter map[int64]bool
	if len(stepIDs) > 0 {
		filter = make(map[int64]bool, len(stepIDs))
		for _, id := range stepIDs {
			filter[id] = true
		}
	}

	rows := make([]domain.StepReadinessRow, 0, len(snap.Steps))
	for _, step := range snap.Steps {
		if filter != nil && !filter[step.ID] {
			continue
		}
		rows = append(rows, e.rowFor(snap, step, parents[step.ID], now))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SortKey != rows[j].SortKey {
			return rows[i].SortKey < rows[j].SortKey
		}
		return rows[i].StepID < rows[j].StepID
	})
	return rows
}

// rowFor computes the readiness row for one step.
func (e *Engine) rowFor(snap *Snapshot, step *domain.WorkflowStep, parentIDs []int64, now time.Time) domain.StepReadinessRow {
	state := snap.StateOf(step.ID)

	row := domain.StepReadinessRow{
		StepID:                step.ID,
		TaskID:                step.TaskID,
		Name:                  step.Name,
		SortKey:               step.SortKey,
		CurrentState:          state,
		TotalParents:          len(parentIDs),
		Attempts:              step.Attempts,
		RetryLimit:            step.RetryLimit,
		Retryable:             step.IsRetryable(),
		BackoffRequestSeconds: step.BackoffRequestSeconds,
		LastAttemptedAt:       step.LastAttemptedAt,
		InProcess:             step.InProcess,
		Processed:             step.Processed,
	}

	if at, ok := snap.LastFailureAt[step.ID]; ok {
		t := at
		row.LastFailureAt = &t
	}
	if msg, ok := snap.LastErrorMessages[step.ID]; ok {
		row.LastErrorMessage = msg
	}

	for _, pid := range parentIDs {
		if e.parentSatisfied(snap, pid) {
			row.CompletedParents++
		}
	}
	row.DependenciesSatisfied = row.CompletedParents == row.TotalParents

	attemptBudget := step.Attempts == 0 || step.Attempts < step.RetryLimit
	row.RetryEligible = row.Retryable && attemptBudget

	row.NextRetryAt = e.nextRetryAt(step, row.LastFailureAt)
	backoffExpired := row.NextRetryAt == nil || !now.Before(*row.NextRetryAt)

	stateEligible := (state == constants.StepStatePending || state == constants.StepStateError) && !step.Processed

	row.ReadyForExecution = stateEligible &&
		!step.InProcess &&
		row.DependenciesSatisfied &&
		attemptBudget &&
		row.Retryable &&
		backoffExpired

	if !row.ReadyForExecution {
		row.BlockedReason = e.blockedReason(row, stateEligible, backoffExpired, attemptBudget)
	}
	return row
}

// parentSatisfied reports whether a parent's dependency contribution counts:
// the parent is complete, or it is skippable and listed in the task's
// bypass steps. Bypass listings naming non-skippable steps are ignored.
func (e *Engine) parentSatisfied(snap *Snapshot, parentID int64) bool {
	if snap.StateOf(parentID) == constants.StepStateComplete {
		return true
	}
	parent := snap.StepByID(parentID)
	return parent != nil && parent.Skippable && snap.Task.BypassesStep(parent.Name)
}

// nextRetryAt computes when the step's backoff window closes, honoring the
// server-supplied > exponential > none priority.
func (e *Engine) nextRetryAt(step *domain.WorkflowStep, lastFailureAt *time.Time) *time.Time {
	var retryAfter *time.Duration
	if step.BackoffRequestSeconds != nil {
		d := time.Duration(*step.BackoffRequestSeconds) * time.Second
		retryAfter = &d
	}
	return e.calc.NextEligibleAt(step.Attempts, retryAfter, step.LastAttemptedAt, lastFailureAt)
}

// blockedReason classifies why a non-ready step cannot run. Terminal steps
// report no reason.
func (e *Engine) blockedReason(row domain.StepReadinessRow, stateEligible, backoffExpired, attemptBudget bool) domain.BlockedReason {
	switch {
	case !stateEligible:
		return domain.BlockedNone
	case row.InProcess:
		return domain.BlockedInProcess
	case !row.DependenciesSatisfied:
		return domain.BlockedOnDependencies
	case !row.Retryable:
		return domain.BlockedNotRetryable
	case !attemptBudget:
		return domain.BlockedRetriesExhausted
	case !backoffExpired:
		return domain.BlockedOnBackoff
	default:
		return domain.BlockedNone
	}
}

// ExecutionContext aggregates the snapshot into the task-level view the
// finalizer consumes.
func (e *Engine) ExecutionContext(snap *Snapshot) domain.TaskExecutionContext {
	rows := e.Readiness(snap)
	return e.contextFromRows(snap.Task.ID, rows)
}

func (e *Engine) contextFromRows(taskID int64, rows []domain.StepReadinessRow) domain.TaskExecutionContext {
	ec := domain.TaskExecutionContext{TaskID: taskID, TotalSteps: len(rows)}

	anyExhaustedFailure := false
	for _, row := range rows {
		switch row.CurrentState {
		case constants.StepStatePending:
			ec.PendingSteps++
		case constants.StepStateInProgress:
			ec.InProgressSteps++
		case constants.StepStateComplete:
			ec.CompleteSteps++
		case constants.StepStateError:
			ec.ErrorSteps++
			if !row.RetryEligible {
				anyExhaustedFailure = true
			}
		case constants.StepStateCancelled, constants.StepStateResolvedManually:
			// Terminal without contributing to completion.
		}
		if row.ReadyForExecution {
			ec.ReadySteps++
		}
		if row.CurrentState == constants.StepStateError && row.RetryEligible && row.NextRetryAt != nil {
			if ec.MinNextRetryAt == nil || row.NextRetryAt.Before(*ec.MinNextRetryAt) {
				t := *row.NextRetryAt
				ec.MinNextRetryAt = &t
			}
		}
	}

	if ec.TotalSteps == 0 {
		ec.CompletionPercentage = 100
	} else {
		ec.CompletionPercentage = float64(ec.CompleteSteps) / float64(ec.TotalSteps) * 100
	}

	switch {
	case ec.CompleteSteps == ec.TotalSteps:
		ec.ExecutionStatus = constants.ExecutionStatusAllComplete
	case ec.ErrorSteps > 0 && ec.ReadySteps == 0 && anyExhaustedFailure:
		ec.ExecutionStatus = constants.ExecutionStatusBlockedByFailures
	case ec.ReadySteps > 0:
		ec.ExecutionStatus = constants.ExecutionStatusHasReadySteps
	case ec.InProgressSteps > 0:
		ec.ExecutionStatus = constants.ExecutionStatusProcessing
	default:
		ec.ExecutionStatus = constants.ExecutionStatusWaitingForDependencies
	}

	switch {
	case ec.ExecutionStatus == constants.ExecutionStatusBlockedByFailures:
		ec.HealthStatus = constants.HealthStatusBlocked
	case ec.ErrorSteps > 0:
		ec.HealthStatus = constants.HealthStatusDegraded
	default:
		ec.HealthStatus = constants.HealthStatusHealthy
	}

	switch ec.ExecutionStatus {
	case constants.ExecutionStatusAllComplete:
		ec.RecommendedAction = constants.ActionFinalizeComplete
	case constants.ExecutionStatusBlockedByFailures:
		ec.RecommendedAction = constants.ActionFinalizeError
	case constants.ExecutionStatusHasReadySteps:
		ec.RecommendedAction = constants.ActionExecuteReady
	case constants.ExecutionStatusProcessing:
		ec.RecommendedAction = constants.ActionWaitForInFlight
	case constants.ExecutionStatusWaitingForDependencies:
		ec.RecommendedAction = constants.ActionWaitForRetry
	}

	return ec
}

// WorkflowSummary extends the execution context with DAG shape analysis.
func (e *Engine) WorkflowSummary(snap *Snapshot) domain.TaskWorkflowSummary {
	rows := e.Readiness(snap)
	summary := domain.TaskWorkflowSummary{
		TaskExecutionContext: e.contextFromRows(snap.Task.ID, rows),
	}

	parents := snap.parents()
	children := snap.children()

	for _, step := range snap.Steps {
		if len(parents[step.ID]) == 0 {
			summary.RootStepIDs = append(summary.RootStepIDs, step.ID)
		}
		if len(children[step.ID]) == 0 {
			summary.LeafStepIDs = append(summary.LeafStepIDs, step.ID)
		}
	}

	totalAttempts := 0
	for _, row := range rows {
		if row.ReadyForExecution {
			summary.NextExecutableStepIDs = append(summary.NextExecutableStepIDs, row.StepID)
		} else if !row.Processed && row.BlockedReason != domain.BlockedNone {
			summary.BlockedSteps = append(summary.BlockedSteps, domain.BlockedStep{
				StepID: row.StepID,
				Name:   row.Name,
				Reason: row.BlockedReason,
			})
		}
		totalAttempts += row.Attempts
	}

	if totalAttempts == 0 {
		summary.WorkflowEfficiency = 1.0
	} else {
		summary.WorkflowEfficiency = float64(summary.CompleteSteps) / float64(totalAttempts)
	}

	depths := e.depths(snap, parents)
	maxDepth := 0
	width := map[int]int{}
	for _, d := range depths {
		if d > maxDepth {
			maxDepth = d
		}
		width[d]++
	}
	summary.MaxDependencyDepth = maxDepth
	for _, w := range width {
		if w > summary.ParallelBranchCount {
			summary.ParallelBranchCount = w
		}
	}

	summary.ParallelismPotential = classifyParallelism(summary.ParallelBranchCount, summary.TotalSteps)
	return summary
}

// depths returns the longest-path depth per step, roots at depth 1. The DAG is
// validated acyclic at instantiation, so the traversal terminates.
func (e *Engine) depths(snap *Snapshot, parents map[int64][]int64) map[int64]int {
	memo := make(map[int64]int, len(snap.Steps))
	var depthOf func(id int64) int
	depthOf = func(id int64) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 1
		for _, pid := range parents[id] {
			if d := depthOf(pid) + 1; d > best {
				best = d
			}
		}
		memo[id] = best
		return best
	}
	for _, step := range snap.Steps {
		depthOf(step.ID)
	}
	return memo
}

// classifyParallelism maps the widest antichain to a potential label. A width
// of one is strictly serial; small widths that cover most of the workflow are
// moderate, small widths inside a mostly serial graph are limited.
func classifyParallelism(width, total int) domain.ParallelismPotential {
	switch {
	case width <= 1:
		return domain.ParallelismNone
	case width >= 4:
		return domain.ParallelismHigh
	case width*2 < total:
		return domain.ParallelismLimited
	default:
		return domain.ParallelismModerate
	}
}
