// Package readiness implements the step-readiness predicate, the per-task
// execution context and the workflow summary.
//
// The persistence layer produces a consistent per-task Snapshot in a bounded
// number of queries; this package derives all readiness views from it with a
// single clock source, so the semantics stay identical whether the snapshot
// came from Postgres or from the in-memory store.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors,
//     internal/backoff, internal/clock, std lib
//   - MUST NOT import: internal/store, internal/orchestration
package readiness

import (
	"time"

	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
)

// Snapshot is a consistent view of one task's steps, edges and derived states,
// taken within a single store read. Readiness is computed over the snapshot
// only; it never goes back to the store.
type Snapshot struct {
	// Task is the owning task row.
	Task *domain.Task

	// Steps are the task's workflow steps in (sort_key, id) order.
	Steps []*domain.WorkflowStep

	// Edges are the task's dependency edges.
	Edges []*domain.WorkflowStepEdge

	// States maps step ID to the state derived from its transition log.
	States map[int64]constants.StepState

	// LastFailureAt maps step ID to the time of its latest error transition.
	LastFailureAt map[int64]time.Time

	// LastErrorMessages maps step ID to the error_message metadata of its
	// latest error transition.
	LastErrorMessages map[int64]string
}

// StateOf returns the snapshot state for a step; missing entries are pending.
func (s *Snapshot) StateOf(stepID int64) constants.StepState {
	if st, ok := s.States[stepID]; ok {
		return st
	}
	return constants.StepStatePending
}

// StepByID returns the snapshot step with the given ID, or nil.
func (s *Snapshot) StepByID(stepID int64) *domain.WorkflowStep {
	for _, step := range s.Steps {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

// parents returns the parent step IDs per step ID.
func (s *Snapshot) parents() map[int64][]int64 {
	out := make(map[int64][]int64, len(s.Steps))
	for _, e := range s.Edges {
		out[e.ToStepID] = append(out[e.ToStepID], e.FromStepID)
	}
	return out
}

// children returns the child step IDs per step ID.
func (s *Snapshot) children() map[int64][]int64 {
	out := make(map[int64][]int64, len(s.Steps))
	for _, e := range s.Edges {
		out[e.FromStepID] = append(out[e.FromStepID], e.ToStepID)
	}
	return out
}
