package domain

import "time"

// EntityKind distinguishes the two transition logs.
type EntityKind string

// Transition log entity kinds.
const (
	EntityTask EntityKind = "task"
	EntityStep EntityKind = "step"
)

// Transition is one row in an append-only transition log. Rows are never
// mutated after insert.
//
// Invariants maintained by the state machine and the store:
//   - SortKey is unique per entity and strictly increasing in creation order.
//   - FromState, when non-nil, equals the ToState of the immediately prior
//     transition for the same entity.
//   - ToState is never empty; an empty FromState is normalized to nil.
type Transition struct {
	ID int64 `json:"id" db:"id"`

	// EntityID is the task or step the transition belongs to, depending on
	// which log the row lives in.
	EntityID int64 `json:"entity_id" db:"entity_id"`

	// FromState is nil for the first transition of an entity.
	FromState *string `json:"from_state,omitempty" db:"from_state"`

	// ToState is the state entered by this transition.
	ToState string `json:"to_state" db:"to_state"`

	// SortKey is the per-entity monotonic ordering key.
	SortKey int `json:"sort_key" db:"sort_key"`

	// Metadata carries structured detail: error messages, attempt numbers,
	// permanence markers, correlation IDs.
	Metadata Metadata `json:"metadata,omitempty" db:"metadata"`

	// CreatedAt is when the transition was recorded.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Transition metadata keys written by the engine.
const (
	// MetaRetryAttempt marks an error→pending transition as a retry; its value
	// is the attempt number being started.
	MetaRetryAttempt = "retry_attempt"

	// MetaAttemptNumber records the attempt number on in_progress transitions.
	MetaAttemptNumber = "attempt_number"

	// MetaPermanent marks an error transition as non-retryable.
	MetaPermanent = "permanent"

	// MetaErrorMessage carries the handler's error text on error transitions.
	MetaErrorMessage = "error_message"

	// MetaErrorCode carries the failure classification (e.g. "timeout").
	MetaErrorCode = "error_code"

	// MetaBackoffSeconds records the scheduled backoff on error transitions.
	MetaBackoffSeconds = "backoff_seconds"

	// MetaReason carries a human-readable explanation for manual transitions.
	MetaReason = "reason"
)

// IsRetry reports whether the transition is classified as a retry:
// an error→pending step transition carrying the retry_attempt metadata key.
func (t *Transition) IsRetry() bool {
	if t.FromState == nil || *t.FromState != "error" || t.ToState != "pending" {
		return false
	}
	_, ok := t.Metadata[MetaRetryAttempt]
	return ok
}

// DurationSincePrevious returns the elapsed time between prev and t, or nil
// when prev is nil (t is the entity's first transition).
func (t *Transition) DurationSincePrevious(prev *Transition) *time.Duration {
	if prev == nil {
		return nil
	}
	d := t.CreatedAt.Sub(prev.CreatedAt)
	return &d
}
