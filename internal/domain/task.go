// Package domain provides shared domain types for the SEQUOR workflow orchestrator.
// These types are used across all internal packages to ensure consistent data structures.
//
// This package follows strict import rules:
//   - CAN import: internal/constants, internal/errors, standard library
//   - MUST NOT import: any other internal packages
//
// All JSON field names use snake_case per architecture requirements.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sequor/sequor/internal/constants"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

// Task is a live instance of a named workflow for a specific input context.
// A task exclusively owns its workflow steps, step edges and transition logs.
//
// Current state is never stored on the row; it is derived from the latest
// transition (absence of any transition means pending).
type Task struct {
	// ID is the stable integer primary key.
	ID int64 `json:"task_id" db:"id"`

	// NamedTaskID references the registered workflow this task instantiates.
	NamedTaskID int64 `json:"named_task_id" db:"named_task_id"`

	// Name is the named task's name, denormalized for logging and summaries.
	Name string `json:"name" db:"name"`

	// Version is the named task's semver version.
	Version string `json:"version" db:"version"`

	// Context is the opaque JSON input the workflow operates on.
	Context json.RawMessage `json:"context" db:"context"`

	// RequestedAt is when the originating request was made.
	RequestedAt time.Time `json:"requested_at" db:"requested_at"`

	// IdentityHash guards against duplicate submissions (see TaskRequest.IdentityHash).
	IdentityHash string `json:"identity_hash" db:"identity_hash"`

	// Initiator identifies who or what submitted the task.
	Initiator string `json:"initiator" db:"initiator"`

	// SourceSystem identifies the submitting system.
	SourceSystem string `json:"source_system" db:"source_system"`

	// Reason is a human-readable justification for the task.
	Reason string `json:"reason" db:"reason"`

	// Tags are free-form labels for search and reporting.
	Tags StringList `json:"tags,omitempty" db:"tags"`

	// BypassSteps lists step names whose dependency contribution is treated as
	// satisfied, provided the named step is skippable. Names of non-skippable
	// steps are ignored.
	BypassSteps StringList `json:"bypass_steps,omitempty" db:"bypass_steps"`

	// CorrelationID propagates across task and step boundaries via event metadata.
	CorrelationID string `json:"correlation_id,omitempty" db:"correlation_id"`

	// CreatedAt is when the task row was inserted.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BypassesStep reports whether name is listed in the task's bypass steps.
// Skippability is checked by the caller against the step row.
func (t *Task) BypassesStep(name string) bool {
	for _, s := range t.BypassSteps {
		if s == name {
			return true
		}
	}
	return false
}

// TaskRequest carries a task submission. Name and Context are required;
// optional string fields default to the literal "unknown".
type TaskRequest struct {
	// Name must match a registered named task.
	Name string `json:"name"`

	// Version selects a registered version; empty selects the latest.
	Version string `json:"version,omitempty"`

	// Context is the opaque JSON input for the workflow.
	Context json.RawMessage `json:"context"`

	// Initiator identifies who or what is submitting the task.
	Initiator string `json:"initiator,omitempty"`

	// SourceSystem identifies the submitting system.
	SourceSystem string `json:"source_system,omitempty"`

	// Reason is a human-readable justification.
	Reason string `json:"reason,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`

	// BypassSteps lists step names to treat as satisfied (skippable steps only).
	BypassSteps []string `json:"bypass_steps,omitempty"`

	// RequestedAt defaults to the submission time when zero.
	RequestedAt time.Time `json:"requested_at,omitempty"`

	// CorrelationID is generated when absent.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Normalize applies submission defaults in place: optional identity fields
// default to "unknown" and RequestedAt defaults to now.
func (r *TaskRequest) Normalize(now time.Time) {
	if r.Initiator == "" {
		r.Initiator = constants.UnknownValue
	}
	if r.SourceSystem == "" {
		r.SourceSystem = constants.UnknownValue
	}
	if r.Reason == "" {
		r.Reason = constants.UnknownValue
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now.UTC()
	}
}

// Validate checks that the request carries the required fields.
func (r *TaskRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("task request name: %w", seqerrors.ErrEmptyValue)
	}
	if len(r.Context) == 0 {
		return fmt.Errorf("task request context: %w", seqerrors.ErrEmptyValue)
	}
	if !json.Valid(r.Context) {
		return fmt.Errorf("task request context is not valid JSON: %w", seqerrors.ErrConfigInvalid)
	}
	return nil
}

// identityFields is the canonical identity payload. Field order is fixed and
// the context is re-encoded through map types so that object keys serialize
// sorted, making the encoding deterministic.
type identityFields struct {
	Name         string   `json:"name"`
	Initiator    string   `json:"initiator"`
	SourceSystem string   `json:"source_system"`
	Context      any      `json:"context"`
	Reason       string   `json:"reason"`
	BypassSteps  []string `json:"bypass_steps"`
	RequestedAt  string   `json:"requested_at"`
}

// IdentityHash returns the hex SHA-256 of the canonical JSON encoding of the
// request's identifying fields. RequestedAt is truncated to the minute so that
// rapid duplicate submissions hash identically.
func (r *TaskRequest) IdentityHash() (string, error) {
	var ctx any
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &ctx); err != nil {
			return "", fmt.Errorf("canonicalize context: %w", err)
		}
	}

	bypass := r.BypassSteps
	if bypass == nil {
		bypass = []string{}
	}

	payload := identityFields{
		Name:         r.Name,
		Initiator:    r.Initiator,
		SourceSystem: r.SourceSystem,
		Context:      ctx,
		Reason:       r.Reason,
		BypassSteps:  bypass,
		RequestedAt:  r.RequestedAt.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode identity payload: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
