package errors

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError signals a transient step failure. The orchestrator schedules
// a backoff and retries the step while retry budget remains. A handler may set
// RetryAfter to override the exponential backoff with a server-supplied delay.
type RetryableError struct {
	// Err is the underlying cause.
	Err error

	// RetryAfter, when non-nil, is the server-supplied delay before the step
	// becomes eligible again. It is capped at the configured maximum backoff.
	RetryAfter *time.Duration

	// Context carries structured detail recorded in the error transition metadata.
	Context map[string]any
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable step failure"
	}
	return fmt.Sprintf("retryable step failure: %v", e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err as a retryable step failure.
func NewRetryable(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// NewRetryableAfter wraps err as a retryable step failure with a
// server-supplied retry delay.
func NewRetryableAfter(err error, retryAfter time.Duration) *RetryableError {
	return &RetryableError{Err: err, RetryAfter: &retryAfter}
}

// PermanentError signals a semantic step failure that must not be retried,
// regardless of remaining retry budget.
type PermanentError struct {
	// Err is the underlying cause.
	Err error

	// Code is a short machine-readable classification (e.g. "validation",
	// "unauthorized").
	Code string

	// Context carries structured detail recorded in the error transition metadata.
	Context map[string]any
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent step failure"
	}
	return fmt.Sprintf("permanent step failure: %v", e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanent wraps err as a permanent step failure with a classification code.
func NewPermanent(err error, code string) *PermanentError {
	return &PermanentError{Err: err, Code: code}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// AsRetryable extracts a RetryableError from err, if present.
func AsRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// RetryAfterOf returns the server-supplied retry delay carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	if re, ok := AsRetryable(err); ok && re.RetryAfter != nil {
		return *re.RetryAfter, true
	}
	return 0, false
}
