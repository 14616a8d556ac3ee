// Package clock provides an abstraction for time operations to improve testability.
// Instead of calling time.Now() directly, code can use the Clock interface which
// can be mocked in tests to control time-dependent behavior.
//
// The orchestrator requires a single wall-time source across the executor,
// backoff engine and finalizer of one process; threading one Clock value
// through those components satisfies that.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface for time operations.
// This allows code to be tested with mock clocks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the actual system time.
type RealClock struct{}

// Now returns the current time from the system clock.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Ensure RealClock implements Clock.
var _ Clock = RealClock{}

// Mock implements Clock with a settable time for tests.
// The zero value starts at the Unix epoch; use NewMock to seed a time.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a Mock clock frozen at t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock's time forward by d and returns the new time.
func (m *Mock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set replaces the mock's current time.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Ensure Mock implements Clock.
var _ Clock = (*Mock)(nil)
