// Package queue provides the reenqueue path: after a cycle, tasks that are
// not yet terminal are placed back on a delayed queue and picked up again by
// a worker once their delay expires.
//
// Two queues are shipped: an in-process queue for single-worker deployments
// and tests, and a redis-backed queue (sorted set keyed by ready time) that
// multiple worker processes can share. Enqueues are idempotent per
// (task_id, earliest_allowed): re-enqueueing a queued task keeps the earlier
// ready time.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sequor/sequor/internal/clock"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

// DefaultPollInterval is how often queue consumers re-check for due tasks.
const DefaultPollInterval = 250 * time.Millisecond

// Reenqueuer schedules a task for another orchestration cycle after delay.
type Reenqueuer interface {
	Enqueue(ctx context.Context, taskID int64, delay time.Duration) error
}

// Queue is a delayed task queue: enqueue with a delay, dequeue blocks until
// a task is due.
type Queue interface {
	Reenqueuer

	// Dequeue blocks until a task's ready time has passed and claims it.
	// Returns ErrQueueClosed after Close, or the context error.
	Dequeue(ctx context.Context) (int64, error)

	// Close stops the queue; blocked Dequeue calls return ErrQueueClosed.
	Close() error
}

// MemoryQueue is the in-process delayed queue. Safe for concurrent use.
type MemoryQueue struct {
	clk  clock.Clock
	poll time.Duration

	mu      sync.Mutex
	readyAt map[int64]time.Time
	closed  bool
}

// NewMemoryQueue creates an empty in-process queue. A zero pollInterval uses
// DefaultPollInterval.
func NewMemoryQueue(clk clock.Clock, pollInterval time.Duration) *MemoryQueue {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &MemoryQueue{
		clk:     clk,
		poll:    pollInterval,
		readyAt: make(map[int64]time.Time),
	}
}

// Enqueue schedules taskID to become due after delay. When the task is
// already queued the earlier ready time wins.
func (q *MemoryQueue) Enqueue(_ context.Context, taskID int64, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := q.clk.Now().Add(delay)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("enqueue task %d: %w", taskID, seqerrors.ErrQueueClosed)
	}
	if existing, ok := q.readyAt[taskID]; !ok || due.Before(existing) {
		q.readyAt[taskID] = due
	}
	return nil
}

// Dequeue blocks until a task is due and claims it. The oldest ready time is
// served first.
func (q *MemoryQueue) Dequeue(ctx context.Context) (int64, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		taskID, ok, closed := q.claimDue()
		if closed {
			return 0, seqerrors.ErrQueueClosed
		}
		if ok {
			return taskID, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimDue removes and returns the due task with the earliest ready time.
func (q *MemoryQueue) claimDue() (taskID int64, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, false, true
	}

	now := q.clk.Now()
	var best int64
	var bestAt time.Time
	for id, at := range q.readyAt {
		if at.After(now) {
			continue
		}
		if !ok || at.Before(bestAt) || (at.Equal(bestAt) && id < best) {
			best, bestAt, ok = id, at, true
		}
	}
	if ok {
		delete(q.readyAt, best)
	}
	return best, ok, false
}

// Len returns the number of queued tasks, due or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.readyAt)
}

// Close stops the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
