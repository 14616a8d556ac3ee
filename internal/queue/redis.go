package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sequor/sequor/internal/clock"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

// DefaultRedisKey is the sorted set holding scheduled tasks, scored by ready
// time in unix milliseconds.
const DefaultRedisKey = "sequor:reenqueue"

// RedisQueue is a delayed task queue shared by multiple worker processes,
// backed by a redis sorted set. Members are task IDs; scores are ready times.
// Claims race through ZREM, so each due task is delivered to exactly one
// consumer.
type RedisQueue struct {
	client *redis.Client
	clk    clock.Clock
	key    string
	poll   time.Duration
	closed atomic.Bool
}

// NewRedisQueue creates a redis-backed queue. Empty key and zero pollInterval
// use the defaults.
func NewRedisQueue(client *redis.Client, clk clock.Clock, key string, pollInterval time.Duration) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &RedisQueue{client: client, clk: clk, key: key, poll: pollInterval}
}

// Enqueue schedules taskID to become due after delay. ZADD LT keeps the
// earlier ready time when the task is already queued.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	if q.closed.Load() {
		return fmt.Errorf("enqueue task %d: %w", taskID, seqerrors.ErrQueueClosed)
	}
	if delay < 0 {
		delay = 0
	}
	due := q.clk.Now().Add(delay)

	err := q.client.ZAddLT(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: strconv.FormatInt(taskID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue task %d: %w", taskID, err)
	}
	return nil
}

// Dequeue blocks until a task's ready time has passed and claims it.
func (q *RedisQueue) Dequeue(ctx context.Context) (int64, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		if q.closed.Load() {
			return 0, seqerrors.ErrQueueClosed
		}

		taskID, ok, err := q.claimDue(ctx)
		if err != nil {
			return 0, err
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

// claimDue pops the earliest due member. The ZREM return value arbitrates
// between racing consumers.
func (q *RedisQueue) claimDue(ctx context.Context) (int64, bool, error) {
	now := q.clk.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 1,
	}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("poll queue %s: %w", q.key, err)
	}
	if len(members) == 0 {
		return 0, false, nil
	}

	removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
	if err != nil {
		return 0, false, fmt.Errorf("claim task %s: %w", members[0], err)
	}
	if removed == 0 {
		// Another consumer claimed it first.
		return 0, false, nil
	}

	taskID, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed queue member %q: %w", members[0], err)
	}
	return taskID, true, nil
}

// Len returns the number of queued tasks, due or not.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count queue %s: %w", q.key, err)
	}
	return n, nil
}

// Close stops the queue. The redis key is left intact for other processes.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

var _ Queue = (*RedisQueue)(nil)
