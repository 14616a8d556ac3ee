// Package backoff computes retry delays for failed steps and reenqueue delays
// for task scheduling. The calculator is pure over its inputs; jitter uses an
// injectable random source so tests can pin the outcome.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sequor/sequor/internal/constants"
)

// Config holds the backoff policy knobs. Zero values are replaced with the
// documented defaults by Normalize.
type Config struct {
	// DefaultBackoffSeconds is the ordered per-attempt delay table.
	// Attempt N (1-indexed) uses entry N-1.
	DefaultBackoffSeconds []int

	// MaxBackoffSeconds caps computed and server-supplied delays.
	MaxBackoffSeconds int

	// BackoffMultiplier is the exponent applied to the attempt number once the
	// attempt count exceeds the delay table.
	BackoffMultiplier float64

	// JitterEnabled toggles the ± jitter applied to the capped delay.
	JitterEnabled bool

	// JitterMaxPercentage bounds jitter relative to the capped delay.
	JitterMaxPercentage float64

	// ReenqueueDelays maps execution statuses to task reenqueue delays.
	ReenqueueDelays map[constants.ExecutionStatus]int

	// DefaultReenqueueDelaySeconds applies to statuses absent from ReenqueueDelays.
	DefaultReenqueueDelaySeconds int

	// BufferSeconds is added to every reenqueue delay.
	BufferSeconds int
}

// DefaultConfig returns the documented backoff defaults.
func DefaultConfig() Config {
	return Config{
		DefaultBackoffSeconds: constants.DefaultBackoffSeconds(),
		MaxBackoffSeconds:     constants.DefaultMaxBackoffSeconds,
		BackoffMultiplier:     constants.DefaultBackoffMultiplier,
		JitterEnabled:         true,
		JitterMaxPercentage:   constants.DefaultJitterMaxPercentage,
		ReenqueueDelays: map[constants.ExecutionStatus]int{
			constants.ExecutionStatusHasReadySteps:          0,
			constants.ExecutionStatusWaitingForDependencies: 45,
			constants.ExecutionStatusProcessing:             10,
		},
		DefaultReenqueueDelaySeconds: constants.DefaultReenqueueDelaySeconds,
		BufferSeconds:                constants.DefaultBufferSeconds,
	}
}

// Normalize fills zero-valued fields with defaults and returns the result.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if len(c.DefaultBackoffSeconds) == 0 {
		c.DefaultBackoffSeconds = def.DefaultBackoffSeconds
	}
	if c.MaxBackoffSeconds <= 0 {
		c.MaxBackoffSeconds = def.MaxBackoffSeconds
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.JitterMaxPercentage <= 0 {
		c.JitterMaxPercentage = def.JitterMaxPercentage
	}
	if c.ReenqueueDelays == nil {
		c.ReenqueueDelays = def.ReenqueueDelays
	}
	if c.DefaultReenqueueDelaySeconds <= 0 {
		c.DefaultReenqueueDelaySeconds = def.DefaultReenqueueDelaySeconds
	}
	if c.BufferSeconds <= 0 {
		c.BufferSeconds = def.BufferSeconds
	}
	return c
}

// Calculator computes step backoff and task reenqueue delays.
type Calculator struct {
	cfg Config

	mu   sync.Mutex
	rand *rand.Rand
}

// NewCalculator builds a Calculator with the given config. A nil-seeded
// calculator uses wall-clock seeding; tests pass a fixed source via
// NewCalculatorWithRand.
func NewCalculator(cfg Config) *Calculator {
	return NewCalculatorWithRand(cfg, rand.New(rand.NewSource(time.Now().UnixNano()))) //nolint:gosec // jitter, not crypto
}

// NewCalculatorWithRand builds a Calculator with an explicit random source.
func NewCalculatorWithRand(cfg Config, r *rand.Rand) *Calculator {
	return &Calculator{cfg: cfg.Normalize(), rand: r}
}

// Config returns the calculator's normalized configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// StepBackoff returns the delay before a failed step becomes eligible again,
// for the given 1-indexed attempt number. The result is whole seconds, at
// least one second once any backoff applies.
func (c *Calculator) StepBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var base float64
	if attempt <= len(c.cfg.DefaultBackoffSeconds) {
		base = float64(c.cfg.DefaultBackoffSeconds[attempt-1])
	} else {
		base = math.Floor(math.Pow(float64(attempt), c.cfg.BackoffMultiplier))
	}

	capped := math.Min(base, float64(c.cfg.MaxBackoffSeconds))

	if c.cfg.JitterEnabled {
		capped = math.Max(1, capped+c.jitter(capped))
	}

	return time.Duration(int(capped)) * time.Second
}

// jitter returns a uniform value in [-capped*j, +capped*j].
func (c *Calculator) jitter(capped float64) float64 {
	span := capped * c.cfg.JitterMaxPercentage
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.rand.Float64()*2 - 1) * span
}

// ServerBackoff caps a handler-supplied retry_after at the configured maximum.
// Server-supplied delays take priority over the exponential calculation.
func (c *Calculator) ServerBackoff(retryAfter time.Duration) time.Duration {
	maxDelay := time.Duration(c.cfg.MaxBackoffSeconds) * time.Second
	if retryAfter > maxDelay {
		return maxDelay
	}
	if retryAfter < 0 {
		return 0
	}
	return retryAfter
}

// NextEligibleAt returns when a failed step may run again, honoring the
// priority order: server-supplied delay, then exponential backoff, then no
// constraint. lastAttemptedAt anchors server delays; lastFailureAt anchors
// exponential delays.
func (c *Calculator) NextEligibleAt(attempt int, retryAfter *time.Duration, lastAttemptedAt, lastFailureAt *time.Time) *time.Time {
	if retryAfter != nil && lastAttemptedAt != nil {
		at := lastAttemptedAt.Add(c.ServerBackoff(*retryAfter))
		return &at
	}
	if attempt > 0 && lastFailureAt != nil {
		at := lastFailureAt.Add(c.StepBackoff(attempt))
		return &at
	}
	return nil
}

// ReenqueueDelay returns the task reenqueue delay for the given execution
// status, including the buffer.
func (c *Calculator) ReenqueueDelay(status constants.ExecutionStatus) time.Duration {
	seconds, ok := c.cfg.ReenqueueDelays[status]
	if !ok {
		seconds = c.cfg.DefaultReenqueueDelaySeconds
	}
	return time.Duration(seconds+c.cfg.BufferSeconds) * time.Second
}

// ReenqueueDelayUntil returns the reenqueue delay for waiting_for_dependencies
// when the earliest retry window is known: the larger of the configured delay
// and the time remaining until minNextRetryAt, plus the buffer.
func (c *Calculator) ReenqueueDelayUntil(status constants.ExecutionStatus, minNextRetryAt *time.Time, now time.Time) time.Duration {
	base, ok := c.cfg.ReenqueueDelays[status]
	if !ok {
		base = c.cfg.DefaultReenqueueDelaySeconds
	}
	delay := time.Duration(base) * time.Second
	if minNextRetryAt != nil {
		if until := minNextRetryAt.Sub(now); until > delay {
			delay = until
		}
	}
	return delay + time.Duration(c.cfg.BufferSeconds)*time.Second
}
