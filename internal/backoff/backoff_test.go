package backoff

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequor/sequor/internal/constants"
)

func newTestCalculator(cfg Config) *Calculator {
	return NewCalculatorWithRand(cfg, rand.New(rand.NewSource(1))) //nolint:gosec // fixed seed for tests
}

func TestStepBackoffTable(t *testing.T) {
	calc := newTestCalculator(Config{JitterEnabled: false})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calc.StepBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestStepBackoffBeyondTable(t *testing.T) {
	calc := newTestCalculator(Config{JitterEnabled: false})

	// Attempt 7 exceeds the six-entry table: floor(7^2.0) = 49 seconds.
	assert.Equal(t, 49*time.Second, calc.StepBackoff(7))

	// Attempt 20 would be 400s; capped at the 300s maximum.
	assert.Equal(t, 300*time.Second, calc.StepBackoff(20))
}

func TestStepBackoffZeroAttempt(t *testing.T) {
	calc := newTestCalculator(Config{JitterEnabled: false})
	assert.Equal(t, time.Duration(0), calc.StepBackoff(0))
}

func TestStepBackoffJitterClamped(t *testing.T) {
	calc := NewCalculatorWithRand(Config{JitterEnabled: true}, rand.New(rand.NewSource(42))) //nolint:gosec // fixed seed

	// The jittered result must stay within [max(1, cap*(1-j)), cap*(1+j)].
	for attempt := 1; attempt <= 10; attempt++ {
		cfg := calc.Config()
		var base float64
		if attempt <= len(cfg.DefaultBackoffSeconds) {
			base = float64(cfg.DefaultBackoffSeconds[attempt-1])
		} else {
			base = math.Floor(math.Pow(float64(attempt), cfg.BackoffMultiplier))
		}
		capped := math.Min(base, float64(cfg.MaxBackoffSeconds))
		low := math.Max(1, capped*(1-cfg.JitterMaxPercentage))
		high := capped * (1 + cfg.JitterMaxPercentage)

		for i := 0; i < 50; i++ {
			got := calc.StepBackoff(attempt).Seconds()
			assert.GreaterOrEqual(t, got, math.Floor(low), "attempt %d", attempt)
			assert.LessOrEqual(t, got, math.Ceil(high), "attempt %d", attempt)
		}
	}
}

func TestStepBackoffMinimumOneSecond(t *testing.T) {
	cfg := Config{
		DefaultBackoffSeconds: []int{1},
		JitterEnabled:         true,
		JitterMaxPercentage:   0.9,
	}
	calc := newTestCalculator(cfg)

	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, calc.StepBackoff(1), 1*time.Second)
	}
}

func TestServerBackoffCapped(t *testing.T) {
	calc := newTestCalculator(Config{JitterEnabled: false})

	assert.Equal(t, 7*time.Second, calc.ServerBackoff(7*time.Second))
	assert.Equal(t, 300*time.Second, calc.ServerBackoff(10*time.Minute))
	assert.Equal(t, time.Duration(0), calc.ServerBackoff(-time.Second))
}

func TestNextEligibleAtPriority(t *testing.T) {
	calc := newTestCalculator(Config{JitterEnabled: false})

	attempted := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	failed := attempted.Add(2 * time.Second)
	retryAfter := 7 * time.Second

	t.Run("server supplied wins over exponential", func(t *testing.T) {
		got := calc.NextEligibleAt(1, &retryAfter, &attempted, &failed)
		require.NotNil(t, got)
		assert.Equal(t, attempted.Add(7*time.Second), *got)
	})

	t.Run("exponential when no server delay", func(t *testing.T) {
		got := calc.NextEligibleAt(1, nil, &attempted, &failed)
		require.NotNil(t, got)
		assert.Equal(t, failed.Add(1*time.Second), *got)
	})

	t.Run("no constraint without attempts or failure", func(t *testing.T) {
		assert.Nil(t, calc.NextEligibleAt(0, nil, nil, nil))
		assert.Nil(t, calc.NextEligibleAt(1, nil, &attempted, nil))
	})
}

func TestReenqueueDelay(t *testing.T) {
	calc := newTestCalculator(Config{})

	tests := []struct {
		status constants.ExecutionStatus
		want   time.Duration
	}{
		{constants.ExecutionStatusHasReadySteps, 5 * time.Second},           // 0 + 5 buffer
		{constants.ExecutionStatusWaitingForDependencies, 50 * time.Second}, // 45 + 5
		{constants.ExecutionStatusProcessing, 15 * time.Second},             // 10 + 5
		{constants.ExecutionStatusAllComplete, 35 * time.Second},            // default 30 + 5
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calc.ReenqueueDelay(tt.status), "status %s", tt.status)
	}
}

func TestReenqueueDelayUntil(t *testing.T) {
	calc := newTestCalculator(Config{})
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("configured delay dominates a near retry window", func(t *testing.T) {
		at := now.Add(10 * time.Second)
		got := calc.ReenqueueDelayUntil(constants.ExecutionStatusWaitingForDependencies, &at, now)
		assert.Equal(t, 50*time.Second, got)
	})

	t.Run("distant retry window dominates the configured delay", func(t *testing.T) {
		at := now.Add(2 * time.Minute)
		got := calc.ReenqueueDelayUntil(constants.ExecutionStatusWaitingForDependencies, &at, now)
		assert.Equal(t, 2*time.Minute+5*time.Second, got)
	})

	t.Run("nil retry window falls back to configured delay", func(t *testing.T) {
		got := calc.ReenqueueDelayUntil(constants.ExecutionStatusWaitingForDependencies, nil, now)
		assert.Equal(t, 50*time.Second, got)
	})
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := Config{}.Normalize()

	assert.Equal(t, []int{1, 2, 4, 8, 16, 32}, cfg.DefaultBackoffSeconds)
	assert.Equal(t, 300, cfg.MaxBackoffSeconds)
	assert.InDelta(t, 2.0, cfg.BackoffMultiplier, 1e-9)
	assert.InDelta(t, 0.10, cfg.JitterMaxPercentage, 1e-9)
	assert.Equal(t, 30, cfg.DefaultReenqueueDelaySeconds)
	assert.Equal(t, 5, cfg.BufferSeconds)
}
