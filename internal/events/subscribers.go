package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sequor/sequor/internal/constants"
)

// TelemetrySubscriber logs every event it observes with structured fields.
// It is the default observability sink; exporting to vendor systems is out
// of scope and would be a separate subscriber.
type TelemetrySubscriber struct {
	logger            zerolog.Logger
	correlationHeader string
}

// NewTelemetrySubscriber creates a telemetry subscriber writing to logger.
// The correlation ID is surfaced as its own field named correlationHeader
// (config telemetry.correlation_id_header); empty falls back to the default
// header name.
func NewTelemetrySubscriber(logger zerolog.Logger, correlationHeader string) *TelemetrySubscriber {
	if correlationHeader == "" {
		correlationHeader = constants.DefaultCorrelationIDHeader
	}
	return &TelemetrySubscriber{logger: logger, correlationHeader: correlationHeader}
}

// Name implements Subscriber.
func (s *TelemetrySubscriber) Name() string { return "telemetry" }

// Handle implements Subscriber.
func (s *TelemetrySubscriber) Handle(event Event) error {
	evt := s.logger.Info().
		Str("event", event.Name).
		Time("at", event.At)
	if event.TaskID != 0 {
		evt = evt.Int64("task_id", event.TaskID)
	}
	if event.StepID != 0 {
		evt = evt.Int64("step_id", event.StepID).Str("step_name", event.StepName)
	}
	if id, ok := event.Metadata[constants.CorrelationIDMetadataKey].(string); ok && id != "" {
		evt = evt.Str(s.correlationHeader, id)
	}
	if len(event.Metadata) > 0 {
		evt = evt.Interface("metadata", event.Metadata)
	}
	evt.Msg("orchestration event")
	return nil
}

// CounterSubscriber counts events by name in memory. Counters never touch
// the network on the hot path; scrapers read them out of band.
type CounterSubscriber struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewCounterSubscriber creates an empty counter subscriber.
func NewCounterSubscriber() *CounterSubscriber {
	return &CounterSubscriber{counts: make(map[string]int64)}
}

// Name implements Subscriber.
func (s *CounterSubscriber) Name() string { return "counters" }

// Handle implements Subscriber.
func (s *CounterSubscriber) Handle(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[event.Name]++
	return nil
}

// Count returns the observed count for an event name.
func (s *CounterSubscriber) Count(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// Snapshot returns a copy of all counters.
func (s *CounterSubscriber) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
