// Package events provides the synchronous in-process event bus.
//
// The orchestrator publishes a named event at every boundary crossing; named
// subscribers (telemetry, metrics, custom hooks) observe them. Subscriber
// failures are caught and logged and never propagate into the workflow.
// Subscribers that publish metrics must not perform synchronous network I/O
// on the hot path.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
)

// Event is one published occurrence. Events are values; subscribers must not
// retain or mutate the metadata map.
type Event struct {
	// Name is one of the constants.Event* names.
	Name string

	// TaskID identifies the task the event belongs to; zero for process-level events.
	TaskID int64

	// StepID identifies the step, when the event is step-scoped.
	StepID int64

	// StepName is the step's name, when step-scoped.
	StepName string

	// Metadata carries structured detail, including the correlation ID under
	// constants.CorrelationIDMetadataKey.
	Metadata domain.Metadata

	// At is when the event was published.
	At time.Time
}

// Subscriber observes published events. Handle runs synchronously on the
// publisher's goroutine; panics are recovered by the bus.
type Subscriber interface {
	// Name identifies the subscriber in logs.
	Name() string

	// Handle processes one event.
	Handle(event Event) error
}

// Bus is a synchronous publish/subscribe fan-out with per-event-name
// subscriber lists. Safe for concurrent use.
type Bus struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string][]Subscriber

	known map[string]bool
}

// NewBus creates an event bus accepting the orchestrator's event names.
func NewBus(logger zerolog.Logger) *Bus {
	known := make(map[string]bool)
	for _, name := range constants.EventNames() {
		known[name] = true
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string][]Subscriber),
		known:  known,
	}
}

// Subscribe registers sub for the given event names. Unknown names are
// rejected so typos surface at boot rather than as silent dead subscriptions.
func (b *Bus) Subscribe(sub Subscriber, names ...string) error {
	if len(names) == 0 {
		return fmt.Errorf("subscriber %s: no event names given", sub.Name())
	}
	for _, name := range names {
		if !b.known[name] {
			return fmt.Errorf("subscriber %s: unknown event name %q", sub.Name(), name)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		b.subs[name] = append(b.subs[name], sub)
	}
	return nil
}

// SubscribeAll registers sub for every known event name.
func (b *Bus) SubscribeAll(sub Subscriber) error {
	return b.Subscribe(sub, constants.EventNames()...)
}

// Publish delivers the event to every subscriber registered for its name,
// in registration order, on the caller's goroutine. Subscriber errors and
// panics are logged and swallowed; publishing never fails the workflow.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := b.subs[event.Name]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

// deliver invokes one subscriber with panic recovery.
func (b *Bus) deliver(sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", sub.Name()).
				Str("event", event.Name).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()

	if err := sub.Handle(event); err != nil {
		b.logger.Warn().
			Err(err).
			Str("subscriber", sub.Name()).
			Str("event", event.Name).
			Msg("event subscriber failed")
	}
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	SubscriberName string
	Fn             func(event Event) error
}

// Name implements Subscriber.
func (s SubscriberFunc) Name() string { return s.SubscriberName }

// Handle implements Subscriber.
func (s SubscriberFunc) Handle(event Event) error { return s.Fn(event) }
