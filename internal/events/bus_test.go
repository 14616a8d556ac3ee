package events

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/domain"
)

func newTestBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestSubscribeRejectsUnknownEventName(t *testing.T) {
	bus := newTestBus()
	err := bus.Subscribe(SubscriberFunc{SubscriberName: "s", Fn: func(Event) error { return nil }}, "task.exploded")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event name")
}

func TestSubscribeRequiresEventNames(t *testing.T) {
	bus := newTestBus()
	err := bus.Subscribe(SubscriberFunc{SubscriberName: "s", Fn: func(Event) error { return nil }})
	require.Error(t, err)
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := newTestBus()
	var order []string

	for _, name := range []string{"first", "second", "third"} {
		err := bus.Subscribe(SubscriberFunc{
			SubscriberName: name,
			Fn: func(name string) func(Event) error {
				return func(Event) error {
					order = append(order, name)
					return nil
				}
			}(name),
		}, constants.EventStepCompleted)
		require.NoError(t, err)
	}

	bus.Publish(Event{Name: constants.EventStepCompleted, At: time.Now()})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublishOnlyReachesMatchingSubscribers(t *testing.T) {
	bus := newTestBus()
	counter := NewCounterSubscriber()
	require.NoError(t, bus.Subscribe(counter, constants.EventTaskCompleted))

	bus.Publish(Event{Name: constants.EventTaskCompleted})
	bus.Publish(Event{Name: constants.EventTaskFailed})

	assert.Equal(t, int64(1), counter.Count(constants.EventTaskCompleted))
	assert.Equal(t, int64(0), counter.Count(constants.EventTaskFailed))
}

func TestSubscriberErrorDoesNotStopDelivery(t *testing.T) {
	bus := newTestBus()
	delivered := false

	require.NoError(t, bus.Subscribe(SubscriberFunc{
		SubscriberName: "failing",
		Fn:             func(Event) error { return errors.New("boom") },
	}, constants.EventStepFailed))
	require.NoError(t, bus.Subscribe(SubscriberFunc{
		SubscriberName: "ok",
		Fn: func(Event) error {
			delivered = true
			return nil
		},
	}, constants.EventStepFailed))

	bus.Publish(Event{Name: constants.EventStepFailed})
	assert.True(t, delivered)
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	bus := newTestBus()
	delivered := false

	require.NoError(t, bus.Subscribe(SubscriberFunc{
		SubscriberName: "panicking",
		Fn:             func(Event) error { panic("boom") },
	}, constants.EventStepFailed))
	require.NoError(t, bus.Subscribe(SubscriberFunc{
		SubscriberName: "ok",
		Fn: func(Event) error {
			delivered = true
			return nil
		},
	}, constants.EventStepFailed))

	require.NotPanics(t, func() {
		bus.Publish(Event{Name: constants.EventStepFailed})
	})
	assert.True(t, delivered)
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()
	counter := NewCounterSubscriber()
	require.NoError(t, bus.SubscribeAll(counter))

	for _, name := range constants.EventNames() {
		bus.Publish(Event{Name: name})
	}

	snapshot := counter.Snapshot()
	assert.Len(t, snapshot, len(constants.EventNames()))
	for _, count := range snapshot {
		assert.Equal(t, int64(1), count)
	}
}

func TestTelemetrySubscriberSurfacesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	sub := NewTelemetrySubscriber(zerolog.New(&buf), "X-Request-ID")

	require.NoError(t, sub.Handle(Event{
		Name:   constants.EventTaskStarted,
		TaskID: 7,
		Metadata: domain.Metadata{
			constants.CorrelationIDMetadataKey: "corr-123",
		},
		At: time.Now(),
	}))

	out := buf.String()
	assert.Contains(t, out, `"X-Request-ID":"corr-123"`)
	assert.Contains(t, out, `"task_id":7`)
	assert.Contains(t, out, constants.EventTaskStarted)
}

func TestTelemetrySubscriberDefaultHeaderName(t *testing.T) {
	var buf bytes.Buffer
	sub := NewTelemetrySubscriber(zerolog.New(&buf), "")

	require.NoError(t, sub.Handle(Event{
		Name:     constants.EventStepCompleted,
		Metadata: domain.Metadata{constants.CorrelationIDMetadataKey: "corr-9"},
	}))
	assert.Contains(t, buf.String(), `"`+constants.DefaultCorrelationIDHeader+`":"corr-9"`)
}
