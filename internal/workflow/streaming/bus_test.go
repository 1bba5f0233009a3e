package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishFillsIdentityAndTimestamp(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 16)
	defer bus.Close()

	sub := bus.Subscribe(4)
	bus.Publish(Event{Kind: EventRunning})

	e := receive(t, sub)
	assert.Equal(t, EventRunning, e.Kind)
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestDeliveryPreservesOrder(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 64)
	defer bus.Close()

	sub := bus.Subscribe(64)
	kinds := []EventKind{EventRunning, EventStepExecuting, EventStepCompleted, EventCompleted}
	for _, k := range kinds {
		bus.Publish(Event{Kind: k})
	}

	for _, want := range kinds {
		assert.Equal(t, want, receive(t, sub).Kind)
	}
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 16)

	var mu sync.Mutex
	var seen []EventKind
	bus.AddObserver("broken", func(Event) { panic("boom") })
	bus.AddObserver("recorder", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Kind)
	})

	bus.Publish(Event{Kind: EventRunning})
	bus.Publish(Event{Kind: EventCompleted})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventRunning, EventCompleted}, seen)
}

func TestFullSubscriberDoesNotStallOthers(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 64)
	defer bus.Close()

	slow := bus.Subscribe(1)
	fast := bus.Subscribe(16)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: EventStepCompleted})
	}
	for i := 0; i < 5; i++ {
		receive(t, fast)
	}

	assert.Len(t, slow, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 16)
	defer bus.Close()

	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
}

func TestCloseDrainsAndIgnoresLatePublish(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 16)
	sub := bus.Subscribe(16)

	bus.Publish(Event{Kind: EventRunning})
	bus.Close()
	bus.Publish(Event{Kind: EventStopped})

	var kinds []EventKind
	for e := range sub {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventRunning}, kinds)

	late := bus.Subscribe(1)
	_, ok := <-late
	assert.False(t, ok)
}

func TestTerminalKinds(t *testing.T) {
	for _, k := range []EventKind{EventCompleted, EventStopped, EventError, EventEmergencyStop} {
		assert.True(t, Event{Kind: k}.IsTerminal(), k)
	}
	for _, k := range []EventKind{EventRunning, EventPaused, EventSafetyViolation, EventTransitionWaiting} {
		assert.False(t, Event{Kind: k}.IsTerminal(), k)
	}
}
