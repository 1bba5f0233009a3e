package streaming

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultQueueSize = 1024

// Observer receives every event on the dispatcher goroutine. A panicking
// observer is logged and skipped.
type Observer func(Event)

type namedObserver struct {
	name string
	fn   Observer
}

// EventBus decouples the engine from its observers. Publish only enqueues;
// a single dispatcher goroutine delivers events in publish order.
type EventBus struct {
	logger *zap.Logger
	queue  chan Event
	done   chan struct{}

	mu          sync.RWMutex
	closed      bool
	subscribers []chan Event
	observers   []namedObserver
}

func NewEventBus(logger *zap.Logger, queueSize int) *EventBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	b := &EventBus{
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish never blocks. Events published on a full queue or after Close
// are dropped with a warning.
func (b *EventBus) Publish(event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	select {
	case b.queue <- event:
	default:
		b.logger.Warn("Event queue full, event dropped",
			zap.String("kind", string(event.Kind)))
	}
}

// Subscribe returns a channel receiving every later event. Slow
// subscribers miss events instead of stalling delivery.
func (b *EventBus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

func (b *EventBus) AddObserver(name string, fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, namedObserver{name: name, fn: fn})
}

// Close stops accepting events, drains the queue and closes all
// subscriber channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}

func (b *EventBus) dispatch() {
	defer close(b.done)

	for event := range b.queue {
		b.mu.RLock()
		for _, ch := range b.subscribers {
			select {
			case ch <- event:
			default:
				// Skip if channel is full
			}
		}
		observers := make([]namedObserver, len(b.observers))
		copy(observers, b.observers)
		b.mu.RUnlock()

		for _, obs := range observers {
			b.notify(obs, event)
		}
	}
}

func (b *EventBus) notify(obs namedObserver, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Observer failed",
				zap.String("observer", obs.name),
				zap.String("kind", string(event.Kind)),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	obs.fn(event)
}
