package machine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBusy           = errors.New("machine busy")
	ErrUnknownCommand = errors.New("unknown command")
)

// StateManager owns the machine state. It is constructed by the process
// entry point and handed to every consumer.
type StateManager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	state     State
	reason    string
	changedAt time.Time
	observers []chan StateChange
}

func NewStateManager(logger *zap.Logger) *StateManager {
	return &StateManager{
		logger:    logger,
		state:     StateIdle,
		changedAt: time.Now(),
	}
}

func (m *StateManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reason is the message attached to the last change, typically an error.
func (m *StateManager) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

func (m *StateManager) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

func (m *StateManager) Set(to State, reason string) {
	m.mu.Lock()
	change := m.apply(to, reason)
	m.mu.Unlock()

	m.log(change)
}

// Enter moves to the given state only if allowed accepts the current one.
func (m *StateManager) Enter(to State, allowed func(State) bool, reason string) error {
	m.mu.Lock()
	if !allowed(m.state) {
		current := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot enter %s while %s", ErrBusy, to, current)
	}
	change := m.apply(to, reason)
	m.mu.Unlock()

	m.log(change)
	return nil
}

func (m *StateManager) CanSwitchMode() bool {
	return canReconfigure(m.State())
}

func (m *StateManager) CanHome() bool {
	return canReconfigure(m.State())
}

func (m *StateManager) CanStart() bool {
	return m.State() == StateIdle
}

// canReconfigure is false whenever the engine or a maintenance task owns
// the hardware.
func canReconfigure(s State) bool {
	return s == StateIdle || s == StateError
}

// Subscribe returns a channel of state changes. Full channels miss changes.
func (m *StateManager) Subscribe(buffer int) <-chan StateChange {
	ch := make(chan StateChange, buffer)
	m.mu.Lock()
	m.observers = append(m.observers, ch)
	m.mu.Unlock()
	return ch
}

func (m *StateManager) Unsubscribe(ch <-chan StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, obs := range m.observers {
		if obs == ch {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			close(obs)
			break
		}
	}
}

// apply must be called with mu held. Observers are notified under the
// lock so they see changes in order.
func (m *StateManager) apply(to State, reason string) StateChange {
	change := StateChange{From: m.state, To: to, Reason: reason, At: time.Now()}
	m.state = to
	m.reason = reason
	m.changedAt = change.At

	for _, obs := range m.observers {
		select {
		case obs <- change:
		default:
			// Channel full, skip
		}
	}
	return change
}

func (m *StateManager) log(change StateChange) {
	if change.From == change.To {
		return
	}
	m.logger.Info("Machine state changed",
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("reason", change.Reason))
}
