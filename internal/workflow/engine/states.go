package engine

import (
	"errors"
	"fmt"
)

type ExecutionState string

const (
	StateIdle          ExecutionState = "idle"
	StateRunning       ExecutionState = "running"
	StatePaused        ExecutionState = "paused"
	StateStopped       ExecutionState = "stopped"
	StateCompleted     ExecutionState = "completed"
	StateError         ExecutionState = "error"
	StateEmergencyStop ExecutionState = "emergency_stop"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[ExecutionState][]ExecutionState{
	StateIdle:          {StateRunning, StateEmergencyStop},
	StateRunning:       {StatePaused, StateStopped, StateCompleted, StateError, StateEmergencyStop},
	StatePaused:        {StateRunning, StateStopped, StateError, StateEmergencyStop},
	StateStopped:       {StateIdle, StateEmergencyStop},
	StateCompleted:     {StateIdle, StateEmergencyStop},
	StateError:         {StateIdle, StateEmergencyStop},
	StateEmergencyStop: {StateIdle},
}

func ValidateTransition(from, to ExecutionState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether the state needs a reset before the next run.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateError, StateEmergencyStop:
		return true
	}
	return false
}

// IsActive reports whether the engine owns the hardware.
func (s ExecutionState) IsActive() bool {
	return s == StateRunning || s == StatePaused
}
