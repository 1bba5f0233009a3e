package system

import (
	"errors"
	"fmt"
	"slices"
)

// SystemState is the service lifecycle, separate from the machine state.
type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = map[SystemState]string{
	StateInitializing: "INITIALIZING",
	StateRunning:      "RUNNING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

func (s SystemState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

var ErrInvalidSystemTransition = errors.New("invalid system state transition")

// Stopped is final. Error can still be shut down.
var nextStates = map[SystemState][]SystemState{
	StateInitializing: {StateRunning, StateStopping, StateError},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateError:        {StateStopping, StateStopped},
}

func ValidateTransition(from, to SystemState) error {
	if !slices.Contains(nextStates[from], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSystemTransition, from, to)
	}
	return nil
}
