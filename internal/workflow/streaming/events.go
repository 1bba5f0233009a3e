package streaming

import (
	"time"

	"github.com/google/uuid"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

type EventKind string

const (
	EventStepExecuting EventKind = "step_executing"
	EventStepCompleted EventKind = "step_completed"
	EventWaitingSensor EventKind = "waiting_sensor"

	EventRunning       EventKind = "running"
	EventPaused        EventKind = "paused"
	EventStopped       EventKind = "stopped"
	EventCompleted     EventKind = "completed"
	EventError         EventKind = "error"
	EventEmergencyStop EventKind = "emergency_stop"
	EventReset         EventKind = "reset"

	EventSafetyViolation    EventKind = "safety_violation"
	EventSafetyRecovered    EventKind = "safety_recovered"
	EventTransitionAlert    EventKind = "transition_alert"
	EventTransitionWaiting  EventKind = "transition_waiting"
	EventTransitionComplete EventKind = "transition_complete"
)

// Event is one status notification. Only the fields relevant to Kind are set.
type Event struct {
	ID         uuid.UUID        `json:"id"`
	RunID      uuid.UUID        `json:"run_id"`
	Kind       EventKind        `json:"kind"`
	Timestamp  time.Time        `json:"timestamp"`
	State      string           `json:"state,omitempty"`
	Step       *definition.Step `json:"step,omitempty"`
	TotalSteps int              `json:"total_steps,omitempty"`
	Progress   float64          `json:"progress"`
	SafetyCode string           `json:"safety_code,omitempty"`
	Message    string           `json:"message,omitempty"`
	Sensor     hardware.Sensor  `json:"sensor,omitempty"`
	SwitchDown *bool            `json:"switch_down,omitempty"`
	Required   string           `json:"required,omitempty"`
}

// IsTerminal reports whether the event ends a run.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case EventCompleted, EventStopped, EventError, EventEmergencyStop:
		return true
	}
	return false
}
