package machine

import (
	"time"

	"github.com/google/uuid"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/engine"
)

type State string

const (
	StateIdle          State = "idle"
	StateHoming        State = "homing"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateError         State = "error"
	StateSwitchingMode State = "switching_mode"
)

type Command string

const (
	CommandHome          Command = "home"
	CommandPause         Command = "pause"
	CommandResume        Command = "resume"
	CommandStop          Command = "stop"
	CommandEmergencyStop Command = "emergency_stop"
	CommandReset         Command = "reset"
	CommandRetry         Command = "retry"
)

type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type MachineStatus struct {
	State             State         `json:"state"`
	Mode              hardware.Mode `json:"mode"`
	ProgramNumber     int           `json:"program_number,omitempty"`
	ProgramName       string        `json:"program_name,omitempty"`
	RunID             uuid.UUID     `json:"run_id"`
	Execution         engine.Status `json:"execution"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CompletedPrograms int           `json:"completed_programs"`
	PositionX         float64       `json:"position_x"`
	PositionY         float64       `json:"position_y"`
	LastStateChange   time.Time     `json:"last_state_change"`
}
