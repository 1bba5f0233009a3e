// Package hardware defines the physical collaborators the execution engine
// drives: two motor axes, five pneumatic tools and the desk sensors.
package hardware

import (
	"context"
	"errors"
	"fmt"
)

type Tool string

const (
	ToolLineMotorPiston Tool = "line_motor_piston"
	ToolLineCutter      Tool = "line_cutter"
	ToolLineMarker      Tool = "line_marker"
	ToolRowCutter       Tool = "row_cutter"
	ToolRowMarker       Tool = "row_marker"
)

// Tools lists every tool in a fixed order.
var Tools = []Tool{
	ToolLineMotorPiston,
	ToolLineCutter,
	ToolLineMarker,
	ToolRowCutter,
	ToolRowMarker,
}

func (t Tool) Valid() bool {
	for _, known := range Tools {
		if t == known {
			return true
		}
	}
	return false
}

type ToolState string

const (
	ToolUp   ToolState = "up"
	ToolDown ToolState = "down"
)

func (s ToolState) Valid() bool {
	return s == ToolUp || s == ToolDown
}

type Sensor string

const (
	// Line gate sensors, crossed by the carriage while a line is cut or marked.
	SensorXLeft  Sensor = "x_left"
	SensorXRight Sensor = "x_right"

	// Row gate sensors.
	SensorYTop    Sensor = "y_top"
	SensorYBottom Sensor = "y_bottom"

	// Door/marker interlock switch set by the operator. true means down.
	SensorRowMarkerSwitch Sensor = "row_marker_switch"
)

var Sensors = []Sensor{
	SensorXLeft,
	SensorXRight,
	SensorYTop,
	SensorYBottom,
	SensorRowMarkerSwitch,
}

func (s Sensor) Valid() bool {
	for _, known := range Sensors {
		if s == known {
			return true
		}
	}
	return false
}

var (
	ErrUnknownTool   = errors.New("hardware: unknown tool")
	ErrUnknownSensor = errors.New("hardware: unknown sensor")
	ErrNotConnected  = errors.New("hardware: backend not connected")
)

// Hardware is the interface the engine, the safety monitor and the homing
// sequence use to reach the desk. Blocking calls must return promptly once
// ctx is cancelled.
type Hardware interface {
	// MoveX blocks until the X axis reports settled and returns the settled position.
	MoveX(ctx context.Context, position float64) (float64, error)
	// MoveY blocks until the Y axis reports settled and returns the settled position.
	MoveY(ctx context.Context, position float64) (float64, error)
	// SetTool blocks until the piston position sensor confirms the commanded state.
	SetTool(ctx context.Context, tool Tool, state ToolState) error
	ReadSensor(ctx context.Context, sensor Sensor) (bool, error)
	// EmergencyStop halts both motors immediately without waiting for confirmation.
	EmergencyStop() error
	Position() (x, y float64)
}

// StopReleaser is implemented by backends whose emergency stop latches in
// the drive and must be cleared explicitly before motion resumes.
type StopReleaser interface {
	ReleaseStop(ctx context.Context) error
}

// SafeToolStates is the retracted configuration forced on emergency stop
// and after homing.
func SafeToolStates() map[Tool]ToolState {
	return map[Tool]ToolState{
		ToolLineMotorPiston: ToolDown,
		ToolLineCutter:      ToolUp,
		ToolLineMarker:      ToolUp,
		ToolRowCutter:       ToolUp,
		ToolRowMarker:       ToolUp,
	}
}

// ForceSafeState drives every tool to its safe state. All tools are
// attempted even if some fail; the joined error reports every failure.
func ForceSafeState(ctx context.Context, hw Hardware) error {
	safe := SafeToolStates()
	var errs []error
	for _, tool := range Tools {
		if err := hw.SetTool(ctx, tool, safe[tool]); err != nil {
			errs = append(errs, fmt.Errorf("%s -> %s: %w", tool, safe[tool], err))
		}
	}
	return errors.Join(errs...)
}
