// Package sim is an in-memory scratch desk. It backs the simulation
// hardware mode and the engine tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"go.uber.org/zap"
)

type Config struct {
	MoveDelay time.Duration
	ToolDelay time.Duration
	// ManualGates disables automatic triggering of the four gate sensors;
	// they then only report what SetSensor stored.
	ManualGates bool
}

type CommandKind string

const (
	CommandMoveX         CommandKind = "move_x"
	CommandMoveY         CommandKind = "move_y"
	CommandSetTool       CommandKind = "set_tool"
	CommandEmergencyStop CommandKind = "emergency_stop"
)

// Command is one call the desk received, kept for inspection.
type Command struct {
	Kind     CommandKind
	Position float64
	Tool     hardware.Tool
	State    hardware.ToolState
}

type Desk struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	x, y     float64
	tools    map[hardware.Tool]hardware.ToolState
	sensors  map[hardware.Sensor]bool
	failures map[CommandKind]error
	history  []Command
	estops   int
}

func New(cfg Config, logger *zap.Logger) *Desk {
	tools := make(map[hardware.Tool]hardware.ToolState, len(hardware.Tools))
	for tool, state := range hardware.SafeToolStates() {
		tools[tool] = state
	}
	return &Desk{
		cfg:      cfg,
		logger:   logger,
		tools:    tools,
		sensors:  make(map[hardware.Sensor]bool),
		failures: make(map[CommandKind]error),
	}
}

func (d *Desk) MoveX(ctx context.Context, position float64) (float64, error) {
	if err := d.perform(ctx, CommandMoveX, d.cfg.MoveDelay); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.x = position
	d.history = append(d.history, Command{Kind: CommandMoveX, Position: position})
	return d.x, nil
}

func (d *Desk) MoveY(ctx context.Context, position float64) (float64, error) {
	if err := d.perform(ctx, CommandMoveY, d.cfg.MoveDelay); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.y = position
	d.history = append(d.history, Command{Kind: CommandMoveY, Position: position})
	return d.y, nil
}

func (d *Desk) SetTool(ctx context.Context, tool hardware.Tool, state hardware.ToolState) error {
	if !tool.Valid() {
		return fmt.Errorf("%w: %s", hardware.ErrUnknownTool, tool)
	}
	if err := d.perform(ctx, CommandSetTool, d.cfg.ToolDelay); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[tool] = state
	d.history = append(d.history, Command{Kind: CommandSetTool, Tool: tool, State: state})
	return nil
}

func (d *Desk) ReadSensor(ctx context.Context, sensor hardware.Sensor) (bool, error) {
	if !sensor.Valid() {
		return false, fmt.Errorf("%w: %s", hardware.ErrUnknownSensor, sensor)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if sensor != hardware.SensorRowMarkerSwitch && !d.cfg.ManualGates {
		return true, nil
	}
	return d.sensors[sensor], nil
}

func (d *Desk) EmergencyStop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.estops++
	d.history = append(d.history, Command{Kind: CommandEmergencyStop})
	if d.logger != nil {
		d.logger.Warn("Simulated desk emergency stop", zap.Float64("x", d.x), zap.Float64("y", d.y))
	}
	return nil
}

func (d *Desk) Position() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.x, d.y
}

// SetSensor sets a sensor level, as a carriage or the operator would.
func (d *Desk) SetSensor(sensor hardware.Sensor, value bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sensors[sensor] = value
}

// FailNext makes the next command of the given kind return err.
func (d *Desk) FailNext(kind CommandKind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[kind] = err
}

func (d *Desk) ToolState(tool hardware.Tool) hardware.ToolState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tools[tool]
}

func (d *Desk) History() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Command, len(d.history))
	copy(out, d.history)
	return out
}

func (d *Desk) EmergencyStops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.estops
}

func (d *Desk) perform(ctx context.Context, kind CommandKind, delay time.Duration) error {
	d.mu.Lock()
	err, failing := d.failures[kind]
	if failing {
		delete(d.failures, kind)
	}
	d.mu.Unlock()
	if failing {
		return err
	}

	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
