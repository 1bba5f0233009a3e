package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
	"go.uber.org/zap"
)

var (
	// ErrSensorTimeout is a hardware fault: the sensor never triggered.
	ErrSensorTimeout = errors.New("sensor wait timed out")
	// ErrHardware wraps any failure reported by the hardware backend.
	ErrHardware = errors.New("hardware command failed")
)

type Timeouts struct {
	Move       time.Duration
	Tool       time.Duration
	Sensor     time.Duration
	SensorPoll time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Move:       30 * time.Second,
		Tool:       5 * time.Second,
		Sensor:     30 * time.Second,
		SensorPoll: 50 * time.Millisecond,
	}
}

// WithDefaults replaces unset durations with the defaults.
func (t Timeouts) WithDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Move <= 0 {
		t.Move = d.Move
	}
	if t.Tool <= 0 {
		t.Tool = d.Tool
	}
	if t.Sensor <= 0 {
		t.Sensor = d.Sensor
	}
	if t.SensorPoll <= 0 {
		t.SensorPoll = d.SensorPoll
	}
	return t
}

// WaitObserver is told when a wait_sensor step starts blocking.
type WaitObserver func(sensor hardware.Sensor)

type StepExecutor struct {
	hw       hardware.Hardware
	timeouts Timeouts
	logger   *zap.Logger
}

func NewStepExecutor(hw hardware.Hardware, timeouts Timeouts, logger *zap.Logger) *StepExecutor {
	return &StepExecutor{
		hw:       hw,
		timeouts: timeouts.WithDefaults(),
		logger:   logger,
	}
}

// Execute dispatches one step and blocks until the hardware confirms it.
// When ctx is cancelled the cancellation cause is returned unwrapped so the
// caller can tell a stop from a fault.
func (e *StepExecutor) Execute(ctx context.Context, step definition.Step, onWait WaitObserver) error {
	switch op := step.Operation.(type) {
	case definition.MoveX:
		return e.bounded(ctx, e.timeouts.Move, func(ctx context.Context) error {
			_, err := e.hw.MoveX(ctx, op.Position)
			return err
		})
	case definition.MoveY:
		return e.bounded(ctx, e.timeouts.Move, func(ctx context.Context) error {
			_, err := e.hw.MoveY(ctx, op.Position)
			return err
		})
	case definition.ToolAction:
		return e.bounded(ctx, e.timeouts.Tool, func(ctx context.Context) error {
			return e.hw.SetTool(ctx, op.Tool, op.Action)
		})
	case definition.WaitSensor:
		return e.waitSensor(ctx, op.Sensor, onWait)
	case definition.ProgramStart, definition.ProgramComplete:
		// Progress markers only
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	default:
		return fmt.Errorf("unsupported operation: %T", step.Operation)
	}
}

func (e *StepExecutor) bounded(parent context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if err := parent.Err(); err != nil {
		return context.Cause(parent)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return context.Cause(parent)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: no confirmation within %s", ErrHardware, timeout)
	}
	return fmt.Errorf("%w: %w", ErrHardware, err)
}

func (e *StepExecutor) waitSensor(parent context.Context, sensor hardware.Sensor, onWait WaitObserver) error {
	if err := parent.Err(); err != nil {
		return context.Cause(parent)
	}

	ctx, cancel := context.WithTimeout(parent, e.timeouts.Sensor)
	defer cancel()

	ticker := time.NewTicker(e.timeouts.SensorPoll)
	defer ticker.Stop()

	notified := false
	for {
		triggered, err := e.hw.ReadSensor(ctx, sensor)
		switch {
		case parent.Err() != nil:
			return context.Cause(parent)
		case err != nil && ctx.Err() != nil:
			return fmt.Errorf("%w: %s after %s", ErrSensorTimeout, sensor, e.timeouts.Sensor)
		case err != nil:
			return fmt.Errorf("%w: read %s: %w", ErrHardware, sensor, err)
		case triggered:
			return nil
		}

		if !notified {
			notified = true
			e.logger.Debug("Waiting for sensor", zap.String("sensor", string(sensor)))
			if onWait != nil {
				onWait(sensor)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if parent.Err() != nil {
				return context.Cause(parent)
			}
			return fmt.Errorf("%w: %s after %s", ErrSensorTimeout, sensor, e.timeouts.Sensor)
		}
	}
}
