package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware/sim"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

var errStopped = errors.New("stopped by operator")

func fastTimeouts() Timeouts {
	return Timeouts{
		Move:       time.Second,
		Tool:       time.Second,
		Sensor:     100 * time.Millisecond,
		SensorPoll: 5 * time.Millisecond,
	}
}

func step(op definition.Operation) definition.Step {
	return definition.Step{Operation: op, Phase: definition.PhaseLines}
}

func TestExecuteDispatchesToHardware(t *testing.T) {
	desk := sim.New(sim.Config{}, zap.NewNop())
	exec := NewStepExecutor(desk, fastTimeouts(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, exec.Execute(ctx, step(definition.MoveX{Position: 12.5}), nil))
	require.NoError(t, exec.Execute(ctx, step(definition.MoveY{Position: 40}), nil))
	require.NoError(t, exec.Execute(ctx, step(definition.ToolAction{Tool: hardware.ToolLineMarker, Action: hardware.ToolDown}), nil))
	require.NoError(t, exec.Execute(ctx, step(definition.WaitSensor{Sensor: hardware.SensorXLeft}), nil))

	x, y := desk.Position()
	assert.Equal(t, 12.5, x)
	assert.Equal(t, 40.0, y)
	assert.Equal(t, hardware.ToolDown, desk.ToolState(hardware.ToolLineMarker))
}

func TestProgramMarkersDoNotTouchHardware(t *testing.T) {
	desk := sim.New(sim.Config{}, zap.NewNop())
	exec := NewStepExecutor(desk, fastTimeouts(), zap.NewNop())

	require.NoError(t, exec.Execute(context.Background(), step(definition.ProgramStart{ProgramNumber: 1}), nil))
	require.NoError(t, exec.Execute(context.Background(), step(definition.ProgramComplete{ProgramNumber: 1}), nil))
	assert.Empty(t, desk.History())
}

func TestSensorTimeoutIsHardwareFault(t *testing.T) {
	desk := sim.New(sim.Config{ManualGates: true}, zap.NewNop())
	exec := NewStepExecutor(desk, fastTimeouts(), zap.NewNop())

	var waits atomic.Int32
	err := exec.Execute(context.Background(), step(definition.WaitSensor{Sensor: hardware.SensorXRight}), func(s hardware.Sensor) {
		assert.Equal(t, hardware.SensorXRight, s)
		waits.Add(1)
	})

	require.ErrorIs(t, err, ErrSensorTimeout)
	assert.NotErrorIs(t, err, ErrHardware)
	assert.Equal(t, int32(1), waits.Load())
}

func TestSensorWaitCompletesWhenTriggered(t *testing.T) {
	desk := sim.New(sim.Config{ManualGates: true}, zap.NewNop())
	timeouts := fastTimeouts()
	timeouts.Sensor = 2 * time.Second
	exec := NewStepExecutor(desk, timeouts, zap.NewNop())

	waiting := make(chan struct{})
	go func() {
		<-waiting
		desk.SetSensor(hardware.SensorYTop, true)
	}()

	err := exec.Execute(context.Background(), step(definition.WaitSensor{Sensor: hardware.SensorYTop}), func(hardware.Sensor) {
		close(waiting)
	})
	require.NoError(t, err)
}

func TestCancellationReturnsCause(t *testing.T) {
	desk := sim.New(sim.Config{ManualGates: true}, zap.NewNop())
	timeouts := fastTimeouts()
	timeouts.Sensor = 10 * time.Second
	exec := NewStepExecutor(desk, timeouts, zap.NewNop())

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(errStopped)
	}()

	start := time.Now()
	err := exec.Execute(ctx, step(definition.WaitSensor{Sensor: hardware.SensorXLeft}), nil)
	assert.ErrorIs(t, err, errStopped)
	assert.NotErrorIs(t, err, ErrSensorTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	err = exec.Execute(ctx, step(definition.MoveX{Position: 1}), nil)
	assert.ErrorIs(t, err, errStopped)
	assert.Empty(t, desk.History())
}

func TestHardwareFailureIsWrapped(t *testing.T) {
	desk := sim.New(sim.Config{}, zap.NewNop())
	exec := NewStepExecutor(desk, fastTimeouts(), zap.NewNop())

	ioErr := errors.New("serial port closed")
	desk.FailNext(sim.CommandSetTool, ioErr)

	err := exec.Execute(context.Background(), step(definition.ToolAction{Tool: hardware.ToolRowCutter, Action: hardware.ToolDown}), nil)
	require.ErrorIs(t, err, ErrHardware)
	assert.ErrorIs(t, err, ioErr)
}

func TestSlowMoveTimesOut(t *testing.T) {
	desk := sim.New(sim.Config{MoveDelay: time.Second}, zap.NewNop())
	timeouts := fastTimeouts()
	timeouts.Move = 20 * time.Millisecond
	exec := NewStepExecutor(desk, timeouts, zap.NewNop())

	err := exec.Execute(context.Background(), step(definition.MoveY{Position: 5}), nil)
	require.ErrorIs(t, err, ErrHardware)
	assert.Contains(t, err.Error(), "no confirmation")
}

func TestZeroTimeoutsUseDefaults(t *testing.T) {
	exec := NewStepExecutor(sim.New(sim.Config{}, zap.NewNop()), Timeouts{}, zap.NewNop())
	assert.Equal(t, DefaultTimeouts(), exec.timeouts)
}
