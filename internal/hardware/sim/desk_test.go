package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDeskStartsInSafeState(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	for tool, state := range hardware.SafeToolStates() {
		assert.Equal(t, state, d.ToolState(tool), tool)
	}
}

func TestDeskMovesAndRecordsHistory(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	ctx := context.Background()

	x, err := d.MoveX(ctx, 12.5)
	require.NoError(t, err)
	assert.Equal(t, 12.5, x)

	y, err := d.MoveY(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, 40.0, y)

	require.NoError(t, d.SetTool(ctx, hardware.ToolLineMarker, hardware.ToolDown))
	assert.Equal(t, hardware.ToolDown, d.ToolState(hardware.ToolLineMarker))

	gotX, gotY := d.Position()
	assert.Equal(t, 12.5, gotX)
	assert.Equal(t, 40.0, gotY)
	assert.Len(t, d.History(), 3)
}

func TestDeskGateSensors(t *testing.T) {
	ctx := context.Background()

	auto := New(Config{}, zap.NewNop())
	on, err := auto.ReadSensor(ctx, hardware.SensorXLeft)
	require.NoError(t, err)
	assert.True(t, on)

	switchDown, err := auto.ReadSensor(ctx, hardware.SensorRowMarkerSwitch)
	require.NoError(t, err)
	assert.False(t, switchDown, "interlock switch is never automatic")

	manual := New(Config{ManualGates: true}, zap.NewNop())
	on, err = manual.ReadSensor(ctx, hardware.SensorXLeft)
	require.NoError(t, err)
	assert.False(t, on)

	manual.SetSensor(hardware.SensorXLeft, true)
	on, err = manual.ReadSensor(ctx, hardware.SensorXLeft)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestDeskRejectsUnknownNames(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	_, err := d.ReadSensor(context.Background(), "door")
	assert.ErrorIs(t, err, hardware.ErrUnknownSensor)

	err = d.SetTool(context.Background(), "stapler", hardware.ToolDown)
	assert.ErrorIs(t, err, hardware.ErrUnknownTool)
}

func TestDeskFailNext(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	boom := errors.New("serial write failed")
	d.FailNext(CommandMoveY, boom)

	_, err := d.MoveY(context.Background(), 5)
	assert.ErrorIs(t, err, boom)

	_, err = d.MoveY(context.Background(), 5)
	assert.NoError(t, err)
}

func TestDeskMoveHonoursCancellation(t *testing.T) {
	d := New(Config{MoveDelay: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.MoveX(ctx, 100)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForceSafeState(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, d.SetTool(ctx, hardware.ToolRowCutter, hardware.ToolDown))
	require.NoError(t, d.SetTool(ctx, hardware.ToolLineMotorPiston, hardware.ToolUp))

	require.NoError(t, hardware.ForceSafeState(ctx, d))
	assert.Equal(t, hardware.ToolUp, d.ToolState(hardware.ToolRowCutter))
	assert.Equal(t, hardware.ToolDown, d.ToolState(hardware.ToolLineMotorPiston))
}

func TestMuxSwapsBackend(t *testing.T) {
	first := New(Config{}, zap.NewNop())
	second := New(Config{}, zap.NewNop())
	mux := hardware.NewMux(hardware.ModeSimulation, first)

	_, err := mux.MoveX(context.Background(), 3)
	require.NoError(t, err)

	previous := mux.Swap(hardware.ModeModbus, second)
	assert.Same(t, first, previous)
	assert.Equal(t, hardware.ModeModbus, mux.Mode())

	_, err = mux.MoveX(context.Background(), 7)
	require.NoError(t, err)
	x, _ := second.Position()
	assert.Equal(t, 7.0, x)
	x, _ = first.Position()
	assert.Equal(t, 3.0, x)
}
