package machine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware/sim"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/compiler"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/engine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/executor"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

var errNoDevice = errors.New("no modbus device reachable")

type fixture struct {
	ctrl   *Controller
	desk   *sim.Desk
	engine *engine.Engine
	mux    *hardware.Mux
}

func testProgram() *program.Program {
	return &program.Program{
		ProgramNumber:      4,
		ProgramName:        "notebook",
		Width:              10,
		High:               20,
		RepeatRows:         1,
		RepeatLines:        1,
		TopPadding:         2,
		BottomPadding:      2,
		LeftMargin:         1,
		RightMargin:        1,
		NumberOfLines:      3,
		NumberOfPages:      2,
		PageWidth:          3.5,
		BufferBetweenPages: 1,
	}
}

func newFixture(t *testing.T, deskCfg sim.Config) *fixture {
	t.Helper()

	desk := sim.New(deskCfg, zap.NewNop())
	mux := hardware.NewMux(hardware.ModeSimulation, desk)
	bus := streaming.NewEventBus(zap.NewNop(), 1024)
	t.Cleanup(bus.Close)

	eng := engine.NewEngine(mux, executor.Timeouts{
		Move:       time.Second,
		Tool:       time.Second,
		Sensor:     30 * time.Second,
		SensorPoll: 2 * time.Millisecond,
	}, nil, bus, zap.NewNop())

	backends := func(ctx context.Context, mode hardware.Mode) (hardware.Hardware, error) {
		if mode == hardware.ModeModbus {
			return nil, errNoDevice
		}
		return sim.New(sim.Config{}, zap.NewNop()), nil
	}

	ctrl := NewController(zap.NewNop(), eng, program.NewCatalog(testProgram()), mux,
		NewStateManager(zap.NewNop()), backends, compiler.DefaultOptions(), time.Second)
	bus.AddObserver("machine", ctrl.HandleEvent)

	t.Cleanup(func() {
		if eng.State().IsActive() {
			_ = eng.Stop()
		}
	})

	return &fixture{ctrl: ctrl, desk: desk, engine: eng, mux: mux}
}

func (f *fixture) waitWaiting(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.engine.Status().Completed > 0 && f.engine.State() == engine.StateRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunProgramCompletes(t *testing.T) {
	f := newFixture(t, sim.Config{})

	runID, err := f.ctrl.RunProgram(context.Background(), 4)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := f.ctrl.Status()
		return s.State == StateIdle && s.CompletedPrograms == 1
	}, 3*time.Second, 5*time.Millisecond)

	status := f.ctrl.Status()
	assert.Equal(t, runID, status.RunID)
	assert.Equal(t, engine.StateCompleted, status.Execution.State)
	assert.Equal(t, 4, status.ProgramNumber)
	assert.Equal(t, "notebook", status.ProgramName)
	assert.Equal(t, hardware.ModeSimulation, status.Mode)

	number, name, ok := f.ctrl.DescribeRun(runID)
	assert.True(t, ok)
	assert.Equal(t, 4, number)
	assert.Equal(t, "notebook", name)

	_, _, ok = f.ctrl.DescribeRun(uuid.New())
	assert.False(t, ok)
}

func TestRunUnknownProgram(t *testing.T) {
	f := newFixture(t, sim.Config{})

	_, err := f.ctrl.RunProgram(context.Background(), 99)
	assert.ErrorIs(t, err, program.ErrNotFound)
	assert.Equal(t, StateIdle, f.ctrl.Status().State)
}

func TestSwitchModeGuardedWhileRunning(t *testing.T) {
	f := newFixture(t, sim.Config{ManualGates: true})

	_, err := f.ctrl.RunProgram(context.Background(), 4)
	require.NoError(t, err)
	f.waitWaiting(t)

	err = f.ctrl.SwitchMode(context.Background(), hardware.ModeSimulation)
	assert.True(t, IsBusy(err))
	assert.True(t, IsBusy(f.ctrl.Home(context.Background())))

	require.NoError(t, f.ctrl.Stop())
	<-f.engine.Done()
	assert.Equal(t, StateIdle, f.ctrl.Status().State)

	require.NoError(t, f.ctrl.SwitchMode(context.Background(), hardware.ModeSimulation))
	assert.Equal(t, StateIdle, f.ctrl.Status().State)
}

func TestSwitchModeFailureKeepsBackend(t *testing.T) {
	f := newFixture(t, sim.Config{})

	err := f.ctrl.SwitchMode(context.Background(), hardware.ModeModbus)
	assert.ErrorIs(t, err, errNoDevice)
	assert.Equal(t, hardware.ModeSimulation, f.mux.Mode())
	assert.Equal(t, StateIdle, f.ctrl.Status().State)

	assert.Error(t, f.ctrl.SwitchMode(context.Background(), hardware.Mode("plc")))
}

func TestHomeLiftsToolsThenMovesToOrigin(t *testing.T) {
	f := newFixture(t, sim.Config{})
	ctx := context.Background()

	_, err := f.desk.MoveX(ctx, 42)
	require.NoError(t, err)
	_, err = f.desk.MoveY(ctx, 17)
	require.NoError(t, err)
	require.NoError(t, f.desk.SetTool(ctx, hardware.ToolRowMarker, hardware.ToolDown))

	require.NoError(t, f.ctrl.Home(ctx))

	x, y := f.desk.Position()
	assert.Equal(t, 0.0, x)
	assert.Equal(t, 0.0, y)
	assert.Equal(t, hardware.ToolUp, f.desk.ToolState(hardware.ToolRowMarker))
	assert.Equal(t, StateIdle, f.ctrl.Status().State)

	history := f.desk.History()
	last := history[len(history)-1]
	assert.Equal(t, sim.CommandMoveX, last.Kind)
}

func TestHomeFailureSetsError(t *testing.T) {
	f := newFixture(t, sim.Config{})
	f.desk.FailNext(sim.CommandMoveY, errors.New("limit switch stuck"))

	err := f.ctrl.Home(context.Background())
	require.Error(t, err)
	status := f.ctrl.Status()
	assert.Equal(t, StateError, status.State)
	assert.Contains(t, status.ErrorMessage, "limit switch stuck")

	require.NoError(t, f.ctrl.Reset())
	assert.Equal(t, StateIdle, f.ctrl.Status().State)
}

func TestEmergencyStopResetAndRetry(t *testing.T) {
	f := newFixture(t, sim.Config{ManualGates: true})

	_, err := f.ctrl.RunProgram(context.Background(), 4)
	require.NoError(t, err)
	f.waitWaiting(t)

	require.NoError(t, f.ctrl.ExecuteCommand(context.Background(), CommandEmergencyStop))
	status := f.ctrl.Status()
	assert.Equal(t, StateError, status.State)
	assert.Equal(t, engine.StateEmergencyStop, status.Execution.State)
	assert.Contains(t, status.ErrorMessage, "emergency stop")
	<-f.engine.Done()

	runID, err := f.ctrl.Retry()
	require.NoError(t, err)
	assert.Equal(t, runID, f.engine.RunID())
	assert.Equal(t, StateRunning, f.ctrl.Status().State)

	require.NoError(t, f.ctrl.Stop())
	<-f.engine.Done()
	require.NoError(t, f.ctrl.Reset())
	assert.Equal(t, engine.StateIdle, f.engine.State())
}

func TestPauseResumeMapsStates(t *testing.T) {
	f := newFixture(t, sim.Config{ManualGates: true})

	assert.ErrorIs(t, f.ctrl.Pause(), engine.ErrInvalidTransition)

	_, err := f.ctrl.RunProgram(context.Background(), 4)
	require.NoError(t, err)
	f.waitWaiting(t)

	require.NoError(t, f.ctrl.ExecuteCommand(context.Background(), CommandPause))
	assert.Equal(t, StatePaused, f.ctrl.Status().State)

	_, err = f.ctrl.RunProgram(context.Background(), 4)
	assert.True(t, IsBusy(err))

	require.NoError(t, f.ctrl.ExecuteCommand(context.Background(), CommandResume))
	assert.Equal(t, StateRunning, f.ctrl.Status().State)

	assert.Error(t, f.ctrl.ExecuteCommand(context.Background(), Command("jog")))
}

func TestStatusSnapshotIsJSONShaped(t *testing.T) {
	f := newFixture(t, sim.Config{})

	snapshot := f.ctrl.StatusSnapshot()
	assert.Equal(t, "idle", snapshot["state"])
	assert.Equal(t, "simulation", snapshot["mode"])
	execution, ok := snapshot["execution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "idle", execution["state"])
}

func TestRunAgainAfterCompletionAndStop(t *testing.T) {
	f := newFixture(t, sim.Config{})
	ctx := context.Background()

	first, err := f.ctrl.RunProgram(ctx, 4)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.ctrl.Status().CompletedPrograms == 1 && f.ctrl.Status().State == StateIdle
	}, 3*time.Second, 5*time.Millisecond)
	assert.True(t, f.ctrl.StateManager().CanStart())

	second, err := f.ctrl.RunProgram(ctx, 4)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	require.Eventually(t, func() bool {
		return f.ctrl.Status().CompletedPrograms == 2 && f.ctrl.Status().State == StateIdle
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRunAgainAfterStop(t *testing.T) {
	f := newFixture(t, sim.Config{ManualGates: true})
	ctx := context.Background()

	_, err := f.ctrl.RunProgram(ctx, 4)
	require.NoError(t, err)
	f.waitWaiting(t)
	require.NoError(t, f.ctrl.Stop())
	<-f.engine.Done()
	assert.Equal(t, engine.StateStopped, f.engine.State())

	_, err = f.ctrl.RunProgram(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, f.ctrl.Status().State)
	assert.Equal(t, engine.StateRunning, f.engine.State())
}

func TestRetryWithNothingLoadedKeepsState(t *testing.T) {
	f := newFixture(t, sim.Config{})

	_, err := f.ctrl.Retry()
	assert.ErrorIs(t, err, engine.ErrNothingToRetry)
	assert.Equal(t, StateIdle, f.ctrl.Status().State)
	assert.Empty(t, f.ctrl.Status().ErrorMessage)
}

func TestSwitchModeFailureKeepsReason(t *testing.T) {
	f := newFixture(t, sim.Config{})
	require.NoError(t, f.ctrl.Home(context.Background()))
	require.Equal(t, "homed", f.ctrl.StateManager().Reason())

	err := f.ctrl.SwitchMode(context.Background(), hardware.ModeModbus)
	assert.ErrorIs(t, err, errNoDevice)
	assert.Equal(t, StateIdle, f.ctrl.Status().State)
	assert.Equal(t, "homed", f.ctrl.StateManager().Reason())
}
