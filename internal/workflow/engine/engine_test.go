package engine

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
	"github.com/orharazi/Scratch-Desk-sub002/internal/safety"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/compiler"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/executor"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

const eventTimeout = 3 * time.Second

type harness struct {
	desk   *sim.Desk
	bus    *streaming.EventBus
	sub    <-chan streaming.Event
	engine *Engine
}

func testTimeouts() executor.Timeouts {
	return executor.Timeouts{
		Move:       time.Second,
		Tool:       time.Second,
		Sensor:     2 * time.Second,
		SensorPoll: 2 * time.Millisecond,
	}
}

func newHarness(t *testing.T, deskCfg sim.Config, timeouts executor.Timeouts, guard func(*sim.Desk, *streaming.EventBus) Guard) *harness {
	t.Helper()

	desk := sim.New(deskCfg, zap.NewNop())
	bus := streaming.NewEventBus(zap.NewNop(), 4096)
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(4096)

	var g Guard
	if guard != nil {
		g = guard(desk, bus)
	}

	return &harness{
		desk:   desk,
		bus:    bus,
		sub:    sub,
		engine: NewEngine(desk, timeouts, g, bus, zap.NewNop()),
	}
}

// waitFor consumes events until one of the given kind arrives and returns
// everything read, that event included.
func (h *harness) waitFor(t *testing.T, kind streaming.EventKind) []streaming.Event {
	t.Helper()
	var seen []streaming.Event
	deadline := time.After(eventTimeout)
	for {
		select {
		case e := <-h.sub:
			seen = append(seen, e)
			if e.Kind == kind {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return nil
		}
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.engine.Done():
	case <-time.After(eventTimeout):
		t.Fatal("run did not finish")
	}
}

func movesTo(history []sim.Command, kind sim.CommandKind, position float64) bool {
	for _, c := range history {
		if c.Kind == kind && c.Position == position {
			return true
		}
	}
	return false
}

func stepsOf(phase definition.Phase, ops ...definition.Operation) []definition.Step {
	steps := make([]definition.Step, len(ops))
	for i, op := range ops {
		steps[i] = definition.Step{Index: i, Operation: op, Phase: phase}
	}
	return steps
}

func sampleProgram() *program.Program {
	return &program.Program{
		ProgramNumber:      1,
		ProgramName:        "sample",
		Width:              10,
		High:               20,
		RepeatRows:         2,
		RepeatLines:        2,
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

func TestRunCompletesCompiledProgram(t *testing.T) {
	h := newHarness(t, sim.Config{}, testTimeouts(), nil)

	steps, err := compiler.GenerateCompleteProgramSteps(sampleProgram(), compiler.DefaultOptions())
	require.NoError(t, err)

	runID, err := h.engine.Start(steps)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, runID)

	events := h.waitFor(t, streaming.EventCompleted)
	h.waitDone(t)

	assert.Equal(t, StateCompleted, h.engine.State())
	assert.Equal(t, streaming.EventRunning, events[0].Kind)

	var executing, completed int
	lastIndex := -1
	for _, e := range events {
		assert.Equal(t, runID, e.RunID)
		switch e.Kind {
		case streaming.EventStepExecuting:
			executing++
			require.NotNil(t, e.Step)
			assert.Equal(t, lastIndex+1, e.Step.Index, "steps must run in compiled order")
			lastIndex = e.Step.Index
		case streaming.EventStepCompleted:
			completed++
		}
	}
	assert.Equal(t, len(steps), executing)
	assert.Equal(t, len(steps), completed)

	status := h.engine.Status()
	assert.Equal(t, 1.0, status.Progress)
	assert.Equal(t, len(steps), status.Completed)
	assert.NotNil(t, status.FinishedAt)

	x, y := h.desk.Position()
	assert.Equal(t, 0.0, x)
	assert.Equal(t, 0.0, y)
}

func TestEmergencyStopDuringSensorWait(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Sensor = 30 * time.Second
	h := newHarness(t, sim.Config{ManualGates: true}, timeouts, nil)

	steps := stepsOf(definition.PhaseLines,
		definition.ToolAction{Tool: hardware.ToolLineMarker, Action: hardware.ToolDown},
		definition.WaitSensor{Sensor: hardware.SensorXLeft},
		definition.MoveX{Position: 20},
	)
	_, err := h.engine.Start(steps)
	require.NoError(t, err)

	h.waitFor(t, streaming.EventWaitingSensor)

	start := time.Now()
	h.engine.EmergencyStop("operator", "emergency button pressed")
	assert.Equal(t, StateEmergencyStop, h.engine.State())

	h.waitDone(t)
	assert.Less(t, time.Since(start), time.Second)

	events := h.waitFor(t, streaming.EventEmergencyStop)
	for _, e := range events {
		if e.Kind == streaming.EventStepExecuting {
			assert.NotEqual(t, 2, e.Step.Index, "no step may dispatch after an emergency stop")
		}
	}

	assert.False(t, movesTo(h.desk.History(), sim.CommandMoveX, 20))
	assert.Equal(t, 1, h.desk.EmergencyStops())
	for tool, state := range hardware.SafeToolStates() {
		assert.Equal(t, state, h.desk.ToolState(tool), tool)
	}

	status := h.engine.Status()
	assert.Equal(t, "operator", status.SafetyCode)
	assert.Equal(t, "emergency button pressed", status.LastError)
}

func monitorGuard(cfg safety.Config) func(*sim.Desk, *streaming.EventBus) Guard {
	return func(desk *sim.Desk, bus *streaming.EventBus) Guard {
		return safety.NewMonitor(desk, bus, cfg, zap.NewNop())
	}
}

func TestSafetyViolationFiresBeforeRowsMove(t *testing.T) {
	h := newHarness(t, sim.Config{ManualGates: true}, testTimeouts(), monitorGuard(safety.Config{TransitionPoll: 2 * time.Millisecond}))
	h.desk.SetSensor(hardware.SensorRowMarkerSwitch, true)

	steps := stepsOf(definition.PhaseRows,
		definition.MoveX{Position: 30},
		definition.WaitSensor{Sensor: hardware.SensorYTop},
		definition.MoveX{Position: 50},
	)
	_, err := h.engine.Start(steps)
	require.NoError(t, err)

	h.waitFor(t, streaming.EventWaitingSensor)

	// Operator lifts the marker mid-sequence, then the carriage reaches the gate
	h.desk.SetSensor(hardware.SensorRowMarkerSwitch, false)
	h.desk.SetSensor(hardware.SensorYTop, true)

	events := h.waitFor(t, streaming.EventEmergencyStop)
	h.waitDone(t)

	assert.Equal(t, StateEmergencyStop, h.engine.State())
	assert.Equal(t, string(safety.CodeRowsMarkerUp), h.engine.Status().SafetyCode)
	assert.True(t, movesTo(h.desk.History(), sim.CommandMoveX, 30))
	assert.False(t, movesTo(h.desk.History(), sim.CommandMoveX, 50), "move must not reach hardware")

	var violation *streaming.Event
	for i := range events {
		if events[i].Kind == streaming.EventSafetyViolation {
			violation = &events[i]
		}
	}
	require.NotNil(t, violation)
	assert.Equal(t, string(safety.CodeRowsMarkerUp), violation.SafetyCode)
}

func TestMonitorTickStopsBlockedWait(t *testing.T) {
	var monitor *safety.Monitor
	timeouts := testTimeouts()
	timeouts.Sensor = 30 * time.Second
	h := newHarness(t, sim.Config{ManualGates: true}, timeouts, func(desk *sim.Desk, bus *streaming.EventBus) Guard {
		monitor = safety.NewMonitor(desk, bus, safety.Config{TickInterval: 5 * time.Millisecond}, zap.NewNop())
		return monitor
	})
	monitor.OnViolation(func(v *safety.Violation) {
		h.engine.EmergencyStop(v.SafetyCode(), v.Message)
	})

	steps := stepsOf(definition.PhaseLines,
		definition.MoveY{Position: 35},
		definition.WaitSensor{Sensor: hardware.SensorXLeft},
		definition.MoveY{Position: 25},
	)
	_, err := h.engine.Start(steps)
	require.NoError(t, err)
	h.waitFor(t, streaming.EventWaitingSensor)

	ctx := t.Context()
	go monitor.Run(ctx)

	h.desk.SetSensor(hardware.SensorRowMarkerSwitch, true)

	h.waitFor(t, streaming.EventEmergencyStop)
	h.waitDone(t)
	assert.Equal(t, StateEmergencyStop, h.engine.State())
	assert.Equal(t, string(safety.CodeLinesMarkerDown), h.engine.Status().SafetyCode)
	assert.False(t, movesTo(h.desk.History(), sim.CommandMoveY, 25))
}

func TestPhaseTransitionWaitsForOperator(t *testing.T) {
	h := newHarness(t, sim.Config{}, testTimeouts(), monitorGuard(safety.Config{TransitionPoll: 2 * time.Millisecond}))

	steps, err := compiler.GenerateCompleteProgramSteps(sampleProgram(), compiler.DefaultOptions())
	require.NoError(t, err)
	_, err = h.engine.Start(steps)
	require.NoError(t, err)

	events := h.waitFor(t, streaming.EventTransitionWaiting)
	waiting := events[len(events)-1]
	require.NotNil(t, waiting.SwitchDown)
	assert.False(t, *waiting.SwitchDown)
	assert.Equal(t, definition.PhaseRows, waiting.Step.Phase)
	assert.Equal(t, StateRunning, h.engine.State())

	h.desk.SetSensor(hardware.SensorRowMarkerSwitch, true)

	h.waitFor(t, streaming.EventTransitionComplete)
	h.waitFor(t, streaming.EventCompleted)
	assert.Equal(t, StateCompleted, h.engine.State())
}

func TestPauseWaitsForStepBoundary(t *testing.T) {
	h := newHarness(t, sim.Config{ManualGates: true}, testTimeouts(), nil)

	steps := stepsOf(definition.PhaseLines,
		definition.WaitSensor{Sensor: hardware.SensorXLeft},
		definition.MoveX{Position: 5},
	)
	_, err := h.engine.Start(steps)
	require.NoError(t, err)
	h.waitFor(t, streaming.EventWaitingSensor)

	require.NoError(t, h.engine.Pause())
	assert.Equal(t, StatePaused, h.engine.State())
	assert.ErrorIs(t, h.engine.Pause(), ErrInvalidTransition)

	// The in-flight wait still completes while paused
	h.desk.SetSensor(hardware.SensorXLeft, true)
	h.waitFor(t, streaming.EventStepCompleted)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, movesTo(h.desk.History(), sim.CommandMoveX, 5))

	require.NoError(t, h.engine.Resume())
	h.waitFor(t, streaming.EventCompleted)
	assert.True(t, movesTo(h.desk.History(), sim.CommandMoveX, 5))
}

func TestStopLeavesToolsInPlace(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Sensor = 30 * time.Second
	h := newHarness(t, sim.Config{ManualGates: true}, timeouts, nil)

	steps := stepsOf(definition.PhaseLines,
		definition.ToolAction{Tool: hardware.ToolLineMarker, Action: hardware.ToolDown},
		definition.WaitSensor{Sensor: hardware.SensorXRight},
		definition.ToolAction{Tool: hardware.ToolLineMarker, Action: hardware.ToolUp},
	)
	_, err := h.engine.Start(steps)
	require.NoError(t, err)
	h.waitFor(t, streaming.EventWaitingSensor)

	require.NoError(t, h.engine.Stop())
	h.waitDone(t)
	h.waitFor(t, streaming.EventStopped)

	assert.Equal(t, StateStopped, h.engine.State())
	assert.Equal(t, hardware.ToolDown, h.desk.ToolState(hardware.ToolLineMarker))
	assert.Zero(t, h.desk.EmergencyStops())
	assert.ErrorIs(t, h.engine.Stop(), ErrInvalidTransition)
}

func TestSensorTimeoutMovesToError(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Sensor = 30 * time.Millisecond
	h := newHarness(t, sim.Config{ManualGates: true}, timeouts, nil)

	steps := stepsOf(definition.PhaseLines,
		definition.ToolAction{Tool: hardware.ToolLineCutter, Action: hardware.ToolDown},
		definition.WaitSensor{Sensor: hardware.SensorXRight},
	)
	_, err := h.engine.Start(steps)
	require.NoError(t, err)

	events := h.waitFor(t, streaming.EventError)
	h.waitDone(t)

	assert.Equal(t, StateError, h.engine.State())
	assert.Contains(t, events[len(events)-1].Message, "sensor wait timed out")
	assert.Contains(t, h.engine.Status().LastError, string(hardware.SensorXRight))
	// No automatic retraction on a hardware fault
	assert.Equal(t, hardware.ToolDown, h.desk.ToolState(hardware.ToolLineCutter))
	assert.Zero(t, h.desk.EmergencyStops())
}

func TestHardwareFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, sim.Config{}, testTimeouts(), nil)
	h.desk.FailNext(sim.CommandMoveY, errors.New("drive fault"))

	steps := stepsOf(definition.PhaseLines,
		definition.MoveY{Position: 10},
		definition.MoveY{Position: 20},
	)
	_, err := h.engine.Start(steps)
	require.NoError(t, err)

	h.waitFor(t, streaming.EventError)
	h.waitDone(t)

	assert.Equal(t, StateError, h.engine.State())
	assert.Contains(t, h.engine.Status().LastError, "drive fault")
	assert.Empty(t, h.desk.History())
}

func TestStartRules(t *testing.T) {
	h := newHarness(t, sim.Config{ManualGates: true}, testTimeouts(), nil)

	_, err := h.engine.Start(nil)
	assert.ErrorIs(t, err, ErrNoSteps)

	steps := stepsOf(definition.PhaseLines, definition.WaitSensor{Sensor: hardware.SensorXLeft})
	_, err = h.engine.Start(steps)
	require.NoError(t, err)

	_, err = h.engine.Start(steps)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, h.engine.Reset(), ErrInvalidTransition)
	require.NoError(t, h.engine.Stop())
	h.waitDone(t)
}

func TestRetryRerunsFromFirstStep(t *testing.T) {
	h := newHarness(t, sim.Config{}, testTimeouts(), nil)

	_, err := h.engine.Retry()
	assert.ErrorIs(t, err, ErrNothingToRetry)

	h.desk.FailNext(sim.CommandMoveX, errors.New("encoder lost"))
	steps := stepsOf(definition.PhaseLines,
		definition.MoveY{Position: 15},
		definition.MoveX{Position: 40},
		definition.MoveY{Position: 0},
	)
	first, err := h.engine.Start(steps)
	require.NoError(t, err)
	h.waitFor(t, streaming.EventError)
	h.waitDone(t)

	second, err := h.engine.Retry()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	h.waitFor(t, streaming.EventReset)
	h.waitFor(t, streaming.EventCompleted)
	h.waitDone(t)

	var moves []float64
	for _, c := range h.desk.History() {
		moves = append(moves, c.Position)
	}
	// First run stopped after MoveY(15); the retry starts again at step 0
	assert.Equal(t, []float64{15, 15, 40, 0}, moves)
	assert.Equal(t, StateCompleted, h.engine.State())
}

func TestResetAfterEmergencyStop(t *testing.T) {
	h := newHarness(t, sim.Config{}, testTimeouts(), nil)

	h.engine.EmergencyStop("operator", "test")
	assert.Equal(t, StateEmergencyStop, h.engine.State())

	_, err := h.engine.Start(stepsOf(definition.PhaseLines, definition.MoveX{Position: 1}))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, h.engine.Reset())
	assert.Equal(t, StateIdle, h.engine.State())
	assert.Empty(t, h.engine.Status().SafetyCode)
}

func TestObserverFailureDoesNotAbortRun(t *testing.T) {
	h := newHarness(t, sim.Config{}, testTimeouts(), nil)
	h.bus.AddObserver("broken", func(streaming.Event) { panic("observer bug") })

	_, err := h.engine.Start(stepsOf(definition.PhaseLines,
		definition.MoveY{Position: 15},
		definition.MoveY{Position: 0},
	))
	require.NoError(t, err)

	h.waitFor(t, streaming.EventCompleted)
	assert.Equal(t, StateCompleted, h.engine.State())
}

func TestPauseBeforeCompletionHoldsRun(t *testing.T) {
	h := newHarness(t, sim.Config{}, testTimeouts(), nil)
	e := h.engine
	steps := stepsOf(definition.PhaseLines, definition.MoveY{Position: 5})
	runID := uuid.New()

	// last step done, pause lands before completion
	e.mu.Lock()
	e.state = StateRunning
	e.runID = runID
	e.steps = steps
	e.completed = len(steps)
	e.mu.Unlock()
	require.NoError(t, e.Pause())

	assert.False(t, e.complete(runID))
	assert.Equal(t, StatePaused, e.State())

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		e.finish(context.Background(), runID, steps[len(steps)-1])
	}()

	assert.Never(t, func() bool { return e.State() == StateCompleted }, 50*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, e.Resume())

	select {
	case <-finished:
	case <-time.After(eventTimeout):
		t.Fatal("run did not complete after resume")
	}
	assert.Equal(t, StateCompleted, e.State())
	h.waitFor(t, streaming.EventCompleted)
}
