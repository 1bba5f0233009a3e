package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware/sim"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

type recorder struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (r *recorder) Publish(e streaming.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []streaming.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]streaming.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) find(kind streaming.EventKind) (streaming.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return streaming.Event{}, false
}

func newMonitor(t *testing.T, cfg Config) (*Monitor, *sim.Desk, *recorder) {
	t.Helper()
	desk := sim.New(sim.Config{}, zap.NewNop())
	rec := &recorder{}
	m := NewMonitor(desk, rec, cfg, zap.NewNop())
	m.Arm(uuid.New())
	return m, desk, rec
}

func fastConfig() Config {
	return Config{TickInterval: 5 * time.Millisecond, TransitionPoll: 5 * time.Millisecond}
}

func linesStep() definition.Step {
	return definition.Step{Index: 1, Operation: definition.MoveY{Position: 35}, Phase: definition.PhaseLines}
}

func rowsStep() definition.Step {
	return definition.Step{Index: 2, Operation: definition.MoveX{Position: 25}, Phase: definition.PhaseRows}
}

func TestRequiredSwitch(t *testing.T) {
	down, ok := RequiredSwitch(definition.PhaseRows)
	assert.True(t, ok)
	assert.True(t, down)

	down, ok = RequiredSwitch(definition.PhaseLines)
	assert.True(t, ok)
	assert.False(t, down)

	_, ok = RequiredSwitch(definition.PhaseNone)
	assert.False(t, ok)
}

func TestLinesStartWithoutWaitWhenSwitchUp(t *testing.T) {
	m, _, rec := newMonitor(t, fastConfig())

	require.NoError(t, m.BeforeStep(context.Background(), linesStep()))
	assert.Equal(t, definition.PhaseLines, m.ActivePhase())
	assert.Empty(t, rec.kinds())
}

func TestViolationInsidePhase(t *testing.T) {
	m, desk, rec := newMonitor(t, fastConfig())
	ctx := context.Background()

	desk.SetSensor(hardware.SensorRowMarkerSwitch, true)
	require.NoError(t, m.BeforeStep(ctx, rowsStep()))

	desk.SetSensor(hardware.SensorRowMarkerSwitch, false)
	err := m.BeforeStep(ctx, rowsStep())

	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, CodeRowsMarkerUp, v.Code)
	require.NotNil(t, v.Step)
	assert.Equal(t, definition.KindMoveX, v.Step.Operation.Kind())

	e, ok := rec.find(streaming.EventSafetyViolation)
	require.True(t, ok)
	assert.Equal(t, string(CodeRowsMarkerUp), e.SafetyCode)
}

func TestAfterStepDetectsLinesMarkerDown(t *testing.T) {
	m, desk, _ := newMonitor(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, m.BeforeStep(ctx, linesStep()))
	desk.SetSensor(hardware.SensorRowMarkerSwitch, true)

	var v *Violation
	require.ErrorAs(t, m.AfterStep(ctx, linesStep()), &v)
	assert.Equal(t, CodeLinesMarkerDown, v.Code)
}

func TestPhaseBoundaryWaitsForOperator(t *testing.T) {
	m, desk, rec := newMonitor(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, m.BeforeStep(ctx, linesStep()))

	done := make(chan error, 1)
	go func() { done <- m.BeforeStep(ctx, rowsStep()) }()

	require.Eventually(t, func() bool {
		_, ok := rec.find(streaming.EventTransitionWaiting)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("transition returned before the switch moved: %v", err)
	default:
	}

	desk.SetSensor(hardware.SensorRowMarkerSwitch, true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transition did not complete")
	}

	waiting, _ := rec.find(streaming.EventTransitionWaiting)
	require.NotNil(t, waiting.SwitchDown)
	assert.False(t, *waiting.SwitchDown)
	assert.Equal(t, "down", waiting.Required)

	assert.Equal(t, []streaming.EventKind{
		streaming.EventTransitionAlert,
		streaming.EventTransitionWaiting,
		streaming.EventTransitionComplete,
	}, rec.kinds())
	assert.Equal(t, definition.PhaseRows, m.ActivePhase())
}

func TestTransitionCancelledWithCause(t *testing.T) {
	m, _, _ := newMonitor(t, fastConfig())
	errEStop := errors.New("emergency stop")

	ctx, cancel := context.WithCancelCause(context.Background())
	require.NoError(t, m.BeforeStep(ctx, linesStep()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(errEStop)
	}()

	err := m.BeforeStep(ctx, rowsStep())
	assert.ErrorIs(t, err, errEStop)
	assert.Equal(t, definition.PhaseLines, m.ActivePhase())
}

func TestTransitionTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.TransitionTimeout = 30 * time.Millisecond
	m, _, _ := newMonitor(t, cfg)

	var v *Violation
	require.ErrorAs(t, m.BeforeStep(context.Background(), rowsStep()), &v)
	assert.Equal(t, CodeTransitionTimeout, v.Code)
}

func TestTickTripsHandlersAndRecovers(t *testing.T) {
	m, desk, rec := newMonitor(t, fastConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var trips []Code
	m.OnViolation(func(v *Violation) {
		mu.Lock()
		defer mu.Unlock()
		trips = append(trips, v.Code)
	})

	require.NoError(t, m.BeforeStep(ctx, linesStep()))
	m.Tick(ctx)
	assert.Empty(t, rec.kinds())

	desk.SetSensor(hardware.SensorRowMarkerSwitch, true)
	m.Tick(ctx)
	m.Tick(ctx)

	mu.Lock()
	assert.Equal(t, []Code{CodeLinesMarkerDown}, trips)
	mu.Unlock()

	m.Disarm()
	desk.SetSensor(hardware.SensorRowMarkerSwitch, false)
	m.Tick(ctx)

	assert.Equal(t, []streaming.EventKind{
		streaming.EventSafetyViolation,
		streaming.EventSafetyRecovered,
	}, rec.kinds())
}

func TestTickIgnoredWhenDisarmed(t *testing.T) {
	m, desk, rec := newMonitor(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, m.BeforeStep(ctx, linesStep()))
	m.Disarm()
	desk.SetSensor(hardware.SensorRowMarkerSwitch, true)
	m.Tick(ctx)

	assert.Empty(t, rec.kinds())
}

func TestRunLoopStopsWithContext(t *testing.T) {
	m, desk, _ := newMonitor(t, fastConfig())

	tripped := make(chan *Violation, 1)
	m.OnViolation(func(v *Violation) {
		select {
		case tripped <- v:
		default:
		}
	})
	require.NoError(t, m.BeforeStep(context.Background(), linesStep()))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(finished)
	}()

	desk.SetSensor(hardware.SensorRowMarkerSwitch, true)

	select {
	case v := <-tripped:
		assert.Equal(t, CodeLinesMarkerDown, v.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not trip")
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not stop")
	}
}

type publishFunc func(streaming.Event)

func (f publishFunc) Publish(e streaming.Event) { f(e) }

func TestTransitionCompleteSeesNewPhase(t *testing.T) {
	desk := sim.New(sim.Config{}, zap.NewNop())
	var m *Monitor
	var tripped []*Violation
	phaseAtComplete := make(chan definition.Phase, 1)

	m = NewMonitor(desk, publishFunc(func(e streaming.Event) {
		switch e.Kind {
		case streaming.EventTransitionWaiting:
			desk.SetSensor(hardware.SensorRowMarkerSwitch, true)
		case streaming.EventTransitionComplete:
			m.Tick(context.Background())
			phaseAtComplete <- m.ActivePhase()
		}
	}), fastConfig(), zap.NewNop())
	m.OnViolation(func(v *Violation) { tripped = append(tripped, v) })
	m.Arm(uuid.New())

	ctx := context.Background()
	require.NoError(t, m.BeforeStep(ctx, linesStep()))
	require.NoError(t, m.BeforeStep(ctx, rowsStep()))

	assert.Equal(t, definition.PhaseRows, <-phaseAtComplete)
	assert.Empty(t, tripped)
}
