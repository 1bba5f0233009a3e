// Package safety guards the row marker interlock. Rows steps need the row
// marker switch down, lines steps need it up. A change of phase is an
// expected operator action and is waited for; a wrong switch inside a phase
// is a violation.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
	"go.uber.org/zap"
)

type Code string

const (
	CodeRowsMarkerUp      Code = "rows_marker_up"
	CodeLinesMarkerDown   Code = "lines_marker_down"
	CodeSwitchUnreadable  Code = "switch_unreadable"
	CodeTransitionTimeout Code = "transition_timeout"
)

// Violation is an interlock failure. It requires an emergency stop and an
// operator retry.
type Violation struct {
	Code    Code
	Phase   definition.Phase
	Step    *definition.Step
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safety violation %s: %s", v.Code, v.Message)
}

func (v *Violation) SafetyCode() string {
	return string(v.Code)
}

// RequiredSwitch returns the row marker switch level a phase needs.
func RequiredSwitch(phase definition.Phase) (down bool, ok bool) {
	switch phase {
	case definition.PhaseRows:
		return true, true
	case definition.PhaseLines:
		return false, true
	}
	return false, false
}

func switchLabel(down bool) string {
	if down {
		return "down"
	}
	return "up"
}

type Publisher interface {
	Publish(streaming.Event)
}

type ViolationHandler func(*Violation)

type Config struct {
	TickInterval time.Duration
	// TransitionPoll is the switch polling period during a phase change.
	TransitionPoll time.Duration
	// TransitionTimeout bounds a phase change wait. Zero waits until the
	// run is stopped.
	TransitionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   100 * time.Millisecond,
		TransitionPoll: 100 * time.Millisecond,
	}
}

type Monitor struct {
	hw     hardware.Hardware
	events Publisher
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	runID         uuid.UUID
	armed         bool
	active        definition.Phase
	transitioning bool
	tripped       *Violation
	handlers      []ViolationHandler
}

func NewMonitor(hw hardware.Hardware, events Publisher, cfg Config, logger *zap.Logger) *Monitor {
	d := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = d.TickInterval
	}
	if cfg.TransitionPoll <= 0 {
		cfg.TransitionPoll = d.TransitionPoll
	}
	return &Monitor{
		hw:     hw,
		events: events,
		cfg:    cfg,
		logger: logger,
		active: definition.PhaseNone,
	}
}

// OnViolation registers a handler for violations found by the timer loop.
// Violations found in BeforeStep/AfterStep are returned to the caller.
func (m *Monitor) OnViolation(h ViolationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Arm starts supervising a run.
func (m *Monitor) Arm(runID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID = runID
	m.armed = true
	m.active = definition.PhaseNone
	m.transitioning = false
	m.tripped = nil
}

func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	m.transitioning = false
}

// ActivePhase is the phase of the last step that passed BeforeStep.
func (m *Monitor) ActivePhase() definition.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// BeforeStep must pass before the step is dispatched. On a phase change it
// blocks until the operator sets the switch; inside a phase a wrong switch
// returns a *Violation.
func (m *Monitor) BeforeStep(ctx context.Context, step definition.Step) error {
	required, ok := RequiredSwitch(step.Phase)

	m.mu.Lock()
	previous := m.active
	m.mu.Unlock()

	if !ok {
		m.setActive(step.Phase)
		return nil
	}

	if step.Phase != previous {
		return m.awaitTransition(ctx, step, required)
	}

	return m.check(ctx, step, required)
}

// AfterStep re-checks the interlock once the step has finished.
func (m *Monitor) AfterStep(ctx context.Context, step definition.Step) error {
	required, ok := RequiredSwitch(step.Phase)
	if !ok {
		return nil
	}
	return m.check(ctx, step, required)
}

func (m *Monitor) check(ctx context.Context, step definition.Step, required bool) error {
	down, err := m.hw.ReadSensor(ctx, hardware.SensorRowMarkerSwitch)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return m.report(&Violation{
			Code:    CodeSwitchUnreadable,
			Phase:   step.Phase,
			Step:    &step,
			Message: fmt.Sprintf("cannot read row marker switch: %v", err),
		})
	}
	if down == required {
		return nil
	}
	return m.report(violationFor(step.Phase, &step))
}

func violationFor(phase definition.Phase, step *definition.Step) *Violation {
	if phase == definition.PhaseRows {
		return &Violation{
			Code:    CodeRowsMarkerUp,
			Phase:   phase,
			Step:    step,
			Message: "row marker switch is up during rows operations",
		}
	}
	return &Violation{
		Code:    CodeLinesMarkerDown,
		Phase:   phase,
		Step:    step,
		Message: "row marker switch is down during lines operations",
	}
}

func (m *Monitor) awaitTransition(ctx context.Context, step definition.Step, required bool) error {
	down, err := m.hw.ReadSensor(ctx, hardware.SensorRowMarkerSwitch)
	if err == nil && down == required {
		m.setActive(step.Phase)
		return nil
	}

	m.mu.Lock()
	m.transitioning = true
	m.mu.Unlock()
	entered := false
	defer func() {
		if !entered {
			m.mu.Lock()
			m.transitioning = false
			m.mu.Unlock()
		}
	}()

	action := fmt.Sprintf("Set the row marker switch %s to start %s", switchLabel(required), step.Phase)
	m.logger.Info("Waiting for phase transition",
		zap.String("phase", string(step.Phase)),
		zap.Bool("required_down", required))
	current := down
	m.publish(streaming.Event{Kind: streaming.EventTransitionAlert, Step: &step, Message: action, Required: switchLabel(required)})
	m.publish(streaming.Event{
		Kind:       streaming.EventTransitionWaiting,
		Step:       &step,
		Message:    action,
		Sensor:     hardware.SensorRowMarkerSwitch,
		SwitchDown: &current,
		Required:   switchLabel(required),
	})

	waitCtx := ctx
	if m.cfg.TransitionTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.TransitionTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(m.cfg.TransitionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return m.report(&Violation{
				Code:    CodeTransitionTimeout,
				Phase:   step.Phase,
				Step:    &step,
				Message: fmt.Sprintf("row marker switch not %s within %s", switchLabel(required), m.cfg.TransitionTimeout),
			})
		case <-ticker.C:
		}

		down, err = m.hw.ReadSensor(waitCtx, hardware.SensorRowMarkerSwitch)
		if err != nil {
			m.logger.Debug("Row marker switch read failed", zap.Error(err))
			continue
		}
		if down == required {
			// Tick must never see the new switch level with the old phase
			m.mu.Lock()
			m.active = step.Phase
			m.transitioning = false
			m.mu.Unlock()
			entered = true

			m.publish(streaming.Event{
				Kind:       streaming.EventTransitionComplete,
				Step:       &step,
				Sensor:     hardware.SensorRowMarkerSwitch,
				SwitchDown: &down,
				Required:   switchLabel(required),
				Message:    fmt.Sprintf("Starting %s", step.Phase),
			})
			return nil
		}
	}
}

// Run re-evaluates the interlock on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("Safety monitor started", zap.Duration("tick", m.cfg.TickInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Safety monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation. Run calls it on the timer.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	tripped := m.tripped
	armed := m.armed && !m.transitioning
	phase := m.active
	m.mu.Unlock()

	if tripped != nil {
		m.checkRecovery(ctx, tripped)
		return
	}

	required, ok := RequiredSwitch(phase)
	if !armed || !ok {
		return
	}

	down, err := m.hw.ReadSensor(ctx, hardware.SensorRowMarkerSwitch)
	if err != nil {
		m.logger.Warn("Row marker switch read failed", zap.Error(err))
		return
	}
	if down == required {
		return
	}

	m.mu.Lock()
	// A step may have moved the phase on while the switch was read
	if m.active != phase || m.transitioning || !m.armed || m.tripped != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	v := violationFor(phase, nil)
	m.report(v)

	m.mu.Lock()
	handlers := make([]ViolationHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(v)
	}
}

func (m *Monitor) checkRecovery(ctx context.Context, v *Violation) {
	required, ok := RequiredSwitch(v.Phase)
	if !ok {
		return
	}
	down, err := m.hw.ReadSensor(ctx, hardware.SensorRowMarkerSwitch)
	if err != nil || down != required {
		return
	}

	m.mu.Lock()
	if m.tripped != v {
		m.mu.Unlock()
		return
	}
	m.tripped = nil
	m.mu.Unlock()

	m.logger.Info("Safety condition cleared", zap.String("code", string(v.Code)))
	m.publish(streaming.Event{
		Kind:       streaming.EventSafetyRecovered,
		SafetyCode: string(v.Code),
		Sensor:     hardware.SensorRowMarkerSwitch,
		SwitchDown: &down,
		Message:    "Interlock restored, retry to run again",
	})
}

// report records the violation and publishes it. It returns v so callers
// can return it directly.
func (m *Monitor) report(v *Violation) *Violation {
	m.mu.Lock()
	m.tripped = v
	m.mu.Unlock()

	m.logger.Error("Safety violation",
		zap.String("code", string(v.Code)),
		zap.String("phase", string(v.Phase)),
		zap.String("message", v.Message))

	m.publish(streaming.Event{
		Kind:       streaming.EventSafetyViolation,
		Step:       v.Step,
		SafetyCode: string(v.Code),
		Sensor:     hardware.SensorRowMarkerSwitch,
		Message:    v.Message,
	})
	return v
}

func (m *Monitor) setActive(phase definition.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = phase
}

func (m *Monitor) publish(e streaming.Event) {
	if m.events == nil {
		return
	}
	m.mu.Lock()
	e.RunID = m.runID
	m.mu.Unlock()
	m.events.Publish(e)
}
