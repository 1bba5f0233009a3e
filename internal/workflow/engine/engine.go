package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/executor"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
	"go.uber.org/zap"
)

var (
	// ErrStopped is the cancellation cause of an operator stop.
	ErrStopped = errors.New("execution stopped")
	// ErrEmergencyStop is the cancellation cause of an emergency stop.
	ErrEmergencyStop = errors.New("emergency stop")

	ErrNoSteps        = errors.New("no steps to execute")
	ErrNothingToRetry = errors.New("no step sequence loaded")
)

// Guard is consulted around every step. The safety monitor implements it.
type Guard interface {
	Arm(runID uuid.UUID)
	Disarm()
	BeforeStep(ctx context.Context, step definition.Step) error
	AfterStep(ctx context.Context, step definition.Step) error
}

// SafetyError is returned by a Guard for an interlock failure. The engine
// answers it with an emergency stop.
type SafetyError interface {
	error
	SafetyCode() string
}

type Publisher interface {
	Publish(streaming.Event)
}

type Status struct {
	RunID       uuid.UUID      `json:"run_id"`
	State       ExecutionState `json:"state"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Completed   int            `json:"completed_steps"`
	Progress    float64        `json:"progress"`
	LastError   string         `json:"last_error,omitempty"`
	SafetyCode  string         `json:"safety_code,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Engine consumes a compiled step sequence on a single goroutine.
type Engine struct {
	hw       hardware.Hardware
	executor *executor.StepExecutor
	timeouts executor.Timeouts
	guard    Guard
	events   Publisher
	logger   *zap.Logger

	mu         sync.Mutex
	state      ExecutionState
	runID      uuid.UUID
	steps      []definition.Step
	current    int
	completed  int
	lastErr    string
	safetyCode string
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelCauseFunc
	resume     chan struct{}
	done       chan struct{}
}

func NewEngine(hw hardware.Hardware, timeouts executor.Timeouts, guard Guard, events Publisher, logger *zap.Logger) *Engine {
	timeouts = timeouts.WithDefaults()
	done := make(chan struct{})
	close(done)

	return &Engine{
		hw:       hw,
		executor: executor.NewStepExecutor(hw, timeouts, logger),
		timeouts: timeouts,
		guard:    guard,
		events:   events,
		logger:   logger,
		state:    StateIdle,
		done:     done,
	}
}

// Start begins dispatching steps from index 0. The engine must be idle.
func (e *Engine) Start(steps []definition.Step) (uuid.UUID, error) {
	if len(steps) == 0 {
		return uuid.Nil, ErrNoSteps
	}

	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: cannot start while %s", ErrInvalidTransition, state)
	}

	runID := uuid.New()
	ctx, cancel := context.WithCancelCause(context.Background())

	e.steps = append([]definition.Step(nil), steps...)
	e.runID = runID
	e.state = StateRunning
	e.current = 0
	e.completed = 0
	e.lastErr = ""
	e.safetyCode = ""
	e.startedAt = time.Now()
	e.finishedAt = time.Time{}
	e.cancel = cancel
	e.resume = nil
	e.done = make(chan struct{})

	run := e.steps
	done := e.done
	e.mu.Unlock()

	if e.guard != nil {
		e.guard.Arm(runID)
	}

	e.logger.Info("Execution started",
		zap.String("run_id", runID.String()),
		zap.Int("steps", len(run)))
	e.publish(streaming.Event{Kind: streaming.EventRunning, TotalSteps: len(run)})

	go func() {
		defer close(done)
		defer cancel(nil)
		e.run(ctx, runID, run)
	}()

	return runID, nil
}

func (e *Engine) run(ctx context.Context, runID uuid.UUID, steps []definition.Step) {
	total := len(steps)

	for i := range steps {
		step := steps[i]

		if err := e.waitIfPaused(ctx); err != nil {
			e.fail(runID, step, err)
			return
		}

		e.mu.Lock()
		e.current = i
		e.mu.Unlock()

		if e.guard != nil {
			if err := e.guard.BeforeStep(ctx, step); err != nil {
				e.fail(runID, step, err)
				return
			}
		}

		e.publish(streaming.Event{
			Kind:       streaming.EventStepExecuting,
			Step:       &step,
			TotalSteps: total,
			Progress:   float64(i) / float64(total),
		})

		err := e.executor.Execute(ctx, step, func(sensor hardware.Sensor) {
			e.publish(streaming.Event{
				Kind:   streaming.EventWaitingSensor,
				Step:   &step,
				Sensor: sensor,
			})
		})
		if err != nil {
			e.fail(runID, step, err)
			return
		}

		e.mu.Lock()
		e.completed = i + 1
		e.mu.Unlock()

		e.publish(streaming.Event{
			Kind:       streaming.EventStepCompleted,
			Step:       &step,
			TotalSteps: total,
			Progress:   float64(i+1) / float64(total),
		})

		if e.guard != nil {
			if err := e.guard.AfterStep(ctx, step); err != nil {
				e.fail(runID, step, err)
				return
			}
		}
	}

	e.finish(ctx, runID, steps[total-1])
}

// finish completes the run once no pause is pending. A pause accepted after
// the last boundary check holds completion until resumed.
func (e *Engine) finish(ctx context.Context, runID uuid.UUID, last definition.Step) {
	for {
		if err := e.waitIfPaused(ctx); err != nil {
			e.fail(runID, last, err)
			return
		}
		if e.complete(runID) {
			return
		}
	}
}

// waitIfPaused blocks at a step boundary while the engine is paused.
func (e *Engine) waitIfPaused(ctx context.Context) error {
	for {
		e.mu.Lock()
		resume := e.resume
		e.mu.Unlock()

		if resume == nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return nil
		}

		select {
		case <-resume:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (e *Engine) fail(runID uuid.UUID, step definition.Step, err error) {
	if errors.Is(err, ErrStopped) || errors.Is(err, ErrEmergencyStop) {
		// State was already set by Stop or EmergencyStop
		e.logger.Info("Execution interrupted",
			zap.String("run_id", runID.String()),
			zap.Int("step", step.Index),
			zap.Error(err))
		return
	}

	var safetyErr SafetyError
	if errors.As(err, &safetyErr) {
		e.EmergencyStop(safetyErr.SafetyCode(), safetyErr.Error())
		return
	}

	e.mu.Lock()
	if e.runID != runID || ValidateTransition(e.state, StateError) != nil {
		e.mu.Unlock()
		return
	}
	e.state = StateError
	e.lastErr = err.Error()
	e.finishedAt = time.Now()
	e.mu.Unlock()

	if e.guard != nil {
		e.guard.Disarm()
	}

	e.logger.Error("Step failed",
		zap.String("run_id", runID.String()),
		zap.Int("step", step.Index),
		zap.String("operation", string(step.Operation.Kind())),
		zap.Error(err))
	e.publish(streaming.Event{
		Kind:    streaming.EventError,
		Step:    &step,
		Message: err.Error(),
	})
}

// complete reports false when the engine was paused in the meantime.
func (e *Engine) complete(runID uuid.UUID) bool {
	e.mu.Lock()
	if e.runID == runID && e.state == StatePaused {
		e.mu.Unlock()
		return false
	}
	if e.runID != runID || ValidateTransition(e.state, StateCompleted) != nil {
		e.mu.Unlock()
		return true
	}
	e.state = StateCompleted
	e.finishedAt = time.Now()
	total := len(e.steps)
	e.mu.Unlock()

	if e.guard != nil {
		e.guard.Disarm()
	}

	e.logger.Info("Execution completed",
		zap.String("run_id", runID.String()),
		zap.Int("steps", total))
	e.publish(streaming.Event{Kind: streaming.EventCompleted, TotalSteps: total, Progress: 1})
	return true
}

// Pause takes effect at the next step boundary; an in-flight step, sensor
// waits included, runs to completion.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if err := ValidateTransition(e.state, StatePaused); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = StatePaused
	e.resume = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("Execution paused")
	e.publish(streaming.Event{Kind: streaming.EventPaused})
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != StatePaused {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidTransition, state)
	}
	e.state = StateRunning
	close(e.resume)
	e.resume = nil
	e.mu.Unlock()

	e.logger.Info("Execution resumed")
	e.publish(streaming.Event{Kind: streaming.EventRunning})
	return nil
}

// Stop halts dispatch immediately. Tools stay where they are.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if err := ValidateTransition(e.state, StateStopped); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = StateStopped
	e.finishedAt = time.Now()
	e.resume = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel(ErrStopped)
	}
	if e.guard != nil {
		e.guard.Disarm()
	}

	e.logger.Warn("Execution stopped by operator")
	e.publish(streaming.Event{Kind: streaming.EventStopped})
	return nil
}

// EmergencyStop is accepted from any state. It cancels the current wait,
// halts the motors and drives every tool to its safe state.
func (e *Engine) EmergencyStop(code, message string) {
	e.mu.Lock()
	if e.state == StateEmergencyStop {
		e.mu.Unlock()
		return
	}
	previous := e.state
	e.state = StateEmergencyStop
	e.safetyCode = code
	e.lastErr = message
	e.finishedAt = time.Now()
	e.resume = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel(ErrEmergencyStop)
	}
	if e.guard != nil {
		e.guard.Disarm()
	}

	if err := e.hw.EmergencyStop(); err != nil {
		e.logger.Error("Hardware emergency stop failed", zap.Error(err))
	}

	ctx, cancelSafe := context.WithTimeout(context.Background(), e.timeouts.Tool*time.Duration(len(hardware.Tools)))
	defer cancelSafe()
	if err := hardware.ForceSafeState(ctx, e.hw); err != nil {
		e.logger.Error("Failed to force safe tool state", zap.Error(err))
	}

	e.logger.Warn("EMERGENCY STOP",
		zap.String("previous_state", string(previous)),
		zap.String("code", code),
		zap.String("message", message))
	e.publish(streaming.Event{
		Kind:       streaming.EventEmergencyStop,
		SafetyCode: code,
		Message:    message,
	})
}

// Reset returns a finished engine to idle. The loaded steps are kept for
// Retry.
func (e *Engine) Reset() error {
	e.mu.Lock()
	if err := ValidateTransition(e.state, StateIdle); err != nil {
		e.mu.Unlock()
		return err
	}
	done := e.done
	e.mu.Unlock()

	// The interrupted run goroutine must be gone before a new run starts
	select {
	case <-done:
	case <-time.After(e.timeouts.Move):
		e.logger.Warn("Run goroutine still draining after reset")
	}

	e.mu.Lock()
	e.state = StateIdle
	e.current = 0
	e.completed = 0
	e.lastErr = ""
	e.safetyCode = ""
	e.cancel = nil
	e.mu.Unlock()

	e.logger.Info("Execution engine reset")
	e.publish(streaming.Event{Kind: streaming.EventReset})
	return nil
}

// Retry resets a finished engine and runs the loaded sequence again from
// step 0.
func (e *Engine) Retry() (uuid.UUID, error) {
	e.mu.Lock()
	state := e.state
	steps := append([]definition.Step(nil), e.steps...)
	e.mu.Unlock()

	if len(steps) == 0 {
		return uuid.Nil, ErrNothingToRetry
	}
	if state.IsTerminal() {
		if err := e.Reset(); err != nil {
			return uuid.Nil, err
		}
	}
	return e.Start(steps)
}

// RunID identifies the current or last run.
func (e *Engine) RunID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

func (e *Engine) State() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		RunID:       e.runID,
		State:       e.state,
		CurrentStep: e.current,
		TotalSteps:  len(e.steps),
		Completed:   e.completed,
		LastError:   e.lastErr,
		SafetyCode:  e.safetyCode,
	}
	if s.TotalSteps > 0 {
		s.Progress = float64(e.completed) / float64(s.TotalSteps)
	}
	if !e.startedAt.IsZero() {
		started := e.startedAt
		s.StartedAt = &started
	}
	if !e.finishedAt.IsZero() {
		finished := e.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

// Steps returns the loaded sequence.
func (e *Engine) Steps() []definition.Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]definition.Step(nil), e.steps...)
}

// Done is closed when the current run goroutine has exited.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Engine) publish(event streaming.Event) {
	e.mu.Lock()
	event.RunID = e.runID
	event.State = string(e.state)
	e.mu.Unlock()
	if e.events != nil {
		e.events.Publish(event)
	}
}
