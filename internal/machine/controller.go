package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/compiler"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/engine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
	"go.uber.org/zap"
)

// BackendFactory opens the hardware backend for a mode.
type BackendFactory func(ctx context.Context, mode hardware.Mode) (hardware.Hardware, error)

type Controller struct {
	logger   *zap.Logger
	engine   *engine.Engine
	programs program.Repository
	hw       *hardware.Mux
	state    *StateManager
	backends BackendFactory
	options  compiler.Options
	homing   time.Duration

	// runMu orders run starts against HandleEvent so that events of a
	// previous run are recognised by their run ID.
	runMu sync.Mutex

	mu                sync.RWMutex
	currentProgram    *program.Program
	completedPrograms int
}

func NewController(
	logger *zap.Logger,
	workflowEngine *engine.Engine,
	programs program.Repository,
	hw *hardware.Mux,
	state *StateManager,
	backends BackendFactory,
	options compiler.Options,
	homingTimeout time.Duration,
) *Controller {
	return &Controller{
		logger:   logger,
		engine:   workflowEngine,
		programs: programs,
		hw:       hw,
		state:    state,
		backends: backends,
		options:  options,
		homing:   homingTimeout,
	}
}

// Compile loads a program and returns its steps without running them.
func (c *Controller) Compile(ctx context.Context, number int) (*program.Program, []definition.Step, error) {
	p, err := c.programs.Get(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	steps, err := compiler.GenerateCompleteProgramSteps(p, c.options)
	if err != nil {
		return nil, nil, err
	}
	if err := workflow.ValidatePlan(steps).Err(); err != nil {
		return nil, nil, err
	}
	return p, steps, nil
}

// RunProgram compiles the program and starts it on the engine.
func (c *Controller) RunProgram(ctx context.Context, number int) (uuid.UUID, error) {
	p, steps, err := c.Compile(ctx, number)
	if err != nil {
		return uuid.Nil, err
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()

	reason := fmt.Sprintf("program %d", p.ProgramNumber)
	if err := c.state.Enter(StateRunning, func(s State) bool { return s == StateIdle }, reason); err != nil {
		return uuid.Nil, err
	}

	// A finished or stopped run leaves the engine terminal while the
	// machine is already idle again.
	if s := c.engine.State(); s == engine.StateCompleted || s == engine.StateStopped {
		if err := c.engine.Reset(); err != nil {
			c.state.Set(StateIdle, "")
			return uuid.Nil, err
		}
	}

	c.mu.Lock()
	previous := c.currentProgram
	c.currentProgram = p
	c.mu.Unlock()

	runID, err := c.engine.Start(steps)
	if err != nil {
		c.mu.Lock()
		c.currentProgram = previous
		c.mu.Unlock()
		c.state.Set(StateIdle, "")
		return uuid.Nil, err
	}

	c.logger.Info("Program started",
		zap.Int("program_number", p.ProgramNumber),
		zap.String("program_name", p.ProgramName),
		zap.String("run_id", runID.String()),
		zap.Int("steps", len(steps)))
	return runID, nil
}

// ExecuteCommand handles the commands that take no arguments.
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) error {
	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(c.state.State())))

	switch cmd {
	case CommandHome:
		return c.Home(ctx)
	case CommandPause:
		return c.Pause()
	case CommandResume:
		return c.Resume()
	case CommandStop:
		return c.Stop()
	case CommandEmergencyStop:
		c.EmergencyStop("operator", "emergency stop requested by operator")
		return nil
	case CommandReset:
		return c.Reset()
	case CommandRetry:
		_, err := c.Retry()
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

func (c *Controller) Pause() error {
	if err := c.engine.Pause(); err != nil {
		return err
	}
	c.state.Set(StatePaused, "")
	return nil
}

func (c *Controller) Resume() error {
	if err := c.engine.Resume(); err != nil {
		return err
	}
	c.state.Set(StateRunning, "")
	return nil
}

func (c *Controller) Stop() error {
	if err := c.engine.Stop(); err != nil {
		return err
	}
	c.state.Set(StateIdle, "stopped by operator")
	return nil
}

// EmergencyStop is accepted in every state.
func (c *Controller) EmergencyStop(code, message string) {
	c.engine.EmergencyStop(code, message)
	c.state.Set(StateError, fmt.Sprintf("emergency stop (%s): %s", code, message))
}

// Reset clears an error and returns the engine to idle.
func (c *Controller) Reset() error {
	if c.engine.State().IsTerminal() {
		if err := c.engine.Reset(); err != nil {
			return err
		}
	}
	if err := c.releaseStop(); err != nil {
		return err
	}

	if err := c.state.Enter(StateIdle, canReconfigure, "reset"); err != nil {
		return err
	}
	return nil
}

func (c *Controller) releaseStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.homing)
	defer cancel()
	if err := c.hw.ReleaseStop(ctx); err != nil {
		return fmt.Errorf("release emergency stop: %w", err)
	}
	return nil
}

// Retry runs the last loaded sequence again from its first step.
func (c *Controller) Retry() (uuid.UUID, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if err := c.releaseStop(); err != nil {
		return uuid.Nil, err
	}
	previous, reason := c.state.State(), c.state.Reason()
	if err := c.state.Enter(StateRunning, canReconfigure, "retry"); err != nil {
		return uuid.Nil, err
	}

	runID, err := c.engine.Retry()
	if err != nil {
		c.state.Set(previous, reason)
		return uuid.Nil, err
	}

	c.logger.Info("Program retried", zap.String("run_id", runID.String()))
	return runID, nil
}

// Home lifts every tool and drives both axes to zero.
func (c *Controller) Home(ctx context.Context) error {
	if c.engine.State().IsActive() {
		return fmt.Errorf("%w: engine is %s", ErrBusy, c.engine.State())
	}
	if err := c.state.Enter(StateHoming, canReconfigure, "homing"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.homing)
	defer cancel()

	err := hardware.ForceSafeState(ctx, c.hw)
	if err == nil {
		_, err = c.hw.MoveY(ctx, 0)
	}
	if err == nil {
		_, err = c.hw.MoveX(ctx, 0)
	}
	if err != nil {
		c.state.Set(StateError, fmt.Sprintf("homing failed: %v", err))
		c.logger.Error("Homing failed", zap.Error(err))
		return fmt.Errorf("homing failed: %w", err)
	}

	c.state.Set(StateIdle, "homed")
	return nil
}

// SwitchMode replaces the hardware backend. It is refused while the engine
// or homing owns the hardware.
func (c *Controller) SwitchMode(ctx context.Context, mode hardware.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown hardware mode: %s", mode)
	}
	if c.engine.State().IsActive() {
		return fmt.Errorf("%w: engine is %s", ErrBusy, c.engine.State())
	}

	previous, reason := c.state.State(), c.state.Reason()
	if err := c.state.Enter(StateSwitchingMode, canReconfigure, string(mode)); err != nil {
		return err
	}

	backend, err := c.backends(ctx, mode)
	if err != nil {
		c.state.Set(previous, reason)
		c.logger.Error("Hardware mode switch failed",
			zap.String("mode", string(mode)),
			zap.Error(err))
		return fmt.Errorf("open %s backend: %w", mode, err)
	}

	old := c.hw.Swap(mode, backend)
	if closer, ok := old.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("Failed to close previous backend", zap.Error(err))
		}
	}

	c.logger.Info("Hardware mode switched", zap.String("mode", string(mode)))
	c.state.Set(StateIdle, "mode "+string(mode))
	return nil
}

// HandleEvent maps engine outcomes of the current run onto the machine
// state. It is registered as an event bus observer.
func (c *Controller) HandleEvent(e streaming.Event) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	// Late events of an earlier run, or of a run already reset, are stale
	if e.RunID != c.engine.RunID() {
		return
	}
	current := c.engine.State()

	switch e.Kind {
	case streaming.EventCompleted:
		if current != engine.StateCompleted {
			return
		}
		c.mu.Lock()
		c.completedPrograms++
		c.mu.Unlock()
		c.setIf(StateRunning, StateIdle, "program completed")
	case streaming.EventError:
		if current != engine.StateError {
			return
		}
		c.state.Set(StateError, e.Message)
	case streaming.EventEmergencyStop:
		if current != engine.StateEmergencyStop || c.state.State() == StateError {
			return
		}
		c.state.Set(StateError, fmt.Sprintf("emergency stop (%s): %s", e.SafetyCode, e.Message))
	}
}

func (c *Controller) setIf(from, to State, reason string) {
	_ = c.state.Enter(to, func(s State) bool { return s == from }, reason)
}

func (c *Controller) Status() MachineStatus {
	c.mu.RLock()
	p := c.currentProgram
	completed := c.completedPrograms
	c.mu.RUnlock()

	execution := c.engine.Status()
	x, y := c.hw.Position()

	status := MachineStatus{
		State:             c.state.State(),
		Mode:              c.hw.Mode(),
		RunID:             execution.RunID,
		Execution:         execution,
		CompletedPrograms: completed,
		PositionX:         x,
		PositionY:         y,
		LastStateChange:   c.state.ChangedAt(),
	}
	if status.State == StateError {
		status.ErrorMessage = c.state.Reason()
	}
	if p != nil {
		status.ProgramNumber = p.ProgramNumber
		status.ProgramName = p.ProgramName
	}
	return status
}

// DescribeRun names the program of runID while that run is the engine's
// current one.
func (c *Controller) DescribeRun(runID uuid.UUID) (int, string, bool) {
	if runID == uuid.Nil || c.engine.RunID() != runID {
		return 0, "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentProgram == nil {
		return 0, "", false
	}
	return c.currentProgram.ProgramNumber, c.currentProgram.ProgramName, true
}

// StatusSnapshot returns Status as a JSON-shaped map for the gRPC status
// service.
func (c *Controller) StatusSnapshot() map[string]any {
	data, err := json.Marshal(c.Status())
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}

func (c *Controller) Programs() program.Repository {
	return c.programs
}

func (c *Controller) StateManager() *StateManager {
	return c.state
}

// IsBusy reports whether err is a refused command.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, engine.ErrInvalidTransition)
}
