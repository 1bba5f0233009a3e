package hardware

import (
	"context"
	"errors"
	"io"
	"sync"
)

type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeModbus     Mode = "modbus"
)

func (m Mode) Valid() bool {
	return m == ModeSimulation || m == ModeModbus
}

// Mux forwards every call to the currently selected backend. The machine
// controller swaps the backend on a mode switch; engine and monitor keep
// a reference to the Mux only.
type Mux struct {
	mu      sync.RWMutex
	mode    Mode
	backend Hardware
}

func NewMux(mode Mode, backend Hardware) *Mux {
	return &Mux{mode: mode, backend: backend}
}

// Swap installs a new backend and returns the previous one so the caller
// can release it.
func (m *Mux) Swap(mode Mode, backend Hardware) Hardware {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.backend
	m.mode = mode
	m.backend = backend
	return previous
}

func (m *Mux) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Backend returns the selected backend.
func (m *Mux) Backend() Hardware {
	return m.current()
}

func (m *Mux) current() Hardware {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

func (m *Mux) MoveX(ctx context.Context, position float64) (float64, error) {
	hw := m.current()
	if hw == nil {
		return 0, ErrNotConnected
	}
	return hw.MoveX(ctx, position)
}

func (m *Mux) MoveY(ctx context.Context, position float64) (float64, error) {
	hw := m.current()
	if hw == nil {
		return 0, ErrNotConnected
	}
	return hw.MoveY(ctx, position)
}

func (m *Mux) SetTool(ctx context.Context, tool Tool, state ToolState) error {
	hw := m.current()
	if hw == nil {
		return ErrNotConnected
	}
	return hw.SetTool(ctx, tool, state)
}

func (m *Mux) ReadSensor(ctx context.Context, sensor Sensor) (bool, error) {
	hw := m.current()
	if hw == nil {
		return false, ErrNotConnected
	}
	return hw.ReadSensor(ctx, sensor)
}

func (m *Mux) EmergencyStop() error {
	hw := m.current()
	if hw == nil {
		return ErrNotConnected
	}
	return hw.EmergencyStop()
}

func (m *Mux) Position() (float64, float64) {
	hw := m.current()
	if hw == nil {
		return 0, 0
	}
	return hw.Position()
}

// ReleaseStop clears a latched emergency stop on backends that have one.
func (m *Mux) ReleaseStop(ctx context.Context) error {
	r, ok := m.current().(StopReleaser)
	if !ok {
		return nil
	}
	return r.ReleaseStop(ctx)
}

// Close retracts the tools and releases the backend connection.
func (m *Mux) Close(ctx context.Context) error {
	hw := m.current()
	if hw == nil {
		return nil
	}
	err := ForceSafeState(ctx, hw)
	if closer, ok := hw.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}
