package interfaces

import (
	"context"

	"github.com/google/uuid"

	"github.com/orharazi/Scratch-Desk-sub002/internal/config"
	"github.com/orharazi/Scratch-Desk-sub002/internal/machine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	MachineState     string `json:"machine_state"`
	HardwareMode     string `json:"hardware_mode"`
	ProgramCount     int    `json:"program_count"`
	DatabaseEnabled  bool   `json:"database_enabled"`
	ConnectedClients int    `json:"connected_clients"`
}

// ExecutionHistory reads the execution journal. storage.ExecutionStore
// implements it.
type ExecutionHistory interface {
	ListExecutions(ctx context.Context, limit int) ([]*storage.Execution, error)
	GetExecution(ctx context.Context, id uuid.UUID) (*storage.Execution, error)
	ListEvents(ctx context.Context, executionID uuid.UUID) ([]*storage.ExecutionEvent, error)
}

type LifecycleManager interface {
	Config() *config.Config
	MachineController() *machine.Controller
	ProgramValidator() *program.Validator
	// Executions is nil when no database is configured.
	Executions() ExecutionHistory
	GetCurrentStatus(ctx context.Context) SystemStatus
	Shutdown(ctx context.Context) error
}
