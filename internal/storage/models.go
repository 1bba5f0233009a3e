package storage

import (
	"time"

	"github.com/google/uuid"
)

type OperatorRecord struct {
	Username            string     `json:"username"`
	PINHash             string     `json:"-"`
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLoginAt         *time.Time `json:"last_login_at"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
}

// Execution is one journalled run of a compiled program.
type Execution struct {
	ID            uuid.UUID  `json:"id"`
	ProgramNumber *int       `json:"program_number,omitempty"`
	ProgramName   string     `json:"program_name"`
	TotalSteps    int        `json:"total_steps"`
	State         string     `json:"state"`
	LastError     string     `json:"last_error,omitempty"`
	SafetyCode    string     `json:"safety_code,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

type ExecutionEvent struct {
	ID          uuid.UUID `json:"id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	Kind        string    `json:"kind"`
	StepIndex   *int      `json:"step_index,omitempty"`
	Payload     []byte    `json:"payload"` // JSONB
	CreatedAt   time.Time `json:"created_at"`
}
