package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionStore is the execution journal: one row per run plus its
// event stream.
type ExecutionStore struct {
	client *PostgresClient
}

func NewExecutionStore(client *PostgresClient) *ExecutionStore {
	return &ExecutionStore{client: client}
}

func (s *ExecutionStore) StartExecution(ctx context.Context, exec *Execution) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO executions (id, program_number, program_name, total_steps, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, exec.ID, exec.ProgramNumber, exec.ProgramName, exec.TotalSteps, exec.State, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) AppendEvent(ctx context.Context, event *ExecutionEvent) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO execution_events (id, execution_id, kind, step_index, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.ExecutionID, event.Kind, event.StepIndex, event.Payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution event: %w", err)
	}
	return nil
}

func (s *ExecutionStore) FinishExecution(ctx context.Context, id uuid.UUID, state, lastError, safetyCode string, finishedAt time.Time) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE executions
		SET state = $2, last_error = $3, safety_code = $4, finished_at = $5
		WHERE id = $1
	`, id, state, lastError, safetyCode, finishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, limit int) ([]*Execution, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT id, program_number, program_name, total_steps, state,
		       last_error, safety_code, started_at, finished_at
		FROM executions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*Execution, 0)
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.ProgramNumber, &e.ProgramName, &e.TotalSteps, &e.State,
			&e.LastError, &e.SafetyCode, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}

func (s *ExecutionStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	var e Execution
	err := s.client.pool.QueryRow(ctx, `
		SELECT id, program_number, program_name, total_steps, state,
		       last_error, safety_code, started_at, finished_at
		FROM executions
		WHERE id = $1
	`, id).Scan(&e.ID, &e.ProgramNumber, &e.ProgramName, &e.TotalSteps, &e.State,
		&e.LastError, &e.SafetyCode, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return &e, nil
}

func (s *ExecutionStore) ListEvents(ctx context.Context, executionID uuid.UUID) ([]*ExecutionEvent, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT id, execution_id, kind, step_index, payload, created_at
		FROM execution_events
		WHERE execution_id = $1
		ORDER BY created_at
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution events: %w", err)
	}
	defer rows.Close()

	events := make([]*ExecutionEvent, 0)
	for rows.Next() {
		var e ExecutionEvent
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Kind, &e.StepIndex, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
