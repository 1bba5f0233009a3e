package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteExecutionStore keeps the execution journal in a local file for
// desks that run without PostgreSQL.
type SQLiteExecutionStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the journal file at path.
func OpenSQLite(path string) (*SQLiteExecutionStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return &SQLiteExecutionStore{db: db}, nil
}

func (s *SQLiteExecutionStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteExecutionStore) StartExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, program_number, program_name, total_steps, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, exec.ID.String(), exec.ProgramNumber, exec.ProgramName, exec.TotalSteps, exec.State, exec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) AppendEvent(ctx context.Context, event *ExecutionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_events (id, execution_id, kind, step_index, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID.String(), event.ExecutionID.String(), event.Kind, event.StepIndex, event.Payload, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert execution event: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) FinishExecution(ctx context.Context, id uuid.UUID, state, lastError, safetyCode string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET state = ?, last_error = ?, safety_code = ?, finished_at = ?
		WHERE id = ?
	`, state, lastError, safetyCode, finishedAt.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return nil
}

const sqliteExecutionColumns = `id, program_number, program_name, total_steps, state,
	last_error, safety_code, started_at, finished_at`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var e Execution
	err := row.Scan(&e.ID, &e.ProgramNumber, &e.ProgramName, &e.TotalSteps, &e.State,
		&e.LastError, &e.SafetyCode, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteExecutionStore) ListExecutions(ctx context.Context, limit int) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteExecutionColumns+`
		FROM executions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (s *SQLiteExecutionStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteExecutionColumns+`
		FROM executions
		WHERE id = ?
	`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

func (s *SQLiteExecutionStore) ListEvents(ctx context.Context, executionID uuid.UUID) ([]*ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, kind, step_index, payload, created_at
		FROM execution_events
		WHERE execution_id = ?
		ORDER BY created_at, rowid
	`, executionID.String())
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
