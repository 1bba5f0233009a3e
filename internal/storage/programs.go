package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
)

// ProgramStore keeps the program library in PostgreSQL. It satisfies
// program.Repository.
type ProgramStore struct {
	client *PostgresClient
}

func NewProgramStore(client *PostgresClient) *ProgramStore {
	return &ProgramStore{client: client}
}

func (s *ProgramStore) List(ctx context.Context) ([]*program.Program, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT definition FROM programs ORDER BY program_number
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}
	defer rows.Close()

	programs := make([]*program.Program, 0)
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		var p program.Program
		if err := json.Unmarshal(definition, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal program: %w", err)
		}
		programs = append(programs, &p)
	}
	return programs, rows.Err()
}

func (s *ProgramStore) Get(ctx context.Context, number int) (*program.Program, error) {
	var definition []byte
	err := s.client.pool.QueryRow(ctx, `
		SELECT definition FROM programs WHERE program_number = $1
	`, number).Scan(&definition)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", program.ErrNotFound, number)
		}
		return nil, fmt.Errorf("failed to load program: %w", err)
	}

	var p program.Program
	if err := json.Unmarshal(definition, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal program: %w", err)
	}
	return &p, nil
}

func (s *ProgramStore) Save(ctx context.Context, p *program.Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	definition, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal program: %w", err)
	}

	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO programs (program_number, program_name, definition)
		VALUES ($1, $2, $3)
		ON CONFLICT (program_number) DO UPDATE
		SET program_name = EXCLUDED.program_name,
		    definition = EXCLUDED.definition,
		    updated_at = NOW()
	`, p.ProgramNumber, p.ProgramName, definition)
	if err != nil {
		return fmt.Errorf("failed to save program: %w", err)
	}
	return nil
}

func (s *ProgramStore) Delete(ctx context.Context, number int) error {
	tag, err := s.client.pool.Exec(ctx, `
		DELETE FROM programs WHERE program_number = $1
	`, number)
	if err != nil {
		return fmt.Errorf("failed to delete program: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", program.ErrNotFound, number)
	}
	return nil
}

// Import saves every program from files that is not in the table yet.
// Programs edited through the API are left alone.
func (s *ProgramStore) Import(ctx context.Context, programs []*program.Program) (int, error) {
	imported := 0
	for _, p := range programs {
		definition, err := json.Marshal(p)
		if err != nil {
			return imported, fmt.Errorf("failed to marshal program %d: %w", p.ProgramNumber, err)
		}
		tag, err := s.client.pool.Exec(ctx, `
			INSERT INTO programs (program_number, program_name, definition)
			VALUES ($1, $2, $3)
			ON CONFLICT (program_number) DO NOTHING
		`, p.ProgramNumber, p.ProgramName, definition)
		if err != nil {
			return imported, fmt.Errorf("failed to import program %d: %w", p.ProgramNumber, err)
		}
		imported += int(tag.RowsAffected())
	}
	return imported, nil
}
