package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var ErrOperatorNotFound = errors.New("operator not found")

// OperatorStore persists operator accounts and their lockout counters.
type OperatorStore struct {
	client *PostgresClient
}

func NewOperatorStore(client *PostgresClient) *OperatorStore {
	return &OperatorStore{client: client}
}

func (s *OperatorStore) GetOperator(ctx context.Context, username string) (*OperatorRecord, error) {
	var op OperatorRecord
	err := s.client.pool.QueryRow(ctx, `
		SELECT username, pin_hash, role, created_at, last_login_at,
		       failed_login_attempts, locked_until
		FROM operators
		WHERE username = $1
	`, username).Scan(
		&op.Username, &op.PINHash, &op.Role, &op.CreatedAt,
		&op.LastLoginAt, &op.FailedLoginAttempts, &op.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return &op, nil
}

// UpsertOperator installs an operator from configuration. Lockout state
// of an existing row is kept.
func (s *OperatorStore) UpsertOperator(ctx context.Context, username, pinHash, role string) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO operators (username, pin_hash, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE
		SET pin_hash = EXCLUDED.pin_hash, role = EXCLUDED.role
	`, username, pinHash, role)
	if err != nil {
		return fmt.Errorf("failed to upsert operator: %w", err)
	}
	return nil
}

func (s *OperatorStore) UpdateLastLogin(ctx context.Context, username string) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE operators SET last_login_at = NOW() WHERE username = $1
	`, username)
	return err
}

// RecordFailedLogin increments the failure counter and locks the account
// once it reaches maxAttempts.
func (s *OperatorStore) RecordFailedLogin(ctx context.Context, username string, maxAttempts int, lockFor time.Duration) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE operators
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN NOW() + $3::interval
		        ELSE locked_until
		    END
		WHERE username = $1
	`, username, maxAttempts, lockFor)
	return err
}

func (s *OperatorStore) ResetFailedLogins(ctx context.Context, username string) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE operators
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE username = $1
	`, username)
	return err
}
