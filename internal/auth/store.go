package auth

import (
	"context"
	"sync"
	"time"

	"github.com/orharazi/Scratch-Desk-sub002/internal/config"
	"github.com/orharazi/Scratch-Desk-sub002/internal/storage"
)

// OperatorStore looks up operators and tracks failed logins.
// storage.OperatorStore is the PostgreSQL implementation.
type OperatorStore interface {
	GetOperator(ctx context.Context, username string) (*storage.OperatorRecord, error)
	UpdateLastLogin(ctx context.Context, username string) error
	RecordFailedLogin(ctx context.Context, username string, maxAttempts int, lockFor time.Duration) error
	ResetFailedLogins(ctx context.Context, username string) error
}

// MemoryOperatorStore serves the operators from configuration when no
// database is configured. Lockouts do not survive a restart.
type MemoryOperatorStore struct {
	mu        sync.Mutex
	operators map[string]*storage.OperatorRecord
}

func NewMemoryOperatorStore(operators []config.Operator) *MemoryOperatorStore {
	s := &MemoryOperatorStore{operators: make(map[string]*storage.OperatorRecord, len(operators))}
	now := time.Now()
	for _, op := range operators {
		role := op.Role
		if role == "" {
			role = string(RoleOperator)
		}
		s.operators[op.Username] = &storage.OperatorRecord{
			Username:  op.Username,
			PINHash:   op.PINHash,
			Role:      role,
			CreatedAt: now,
		}
	}
	return s
}

func (s *MemoryOperatorStore) GetOperator(ctx context.Context, username string) (*storage.OperatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[username]
	if !ok {
		return nil, storage.ErrOperatorNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryOperatorStore) UpdateLastLogin(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.operators[username]; ok {
		now := time.Now()
		op.LastLoginAt = &now
	}
	return nil
}

func (s *MemoryOperatorStore) RecordFailedLogin(ctx context.Context, username string, maxAttempts int, lockFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[username]
	if !ok {
		return nil
	}
	op.FailedLoginAttempts++
	if op.FailedLoginAttempts >= maxAttempts {
		until := time.Now().Add(lockFor)
		op.LockedUntil = &until
	}
	return nil
}

func (s *MemoryOperatorStore) ResetFailedLogins(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.operators[username]; ok {
		op.FailedLoginAttempts = 0
		op.LockedUntil = nil
	}
	return nil
}
