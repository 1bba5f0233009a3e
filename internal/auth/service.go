package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
)

type Role string

const (
	RoleOperator   Role = "operator"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

type Permission string

const (
	// PermOperate covers running programs and the stop commands.
	PermOperate Permission = "operate"
	// PermMaintain covers homing, mode switching and program edits.
	PermMaintain Permission = "maintain"
	PermAdmin    Permission = "admin"
)

// Token is a successful login.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
}

type AuthService struct {
	enabled        bool
	store          OperatorStore
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	maxAttempts    int
	lockFor        time.Duration
	logger         *zap.Logger
}

func NewAuthService(store OperatorStore, cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	maxAttempts := cfg.MaxFailedLoginAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &AuthService{
		enabled:        cfg.Enabled,
		store:          store,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		maxAttempts:    maxAttempts,
		lockFor:        cfg.AccountLockDuration,
		logger:         logger,
	}
}

func (a *AuthService) Enabled() bool {
	return a.enabled
}

// Login checks an operator PIN and issues an access token.
func (a *AuthService) Login(ctx context.Context, username, pin string) (*Token, error) {
	op, err := a.store.GetOperator(ctx, username)
	if err != nil {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "unknown operator"))
		return nil, ErrInvalidCredentials
	}

	if op.LockedUntil != nil && time.Now().Before(*op.LockedUntil) {
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, op.LockedUntil.Format(time.RFC3339))
	}

	valid, err := a.passwordHasher.VerifyPassword(pin, op.PINHash)
	if err != nil {
		a.logger.Error("Operator PIN hash unreadable", zap.String("username", username), zap.Error(err))
	}
	if err != nil || !valid {
		if err := a.store.RecordFailedLogin(ctx, username, a.maxAttempts, a.lockFor); err != nil {
			a.logger.Error("Failed to record failed login", zap.Error(err))
		}
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "invalid pin"))
		return nil, ErrInvalidCredentials
	}

	if err := a.store.ResetFailedLogins(ctx, username); err != nil {
		a.logger.Error("Failed to reset login counter", zap.Error(err))
	}
	if a.passwordHasher.NeedsRehash(op.PINHash) {
		a.logger.Warn("Operator PIN hash uses weak parameters, rehash with scratchdesk hash-pin",
			zap.String("username", username))
	}

	access, expires, err := a.jwtHandler.GenerateAccessToken(op.Username, op.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	if err := a.store.UpdateLastLogin(ctx, username); err != nil {
		a.logger.Error("Failed to update last login", zap.Error(err))
	}
	a.logger.Info("Operator logged in", zap.String("username", username), zap.String("role", op.Role))

	return &Token{AccessToken: access, ExpiresAt: expires, Username: op.Username, Role: op.Role}, nil
}

// ValidateToken returns the claims and permissions carried by a token.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, RolePermissions(Role(claims.Role)), nil
}

func RolePermissions(role Role) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermOperate, PermMaintain, PermAdmin}
	case RoleTechnician:
		return []Permission{PermOperate, PermMaintain}
	default:
		return []Permission{PermOperate}
	}
}

// HashPIN hashes a PIN for the operators section of the configuration.
func HashPIN(pin string) (string, error) {
	return NewPasswordHasher().HashPassword(pin)
}
