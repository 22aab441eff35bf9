// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/observability"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

// dummyPassword is verified against when a username does not exist so that
// unknown and known usernames cost the same bcrypt work.
const dummyPassword = "labyrinth-timing-equalizer"

// ErrNotAuthenticated is returned when a session is missing, expired or
// belongs to a deleted user.
var ErrNotAuthenticated = authenticationErr(CodeNotAuthenticated).Errorf("Not authenticated")

// AuthService handles login, sessions and password changes.
type AuthService struct {
	users    UserRepository
	sessions SessionRepository
	hasher   PasswordHasher
	ledger   *LoginLedger
	policy   *PasswordPolicy
	events   *SecurityEventLog
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService creates a new AuthService. events may be nil.
func NewAuthService(
	users UserRepository,
	sessions SessionRepository,
	hasher PasswordHasher,
	ledger *LoginLedger,
	policy *PasswordPolicy,
	events *SecurityEventLog,
	opts ...Option,
) (*AuthService, error) {
	if users == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("user repository is required")
	}
	if sessions == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("session repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if ledger == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("login ledger is required")
	}
	if policy == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password policy is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &AuthService{
		users:    users,
		sessions: sessions,
		hasher:   hasher,
		ledger:   ledger,
		policy:   policy,
		events:   events,
		logger:   o.logger,
		now:      o.now,
		ttl:      o.sessionTTL,
	}, nil
}

// LoginRequest carries login credentials and client metadata.
type LoginRequest struct {
	Username  string
	Password  string
	UserAgent string
	IPAddress string
}

// LoginResult is a successful login. Token is the plaintext session token
// and is only available here.
type LoginResult struct {
	User    *User
	Session *Session
	Token   string
}

// Login authenticates a user and creates a session.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		observability.RecordLoginAttempt("invalid")
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if isNotFound(err) {
		s.hasher.Verify(req.Password, s.timingHash())
		s.events.Record(ctx, SecurityEvent{
			Username:  username,
			Event:     EventLoginFailed,
			Field:     "username",
			Message:   "unknown username",
			IPAddress: req.IPAddress,
		})
		observability.RecordLoginAttempt("unknown_user")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "get user").Wrap(err)
	}

	lockedUntil, err := s.ledger.LockedUntil(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if lockedUntil != nil {
		s.events.Record(ctx, SecurityEvent{
			UserID:    &user.ID,
			Username:  user.Username,
			Event:     EventLoginLocked,
			Field:     "password",
			Message:   "login attempted while locked",
			IPAddress: req.IPAddress,
		})
		// Locked attempts are still logged on the ledger; the lock is unchanged.
		if _, err := s.ledger.RecordFailure(ctx, user.ID, req.IPAddress); err != nil {
			errutil.LogError(s.logger, "failed to record locked login attempt", err)
		}
		observability.RecordLoginAttempt("locked")
		return nil, rateLimitErr(CodeAccountLocked).
			With("locked_until", lockedUntil.UTC()).
			Errorf("Too many failed attempts. Try again after %s.", lockedUntil.UTC().Format(time.RFC3339))
	}

	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		attempt, err := s.ledger.RecordFailure(ctx, user.ID, req.IPAddress)
		if err != nil {
			return nil, err
		}
		s.events.Record(ctx, SecurityEvent{
			UserID:    &user.ID,
			Username:  user.Username,
			Event:     EventLoginFailed,
			Field:     "password",
			Message:   "incorrect password",
			IPAddress: req.IPAddress,
		})
		s.logger.Info("login failed",
			"user_id", user.ID.String(),
			"attempt_count", attempt.AttemptCount,
			"ip", req.IPAddress)
		observability.RecordLoginAttempt("bad_password")
		return nil, ErrInvalidCredentials
	}

	if err := s.ledger.RecordSuccess(ctx, user.ID, req.IPAddress); err != nil {
		return nil, err
	}

	token, hash, err := GenerateSessionToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	session, err := NewSession(user.ID, hash, req.UserAgent, req.IPAddress, now, now.Add(s.ttl))
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "create session").Wrap(err)
	}

	observability.RecordLoginAttempt("success")
	s.logger.Info("login succeeded", "user_id", user.ID.String(), "session_id", session.ID.String())
	return &LoginResult{User: user, Session: session, Token: token}, nil
}

func (s *AuthService) timingHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			errutil.LogError(s.logger, "failed to compute timing hash", err)
			return
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

// ValidateSession resolves a plaintext session token to its session and user.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*Session, *User, error) {
	if token == "" {
		return nil, nil, ErrNotAuthenticated
	}

	session, err := s.sessions.GetByTokenHash(ctx, HashSessionToken(token))
	if isNotFound(err) {
		return nil, nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, nil, oops.Code("SESSION_LOOKUP_FAILED").Wrap(err)
	}

	now := s.now()
	if session.IsExpiredAt(now) {
		if err := s.sessions.Delete(ctx, session.ID); err != nil && !isNotFound(err) {
			errutil.LogError(s.logger, "failed to delete expired session", err)
		}
		return nil, nil, ErrNotAuthenticated
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if isNotFound(err) {
		return nil, nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, nil, oops.Code("SESSION_LOOKUP_FAILED").With("operation", "get user").Wrap(err)
	}

	if err := s.sessions.UpdateLastSeen(ctx, session.ID, now); err != nil {
		errutil.LogError(s.logger, "failed to update session last seen", err)
	}
	session.LastSeenAt = now
	return session, user, nil
}

// Logout deletes the session for token. Unknown tokens are not an error.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	session, err := s.sessions.GetByTokenHash(ctx, HashSessionToken(token))
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return oops.Code("AUTH_LOGOUT_FAILED").With("operation", "get session").Wrap(err)
	}
	if err := s.sessions.Delete(ctx, session.ID); err != nil && !isNotFound(err) {
		return oops.Code("AUTH_LOGOUT_FAILED").With("operation", "delete session").Wrap(err)
	}
	return nil
}

// ChangePasswordRequest is a password change by an authenticated user.
type ChangePasswordRequest struct {
	UserID          ulid.ULID
	SessionID       *ulid.ULID
	CurrentPassword string
	NewPassword     string
	IPAddress       string
}

// ChangePassword verifies the current password, applies the password policy
// and rotates the password. Other sessions of the user are revoked.
func (s *AuthService) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return validationErr("PASSWORD_MISSING_FIELDS").Errorf("Missing fields")
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if isNotFound(err) {
		return ErrNotAuthenticated
	}
	if err != nil {
		return oops.Code("PASSWORD_CHANGE_FAILED").With("operation", "get user").Wrap(err)
	}

	reject := func(field string, err error) error {
		s.events.Record(ctx, SecurityEvent{
			UserID:    &user.ID,
			Username:  user.Username,
			Event:     EventPasswordRejected,
			Field:     field,
			Message:   err.Error(),
			IPAddress: req.IPAddress,
		})
		observability.RecordPasswordChange("change", string(KindOf(err)))
		return err
	}

	if err := ValidatePasswordComplexity(req.NewPassword); err != nil {
		return reject("newPassword", err)
	}
	if !s.hasher.Verify(req.CurrentPassword, user.PasswordHash) {
		return reject("currentPassword", authenticationErr("PASSWORD_CURRENT_INCORRECT").
			Errorf("Current password is incorrect"))
	}
	if err := CheckPasswordAge(user.PasswordAnchor(), s.now()); err != nil {
		return reject("newPassword", err)
	}

	if err := s.policy.Rotate(ctx, user, req.NewPassword, nil); err != nil {
		if KindOf(err) == KindValidation {
			return reject("newPassword", err)
		}
		return err
	}

	if _, err := s.sessions.DeleteByUser(ctx, user.ID, req.SessionID); err != nil {
		errutil.LogError(s.logger, "failed to revoke sessions after password change", err)
	}
	observability.RecordPasswordChange("change", "success")
	return nil
}
