// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/pkg/errutil"
)

// Security event names.
const (
	EventLoginFailed        = "login_failed"
	EventLoginLocked        = "login_locked"
	EventPasswordRejected   = "password_rejected"
	EventKBAFailed          = "kba_failed"
	EventResetTokenRejected = "reset_token_rejected"
	EventRegisterRejected   = "register_rejected"
)

// SecurityEvent is an audit record of a rejected attempt. It never holds
// the submitted secret, only the name of the field that failed.
type SecurityEvent struct {
	ID        ulid.ULID
	UserID    *ulid.ULID
	Username  string
	Event     string
	Field     string
	Message   string
	IPAddress string
	CreatedAt time.Time
}

// SecurityEventRepository stores security events.
type SecurityEventRepository interface {
	// Append stores an event.
	Append(ctx context.Context, event *SecurityEvent) error

	// Recent returns the newest events first.
	Recent(ctx context.Context, limit int) ([]*SecurityEvent, error)
}

// SecurityEventLog records rejected attempts. Write failures are logged and
// never reach the caller.
type SecurityEventLog struct {
	repo   SecurityEventRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewSecurityEventLog creates a SecurityEventLog. A nil repository yields a
// log that only writes to the logger.
func NewSecurityEventLog(repo SecurityEventRepository, opts ...Option) (*SecurityEventLog, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &SecurityEventLog{repo: repo, logger: o.logger, now: o.now}, nil
}

// Record stores an event. Registration failures carry no user ID; the
// attempted username is kept in the message instead.
func (l *SecurityEventLog) Record(ctx context.Context, event SecurityEvent) {
	if l == nil {
		return
	}
	event.ID = ulid.Make()
	event.CreatedAt = l.now()
	if event.UserID == nil && event.Username != "" && event.Event == EventRegisterRejected {
		event.Message += " (Attempted username: " + event.Username + ")"
		event.Username = ""
	}

	l.logger.Info("security event",
		"event", event.Event,
		"field", event.Field,
		"username", event.Username,
		"ip", event.IPAddress)

	if l.repo == nil {
		return
	}
	if err := l.repo.Append(ctx, &event); err != nil {
		errutil.LogError(l.logger, "failed to record security event", err)
	}
}

// Recent returns the newest events.
func (l *SecurityEventLog) Recent(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	if l == nil || l.repo == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := l.repo.Recent(ctx, limit)
	if err != nil {
		return nil, oops.Code("SECURITY_EVENTS_FAILED").With("limit", limit).Wrap(err)
	}
	return events, nil
}
