// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/labyrinth/labyrinth/internal/observability"
)

// Lockout configuration.
const (
	// LockoutThreshold is the number of failures allowed before lockouts begin.
	LockoutThreshold = 5

	// LockoutBase is the lock applied by the first failure past the threshold.
	// Each further failure doubles it.
	LockoutBase = 2 * time.Second

	// MaxLockout bounds the lock duration.
	MaxLockout = 24 * time.Hour
)

// LedgerState is the lockout state of a login attempt record.
type LedgerState string

// Ledger states.
const (
	LedgerClean        LedgerState = "clean"
	LedgerAccumulating LedgerState = "accumulating"
	LedgerLocked       LedgerState = "locked"
)

// LoginAttempt is the per-user failure streak.
type LoginAttempt struct {
	UserID        ulid.ULID
	AttemptCount  int
	LastIP        string
	LastAttemptAt time.Time
	Succeeded     bool
	LockedUntil   *time.Time
	// Version increments on every write; zero means not yet stored.
	Version int64
}

// IsLockedAt reports whether the record blocks logins at t.
func (a *LoginAttempt) IsLockedAt(t time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(t)
}

// StateAt returns the ledger state at t.
func (a *LoginAttempt) StateAt(t time.Time) LedgerState {
	switch {
	case a.IsLockedAt(t):
		return LedgerLocked
	case a.AttemptCount == 0:
		return LedgerClean
	default:
		return LedgerAccumulating
	}
}

// LockDuration returns the lock applied when the failure count reaches count.
// Counts at or below LockoutThreshold are not locked.
func LockDuration(count int) time.Duration {
	if count <= LockoutThreshold {
		return 0
	}
	exp := count - LockoutThreshold - 1
	d := LockoutBase
	for range exp {
		d *= 2
		if d >= MaxLockout {
			return MaxLockout
		}
	}
	return d
}

// NextFailure returns the record after a failed attempt at now from ip.
// A locked record only refreshes its last attempt; the count and lock stay.
func (a *LoginAttempt) NextFailure(now time.Time, ip string) LoginAttempt {
	next := *a
	next.LastIP = ip
	next.LastAttemptAt = now
	next.Succeeded = false
	if a.IsLockedAt(now) {
		return next
	}
	next.AttemptCount = a.AttemptCount + 1
	if lock := LockDuration(next.AttemptCount); lock > 0 {
		until := now.Add(lock)
		next.LockedUntil = &until
	}
	return next
}

// LoginAttemptRepository manages login attempt persistence.
type LoginAttemptRepository interface {
	// Get retrieves the record for a user. Returns ErrNotFound if none exists.
	Get(ctx context.Context, userID ulid.ULID) (*LoginAttempt, error)

	// Save stores next if the stored version still equals expectedVersion
	// (zero: no row yet). Returns ErrConflict when the record changed.
	Save(ctx context.Context, next *LoginAttempt, expectedVersion int64) error

	// Reset clears the failure streak after a successful login.
	Reset(ctx context.Context, userID ulid.ULID, ip string, at time.Time) error
}

// LoginLedger tracks failed logins and computes lockouts.
type LoginLedger struct {
	repo    LoginAttemptRepository
	logger  *slog.Logger
	now     func() time.Time
	backoff func() retry.Backoff
}

// NewLoginLedger creates a LoginLedger.
func NewLoginLedger(repo LoginAttemptRepository, opts ...Option) (*LoginLedger, error) {
	if repo == nil {
		return nil, oops.Code("LEDGER_INVALID_CONFIG").Errorf("login attempt repository is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &LoginLedger{
		repo:   repo,
		logger: o.logger,
		now:    o.now,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.NewExponential(5*time.Millisecond))
		},
	}, nil
}

// LockedUntil returns the unlock time if the user is currently locked out,
// or nil if logins are allowed.
func (l *LoginLedger) LockedUntil(ctx context.Context, userID ulid.ULID) (*time.Time, error) {
	attempt, err := l.repo.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("LEDGER_CHECK_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	if attempt.IsLockedAt(l.now()) {
		until := *attempt.LockedUntil
		return &until, nil
	}
	return nil, nil
}

// RecordFailure applies a failed attempt and returns the stored record.
// Concurrent failures for the same user are serialized by version checks.
func (l *LoginLedger) RecordFailure(ctx context.Context, userID ulid.ULID, ip string) (*LoginAttempt, error) {
	var stored LoginAttempt
	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		current, err := l.repo.Get(ctx, userID)
		switch {
		case errors.Is(err, ErrNotFound):
			current = &LoginAttempt{UserID: userID}
		case err != nil:
			return err
		}

		now := l.now()
		wasLocked := current.IsLockedAt(now)
		next := current.NextFailure(now, ip)
		if err := l.repo.Save(ctx, &next, current.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		next.Version = current.Version + 1
		stored = next

		if !wasLocked && next.IsLockedAt(now) {
			observability.RecordLockout()
			l.logger.Warn("account locked",
				"user_id", userID.String(),
				"attempt_count", next.AttemptCount,
				"locked_until", next.LockedUntil.UTC(),
				"ip", ip)
		}
		return nil
	})
	if err != nil {
		return nil, oops.Code("LEDGER_RECORD_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return &stored, nil
}

// RecordSuccess resets the user's failure streak.
func (l *LoginLedger) RecordSuccess(ctx context.Context, userID ulid.ULID, ip string) error {
	if err := l.repo.Reset(ctx, userID, ip, l.now()); err != nil {
		return oops.Code("LEDGER_RESET_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return nil
}
