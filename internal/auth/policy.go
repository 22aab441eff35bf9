// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Password policy configuration.
const (
	MinPasswordLength = 8

	// MaxPasswordBytes is the longest secret bcrypt accepts.
	MaxPasswordBytes = 72

	// PasswordMinAge is the minimum time between voluntary password changes.
	PasswordMinAge = 24 * time.Hour

	// PasswordHistoryLimit is how many previous hashes are kept and checked.
	PasswordHistoryLimit = 3
)

// PasswordSymbols is the set of characters that satisfy the symbol rule.
const PasswordSymbols = "!@#$%^&*()-_=+[]{};:'\",.<>/?\\|`~"

// ValidatePasswordComplexity checks length and character-class rules.
func ValidatePasswordComplexity(password string) error {
	if len(password) < MinPasswordLength {
		return validationErr("PASSWORD_TOO_SHORT").
			With("min", MinPasswordLength).
			Errorf("Password must be at least %d characters!", MinPasswordLength)
	}
	if len(password) > MaxPasswordBytes {
		return validationErr("PASSWORD_TOO_LONG").
			With("max", MaxPasswordBytes).
			Errorf("Password must be at most %d bytes", MaxPasswordBytes)
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(PasswordSymbols, r):
			symbol = true
		}
	}

	var missing []string
	if !upper {
		missing = append(missing, "an uppercase letter")
	}
	if !lower {
		missing = append(missing, "a lowercase letter")
	}
	if !digit {
		missing = append(missing, "a digit")
	}
	if !symbol {
		missing = append(missing, "a symbol")
	}
	if len(missing) > 0 {
		return validationErr("PASSWORD_TOO_WEAK").
			With("missing", missing).
			Errorf("Password must contain %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckPasswordAge rejects a change when the current password was set less
// than PasswordMinAge before now. The error reports the remaining whole hours,
// rounded up.
func CheckPasswordAge(anchor, now time.Time) error {
	remaining := anchor.Add(PasswordMinAge).Sub(now)
	if remaining <= 0 {
		return nil
	}
	hours := int(math.Ceil(remaining.Hours()))
	return rateLimitErr("PASSWORD_TOO_RECENT").
		With("retry_after_hours", hours).
		Errorf("Password was changed recently. Try again in %d hour(s).", hours)
}

// PasswordHistoryEntry is a previously used password hash.
type PasswordHistoryEntry struct {
	ID        ulid.ULID
	UserID    ulid.ULID
	Hash      string
	ChangedAt time.Time
}

// PasswordHistoryRepository manages password history persistence.
type PasswordHistoryRepository interface {
	// Recent returns up to limit entries for a user, newest first.
	Recent(ctx context.Context, userID ulid.ULID, limit int) ([]*PasswordHistoryEntry, error)

	// Append stores a history entry.
	Append(ctx context.Context, entry *PasswordHistoryEntry) error

	// Trim deletes all but the newest keep entries for a user and returns
	// the number deleted.
	Trim(ctx context.Context, userID ulid.ULID, keep int) (int64, error)
}

// Transactor runs a function inside a database transaction. Repositories
// called with the function's context participate in the transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PasswordPolicy applies reuse rules and performs password rotation.
type PasswordPolicy struct {
	users   UserRepository
	history PasswordHistoryRepository
	hasher  PasswordHasher
	tx      Transactor
	logger  *slog.Logger
	now     func() time.Time
}

// NewPasswordPolicy creates a PasswordPolicy.
func NewPasswordPolicy(
	users UserRepository,
	history PasswordHistoryRepository,
	hasher PasswordHasher,
	tx Transactor,
	opts ...Option,
) (*PasswordPolicy, error) {
	if users == nil {
		return nil, oops.Code("POLICY_INVALID_CONFIG").Errorf("user repository is required")
	}
	if history == nil {
		return nil, oops.Code("POLICY_INVALID_CONFIG").Errorf("password history repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("POLICY_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if tx == nil {
		return nil, oops.Code("POLICY_INVALID_CONFIG").Errorf("transactor is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PasswordPolicy{
		users:   users,
		history: history,
		hasher:  hasher,
		tx:      tx,
		logger:  o.logger,
		now:     o.now,
	}, nil
}

// CheckReuse rejects a new password equal to the current one or to any of
// the last PasswordHistoryLimit previous passwords.
func (p *PasswordPolicy) CheckReuse(ctx context.Context, user *User, newPassword string) error {
	if p.hasher.Verify(newPassword, user.PasswordHash) {
		return validationErr("PASSWORD_SAME_AS_CURRENT").
			Errorf("New password must be different from the current password")
	}

	recent, err := p.history.Recent(ctx, user.ID, PasswordHistoryLimit)
	if err != nil {
		return oops.Code("PASSWORD_HISTORY_FAILED").
			With("user_id", user.ID.String()).
			Wrap(err)
	}
	for _, entry := range recent {
		if p.hasher.Verify(newPassword, entry.Hash) {
			return validationErr("PASSWORD_REUSED").
				With("history_limit", PasswordHistoryLimit).
				Errorf("New password was used recently. Choose a different one.")
		}
	}
	return nil
}

// Rotate replaces the user's password. Reuse rules are checked first; the
// history append, conditional password update, read-back verification,
// history trim and inTx (if non-nil) then run in one transaction.
func (p *PasswordPolicy) Rotate(ctx context.Context, user *User, newPassword string, inTx func(ctx context.Context) error) error {
	if err := p.CheckReuse(ctx, user, newPassword); err != nil {
		return err
	}

	newHash, err := p.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("PASSWORD_HASH_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}

	now := p.now()
	err = p.tx.InTransaction(ctx, func(ctx context.Context) error {
		entry := &PasswordHistoryEntry{
			ID:        ulid.Make(),
			UserID:    user.ID,
			Hash:      user.PasswordHash,
			ChangedAt: now,
		}
		if err := p.history.Append(ctx, entry); err != nil {
			return oops.Code("PASSWORD_HISTORY_FAILED").With("operation", "append").Wrap(err)
		}

		if err := p.users.UpdatePassword(ctx, user.ID, user.PasswordHash, newHash, now); err != nil {
			if errors.Is(err, ErrConflict) {
				return validationErr("PASSWORD_CHANGE_CONFLICT").
					Errorf("Password was changed by another request. Try again.")
			}
			return oops.Code("PASSWORD_UPDATE_FAILED").Wrap(err)
		}

		updated, err := p.users.GetByID(ctx, user.ID)
		if err != nil {
			return oops.Code("PASSWORD_UPDATE_FAILED").With("operation", "read back").Wrap(err)
		}
		if !p.hasher.Verify(newPassword, updated.PasswordHash) {
			return oops.Code("PASSWORD_NOT_PERSISTED").Errorf("Password update did not persist")
		}

		if _, err := p.history.Trim(ctx, user.ID, PasswordHistoryLimit); err != nil {
			return oops.Code("PASSWORD_HISTORY_FAILED").With("operation", "trim").Wrap(err)
		}

		if inTx != nil {
			return inTx(ctx)
		}
		return nil
	})
	if err != nil {
		return oops.With("user_id", user.ID.String()).Wrap(err)
	}

	user.PasswordHash = newHash
	user.PasswordChangedAt = &now
	p.logger.Info("password rotated", "user_id", user.ID.String())
	return nil
}
