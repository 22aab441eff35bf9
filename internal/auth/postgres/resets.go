// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/auth"
)

// activeTokenIndex enforces one unconsumed token per user.
const activeTokenIndex = "password_reset_tokens_active_user_idx"

// PasswordResetRepository implements auth.PasswordResetRepository.
type PasswordResetRepository struct {
	pool Pool
}

// NewPasswordResetRepository creates a PasswordResetRepository.
func NewPasswordResetRepository(pool Pool) *PasswordResetRepository {
	return &PasswordResetRepository{pool: pool}
}

// Create stores a new reset token.
func (r *PasswordResetRepository) Create(ctx context.Context, token *auth.PasswordResetToken) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		token.ID.String(), token.UserID.String(), token.TokenHash, token.ExpiresAt, token.CreatedAt)
	if constraint, ok := isUniqueViolation(err); ok && constraint == activeTokenIndex {
		return oops.Code("RESET_ACTIVE_EXISTS").With("user_id", token.UserID.String()).Wrap(auth.ErrConflict)
	}
	if err != nil {
		return dbErr("RESET_CREATE_FAILED", "insert password reset").With("user_id", token.UserID.String()).Wrap(err)
	}
	return nil
}

// GetUnconsumedByHash retrieves an unconsumed token by its hash.
func (r *PasswordResetRepository) GetUnconsumedByHash(ctx context.Context, tokenHash string) (*auth.PasswordResetToken, error) {
	var (
		t          auth.PasswordResetToken
		id, userID string
	)
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, consumed_at, created_at, kba_question_id
		FROM password_reset_tokens
		WHERE token_hash = $1 AND consumed_at IS NULL`, tokenHash,
	).Scan(&id, &userID, &t.TokenHash, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt, &t.ChallengeQuestionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("RESET_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("RESET_GET_FAILED", "get password reset by hash").Wrap(err)
	}
	if t.ID, err = parseULID(id, "reset_id"); err != nil {
		return nil, err
	}
	if t.UserID, err = parseULID(userID, "user_id"); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteUnconsumedByUser removes every unconsumed token for a user.
func (r *PasswordResetRepository) DeleteUnconsumedByUser(ctx context.Context, userID ulid.ULID) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM password_reset_tokens WHERE user_id = $1 AND consumed_at IS NULL`, userID.String())
	if err != nil {
		return 0, dbErr("RESET_DELETE_FAILED", "delete unconsumed resets").With("user_id", userID.String()).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// Consume marks one token consumed. Only an unconsumed row is updated, so of
// two concurrent consumers exactly one succeeds.
func (r *PasswordResetRepository) Consume(ctx context.Context, id ulid.ULID, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE password_reset_tokens SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`,
		id.String(), at)
	if err != nil {
		return dbErr("RESET_CONSUME_FAILED", "consume password reset").With("reset_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("RESET_ALREADY_CONSUMED").With("reset_id", id.String()).Wrap(auth.ErrConflict)
	}
	return nil
}

// ConsumeAllForUser marks every unconsumed token for a user consumed.
func (r *PasswordResetRepository) ConsumeAllForUser(ctx context.Context, userID ulid.ULID, at time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE password_reset_tokens SET consumed_at = $2 WHERE user_id = $1 AND consumed_at IS NULL`,
		userID.String(), at)
	if err != nil {
		return 0, dbErr("RESET_CONSUME_FAILED", "consume all resets").With("user_id", userID.String()).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// BindChallenge sets the token's question unless one is already bound and
// returns the bound question.
func (r *PasswordResetRepository) BindChallenge(ctx context.Context, id ulid.ULID, questionID int) (int, error) {
	var bound int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE password_reset_tokens
		SET kba_question_id = COALESCE(kba_question_id, $2)
		WHERE id = $1 AND consumed_at IS NULL
		RETURNING kba_question_id`,
		id.String(), questionID,
	).Scan(&bound)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, oops.Code("RESET_NOT_FOUND").With("reset_id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return 0, dbErr("RESET_BIND_FAILED", "bind reset challenge").With("reset_id", id.String()).Wrap(err)
	}
	return bound, nil
}

// DeleteExpired removes tokens that expired at or before now.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM password_reset_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, dbErr("RESET_PURGE_FAILED", "delete expired resets").Wrap(err)
	}
	return tag.RowsAffected(), nil
}
