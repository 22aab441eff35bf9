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

// LoginAttemptRepository implements auth.LoginAttemptRepository. Writes are
// compare-and-set on the version column.
type LoginAttemptRepository struct {
	pool Pool
}

// NewLoginAttemptRepository creates a LoginAttemptRepository.
func NewLoginAttemptRepository(pool Pool) *LoginAttemptRepository {
	return &LoginAttemptRepository{pool: pool}
}

// Get retrieves the attempt record for a user.
func (r *LoginAttemptRepository) Get(ctx context.Context, userID ulid.ULID) (*auth.LoginAttempt, error) {
	a := auth.LoginAttempt{UserID: userID}
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT attempt_count, last_ip, last_attempt_at, succeeded, locked_until, version
		FROM login_attempts WHERE user_id = $1`, userID.String(),
	).Scan(&a.AttemptCount, &a.LastIP, &a.LastAttemptAt, &a.Succeeded, &a.LockedUntil, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("LOGIN_ATTEMPT_NOT_FOUND").With("user_id", userID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("LOGIN_ATTEMPT_GET_FAILED", "get login attempt").With("user_id", userID.String()).Wrap(err)
	}
	return &a, nil
}

// Save writes next when the stored version equals expectedVersion. Version
// zero means no row exists yet, so the write is an insert that loses to any
// concurrent insert.
func (r *LoginAttemptRepository) Save(ctx context.Context, next *auth.LoginAttempt, expectedVersion int64) error {
	var (
		sql  string
		args = []any{
			next.UserID.String(), next.AttemptCount, next.LastIP, next.LastAttemptAt,
			next.Succeeded, next.LockedUntil,
		}
	)
	if expectedVersion == 0 {
		sql = `
			INSERT INTO login_attempts (user_id, attempt_count, last_ip, last_attempt_at, succeeded, locked_until, version)
			VALUES ($1, $2, $3, $4, $5, $6, 1)
			ON CONFLICT (user_id) DO NOTHING`
	} else {
		sql = `
			UPDATE login_attempts
			SET attempt_count = $2, last_ip = $3, last_attempt_at = $4, succeeded = $5,
			    locked_until = $6, version = version + 1
			WHERE user_id = $1 AND version = $7`
		args = append(args, expectedVersion)
	}

	tag, err := conn(ctx, r.pool).Exec(ctx, sql, args...)
	if err != nil {
		return dbErr("LOGIN_ATTEMPT_SAVE_FAILED", "save login attempt").
			With("user_id", next.UserID.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("LOGIN_ATTEMPT_CONFLICT").
			With("user_id", next.UserID.String()).
			With("expected_version", expectedVersion).
			Wrap(auth.ErrConflict)
	}
	return nil
}

// Reset clears the failure streak. It upserts so a first login also leaves a
// record of the last successful attempt.
func (r *LoginAttemptRepository) Reset(ctx context.Context, userID ulid.ULID, ip string, at time.Time) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO login_attempts (user_id, attempt_count, last_ip, last_attempt_at, succeeded, locked_until, version)
		VALUES ($1, 0, $2, $3, TRUE, NULL, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET attempt_count = 0, last_ip = EXCLUDED.last_ip, last_attempt_at = EXCLUDED.last_attempt_at,
		    succeeded = TRUE, locked_until = NULL, version = login_attempts.version + 1`,
		userID.String(), ip, at)
	if err != nil {
		return dbErr("LOGIN_ATTEMPT_RESET_FAILED", "reset login attempts").With("user_id", userID.String()).Wrap(err)
	}
	return nil
}
