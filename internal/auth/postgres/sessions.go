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

// SessionRepository implements auth.SessionRepository.
type SessionRepository struct {
	pool Pool
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(pool Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, user_agent, ip_address, expires_at, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID.String(),
		session.UserID.String(),
		session.TokenHash,
		session.UserAgent,
		session.IPAddress,
		session.ExpiresAt,
		session.CreatedAt,
		session.LastSeenAt,
	)
	if err != nil {
		return dbErr("SESSION_CREATE_FAILED", "insert session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	var (
		s          auth.Session
		id, userID string
	)
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, user_id, token_hash, user_agent, ip_address, expires_at, created_at, last_seen_at
		FROM sessions WHERE token_hash = $1`, tokenHash,
	).Scan(&id, &userID, &s.TokenHash, &s.UserAgent, &s.IPAddress, &s.ExpiresAt, &s.CreatedAt, &s.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("SESSION_GET_FAILED", "get session by token hash").Wrap(err)
	}
	if s.ID, err = parseULID(id, "session_id"); err != nil {
		return nil, err
	}
	if s.UserID, err = parseULID(userID, "user_id"); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateLastSeen updates the LastSeenAt timestamp for a session.
func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, id.String(), lastSeen)
	if err != nil {
		return dbErr("SESSION_UPDATE_FAILED", "update last seen").With("session_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("session_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a session by ID.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id.String())
	if err != nil {
		return dbErr("SESSION_DELETE_FAILED", "delete session").With("session_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("session_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteByUser removes a user's sessions, except keep when it is non-nil.
func (r *SessionRepository) DeleteByUser(ctx context.Context, userID ulid.ULID, keep *ulid.ULID) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND ($2::text IS NULL OR id <> $2)`,
		userID.String(), ulidToStringPtr(keep))
	if err != nil {
		return 0, dbErr("SESSION_DELETE_FAILED", "delete user sessions").With("user_id", userID.String()).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes sessions that expired at or before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, dbErr("SESSION_DELETE_EXPIRED_FAILED", "delete expired sessions").Wrap(err)
	}
	return tag.RowsAffected(), nil
}
