// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package postgres

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/labyrinth/labyrinth/internal/auth"
)

// PasswordHistoryRepository implements auth.PasswordHistoryRepository.
type PasswordHistoryRepository struct {
	pool Pool
}

// NewPasswordHistoryRepository creates a PasswordHistoryRepository.
func NewPasswordHistoryRepository(pool Pool) *PasswordHistoryRepository {
	return &PasswordHistoryRepository{pool: pool}
}

// Recent returns up to limit entries, newest first.
func (r *PasswordHistoryRepository) Recent(ctx context.Context, userID ulid.ULID, limit int) ([]*auth.PasswordHistoryEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, password_hash, changed_at FROM password_history
		WHERE user_id = $1 ORDER BY changed_at DESC, id DESC LIMIT $2`,
		userID.String(), limit)
	if err != nil {
		return nil, dbErr("PASSWORD_HISTORY_QUERY_FAILED", "list password history").With("user_id", userID.String()).Wrap(err)
	}
	defer rows.Close()

	var entries []*auth.PasswordHistoryEntry
	for rows.Next() {
		e := &auth.PasswordHistoryEntry{UserID: userID}
		var id string
		if err := rows.Scan(&id, &e.Hash, &e.ChangedAt); err != nil {
			return nil, dbErr("PASSWORD_HISTORY_SCAN_FAILED", "scan password history").Wrap(err)
		}
		if e.ID, err = parseULID(id, "history_id"); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("PASSWORD_HISTORY_QUERY_FAILED", "iterate password history").Wrap(err)
	}
	return entries, nil
}

// Append stores a history entry.
func (r *PasswordHistoryRepository) Append(ctx context.Context, entry *auth.PasswordHistoryEntry) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO password_history (id, user_id, password_hash, changed_at) VALUES ($1, $2, $3, $4)`,
		entry.ID.String(), entry.UserID.String(), entry.Hash, entry.ChangedAt)
	if err != nil {
		return dbErr("PASSWORD_HISTORY_APPEND_FAILED", "insert password history").
			With("user_id", entry.UserID.String()).
			Wrap(err)
	}
	return nil
}

// Trim deletes all but the newest keep entries.
func (r *PasswordHistoryRepository) Trim(ctx context.Context, userID ulid.ULID, keep int) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		DELETE FROM password_history
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM password_history WHERE user_id = $1
			ORDER BY changed_at DESC, id DESC LIMIT $2
		)`, userID.String(), keep)
	if err != nil {
		return 0, dbErr("PASSWORD_HISTORY_TRIM_FAILED", "trim password history").With("user_id", userID.String()).Wrap(err)
	}
	return tag.RowsAffected(), nil
}
