// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/labyrinth/labyrinth/internal/auth"
)

// SecurityEventRepository implements auth.SecurityEventRepository.
type SecurityEventRepository struct {
	pool Pool
}

// NewSecurityEventRepository creates a SecurityEventRepository.
func NewSecurityEventRepository(pool Pool) *SecurityEventRepository {
	return &SecurityEventRepository{pool: pool}
}

// Append stores an event.
func (r *SecurityEventRepository) Append(ctx context.Context, e *auth.SecurityEvent) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO security_events (id, user_id, username, event, field, message, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID.String(), ulidToStringPtr(e.UserID), e.Username, e.Event, e.Field, e.Message, e.IPAddress, e.CreatedAt)
	if err != nil {
		return dbErr("SECURITY_EVENT_APPEND_FAILED", "insert security event").With("event", e.Event).Wrap(err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (r *SecurityEventRepository) Recent(ctx context.Context, limit int) ([]*auth.SecurityEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, user_id, username, event, field, message, ip_address, created_at
		FROM security_events ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, dbErr("SECURITY_EVENT_QUERY_FAILED", "list security events").Wrap(err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*auth.SecurityEvent, error) {
		var (
			e      auth.SecurityEvent
			id     string
			userID *string
		)
		if err := row.Scan(&id, &userID, &e.Username, &e.Event, &e.Field, &e.Message, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if e.ID, err = parseULID(id, "event_id"); err != nil {
			return nil, err
		}
		if e.UserID, err = parseOptionalULID(userID, "user_id"); err != nil {
			return nil, err
		}
		return &e, nil
	})
	if err != nil {
		return nil, dbErr("SECURITY_EVENT_SCAN_FAILED", "scan security events").Wrap(err)
	}
	return events, nil
}
