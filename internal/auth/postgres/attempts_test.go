// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

func TestLoginAttemptRepository_Get(t *testing.T) {
	cols := []string{"attempt_count", "last_ip", "last_attempt_at", "succeeded", "locked_until", "version"}

	t.Run("returns the stored record", func(t *testing.T) {
		mock := newMock(t)
		until := testNow.Add(2 * time.Second)
		mock.ExpectQuery(`FROM login_attempts WHERE user_id`).
			WithArgs(testUserID.String()).
			WillReturnRows(pgxmock.NewRows(cols).AddRow(6, "10.0.0.1", testNow, false, &until, int64(6)))

		got, err := NewLoginAttemptRepository(mock).Get(context.Background(), testUserID)
		require.NoError(t, err)
		assert.Equal(t, &auth.LoginAttempt{
			UserID:        testUserID,
			AttemptCount:  6,
			LastIP:        "10.0.0.1",
			LastAttemptAt: testNow,
			LockedUntil:   &until,
			Version:       6,
		}, got)
	})

	t.Run("missing row is not found", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM login_attempts WHERE user_id`).
			WithArgs(testUserID.String()).
			WillReturnRows(pgxmock.NewRows(cols))

		_, err := NewLoginAttemptRepository(mock).Get(context.Background(), testUserID)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestLoginAttemptRepository_Save(t *testing.T) {
	next := &auth.LoginAttempt{
		UserID:        testUserID,
		AttemptCount:  1,
		LastIP:        "10.0.0.1",
		LastAttemptAt: testNow,
	}

	tests := []struct {
		name     string
		expected int64
		sql      string
		affected int64
		wantErr  error
	}{
		{name: "first failure inserts", expected: 0, sql: `INSERT INTO login_attempts .* ON CONFLICT \(user_id\) DO NOTHING`, affected: 1},
		{name: "concurrent insert loses", expected: 0, sql: `INSERT INTO login_attempts`, affected: 0, wantErr: auth.ErrConflict},
		{name: "later failure updates", expected: 3, sql: `UPDATE login_attempts .* version = version \+ 1`, affected: 1},
		{name: "stale version conflicts", expected: 3, sql: `UPDATE login_attempts`, affected: 0, wantErr: auth.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			args := []any{testUserID.String(), 1, "10.0.0.1", testNow, false, (*time.Time)(nil)}
			if tt.expected > 0 {
				args = append(args, tt.expected)
			}
			mock.ExpectExec(tt.sql).WithArgs(args...).WillReturnResult(pgxmock.NewResult("X", tt.affected))

			err := NewLoginAttemptRepository(mock).Save(context.Background(), next, tt.expected)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoginAttemptRepository_Save_DatabaseError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`UPDATE login_attempts`).WillReturnError(errors.New("connection reset"))

	err := NewLoginAttemptRepository(mock).Save(context.Background(), &auth.LoginAttempt{UserID: testUserID}, 2)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "LOGIN_ATTEMPT_SAVE_FAILED")
	assert.NotErrorIs(t, err, auth.ErrConflict)
}

func TestLoginAttemptRepository_Reset(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`ON CONFLICT \(user_id\) DO UPDATE`).
		WithArgs(testUserID.String(), "10.0.0.1", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := NewLoginAttemptRepository(mock).Reset(context.Background(), testUserID, "10.0.0.1", testNow)
	require.NoError(t, err)
}
