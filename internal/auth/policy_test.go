// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

func TestValidatePasswordComplexity(t *testing.T) {
	tests := []struct {
		name     string
		password string
		code     string
		message  string
	}{
		{"valid", "Str0ng!Pass", "", ""},
		{"too short", "S0!a", "PASSWORD_TOO_SHORT", "Password must be at least 8 characters!"},
		{"too long", "A1!" + strings.Repeat("a", 70), "PASSWORD_TOO_LONG", ""},
		{"missing uppercase", "str0ng!pass", "PASSWORD_TOO_WEAK", "Password must contain an uppercase letter"},
		{"missing digit and symbol", "StrongPass", "PASSWORD_TOO_WEAK", "Password must contain a digit, a symbol"},
		{"backslash counts as symbol", `Str0ng\Pass`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.ValidatePasswordComplexity(tt.password)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, tt.code)
			assert.Equal(t, auth.KindValidation, auth.KindOf(err))
			if tt.message != "" {
				assert.Equal(t, tt.message, err.Error())
			}
		})
	}
}

func TestCheckPasswordAge(t *testing.T) {
	tests := []struct {
		name  string
		age   time.Duration
		hours int
	}{
		{"old enough", 25 * time.Hour, 0},
		{"exactly 24h", 24 * time.Hour, 0},
		{"just changed", 0, 24},
		{"rounds up partial hours", 22*time.Hour + 30*time.Minute, 2},
		{"one minute left", 24*time.Hour - time.Minute, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.CheckPasswordAge(testEpoch.Add(-tt.age), testEpoch)
			if tt.hours == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, auth.KindRateLimit, auth.KindOf(err))
			errutil.AssertErrorContext(t, err, "retry_after_hours", tt.hours)
		})
	}
}

func TestPasswordPolicy_Rotate(t *testing.T) {
	ctx := context.Background()

	t.Run("updates password and appends old hash to history", func(t *testing.T) {
		f := newFixture(t)
		user := f.addUser(t, "alice", testPassword)
		oldHash := user.PasswordHash

		require.NoError(t, f.policy.Rotate(ctx, user, "Next#Pass2", nil))

		stored := f.store.User(user.ID)
		assert.True(t, f.hasher.Verify("Next#Pass2", stored.PasswordHash))
		assert.Equal(t, testEpoch, *stored.PasswordChangedAt)
		assert.Equal(t, stored.PasswordHash, user.PasswordHash)

		history := f.store.HistoryOf(user.ID)
		require.Len(t, history, 1)
		assert.Equal(t, oldHash, history[0].Hash)
	})

	t.Run("rejects the current password", func(t *testing.T) {
		f := newFixture(t)
		user := f.addUser(t, "alice", testPassword)

		err := f.policy.Rotate(ctx, user, testPassword, nil)
		errutil.AssertErrorCode(t, err, "PASSWORD_SAME_AS_CURRENT")
		assert.Equal(t, "New password must be different from the current password", err.Error())
	})

	t.Run("rejects any of the last three passwords and trims history", func(t *testing.T) {
		f := newFixture(t)
		user := f.addUser(t, "alice", "Pass#0000")

		for i, next := range []string{"Pass#1111", "Pass#2222", "Pass#3333", "Pass#4444"} {
			f.clock.Advance(time.Duration(i+1) * time.Minute)
			require.NoError(t, f.policy.Rotate(ctx, user, next, nil))
		}
		assert.Len(t, f.store.HistoryOf(user.ID), auth.PasswordHistoryLimit)

		for _, reused := range []string{"Pass#1111", "Pass#2222", "Pass#3333"} {
			err := f.policy.Rotate(ctx, user, reused, nil)
			errutil.AssertErrorCode(t, err, "PASSWORD_REUSED")
		}

		// Pass#0000 has aged out of the history.
		assert.NoError(t, f.policy.Rotate(ctx, user, "Pass#0000", nil))
	})

	t.Run("conflicting concurrent change loses", func(t *testing.T) {
		f := newFixture(t)
		user := f.addUser(t, "alice", testPassword)
		stale := *user

		require.NoError(t, f.policy.Rotate(ctx, user, "Winner#Pass1", nil))

		err := f.policy.Rotate(ctx, &stale, "Loser#Pass1", nil)
		errutil.AssertErrorCode(t, err, "PASSWORD_CHANGE_CONFLICT")
		assert.True(t, f.hasher.Verify("Winner#Pass1", f.store.User(user.ID).PasswordHash))
		assert.Len(t, f.store.HistoryOf(user.ID), 1, "losing change must not leave history behind")
	})

	t.Run("failing extra step rolls everything back", func(t *testing.T) {
		f := newFixture(t)
		user := f.addUser(t, "alice", testPassword)
		oldHash := user.PasswordHash
		boom := errors.New("boom")

		err := f.policy.Rotate(ctx, user, "Next#Pass2", func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)

		assert.Equal(t, oldHash, f.store.User(user.ID).PasswordHash)
		assert.Equal(t, oldHash, user.PasswordHash)
		assert.Empty(t, f.store.HistoryOf(user.ID))
	})
}

func TestNewPasswordPolicy_RequiresDependencies(t *testing.T) {
	f := newFixture(t)

	_, err := auth.NewPasswordPolicy(nil, f.store.History(), f.hasher, f.store)
	assert.Error(t, err)
	_, err = auth.NewPasswordPolicy(f.store.Users(), nil, f.hasher, f.store)
	assert.Error(t, err)
	_, err = auth.NewPasswordPolicy(f.store.Users(), f.store.History(), nil, f.store)
	assert.Error(t, err)
	_, err = auth.NewPasswordPolicy(f.store.Users(), f.store.History(), f.hasher, nil)
	assert.Error(t, err)
	_, err = auth.NewPasswordPolicy(f.store.Users(), f.store.History(), f.hasher, f.store, auth.WithLogger(nil))
	assert.Error(t, err)
}
