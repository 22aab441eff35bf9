// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

func TestGenerateSessionToken(t *testing.T) {
	token1, hash1, err := auth.GenerateSessionToken()
	require.NoError(t, err)
	token2, hash2, err := auth.GenerateSessionToken()
	require.NoError(t, err)

	assert.Len(t, token1, 2*auth.SessionTokenBytes)
	assert.Len(t, hash1, 64, "sha256 hex")
	assert.Equal(t, auth.HashSessionToken(token1), hash1, "stored hash is derived from the token")
	assert.NotEqual(t, token1, token2)
	assert.NotEqual(t, hash1, hash2)
}

func TestNewSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	userID := ulid.Make()

	t.Run("valid", func(t *testing.T) {
		s, err := auth.NewSession(userID, "hash", "curl/8", "10.0.0.7", now, now.Add(auth.SessionTokenExpiry))
		require.NoError(t, err)
		assert.Equal(t, userID, s.UserID)
		assert.Equal(t, now, s.CreatedAt)
		assert.Equal(t, now, s.LastSeenAt)
		assert.NotZero(t, s.ID)
	})

	tests := []struct {
		name    string
		userID  ulid.ULID
		hash    string
		expires time.Time
		code    string
	}{
		{"zero user", ulid.ULID{}, "hash", now.Add(time.Hour), "SESSION_INVALID_USER"},
		{"empty hash", userID, "", now.Add(time.Hour), "SESSION_INVALID_HASH"},
		{"expires now", userID, "hash", now, "SESSION_INVALID_EXPIRY"},
		{"expired", userID, "hash", now.Add(-time.Minute), "SESSION_INVALID_EXPIRY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.NewSession(tt.userID, tt.hash, "", "", now, tt.expires)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestSession_IsExpiredAt(t *testing.T) {
	expires := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := &auth.Session{ExpiresAt: expires}

	assert.False(t, s.IsExpiredAt(expires.Add(-time.Nanosecond)))
	assert.True(t, s.IsExpiredAt(expires), "expiry instant is already expired")
	assert.True(t, s.IsExpiredAt(expires.Add(time.Hour)))
}
