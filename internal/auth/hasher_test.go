// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

func TestBcryptHasher_Hash(t *testing.T) {
	hasher := auth.NewBcryptHasherWithCost(bcrypt.MinCost)

	t.Run("produces bcrypt hash", func(t *testing.T) {
		hash, err := hasher.Hash("password123")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$2a$"))
	})

	t.Run("same password produces different hashes (salt)", func(t *testing.T) {
		hash1, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		hash2, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("rejects empty password", func(t *testing.T) {
		_, err := hasher.Hash("")
		errutil.AssertErrorCode(t, err, auth.CodeEmptyPassword)
	})
}

func TestBcryptHasher_Verify(t *testing.T) {
	hasher := auth.NewBcryptHasherWithCost(bcrypt.MinCost)
	hash, err := hasher.Hash("correctpassword")
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		hash   string
		want   bool
	}{
		{"correct password verifies", "correctpassword", hash, true},
		{"incorrect password fails", "wrongpassword", hash, false},
		{"empty secret fails", "", hash, false},
		{"empty hash fails", "correctpassword", "", false},
		{"malformed hash fails", "correctpassword", "not-a-hash", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasher.Verify(tt.secret, tt.hash))
		})
	}
}

func TestNewBcryptHasher_UsesDefaultCost(t *testing.T) {
	assert.Equal(t, 12, auth.NewBcryptHasher().Cost())
	assert.Equal(t, auth.BcryptCost, auth.NewBcryptHasher().Cost())
}
