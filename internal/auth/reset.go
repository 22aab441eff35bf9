// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reset token configuration.
const (
	ResetTokenBytes  = 32               // 32 bytes = 64 hex chars
	ResetTokenExpiry = 15 * time.Minute // 15 minute expiry

	// MinResetSecretLength is the shortest accepted HMAC key.
	MinResetSecretLength = 16
)

// PasswordResetToken is an issued password reset. Only the keyed hash of the
// token is stored.
type PasswordResetToken struct {
	ID         ulid.ULID
	UserID     ulid.ULID
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time

	// ChallengeQuestionID is the security question served for this token.
	// Once set, only an answer to that question can redeem the token.
	ChallengeQuestionID *int
}

// NewPasswordResetToken creates a validated PasswordResetToken.
func NewPasswordResetToken(userID ulid.ULID, tokenHash string, createdAt time.Time) (*PasswordResetToken, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("RESET_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	return &PasswordResetToken{
		ID:        ulid.Make(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: createdAt.Add(ResetTokenExpiry),
		CreatedAt: createdAt,
	}, nil
}

// IsExpiredAt reports whether the token is past its expiry at t.
func (r *PasswordResetToken) IsExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// IsConsumed reports whether the token has been used.
func (r *PasswordResetToken) IsConsumed() bool {
	return r.ConsumedAt != nil
}

// IsActiveAt reports whether the token can still be redeemed at t.
func (r *PasswordResetToken) IsActiveAt(t time.Time) bool {
	return !r.IsConsumed() && !r.IsExpiredAt(t)
}

// ResetTokenSigner derives the stored form of reset tokens with HMAC-SHA256
// under a server secret.
type ResetTokenSigner struct {
	key []byte
}

// NewResetTokenSigner creates a ResetTokenSigner.
func NewResetTokenSigner(secret string) (*ResetTokenSigner, error) {
	if len(secret) < MinResetSecretLength {
		return nil, oops.Code("RESET_INVALID_SECRET").
			With("min", MinResetSecretLength).
			Errorf("reset token secret must be at least %d bytes", MinResetSecretLength)
	}
	return &ResetTokenSigner{key: []byte(secret)}, nil
}

// Generate creates a random token and its keyed hash.
// The plaintext token is emailed; the hash is stored.
func (s *ResetTokenSigner) Generate() (token, hash string, err error) {
	tokenBytes := make([]byte, ResetTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").
			With("requested_bytes", ResetTokenBytes).
			Wrap(err)
	}
	token = hex.EncodeToString(tokenBytes)
	return token, s.Hash(token), nil
}

// Hash returns the hex HMAC-SHA256 of token.
func (s *ResetTokenSigner) Hash(token string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// PasswordResetRepository manages password reset persistence.
type PasswordResetRepository interface {
	// Create stores a new reset token. Returns ErrConflict if the user
	// already holds an unconsumed token.
	Create(ctx context.Context, token *PasswordResetToken) error

	// GetUnconsumedByHash retrieves an unconsumed token by its hash.
	// Expiry is left to the caller. Returns ErrNotFound if none matches.
	GetUnconsumedByHash(ctx context.Context, tokenHash string) (*PasswordResetToken, error)

	// DeleteUnconsumedByUser removes every unconsumed token for a user.
	DeleteUnconsumedByUser(ctx context.Context, userID ulid.ULID) (int64, error)

	// Consume marks a single token consumed. Returns ErrConflict if it was
	// already consumed.
	Consume(ctx context.Context, id ulid.ULID, at time.Time) error

	// ConsumeAllForUser marks every unconsumed token for a user consumed.
	ConsumeAllForUser(ctx context.Context, userID ulid.ULID, at time.Time) (int64, error)

	// BindChallenge records questionID as the token's challenge unless one is
	// already bound, and returns the bound question. Returns ErrNotFound if
	// the token is missing or consumed.
	BindChallenge(ctx context.Context, id ulid.ULID, questionID int) (int, error)

	// DeleteExpired removes tokens that expired at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
