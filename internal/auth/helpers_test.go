// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/internal/auth/authtest"
)

const (
	testResetSecret = "reset-secret-for-tests-0123456789"
	testPepper      = "pepper-for-tests"
	testPassword    = "Initial#Pass1"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture wires every service over one in-memory store.
type fixture struct {
	store   *authtest.Store
	clock   *authtest.Clock
	hasher  *auth.BcryptHasher
	mailer  *authtest.Mailer
	signer  *auth.ResetTokenSigner
	ledger  *auth.LoginLedger
	policy  *auth.PasswordPolicy
	kba     *auth.KBAService
	events  *auth.SecurityEventLog
	auth    *auth.AuthService
	resets  *auth.PasswordResetService
	account *auth.AccountService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  authtest.NewStore(),
		clock:  authtest.NewClock(testEpoch),
		hasher: auth.NewBcryptHasherWithCost(bcrypt.MinCost),
		mailer: &authtest.Mailer{},
	}
	clock := auth.WithClock(f.clock.Now)

	var err error
	f.signer, err = auth.NewResetTokenSigner(testResetSecret)
	require.NoError(t, err)
	f.ledger, err = auth.NewLoginLedger(f.store.Attempts(), clock)
	require.NoError(t, err)
	f.policy, err = auth.NewPasswordPolicy(f.store.Users(), f.store.History(), f.hasher, f.store, clock)
	require.NoError(t, err)
	answerHasher, err := auth.NewAnswerHasher(testPepper, f.hasher)
	require.NoError(t, err)
	f.kba, err = auth.NewKBAService(f.store.Questions(), f.store.Answers(), answerHasher, f.store, clock)
	require.NoError(t, err)
	f.events, err = auth.NewSecurityEventLog(f.store.Events(), clock)
	require.NoError(t, err)
	f.auth, err = auth.NewAuthService(f.store.Users(), f.store.Sessions(), f.hasher, f.ledger, f.policy, f.events, clock)
	require.NoError(t, err)
	f.resets, err = auth.NewPasswordResetService(auth.PasswordResetDeps{
		Users:    f.store.Users(),
		Resets:   f.store.Resets(),
		Tx:       f.store,
		Signer:   f.signer,
		Policy:   f.policy,
		KBA:      f.kba,
		Sessions: f.store.Sessions(),
		Mailer:   f.mailer,
		Events:   f.events,
		ResetURL: "https://labyrinth.test/reset-password",
	}, clock)
	require.NoError(t, err)
	f.account, err = auth.NewAccountService(f.store.Users(), f.hasher, f.events, "@dlsu.edu.ph", clock)
	require.NoError(t, err)
	return f
}

// addUser stores a user whose password was set two days before the epoch.
func (f *fixture) addUser(t *testing.T, username, password string) *auth.User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	changed := testEpoch.Add(-48 * time.Hour)
	user := &auth.User{
		ID:                ulid.Make(),
		Username:          username,
		Email:             username + "@dlsu.edu.ph",
		PasswordHash:      hash,
		PasswordChangedAt: &changed,
		Role:              auth.RoleStudent,
		CreatedAt:         changed,
		UpdatedAt:         changed,
	}
	f.store.PutUser(user)
	return user
}

func intPtr(v int) *int { return &v }
