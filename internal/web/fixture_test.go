// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package web_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/internal/auth/authtest"
	"github.com/labyrinth/labyrinth/internal/web"
)

const testPassword = "Initial#Pass1"

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *authtest.Store
	clock   *authtest.Clock
	hasher  *auth.BcryptHasher
	mailer  *authtest.Mailer
	signer  *auth.ResetTokenSigner
	kba     *auth.KBAService
	svc     web.Services
	server  *web.Server
	handler http.Handler
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
	f.signer, err = auth.NewResetTokenSigner("reset-secret-for-tests-0123456789")
	require.NoError(t, err)
	ledger, err := auth.NewLoginLedger(f.store.Attempts(), clock)
	require.NoError(t, err)
	policy, err := auth.NewPasswordPolicy(f.store.Users(), f.store.History(), f.hasher, f.store, clock)
	require.NoError(t, err)
	answerHasher, err := auth.NewAnswerHasher("pepper-for-tests", f.hasher)
	require.NoError(t, err)
	f.kba, err = auth.NewKBAService(f.store.Questions(), f.store.Answers(), answerHasher, f.store, clock)
	require.NoError(t, err)
	events, err := auth.NewSecurityEventLog(f.store.Events(), clock)
	require.NoError(t, err)
	authSvc, err := auth.NewAuthService(f.store.Users(), f.store.Sessions(), f.hasher, ledger, policy, events, clock)
	require.NoError(t, err)
	resets, err := auth.NewPasswordResetService(auth.PasswordResetDeps{
		Users:    f.store.Users(),
		Resets:   f.store.Resets(),
		Tx:       f.store,
		Signer:   f.signer,
		Policy:   policy,
		KBA:      f.kba,
		Sessions: f.store.Sessions(),
		Mailer:   f.mailer,
		Events:   events,
		ResetURL: "https://labyrinth.test/reset-password",
	}, clock)
	require.NoError(t, err)
	accounts, err := auth.NewAccountService(f.store.Users(), f.hasher, events, "@dlsu.edu.ph", clock)
	require.NoError(t, err)

	f.svc = web.Services{
		Auth:     authSvc,
		Recovery: resets,
		KBA:      f.kba,
		Accounts: accounts,
		Events:   events,
	}
	f.server, err = web.NewServer(web.Config{Addr: "127.0.0.1:0"}, f.svc)
	require.NoError(t, err)
	f.handler = f.server.Handler()
	return f
}

// addUser stores a user whose password was set two days before the epoch.
func (f *fixture) addUser(t *testing.T, username string, role auth.Role) *auth.User {
	t.Helper()
	hash, err := f.hasher.Hash(testPassword)
	require.NoError(t, err)
	changed := testEpoch.Add(-48 * time.Hour)
	user := &auth.User{
		ID:                ulid.Make(),
		Username:          username,
		Email:             username + "@dlsu.edu.ph",
		PasswordHash:      hash,
		PasswordChangedAt: &changed,
		Role:              role,
		CreatedAt:         changed,
		UpdatedAt:         changed,
	}
	f.store.PutUser(user)
	return user
}

// issueResetToken stores an active reset token for user and returns its
// plaintext.
func (f *fixture) issueResetToken(t *testing.T, user *auth.User) string {
	t.Helper()
	token, hash, err := f.signer.Generate()
	require.NoError(t, err)
	record, err := auth.NewPasswordResetToken(user.ID, hash, f.clock.Now())
	require.NoError(t, err)
	f.store.PutResetToken(record)
	return token
}

// do sends a request with an optional JSON body and bearer token.
func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doWithHeader(t *testing.T, method, path string, body any, key, value string) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	req.Header.Set(key, value)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// login returns a session token for username.
func (f *fixture) login(t *testing.T, username string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/login", map[string]string{"username": username, "password": testPassword}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type message struct {
	Message string `json:"message"`
}
