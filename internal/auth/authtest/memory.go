// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

// Package authtest provides in-memory implementations of the auth
// repositories for tests.
package authtest

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/auth"
)

// Store is an in-memory database shared by all repositories it hands out.
// InTransaction restores the previous state when fn fails.
type Store struct {
	mu        sync.Mutex
	users     map[ulid.ULID]auth.User
	attempts  map[ulid.ULID]auth.LoginAttempt
	history   map[ulid.ULID][]auth.PasswordHistoryEntry
	resets    map[ulid.ULID]auth.PasswordResetToken
	questions map[int]auth.SecurityQuestion
	answers   map[ulid.ULID][]auth.SecurityAnswer
	sessions  map[ulid.ULID]auth.Session
	events    []auth.SecurityEvent

	// FailNext, when set, is returned by the next repository call and cleared.
	FailNext error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		users:     map[ulid.ULID]auth.User{},
		attempts:  map[ulid.ULID]auth.LoginAttempt{},
		history:   map[ulid.ULID][]auth.PasswordHistoryEntry{},
		resets:    map[ulid.ULID]auth.PasswordResetToken{},
		questions: map[int]auth.SecurityQuestion{},
		answers:   map[ulid.ULID][]auth.SecurityAnswer{},
		sessions:  map[ulid.ULID]auth.Session{},
	}
}

func (s *Store) lock() error {
	s.mu.Lock()
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

type snapshot struct {
	users     map[ulid.ULID]auth.User
	attempts  map[ulid.ULID]auth.LoginAttempt
	history   map[ulid.ULID][]auth.PasswordHistoryEntry
	resets    map[ulid.ULID]auth.PasswordResetToken
	questions map[int]auth.SecurityQuestion
	answers   map[ulid.ULID][]auth.SecurityAnswer
	sessions  map[ulid.ULID]auth.Session
	events    []auth.SecurityEvent
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		users:     maps.Clone(s.users),
		attempts:  maps.Clone(s.attempts),
		history:   map[ulid.ULID][]auth.PasswordHistoryEntry{},
		resets:    maps.Clone(s.resets),
		questions: maps.Clone(s.questions),
		answers:   map[ulid.ULID][]auth.SecurityAnswer{},
		sessions:  maps.Clone(s.sessions),
		events:    slices.Clone(s.events),
	}
	for k, v := range s.history {
		snap.history[k] = slices.Clone(v)
	}
	for k, v := range s.answers {
		snap.answers[k] = slices.Clone(v)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = snap.users
	s.attempts = snap.attempts
	s.history = snap.history
	s.resets = snap.resets
	s.questions = snap.questions
	s.answers = snap.answers
	s.sessions = snap.sessions
	s.events = snap.events
}

// InTransaction implements auth.Transactor.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Users returns the user repository.
func (s *Store) Users() auth.UserRepository { return (*userRepo)(s) }

// Attempts returns the login attempt repository.
func (s *Store) Attempts() auth.LoginAttemptRepository { return (*attemptRepo)(s) }

// History returns the password history repository.
func (s *Store) History() auth.PasswordHistoryRepository { return (*historyRepo)(s) }

// Resets returns the reset token repository.
func (s *Store) Resets() auth.PasswordResetRepository { return (*resetRepo)(s) }

// Questions returns the security question repository.
func (s *Store) Questions() auth.SecurityQuestionRepository { return (*questionRepo)(s) }

// Answers returns the security answer repository.
func (s *Store) Answers() auth.SecurityAnswerRepository { return (*answerRepo)(s) }

// Sessions returns the session repository.
func (s *Store) Sessions() auth.SessionRepository { return (*sessionRepo)(s) }

// Events returns the security event repository.
func (s *Store) Events() auth.SecurityEventRepository { return (*eventRepo)(s) }

// PutUser stores u directly.
func (s *Store) PutUser(u *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
}

// User returns a copy of the stored user, or nil.
func (s *Store) User(id ulid.ULID) *auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	return &u
}

// Attempt returns a copy of the user's login attempt record, or nil.
func (s *Store) Attempt(userID ulid.ULID) *auth.LoginAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[userID]
	if !ok {
		return nil
	}
	return &a
}

// HistoryOf returns the user's history, newest first.
func (s *Store) HistoryOf(userID ulid.ULID) []auth.PasswordHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedHistory(s.history[userID])
}

// ResetTokensOf returns all of the user's reset tokens.
func (s *Store) ResetTokensOf(userID ulid.ULID) []auth.PasswordResetToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.PasswordResetToken
	for _, t := range s.resets {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// PutResetToken stores t directly.
func (s *Store) PutResetToken(t *auth.PasswordResetToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[t.ID] = *t
}

// SessionsOf returns all of the user's sessions.
func (s *Store) SessionsOf(userID ulid.ULID) []auth.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out
}

// SecurityEvents returns all recorded events in insertion order.
func (s *Store) SecurityEvents() []auth.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func sortedHistory(in []auth.PasswordHistoryEntry) []auth.PasswordHistoryEntry {
	out := slices.Clone(in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChangedAt.After(out[j].ChangedAt) })
	return out
}

type userRepo Store

func (r *userRepo) Create(_ context.Context, user *auth.User) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, user.Username) || strings.EqualFold(u.Email, user.Email) {
			return oops.Code("AUTH_USER_EXISTS").In(string(auth.KindValidation)).Errorf("Username or email is already in use")
		}
	}
	s.users[user.ID] = *user
	return nil
}

func (r *userRepo) find(match func(auth.User) bool) (*auth.User, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *userRepo) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	return r.find(func(u auth.User) bool { return u.ID == id })
}

func (r *userRepo) GetByUsername(_ context.Context, username string) (*auth.User, error) {
	return r.find(func(u auth.User) bool { return strings.EqualFold(u.Username, username) })
}

func (r *userRepo) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	return r.find(func(u auth.User) bool { return strings.EqualFold(u.Email, email) })
}

func (r *userRepo) update(id ulid.ULID, fn func(*auth.User) error) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	if err := fn(&u); err != nil {
		return err
	}
	s.users[id] = u
	return nil
}

func (r *userRepo) UpdatePassword(_ context.Context, id ulid.ULID, oldHash, newHash string, changedAt time.Time) error {
	return r.update(id, func(u *auth.User) error {
		if u.PasswordHash != oldHash {
			return auth.ErrConflict
		}
		u.PasswordHash = newHash
		u.PasswordChangedAt = &changedAt
		u.UpdatedAt = changedAt
		return nil
	})
}

func (r *userRepo) UpdateDescription(_ context.Context, id ulid.ULID, description string) error {
	return r.update(id, func(u *auth.User) error {
		u.Description = description
		return nil
	})
}

func (r *userRepo) UpdateProfilePicture(_ context.Context, id ulid.ULID, pictureURL string) error {
	return r.update(id, func(u *auth.User) error {
		u.ProfilePicture = pictureURL
		return nil
	})
}

func (r *userRepo) Delete(_ context.Context, id ulid.ULID) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.users, id)
	delete(s.attempts, id)
	delete(s.history, id)
	delete(s.answers, id)
	for k, t := range s.resets {
		if t.UserID == id {
			delete(s.resets, k)
		}
	}
	for k, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, k)
		}
	}
	return nil
}

type attemptRepo Store

func (r *attemptRepo) Get(_ context.Context, userID ulid.ULID) (*auth.LoginAttempt, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	a, ok := s.attempts[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &a, nil
}

func (r *attemptRepo) Save(_ context.Context, next *auth.LoginAttempt, expectedVersion int64) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	current, ok := s.attempts[next.UserID]
	switch {
	case !ok && expectedVersion != 0:
		return auth.ErrConflict
	case ok && current.Version != expectedVersion:
		return auth.ErrConflict
	}
	stored := *next
	stored.Version = expectedVersion + 1
	s.attempts[next.UserID] = stored
	return nil
}

func (r *attemptRepo) Reset(_ context.Context, userID ulid.ULID, ip string, at time.Time) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	current := s.attempts[userID]
	s.attempts[userID] = auth.LoginAttempt{
		UserID:        userID,
		LastIP:        ip,
		LastAttemptAt: at,
		Succeeded:     true,
		Version:       current.Version + 1,
	}
	return nil
}

type historyRepo Store

func (r *historyRepo) Recent(_ context.Context, userID ulid.ULID, limit int) ([]*auth.PasswordHistoryEntry, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	sorted := sortedHistory(s.history[userID])
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]*auth.PasswordHistoryEntry, len(sorted))
	for i := range sorted {
		out[i] = &sorted[i]
	}
	return out, nil
}

func (r *historyRepo) Append(_ context.Context, entry *auth.PasswordHistoryEntry) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.history[entry.UserID] = append(s.history[entry.UserID], *entry)
	return nil
}

func (r *historyRepo) Trim(_ context.Context, userID ulid.ULID, keep int) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	sorted := sortedHistory(s.history[userID])
	if len(sorted) <= keep {
		return 0, nil
	}
	s.history[userID] = sorted[:keep]
	return int64(len(sorted) - keep), nil
}

type resetRepo Store

func (r *resetRepo) Create(_ context.Context, token *auth.PasswordResetToken) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, t := range s.resets {
		if t.UserID == token.UserID && t.ConsumedAt == nil {
			return auth.ErrConflict
		}
	}
	s.resets[token.ID] = *token
	return nil
}

func (r *resetRepo) GetUnconsumedByHash(_ context.Context, tokenHash string) (*auth.PasswordResetToken, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	for _, t := range s.resets {
		if t.TokenHash == tokenHash && t.ConsumedAt == nil {
			return &t, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *resetRepo) DeleteUnconsumedByUser(_ context.Context, userID ulid.ULID) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.resets {
		if t.UserID == userID && t.ConsumedAt == nil {
			delete(s.resets, k)
			n++
		}
	}
	return n, nil
}

func (r *resetRepo) Consume(_ context.Context, id ulid.ULID, at time.Time) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	t, ok := s.resets[id]
	if !ok {
		return auth.ErrNotFound
	}
	if t.ConsumedAt != nil {
		return auth.ErrConflict
	}
	t.ConsumedAt = &at
	s.resets[id] = t
	return nil
}

func (r *resetRepo) ConsumeAllForUser(_ context.Context, userID ulid.ULID, at time.Time) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.resets {
		if t.UserID == userID && t.ConsumedAt == nil {
			t.ConsumedAt = &at
			s.resets[k] = t
			n++
		}
	}
	return n, nil
}

func (r *resetRepo) BindChallenge(_ context.Context, id ulid.ULID, questionID int) (int, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	t, ok := s.resets[id]
	if !ok || t.ConsumedAt != nil {
		return 0, auth.ErrNotFound
	}
	if t.ChallengeQuestionID == nil {
		q := questionID
		t.ChallengeQuestionID = &q
		s.resets[id] = t
	}
	return *t.ChallengeQuestionID, nil
}

func (r *resetRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.resets {
		if t.IsExpiredAt(now) {
			delete(s.resets, k)
			n++
		}
	}
	return n, nil
}

type questionRepo Store

func (r *questionRepo) List(_ context.Context) ([]auth.SecurityQuestion, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.questions))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *questionRepo) Ensure(_ context.Context, questions []auth.SecurityQuestion) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for _, q := range questions {
		if _, ok := s.questions[q.ID]; ok {
			continue
		}
		s.questions[q.ID] = q
		n++
	}
	return n, nil
}

type answerRepo Store

func (r *answerRepo) ListByUser(_ context.Context, userID ulid.ULID) ([]*auth.SecurityAnswer, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	stored := slices.Clone(s.answers[userID])
	sort.Slice(stored, func(i, j int) bool { return stored[i].QuestionID < stored[j].QuestionID })
	out := make([]*auth.SecurityAnswer, len(stored))
	for i := range stored {
		out[i] = &stored[i]
	}
	return out, nil
}

func (r *answerRepo) DeleteByUser(_ context.Context, userID ulid.ULID) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	n := int64(len(s.answers[userID]))
	delete(s.answers, userID)
	return n, nil
}

func (r *answerRepo) Create(_ context.Context, answer *auth.SecurityAnswer) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, a := range s.answers[answer.UserID] {
		if a.QuestionID == answer.QuestionID {
			return oops.Code("KBA_DUPLICATE_QUESTION").In(string(auth.KindValidation)).Errorf("duplicate question")
		}
	}
	s.answers[answer.UserID] = append(s.answers[answer.UserID], *answer)
	return nil
}

type sessionRepo Store

func (r *sessionRepo) Create(_ context.Context, session *auth.Session) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

func (r *sessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.TokenHash == tokenHash {
			return &sess, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *sessionRepo) UpdateLastSeen(_ context.Context, id ulid.ULID, lastSeen time.Time) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	sess.LastSeenAt = lastSeen
	s.sessions[id] = sess
	return nil
}

func (r *sessionRepo) Delete(_ context.Context, id ulid.ULID) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (r *sessionRepo) DeleteByUser(_ context.Context, userID ulid.ULID, keep *ulid.ULID) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, sess := range s.sessions {
		if sess.UserID != userID || (keep != nil && k == *keep) {
			continue
		}
		delete(s.sessions, k)
		n++
	}
	return n, nil
}

func (r *sessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k, sess := range s.sessions {
		if sess.IsExpiredAt(now) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

type eventRepo Store

func (r *eventRepo) Append(_ context.Context, event *auth.SecurityEvent) error {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (r *eventRepo) Recent(_ context.Context, limit int) ([]*auth.SecurityEvent, error) {
	s := (*Store)(r)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]*auth.SecurityEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		out = append(out, &e)
	}
	return out, nil
}
