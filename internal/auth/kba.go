// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/observability"
)

// KBA enrollment rules.
const (
	// PassphraseQuestionID marks an answer row that holds a recovery passphrase.
	PassphraseQuestionID = -1

	// MinPassphraseLength is the minimum normalized passphrase length.
	MinPassphraseLength = 20

	// RequiredSecurityAnswers is the number of question answers to enroll.
	RequiredSecurityAnswers = 3

	// PassphrasePrompt is shown when the challenge is the passphrase.
	PassphrasePrompt = "Enter your recovery passphrase"
)

// SecurityQuestion is a question users can answer during enrollment.
type SecurityQuestion struct {
	ID           int
	Prompt       string
	MinAnswerLen int
}

var defaultSecurityQuestions = []SecurityQuestion{
	{ID: 1, Prompt: "What was the name of your first pet?", MinAnswerLen: 2},
	{ID: 2, Prompt: "What city were you born in?", MinAnswerLen: 3},
	{ID: 3, Prompt: "What was the name of your elementary school?", MinAnswerLen: 4},
	{ID: 4, Prompt: "What is your mother's maiden name?", MinAnswerLen: 2},
	{ID: 5, Prompt: "What was the make of your first car?", MinAnswerLen: 2},
	{ID: 6, Prompt: "What is the name of the street you grew up on?", MinAnswerLen: 3},
	{ID: 7, Prompt: "What was your childhood nickname?", MinAnswerLen: 2},
	{ID: 8, Prompt: "What is the middle name of your oldest sibling?", MinAnswerLen: 2},
}

// DefaultSecurityQuestions returns the built-in question pool, used when the
// store has none.
func DefaultSecurityQuestions() []SecurityQuestion {
	out := make([]SecurityQuestion, len(defaultSecurityQuestions))
	copy(out, defaultSecurityQuestions)
	return out
}

// SecurityAnswer is a stored, hashed answer.
type SecurityAnswer struct {
	UserID     ulid.ULID
	QuestionID int
	AnswerHash string
	CreatedAt  time.Time
}

// SecurityQuestionRepository manages the question catalog.
type SecurityQuestionRepository interface {
	// List returns all questions ordered by ID.
	List(ctx context.Context) ([]SecurityQuestion, error)

	// Ensure inserts questions that do not exist yet and returns how many
	// were added.
	Ensure(ctx context.Context, questions []SecurityQuestion) (int64, error)
}

// SecurityAnswerRepository manages enrolled answers.
type SecurityAnswerRepository interface {
	// ListByUser returns a user's answers ordered by question ID.
	ListByUser(ctx context.Context, userID ulid.ULID) ([]*SecurityAnswer, error)

	// DeleteByUser removes all of a user's answers.
	DeleteByUser(ctx context.Context, userID ulid.ULID) (int64, error)

	// Create stores an answer.
	Create(ctx context.Context, answer *SecurityAnswer) error
}

// AnswerHasher hashes security answers: normalize, HMAC with a server-side
// pepper, then the slow hash.
type AnswerHasher struct {
	pepper []byte
	hasher PasswordHasher
}

// NewAnswerHasher creates an AnswerHasher.
func NewAnswerHasher(pepper string, hasher PasswordHasher) (*AnswerHasher, error) {
	if pepper == "" {
		return nil, oops.Code("KBA_INVALID_CONFIG").Errorf("KBA pepper is required")
	}
	if hasher == nil {
		return nil, oops.Code("KBA_INVALID_CONFIG").Errorf("password hasher is required")
	}
	return &AnswerHasher{pepper: []byte(pepper), hasher: hasher}, nil
}

func (h *AnswerHasher) peppered(answer string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(NormalizeAnswer(answer)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Hash returns the stored form of an answer.
func (h *AnswerHasher) Hash(answer string) (string, error) {
	return h.hasher.Hash(h.peppered(answer))
}

// Verify reports whether answer matches a stored hash.
func (h *AnswerHasher) Verify(answer, hash string) bool {
	return h.hasher.Verify(h.peppered(answer), hash)
}

// EnrollmentAnswer is one question/answer pair submitted for enrollment.
type EnrollmentAnswer struct {
	QuestionID int
	Answer     string
}

// Enrollment is a KBA enrollment request: either exactly
// RequiredSecurityAnswers answers or a passphrase.
type Enrollment struct {
	Answers    []EnrollmentAnswer
	Passphrase string
}

// EnrollmentStatus summarizes a user's KBA enrollment.
type EnrollmentStatus struct {
	Enrolled bool
	Count    int
}

// KBAService handles KBA enrollment, challenges and verification.
type KBAService struct {
	questions SecurityQuestionRepository
	answers   SecurityAnswerRepository
	hasher    *AnswerHasher
	tx        Transactor
	logger    *slog.Logger
	now       func() time.Time
}

// NewKBAService creates a KBAService.
func NewKBAService(
	questions SecurityQuestionRepository,
	answers SecurityAnswerRepository,
	hasher *AnswerHasher,
	tx Transactor,
	opts ...Option,
) (*KBAService, error) {
	if questions == nil {
		return nil, oops.Code("KBA_INVALID_CONFIG").Errorf("security question repository is required")
	}
	if answers == nil {
		return nil, oops.Code("KBA_INVALID_CONFIG").Errorf("security answer repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("KBA_INVALID_CONFIG").Errorf("answer hasher is required")
	}
	if tx == nil {
		return nil, oops.Code("KBA_INVALID_CONFIG").Errorf("transactor is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &KBAService{
		questions: questions,
		answers:   answers,
		hasher:    hasher,
		tx:        tx,
		logger:    o.logger,
		now:       o.now,
	}, nil
}

// Questions returns the question catalog, or the built-in pool if the
// store has none.
func (s *KBAService) Questions(ctx context.Context) ([]SecurityQuestion, error) {
	questions, err := s.questions.List(ctx)
	if err != nil {
		return nil, oops.Code("KBA_QUESTIONS_FAILED").Wrap(err)
	}
	if len(questions) == 0 {
		return DefaultSecurityQuestions(), nil
	}
	return questions, nil
}

// Enroll validates and stores a user's enrollment, replacing any previous one.
func (s *KBAService) Enroll(ctx context.Context, userID ulid.ULID, req Enrollment) error {
	rows, err := s.prepareEnrollment(ctx, userID, req)
	if err != nil {
		return err
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.answers.DeleteByUser(ctx, userID); err != nil {
			return oops.Code("KBA_ENROLL_FAILED").With("operation", "delete previous").Wrap(err)
		}
		for _, row := range rows {
			if err := s.answers.Create(ctx, row); err != nil {
				return oops.Code("KBA_ENROLL_FAILED").
					With("operation", "insert answer").
					With("question_id", row.QuestionID).
					Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return oops.With("user_id", userID.String()).Wrap(err)
	}

	s.logger.Info("kba enrolled", "user_id", userID.String(), "count", len(rows))
	return nil
}

func (s *KBAService) prepareEnrollment(ctx context.Context, userID ulid.ULID, req Enrollment) ([]*SecurityAnswer, error) {
	now := s.now()

	if req.Passphrase != "" {
		if len(req.Answers) > 0 {
			return nil, validationErr("KBA_INVALID_ENROLLMENT").
				Errorf("Provide either %d answers or a passphrase, not both", RequiredSecurityAnswers)
		}
		if len([]rune(NormalizeAnswer(req.Passphrase))) < MinPassphraseLength {
			return nil, validationErr("KBA_PASSPHRASE_TOO_SHORT").
				With("min", MinPassphraseLength).
				Errorf("Passphrase must be at least %d characters", MinPassphraseLength)
		}
		hash, err := s.hasher.Hash(req.Passphrase)
		if err != nil {
			return nil, oops.Code("KBA_HASH_FAILED").Wrap(err)
		}
		return []*SecurityAnswer{{
			UserID:     userID,
			QuestionID: PassphraseQuestionID,
			AnswerHash: hash,
			CreatedAt:  now,
		}}, nil
	}

	if len(req.Answers) != RequiredSecurityAnswers {
		return nil, validationErr("KBA_INVALID_ENROLLMENT").
			With("count", len(req.Answers)).
			Errorf("Exactly %d security answers are required", RequiredSecurityAnswers)
	}

	catalog, err := s.Questions(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]SecurityQuestion, len(catalog))
	for _, q := range catalog {
		byID[q.ID] = q
	}

	seen := make(map[int]struct{}, len(req.Answers))
	rows := make([]*SecurityAnswer, 0, len(req.Answers))
	for _, a := range req.Answers {
		question, ok := byID[a.QuestionID]
		if !ok {
			return nil, validationErr("KBA_UNKNOWN_QUESTION").
				With("question_id", a.QuestionID).
				Errorf("Unknown security question %d", a.QuestionID)
		}
		if _, dup := seen[a.QuestionID]; dup {
			return nil, validationErr("KBA_DUPLICATE_QUESTION").
				With("question_id", a.QuestionID).
				Errorf("Security questions must be distinct")
		}
		seen[a.QuestionID] = struct{}{}

		if len([]rune(NormalizeAnswer(a.Answer))) < question.MinAnswerLen {
			return nil, validationErr("KBA_ANSWER_TOO_SHORT").
				With("question_id", a.QuestionID).
				With("min", question.MinAnswerLen).
				Errorf("Answer to %q must be at least %d characters", question.Prompt, question.MinAnswerLen)
		}

		hash, err := s.hasher.Hash(a.Answer)
		if err != nil {
			return nil, oops.Code("KBA_HASH_FAILED").With("question_id", a.QuestionID).Wrap(err)
		}
		rows = append(rows, &SecurityAnswer{
			UserID:     userID,
			QuestionID: a.QuestionID,
			AnswerHash: hash,
			CreatedAt:  now,
		})
	}
	return rows, nil
}

// Status reports whether the user has enrolled and how many rows they hold.
func (s *KBAService) Status(ctx context.Context, userID ulid.ULID) (EnrollmentStatus, error) {
	answers, err := s.answers.ListByUser(ctx, userID)
	if err != nil {
		return EnrollmentStatus{}, oops.Code("KBA_STATUS_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return EnrollmentStatus{Enrolled: len(answers) > 0, Count: len(answers)}, nil
}

// Challenge picks one of the user's enrolled questions at random. It returns
// nil if the user has not enrolled.
func (s *KBAService) Challenge(ctx context.Context, userID ulid.ULID) (*SecurityQuestion, error) {
	answers, err := s.answers.ListByUser(ctx, userID)
	if err != nil {
		return nil, oops.Code("KBA_CHALLENGE_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	if len(answers) == 0 {
		return nil, nil
	}

	picked := answers[rand.IntN(len(answers))]
	return s.Question(ctx, picked.QuestionID)
}

// Question resolves a question id, including the passphrase id, to its prompt.
func (s *KBAService) Question(ctx context.Context, questionID int) (*SecurityQuestion, error) {
	if questionID == PassphraseQuestionID {
		return &SecurityQuestion{
			ID:           PassphraseQuestionID,
			Prompt:       PassphrasePrompt,
			MinAnswerLen: MinPassphraseLength,
		}, nil
	}

	catalog, err := s.Questions(ctx)
	if err != nil {
		return nil, err
	}
	for _, q := range catalog {
		if q.ID == questionID {
			return &q, nil
		}
	}
	return nil, oops.Code("KBA_QUESTION_MISSING").
		With("question_id", questionID).
		Errorf("enrolled question %d is not in the catalog", questionID)
}

// Verify checks an answer to one of the user's enrolled questions.
// Returns nil if the user has not enrolled.
func (s *KBAService) Verify(ctx context.Context, userID ulid.ULID, questionID int, answer string) error {
	answers, err := s.answers.ListByUser(ctx, userID)
	if err != nil {
		return oops.Code("KBA_VERIFY_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	if len(answers) == 0 {
		return nil
	}
	if NormalizeAnswer(answer) == "" {
		return validationErr("KBA_ANSWER_REQUIRED").Errorf("Security answer is required")
	}

	for _, stored := range answers {
		if stored.QuestionID != questionID {
			continue
		}
		if s.hasher.Verify(answer, stored.AnswerHash) {
			observability.RecordKBAVerification("correct")
			return nil
		}
		break
	}
	observability.RecordKBAVerification("incorrect")
	return authenticationErr("KBA_ANSWER_INCORRECT").
		With("question_id", questionID).
		Errorf("Security answer is incorrect")
}
