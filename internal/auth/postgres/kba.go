// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/auth"
)

// SecurityQuestionRepository implements auth.SecurityQuestionRepository.
type SecurityQuestionRepository struct {
	pool Pool
}

// NewSecurityQuestionRepository creates a SecurityQuestionRepository.
func NewSecurityQuestionRepository(pool Pool) *SecurityQuestionRepository {
	return &SecurityQuestionRepository{pool: pool}
}

// List returns all questions ordered by ID.
func (r *SecurityQuestionRepository) List(ctx context.Context) ([]auth.SecurityQuestion, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT id, prompt, min_answer_len FROM security_questions ORDER BY id`)
	if err != nil {
		return nil, dbErr("KBA_QUESTIONS_QUERY_FAILED", "list security questions").Wrap(err)
	}
	questions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (auth.SecurityQuestion, error) {
		var q auth.SecurityQuestion
		err := row.Scan(&q.ID, &q.Prompt, &q.MinAnswerLen)
		return q, err
	})
	if err != nil {
		return nil, dbErr("KBA_QUESTIONS_SCAN_FAILED", "scan security questions").Wrap(err)
	}
	return questions, nil
}

// Ensure inserts missing questions and leaves existing ones untouched.
func (r *SecurityQuestionRepository) Ensure(ctx context.Context, questions []auth.SecurityQuestion) (int64, error) {
	var added int64
	for _, q := range questions {
		tag, err := conn(ctx, r.pool).Exec(ctx, `
			INSERT INTO security_questions (id, prompt, min_answer_len) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`,
			q.ID, q.Prompt, q.MinAnswerLen)
		if err != nil {
			return added, dbErr("KBA_QUESTIONS_ENSURE_FAILED", "insert security question").With("question_id", q.ID).Wrap(err)
		}
		added += tag.RowsAffected()
	}
	return added, nil
}

// SecurityAnswerRepository implements auth.SecurityAnswerRepository.
type SecurityAnswerRepository struct {
	pool Pool
}

// NewSecurityAnswerRepository creates a SecurityAnswerRepository.
func NewSecurityAnswerRepository(pool Pool) *SecurityAnswerRepository {
	return &SecurityAnswerRepository{pool: pool}
}

// ListByUser returns a user's answers ordered by question ID.
func (r *SecurityAnswerRepository) ListByUser(ctx context.Context, userID ulid.ULID) ([]*auth.SecurityAnswer, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT question_id, answer_hash, created_at FROM security_answers
		WHERE user_id = $1 ORDER BY question_id`, userID.String())
	if err != nil {
		return nil, dbErr("KBA_ANSWERS_QUERY_FAILED", "list security answers").With("user_id", userID.String()).Wrap(err)
	}
	answers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*auth.SecurityAnswer, error) {
		a := &auth.SecurityAnswer{UserID: userID}
		err := row.Scan(&a.QuestionID, &a.AnswerHash, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, dbErr("KBA_ANSWERS_SCAN_FAILED", "scan security answers").With("user_id", userID.String()).Wrap(err)
	}
	return answers, nil
}

// DeleteByUser removes all of a user's answers.
func (r *SecurityAnswerRepository) DeleteByUser(ctx context.Context, userID ulid.ULID) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM security_answers WHERE user_id = $1`, userID.String())
	if err != nil {
		return 0, dbErr("KBA_ANSWERS_DELETE_FAILED", "delete security answers").With("user_id", userID.String()).Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// Create stores an answer.
func (r *SecurityAnswerRepository) Create(ctx context.Context, answer *auth.SecurityAnswer) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO security_answers (user_id, question_id, answer_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		answer.UserID.String(), answer.QuestionID, answer.AnswerHash, answer.CreatedAt)
	if _, ok := isUniqueViolation(err); ok {
		return oops.Code("KBA_DUPLICATE_QUESTION").
			In(string(auth.KindValidation)).
			With("question_id", answer.QuestionID).
			Errorf("Each security question can only be answered once")
	}
	if err != nil {
		return dbErr("KBA_ANSWER_CREATE_FAILED", "insert security answer").With("user_id", answer.UserID.String()).Wrap(err)
	}
	return nil
}
