// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/auth"
)

const userColumns = `id, username, email, password_hash, password_changed_at, role,
	first_name, last_name, description, profile_picture, created_at, updated_at`

// UserRepository implements auth.UserRepository.
type UserRepository struct {
	pool Pool
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(pool Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create stores a new user. Unique index violations on username or email
// become the matching validation errors.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		user.ID.String(), user.Username, user.Email, user.PasswordHash, user.PasswordChangedAt,
		string(user.Role), user.FirstName, user.LastName, user.Description, user.ProfilePicture,
		user.CreatedAt, user.UpdatedAt,
	)
	if constraint, ok := isUniqueViolation(err); ok {
		if strings.Contains(constraint, "email") {
			return auth.EmailTakenError()
		}
		return auth.UsernameTakenError()
	}
	if err != nil {
		return dbErr("USER_CREATE_FAILED", "insert user").With("user_id", user.ID.String()).Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())
	return r.scan(row, "id", id.String())
}

// GetByUsername retrieves a user by username, ignoring case.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username)
	return r.scan(row, "username", username)
}

// GetByEmail retrieves a user by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email)
	return r.scan(row, "email", email)
}

// UpdatePassword swaps the hash only while it still equals oldHash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id ulid.ULID, oldHash, newHash string, changedAt time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE users SET password_hash = $3, password_changed_at = $4, updated_at = $4
		WHERE id = $1 AND password_hash = $2`,
		id.String(), oldHash, newHash, changedAt)
	if err != nil {
		return dbErr("USER_UPDATE_PASSWORD_FAILED", "update password").With("user_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_PASSWORD_CONFLICT").With("user_id", id.String()).Wrap(auth.ErrConflict)
	}
	return nil
}

// UpdateDescription replaces the profile description.
func (r *UserRepository) UpdateDescription(ctx context.Context, id ulid.ULID, description string) error {
	return r.updateColumn(ctx, id, "description", description)
}

// UpdateProfilePicture replaces the profile picture URL.
func (r *UserRepository) UpdateProfilePicture(ctx context.Context, id ulid.ULID, pictureURL string) error {
	return r.updateColumn(ctx, id, "profile_picture", pictureURL)
}

// column is never user input.
func (r *UserRepository) updateColumn(ctx context.Context, id ulid.ULID, column, value string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE users SET `+column+` = $2, updated_at = NOW() WHERE id = $1`, id.String(), value)
	if err != nil {
		return dbErr("USER_UPDATE_FAILED", "update "+column).With("user_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("user_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a user. Sessions, history, tokens, answers and the attempt
// record go with it through ON DELETE CASCADE.
func (r *UserRepository) Delete(ctx context.Context, id ulid.ULID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM users WHERE id = $1`, id.String())
	if err != nil {
		return dbErr("USER_DELETE_FAILED", "delete user").With("user_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("user_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func (r *UserRepository) scan(row pgx.Row, key, value string) (*auth.User, error) {
	var (
		u    auth.User
		id   string
		role string
	)
	err := row.Scan(&id, &u.Username, &u.Email, &u.PasswordHash, &u.PasswordChangedAt, &role,
		&u.FirstName, &u.LastName, &u.Description, &u.ProfilePicture, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With(key, value).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("USER_GET_FAILED", "get user by "+key).With(key, value).Wrap(err)
	}
	if u.ID, err = parseULID(id, "user_id"); err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	return &u, nil
}
