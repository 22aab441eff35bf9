// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role is a user's authorization role.
type Role string

// Roles.
const (
	RoleStudent Role = "student"
	RoleLabtech Role = "labtech"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleLabtech, RoleAdmin:
		return true
	}
	return false
}

// SelfServiceRole returns the role a registering user gets. Only student and
// labtech can be requested; anything else falls back to student.
func SelfServiceRole(requested string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(requested))) {
	case RoleLabtech:
		return RoleLabtech
	default:
		return RoleStudent
	}
}

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
)

// DefaultProfilePicture is assigned to new accounts.
const DefaultProfilePicture = "https://www.redditstatic.com/avatars/avatar_default_02_4856A3.png"

var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]*$`)

// User represents an account.
type User struct {
	ID                ulid.ULID
	Username          string
	Email             string
	PasswordHash      string
	PasswordChangedAt *time.Time
	Role              Role
	FirstName         string
	LastName          string
	Description       string
	ProfilePicture    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PasswordAnchor returns the time the current password was set, falling back
// to account creation for rows that never recorded a change.
func (u *User) PasswordAnchor() time.Time {
	if u.PasswordChangedAt != nil && !u.PasswordChangedAt.IsZero() {
		return *u.PasswordChangedAt
	}
	return u.CreatedAt
}

// ValidateUsername validates a username against the account rules.
func ValidateUsername(username string) error {
	if username == "" {
		return validationErr("AUTH_INVALID_USERNAME").Errorf("Username is required")
	}
	if len(username) < MinUsernameLength {
		return validationErr("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Errorf("Username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return validationErr("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("Username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return validationErr("AUTH_INVALID_USERNAME").
			Errorf("Username must start with a letter and contain only letters, numbers, dots and underscores")
	}
	return nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks that a normalized email belongs to the allowed domain.
// domain includes the leading "@", for example "@dlsu.edu.ph".
func ValidateEmail(email, domain string) error {
	local, _, found := strings.Cut(email, "@")
	if !found || local == "" || strings.ContainsAny(email, " \t\r\n") {
		return validationErr("AUTH_INVALID_EMAIL").Errorf("Email address is not valid")
	}
	if domain != "" && !strings.HasSuffix(email, strings.ToLower(domain)) {
		return validationErr("AUTH_INVALID_EMAIL").
			With("domain", domain).
			Errorf("Email must be a valid %s address", domain)
	}
	return nil
}

// SplitName splits a display name into first and last name.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create stores a new user. Returns a validation error if the username
	// or email is already taken.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByUsername retrieves a user by username (case-insensitive).
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdatePassword replaces the password hash only if it still equals
	// oldHash. Returns ErrConflict if another change won.
	UpdatePassword(ctx context.Context, id ulid.ULID, oldHash, newHash string, changedAt time.Time) error

	// UpdateDescription replaces the profile description.
	UpdateDescription(ctx context.Context, id ulid.ULID, description string) error

	// UpdateProfilePicture replaces the profile picture URL.
	UpdateProfilePicture(ctx context.Context, id ulid.ULID, pictureURL string) error

	// Delete removes a user and everything owned by it.
	Delete(ctx context.Context, id ulid.ULID) error
}

// lookupByIdentifier resolves a username or email to a user.
func lookupByIdentifier(ctx context.Context, users UserRepository, identifier string) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}
	user, err := users.GetByUsername(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	if !strings.Contains(identifier, "@") {
		return nil, err
	}
	return users.GetByEmail(ctx, NormalizeEmail(identifier))
}
