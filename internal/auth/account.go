// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MaxDescriptionLength bounds the profile description.
const MaxDescriptionLength = 500

// RegisterRequest is a self-service registration.
type RegisterRequest struct {
	Name            string
	Email           string
	Username        string
	Password        string
	ConfirmPassword string
	Role            string
	IPAddress       string
}

// AccountService handles registration and profile management.
type AccountService struct {
	users       UserRepository
	hasher      PasswordHasher
	events      *SecurityEventLog
	emailDomain string
	logger      *slog.Logger
	now         func() time.Time
}

// NewAccountService creates an AccountService. emailDomain restricts
// registrations (for example "@dlsu.edu.ph"); empty allows any domain.
func NewAccountService(users UserRepository, hasher PasswordHasher, events *SecurityEventLog, emailDomain string, opts ...Option) (*AccountService, error) {
	if users == nil {
		return nil, oops.Code("ACCOUNT_INVALID_CONFIG").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("ACCOUNT_INVALID_CONFIG").Errorf("password hasher is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &AccountService{
		users:       users,
		hasher:      hasher,
		events:      events,
		emailDomain: emailDomain,
		logger:      o.logger,
		now:         o.now,
	}, nil
}

// Register creates a new account.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	username := strings.TrimSpace(req.Username)
	email := NormalizeEmail(req.Email)

	reject := func(field string, err error) (*User, error) {
		s.events.Record(ctx, SecurityEvent{
			Username:  username,
			Event:     EventRegisterRejected,
			Field:     field,
			Message:   err.Error(),
			IPAddress: req.IPAddress,
		})
		return nil, err
	}

	if err := ValidateEmail(email, s.emailDomain); err != nil {
		return reject("email", err)
	}
	if err := ValidateUsername(username); err != nil {
		return reject("username", err)
	}

	_, err := s.users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		return reject("username", UsernameTakenError())
	case !isNotFound(err):
		return nil, oops.Code("REGISTER_FAILED").With("operation", "check username").Wrap(err)
	}
	_, err = s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return reject("email", EmailTakenError())
	case !isNotFound(err):
		return nil, oops.Code("REGISTER_FAILED").With("operation", "check email").Wrap(err)
	}

	if err := ValidatePasswordComplexity(req.Password); err != nil {
		return reject("password", err)
	}
	if req.Password != req.ConfirmPassword {
		return reject("confirmPassword", validationErr("AUTH_PASSWORD_MISMATCH").Errorf("Passwords do not match!"))
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, oops.Code("REGISTER_FAILED").With("operation", "hash password").Wrap(err)
	}

	now := s.now()
	first, last := SplitName(req.Name)
	user := &User{
		ID:                ulid.Make(),
		Username:          username,
		Email:             email,
		PasswordHash:      hash,
		PasswordChangedAt: &now,
		Role:              SelfServiceRole(req.Role),
		FirstName:         first,
		LastName:          last,
		ProfilePicture:    DefaultProfilePicture,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		switch CodeOf(err) {
		case CodeUsernameTaken:
			return reject("username", err)
		case CodeEmailTaken:
			return reject("email", err)
		}
		return nil, oops.Code("REGISTER_FAILED").With("operation", "create user").Wrap(err)
	}

	s.logger.Info("user registered", "user_id", user.ID.String(), "role", user.Role)
	return user, nil
}

// Profile returns the user's account.
func (s *AccountService) Profile(ctx context.Context, userID ulid.ULID) (*User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if isNotFound(err) {
		return nil, notFoundErr("ACCOUNT_NOT_FOUND").Errorf("User not found")
	}
	if err != nil {
		return nil, oops.Code("PROFILE_FAILED").Wrap(err)
	}
	return user, nil
}

// UpdateDescription replaces the profile description.
func (s *AccountService) UpdateDescription(ctx context.Context, userID ulid.ULID, description string) error {
	description = strings.TrimSpace(description)
	if len(description) > MaxDescriptionLength {
		return validationErr("PROFILE_DESCRIPTION_TOO_LONG").
			With("max", MaxDescriptionLength).
			Errorf("Description must be at most %d characters", MaxDescriptionLength)
	}
	if err := s.users.UpdateDescription(ctx, userID, description); err != nil {
		if isNotFound(err) {
			return notFoundErr("ACCOUNT_NOT_FOUND").Errorf("User not found")
		}
		return oops.Code("PROFILE_UPDATE_FAILED").With("field", "description").Wrap(err)
	}
	return nil
}

// UpdateProfilePicture replaces the profile picture with an http(s) URL.
func (s *AccountService) UpdateProfilePicture(ctx context.Context, userID ulid.ULID, pictureURL string) error {
	pictureURL = strings.TrimSpace(pictureURL)
	u, err := url.Parse(pictureURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return validationErr("PROFILE_PICTURE_INVALID").Errorf("Profile picture must be an http(s) URL")
	}
	if err := s.users.UpdateProfilePicture(ctx, userID, pictureURL); err != nil {
		if isNotFound(err) {
			return notFoundErr("ACCOUNT_NOT_FOUND").Errorf("User not found")
		}
		return oops.Code("PROFILE_UPDATE_FAILED").With("field", "profile_picture").Wrap(err)
	}
	return nil
}

// DeleteAccount removes the user. Owned rows go with it.
func (s *AccountService) DeleteAccount(ctx context.Context, userID ulid.ULID) error {
	if err := s.users.Delete(ctx, userID); err != nil {
		if isNotFound(err) {
			return notFoundErr("ACCOUNT_NOT_FOUND").Errorf("User not found")
		}
		return oops.Code("ACCOUNT_DELETE_FAILED").Wrap(err)
	}
	s.logger.Info("account deleted", "user_id", userID.String())
	return nil
}
