// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by conditional writes that lost a race.
var ErrConflict = errors.New("concurrent modification")

// Kind classifies an error for callers that need to pick a response.
// It travels as the oops domain of the error.
type Kind string

// Error kinds.
const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindRateLimit      Kind = "rate_limit"
	KindNotFound       Kind = "not_found"
	KindPersistence    Kind = "persistence"
	KindDependency     Kind = "dependency"
)

// KindOf returns the kind of err. Unclassified errors are persistence failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if domain := oopsErr.Domain(); domain != "" {
			return Kind(domain)
		}
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindPersistence
}

// CodeOf returns the oops code of err, or "" if it has none.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// HasCode reports whether err carries code. oops errors all match each other
// under errors.Is, so the oops sentinels below are told apart by code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Error codes callers branch on.
const (
	CodeAccountLocked      = "AUTH_ACCOUNT_LOCKED"
	CodeUsernameTaken      = "AUTH_USERNAME_TAKEN"
	CodeEmailTaken         = "AUTH_EMAIL_TAKEN"
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeNotAuthenticated   = "AUTH_NOT_AUTHENTICATED"
	CodeEmptyPassword      = "AUTH_EMPTY_PASSWORD"
	CodeInvalidResetToken  = "RESET_TOKEN_INVALID"
)

// UsernameTakenError reports a username that already belongs to an account.
func UsernameTakenError() error {
	return validationErr(CodeUsernameTaken).Errorf("Username is already taken!")
}

// EmailTakenError reports an email that already belongs to an account.
func EmailTakenError() error {
	return validationErr(CodeEmailTaken).Errorf("Email is already in use!")
}

func validationErr(code string) oops.OopsErrorBuilder {
	return oops.Code(code).In(string(KindValidation))
}

func authenticationErr(code string) oops.OopsErrorBuilder {
	return oops.Code(code).In(string(KindAuthentication))
}

func rateLimitErr(code string) oops.OopsErrorBuilder {
	return oops.Code(code).In(string(KindRateLimit))
}

func notFoundErr(code string) oops.OopsErrorBuilder {
	return oops.Code(code).In(string(KindNotFound))
}

// ErrInvalidCredentials is returned for any failed username/password login.
var ErrInvalidCredentials = authenticationErr(CodeInvalidCredentials).
	Errorf("Invalid Username/Password")

// ErrInvalidResetToken is returned for missing, expired or consumed reset tokens.
var ErrInvalidResetToken = validationErr(CodeInvalidResetToken).
	Errorf("Invalid or used token")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
