// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

const maxBodyBytes = 1 << 20

// messageResponse is the body of every non-data response.
type messageResponse struct {
	Message string `json:"message"`
}

type lockedResponse struct {
	Message     string    `json:"message"`
	LockedUntil time.Time `json:"locked_until"`
}

const (
	internalErrorMessage = "Internal server error"
	codeBadRequest       = "WEB_BAD_REQUEST"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, messageResponse{Message: msg})
}

// decode reads a JSON body into v. An empty body leaves v zeroed so that
// the service reports the missing fields.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return oops.Code(codeBadRequest).In(string(auth.KindValidation)).Wrapf(err, "Invalid JSON body")
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch auth.KindOf(err) {
	case auth.KindValidation:
		return http.StatusBadRequest
	case auth.KindAuthentication:
		return http.StatusUnauthorized
	case auth.KindAuthorization:
		return http.StatusForbidden
	case auth.KindRateLimit:
		if auth.CodeOf(err) == auth.CodeAccountLocked {
			return http.StatusForbidden
		}
		return http.StatusTooManyRequests
	case auth.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Server-side failures are logged and replaced with
// a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		errutil.LogError(s.logger.With(
			"method", r.Method,
			"path", r.URL.Path), "request failed", err)
		s.writeMessage(w, status, internalErrorMessage)
		return
	}

	msg := publicMessage(err)
	if until, ok := lockedUntil(err); ok {
		s.writeJSON(w, status, lockedResponse{Message: msg, LockedUntil: until})
		return
	}
	s.writeMessage(w, status, msg)
}

// publicMessage hides decoder detail behind a fixed message.
func publicMessage(err error) string {
	if auth.CodeOf(err) == codeBadRequest {
		return "Invalid JSON body"
	}
	return err.Error()
}

func lockedUntil(err error) (time.Time, bool) {
	if auth.CodeOf(err) != auth.CodeAccountLocked {
		return time.Time{}, false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return time.Time{}, false
	}
	until, ok := oopsErr.Context()["locked_until"].(time.Time)
	return until, ok
}
