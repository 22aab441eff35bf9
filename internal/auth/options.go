// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"log/slog"
	"time"

	"github.com/samber/oops"
)

// Option configures a service.
type Option func(*options) error

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	sessionTTL time.Duration
}

// WithLogger sets the logger a service writes to.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return oops.Code("AUTH_INVALID_OPTION").Errorf("logger is required")
		}
		o.logger = logger
		return nil
	}
}

// WithClock replaces time.Now. Used by tests that need deterministic time.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return oops.Code("AUTH_INVALID_OPTION").Errorf("clock is required")
		}
		o.now = now
		return nil
	}
}

// WithSessionTTL sets how long new sessions stay valid. Only AuthService
// reads it.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl <= 0 {
			return oops.Code("AUTH_INVALID_OPTION").With("ttl", ttl).Errorf("session ttl must be positive")
		}
		o.sessionTTL = ttl
		return nil
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		sessionTTL: SessionTokenExpiry,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}
