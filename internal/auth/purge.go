// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/pkg/errutil"
)

// ExpiredRecordPurger deletes sessions and reset tokens past their expiry.
// Expired rows are already rejected on read; purging only bounds table size.
type ExpiredRecordPurger struct {
	sessions SessionRepository
	resets   PasswordResetRepository
	logger   *slog.Logger
	now      func() time.Time
}

// PurgeResult counts the rows removed by one pass.
type PurgeResult struct {
	Sessions    int64
	ResetTokens int64
}

// NewExpiredRecordPurger creates an ExpiredRecordPurger.
func NewExpiredRecordPurger(sessions SessionRepository, resets PasswordResetRepository, opts ...Option) (*ExpiredRecordPurger, error) {
	if sessions == nil {
		return nil, oops.Code("PURGE_INVALID_CONFIG").Errorf("session repository is required")
	}
	if resets == nil {
		return nil, oops.Code("PURGE_INVALID_CONFIG").Errorf("reset token repository is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &ExpiredRecordPurger{
		sessions: sessions,
		resets:   resets,
		logger:   o.logger,
		now:      o.now,
	}, nil
}

// Purge removes expired sessions, then expired reset tokens. A session
// failure does not skip the token pass; the first error is returned.
func (p *ExpiredRecordPurger) Purge(ctx context.Context) (PurgeResult, error) {
	now := p.now()
	var res PurgeResult
	var firstErr error

	n, err := p.sessions.DeleteExpired(ctx, now)
	if err != nil {
		firstErr = oops.Code("PURGE_FAILED").In(string(KindPersistence)).
			With("table", "sessions").Wrap(err)
	}
	res.Sessions = n

	n, err = p.resets.DeleteExpired(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = oops.Code("PURGE_FAILED").In(string(KindPersistence)).
			With("table", "password_reset_tokens").Wrap(err)
	}
	res.ResetTokens = n

	return res, firstErr
}

// Run purges every interval until ctx is done. The first pass happens one
// interval after Run starts. Failures are logged and the loop continues.
func (p *ExpiredRecordPurger) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return oops.Code("PURGE_INVALID_CONFIG").With("interval", interval).Errorf("purge interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := p.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				errutil.LogWarn(p.logger, "expired record purge failed", err)
				continue
			}
			if res.Sessions > 0 || res.ResetTokens > 0 {
				p.logger.InfoContext(ctx, "purged expired records",
					"sessions", res.Sessions, "reset_tokens", res.ResetTokens)
			}
		}
	}
}
