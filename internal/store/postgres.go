// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

// Package store owns the PostgreSQL connection pool and the schema migrations
// for Labyrinth accounts and credentials.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// ConnectOptions tunes Connect.
type ConnectOptions struct {
	// MaxConns overrides the pool size when positive.
	MaxConns int32
	// PingAttempts is how many pings are tried before giving up. Zero means 5.
	PingAttempts uint64
	// PingBackoff is the first delay between pings. Zero means 200ms.
	PingBackoff time.Duration
}

// Connect opens a pool for databaseURL and waits until the server answers a
// ping. The database is often still starting when the service starts, so
// failed pings are retried with exponential backoff.
func Connect(ctx context.Context, databaseURL string, opts ConnectOptions) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, oops.Code("DB_URL_MISSING").Errorf("database url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").Wrap(err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}

	attempts := opts.PingAttempts
	if attempts == 0 {
		attempts = 5
	}
	backoff := opts.PingBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	// WithMaxRetries counts retries, not attempts.
	b := retry.WithMaxRetries(attempts-1, retry.NewExponential(backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").With("attempts", attempts).Wrap(err)
	}
	return pool, nil
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ready reports whether the database answers within timeout. It backs the
// readiness check.
func Ready(ctx context.Context, db Pinger, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.Ping(ctx) == nil
}
