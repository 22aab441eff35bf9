// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package main

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/labyrinth/labyrinth/internal/auth/postgres"
	"github.com/labyrinth/labyrinth/internal/observability"
	"github.com/labyrinth/labyrinth/internal/store"
	"github.com/labyrinth/labyrinth/internal/web"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// MigratorFactory opens a migrator for auto-migration.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (AutoMigrator, error)

	// PoolFactory connects to the database.
	// Default: store.Connect
	PoolFactory func(ctx context.Context, url string, opts store.ConnectOptions) (DBPool, error)

	// RedisFactory creates the throttle's Redis client.
	// Default: redis.NewClient
	RedisFactory func(opts *redis.Options) *redis.Client

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// APIServerFactory creates the REST server.
	// Default: web.NewServer
	APIServerFactory func(cfg web.Config, svc web.Services, opts ...web.Option) (APIServer, error)
}

// AutoMigrator is the part of store.Migrator serve uses.
type AutoMigrator interface {
	Up() error
	Close() error
}

// DBPool is the part of *pgxpool.Pool serve uses.
type DBPool interface {
	postgres.Pool
	store.Pinger
	Close()
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// APIServer interface wraps the methods used from web.Server.
type APIServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(url string) (AutoMigrator, error) {
			return store.NewMigrator(url)
		}
	}
	if out.PoolFactory == nil {
		out.PoolFactory = func(ctx context.Context, url string, opts store.ConnectOptions) (DBPool, error) {
			return store.Connect(ctx, url, opts)
		}
	}
	if out.RedisFactory == nil {
		out.RedisFactory = redis.NewClient
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready)
		}
	}
	if out.APIServerFactory == nil {
		out.APIServerFactory = func(cfg web.Config, svc web.Services, opts ...web.Option) (APIServer, error) {
			return web.NewServer(cfg, svc, opts...)
		}
	}
	return &out
}
