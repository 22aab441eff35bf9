//go:build integration

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/labyrinth/labyrinth/internal/store"
)

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
		name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestMigrator_SchemaLifecycle(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("labyrinth_migrate"),
		postgres.WithUsername("labyrinth"),
		postgres.WithPassword("labyrinth"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := store.NewMigrator(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = migrator.Close() })

	pool, err := store.Connect(ctx, connStr, store.ConnectOptions{MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	status, err := migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, store.Status{Pending: []uint{1, 2, 3, 4, 5}}, status)

	require.NoError(t, migrator.Up())
	for _, table := range []string{
		"users", "sessions", "login_attempts", "password_history",
		"password_reset_tokens", "security_questions", "security_answers", "security_events",
	} {
		assert.True(t, tableExists(ctx, t, pool, table), "table %s after up", table)
	}
	require.NoError(t, migrator.Up(), "second up is a no-op")

	// Rolling back the audit log leaves credentials intact.
	require.NoError(t, migrator.Steps(-1))
	version, _, err := migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(4), version)
	assert.False(t, tableExists(ctx, t, pool, "security_events"))
	assert.True(t, tableExists(ctx, t, pool, "security_answers"))

	require.NoError(t, migrator.Steps(-1))
	assert.False(t, tableExists(ctx, t, pool, "security_answers"))
	assert.False(t, tableExists(ctx, t, pool, "security_questions"))

	require.NoError(t, migrator.Steps(2))
	status, err = migrator.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(5), status.Version)
	assert.Empty(t, status.Pending)

	require.NoError(t, migrator.Down())
	assert.False(t, tableExists(ctx, t, pool, "users"))
	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Force(3))
	version, dirty, err = migrator.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)
}
