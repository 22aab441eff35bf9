// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/labyrinth/labyrinth/internal/store"
)

var _ = Describe("Schema", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		pool      *pgxpool.Pool
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("labyrinth_test"),
			postgres.WithUsername("labyrinth"),
			postgres.WithPassword("labyrinth"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		Expect(store.MigrateUp(connStr)).To(Succeed())

		pool, err = store.Connect(ctx, connStr, store.ConnectOptions{MaxConns: 4})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	insertUser := func(id, username, email string) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (id, first_name, last_name, email, username, password_hash, role, password_changed_at)
			VALUES ($1, 'Ada', 'Lovelace', $2, $3, 'x', 'student', now())`,
			id, email, username)
		return err
	}

	It("reports ready", func() {
		Expect(store.Ready(ctx, pool, time.Second)).To(BeTrue())
	})

	It("rejects usernames that differ only in case", func() {
		Expect(insertUser("01J00000000000000000000001", "Ada", "ada@dlsu.edu.ph")).To(Succeed())

		err := insertUser("01J00000000000000000000002", "ada", "other@dlsu.edu.ph")
		var pgErr *pgconn.PgError
		Expect(err).To(BeAssignableToTypeOf(pgErr))
		Expect(err.(*pgconn.PgError).Code).To(Equal("23505"))
	})

	It("rejects emails that differ only in case", func() {
		err := insertUser("01J00000000000000000000003", "grace", "ADA@dlsu.edu.ph")
		Expect(err).To(HaveOccurred())
	})

	It("starts login attempt rows at version 1", func() {
		_, err := pool.Exec(ctx, `
			INSERT INTO login_attempts (user_id, attempt_count, last_attempt_at)
			VALUES ('01J00000000000000000000001', 1, now())`)
		Expect(err).NotTo(HaveOccurred())

		var version int64
		err = pool.QueryRow(ctx,
			`SELECT version FROM login_attempts WHERE user_id = '01J00000000000000000000001'`).Scan(&version)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(int64(1)))
	})

	It("removes dependent rows when a user is deleted", func() {
		_, err := pool.Exec(ctx, `DELETE FROM users WHERE id = '01J00000000000000000000001'`)
		Expect(err).NotTo(HaveOccurred())

		var n int
		err = pool.QueryRow(ctx, `SELECT count(*) FROM login_attempts`).Scan(&n)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})
})
