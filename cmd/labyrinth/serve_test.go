// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labyrinth/labyrinth/internal/auth/postgres"
	"github.com/labyrinth/labyrinth/internal/config"
	"github.com/labyrinth/labyrinth/internal/mail"
	"github.com/labyrinth/labyrinth/internal/observability"
	"github.com/labyrinth/labyrinth/internal/store"
	"github.com/labyrinth/labyrinth/internal/throttle"
	"github.com/labyrinth/labyrinth/internal/web"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

// trackedPool records Close on top of a pgxmock pool.
type trackedPool struct {
	pgxmock.PgxPoolIface
	mu     sync.Mutex
	closed bool
}

func (p *trackedPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *trackedPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type mockObservabilityServer struct {
	startErr error
	stopped  bool
	metrics  *observability.Metrics
}

func (m *mockObservabilityServer) Start() (<-chan error, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return make(chan error, 1), nil
}

func (m *mockObservabilityServer) Stop(context.Context) error {
	m.stopped = true
	return nil
}

func (m *mockObservabilityServer) Addr() string { return "127.0.0.1:9100" }

func (m *mockObservabilityServer) Metrics() *observability.Metrics { return m.metrics }

type mockAPIServer struct {
	errCh    chan error
	startErr error
	started  chan struct{}
	stopped  bool
}

func newMockAPIServer() *mockAPIServer {
	return &mockAPIServer{errCh: make(chan error, 1), started: make(chan struct{})}
}

func (m *mockAPIServer) Start() (<-chan error, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	close(m.started)
	return m.errCh, nil
}

func (m *mockAPIServer) Stop(context.Context) error {
	m.stopped = true
	return nil
}

func (m *mockAPIServer) Addr() string { return "127.0.0.1:8080" }

func validServeConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Database: config.DatabaseConfig{
			URL:         testDatabaseURL,
			AutoMigrate: true,
		},
		Log: config.LogConfig{Format: "json", Level: "error"},
		Auth: config.AuthConfig{
			ResetSecret: "0123456789abcdef0123456789abcdef",
			KBAPepper:   "pepper-for-tests",
			EmailDomain: "@dlsu.edu.ph",
			SessionTTL:  24 * time.Hour,
		},
		Mail:     config.MailConfig{BaseURL: "http://localhost:3000/reset-password"},
		Throttle: config.ThrottleConfig{MaxRequests: 5, Window: 15 * time.Minute},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd
}

// serveDeps returns deps backed by fakes, plus the fakes for inspection.
func serveDeps(t *testing.T) (*ServeDeps, *fakeMigrator, *trackedPool, *mockAPIServer) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	pool := &trackedPool{PgxPoolIface: mock}
	migrator := &fakeMigrator{}
	api := newMockAPIServer()

	deps := &ServeDeps{
		MigratorFactory: func(url string) (AutoMigrator, error) {
			migrator.gotURL = url
			return migrator, nil
		},
		PoolFactory: func(context.Context, string, store.ConnectOptions) (DBPool, error) {
			return pool, nil
		},
		APIServerFactory: func(web.Config, web.Services, ...web.Option) (APIServer, error) {
			return api, nil
		},
	}
	return deps, migrator, pool, api
}

func runServeAsync(ctx context.Context, cfg *config.Config, deps *ServeDeps) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServeWithDeps(ctx, cfg, newServeCmd(), deps)
	}()
	return errCh
}

func waitServe(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runServeWithDeps did not return within timeout")
		return nil
	}
}

func TestRunServeWithDeps_HappyPath(t *testing.T) {
	deps, migrator, pool, api := serveDeps(t)
	var gotCfg web.Config
	deps.APIServerFactory = func(cfg web.Config, svc web.Services, _ ...web.Option) (APIServer, error) {
		gotCfg = cfg
		assert.NotNil(t, svc.Auth)
		assert.NotNil(t, svc.Recovery)
		assert.NotNil(t, svc.KBA)
		return api, nil
	}

	cfg := validServeConfig()
	cfg.HTTP.SecureCookies = true
	cfg.HTTP.TrustProxy = true
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runServeAsync(ctx, cfg, deps)

	select {
	case <-api.started:
	case <-time.After(5 * time.Second):
		t.Fatal("api server was not started")
	}
	cancel()

	require.NoError(t, waitServe(t, errCh))
	assert.Equal(t, 1, migrator.up)
	assert.True(t, migrator.closed)
	assert.Equal(t, testDatabaseURL, migrator.gotURL)
	assert.True(t, api.stopped)
	assert.True(t, pool.isClosed())
	assert.Equal(t, "127.0.0.1:0", gotCfg.Addr)
	assert.True(t, gotCfg.SecureCookies)
	assert.True(t, gotCfg.TrustProxy)
}

func TestRunServeWithDeps_AutoMigrateDisabled(t *testing.T) {
	deps, migrator, _, api := serveDeps(t)
	cfg := validServeConfig()
	cfg.Database.AutoMigrate = false

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runServeAsync(ctx, cfg, deps)
	<-api.started
	cancel()

	require.NoError(t, waitServe(t, errCh))
	assert.Zero(t, migrator.up)
}

func TestRunServeWithDeps_InvalidConfig(t *testing.T) {
	deps, migrator, _, _ := serveDeps(t)
	cfg := validServeConfig()
	cfg.Auth.ResetSecret = "short"

	err := runServeWithDeps(context.Background(), cfg, newServeCmd(), deps)

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	assert.Zero(t, migrator.up)
}

func TestRunServeWithDeps_MigrationFailure(t *testing.T) {
	deps, migrator, _, _ := serveDeps(t)
	migrator.upErr = errors.New("relation already exists")
	poolOpened := false
	deps.PoolFactory = func(context.Context, string, store.ConnectOptions) (DBPool, error) {
		poolOpened = true
		return nil, errors.New("unreachable")
	}

	err := runServeWithDeps(context.Background(), validServeConfig(), newServeCmd(), deps)

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MIGRATION_FAILED")
	assert.True(t, migrator.closed)
	assert.False(t, poolOpened)
}

func TestRunServeWithDeps_PoolFailure(t *testing.T) {
	deps, _, _, _ := serveDeps(t)
	deps.PoolFactory = func(context.Context, string, store.ConnectOptions) (DBPool, error) {
		return nil, errors.New("connection refused")
	}

	err := runServeWithDeps(context.Background(), validServeConfig(), newServeCmd(), deps)

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DB_CONNECT_FAILED")
}

func TestRunServeWithDeps_APIStartFailureStopsObservability(t *testing.T) {
	deps, _, _, api := serveDeps(t)
	api.startErr = errors.New("address already in use")
	obs := &mockObservabilityServer{metrics: observability.NewMetrics(prometheus.NewRegistry())}
	deps.ObservabilityServerFactory = func(string, observability.ReadinessChecker) ObservabilityServer {
		return obs
	}
	cfg := validServeConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"

	err := runServeWithDeps(context.Background(), cfg, newServeCmd(), deps)

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "API_START_FAILED")
	assert.True(t, obs.stopped)
}

func TestRunServeWithDeps_ObservabilityStartFailure(t *testing.T) {
	deps, _, _, api := serveDeps(t)
	deps.ObservabilityServerFactory = func(string, observability.ReadinessChecker) ObservabilityServer {
		return &mockObservabilityServer{startErr: errors.New("bind failed")}
	}
	cfg := validServeConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"

	err := runServeWithDeps(context.Background(), cfg, newServeCmd(), deps)

	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_START_FAILED")
	select {
	case <-api.started:
		t.Fatal("api server started after observability failure")
	default:
	}
}

func TestRunServeWithDeps_ReadinessPingsDatabase(t *testing.T) {
	deps, _, pool, api := serveDeps(t)
	var ready observability.ReadinessChecker
	obs := &mockObservabilityServer{metrics: observability.NewMetrics(prometheus.NewRegistry())}
	deps.ObservabilityServerFactory = func(_ string, checker observability.ReadinessChecker) ObservabilityServer {
		ready = checker
		return obs
	}
	var gotOpts int
	deps.APIServerFactory = func(_ web.Config, _ web.Services, opts ...web.Option) (APIServer, error) {
		gotOpts = len(opts)
		return api, nil
	}
	cfg := validServeConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runServeAsync(ctx, cfg, deps)
	<-api.started

	pool.PgxPoolIface.ExpectPing()
	assert.True(t, ready(), "ready while the database answers")
	pool.PgxPoolIface.ExpectPing().WillReturnError(errors.New("connection lost"))
	assert.False(t, ready(), "not ready once the database stops answering")

	cancel()
	require.NoError(t, waitServe(t, errCh))
	assert.Equal(t, 2, gotOpts, "logger and metrics options")
	assert.True(t, obs.stopped)
}

func TestRunServeWithDeps_ServerErrorTriggersShutdown(t *testing.T) {
	deps, _, _, api := serveDeps(t)

	errCh := runServeAsync(context.Background(), validServeConfig(), deps)
	<-api.started
	api.errCh <- errors.New("listener closed unexpectedly")

	require.NoError(t, waitServe(t, errCh))
	assert.True(t, api.stopped)
}

func TestNewLimiter_MemoryWithoutRedis(t *testing.T) {
	cfg := validServeConfig()
	deps := (&ServeDeps{}).withDefaults()

	limiter, closeFn, err := newLimiter(context.Background(), deps, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &throttle.MemoryLimiter{}, limiter)
}

func TestNewLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := validServeConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Throttle.MaxRequests = 2
	deps := (&ServeDeps{}).withDefaults()

	limiter, closeFn, err := newLimiter(context.Background(), deps, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer closeFn()

	require.IsType(t, &throttle.RedisLimiter{}, limiter)
	for i := range 2 {
		ok, err := limiter.Allow(context.Background(), "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within limit", i+1)
	}
	ok, err := limiter.Allow(context.Background(), "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewLimiter_UnreachableRedisOnlyWarns(t *testing.T) {
	cfg := validServeConfig()
	cfg.Redis.Addr = "127.0.0.1:1"
	deps := (&ServeDeps{
		RedisFactory: func(opts *redis.Options) *redis.Client {
			opts.MaxRetries = -1
			opts.DialTimeout = 100 * time.Millisecond
			return redis.NewClient(opts)
		},
	}).withDefaults()
	var logs bytes.Buffer

	limiter, closeFn, err := newLimiter(context.Background(), deps, cfg, slog.New(slog.NewJSONHandler(&logs, nil)))
	require.NoError(t, err)
	defer closeFn()

	assert.NotNil(t, limiter)
	assert.Contains(t, logs.String(), "THROTTLE_REDIS_UNREACHABLE")
}

// execRecorder reports each Exec statement after the wrapped pool runs it.
type execRecorder struct {
	postgres.Pool
	execs chan string
}

func (r execRecorder) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := r.Pool.Exec(ctx, sql, args...)
	select {
	case r.execs <- sql:
	default:
	}
	return tag, err
}

func TestStartPurger(t *testing.T) {
	t.Run("zero interval disables the purge", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		cfg := validServeConfig()

		done, err := startPurger(context.Background(), mock, cfg, slog.New(slog.DiscardHandler))
		require.NoError(t, err)
		select {
		case <-done:
		default:
			t.Fatal("disabled purger should report done immediately")
		}
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deletes expired sessions and reset tokens until cancelled", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		mock.ExpectExec("DELETE FROM sessions WHERE expires_at").
			WithArgs(pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mock.ExpectExec("DELETE FROM password_reset_tokens WHERE expires_at").
			WithArgs(pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		pool := execRecorder{Pool: mock, execs: make(chan string, 2)}

		cfg := validServeConfig()
		cfg.Auth.PurgeInterval = 5 * time.Millisecond
		ctx, cancel := context.WithCancel(context.Background())
		done, err := startPurger(ctx, pool, cfg, slog.New(slog.DiscardHandler))
		require.NoError(t, err)

		for range 2 {
			select {
			case <-pool.execs:
			case <-time.After(5 * time.Second):
				t.Fatal("purge did not run")
			}
		}
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("purger did not stop after cancel")
		}
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNewMailer(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("no api key logs mail", func(t *testing.T) {
		m, err := newMailer(validServeConfig(), logger)
		require.NoError(t, err)
		assert.IsType(t, &mail.LogSender{}, m)
	})

	t.Run("api key sends through resend", func(t *testing.T) {
		cfg := validServeConfig()
		cfg.Mail.APIKey = "re_test_key"
		cfg.Mail.From = "Labyrinth <noreply@example.com>"
		m, err := newMailer(cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, &mail.ResendSender{}, m)
	})
}

func TestMonitorServerErrors(t *testing.T) {
	t.Run("error cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error, 1)
		errCh <- errors.New("boom")

		monitorServerErrors(ctx, cancel, errCh, "test")

		assert.Error(t, ctx.Err())
	})

	t.Run("closed channel does not cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error)
		close(errCh)

		monitorServerErrors(ctx, cancel, errCh, "test")

		assert.NoError(t, ctx.Err())
	})
}
