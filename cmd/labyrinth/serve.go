// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/internal/auth/postgres"
	"github.com/labyrinth/labyrinth/internal/config"
	"github.com/labyrinth/labyrinth/internal/logging"
	"github.com/labyrinth/labyrinth/internal/mail"
	"github.com/labyrinth/labyrinth/internal/store"
	"github.com/labyrinth/labyrinth/internal/throttle"
	"github.com/labyrinth/labyrinth/internal/web"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

const readinessTimeout = 2 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the auth API server",
		Long: `Start the REST API for login, password change, password reset and
security question enrollment, plus the metrics and health endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServeWithDeps(ctx, cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs the server until ctx is cancelled or a server fails.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()

	warnings, err := cfg.Validate()
	if err != nil {
		return err
	}

	logger := logging.SetDefault(logging.Options{
		Service: "labyrinth",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  cmd.ErrOrStderr(),
	})
	for _, w := range warnings {
		logger.Warn("configuration warning", "detail", w)
	}
	logger.Info("starting labyrinth",
		"http_addr", cfg.HTTP.Addr,
		"metrics_addr", cfg.Metrics.Addr,
		"log_format", cfg.Log.Format)

	if cfg.Database.AutoMigrate {
		if err := autoMigrate(deps, cfg.Database.URL, logger); err != nil {
			return err
		}
	} else {
		logger.Info("auto-migration disabled")
	}

	pool, err := deps.PoolFactory(ctx, cfg.Database.URL, store.ConnectOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	limiter, closeLimiter, err := newLimiter(ctx, deps, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return err
	}

	svc, err := buildServices(pool, cfg, mailer, limiter, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	purgeDone, err := startPurger(ctx, pool, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		<-purgeDone
	}()

	var obsServer ObservabilityServer
	var webOpts []web.Option
	webOpts = append(webOpts, web.WithLogger(logger))
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, func() bool {
			return store.Ready(context.Background(), pool, readinessTimeout)
		})
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		webOpts = append(webOpts, web.WithMetrics(obsServer.Metrics()))
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	apiServer, err := deps.APIServerFactory(web.Config{
		Addr:          cfg.HTTP.Addr,
		SecureCookies: cfg.HTTP.SecureCookies,
		TrustProxy:    cfg.HTTP.TrustProxy,
	}, svc, webOpts...)
	if err != nil {
		stopObservability(obsServer, cfg.HTTP.ShutdownTimeout, logger)
		return err
	}
	apiErrCh, err := apiServer.Start()
	if err != nil {
		stopObservability(obsServer, cfg.HTTP.ShutdownTimeout, logger)
		return oops.Code("API_START_FAILED").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api")

	cmd.Println("Labyrinth started")
	logger.Info("labyrinth ready", "addr", apiServer.Addr())

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		errutil.LogWarn(logger, "error stopping api server", err)
	}
	stopObservability(obsServer, cfg.HTTP.ShutdownTimeout, logger)

	logger.Info("shutdown complete")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.HTTP.ShutdownTimeout > 0 {
		return cfg.HTTP.ShutdownTimeout
	}
	return 5 * time.Second
}

func stopObservability(s ObservabilityServer, timeout time.Duration, logger *slog.Logger) {
	if s == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		errutil.LogWarn(logger, "error stopping observability server", err)
	}
}

func autoMigrate(deps *ServeDeps, url string, logger *slog.Logger) error {
	migrator, err := deps.MigratorFactory(url)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "open migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			errutil.LogWarn(logger, "failed to close migrator", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "apply migrations").Wrap(err)
	}
	logger.Info("database migrations applied")
	return nil
}

// newLimiter returns the forgot-password throttle: Redis when configured,
// otherwise an in-process window.
func newLimiter(ctx context.Context, deps *ServeDeps, cfg *config.Config, logger *slog.Logger) (auth.RequestLimiter, func(), error) {
	if cfg.Redis.Addr == "" {
		l, err := throttle.NewMemoryLimiter(cfg.Throttle.MaxRequests, cfg.Throttle.Window, time.Now)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("request throttle using process memory")
		return l, func() {}, nil
	}

	client := deps.RedisFactory(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}
	// The throttle fails open, so an unreachable Redis is only worth a warning.
	if err := client.Ping(ctx).Err(); err != nil {
		errutil.LogWarn(logger, "redis ping failed",
			oops.Code("THROTTLE_REDIS_UNREACHABLE").In(string(auth.KindDependency)).
				With("addr", cfg.Redis.Addr).
				Wrap(err))
	}
	l, err := throttle.NewRedisLimiter(client, cfg.Throttle.MaxRequests, cfg.Throttle.Window)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	logger.Info("request throttle using redis", "addr", cfg.Redis.Addr)
	return l, closeClient, nil
}

// newMailer sends through Resend when an API key is set and only logs
// otherwise.
func newMailer(cfg *config.Config, logger *slog.Logger) (auth.Mailer, error) {
	if cfg.Mail.APIKey == "" {
		return mail.NewLogSender(logger), nil
	}
	return mail.NewResendSender(cfg.Mail.APIKey, cfg.Mail.From, mail.WithLogger(logger))
}

// startPurger runs the expired record purger until ctx is done. The returned
// channel closes when it has stopped.
func startPurger(ctx context.Context, pool postgres.Pool, cfg *config.Config, logger *slog.Logger) (<-chan struct{}, error) {
	done := make(chan struct{})
	if cfg.Auth.PurgeInterval <= 0 {
		close(done)
		logger.Info("expired record purge disabled")
		return done, nil
	}
	purger, err := auth.NewExpiredRecordPurger(
		postgres.NewSessionRepository(pool),
		postgres.NewPasswordResetRepository(pool),
		auth.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(done)
		if err := purger.Run(ctx, cfg.Auth.PurgeInterval); err != nil {
			errutil.LogError(logger, "expired record purger stopped", err)
		}
	}()
	logger.Info("expired record purge scheduled", "interval", cfg.Auth.PurgeInterval)
	return done, nil
}

// buildServices wires the repositories and services over pool.
func buildServices(pool postgres.Pool, cfg *config.Config, mailer auth.Mailer, limiter auth.RequestLimiter, logger *slog.Logger) (web.Services, error) {
	logOpt := auth.WithLogger(logger)

	users := postgres.NewUserRepository(pool)
	sessions := postgres.NewSessionRepository(pool)
	tx := postgres.NewTransactor(pool)
	hasher := auth.NewBcryptHasher()

	events, err := auth.NewSecurityEventLog(postgres.NewSecurityEventRepository(pool), logOpt)
	if err != nil {
		return web.Services{}, err
	}
	ledger, err := auth.NewLoginLedger(postgres.NewLoginAttemptRepository(pool), logOpt)
	if err != nil {
		return web.Services{}, err
	}
	policy, err := auth.NewPasswordPolicy(users, postgres.NewPasswordHistoryRepository(pool), hasher, tx, logOpt)
	if err != nil {
		return web.Services{}, err
	}
	signer, err := auth.NewResetTokenSigner(cfg.Auth.ResetSecret)
	if err != nil {
		return web.Services{}, err
	}
	answerHasher, err := auth.NewAnswerHasher(cfg.Auth.KBAPepper, hasher)
	if err != nil {
		return web.Services{}, err
	}
	kba, err := auth.NewKBAService(
		postgres.NewSecurityQuestionRepository(pool),
		postgres.NewSecurityAnswerRepository(pool),
		answerHasher, tx, logOpt)
	if err != nil {
		return web.Services{}, err
	}
	authSvc, err := auth.NewAuthService(users, sessions, hasher, ledger, policy, events,
		logOpt, auth.WithSessionTTL(cfg.Auth.SessionTTL))
	if err != nil {
		return web.Services{}, err
	}
	resets, err := auth.NewPasswordResetService(auth.PasswordResetDeps{
		Users:    users,
		Resets:   postgres.NewPasswordResetRepository(pool),
		Tx:       tx,
		Signer:   signer,
		Policy:   policy,
		KBA:      kba,
		Sessions: sessions,
		Mailer:   mailer,
		Limiter:  limiter,
		Events:   events,
		ResetURL: cfg.Mail.BaseURL,
	}, logOpt)
	if err != nil {
		return web.Services{}, err
	}
	accounts, err := auth.NewAccountService(users, hasher, events, cfg.Auth.EmailDomain, logOpt)
	if err != nil {
		return web.Services{}, err
	}

	return web.Services{
		Auth:     authSvc,
		Recovery: resets,
		KBA:      kba,
		Accounts: accounts,
		Events:   events,
	}, nil
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when the channel is closed or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
