// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

// Package web serves the Labyrinth auth REST API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/internal/observability"
)

// SessionCookie is the cookie carrying the plaintext session token.
const SessionCookie = "labyrinth_session"

// Authenticator is the login and session surface of auth.AuthService.
type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	ValidateSession(ctx context.Context, token string) (*auth.Session, *auth.User, error)
	Logout(ctx context.Context, token string) error
	ChangePassword(ctx context.Context, req auth.ChangePasswordRequest) error
}

// Recovery is the forgot/reset surface of auth.PasswordResetService.
type Recovery interface {
	RequestReset(ctx context.Context, identifier, ip string) error
	QuestionForToken(ctx context.Context, token string) (*auth.SecurityQuestion, error)
	ResetPassword(ctx context.Context, req auth.ResetRequest) error
}

// Enroller is the enrollment surface of auth.KBAService.
type Enroller interface {
	Questions(ctx context.Context) ([]auth.SecurityQuestion, error)
	Enroll(ctx context.Context, userID ulid.ULID, req auth.Enrollment) error
	Status(ctx context.Context, userID ulid.ULID) (auth.EnrollmentStatus, error)
}

// Accounts is the registration and profile surface of auth.AccountService.
type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Profile(ctx context.Context, userID ulid.ULID) (*auth.User, error)
	UpdateDescription(ctx context.Context, userID ulid.ULID, description string) error
	UpdateProfilePicture(ctx context.Context, userID ulid.ULID, pictureURL string) error
	DeleteAccount(ctx context.Context, userID ulid.ULID) error
}

// EventLog lists recorded security events.
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]*auth.SecurityEvent, error)
}

// Services are the handlers' dependencies.
type Services struct {
	Auth     Authenticator
	Recovery Recovery
	KBA      Enroller
	Accounts Accounts
	Events   EventLog
}

func (s Services) validate() error {
	switch {
	case s.Auth == nil:
		return oops.Code("WEB_INVALID_CONFIG").Errorf("auth service is required")
	case s.Recovery == nil:
		return oops.Code("WEB_INVALID_CONFIG").Errorf("recovery service is required")
	case s.KBA == nil:
		return oops.Code("WEB_INVALID_CONFIG").Errorf("KBA service is required")
	case s.Accounts == nil:
		return oops.Code("WEB_INVALID_CONFIG").Errorf("account service is required")
	case s.Events == nil:
		return oops.Code("WEB_INVALID_CONFIG").Errorf("security event log is required")
	}
	return nil
}

// Config holds HTTP settings.
type Config struct {
	Addr          string
	SecureCookies bool
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records per-route request counts and latency.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the API HTTP server.
type Server struct {
	cfg        Config
	svc        Services
	logger     *slog.Logger
	metrics    *observability.Metrics
	handler    http.Handler
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg Config, svc Services, opts ...Option) (*Server, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /forgot-password", s.handleForgotPassword)
	mux.HandleFunc("POST /reset-password", s.handleResetPassword)
	mux.HandleFunc("GET /kba/question-by-token", s.handleQuestionByToken)
	mux.HandleFunc("GET /kba/questions", s.handleQuestions)

	mux.Handle("POST /change-password", s.requireSession(s.handleChangePassword))
	mux.Handle("POST /kba/enroll", s.requireSession(s.handleEnroll))
	mux.Handle("GET /kba/me", s.requireSession(s.handleEnrollmentStatus))
	mux.Handle("GET /profile", s.requireSession(s.handleProfile))
	mux.Handle("POST /profile/description", s.requireSession(s.handleDescription))
	mux.Handle("POST /profile/picture", s.requireSession(s.handlePicture))
	mux.Handle("DELETE /profile", s.requireSession(s.handleDeleteAccount))

	mux.Handle("GET /admin/security-events", s.requireSession(s.requireRole(s.handleSecurityEvents, auth.RoleAdmin)))

	return s.accessLog(mux)
}

// Start listens on cfg.Addr and serves in the background. Serve errors
// after startup are delivered on the returned channel, which is closed on a
// clean stop.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("WEB_ALREADY_RUNNING").Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("WEB_LISTEN_FAILED").With("addr", s.cfg.Addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.running.Store(true)
		return oops.Code("WEB_SHUTDOWN_FAILED").Wrap(err)
	}
	s.logger.Info("api server stopped")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
