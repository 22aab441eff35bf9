// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

// Package mail delivers transactional email through Resend.
package mail

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/labyrinth/labyrinth/internal/auth"
)

// Defaults.
const (
	DefaultBaseURL = "https://api.resend.com/"
	DefaultFrom    = "Labyrinth <onboarding@resend.dev>"
)

// ResendSender sends mail through the Resend SDK. Server errors, rate limits
// and transport failures are retried a few times; other 4xx responses are not.
type ResendSender struct {
	client  *resend.Client
	from    string
	backoff func() retry.Backoff
	logger  *slog.Logger
}

type resendSettings struct {
	baseURL string
	http    *http.Client
	backoff func() retry.Backoff
	logger  *slog.Logger
}

// ResendOption configures a ResendSender.
type ResendOption func(*resendSettings)

// WithBaseURL overrides the API base URL.
func WithBaseURL(raw string) ResendOption {
	return func(s *resendSettings) { s.baseURL = raw }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ResendOption {
	return func(s *resendSettings) { s.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResendOption {
	return func(s *resendSettings) { s.logger = l }
}

// WithBackoff overrides the retry schedule.
func WithBackoff(b func() retry.Backoff) ResendOption {
	return func(s *resendSettings) { s.backoff = b }
}

// NewResendSender creates a ResendSender. An empty from uses DefaultFrom.
func NewResendSender(apiKey, from string, opts ...ResendOption) (*ResendSender, error) {
	if apiKey == "" {
		return nil, oops.Code("MAIL_INVALID_CONFIG").Errorf("resend api key is required")
	}
	if from == "" {
		from = DefaultFrom
	}
	cfg := resendSettings{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(250*time.Millisecond))
		},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	base, err := url.Parse(cfg.baseURL)
	if err != nil {
		return nil, oops.Code("MAIL_INVALID_CONFIG").With("base_url", cfg.baseURL).Wrap(err)
	}
	hc := *cfg.http
	hc.Transport = statusRecorder{next: hc.Transport}
	client := resend.NewCustomClient(&hc, apiKey)
	client.BaseURL = base

	return &ResendSender{
		client:  client,
		from:    from,
		backoff: cfg.backoff,
		logger:  cfg.logger,
	}, nil
}

// SendMail implements auth.Mailer.
func (s *ResendSender) SendMail(ctx context.Context, to, subject, htmlBody, textBody string) error {
	req := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
		Text:    textBody,
	}

	var id string
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		status := new(int)
		resp, sendErr := s.client.Emails.SendWithContext(context.WithValue(ctx, statusKey{}, status), req)
		if sendErr != nil {
			if retryableStatus(*status) {
				return retry.RetryableError(sendErr)
			}
			return oops.With("status", *status).Wrap(sendErr)
		}
		id = resp.Id
		return nil
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").In(string(auth.KindDependency)).With("subject", subject).Wrap(err)
	}
	s.logger.InfoContext(ctx, "mail sent", "provider", "resend", "id", id, "subject", subject)
	return nil
}

// retryableStatus reports whether a failed send may succeed on a later
// attempt. Zero means no response arrived.
func retryableStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

type statusKey struct{}

// statusRecorder stores the response status in the *int carried by the
// request context. The SDK reports failures as plain errors.
type statusRecorder struct {
	next http.RoundTripper
}

func (t statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if resp != nil {
		if status, ok := req.Context().Value(statusKey{}).(*int); ok {
			*status = resp.StatusCode
		}
	}
	return resp, err
}

// LogSender logs mail instead of sending it. It is used when no API key is
// configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSender{logger: logger}
}

// SendMail implements auth.Mailer. The body is not logged; it holds the reset
// link.
func (s *LogSender) SendMail(ctx context.Context, to, subject, _, _ string) error {
	s.logger.WarnContext(ctx, "mail not sent, no api key configured", "to", to, "subject", subject)
	return nil
}

var (
	_ auth.Mailer = (*ResendSender)(nil)
	_ auth.Mailer = (*LogSender)(nil)
)
