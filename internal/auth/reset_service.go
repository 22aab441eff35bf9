// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/labyrinth/labyrinth/internal/observability"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

// ForgotPasswordMessage is returned for every forgot-password request.
const ForgotPasswordMessage = "If an account exists for that username or email, a reset link has been sent."

// Mailer delivers email.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// RequestLimiter decides whether another request for key is allowed.
type RequestLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// PasswordResetDeps holds the collaborators of a PasswordResetService.
// Limiter, Sessions and Events are optional.
type PasswordResetDeps struct {
	Users    UserRepository
	Resets   PasswordResetRepository
	Tx       Transactor
	Signer   *ResetTokenSigner
	Policy   *PasswordPolicy
	KBA      *KBAService
	Sessions SessionRepository
	Mailer   Mailer
	Limiter  RequestLimiter
	Events   *SecurityEventLog

	// ResetURL is the base URL of the reset page; the token is appended as
	// the "token" query parameter.
	ResetURL string
}

// PasswordResetService handles forgot-password, KBA challenges by token and
// password reset.
type PasswordResetService struct {
	deps    PasswordResetDeps
	logger  *slog.Logger
	now     func() time.Time
	backoff func() retry.Backoff
}

// NewPasswordResetService creates a PasswordResetService.
func NewPasswordResetService(deps PasswordResetDeps, opts ...Option) (*PasswordResetService, error) {
	switch {
	case deps.Users == nil:
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("user repository is required")
	case deps.Resets == nil:
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("reset repository is required")
	case deps.Tx == nil:
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("transactor is required")
	case deps.Signer == nil:
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("token signer is required")
	case deps.Policy == nil:
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("password policy is required")
	case deps.KBA == nil:
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("KBA service is required")
	case deps.Mailer == nil:
		return nil, oops.Code("RESET_INVALID_CONFIG").Errorf("mailer is required")
	}
	if _, err := url.Parse(deps.ResetURL); err != nil || deps.ResetURL == "" {
		return nil, oops.Code("RESET_INVALID_CONFIG").With("reset_url", deps.ResetURL).Errorf("reset URL is invalid")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PasswordResetService{
		deps:   deps,
		logger: o.logger,
		now:    o.now,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.NewExponential(5*time.Millisecond))
		},
	}, nil
}

// RequestReset issues a reset token for the account matching identifier and
// emails it. The result is the same whether or not an account matched; only
// store failures are returned.
func (s *PasswordResetService) RequestReset(ctx context.Context, identifier, ip string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		observability.RecordResetRequest("empty")
		return nil
	}

	if !s.allowed(ctx, "forgot:id:"+strings.ToLower(identifier)) || (ip != "" && !s.allowed(ctx, "forgot:ip:"+ip)) {
		s.logger.Info("reset request throttled", "ip", ip)
		observability.RecordResetRequest("throttled")
		return nil
	}

	user, err := lookupByIdentifier(ctx, s.deps.Users, identifier)
	if isNotFound(err) {
		observability.RecordResetRequest("unknown")
		return nil
	}
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "lookup user").Wrap(err)
	}

	token, record, err := s.issueToken(ctx, user.ID)
	if err != nil {
		return err
	}

	link := s.resetLink(token)
	htmlBody, textBody := resetEmail(user, link)
	if err := s.deps.Mailer.SendMail(ctx, user.Email, "Reset your Labyrinth password", htmlBody, textBody); err != nil {
		errutil.LogError(s.logger, "failed to send reset email",
			oops.Code("RESET_MAIL_FAILED").In(string(KindDependency)).
				With("user_id", user.ID.String()).
				Wrap(err))
		observability.RecordResetRequest("mail_failed")
		return nil
	}

	s.logger.Info("reset token issued", "user_id", user.ID.String(), "expires_at", record.ExpiresAt)
	observability.RecordResetRequest("sent")
	return nil
}

// issueToken replaces the user's unconsumed tokens with a new one. The delete
// and insert share a transaction; a concurrent request that inserted first
// surfaces as ErrConflict and the pair is retried.
func (s *PasswordResetService) issueToken(ctx context.Context, userID ulid.ULID) (string, *PasswordResetToken, error) {
	var (
		token  string
		record *PasswordResetToken
	)
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		return s.deps.Tx.InTransaction(ctx, func(ctx context.Context) error {
			if _, err := s.deps.Resets.DeleteUnconsumedByUser(ctx, userID); err != nil {
				return oops.Code("RESET_REQUEST_FAILED").With("operation", "delete prior tokens").Wrap(err)
			}
			raw, hash, err := s.deps.Signer.Generate()
			if err != nil {
				return err
			}
			rec, err := NewPasswordResetToken(userID, hash, s.now())
			if err != nil {
				return err
			}
			if err := s.deps.Resets.Create(ctx, rec); err != nil {
				if errors.Is(err, ErrConflict) {
					return retry.RetryableError(err)
				}
				return oops.Code("RESET_REQUEST_FAILED").With("operation", "create token").Wrap(err)
			}
			token, record = raw, rec
			return nil
		})
	})
	if err != nil {
		return "", nil, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "issue token").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return token, record, nil
}

func (s *PasswordResetService) allowed(ctx context.Context, key string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	ok, err := s.deps.Limiter.Allow(ctx, key)
	if err != nil {
		s.logger.Warn("reset throttle unavailable, allowing request", "error", err)
		return true
	}
	return ok
}

func (s *PasswordResetService) resetLink(token string) string {
	u, _ := url.Parse(s.deps.ResetURL)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func resetEmail(user *User, link string) (htmlBody, textBody string) {
	name := user.FirstName
	if name == "" {
		name = user.Username
	}
	textBody = fmt.Sprintf(
		"Hi %s,\n\nUse the link below to reset your Labyrinth password. It expires in %d minutes.\n\n%s\n\nIf you did not request this, you can ignore this email.\n",
		name, int(ResetTokenExpiry.Minutes()), link)
	htmlBody = fmt.Sprintf(
		`<p>Hi %s,</p><p>Use the link below to reset your Labyrinth password. It expires in %d minutes.</p><p><a href="%s">Reset password</a></p><p>If you did not request this, you can ignore this email.</p>`,
		html.EscapeString(name), int(ResetTokenExpiry.Minutes()), html.EscapeString(link))
	return htmlBody, textBody
}

// activeToken resolves a raw token to its unconsumed, unexpired record.
func (s *PasswordResetService) activeToken(ctx context.Context, token string) (*PasswordResetToken, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidResetToken
	}
	record, err := s.deps.Resets.GetUnconsumedByHash(ctx, s.deps.Signer.Hash(token))
	if isNotFound(err) {
		return nil, ErrInvalidResetToken
	}
	if err != nil {
		return nil, oops.Code("RESET_LOOKUP_FAILED").Wrap(err)
	}
	if !record.IsActiveAt(s.now()) {
		return nil, ErrInvalidResetToken
	}
	return record, nil
}

// QuestionForToken returns the security question for a valid reset token, or
// nil if the owner has no KBA enrollment. The first call picks one of the
// owner's questions at random and binds it to the token; later calls return
// the same question. Invalid tokens return a not_found error.
func (s *PasswordResetService) QuestionForToken(ctx context.Context, token string) (*SecurityQuestion, error) {
	record, err := s.activeToken(ctx, token)
	if HasCode(err, CodeInvalidResetToken) {
		return nil, tokenNotFound()
	}
	if err != nil {
		return nil, err
	}
	if record.ChallengeQuestionID != nil {
		return s.deps.KBA.Question(ctx, *record.ChallengeQuestionID)
	}

	q, err := s.deps.KBA.Challenge(ctx, record.UserID)
	if err != nil || q == nil {
		return q, err
	}
	bound, err := s.deps.Resets.BindChallenge(ctx, record.ID, q.ID)
	if isNotFound(err) {
		return nil, tokenNotFound()
	}
	if err != nil {
		return nil, oops.Code("RESET_CHALLENGE_FAILED").With("reset_id", record.ID.String()).Wrap(err)
	}
	if bound != q.ID {
		// A concurrent request bound a different question first.
		return s.deps.KBA.Question(ctx, bound)
	}
	return q, nil
}

func tokenNotFound() error {
	return notFoundErr("RESET_TOKEN_NOT_FOUND").Errorf("Invalid or expired token")
}

// ResetRequest is a password reset using an emailed token.
type ResetRequest struct {
	Token       string
	NewPassword string
	KBAAnswer   string
	QuestionID  *int
	IPAddress   string
}

// ResetPassword consumes a reset token and sets a new password.
func (s *PasswordResetService) ResetPassword(ctx context.Context, req ResetRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return validationErr("RESET_MISSING_FIELDS").Errorf("Missing fields")
	}

	record, err := s.activeToken(ctx, req.Token)
	if err != nil {
		if HasCode(err, CodeInvalidResetToken) {
			s.reject(ctx, nil, "token", err, req.IPAddress)
		}
		return err
	}

	user, err := s.deps.Users.GetByID(ctx, record.UserID)
	if isNotFound(err) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return oops.Code("RESET_FAILED").With("operation", "get user").Wrap(err)
	}

	if err := s.verifyKBA(ctx, user, record, req); err != nil {
		return err
	}

	if err := ValidatePasswordComplexity(req.NewPassword); err != nil {
		return s.reject(ctx, user, "newPassword", err, req.IPAddress)
	}

	now := s.now()
	err = s.deps.Policy.Rotate(ctx, user, req.NewPassword, func(ctx context.Context) error {
		if err := s.deps.Resets.Consume(ctx, record.ID, now); err != nil {
			if errors.Is(err, ErrConflict) || isNotFound(err) {
				return ErrInvalidResetToken
			}
			return oops.Code("RESET_CONSUME_FAILED").Wrap(err)
		}
		if _, err := s.deps.Resets.ConsumeAllForUser(ctx, user.ID, now); err != nil {
			return oops.Code("RESET_CONSUME_FAILED").With("operation", "consume all").Wrap(err)
		}
		return nil
	})
	if err != nil {
		if KindOf(err) == KindValidation {
			return s.reject(ctx, user, "newPassword", err, req.IPAddress)
		}
		return err
	}

	if s.deps.Sessions != nil {
		if _, err := s.deps.Sessions.DeleteByUser(ctx, user.ID, nil); err != nil {
			errutil.LogError(s.logger, "failed to revoke sessions after reset", err)
		}
	}
	s.logger.Info("password reset", "user_id", user.ID.String())
	observability.RecordPasswordChange("reset", "success")
	return nil
}

// verifyKBA checks the answer to the question bound to record. Users without
// an enrollment pass.
func (s *PasswordResetService) verifyKBA(ctx context.Context, user *User, record *PasswordResetToken, req ResetRequest) error {
	status, err := s.deps.KBA.Status(ctx, user.ID)
	if err != nil {
		return err
	}
	if !status.Enrolled {
		return nil
	}
	if record.ChallengeQuestionID == nil {
		return s.reject(ctx, user, "kbaAnswer",
			validationErr("KBA_CHALLENGE_REQUIRED").Errorf("Request your security question before resetting"), req.IPAddress)
	}
	questionID := *record.ChallengeQuestionID
	if strings.TrimSpace(req.KBAAnswer) == "" {
		return s.reject(ctx, user, "kbaAnswer",
			validationErr("KBA_ANSWER_REQUIRED").Errorf("Security answer is required"), req.IPAddress)
	}
	if req.QuestionID != nil && *req.QuestionID != questionID {
		return s.reject(ctx, user, "question_id",
			validationErr("KBA_QUESTION_MISMATCH").
				With("question_id", *req.QuestionID).
				Errorf("Answer the security question shown for this reset link"), req.IPAddress)
	}
	if err := s.deps.KBA.Verify(ctx, user.ID, questionID, req.KBAAnswer); err != nil {
		if KindOf(err) == KindAuthentication {
			s.deps.Events.Record(ctx, SecurityEvent{
				UserID:    &user.ID,
				Username:  user.Username,
				Event:     EventKBAFailed,
				Field:     "kbaAnswer",
				Message:   err.Error(),
				IPAddress: req.IPAddress,
			})
			observability.RecordPasswordChange("reset", string(KindAuthentication))
		}
		return err
	}
	return nil
}

// reject records a rejected reset and returns err. user may be nil.
func (s *PasswordResetService) reject(ctx context.Context, user *User, field string, err error, ip string) error {
	event := SecurityEvent{
		Event:     EventPasswordRejected,
		Field:     field,
		Message:   err.Error(),
		IPAddress: ip,
	}
	if HasCode(err, CodeInvalidResetToken) {
		event.Event = EventResetTokenRejected
	}
	if user != nil {
		id := user.ID
		event.UserID = &id
		event.Username = user.Username
	}
	s.deps.Events.Record(ctx, event)
	observability.RecordPasswordChange("reset", string(KindOf(err)))
	return err
}
