// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type userView struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Description    string `json:"description"`
	ProfilePicture string `json:"profile_picture"`
}

func newUserView(u *auth.User) userView {
	return userView{
		ID:             u.ID.String(),
		Username:       u.Username,
		Email:          u.Email,
		Role:           string(u.Role),
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Description:    u.Description,
		ProfilePicture: u.ProfilePicture,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Authenticated bool      `json:"authenticated"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	User          userView  `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.svc.Auth.Login(r.Context(), auth.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
		IPAddress: s.clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    result.Token,
		Path:     "/",
		Expires:  result.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, loginResponse{
		Authenticated: true,
		Token:         result.Token,
		ExpiresAt:     result.Session.ExpiresAt,
		User:          newUserView(result.User),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Auth.Logout(r.Context(), sessionToken(r)); err != nil {
		errutil.LogError(s.logger, "logout failed", err)
	}
	s.clearSessionCookie(w)
	s.writeMessage(w, http.StatusOK, "Logged out")
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

type registerRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	Role            string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	_, err := s.svc.Accounts.Register(r.Context(), auth.RegisterRequest{
		Name:            req.Name,
		Email:           req.Email,
		Username:        req.Username,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Role:            req.Role,
		IPAddress:       s.clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, http.StatusCreated, "User created")
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.svc.Auth.ChangePassword(r.Context(), auth.ChangePasswordRequest{
		UserID:          p.user.ID,
		SessionID:       &p.session.ID,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		IPAddress:       s.clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Password changed successfully")
}

type forgotPasswordRequest struct {
	EmailOrUsername string `json:"emailOrUsername"`
}

// handleForgotPassword always answers with the generic message. Failures
// are only logged.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decode(r, &req); err != nil {
		s.logger.Debug("ignoring malformed forgot-password body", "error", err)
	}
	if err := s.svc.Recovery.RequestReset(r.Context(), req.EmailOrUsername, s.clientIP(r)); err != nil {
		errutil.LogError(s.logger, "forgot-password request failed", err)
	}
	s.writeMessage(w, http.StatusOK, auth.ForgotPasswordMessage)
}

type questionResponse struct {
	QuestionID int    `json:"question_id"`
	Prompt     string `json:"prompt"`
}

func (s *Server) handleQuestionByToken(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.Recovery.QuestionForToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if q == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, questionResponse{QuestionID: q.ID, Prompt: q.Prompt})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
	KBAAnswer   string `json:"kbaAnswer"`
	QuestionID  *int   `json:"question_id"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.svc.Recovery.ResetPassword(r.Context(), auth.ResetRequest{
		Token:       req.Token,
		NewPassword: req.NewPassword,
		KBAAnswer:   req.KBAAnswer,
		QuestionID:  req.QuestionID,
		IPAddress:   s.clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Password has been reset")
}

type questionView struct {
	ID           int    `json:"id"`
	Prompt       string `json:"prompt"`
	MinAnswerLen int    `json:"min_answer_len"`
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := s.svc.KBA.Questions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]questionView, 0, len(questions))
	for _, q := range questions {
		out = append(out, questionView{ID: q.ID, Prompt: q.Prompt, MinAnswerLen: q.MinAnswerLen})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type enrollRequest struct {
	Answers []struct {
		QuestionID int    `json:"question_id"`
		Answer     string `json:"answer"`
	} `json:"answers"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req enrollRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	enrollment := auth.Enrollment{Passphrase: req.Passphrase}
	for _, a := range req.Answers {
		enrollment.Answers = append(enrollment.Answers, auth.EnrollmentAnswer{QuestionID: a.QuestionID, Answer: a.Answer})
	}
	if err := s.svc.KBA.Enroll(r.Context(), p.user.ID, enrollment); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Security questions saved")
}

type enrollmentStatusResponse struct {
	Enrolled bool `json:"enrolled"`
	Count    int  `json:"count"`
}

func (s *Server) handleEnrollmentStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	status, err := s.svc.KBA.Status(r.Context(), p.user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enrollmentStatusResponse{Enrolled: status.Enrolled, Count: status.Count})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	user, err := s.svc.Accounts.Profile(r.Context(), p.user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newUserView(user))
}

type descriptionRequest struct {
	Description string `json:"description"`
}

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req descriptionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Accounts.UpdateDescription(r.Context(), p.user.ID, req.Description); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Description updated")
}

type pictureRequest struct {
	PictureURL string `json:"pictureURL"`
}

func (s *Server) handlePicture(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req pictureRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Accounts.UpdateProfilePicture(r.Context(), p.user.ID, strings.TrimSpace(req.PictureURL)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Profile Picture updated")
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	if err := s.svc.Accounts.DeleteAccount(r.Context(), p.user.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	s.writeMessage(w, http.StatusOK, "User deleted")
}

type securityEventView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Event     string    `json:"event"`
	Field     string    `json:"field,omitempty"`
	Message   string    `json:"message"`
	IPAddress string    `json:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.svc.Events.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]securityEventView, 0, len(events))
	for _, e := range events {
		v := securityEventView{
			ID:        e.ID.String(),
			Username:  e.Username,
			Event:     e.Event,
			Field:     e.Field,
			Message:   e.Message,
			IPAddress: e.IPAddress,
			CreatedAt: e.CreatedAt,
		}
		if e.UserID != nil {
			v.UserID = e.UserID.String()
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}
