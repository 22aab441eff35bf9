// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package authtest

import (
	"context"
	"sync"
	"time"
)

// Mail is a message captured by Mailer.
type Mail struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer records sent mail. Err, if set, is returned from every send.
type Mailer struct {
	mu   sync.Mutex
	sent []Mail
	Err  error
}

// SendMail implements auth.Mailer.
func (m *Mailer) SendMail(_ context.Context, to, subject, htmlBody, textBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, Mail{To: to, Subject: subject, HTML: htmlBody, Text: textBody})
	return nil
}

// Sent returns the captured messages.
func (m *Mailer) Sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.sent...)
}

// Limiter allows up to Max requests per key. Err, if set, is returned instead.
type Limiter struct {
	mu     sync.Mutex
	counts map[string]int
	Max    int
	Err    error
}

// Allow implements auth.RequestLimiter.
func (l *Limiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, l.Err
	}
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= l.Max, nil
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
