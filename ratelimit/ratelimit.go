// Package ratelimit bounds visitor message throughput and length per session.
package ratelimit

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Window is the trailing interval messages are counted over.
const Window = 60 * time.Second

// Rejection reasons as sent to the visitor.
const (
	ReasonEmptyMessage      = "empty_message"
	ReasonMessageTooLong    = "message_too_long"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
)

// Limits are read on every check so admin changes apply immediately.
type Limits struct {
	MaxMessagesPerMinute int
	MaxMessageLength     int
}

// Result is the outcome of Allow. Limit is set for message_too_long
// (max length) and rate_limit_exceeded (max per minute).
type Result struct {
	OK     bool
	Reason string
	Limit  int
}

// Limiter is a sliding-window limiter keyed by session id.
type Limiter struct {
	limits func() Limits
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

func New(limits func() Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow validates text and checks the session's message rate. On success
// the message is recorded in the session's window.
func (l *Limiter) Allow(sessionID, text string) Result {
	limits := l.limits()

	if strings.TrimSpace(text) == "" {
		return Result{Reason: ReasonEmptyMessage}
	}
	if utf8.RuneCountInString(text) > limits.MaxMessageLength {
		return Result{Reason: ReasonMessageTooLong, Limit: limits.MaxMessageLength}
	}

	now := l.now()
	cutoff := now.Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := prune(l.windows[sessionID], cutoff)
	if len(window) >= limits.MaxMessagesPerMinute {
		l.windows[sessionID] = window
		return Result{Reason: ReasonRateLimitExceeded, Limit: limits.MaxMessagesPerMinute}
	}

	l.windows[sessionID] = append(window, now)
	return Result{OK: true}
}

// Forget drops the session's window.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, sessionID)
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the kept entries are a suffix.
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}
