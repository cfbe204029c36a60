// Package auth caches interactive sign-in sessions for remote backends.
//
// A Cache is an ordinary value owned by whoever opens projects; there is no
// package-level session state. Only callers holding a Prompter (the CLI or
// another user-facing surface) can create sessions. Background operations
// read sessions and fail with ErrSessionExpired instead of prompting.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Session lifetime defaults.
const (
	DefaultLifetime = time.Hour
	ExpiryBuffer    = 5 * time.Minute
)

// Session is a short-lived authenticated handle for one connection profile.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

func (s Session) String() string {
	return fmt.Sprintf("Session{token:***, expires:%s}", s.ExpiresAt.UTC().Format(time.RFC3339))
}

// GoString keeps %#v from printing the token.
func (s Session) GoString() string { return s.String() }

// LogValue implements slog.LogValuer.
func (s Session) LogValue() slog.Value { return slog.StringValue(s.String()) }

// expired reports whether the session is within ExpiryBuffer of its expiry.
func (s Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt.Add(-ExpiryBuffer))
}

// Prompter performs the interactive sign-in for a profile.
type Prompter interface {
	SignIn(ctx context.Context, profile types.ConnectionProfile) (Session, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, profile types.ConnectionProfile) (Session, error)

// SignIn calls f.
func (f PrompterFunc) SignIn(ctx context.Context, profile types.ConnectionProfile) (Session, error) {
	return f(ctx, profile)
}

// Cache holds sessions keyed by ConnectionProfile.Identity.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithLogger sets the logger used for sign-in and expiry events.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.log = l } }

// NewCache returns an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		sessions: make(map[string]Session),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SignIn runs the interactive sign-in through p and caches the result. A
// nil Prompter means the caller cannot present a sign-in.
func (c *Cache) SignIn(ctx context.Context, p Prompter, profile types.ConnectionProfile) (Session, error) {
	if p == nil {
		return Session{}, authError("sign in", profile, types.ErrSignInRequired)
	}
	s, err := p.SignIn(ctx, profile)
	if err != nil {
		return Session{}, types.ConnectionError("sign in", profile.Identity(), types.ReasonAuthFailure, err)
	}
	if s.Token == "" {
		return Session{}, authError("sign in", profile, fmt.Errorf("%w: empty token", types.ErrSignInRequired))
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = c.now().Add(DefaultLifetime)
	}
	c.mu.Lock()
	c.sessions[profile.Identity()] = s
	c.mu.Unlock()
	c.log.Info("auth.signin.ok", "profile", profile.Identity(), "expires_at", s.ExpiresAt)
	return s, nil
}

// Session returns the cached session for profile without prompting. An
// expired session is dropped and reported as ErrSessionExpired.
func (c *Cache) Session(profile types.ConnectionProfile) (Session, error) {
	key := profile.Identity()
	c.mu.RLock()
	s, ok := c.sessions[key]
	c.mu.RUnlock()
	if !ok {
		return Session{}, authError("session", profile, types.ErrSignInRequired)
	}
	if s.expired(c.now()) {
		c.Invalidate(profile)
		c.log.Warn("auth.session.expired", "profile", key)
		return Session{}, authError("session", profile, types.ErrSessionExpired)
	}
	return s, nil
}

// Invalidate drops the session for profile.
func (c *Cache) Invalidate(profile types.ConnectionProfile) {
	c.mu.Lock()
	delete(c.sessions, profile.Identity())
	c.mu.Unlock()
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func authError(op string, profile types.ConnectionProfile, cause error) error {
	return types.ConnectionError(op, profile.Identity(), types.ReasonAuthFailure, cause).
		WithHint("reopen the project to sign in again")
}
