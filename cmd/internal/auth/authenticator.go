// Package auth authenticates API and WebSocket callers with HTTP Basic credentials
// (email:api_key) against the stored API key hash.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/security/apikey"
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// ThrottledError is returned while a client address is locked out after repeated failures.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string { return "auth: too many failed attempts" }

// UserLookup is the part of chat.Store the authenticator needs.
type UserLookup interface {
	UserByEmail(ctx context.Context, email string) (chat.User, error)
}

// Authenticator verifies Basic credentials.
type Authenticator struct {
	log      *slog.Logger
	users    UserLookup
	keys     apikey.Hasher
	cfg      Config
	throttle *failureWindow
	now      func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(users UserLookup, keys apikey.Hasher, cfg Config, opts ...Option) *Authenticator {
	if cfg.FailMax <= 0 {
		cfg.FailMax = DefaultConfig().FailMax
	}
	if cfg.FailWindow <= 0 {
		cfg.FailWindow = DefaultConfig().FailWindow
	}
	a := &Authenticator{
		log:      slog.Default(),
		users:    users,
		keys:     keys,
		cfg:      cfg,
		throttle: newFailureWindow(cfg.FailMax, cfg.FailWindow),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate resolves the caller of r. Mirror dummies and inactive users never authenticate.
func (a *Authenticator) Authenticate(r *http.Request) (chat.User, error) {
	email, key, ok := r.BasicAuth()
	email = strings.TrimSpace(email)
	if !ok || email == "" || key == "" {
		return chat.User{}, ErrMissingCredentials
	}

	now := a.now().UTC()
	ip := ClientIP(r, a.cfg.TrustProxy)
	addr := ""
	if ip != nil {
		addr = ip.String()
	}
	if wait := a.throttle.blocked(addr, now); wait > 0 {
		a.log.Warn("auth.throttled", "ip", addr, "retry_after_s", int64(wait.Seconds()))
		return chat.User{}, ThrottledError{RetryAfter: wait}
	}

	u, err := a.users.UserByEmail(r.Context(), email)
	switch {
	case chat.IsNotFound(err):
		// Hash anyway so unknown emails cost the same as bad keys.
		_ = a.keys.Verify(key, a.keys.Hash(""))
		return chat.User{}, a.fail(addr, email, "unknown_user", now)
	case err != nil:
		return chat.User{}, err
	}
	if !u.Active || u.MirrorDummy || u.APIKeyHash == "" {
		return chat.User{}, a.fail(addr, email, "inactive", now)
	}
	if !a.keys.Verify(key, u.APIKeyHash) {
		return chat.User{}, a.fail(addr, email, "bad_key", now)
	}
	return u, nil
}

func (a *Authenticator) fail(addr, email, reason string, now time.Time) error {
	a.throttle.record(addr, now)
	a.log.Info("auth.fail", "ip", addr, "email", email, "reason", reason)
	return ErrInvalidCredentials
}

// failureWindow counts failures per client address over a sliding window.
type failureWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byAddr map[string][]time.Time
}

func newFailureWindow(limit int, window time.Duration) *failureWindow {
	return &failureWindow{limit: limit, window: window, byAddr: make(map[string][]time.Time)}
}

func (f *failureWindow) prune(addr string, now time.Time) []time.Time {
	cut := now.Add(-f.window)
	list := f.byAddr[addr]
	dst := list[:0]
	for _, t := range list {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	if len(dst) == 0 {
		delete(f.byAddr, addr)
		return nil
	}
	f.byAddr[addr] = dst
	return dst
}

// blocked returns how long addr must wait, or 0.
func (f *failureWindow) blocked(addr string, now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.prune(addr, now)
	if len(list) < f.limit {
		return 0
	}
	wait := list[0].Add(f.window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (f *failureWindow) record(addr string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byAddr[addr] = append(f.prune(addr, now), now)
}

// ClientIP returns the caller address, honouring proxy headers only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
