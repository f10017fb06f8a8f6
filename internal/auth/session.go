package auth

// SERVER-SIDE SESSIONS:
// The session cookie carries only a random id. The user it belongs to and
// when it expires live in the sessions table. Compared with a signed token
// (a JWT in the cookie), a stored session can be revoked instantly: sign-out
// deletes the row and the id is dead on the next request, on every device
// that held it.
//
// SESSION LIFECYCLE:
//
//	Create ──► row {id, user_id, expires_at = now + TTL}
//	            │
//	Validate ───┤ expired?            → delete row, ErrUnauthenticated
//	            │ < TTL/2 remaining?  → expires_at = now + TTL, Fresh = true
//	            │ otherwise           → valid, nothing written
//	            │
//	Invalidate ─┴► row deleted
//
// THE TTL/2 FRESHNESS RULE:
// An active user should never be signed out mid-use, but writing a new expiry
// on every request would turn every read into a write. Extending only once
// the session has used up half of its lifetime gives a sliding window with
// at most one write per half TTL. When that happens Validate reports Fresh
// and the resolver sends the cookie again with the new expiry. The id itself
// stays the same.

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/metrics"
	"github.com/sakif/gatekeeper/internal/model"
	"github.com/sakif/gatekeeper/internal/repository"
)

// Defaults applied by NewSessionManager when SessionConfig leaves a field
// empty. Session ids are 25 random bytes (200 bits) encoded as lowercase
// base32, which keeps them URL and cookie safe.
const (
	DefaultSessionCookieName = "auth_session"
	DefaultSessionTTL        = 30 * 24 * time.Hour

	sessionIDBytes  = 25
	sessionIDLength = 40 // base32 of 25 bytes, no padding
)

// sessionIDEncoding is lowercase RFC 4648 base32 without padding.
var sessionIDEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// errInvalidSession is deliberately vague: callers cannot tell a malformed
// id from an unknown or expired one.
var errInvalidSession = apperror.Unauthenticated("Invalid session")

// SessionConfig controls session lifetime and the cookie attributes.
//
//   - CookieName  name of the session cookie (default "auth_session")
//   - TTL         lifetime of a new session (default 30 days)
//   - Secure      adds the Secure attribute, so the browser only sends the
//     cookie over HTTPS. Set in production, left off for http://localhost.
type SessionConfig struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// ValidationResult is returned by a successful Validate. When Fresh is set
// the expiry was pushed out and the caller must reissue the cookie.
type ValidationResult struct {
	User    *model.User
	Session *model.Session
	Fresh   bool
}

// SessionManager issues and checks server-side sessions.
//
// It depends on repository.SessionRepository rather than the whole store:
// sessions never need to create users or link accounts. now is a field so
// tests can move the clock without sleeping.
type SessionManager struct {
	store   repository.SessionRepository
	cfg     SessionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSessionManager creates a SessionManager, filling in the default cookie
// name and TTL when cfg leaves them empty. m may be nil.
func NewSessionManager(store repository.SessionRepository, cfg SessionConfig, logger *slog.Logger, m *metrics.Metrics) *SessionManager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultSessionCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	return &SessionManager{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// CookieName is the name of the session cookie.
func (m *SessionManager) CookieName() string { return m.cfg.CookieName }

// TTL is the lifetime given to new sessions.
func (m *SessionManager) TTL() time.Duration { return m.cfg.TTL }

// Create starts a session for userID lasting ttl (the configured TTL when
// ttl <= 0).
//
// The TTL is stored with the row, so the freshness rule keeps using the
// lifetime the session was issued with even if the configured default
// changes later.
func (m *SessionManager) Create(ctx context.Context, userID string, ttl time.Duration) (*model.Session, error) {
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		TTL:       ttl,
		CreatedAt: now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("auth: creating session: %w", err)
	}
	return s, nil
}

// Validate resolves a session id to its user.
//
// FAILS CLOSED:
// Every reason a session can be unusable (empty or malformed id, no such row,
// expired) returns the same apperror.ErrUnauthenticated. Any other error is a
// storage failure and is returned wrapped, so the caller can tell "signed
// out" from "database down".
//
// Malformed ids are rejected before the query. A cookie that was never issued
// by us does not cost a database round trip.
//
// When less than half of the session's TTL remains, the stored expiry is
// moved to now+TTL and Fresh is reported. The id never changes.
func (m *SessionManager) Validate(ctx context.Context, id string) (*ValidationResult, error) {
	if !validSessionID(id) {
		m.metrics.SessionValidation(metrics.ResultInvalid)
		return nil, errInvalidSession
	}

	session, user, err := m.store.GetSessionAndUser(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			m.metrics.SessionValidation(metrics.ResultInvalid)
			return nil, errInvalidSession
		}
		m.metrics.SessionValidation(metrics.ResultError)
		return nil, fmt.Errorf("auth: loading session: %w", err)
	}

	now := m.now()
	if session.Expired(now) {
		// Lazy cleanup. The row is already useless, so a failure here only
		// leaves garbage for "sessions prune".
		if err := m.store.DeleteSession(ctx, id); err != nil {
			m.logger.Warn("failed to delete expired session",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
		}
		m.metrics.SessionValidation(metrics.ResultInvalid)
		return nil, errInvalidSession
	}

	ttl := session.TTL
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}

	result := &ValidationResult{User: user, Session: session}
	if session.ExpiresAt.Sub(now) < ttl/2 {
		expiresAt := now.Add(ttl)
		if err := m.store.ExtendSession(ctx, id, expiresAt); err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				// Signed out by a concurrent request.
				m.metrics.SessionValidation(metrics.ResultInvalid)
				return nil, errInvalidSession
			}
			m.metrics.SessionValidation(metrics.ResultError)
			return nil, fmt.Errorf("auth: extending session: %w", err)
		}
		session.ExpiresAt = expiresAt
		session.TTL = ttl
		result.Fresh = true
		m.metrics.SessionValidation(metrics.ResultFresh)
		return result, nil
	}

	m.metrics.SessionValidation(metrics.ResultValid)
	return result, nil
}

// Invalidate deletes the session. Unknown ids are not an error.
func (m *SessionManager) Invalidate(ctx context.Context, id string) error {
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("auth: invalidating session: %w", err)
	}
	return nil
}

// InvalidateUser signs userID out of every device.
func (m *SessionManager) InvalidateUser(ctx context.Context, userID string) error {
	if err := m.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("auth: invalidating sessions for user %s: %w", userID, err)
	}
	return nil
}

// PruneExpired removes expired rows. Validation never depends on it.
func (m *SessionManager) PruneExpired(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("auth: pruning sessions: %w", err)
	}
	return n, nil
}

// SessionCookie builds the cookie carrying s. It does not touch the store.
//
// COOKIE ATTRIBUTES:
//   - HttpOnly      page JavaScript cannot read the id
//   - SameSite=Lax  sent on top-level navigation (so provider redirects back
//     to us keep the session) but not on cross-site POSTs
//   - Path=/        one cookie for pages and the JSON API
//   - Expires       matches the stored expiry
func (m *SessionManager) SessionCookie(s *model.Session) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// BlankSessionCookie builds an already-expired cookie that makes the browser
// drop its session cookie.
func (m *SessionManager) BlankSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// generateSessionID draws sessionIDBytes from crypto/rand.
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generating session id: %w", err)
	}
	return sessionIDEncoding.EncodeToString(b), nil
}

// validSessionID checks length and alphabet only. Existence is the store's
// business.
func validSessionID(id string) bool {
	if len(id) != sessionIDLength {
		return false
	}
	return strings.Trim(id, "abcdefghijklmnopqrstuvwxyz234567") == ""
}
