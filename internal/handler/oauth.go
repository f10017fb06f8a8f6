package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/service"
)

// TRANSIENT COOKIES:
// Between the redirect to the provider and the callback, the server has to
// remember the state (and PKCE verifier) it generated. They are kept in the
// user's browser rather than server memory, so any instance can handle the
// callback and nothing needs cleaning up when a user abandons a login:
//
//	GET /auth/google/login
//	  Set-Cookie: state=...; codeVerifier=...; Max-Age=600; HttpOnly
//	  302 → accounts.google.com/...&state=...&code_challenge=...
//	GET /auth/google/callback?code=...&state=...
//	  Set-Cookie: state=; Max-Age=-1   (cleared before anything else)
//	  302 → /            with the session cookie, or
//	  302 → /sign-in?error=...
//
// Both cookies are single use. Clearing them first means a replayed or
// reloaded callback always fails the state check.

// Cookies that carry a provider login from step one to step two.
const (
	stateCookieName    = "state"
	verifierCookieName = "codeVerifier"

	DefaultOAuthStateTTL = 10 * time.Minute
)

// OAuthHandler drives the browser through a provider login.
//
//   - HandleLogin    → GET /auth/{provider}/login
//   - HandleCallback → GET /auth/{provider}/callback
//
// State and PKCE verifier live in short-lived HttpOnly cookies between the
// two steps. The callback always clears them, whatever the outcome.
type OAuthHandler struct {
	oauth    *service.OAuthService
	sessions *auth.SessionManager
	stateTTL time.Duration
	secure   bool
	logger   *slog.Logger
}

// NewOAuthHandler creates an OAuthHandler. stateTTL bounds how long a user
// may spend on the provider's consent screen; zero means
// DefaultOAuthStateTTL. secure adds the Secure attribute to the transient
// cookies.
func NewOAuthHandler(
	svc *service.OAuthService,
	sessions *auth.SessionManager,
	stateTTL time.Duration,
	secure bool,
	logger *slog.Logger,
) *OAuthHandler {
	if stateTTL <= 0 {
		stateTTL = DefaultOAuthStateTTL
	}
	return &OAuthHandler{
		oauth:    svc,
		sessions: sessions,
		stateTTL: stateTTL,
		secure:   secure,
		logger:   logger,
	}
}

// HandleLogin stores state (and verifier) and redirects to the provider.
func (h *OAuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := h.oauth.Begin(chi.URLParam(r, "provider"))
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("oauth login: starting authorization", slog.String("error", err.Error()))
		redirectWithError(w, r, "Something went wrong. Please try again")
		return
	}

	http.SetCookie(w, h.transientCookie(stateCookieName, req.State))
	if req.CodeVerifier != "" {
		http.SetCookie(w, h.transientCookie(verifierCookieName, req.CodeVerifier))
	}

	http.Redirect(w, r, req.URL, http.StatusFound)
}

// HandleCallback completes the login. Success lands on "/" with a session
// cookie; any failure lands on the sign-in page with a message.
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cb := service.Callback{
		Provider:      chi.URLParam(r, "provider"),
		Code:          q.Get("code"),
		State:         q.Get("state"),
		ProviderError: q.Get("error"),
	}
	if c, err := r.Cookie(stateCookieName); err == nil {
		cb.StoredState = c.Value
	}
	if c, err := r.Cookie(verifierCookieName); err == nil {
		cb.StoredVerifier = c.Value
	}

	// Single use, success or not.
	h.clearTransientCookies(w)

	session, err := h.oauth.Complete(r.Context(), cb)
	if err != nil {
		h.logFailure(cb.Provider, err)
		redirectWithError(w, r, apperror.MessageOf(err, "Something went wrong. Please try again"))
		return
	}

	http.SetCookie(w, h.sessions.SessionCookie(session))
	http.Redirect(w, r, "/", http.StatusFound)
}

// logFailure picks the level by cause: a rejected callback is a client
// problem (Warn), an email conflict is an expected outcome (Info), anything
// else is ours (Error).
func (h *OAuthHandler) logFailure(provider string, err error) {
	attrs := []any{
		slog.String("provider", provider),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, apperror.ErrProvider):
		h.logger.Warn("oauth callback rejected", attrs...)
	case errors.Is(err, apperror.ErrConflict):
		h.logger.Info("oauth callback conflict", attrs...)
	default:
		h.logger.Error("oauth callback failed", attrs...)
	}
}

// transientCookie builds the state or verifier cookie. SameSite=Lax is
// required here: the callback is a cross-site top-level navigation from the
// provider, and Strict cookies would not be sent with it.
func (h *OAuthHandler) transientCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(h.stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// clearTransientCookies expires both cookies. MaxAge -1 tells the browser to
// delete them now.
func (h *OAuthHandler) clearTransientCookies(w http.ResponseWriter) {
	for _, name := range []string{stateCookieName, verifierCookieName} {
		c := h.transientCookie(name, "")
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}
