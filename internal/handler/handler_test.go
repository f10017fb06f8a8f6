package handler_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/handler"
	"github.com/sakif/gatekeeper/internal/model"
	"github.com/sakif/gatekeeper/internal/repository/sqldb"
	"github.com/sakif/gatekeeper/internal/service"
)

// =========================================================================
// TEST APP
// =========================================================================

// stubProvider stands in for a provider without leaving the process.
type stubProvider struct {
	name string
	pkce bool

	mu        sync.Mutex
	exchanges int
}

func (p *stubProvider) Name() string   { return p.name }
func (p *stubProvider) UsesPKCE() bool { return p.pkce }
func (p *stubProvider) AuthCodeURL(state, _ string) string {
	return "https://" + p.name + ".example.com/authorize?state=" + url.QueryEscape(state)
}
func (p *stubProvider) Exchange(_ context.Context, code, _ string) (*auth.Identity, error) {
	p.mu.Lock()
	p.exchanges++
	p.mu.Unlock()
	return &auth.Identity{
		Provider:       p.name,
		ProviderUserID: "42",
		Email:          "octo@example.com",
		EmailVerified:  true,
		Username:       "octocat",
		Token:          &oauth2.Token{AccessToken: "token-" + code},
	}, nil
}

type testApp struct {
	router   http.Handler
	db       *sqldb.DB
	sessions *auth.SessionManager
	github   *stubProvider
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := sqldb.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := auth.NewSessionManager(db, auth.SessionConfig{}, logger, nil)
	authSvc := service.NewAuthService(db, sessions, auth.NewPasswordServiceForTest(), logger, nil)
	gh := &stubProvider{name: model.ProviderGitHub}
	google := &stubProvider{name: model.ProviderGoogle, pkce: true}
	oauthSvc := service.NewOAuthService(db, sessions, logger, nil, true, gh, google)

	authHandler := handler.NewAuthHandler(authSvc, sessions, logger)
	oauthHandler := handler.NewOAuthHandler(oauthSvc, sessions, 0, false, logger)
	pageHandler, err := handler.NewPageHandler("../../web/templates", oauthSvc.Providers(), logger)
	require.NoError(t, err)
	healthHandler := handler.NewHealthHandler(db, logger)

	r := chi.NewRouter()
	r.Use(auth.NewResolver(sessions, logger).Middleware)
	r.Get("/", pageHandler.HandleHome)
	r.Get("/sign-in", pageHandler.HandleSignIn)
	r.Get("/sign-up", pageHandler.HandleSignUp)
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/auth/verify-email", authHandler.HandleVerifyEmail)
	r.Get("/auth/{provider}/login", oauthHandler.HandleLogin)
	r.Get("/auth/{provider}/callback", oauthHandler.HandleCallback)
	r.Post("/api/auth/sign-up", authHandler.HandleSignUp)
	r.Post("/api/auth/sign-in", authHandler.HandleSignIn)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireSession)
		r.Post("/api/auth/sign-out", authHandler.HandleSignOut)
		r.Get("/api/me", authHandler.HandleMe)
	})

	return &testApp{router: r, db: db, sessions: sessions, github: gh}
}

func (a *testApp) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func cookieNamed(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	return out
}

const aliceSignUp = `{"email":"a@b.com","username":"alice","password":"longenough1","confirmPassword":"longenough1"}`

// signUp registers alice and returns her session cookie.
func (a *testApp) signUp(t *testing.T) *http.Cookie {
	t.Helper()
	rr := a.do(http.MethodPost, "/api/auth/sign-up", aliceSignUp)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	c := cookieNamed(rr, auth.DefaultSessionCookieName)
	require.NotNil(t, c)
	return c
}

// =========================================================================
// Password API
// =========================================================================

func TestSignUp(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodPost, "/api/auth/sign-up", aliceSignUp)

	assert.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, true, body["success"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, data["userId"])

	c := cookieNamed(rr, auth.DefaultSessionCookieName)
	require.NotNil(t, c)
	assert.Len(t, c.Value, 40)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}

func TestSignUp_Errors(t *testing.T) {
	app := newTestApp(t)
	app.signUp(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantField  string
		wantError  string
	}{
		{
			name:       "malformed body",
			body:       `{"email":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "passwords differ",
			body:       `{"email":"b@b.com","username":"bob","password":"longenough1","confirmPassword":"longenough2"}`,
			wantStatus: http.StatusBadRequest,
			wantField:  "confirmPassword",
			wantError:  "Passwords do not match",
		},
		{
			name:       "email taken",
			body:       `{"email":"a@b.com","username":"alice2","password":"longenough1","confirmPassword":"longenough1"}`,
			wantStatus: http.StatusConflict,
			wantField:  "email",
			wantError:  "An account with this email already exists. Please sign in instead",
		},
		{
			name:       "username taken",
			body:       `{"email":"c@b.com","username":"alice","password":"longenough1","confirmPassword":"longenough1"}`,
			wantStatus: http.StatusConflict,
			wantField:  "username",
			wantError:  "This username is already taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := app.do(http.MethodPost, "/api/auth/sign-up", tt.body)

			assert.Equal(t, tt.wantStatus, rr.Code)
			var res handler.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
			assert.Equal(t, tt.wantError, res.Error)
			assert.Equal(t, tt.wantField, res.Field)
			assert.Nil(t, cookieNamed(rr, auth.DefaultSessionCookieName))
		})
	}
}

func TestSignIn(t *testing.T) {
	app := newTestApp(t)
	app.signUp(t)

	rr := app.do(http.MethodPost, "/api/auth/sign-in", `{"email":"a@b.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Email or password is incorrect", decodeBody(t, rr)["error"])
	assert.Nil(t, cookieNamed(rr, auth.DefaultSessionCookieName), "no session on failure")

	rr = app.do(http.MethodPost, "/api/auth/sign-in", `{"email":"a@b.com","password":"longenough1"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true}`, rr.Body.String())
	c := cookieNamed(rr, auth.DefaultSessionCookieName)
	require.NotNil(t, c)

	rr = app.do(http.MethodGet, "/api/me", "", c)
	require.Equal(t, http.StatusOK, rr.Code)
	me := decodeBody(t, rr)
	user, ok := me["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", user["username"])
	assert.NotContains(t, rr.Body.String(), "argon2", "hash never serialized")
}

func TestSignOut(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodPost, "/api/auth/sign-out", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"error":"Unauthorized","code":"unauthenticated"}`, rr.Body.String())

	c := app.signUp(t)
	rr = app.do(http.MethodPost, "/api/auth/sign-out", "", c)
	assert.Equal(t, http.StatusOK, rr.Code)
	blank := cookieNamed(rr, auth.DefaultSessionCookieName)
	require.NotNil(t, blank)
	assert.Empty(t, blank.Value)
	assert.Equal(t, -1, blank.MaxAge)

	// The old cookie no longer works.
	rr = app.do(http.MethodGet, "/api/me", "", c)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestVerifyEmail_BadToken(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodGet, "/auth/verify-email?token=nope", "")

	assert.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/sign-in", loc.Path)
	assert.Equal(t, "Email verification is disabled", loc.Query().Get("error"))
}

// =========================================================================
// OAuth
// =========================================================================

func TestOAuthLogin(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodGet, "/auth/github/login", "")
	assert.Equal(t, http.StatusFound, rr.Code)
	state := cookieNamed(rr, "state")
	require.NotNil(t, state)
	assert.True(t, state.HttpOnly)
	assert.Equal(t, 600, state.MaxAge)
	assert.Nil(t, cookieNamed(rr, "codeVerifier"), "github does not use PKCE")

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state.Value, loc.Query().Get("state"))

	rr = app.do(http.MethodGet, "/auth/google/login", "")
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.NotNil(t, cookieNamed(rr, "codeVerifier"))

	rr = app.do(http.MethodGet, "/auth/myspace/login", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOAuthCallback_Success(t *testing.T) {
	app := newTestApp(t)
	login := app.do(http.MethodGet, "/auth/github/login", "")
	state := cookieNamed(login, "state")

	rr := app.do(http.MethodGet, "/auth/github/callback?code=abc&state="+url.QueryEscape(state.Value), "", state)

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Location"))
	session := cookieNamed(rr, auth.DefaultSessionCookieName)
	require.NotNil(t, session)
	assert.NotEmpty(t, session.Value)

	cleared := cookieNamed(rr, "state")
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	me := app.do(http.MethodGet, "/api/me", "", session)
	require.Equal(t, http.StatusOK, me.Code)
	body := decodeBody(t, me)
	assert.Equal(t, []any{"github"}, body["providers"])
}

func TestOAuthCallback_StateMismatch(t *testing.T) {
	app := newTestApp(t)
	login := app.do(http.MethodGet, "/auth/github/login", "")
	state := cookieNamed(login, "state")

	rr := app.do(http.MethodGet, "/auth/github/callback?code=abc&state=forged", "", state)

	assert.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/sign-in", loc.Path)
	assert.Equal(t, "Invalid request", loc.Query().Get("error"))

	assert.Nil(t, cookieNamed(rr, auth.DefaultSessionCookieName))
	for _, name := range []string{"state", "codeVerifier"} {
		c := cookieNamed(rr, name)
		require.NotNil(t, c, "%s cleared", name)
		assert.Equal(t, -1, c.MaxAge)
	}
	assert.Zero(t, app.github.exchanges, "provider never contacted")
}

func TestOAuthCallback_MissingStateCookie(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodGet, "/auth/github/callback?code=abc&state=anything", "")

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/sign-in?error=")
	assert.Zero(t, app.github.exchanges)
}

// =========================================================================
// Pages and health
// =========================================================================

func TestPages(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "You are not signed in")

	rr = app.do(http.MethodGet, "/sign-in?error="+url.QueryEscape("Invalid request"), "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Invalid request")
	assert.Contains(t, rr.Body.String(), "/auth/github/login")

	c := app.signUp(t)
	rr = app.do(http.MethodGet, "/", "", c)
	assert.Contains(t, rr.Body.String(), "alice")

	rr = app.do(http.MethodGet, "/sign-up", "", c)
	assert.Equal(t, http.StatusFound, rr.Code, "signed-in users skip the form")
}

func TestPages_StaleCookieCleared(t *testing.T) {
	app := newTestApp(t)
	stale := &http.Cookie{Name: auth.DefaultSessionCookieName, Value: strings.Repeat("a", 40)}

	rr := app.do(http.MethodGet, "/", "", stale)

	assert.Equal(t, http.StatusOK, rr.Code)
	c := cookieNamed(rr, auth.DefaultSessionCookieName)
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
