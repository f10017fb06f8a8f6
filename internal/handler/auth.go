package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/model"
	"github.com/sakif/gatekeeper/internal/service"
)

// AuthHandler serves the email/password JSON API.
//
//   - HandleSignUp      → POST /api/auth/sign-up
//   - HandleSignIn      → POST /api/auth/sign-in
//   - HandleSignOut     → POST /api/auth/sign-out (behind auth.RequireSession)
//   - HandleMe          → GET  /api/me           (behind auth.RequireSession)
//   - HandleVerifyEmail → GET  /auth/verify-email
//
// The handler only sets the session cookie after a successful call; every
// rule about who may sign in lives in service.AuthService.
//
// HEADER ORDER:
// http.SetCookie adds a header, and headers are frozen once writeJSON calls
// WriteHeader. The cookie is therefore always set before the body is
// written. The same applies to the resolver's deferred cookie: a handler
// that sets the session cookie itself takes precedence over it.
type AuthHandler struct {
	auth     *service.AuthService
	sessions *auth.SessionManager
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler. sessions is only used to build
// cookies; session rules stay in the service.
func NewAuthHandler(svc *service.AuthService, sessions *auth.SessionManager, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:     svc,
		sessions: sessions,
		logger:   logger,
	}
}

// signUpData is the "data" of a successful sign-up.
type signUpData struct {
	UserID string `json:"userId"`
}

// HandleSignUp creates an account and signs it in.
//
// HTTP: POST /api/auth/sign-up
//
//	{"email":"a@b.com","username":"alice","password":"...","confirmPassword":"...","acceptTermsAndConditions":true}
func (h *AuthHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	// Step 1: parse. Malformed JSON is a 400 before any rule runs.
	var in service.SignUpInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Step 2: the service runs every sign-up rule and opens a session.
	// Its AppError already carries the status and field for the client.
	res, err := h.auth.SignUp(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Step 3: cookie first, then body (see HEADER ORDER).
	http.SetCookie(w, h.sessions.SessionCookie(res.Session))
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    signUpData{UserID: res.User.ID},
	})
}

// HandleSignIn checks credentials and sets the session cookie.
//
// HTTP: POST /api/auth/sign-in
func (h *AuthHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var in service.SignInInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.auth.SignIn(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	http.SetCookie(w, h.sessions.SessionCookie(res.Session))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleSignOut ends the current session and clears the cookie.
//
// HTTP: POST /api/auth/sign-out
func (h *AuthHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	_, session := auth.CurrentUser(r)
	if session == nil {
		// Only reachable without RequireSession in front.
		writeError(w, h.logger, apperror.Unauthenticated("Unauthorized"))
		return
	}

	if err := h.auth.SignOut(r.Context(), session.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	// A blank cookie with MaxAge -1 tells the browser to drop it.
	http.SetCookie(w, h.sessions.BlankSessionCookie())
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// meResponse is the body of GET /api/me. The user's password hash never
// leaves the server: model.User tags it json:"-".
type meResponse struct {
	User      *model.User `json:"user"`
	Providers []string    `json:"providers"`
}

// HandleMe returns the signed-in user and their linked providers.
//
// HTTP: GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r)
	if user == nil {
		writeError(w, h.logger, apperror.Unauthenticated("Unauthorized"))
		return
	}

	providers, err := h.auth.LinkedProviders(r.Context(), user.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{User: user, Providers: providers})
}

// HandleVerifyEmail consumes the link from the verification mail and sends
// the browser back to the app.
//
// HTTP: GET /auth/verify-email?token=...
func (h *AuthHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	_, err := h.auth.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) {
			h.logger.Error("email verification failed", slog.String("error", err.Error()))
		}
		redirectWithError(w, r, apperror.MessageOf(err, "Something went wrong. Please try again"))
		return
	}
	http.Redirect(w, r, "/?verified=1", http.StatusFound)
}

// redirectWithError sends the browser to the sign-in page with msg shown.
func redirectWithError(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/sign-in?error="+url.QueryEscape(msg), http.StatusFound)
}
