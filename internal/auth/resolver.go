package auth

// REQUEST-SCOPED AUTH RESOLUTION:
// A single page render may ask "who is signed in?" several times: the
// RequireSession guard, the handler, the template. Each answer needs a
// session lookup, and a lookup may extend the session. Resolver.Middleware
// puts one RequestAuth into the request context and every caller shares it:
//
//	request ──► Middleware ──► RequestAuth{cookie value}
//	                               │
//	           handler / template ─┼─ Resolve() ──► SessionManager.Validate (once)
//	           handler / template ─┘─ Resolve() ──► memoized result
//	                               │
//	           first header write ─┴─ pending cookie applied
//
// WHY IS THE COOKIE WRITE DEFERRED?
// Resolve is a read. It may be called from a template halfway through
// rendering, long after the handler decided what to send. If Resolve wrote
// Set-Cookie directly, the result would depend on who asked first and when.
// Instead it records what needs to go out:
//   - a refreshed session cookie when the session was extended
//   - a blank cookie when the browser holds a dead session
//
// cookieWriter adds that header on the first WriteHeader (or after the
// handler returns if it wrote nothing). A handler that sets the session
// cookie itself, like sign-in and sign-out, always wins.
//
// The memo lives only as long as the request. Nothing is shared between
// requests.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/model"
)

// requestAuthKey is an unexported type so no other package can collide with
// this context key.
type requestAuthKey struct{}

// RequestAuth is the per-request view of the session cookie. Resolve is
// memoized: however many handlers, templates or middlewares ask, the store
// is consulted at most once per request.
//
// Resolving never writes to the response. It records the cookie that has to
// go out (a refreshed one for a fresh session, a blank one for a dead
// session) and Resolver.Middleware applies it before the headers are sent.
type RequestAuth struct {
	sessions    *SessionManager
	logger      *slog.Logger
	cookieValue string
	hasCookie   bool

	once    sync.Once
	user    *model.User
	session *model.Session

	mu      sync.Mutex
	pending *http.Cookie
}

// Resolve returns the current user and session, or (nil, nil) when the
// request is not authenticated.
func (ra *RequestAuth) Resolve(ctx context.Context) (*model.User, *model.Session) {
	ra.once.Do(func() { ra.resolve(ctx) })
	return ra.user, ra.session
}

// resolve runs inside once.Do.
func (ra *RequestAuth) resolve(ctx context.Context) {
	if !ra.hasCookie {
		return
	}

	result, err := ra.sessions.Validate(ctx, ra.cookieValue)
	if err != nil {
		if errors.Is(err, apperror.ErrUnauthenticated) {
			ra.setPending(ra.sessions.BlankSessionCookie())
			return
		}
		// A storage failure is not proof the session is dead, so the
		// cookie stays. The request is still treated as anonymous.
		ra.logger.Error("session validation failed", slog.String("error", err.Error()))
		return
	}

	ra.user = result.User
	ra.session = result.Session
	if result.Fresh {
		ra.setPending(ra.sessions.SessionCookie(result.Session))
	}
}

// setPending records the cookie to send. mu guards pending because a handler
// may resolve from a goroutine of its own.
func (ra *RequestAuth) setPending(c *http.Cookie) {
	ra.mu.Lock()
	ra.pending = c
	ra.mu.Unlock()
}

// applyPending writes the recorded cookie into h, at most once. It is
// skipped when the handler already set the session cookie itself, e.g. on
// sign-in or sign-out.
func (ra *RequestAuth) applyPending(h http.Header) {
	ra.mu.Lock()
	c := ra.pending
	ra.pending = nil
	ra.mu.Unlock()

	if c == nil {
		return
	}
	prefix := c.Name + "="
	for _, v := range h.Values("Set-Cookie") {
		if strings.HasPrefix(v, prefix) {
			return
		}
	}
	h.Add("Set-Cookie", c.String())
}

// hasPending reports whether a cookie is still waiting to be written.
func (ra *RequestAuth) hasPending() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.pending != nil
}

// Resolver installs a RequestAuth into every request that passes through
// Middleware.
type Resolver struct {
	sessions *SessionManager
	logger   *slog.Logger
}

// NewResolver creates a Resolver that validates through sessions.
func NewResolver(sessions *SessionManager, logger *slog.Logger) *Resolver {
	return &Resolver{sessions: sessions, logger: logger}
}

// Middleware reads the session cookie once and defers validation until
// something calls Resolve.
func (rv *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ra := &RequestAuth{sessions: rv.sessions, logger: rv.logger}
		if c, err := r.Cookie(rv.sessions.CookieName()); err == nil {
			ra.cookieValue = c.Value
			ra.hasCookie = true
		}

		cw := &cookieWriter{ResponseWriter: w, auth: ra}
		ctx := context.WithValue(r.Context(), requestAuthKey{}, ra)
		next.ServeHTTP(cw, r.WithContext(ctx))

		if !cw.wroteHeader {
			ra.applyPending(cw.Header())
		} else if ra.hasPending() {
			rv.logger.Debug("session cookie resolved after headers were sent; not written",
				slog.String("path", r.URL.Path))
		}
	})
}

// FromContext returns the request's RequestAuth, or nil outside
// Resolver.Middleware.
func FromContext(ctx context.Context) *RequestAuth {
	ra, _ := ctx.Value(requestAuthKey{}).(*RequestAuth)
	return ra
}

// CurrentUser is shorthand for FromContext(r.Context()).Resolve.
func CurrentUser(r *http.Request) (*model.User, *model.Session) {
	ra := FromContext(r.Context())
	if ra == nil {
		return nil, nil
	}
	return ra.Resolve(r.Context())
}

// RequireSession rejects requests without a valid session with 401.
//
// The body has the same {"error", "code"} shape as every other JSON error
// the API returns. The handler package owns that shape, but importing it
// here would create a cycle, so the one response is written by hand.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _ := CurrentUser(r); user == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized","code":"unauthenticated"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cookieWriter flushes the pending session cookie just before the status
// line goes out.
type cookieWriter struct {
	http.ResponseWriter
	auth        *RequestAuth
	wroteHeader bool
}

func (w *cookieWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.auth.applyPending(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cookieWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush, Hijack and deadlines.
func (w *cookieWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
