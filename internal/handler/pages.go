// Package handler contains the HTTP handlers: the JSON auth API, the OAuth
// redirect endpoints and the server-rendered pages.
//
// Handlers are glue. They parse the request, call a service and write the
// response; no authentication rule lives here.
package handler

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/model"
)

// Page names. Each is rendered from base.html plus <name>.html.
const (
	pageHome   = "home"
	pageSignIn = "sign-in"
	pageSignUp = "sign-up"
)

// PageHandler renders the HTML pages. Templates are parsed once at startup.
//
// Every page defines {{define "content"}}, so each gets its own template set
// composed with base.html.
type PageHandler struct {
	pages     map[string]*template.Template
	providers []string
	logger    *slog.Logger
}

// pageData is what every template sees. Fields a page does not use stay
// zero.
//
// HTML ESCAPING:
// html/template escapes every {{.Field}} for its context (HTML text,
// attribute, URL, JS), so the error message from the query string cannot
// inject markup into the sign-in page.
type pageData struct {
	Title     string
	User      *model.User
	Error     string
	Verified  bool
	Providers []string
}

// NewPageHandler parses base.html together with each page's template.
// A missing or broken template fails here, at startup, rather than on the
// first request. providers lists the enabled OAuth providers for the
// "Sign in with ..." buttons.
func NewPageHandler(templateDir string, providers []string, logger *slog.Logger) (*PageHandler, error) {
	pages := make(map[string]*template.Template, 3)
	for _, name := range []string{pageHome, pageSignIn, pageSignUp} {
		tmpl, err := template.ParseFiles(
			filepath.Join(templateDir, "base.html"),
			filepath.Join(templateDir, name+".html"),
		)
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		pages[name] = tmpl
	}

	return &PageHandler{
		pages:     pages,
		providers: providers,
		logger:    logger,
	}, nil
}

// HandleHome shows who is signed in.
//
// HTTP: GET /
func (h *PageHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.CurrentUser(r)
	h.render(w, pageHome, pageData{
		Title:    "Gatekeeper",
		User:     user,
		Verified: r.URL.Query().Get("verified") == "1",
	})
}

// HandleSignIn renders the sign-in form, or sends signed-in users home.
//
// HTTP: GET /sign-in?error=...
func (h *PageHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	h.renderForm(w, r, pageSignIn, "Sign in")
}

// HandleSignUp renders the sign-up form.
//
// HTTP: GET /sign-up
func (h *PageHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	h.renderForm(w, r, pageSignUp, "Sign up")
}

// renderForm serves a sign-in or sign-up form to anonymous visitors.
func (h *PageHandler) renderForm(w http.ResponseWriter, r *http.Request, name, title string) {
	if user, _ := auth.CurrentUser(r); user != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	h.render(w, name, pageData{
		Title:     title + " · Gatekeeper",
		Error:     r.URL.Query().Get("error"),
		Providers: h.providers,
	})
}

// render executes the page's "base" template into w.
func (h *PageHandler) render(w http.ResponseWriter, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.pages[name].ExecuteTemplate(w, "base", data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
