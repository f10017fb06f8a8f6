// Package server is the composition root: it opens the database, builds the
// services and handlers, mounts the routes and runs the HTTP server with
// graceful shutdown.
//
// Dependency flow:
//
//	config ──► sqldb.DB ──► auth.SessionManager ──► service.AuthService  ──► handler.AuthHandler
//	                                             └─► service.OAuthService ──► handler.OAuthHandler
//	                         auth.Resolver (middleware on every route)
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/config"
	"github.com/sakif/gatekeeper/internal/handler"
	"github.com/sakif/gatekeeper/internal/metrics"
	"github.com/sakif/gatekeeper/internal/middleware"
	"github.com/sakif/gatekeeper/internal/repository/sqldb"
	"github.com/sakif/gatekeeper/internal/service"
)

// shutdownTimeout is how long in-flight requests get to finish after
// SIGTERM before the server gives up on them.
const shutdownTimeout = 30 * time.Second

// Server owns the database handle; Start closes it on the way out.
//
// registry is a private Prometheus registry rather than the global default.
// Only what is registered on it shows up at /metrics, and tests can build
// as many servers as they like.
type Server struct {
	router   *chi.Mux
	config   config.Config
	logger   *slog.Logger
	db       *sqldb.DB
	registry *prometheus.Registry
}

// New opens the database (applying pending migrations) and wires every
// component.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	db, err := sqldb.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		db:       db,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := s.setupRoutes(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database. Start calls it itself.
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes builds the dependency graph and mounts:
//
//	GET  /                          home page
//	GET  /sign-in, /sign-up         forms
//	POST /api/auth/sign-up          JSON
//	POST /api/auth/sign-in          JSON
//	POST /api/auth/sign-out         JSON, session required
//	GET  /api/me                    JSON, session required
//	GET  /auth/{provider}/login     redirect to provider
//	GET  /auth/{provider}/callback  redirect back into the app
//	GET  /auth/verify-email         verification link target
//	GET  /healthz, /metrics
func (s *Server) setupRoutes(ctx context.Context) error {
	m := metrics.New(s.registry)
	secure := s.config.Production()

	sessions := auth.NewSessionManager(s.db, auth.SessionConfig{
		CookieName: s.config.Session.CookieName,
		TTL:        s.config.Session.TTL,
		Secure:     secure,
	}, s.logger, m)

	authService := service.NewAuthService(s.db, sessions, auth.NewPasswordService(), s.logger, m)
	if secret := s.config.EmailVerificationSecret; secret != "" {
		tokens, err := auth.NewTokenService(secret)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
		authService.WithEmailVerification(tokens, service.LogMailer{Logger: s.logger}, s.config.BaseURL)
	}

	providers := s.providers(ctx)
	oauthService := service.NewOAuthService(s.db, sessions, s.logger, m,
		s.config.OAuth.EmailReconciliation, providers...)

	authHandler := handler.NewAuthHandler(authService, sessions, s.logger)
	oauthHandler := handler.NewOAuthHandler(oauthService, sessions, s.config.OAuth.StateTTL, secure, s.logger)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)
	pageHandler, err := handler.NewPageHandler(s.config.TemplateDir, oauthService.Providers(), s.logger)
	if err != nil {
		return fmt.Errorf("creating page handler: %w", err)
	}

	// === Global middleware, in order ===
	//
	// ORDER MATTERS. Middleware runs outermost first:
	//   1. RequestID  assigns the id the logger and handlers read
	//   2. RealIP     replaces RemoteAddr with X-Forwarded-For / X-Real-IP
	//                 when running behind a proxy
	//   3. Logger     sees the final status, including the 500 below
	//   4. Recoverer  turns a handler panic into a 500 instead of a dropped
	//                 connection; it sits inside Logger so the 500 is logged
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Everything below may look at the session. /healthz and /metrics are
	// outside the group: health checkers and scrapers carry no cookies, and a
	// database outage must not turn a health check into a session lookup.
	s.router.Group(func(r chi.Router) {
		r.Use(auth.NewResolver(sessions, s.logger).Middleware)

		r.Get("/", pageHandler.HandleHome)
		r.Get("/sign-in", pageHandler.HandleSignIn)
		r.Get("/sign-up", pageHandler.HandleSignUp)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/verify-email", authHandler.HandleVerifyEmail)
			r.Get("/{provider}/login", oauthHandler.HandleLogin)
			r.Get("/{provider}/callback", oauthHandler.HandleCallback)
		})

		r.Route("/api", func(r chi.Router) {
			r.Post("/auth/sign-up", authHandler.HandleSignUp)
			r.Post("/auth/sign-in", authHandler.HandleSignIn)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireSession)
				r.Post("/auth/sign-out", authHandler.HandleSignOut)
				r.Get("/me", authHandler.HandleMe)
			})
		})
	})

	return nil
}

// providers builds the OAuth clients that have credentials configured.
// A provider without credentials is simply absent: its login route answers
// 404 and the pages show no button for it.
func (s *Server) providers(ctx context.Context) []auth.Provider {
	var out []auth.Provider

	if g := s.config.OAuth.Google; g.Enabled() {
		out = append(out, auth.NewGoogleProvider(ctx, auth.GoogleConfig{
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			RedirectURL:  g.RedirectURL,
		}))
	} else {
		s.logger.Info("google sign-in disabled: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set")
	}

	if gh := s.config.OAuth.GitHub; gh.Enabled() {
		out = append(out, auth.NewGitHubProvider(auth.GitHubConfig{
			ClientID:     gh.ClientID,
			ClientSecret: gh.ClientSecret,
			RedirectURL:  gh.RedirectURL,
		}))
	} else {
		s.logger.Info("github sign-in disabled: GITHUB_CLIENT_ID or GITHUB_CLIENT_SECRET not set")
	}

	return out
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests and
// closes the database.
//
// GRACEFUL SHUTDOWN:
//
//	ListenAndServe (goroutine) ──► serverErrors
//	signal.Notify              ──► quit
//	select: whichever fires first
//	  quit ─► srv.Shutdown(ctx): stop accepting, wait for active requests
//	          (up to shutdownTimeout), then return
//
// Orchestrators send SIGTERM before killing a container, so a deploy never
// cuts a sign-in off half-way through its transaction.
//
// The timeouts on http.Server guard against slow clients holding
// connections open. ReadHeaderTimeout in particular defeats Slowloris-style
// attacks that send headers one byte at a time.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.BaseURL),
			slog.String("db_driver", s.config.Database.Driver),
			slog.String("env", s.config.Env),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
