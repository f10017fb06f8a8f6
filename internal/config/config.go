// Package config reads the service configuration from the environment. In
// development a .env file in the working directory is loaded first.
//
// TWELVE-FACTOR CONFIG:
// Everything that differs between a laptop and production (database, OAuth
// credentials, secrets) comes from environment variables. The binary and
// its embedded migrations are identical everywhere.
//
// VARIABLES:
//
//	ENV                          development (default) | production
//	PORT                         8080
//	BASE_URL                     http://localhost:$PORT
//	LOG_LEVEL                    debug | info | warn | error
//	TEMPLATE_DIR                 web/templates
//	DB_DRIVER, DB_DSN            sqlite, data/gatekeeper.db
//	SESSION_COOKIE_NAME          auth_session
//	SESSION_TTL                  720h
//	OAUTH_STATE_TTL              10m
//	OAUTH_EMAIL_RECONCILIATION   true
//	GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, GOOGLE_REDIRECT_URL
//	GITHUB_CLIENT_ID, GITHUB_CLIENT_SECRET, GITHUB_REDIRECT_URL
//	EMAIL_VERIFICATION_SECRET    empty disables verification mails
//
// A provider is enabled when both its client id and secret are set.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// minVerificationSecretLength matches auth.NewTokenService, so a bad secret
// fails at startup with the variable's name in the message.
const minVerificationSecretLength = 16

// Config is the whole service configuration, grouped by concern.
type Config struct {
	Env         string
	Port        int
	BaseURL     string
	LogLevel    slog.Level
	TemplateDir string

	Database DatabaseConfig
	Session  SessionConfig
	OAuth    OAuthConfig

	// EmailVerificationSecret signs verification links. Empty disables
	// email verification.
	EmailVerificationSecret string
}

// DatabaseConfig selects the driver. DSN is a file path (or ":memory:") for
// sqlite and a postgres:// URL for postgres.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

// SessionConfig feeds auth.SessionConfig. Secure is not configured here; it
// follows Production.
type SessionConfig struct {
	CookieName string
	TTL        time.Duration
}

// OAuthConfig configures the provider logins. StateTTL bounds how long the
// state and verifier cookies live.
type OAuthConfig struct {
	StateTTL            time.Duration
	EmailReconciliation bool
	Google              ProviderConfig
	GitHub              ProviderConfig
}

// ProviderConfig holds one provider's client credentials and callback URL.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether the provider has credentials.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// Production reports whether cookies must be Secure and logs JSON.
func (c Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Load builds the Config from the environment. Malformed values are errors,
// not silently replaced by defaults.
func Load() (Config, error) {
	env := getEnv("ENV", "development")
	if env == "dev" || env == "development" {
		// A missing .env is fine.
		_ = godotenv.Load()
	}

	l := &loader{}
	cfg := Config{
		Env:         env,
		Port:        l.int("PORT", 8080),
		TemplateDir: getEnv("TEMPLATE_DIR", "web/templates"),
		LogLevel:    l.level("LOG_LEVEL", slog.LevelInfo),
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DSN:    getEnv("DB_DSN", "data/gatekeeper.db"),
		},
		Session: SessionConfig{
			CookieName: getEnv("SESSION_COOKIE_NAME", "auth_session"),
			TTL:        l.duration("SESSION_TTL", 30*24*time.Hour),
		},
		OAuth: OAuthConfig{
			StateTTL:            l.duration("OAUTH_STATE_TTL", 10*time.Minute),
			EmailReconciliation: l.bool("OAUTH_EMAIL_RECONCILIATION", true),
		},
		EmailVerificationSecret: getEnv("EMAIL_VERIFICATION_SECRET", ""),
	}
	cfg.BaseURL = strings.TrimRight(getEnv("BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")

	cfg.OAuth.Google = ProviderConfig{
		ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		RedirectURL:  getEnv("GOOGLE_REDIRECT_URL", cfg.BaseURL+"/auth/google/callback"),
	}
	cfg.OAuth.GitHub = ProviderConfig{
		ClientID:     getEnv("GITHUB_CLIENT_ID", ""),
		ClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
		RedirectURL:  getEnv("GITHUB_REDIRECT_URL", cfg.BaseURL+"/auth/github/callback"),
	}

	if l.err != nil {
		return Config{}, l.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: DB_DRIVER must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: DB_DSN is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL must be positive")
	}
	if c.OAuth.StateTTL <= 0 {
		return fmt.Errorf("config: OAUTH_STATE_TTL must be positive")
	}
	if s := c.EmailVerificationSecret; s != "" && len(s) < minVerificationSecretLength {
		return fmt.Errorf("config: EMAIL_VERIFICATION_SECRET must be at least %d characters", minVerificationSecretLength)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// loader keeps the first parse error so Load can report it once.
type loader struct {
	err error
}

// fail records the first bad value. Later ones are dropped; fixing one
// variable at a time is normal when starting a service.
func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("config: invalid %s %q: %w", key, value, err)
	}
}

// int, bool, duration and level parse one variable each. An unset or empty
// variable yields defaultValue; a malformed one yields defaultValue and
// records the error.
func (l *loader) int(key string, defaultValue int) int {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		l.fail(key, s, err)
		return defaultValue
	}
	return v
}

func (l *loader) bool(key string, defaultValue bool) bool {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		l.fail(key, s, err)
		return defaultValue
	}
	return v
}

func (l *loader) duration(key string, defaultValue time.Duration) time.Duration {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		l.fail(key, s, err)
		return defaultValue
	}
	return v
}

func (l *loader) level(key string, defaultValue slog.Level) slog.Level {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	var v slog.Level
	if err := v.UnmarshalText([]byte(s)); err != nil {
		l.fail(key, s, err)
		return defaultValue
	}
	return v
}
