package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakif/gatekeeper/internal/config"
)

// rootCmd has no Run of its own; "gatekeeper" alone prints help.
//
// SilenceUsage stops cobra from printing the usage text after a runtime
// error like a failed database connection, where it would only bury the
// message. SilenceErrors leaves printing the error to main.
var rootCmd = &cobra.Command{
	Use:           "gatekeeper",
	Short:         "Email/password and OAuth authentication service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads the configuration and builds the logger every command
// uses: text in development, JSON in production.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}

	// Text is easier to read in a terminal; JSON is what log collectors
	// parse. The attributes are the same either way.
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Production() {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return cfg, slog.New(h), nil
}

// ensureDataDir creates the directory of a file-backed SQLite database.
// SQLite creates the file itself but not missing parent directories, so a
// fresh checkout with DB_DSN=data/gatekeeper.db would fail without this.
// In-memory and "file:" URI DSNs, and postgres, are left alone.
func ensureDataDir(cfg config.Config) error {
	dsn := cfg.Database.DSN
	if cfg.Database.Driver != "sqlite" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dir, err)
	}
	return nil
}
