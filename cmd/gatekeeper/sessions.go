package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/repository/sqldb"
)

// sessionsCmd groups session maintenance tasks.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session maintenance",
}

// sessionsPruneCmd deletes expired rows. It is safe to run while the server
// is serving traffic: a DELETE of already-expired rows cannot sign anyone
// out who was still signed in. Run it from cron or a scheduled job.
var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired sessions",
	Long: `Delete every session whose expiry has passed.

Expired sessions are already rejected and removed when presented; prune only
reclaims rows for sessions that are never used again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := sqldb.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		// Same store and TTL the server uses. Cookies are never written
		// here, so Secure does not matter.
		sessions := auth.NewSessionManager(db, auth.SessionConfig{
			CookieName: cfg.Session.CookieName,
			TTL:        cfg.Session.TTL,
		}, logger, nil)

		n, err := sessions.PruneExpired(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("expired sessions pruned", slog.Int64("deleted", n))
		return nil
	},
}

// init registers "sessions prune".
func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
}
