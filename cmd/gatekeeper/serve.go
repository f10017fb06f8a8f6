package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/gatekeeper/internal/server"
)

// serveCmd runs the HTTP server in the foreground. server.New opens the
// database and applies pending migrations, so a fresh deployment needs no
// separate "migrate up" step.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (applies pending migrations first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if err := ensureDataDir(cfg); err != nil {
			return err
		}

		srv, err := server.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		// Start blocks until SIGINT/SIGTERM.
		return srv.Start()
	},
}

// init registers serve under the root command.
func init() {
	rootCmd.AddCommand(serveCmd)
}
