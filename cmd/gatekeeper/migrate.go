package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sakif/gatekeeper/internal/config"
	"github.com/sakif/gatekeeper/internal/repository/sqldb"
)

// migrateCmd groups the schema commands. They use sqldb.Connect, which does
// not migrate on open, so "down" and "version" see the schema as it is.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

// migrateUpCmd applies every pending migration.
var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all up migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(cmd, "up", (*sqldb.DB).MigrateUp)
	},
}

// migrateDownCmd rolls everything back. All users and sessions are lost;
// it exists for development resets.
var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations (drops every table)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(cmd, "down", (*sqldb.DB).MigrateDown)
	},
}

// migrateVersionCmd prints "version N", with " (dirty)" when a migration
// failed half-way and needs manual repair.
var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := connect(cmd, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		version, dirty, err := db.MigrationVersion()
		if err != nil {
			return err
		}
		out := fmt.Sprintf("version %d", version)
		if dirty {
			out += " (dirty)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

// connect opens the configured database without applying migrations.
func connect(cmd *cobra.Command, cfg config.Config) (*sqldb.DB, error) {
	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}
	dialect, err := sqldb.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	return sqldb.Connect(cmd.Context(), dialect, cfg.Database.DSN)
}

// runMigration applies one direction and logs the resulting version.
func runMigration(cmd *cobra.Command, direction string, apply func(*sqldb.DB) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := connect(cmd, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := apply(db); err != nil {
		return fmt.Errorf("migrate %s failed: %w", direction, err)
	}

	version, dirty, err := db.MigrationVersion()
	if err != nil {
		return err
	}
	logger.Info("migrations applied",
		slog.String("direction", direction),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// init registers "migrate" and its subcommands.
func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}
