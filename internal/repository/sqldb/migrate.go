package sqldb

// SCHEMA MIGRATIONS:
// The schema is a sequence of numbered SQL files, one pair per change:
//
//	migrations/<dialect>/000001_init.up.sql      applied by "up"
//	migrations/<dialect>/000001_init.down.sql    applied by "down"
//
// golang-migrate records the last applied number in a schema_migrations
// table. Up runs every file above that number in order; Down walks back.
// A migration that fails half-way leaves the version marked dirty, and
// nothing else runs until an operator fixes it by hand.
//
// The files are compiled into the binary with //go:embed and read through
// the iofs source, so a deployed binary never looks for a migrations
// directory on disk.

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationsFS holds migrations/sqlite and migrations/postgres.
//
//go:embed migrations
var migrationsFS embed.FS

// MigrateUp applies every pending migration. Already up to date is not an error.
func (db *DB) MigrateUp() error {
	m, done, err := db.migrator()
	if err != nil {
		return err
	}
	defer done()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqldb: migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func (db *DB) MigrateDown() error {
	m, done, err := db.migrator()
	if err != nil {
		return err
	}
	defer done()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqldb: migrate down: %w", err)
	}
	return nil
}

// MigrationVersion reports the applied schema version. A database that has
// never been migrated reports version 0.
func (db *DB) MigrationVersion() (version uint, dirty bool, err error) {
	m, done, err := db.migrator()
	if err != nil {
		return 0, false, err
	}
	defer done()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrator builds a golang-migrate instance on the existing pool.
//
// The returned cleanup must be used instead of m.Close: the sqlite driver's
// Close would close our pool. For Postgres the driver runs on a dedicated
// connection taken from the pool, which cleanup hands back.
func (db *DB) migrator() (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationsFS, "migrations/"+string(db.dialect))
	if err != nil {
		return nil, nil, fmt.Errorf("sqldb: loading migrations: %w", err)
	}

	var (
		driver  database.Driver
		cleanup = func() {}
	)

	switch db.dialect {
	case SQLite:
		driver, err = migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	case Postgres:
		ctx := context.Background()
		conn, cerr := db.conn.Conn(ctx)
		if cerr != nil {
			return nil, nil, fmt.Errorf("sqldb: reserving migration connection: %w", cerr)
		}
		driver, err = migratepg.WithConnection(ctx, conn, &migratepg.Config{})
		if err != nil {
			conn.Close()
		}
		cleanup = func() { _ = driver.Close() }
	default:
		err = fmt.Errorf("unsupported dialect %q", db.dialect)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sqldb: creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(db.dialect), driver)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("sqldb: creating migrator: %w", err)
	}
	return m, cleanup, nil
}
