// Package sqldb implements the repository interfaces on database/sql.
//
// Two drivers are supported:
//   - sqlite   (modernc.org/sqlite, pure Go) for development and tests
//   - postgres (github.com/lib/pq) for production
//
// WHY TWO DRIVERS?
// SQLite needs nothing running: a file (or ":memory:") is the whole
// database, which makes local development and the test suite self-contained.
// Postgres handles many concurrent writers and is what a multi-instance
// deployment uses. DB_DRIVER picks one at startup; the repository code is
// shared.
//
// PLACEHOLDER REBINDING:
// SQLite takes "?" placeholders; Postgres wants "$1, $2, ...". Queries here
// are written once with "?" and rebind rewrites them for Postgres:
//
//	UPDATE sessions SET expires_at = ? WHERE id = ?
//	UPDATE sessions SET expires_at = $1 WHERE id = $2
//
// No query in this package has a literal "?" inside a string, so a plain
// left-to-right rewrite is enough.
//
// DATABASE/SQL OVERVIEW:
//   - sql.DB   is a connection pool, safe for concurrent use
//   - sql.Tx   pins one connection until Commit or Rollback
//   - sql.Row  is a single result row; Scan returns sql.ErrNoRows if empty
//
// The schema lives in embedded golang-migrate files, one directory per
// dialect, and is applied by Open. See migrate.go.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// BLANK IMPORTS:
	// Each driver's init() registers it with database/sql under a name
	// ("postgres", "sqlite"). After that, sql.Open(name, dsn) can use it.
	// modernc.org/sqlite is a pure Go translation of SQLite, so the binary
	// builds without cgo or a C compiler.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sakif/gatekeeper/internal/repository"
)

// Dialect names a supported database. The value doubles as the
// database/sql driver name and the migrations sub-directory.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect validates a DB_DRIVER value.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case SQLite:
		return SQLite, nil
	case Postgres:
		return Postgres, nil
	default:
		return "", fmt.Errorf("sqldb: unsupported driver %q (want sqlite or postgres)", s)
	}
}

// Pool settings. Postgres gets a bounded pool so a traffic spike queues in
// the application instead of exhausting max_connections on the server.
// sqliteBusyMilli is how long SQLite waits on a locked database file before
// returning SQLITE_BUSY.
const (
	pingTimeout     = 5 * time.Second
	pgMaxOpenConns  = 25
	pgMaxIdleConns  = 5
	pgConnMaxIdle   = 2 * time.Minute
	pgConnMaxLife   = 30 * time.Minute
	sqliteBusyMilli = 5000
)

// querier is satisfied by both *sql.DB and *sql.Tx, so the same repository
// methods run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB connection pool and provides repository methods.
//
// Inside InTx the callback receives a copy whose q is the *sql.Tx, so the
// same methods run against the transaction. conn stays the pool in both.
type DB struct {
	conn    *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

var (
	_ repository.Store   = (*DB)(nil)
	_ repository.TxStore = (*DB)(nil)
)

// New opens a SQLite database at dbPath (":memory:" for tests) and applies
// migrations. It is shorthand for Open(ctx, "sqlite", dbPath).
func New(dbPath string) (*DB, error) {
	return Open(context.Background(), string(SQLite), dbPath)
}

// Open creates the connection pool for driver/dsn, verifies it with a ping
// and runs all pending migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := Connect(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb: running migrations: %w", err)
	}

	return db, nil
}

// Connect opens and configures the pool without touching the schema. The
// migrate command uses it directly.
func Connect(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: opening %s database: %w", dialect, err)
	}

	switch dialect {
	case SQLite:
		// One connection: ":memory:" databases are per-connection, and SQLite
		// serializes writers anyway. Transactions therefore serialize too.
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)
	case Postgres:
		conn.SetMaxOpenConns(pgMaxOpenConns)
		conn.SetMaxIdleConns(pgMaxIdleConns)
		conn.SetConnMaxIdleTime(pgConnMaxIdle)
		conn.SetConnMaxLifetime(pgConnMaxLife)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqldb: pinging %s database: %w", dialect, err)
	}

	if dialect == SQLite {
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=" + strconv.Itoa(sqliteBusyMilli),
		}
		for _, p := range pragmas {
			if _, err := conn.ExecContext(ctx, p); err != nil {
				conn.Close()
				return nil, fmt.Errorf("sqldb: %s: %w", p, err)
			}
		}
	}

	return &DB{conn: conn, q: conn, dialect: dialect}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Dialect reports which database the pool talks to.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// InTx runs fn inside a single transaction. The Store handed to fn routes
// every query through the transaction; nested InTx calls join it.
//
// TRANSACTION RULES:
//   - fn must only use the Store it is given. With SQLite the pool holds a
//     single connection, which the transaction owns, so calling the outer
//     DB from inside fn would wait on itself forever.
//   - Returning an error rolls everything back. So does a panic, which is
//     re-raised after the rollback.
//   - A uniqueness violation at commit time is translated like any other.
func (db *DB) InTx(ctx context.Context, fn func(repository.Store) error) (err error) {
	if db.inTx {
		return fn(db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqldb: beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	txDB := &DB{conn: db.conn, q: tx, dialect: db.dialect, inTx: true}
	if err = fn(txDB); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqldb: committing transaction: %w", translateError(err))
	}
	return nil
}

// rebind rewrites "?" placeholders to "$1, $2, ..." for Postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// exec, query and queryRow rebind and dispatch to the pool or the open
// transaction.
func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.q.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.q.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.q.QueryRowContext(ctx, db.rebind(query), args...)
}

// utc normalizes timestamps before they are written. SQLite compares times
// as text, which only orders correctly when every value shares a zone.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// NULL HANDLING:
// Optional columns map to pointers in the model (nil means NULL). These
// helpers convert between the two representations at the query boundary.

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: utc(*t), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
