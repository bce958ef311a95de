// Package store persists Patterns and Suggestions in a local relational
// store with explicit IDs; cross-component references use IDs, never
// shared mutable objects. Schema is versioned by goose migrations over
// a WAL-mode sqlite database (pure-Go driver, single-writer pool, busy
// timeout).
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite connection in WAL mode with the schema migrated to
// the latest version on Open.
type DB struct {
	conn *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db, enabling
// WAL mode and foreign keys, then migrates to the latest schema.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := filepath.Join(dir, "state.db") + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// SQLite is single-writer; a larger pool just serializes at the
	// driver anyway and risks SQLITE_BUSY under WAL with concurrent
	// writers, so the pool is pinned to a single connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close shuts down the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Ping checks connectivity to the database.
func (d *DB) Ping() error { return d.conn.Ping() }
