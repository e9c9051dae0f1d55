// Package dbopen opens SQLite databases with production-safe pragmas.
//
// Pragmas are encoded in the DSN as _pragma parameters so that every
// connection the database/sql pool opens carries them, not only the first:
//
//	busy_timeout = 10000
//	foreign_keys = ON
//	journal_mode = WAL
//	synchronous  = NORMAL
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("control.db", dbopen.WithMkdirAll())
//
// Tenant stores are short-lived and low traffic:
//
//	db, err := dbopen.Open(path, dbopen.WithoutIdlePool(), dbopen.WithoutPing())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type config struct {
	driver      string
	busyTimeout int
	synchronous string
	foreignKeys bool
	mkdirAll    bool
	schemas     []string
	ping        bool
	idlePool    bool
	readOnly    bool
}

func defaults() config {
	return config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		foreignKeys: true,
		ping:        true,
		idlePool:    true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline SQL to execute after the database is opened.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// WithoutForeignKeys disables PRAGMA foreign_keys (rarely needed).
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// WithReadOnly opens path as a read-only URI (mode=ro) with query_only set.
// No journal or synchronous pragma is sent, so opening never writes to the
// file or creates sidecars.
func WithReadOnly() Option { return func(c *config) { c.readOnly = true } }

// WithoutIdlePool keeps no idle connections: every connection is closed as
// soon as it is returned to the pool.
func WithoutIdlePool() Option { return func(c *config) { c.idlePool = false } }

// Open opens an SQLite database at path. The caller must blank-import the
// driver before calling Open:
//
//	import _ "modernc.org/sqlite"
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, DSN(path, opts...))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}

	if !cfg.idlePool {
		db.SetMaxIdleConns(0)
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping: %w", err)
		}
	}

	return db, nil
}

// DSN returns the data source name Open would use for path.
func DSN(path string, opts ...Option) string {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.readOnly {
		return "file:" + path + "?mode=ro&" + strings.Join(pragmas(&cfg), "&")
	}
	return path + "?" + strings.Join(pragmas(&cfg), "&")
}

// OpenMemory opens an in-memory SQLite database for testing.
// It sets MaxOpenConns(1) to ensure all queries hit the same in-memory
// database (each connection to ":memory:" creates a separate database).
// It registers t.Cleanup to close the database automatically.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// busy_timeout goes first so the following pragmas wait on a locked file.
func pragmas(cfg *config) []string {
	if cfg.readOnly {
		return []string{
			fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.busyTimeout),
			"_pragma=query_only(1)",
		}
	}
	fk := 1
	if !cfg.foreignKeys {
		fk = 0
	}
	return []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.busyTimeout),
		fmt.Sprintf("_pragma=foreign_keys(%d)", fk),
		"_pragma=journal_mode(WAL)",
		fmt.Sprintf("_pragma=synchronous(%s)", cfg.synchronous),
	}
}
