// Package directory owns the control-plane store: the tenant directory, the
// deletion history and the operator accounts. Its schema is versioned with
// golang-migrate from embedded SQL files.
package directory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable records the control-plane schema version.
const MigrationsTable = "schema_migrations"

// Tenant is one directory row.
type Tenant struct {
	Slug      model.TenantID `json:"slug"`
	Name      string         `json:"name"`
	Features  []string       `json:"features"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	Active    bool           `json:"active"`
}

// Deletion is one teardown run as recorded in tenant_deletions.
type Deletion struct {
	ID         string          `json:"id"`
	Slug       model.TenantID  `json:"slug"`
	Name       string          `json:"name,omitempty"`
	ExecutedBy string          `json:"executed_by,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Completed  bool            `json:"completed"`
	Error      string          `json:"error,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	LogPath    string          `json:"log_path,omitempty"`
}

// Store wraps the control-plane database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open migrates db to the latest control-plane schema and returns a Store.
func Open(db *sql.DB) (*Store, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies every pending control-plane migration. The migrate
// instance is not closed: closing it would close db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("directory: migration source: %w", err)
	}
	drv, err := msqlite.WithInstance(db, &msqlite.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("directory: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("directory: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("directory: migrate up: %w", err)
	}
	return nil
}

// Version returns the applied control-plane schema version.
func (s *Store) Version(ctx context.Context) (uint, bool, error) {
	var version uint
	var dirty bool
	err := s.db.QueryRowContext(ctx,
		`SELECT version, dirty FROM `+MigrationsTable+` LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("directory: version: %w", err)
	}
	return version, dirty, nil
}

// Insert adds t. A slug already present yields model.ErrDuplicateTenant.
func (s *Store) Insert(ctx context.Context, t Tenant) error {
	if t.Features == nil {
		t.Features = []string{}
	}
	features, err := json.Marshal(t.Features)
	if err != nil {
		return fmt.Errorf("directory: features: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (slug, name, features, created_at, created_by, active) VALUES (?, ?, ?, ?, ?, 1)`,
		string(t.Slug), t.Name, string(features), t.CreatedAt.UnixMilli(), t.CreatedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrDuplicateTenant, t.Slug)
	}
	if err != nil {
		return fmt.Errorf("directory: insert %s: %w", t.Slug, err)
	}
	return nil
}

// Get returns the row for id or model.ErrTenantNotFound.
func (s *Store) Get(ctx context.Context, id model.TenantID) (Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT slug, name, features, created_at, created_by, active FROM tenants WHERE slug = ?`, string(id))
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, fmt.Errorf("%w: %s", model.ErrTenantNotFound, id)
	}
	return t, err
}

// Exists reports whether id has a directory row.
func (s *Store) Exists(ctx context.Context, id model.TenantID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants WHERE slug = ?`, string(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("directory: exists %s: %w", id, err)
	}
	return n > 0, nil
}

// ChangeToken summarizes the tenant and deletion tables. Any create or
// teardown committed by any process changes it; equal tokens mean nothing
// to reconcile.
func (s *Store) ChangeToken(ctx context.Context) (int64, error) {
	var tenants, tenantMax, deletions, deletionMax int64
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM tenants),
		(SELECT COALESCE(MAX(rowid), 0) FROM tenants),
		(SELECT COUNT(*) FROM tenant_deletions),
		(SELECT COALESCE(MAX(rowid), 0) FROM tenant_deletions)`).
		Scan(&tenants, &tenantMax, &deletions, &deletionMax)
	if err != nil {
		return 0, fmt.Errorf("directory: change token: %w", err)
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%d|%d", tenants, tenantMax, deletions, deletionMax)
	return int64(h.Sum64() >> 1), nil
}

// List returns every row ordered by slug.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slug, name, features, created_at, created_by, active FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTenant removes the row for id. found is false when there was none.
func (s *Store) DeleteTenant(ctx context.Context, id model.TenantID) (found bool, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE slug = ?`, string(id))
	if err != nil {
		return false, fmt.Errorf("directory: delete %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeFailedDeletions drops earlier incomplete deletion records for id so a
// successful rerun leaves a clean history.
func (s *Store) PurgeFailedDeletions(ctx context.Context, id model.TenantID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_deletions WHERE slug = ? AND completed = 0`, string(id))
	if err != nil {
		return 0, fmt.Errorf("directory: purge deletions %s: %w", id, err)
	}
	return res.RowsAffected()
}

// RecordDeletion stores one teardown run.
func (s *Store) RecordDeletion(ctx context.Context, d Deletion) error {
	details := string(d.Details)
	if details == "" {
		details = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_deletions (id, slug, name, executed_by, started_at, finished_at, completed, error, details, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.Slug), d.Name, d.ExecutedBy, d.StartedAt.UnixMilli(), d.FinishedAt.UnixMilli(),
		boolInt(d.Completed), d.Error, details, d.LogPath)
	if err != nil {
		return fmt.Errorf("directory: record deletion %s: %w", d.Slug, err)
	}
	return nil
}

// Deletions returns the recorded teardown runs for id, newest first.
func (s *Store) Deletions(ctx context.Context, id model.TenantID) ([]Deletion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, executed_by, started_at, finished_at, completed, error, details, log_path
		 FROM tenant_deletions WHERE slug = ? ORDER BY started_at DESC, id DESC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("directory: deletions %s: %w", id, err)
	}
	defer rows.Close()
	var out []Deletion
	for rows.Next() {
		var d Deletion
		var slug, details string
		var started, finished int64
		var completed int
		if err := rows.Scan(&d.ID, &slug, &d.Name, &d.ExecutedBy, &started, &finished,
			&completed, &d.Error, &details, &d.LogPath); err != nil {
			return nil, fmt.Errorf("directory: scan deletion: %w", err)
		}
		d.Slug = model.TenantID(slug)
		d.StartedAt = time.UnixMilli(started)
		d.FinishedAt = time.UnixMilli(finished)
		d.Completed = completed != 0
		d.Details = json.RawMessage(details)
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(sc scanner) (Tenant, error) {
	var t Tenant
	var slug, features string
	var created int64
	var active int
	if err := sc.Scan(&slug, &t.Name, &features, &created, &t.CreatedBy, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, err
		}
		return Tenant{}, fmt.Errorf("directory: scan tenant: %w", err)
	}
	t.Slug = model.TenantID(slug)
	t.CreatedAt = time.UnixMilli(created)
	t.Active = active != 0
	if err := json.Unmarshal([]byte(features), &t.Features); err != nil {
		return Tenant{}, fmt.Errorf("directory: features of %s: %w", slug, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
