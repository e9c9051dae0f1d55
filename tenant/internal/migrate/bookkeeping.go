package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
)

// BookkeepingTable records applied change sets inside each tenant store.
const BookkeepingTable = "tenant_migrations"

const bookkeepingSchema = `CREATE TABLE IF NOT EXISTS tenant_migrations (
    module     TEXT NOT NULL,
    change_set TEXT NOT NULL,
    applied_at INTEGER NOT NULL,
    manual     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (module, change_set)
)`

// Record is one applied change set.
type Record struct {
	AppliedAt time.Time
	Manual    bool
}

// Records is module -> change set -> record.
type Records map[string]map[string]Record

// Has reports whether the change set is recorded.
func (r Records) Has(module, changeSet string) bool {
	_, ok := r[module][changeSet]
	return ok
}

// Complete reports whether every change set of m is recorded.
func (r Records) Complete(m modules.Module) bool {
	for _, cs := range m.ChangeSets {
		if !r.Has(m.Name, cs.Name) {
			return false
		}
	}
	return true
}

// Count returns the number of recorded change sets for module.
func (r Records) Count(module string) int { return len(r[module]) }

// Manual reports whether any of the module's rows came from a manual patch.
func (r Records) Manual(module string) bool {
	for _, rec := range r[module] {
		if rec.Manual {
			return true
		}
	}
	return false
}

// Total returns the number of recorded rows.
func (r Records) Total() int {
	n := 0
	for _, sets := range r {
		n += len(sets)
	}
	return n
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TableExists reports whether a table named name exists in q's database.
func TableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("migrate: inspect sqlite_master: %w", err)
	}
	return n > 0, nil
}

// EnsureBookkeeping creates the bookkeeping table if absent.
func EnsureBookkeeping(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, bookkeepingSchema); err != nil {
		return fmt.Errorf("migrate: create bookkeeping: %w", err)
	}
	return nil
}

// LoadRecords reads the bookkeeping table. A missing table yields empty
// records, not an error.
func LoadRecords(ctx context.Context, q queryer) (Records, error) {
	recs := make(Records)
	ok, err := TableExists(ctx, q, BookkeepingTable)
	if err != nil || !ok {
		return recs, err
	}
	rows, err := q.QueryContext(ctx, `SELECT module, change_set, applied_at, manual FROM tenant_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrate: read bookkeeping: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var module, cs string
		var at int64
		var manual bool
		if err := rows.Scan(&module, &cs, &at, &manual); err != nil {
			return nil, fmt.Errorf("migrate: scan bookkeeping: %w", err)
		}
		if recs[module] == nil {
			recs[module] = make(map[string]Record)
		}
		recs[module][cs] = Record{AppliedAt: time.Unix(at, 0), Manual: manual}
	}
	return recs, rows.Err()
}

// Reset deletes every bookkeeping row for module, marking it unapplied.
func Reset(ctx context.Context, db *sql.DB, module string) (int64, error) {
	if err := EnsureBookkeeping(ctx, db); err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM tenant_migrations WHERE module = ?`, module)
	if err != nil {
		return 0, fmt.Errorf("migrate: reset %s: %w", module, err)
	}
	return res.RowsAffected()
}

func record(ctx context.Context, tx *sql.Tx, module, changeSet string, at time.Time, manual bool) error {
	verb := "INSERT OR IGNORE"
	if manual {
		verb = "INSERT OR REPLACE"
	}
	_, err := tx.ExecContext(ctx, verb+` INTO tenant_migrations (module, change_set, applied_at, manual)
		VALUES (?, ?, ?, ?)`, module, changeSet, at.Unix(), manual)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", module, changeSet, err)
	}
	return nil
}
