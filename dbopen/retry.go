package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyBackoff is the wait before each retry of a statement or transaction
// that hit a lock held by another connection. Its length bounds the number
// of attempts.
var busyBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED surfaced by
// the driver, which the busy_timeout pragma did not absorb.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RunTx runs fn in a transaction and commits it. The whole transaction is
// replayed when any step reports busy, so fn must not have side effects
// outside tx.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, "RunTx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec is db.ExecContext with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (res sql.Result, err error) {
	err = withBusyRetry(ctx, "Exec", func() error {
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	for _, wait := range busyBackoff {
		if !IsBusy(err) {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: %s: %w (last: %v)", op, ctx.Err(), err)
		case <-t.C:
		}
		err = fn()
	}
	return err
}
