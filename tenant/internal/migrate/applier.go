// Package migrate applies tenant-scoped module schemas to tenant stores and
// tracks what was applied in a per-store bookkeeping table.
//
// The loop is best-effort: one module's failure is recorded and the next
// module still runs.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
)

// Applier runs change sets from a catalog against tenant stores.
type Applier struct {
	catalog *modules.Catalog
	logger  *slog.Logger
	now     func() time.Time
}

// NewApplier returns an Applier. A nil logger uses slog.Default().
func NewApplier(cat *modules.Catalog, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{catalog: cat, logger: logger, now: time.Now}
}

// Catalog returns the catalog the applier migrates from.
func (a *Applier) Catalog() *modules.Catalog { return a.catalog }

// Apply brings d's store up to date with every tenant-scoped module.
//
// A store with no bookkeeping table, or one whose creation has not been
// migrated yet, is fresh and receives every module. The first Apply on a
// created store clears its created flag, so later calls only run modules
// with unrecorded change sets. The returned error is non-nil when the store
// could not be inspected, or when every attempted module failed and no
// module was already complete; other failures are reported through
// MigrationReport.Failed.
func (a *Applier) Apply(ctx context.Context, d *registry.Descriptor) (*model.MigrationReport, error) {
	start := a.now()
	report := &model.MigrationReport{Tenant: d.ID, Applied: []string{}, Failed: []model.ModuleFailure{}}
	log := a.logger.With("tenant", d.ID)

	hasBook, err := TableExists(ctx, d.DB, BookkeepingTable)
	if err != nil {
		return report, fmt.Errorf("%w: %s: %w", model.ErrStorageUnavailable, d.ID, err)
	}
	report.Fresh = !hasBook || d.Created()

	if err := EnsureBookkeeping(ctx, d.DB); err != nil {
		return report, fmt.Errorf("%w: %s: %w", model.ErrStorageUnavailable, d.ID, err)
	}
	d.MarkProvisioned()
	before, err := LoadRecords(ctx, d.DB)
	if err != nil {
		return report, fmt.Errorf("%w: %s: %w", model.ErrStorageUnavailable, d.ID, err)
	}

	var targets []modules.Module
	usable := false
	for _, m := range a.catalog.TenantScoped() {
		if len(m.ChangeSets) == 0 {
			report.Skipped = append(report.Skipped, m.Name)
			continue
		}
		complete := before.Complete(m)
		if complete && !report.Fresh {
			usable = true
		}
		// A manual patch is never replayed over; its change sets would fail again.
		if complete && before.Manual(m.Name) {
			continue
		}
		if report.Fresh || !complete {
			targets = append(targets, m)
		}
	}

	var errs []error
	for _, m := range targets {
		var skip Records
		if !report.Fresh {
			skip = before
		}
		if err := a.applyModule(ctx, d.DB, d.ID, m, skip); err != nil {
			var me *model.MigrationError
			errors.As(err, &me)
			report.Failed = append(report.Failed, model.ModuleFailure{
				Module: m.Name, Class: me.Class, Cause: me.Cause.Error(), Err: err,
			})
			errs = append(errs, err)
			log.Warn("migrate: module failed", "module", m.Name, "change_set", me.ChangeSet, "class", me.Class, "error", me.Cause)
			continue
		}
		report.Applied = append(report.Applied, m.Name)
		log.Debug("migrate: module applied", "module", m.Name)
	}

	after, err := LoadRecords(ctx, d.DB)
	if err != nil {
		log.Warn("migrate: verification read failed", "error", err)
	} else {
		for _, name := range report.Applied {
			m, _ := a.catalog.Lookup(name)
			if !after.Complete(m) {
				report.Divergent = append(report.Divergent, name)
				log.Warn("migrate: applied module not recorded", "module", name,
					"recorded", after.Count(name), "expected", len(m.ChangeSets))
			}
		}
	}

	report.Duration = a.now().Sub(start)
	if len(targets) > 0 {
		log.Info("migrate: done", "applied", len(report.Applied), "failed", len(report.Failed),
			"fresh", report.Fresh, "duration", report.Duration)
	}
	if len(targets) > 0 && len(errs) == len(targets) && !usable {
		return report, fmt.Errorf("tenant %s: every module failed: %w", d.ID, errors.Join(errs...))
	}
	return report, nil
}

// ApplyModule runs every change set of m, recorded or not. Used after a
// bookkeeping reset.
func (a *Applier) ApplyModule(ctx context.Context, db *sql.DB, id model.TenantID, m modules.Module) error {
	if err := EnsureBookkeeping(ctx, db); err != nil {
		return err
	}
	return a.applyModule(ctx, db, id, m, nil)
}

// ApplyFallback is the manual escape hatch: it creates m's tables from its
// hand-written DDL and records every change set as manually applied. The
// module's schema evolution is no longer tracked by its change sets after
// this.
func (a *Applier) ApplyFallback(ctx context.Context, db *sql.DB, id model.TenantID, m modules.Module) error {
	if len(m.Fallback) == 0 {
		return fmt.Errorf("tenant %s: module %s has no fallback DDL", id, m.Name)
	}
	if err := EnsureBookkeeping(ctx, db); err != nil {
		return err
	}
	at := a.now()
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if err := preflight(ctx, tx, m.Fallback, a.catalog); err != nil {
			return err
		}
		for _, stmt := range m.Fallback {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		for _, cs := range m.ChangeSets {
			if err := record(ctx, tx, m.Name, cs.Name, at, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tenant %s: module %s: fallback DDL: %w", id, m.Name, err)
	}
	a.logger.Warn("migrate: manual DDL applied", "tenant", id, "module", m.Name, "change_sets", len(m.ChangeSets))
	return nil
}

// applyModule runs m's change sets in order, each in its own transaction,
// skipping those already in skip. It stops at the first failing change set.
func (a *Applier) applyModule(ctx context.Context, db *sql.DB, id model.TenantID, m modules.Module, skip Records) error {
	for _, cs := range m.ChangeSets {
		if skip.Has(m.Name, cs.Name) {
			continue
		}
		err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
			if err := preflight(ctx, tx, cs.Statements, a.catalog); err != nil {
				return err
			}
			for _, stmt := range cs.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return record(ctx, tx, m.Name, cs.Name, a.now(), false)
		})
		if err != nil {
			return &model.MigrationError{
				Tenant:    id,
				Module:    m.Name,
				ChangeSet: cs.Name,
				Class:     Classify(err, a.catalog),
				Cause:     err,
			}
		}
	}
	return nil
}
