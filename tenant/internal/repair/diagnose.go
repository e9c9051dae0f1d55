// Package repair holds the forensic tools for tenant stores: a read-only
// diagnosis that flags known-bad states, and a module repair that falls
// back to hand-written DDL when the normal migration path is structurally
// broken.
package repair

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/hazyhaar/tenantdb/horosafe"
	"github.com/hazyhaar/tenantdb/tenant/internal/migrate"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
)

// Toolkit diagnoses and repairs tenant stores against the applier's catalog.
type Toolkit struct {
	applier *migrate.Applier
	catalog *modules.Catalog
	logger  *slog.Logger
}

// New returns a Toolkit. A nil logger uses slog.Default().
func New(applier *migrate.Applier, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{applier: applier, catalog: applier.Catalog(), logger: logger}
}

// Diagnose lists the tables in d's store with row counts and compares them
// with the catalog. It does not write.
func (t *Toolkit) Diagnose(ctx context.Context, d *registry.Descriptor) (*model.DiagnosticReport, error) {
	r := &model.DiagnosticReport{
		Tenant:      d.ID,
		StorePath:   d.Path,
		StoreExists: true,
		Tables:      []model.TableInfo{},
		Findings:    []model.Finding{},
	}

	tables, err := listTables(ctx, d.DB)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", d.ID, err)
	}
	present := make(map[string]bool, len(tables))
	for _, name := range tables {
		var n int64
		if err := d.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+horosafe.QuoteIdent(name)).Scan(&n); err != nil {
			return nil, fmt.Errorf("tenant %s: count %s: %w", d.ID, name, err)
		}
		r.Tables = append(r.Tables, model.TableInfo{Name: name, Rows: n})
		present[name] = true
	}

	r.Bookkeeping = present[migrate.BookkeepingTable]
	if !r.Bookkeeping {
		r.Findings = append(r.Findings, model.Finding{
			Code:   model.FindingBookkeepingMissing,
			Detail: "no " + migrate.BookkeepingTable + " table; the store has never been migrated",
		})
	}
	recs, err := migrate.LoadRecords(ctx, d.DB)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", d.ID, err)
	}

	for _, m := range t.catalog.TenantScoped() {
		st := model.ModuleStatus{
			Module:     m.Name,
			ChangeSets: len(m.ChangeSets),
			Recorded:   recs.Count(m.Name),
			Manual:     recs.Manual(m.Name),
		}
		for _, tbl := range m.Tables {
			if present[tbl] {
				st.Present = append(st.Present, tbl)
			} else {
				st.Missing = append(st.Missing, tbl)
			}
		}
		r.Modules = append(r.Modules, st)
	}

	for _, st := range r.Modules {
		m, _ := t.catalog.Lookup(st.Module)
		r.Findings = append(r.Findings, t.moduleFindings(m, st, r.Modules, recs)...)
	}

	for _, name := range tables {
		if owner, ok := t.catalog.ControlPlaneOwner(name); ok {
			r.Findings = append(r.Findings, model.Finding{
				Code:   model.FindingControlPlaneInTenant,
				Module: owner,
				Detail: fmt.Sprintf("table %s belongs to the shared database and should not be replicated", name),
			})
		}
	}
	return r, nil
}

func (t *Toolkit) moduleFindings(m modules.Module, st model.ModuleStatus, all []model.ModuleStatus, recs migrate.Records) []model.Finding {
	var out []model.Finding
	if len(st.Missing) > 0 {
		othersPresent := slices.ContainsFunc(all, func(o model.ModuleStatus) bool {
			return o.Module != st.Module && len(o.Present) > 0
		})
		if refs := migrate.ControlPlaneReferences(m, t.catalog); len(refs) > 0 {
			out = append(out, model.Finding{
				Code:   model.FindingStructuralDefect,
				Module: m.Name,
				Detail: fmt.Sprintf("tables %s missing; schema references control-plane table(s) %s",
					strings.Join(st.Missing, ", "), strings.Join(refs, ", ")),
			})
		} else if othersPresent {
			out = append(out, model.Finding{
				Code:   model.FindingTablesMissing,
				Module: m.Name,
				Detail: "tables " + strings.Join(st.Missing, ", ") + " missing while other modules are provisioned",
			})
		}
		if st.Recorded > 0 {
			out = append(out, model.Finding{
				Code:   model.FindingRecordedWithoutTables,
				Module: m.Name,
				Detail: fmt.Sprintf("%d change set(s) recorded but tables %s missing", st.Recorded, strings.Join(st.Missing, ", ")),
			})
		}
	} else if len(m.Tables) > 0 && !recs.Complete(m) {
		out = append(out, model.Finding{
			Code:   model.FindingTablesWithoutRecord,
			Module: m.Name,
			Detail: fmt.Sprintf("tables present but only %d of %d change set(s) recorded", st.Recorded, st.ChangeSets),
		})
	}
	if st.Manual {
		out = append(out, model.Finding{
			Code:   model.FindingManualPatch,
			Module: m.Name,
			Detail: "applied by manual DDL; later change sets must be replayed by hand",
		})
	}
	return out
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
