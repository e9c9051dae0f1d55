package migrate

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
)

func openStore(t *testing.T, created bool) *registry.Descriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db_acme.sqlite3")
	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return registry.NewDescriptor("acme", path, db, created)
}

func brokenReadings() modules.Module {
	m, _ := modules.Default().Lookup("readings")
	m.ChangeSets = []modules.ChangeSet{{Name: "0001_initial", Statements: []string{
		`CREATE TABLE IF NOT EXISTS readings (
    id        INTEGER PRIMARY KEY,
    tenant_id INTEGER NOT NULL REFERENCES tenants(id),
    value     REAL NOT NULL
)`,
	}}}
	return m
}

func brokenCatalog(t *testing.T) *modules.Catalog {
	t.Helper()
	c, err := modules.Default().Replace(brokenReadings())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func tenantModulesWithChanges(c *modules.Catalog) []string {
	var out []string
	for _, m := range c.TenantScoped() {
		if len(m.ChangeSets) > 0 {
			out = append(out, m.Name)
		}
	}
	return out
}

func TestApply_FreshStoreGetsEverything(t *testing.T) {
	d := openStore(t, true)
	a := NewApplier(modules.Default(), slog.Default())

	rep, err := a.Apply(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Fresh || !rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
	if want := tenantModulesWithChanges(modules.Default()); !slices.Equal(rep.Applied, want) {
		t.Fatalf("applied = %v, want %v", rep.Applied, want)
	}
	if !slices.Equal(rep.Skipped, []string{"reports"}) {
		t.Fatalf("skipped = %v", rep.Skipped)
	}
	for _, m := range modules.Default().TenantScoped() {
		for _, tbl := range m.Tables {
			if ok, _ := TableExists(context.Background(), d.DB, tbl); !ok {
				t.Errorf("table %s missing", tbl)
			}
		}
	}
	recs, _ := LoadRecords(context.Background(), d.DB)
	if recs.Total() != 9 {
		t.Fatalf("recorded rows = %d, want 9", recs.Total())
	}
}

func TestApply_Idempotent(t *testing.T) {
	// WHAT: a second run with no new change sets applies nothing.
	// WHY: the cache may be bypassed; the applier itself must detect pending = none.
	d := openStore(t, true)
	a := NewApplier(modules.Default(), nil)
	ctx := context.Background()

	if _, err := a.Apply(ctx, d); err != nil {
		t.Fatal(err)
	}
	d.MarkProvisioned()

	rep, err := a.Apply(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fresh || len(rep.Applied) != 0 || len(rep.Failed) != 0 {
		t.Fatalf("second run = %+v", rep)
	}
}

func TestApply_NoBookkeepingIsFresh(t *testing.T) {
	d := openStore(t, false)
	rep, err := NewApplier(modules.Default(), nil).Apply(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Fresh {
		t.Fatal("store without bookkeeping table should be treated as fresh")
	}
}

func TestApply_PartialFailureIsolation(t *testing.T) {
	// WHAT: readings fails with a structural defect, every other module still applies.
	// WHY: one broken module must not block the tenant's other modules.
	d := openStore(t, true)
	cat := brokenCatalog(t)
	a := NewApplier(cat, nil)

	rep, err := a.Apply(context.Background(), d)
	if err != nil {
		t.Fatalf("partial failure must not return an error: %v", err)
	}
	if len(rep.Failed) != 1 {
		t.Fatalf("failed = %+v", rep.Failed)
	}
	f, ok := rep.FailedModule("readings")
	if !ok || f.Class != model.FailureStructural {
		t.Fatalf("readings failure = %+v", f)
	}
	if !errors.Is(f.Err, model.ErrStructuralDefect) {
		t.Fatalf("failure err = %v", f.Err)
	}
	for _, name := range tenantModulesWithChanges(cat) {
		if name == "readings" {
			if slices.Contains(rep.Applied, name) {
				t.Fatal("readings reported applied")
			}
			continue
		}
		if !slices.Contains(rep.Applied, name) {
			t.Errorf("%s missing from applied", name)
		}
	}
	if ok, _ := TableExists(context.Background(), d.DB, "readings"); ok {
		t.Fatal("readings table should not exist after rollback")
	}
}

func TestApply_RetriesFailedModule(t *testing.T) {
	d := openStore(t, true)
	ctx := context.Background()
	a := NewApplier(brokenCatalog(t), nil)
	if _, err := a.Apply(ctx, d); err != nil {
		t.Fatal(err)
	}
	if d.Created() {
		t.Fatal("first Apply should clear the created flag")
	}

	rep, err := a.Apply(ctx, d)
	if err != nil {
		t.Fatalf("retry on a usable store: %v", err)
	}
	if rep.Fresh || len(rep.Applied) != 0 {
		t.Fatalf("applied = %v, only readings should be retried", rep.Applied)
	}
	if _, ok := rep.FailedModule("readings"); !ok {
		t.Fatal("readings should be re-attempted and fail again")
	}
}

func TestApply_EveryModuleFailed(t *testing.T) {
	cat := modules.MustCatalog(
		brokenReadings(),
		modules.Module{Name: "directory", Scope: modules.ControlPlane, Tables: []string{"tenants"}},
	)
	d := openStore(t, true)

	rep, err := NewApplier(cat, nil).Apply(context.Background(), d)
	if !errors.Is(err, model.ErrStructuralDefect) || !errors.Is(err, model.ErrMigrationFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(rep.Failed) != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestApply_GenericFailure(t *testing.T) {
	cat := modules.MustCatalog(
		modules.Module{Name: "good", Scope: modules.TenantScoped, Tables: []string{"good"},
			ChangeSets: []modules.ChangeSet{{Name: "1", Statements: []string{"CREATE TABLE IF NOT EXISTS good (id INTEGER)"}}}},
		modules.Module{Name: "bad", Scope: modules.TenantScoped, Tables: []string{"bad"},
			ChangeSets: []modules.ChangeSet{{Name: "1", Statements: []string{"CREATE TABLE bad ("}}}},
	)
	rep, err := NewApplier(cat, nil).Apply(context.Background(), openStore(t, true))
	if err != nil {
		t.Fatal(err)
	}
	f, ok := rep.FailedModule("bad")
	if !ok || f.Class != model.FailureGeneric {
		t.Fatalf("bad = %+v", f)
	}
	if errors.Is(f.Err, model.ErrStructuralDefect) {
		t.Fatal("syntax error classified as structural")
	}
}

func TestApply_NewChangeSetOnly(t *testing.T) {
	d := openStore(t, true)
	ctx := context.Background()
	if _, err := NewApplier(modules.Default(), nil).Apply(ctx, d); err != nil {
		t.Fatal(err)
	}
	d.MarkProvisioned()

	cust, _ := modules.Default().Lookup("customers")
	cust.ChangeSets = append(slices.Clone(cust.ChangeSets), modules.ChangeSet{
		Name:       "0003_status_index",
		Statements: []string{"CREATE INDEX IF NOT EXISTS idx_customers_status ON customers(status)"},
	})
	cat, _ := modules.Default().Replace(cust)

	rep, err := NewApplier(cat, nil).Apply(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(rep.Applied, []string{"customers"}) {
		t.Fatalf("applied = %v", rep.Applied)
	}
	recs, _ := LoadRecords(ctx, d.DB)
	if !recs.Has("customers", "0003_status_index") {
		t.Fatal("new change set not recorded")
	}
}

func TestApply_DivergenceLoggedNotFatal(t *testing.T) {
	// WHAT: a module that runs cleanly but leaves no bookkeeping row is reported divergent.
	// WHY: verification must re-read the table, not trust the loop's own result.
	cat := modules.MustCatalog(
		modules.Module{Name: "eraser", Scope: modules.TenantScoped, ChangeSets: []modules.ChangeSet{{Name: "1", Statements: []string{
			`CREATE TRIGGER IF NOT EXISTS erase_ghost AFTER INSERT ON tenant_migrations
			 WHEN NEW.module = 'ghost' BEGIN DELETE FROM tenant_migrations WHERE module = 'ghost'; END`,
		}}}},
		modules.Module{Name: "ghost", Scope: modules.TenantScoped, ChangeSets: []modules.ChangeSet{{Name: "1", Statements: []string{
			`CREATE TABLE IF NOT EXISTS ghost (id INTEGER)`,
		}}}},
	)
	rep, err := NewApplier(cat, nil).Apply(context.Background(), openStore(t, true))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(rep.Divergent, []string{"ghost"}) || rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
}

func TestApplyFallback(t *testing.T) {
	d := openStore(t, false)
	ctx := context.Background()
	a := NewApplier(brokenCatalog(t), nil)
	m, _ := a.Catalog().Lookup("readings")

	if err := a.ApplyFallback(ctx, d.DB, d.ID, m); err != nil {
		t.Fatal(err)
	}
	if ok, _ := TableExists(ctx, d.DB, "readings"); !ok {
		t.Fatal("readings not created")
	}
	recs, _ := LoadRecords(ctx, d.DB)
	if !recs.Complete(m) || !recs.Manual("readings") {
		t.Fatalf("records = %+v", recs["readings"])
	}

	noFallback := m
	noFallback.Fallback = nil
	if err := a.ApplyFallback(ctx, d.DB, d.ID, noFallback); err == nil {
		t.Fatal("module without fallback should fail")
	}
}

func TestReset(t *testing.T) {
	d := openStore(t, true)
	ctx := context.Background()
	NewApplier(modules.Default(), nil).Apply(ctx, d)

	n, err := Reset(ctx, d.DB, "customers")
	if err != nil || n != 2 {
		t.Fatalf("Reset = %d, %v", n, err)
	}
	recs, _ := LoadRecords(ctx, d.DB)
	if recs.Count("customers") != 0 || recs.Count("invoices") != 1 {
		t.Fatalf("records after reset = %+v", recs)
	}
}

// WHAT: a manually patched module is not replayed.
// WHY: the patched module's change sets would hit the same defect again.
func TestApply_SkipsManualPatch(t *testing.T) {
	d := openStore(t, true)
	ctx := context.Background()
	a := NewApplier(brokenCatalog(t), nil)
	m, _ := a.Catalog().Lookup("readings")

	if _, err := a.Apply(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := a.ApplyFallback(ctx, d.DB, d.ID, m); err != nil {
		t.Fatal(err)
	}

	rep, err := a.Apply(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fresh || !rep.OK() || len(rep.Applied) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}
