package teardown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/hazyhaar/tenantdb/audit"
	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/idgen"
	"github.com/hazyhaar/tenantdb/tenant/internal/directory"
	"github.com/hazyhaar/tenantdb/tenant/internal/layout"
	"github.com/hazyhaar/tenantdb/tenant/internal/migcache"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
	"github.com/hazyhaar/tenantdb/tenant/internal/snapshot"
)

var fixed = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

type recordingAuditor struct{ entries []*audit.Entry }

func (a *recordingAuditor) Log(_ context.Context, e *audit.Entry) error {
	a.entries = append(a.entries, e)
	return nil
}

type brokenDirectory struct{ *directory.Store }

func (brokenDirectory) DeleteTenant(context.Context, model.TenantID) (bool, error) {
	return false, errors.New("control plane unreachable")
}

type fixture struct {
	root   string
	layout layout.Layout
	reg    *registry.Registry
	snap   *snapshot.Snapshot
	cache  *migcache.Cache
	dir    *directory.Store
	audit  *recordingAuditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dir, err := directory.Open(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		root: root,
		layout: layout.Layout{
			Root:          root,
			StoresDir:     "stores",
			StorePrefix:   "db_",
			StoreExt:      ".sqlite3",
			LogDir:        "logs/teardown",
			ArtifactDirs:  []string{"media/{slug}", "apps/{slug}"},
			ArtifactFiles: []string{"qr/{slug}.png"},
		},
		reg:   registry.New(),
		snap:  snapshot.New(filepath.Join(root, "tenants.json")),
		cache: migcache.New(),
		dir:   dir,
		audit: &recordingAuditor{},
	}
}

func (f *fixture) runner(d Directory) *Runner {
	r := New(Deps{
		Layout:    f.layout,
		Registry:  f.reg,
		Snapshot:  f.snap,
		Cache:     f.cache,
		Directory: d,
		Audit:     f.audit,
		IDGen:     idgen.Sequence("run"),
	}, Config{Attempts: 2, Pause: time.Millisecond})
	r.now = func() time.Time { return fixed }
	return r
}

// seed creates a fully registered tenant with store, sidecar and artifacts.
func (f *fixture) seed(t *testing.T, id model.TenantID) {
	t.Helper()
	ctx := context.Background()
	path := f.layout.StorePath(id)
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatal(err)
	}
	f.reg.Register(registry.NewDescriptor(id, path, db, false))
	f.cache.EnsureChecked(id, func() (bool, error) { return true, nil })
	f.snap.Add(id)
	f.dir.Insert(ctx, directory.Tenant{Slug: id, Name: "Acme"})

	media := filepath.Join(f.root, "media", string(id))
	os.MkdirAll(filepath.Join(media, "sub"), 0o755)
	os.WriteFile(filepath.Join(media, "a.jpg"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(media, "sub", "b.jpg"), []byte("b"), 0o644)
	os.MkdirAll(filepath.Join(f.root, "qr"), 0o755)
	os.WriteFile(filepath.Join(f.root, "qr", string(id)+".png"), []byte("png"), 0o644)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WHAT: a complete teardown removes every trace and reports no errors.
// WHY: a deleted tenant identifier must be reusable immediately.
func TestRun_Complete(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme")

	rep := f.runner(f.dir).Run(context.Background(), Request{Tenant: "acme", Name: "Acme", Actor: "ops"})
	if rep.Err() != nil {
		t.Fatalf("errors: %v", rep.Errors)
	}
	if !rep.RegistryEntryRemoved || !rep.DirectoryRowRemoved || !rep.SnapshotUpdated || !rep.CachePurged {
		t.Fatalf("flags: %+v", rep)
	}
	if exists(f.layout.StorePath("acme")) {
		t.Fatal("store still on disk")
	}
	if _, ok := f.reg.Get("acme"); ok {
		t.Fatal("registry entry survived")
	}
	if f.cache.Verified("acme") {
		t.Fatal("cache entry survived")
	}
	if ok, _ := f.snap.Contains("acme"); ok {
		t.Fatal("snapshot entry survived")
	}
	media := filepath.Join(f.root, "media", "acme")
	if exists(media) || rep.FileCounts[media] != 2 {
		t.Fatalf("media dir: exists=%v count=%d", exists(media), rep.FileCounts[media])
	}
	if s, _ := rep.Step(StepRemoveArtifactDir, filepath.Join(f.root, "apps", "acme")); s.Outcome != model.OutcomeSkipped {
		t.Fatalf("absent artifact dir outcome = %s", s.Outcome)
	}

	want := filepath.Join(f.root, "logs", "teardown", "teardown_acme_20260304_050607.log")
	if rep.LogPath != want || !exists(want) {
		t.Fatalf("log path = %q", rep.LogPath)
	}
	dels, _ := f.dir.Deletions(context.Background(), "acme")
	if len(dels) != 1 || !dels[0].Completed || dels[0].ExecutedBy != "ops" || dels[0].ID != rep.RunID {
		t.Fatalf("deletions = %+v", dels)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Status != "success" || f.audit.entries[0].Action != ActionDelete {
		t.Fatalf("audit = %+v", f.audit.entries)
	}
}

// WHAT: a store deleted out-of-band is a skipped step, not an error.
// WHY: teardown must still clear the registry and snapshot in that case.
func TestRun_MissingStore(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme")
	d, _ := f.reg.Get("acme")
	d.DB.Close()
	os.Remove(f.layout.StorePath("acme"))

	rep := f.runner(f.dir).Run(context.Background(), Request{Tenant: "acme"})
	if rep.Err() != nil {
		t.Fatalf("errors: %v", rep.Errors)
	}
	s, _ := rep.Step(StepDeleteStore, "")
	if s.Outcome != model.OutcomeSkipped {
		t.Fatalf("store step = %+v", s)
	}
	if !rep.RegistryEntryRemoved || !rep.SnapshotUpdated {
		t.Fatalf("flags: %+v", rep)
	}
}

// WHAT: a store locked by another holder is renamed with a timestamp suffix.
// WHY: the tenant must stop resolving under its old path even when the
// bytes cannot be removed yet.
func TestRun_LockedStoreRenamed(t *testing.T) {
	f := newFixture(t)
	path := f.layout.StorePath("acme")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("data"), 0o644)

	holder := flock.New(path)
	if err := holder.Lock(); err != nil {
		t.Fatal(err)
	}
	defer holder.Unlock()

	rep := f.runner(f.dir).Run(context.Background(), Request{Tenant: "acme"})
	if rep.Err() != nil {
		t.Fatalf("errors: %v", rep.Errors)
	}
	s, _ := rep.Step(StepDeleteStore, path)
	if s.Outcome != model.OutcomeSuccess || !strings.Contains(s.Detail, "renamed") {
		t.Fatalf("store step = %+v", s)
	}
	renamed := f.layout.RenamedStorePath("acme", fixed)
	if rep.FilesRenamed[path] != renamed || !exists(renamed) || exists(path) {
		t.Fatalf("renamed = %v", rep.FilesRenamed)
	}
}

// WHAT: a failing step is reported while every later step still runs.
// WHY: partial teardown beats an all-or-nothing rollback.
func TestRun_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme")

	rep := f.runner(brokenDirectory{f.dir}).Run(context.Background(), Request{Tenant: "acme"})
	err := rep.Err()
	if !errors.Is(err, model.ErrTeardownPartial) || len(rep.Errors) != 1 {
		t.Fatalf("err = %v, errors = %v", err, rep.Errors)
	}
	if !rep.SnapshotUpdated || !rep.CachePurged || exists(f.layout.StorePath("acme")) {
		t.Fatalf("later steps skipped: %+v", rep)
	}
	if !strings.HasPrefix(filepath.Base(rep.LogPath), "error_teardown_acme_") {
		t.Fatalf("log path = %q", rep.LogPath)
	}
	if f.audit.entries[0].Status != "partial" {
		t.Fatalf("audit status = %s", f.audit.entries[0].Status)
	}
	dels, _ := f.dir.Deletions(context.Background(), "acme")
	if len(dels) != 1 || dels[0].Completed || dels[0].Error == "" {
		t.Fatalf("deletions = %+v", dels)
	}
}

// WHAT: a successful rerun purges the failed deletion records before it.
// WHY: history should show one completed deletion once residue is gone.
func TestRun_RerunPurgesFailedRecords(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme")
	f.runner(brokenDirectory{f.dir}).Run(context.Background(), Request{Tenant: "acme"})

	rep := f.runner(f.dir).Run(context.Background(), Request{Tenant: "acme"})
	if rep.Err() != nil {
		t.Fatalf("errors: %v", rep.Errors)
	}
	if s, _ := rep.Step(StepPurgeDeletions, ""); s.Outcome != model.OutcomeSuccess {
		t.Fatalf("purge step = %+v", s)
	}
	dels, _ := f.dir.Deletions(context.Background(), "acme")
	if len(dels) != 1 || !dels[0].Completed {
		t.Fatalf("deletions = %+v", dels)
	}
}

// WHAT: tearing down an unknown tenant skips everything and succeeds.
// WHY: teardown is idempotent.
func TestRun_Unknown(t *testing.T) {
	f := newFixture(t)
	rep := f.runner(f.dir).Run(context.Background(), Request{Tenant: "ghost"})
	if rep.Err() != nil {
		t.Fatalf("errors: %v", rep.Errors)
	}
	for _, s := range rep.Steps {
		if s.Outcome != model.OutcomeSkipped {
			t.Errorf("step %s %s = %s", s.Step, s.Target, s.Outcome)
		}
	}
}

func TestLockedByOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	os.WriteFile(path, nil, 0o644)
	if locked, err := lockedByOther(path); locked || err != nil {
		t.Fatalf("unlocked file: %v, %v", locked, err)
	}
	holder := flock.New(path)
	holder.Lock()
	defer holder.Unlock()
	if locked, err := lockedByOther(path); !locked || err != nil {
		t.Fatalf("locked file: %v, %v", locked, err)
	}
}
