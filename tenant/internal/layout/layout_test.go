package layout

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/tenantdb/horosafe"
)

func testLayout(root string) Layout {
	return Layout{
		Root:          root,
		StoresDir:     "stores",
		StorePrefix:   "db_",
		StoreExt:      ".sqlite3",
		LogDir:        "logs/teardown",
		ArtifactDirs:  []string{"media/tenants/{slug}", "logs/{slug}"},
		ArtifactFiles: []string{"static/qr/{slug}.png"},
	}
}

func TestStorePath_Deterministic(t *testing.T) {
	l := testLayout("/data")
	want := filepath.Join("/data", "stores", "db_acme-water.sqlite3")
	if got := l.StorePath("acme-water"); got != want {
		t.Fatalf("StorePath = %q, want %q", got, want)
	}
	if got := l.Sidecars("acme-water")[0]; got != want+"-wal" {
		t.Fatalf("Sidecars[0] = %q", got)
	}
}

func TestRenamedStorePath(t *testing.T) {
	l := testLayout("/data")
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := l.RenamedStorePath("acme", at); got != l.StorePath("acme")+".deleted_20260304_050607" {
		t.Fatalf("RenamedStorePath = %q", got)
	}
}

func TestArtifactPaths(t *testing.T) {
	l := testLayout("/data")
	dirs, err := l.ArtifactDirPaths("acme")
	if err != nil {
		t.Fatal(err)
	}
	if dirs[0] != filepath.Join("/data", "media", "tenants", "acme") || dirs[1] != filepath.Join("/data", "logs", "acme") {
		t.Fatalf("dirs = %v", dirs)
	}
	files, err := l.ArtifactFilePaths("acme")
	if err != nil || files[0] != filepath.Join("/data", "static", "qr", "acme.png") {
		t.Fatalf("files = %v, %v", files, err)
	}
}

func TestArtifactPaths_RejectsTraversal(t *testing.T) {
	// WHAT: a template that climbs out of the root is refused.
	// WHY: teardown runs RemoveAll on these paths.
	l := testLayout("/data")
	l.ArtifactDirs = []string{"../{slug}"}
	if _, err := l.ArtifactDirPaths("acme"); !errors.Is(err, horosafe.ErrPathTraversal) {
		t.Fatalf("err = %v, want ErrPathTraversal", err)
	}
	if _, err := testLayout("/data").ArtifactDirPaths("a/b"); err == nil {
		t.Fatal("slash in id should be rejected")
	}
}

func TestTeardownLogPath(t *testing.T) {
	l := testLayout("/data")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ok := l.TeardownLogPath("acme", at, false)
	bad := l.TeardownLogPath("acme", at, true)
	if filepath.Base(ok) != "teardown_acme_20260102_030405.log" {
		t.Fatalf("ok = %q", ok)
	}
	if filepath.Base(bad) != "error_teardown_acme_20260102_030405.log" {
		t.Fatalf("bad = %q", bad)
	}
}
