package tenant

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// WHAT: a YAML file overrides defaults key by key.
// WHY: deployments set only what differs.
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenantdb.yaml")
	os.WriteFile(path, []byte(`
data_dir: /srv/tenants
store:
  synchronous: full
teardown:
  attempts: 5
  pause: 250ms
  artifact_dirs: ["uploads/{slug}"]
`), 0o644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/srv/tenants" || cfg.Teardown.Attempts != 5 || cfg.Teardown.Pause != 250*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Teardown.ArtifactDirs) != 1 || len(cfg.Teardown.ArtifactFiles) != 3 {
		t.Fatalf("artifacts = %v %v", cfg.Teardown.ArtifactDirs, cfg.Teardown.ArtifactFiles)
	}
	if cfg.StorePrefix != "db_" || cfg.Store.BusyTimeoutMs != 5000 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.ControlDBPath() != "/srv/tenants/control.db" {
		t.Fatalf("ControlDBPath = %s", cfg.ControlDBPath())
	}
	if got := cfg.Layout().StorePath("acme"); got != "/srv/tenants/stores/db_acme.sqlite3" {
		t.Fatalf("StorePath = %s", got)
	}
}

// WHAT: Validate rejects settings that could delete shared files.
// WHY: an artifact template without {slug} would target every tenant.
func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"data_dir":     func(c *Config) { c.DataDir = "" },
		"synchronous":  func(c *Config) { c.Store.Synchronous = "sometimes" },
		"attempts":     func(c *Config) { c.Teardown.Attempts = 0 },
		"{slug}":       func(c *Config) { c.Teardown.ArtifactDirs = []string{"media"} },
		"store_prefix": func(c *Config) { c.StorePrefix = "a/b" },
		"stores_dir":   func(c *Config) { c.StoresDir = "../elsewhere" },
		"bootstrap":    func(c *Config) { c.BootstrapConcurrency = 0 },
	}
	for want, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%s: err = %v", want, err)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}
