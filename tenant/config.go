package tenant

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tenantdb/tenant/internal/layout"
)

// Config holds the on-disk arrangement and tuning of a Manager.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	StoresDir    string `yaml:"stores_dir"`
	StorePrefix  string `yaml:"store_prefix"`
	StoreExt     string `yaml:"store_ext"`
	ControlDB    string `yaml:"control_db"`
	SnapshotFile string `yaml:"snapshot_file"`

	Store    StoreConfig    `yaml:"store"`
	Teardown TeardownConfig `yaml:"teardown"`
	HTTP     HTTPConfig     `yaml:"http"`

	BootstrapConcurrency int `yaml:"bootstrap_concurrency"`
	AuditBuffer          int `yaml:"audit_buffer"`
}

// StoreConfig tunes every tenant connection.
type StoreConfig struct {
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	Synchronous   string `yaml:"synchronous"`

	// Trace opens tenant stores through the tracing driver. Failed
	// statements and those slower than TraceMin land in sql_traces.
	Trace    bool          `yaml:"trace"`
	TraceMin time.Duration `yaml:"trace_min"`
}

// TeardownConfig controls DeleteTenant. Artifact templates are relative to
// DataDir and must contain {slug}.
type TeardownConfig struct {
	Attempts      int           `yaml:"attempts"`
	Pause         time.Duration `yaml:"pause"`
	ArtifactDirs  []string      `yaml:"artifact_dirs"`
	ArtifactFiles []string      `yaml:"artifact_files"`
	LogDir        string        `yaml:"log_dir"`
}

// HTTPConfig is read by the admin front-end.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config rooted at ./data.
func DefaultConfig() Config {
	return Config{
		DataDir:      "data",
		StoresDir:    "stores",
		StorePrefix:  "db_",
		StoreExt:     ".sqlite3",
		ControlDB:    "control.db",
		SnapshotFile: "tenants.json",
		Store: StoreConfig{
			BusyTimeoutMs: 5000,
			Synchronous:   "NORMAL",
			TraceMin:      100 * time.Millisecond,
		},
		Teardown: TeardownConfig{
			Attempts: 3,
			Pause:    500 * time.Millisecond,
			ArtifactDirs: []string{
				"apps/generated/{slug}",
				"media/tenants/{slug}",
				"media/logos/{slug}",
				"static/tenants/{slug}",
				"logs/{slug}",
			},
			ArtifactFiles: []string{
				"static/qr/{slug}.png",
				"logs/{slug}.log",
				"stores/{slug}_log.txt",
			},
			LogDir: "logs/teardown",
		},
		HTTP:                 HTTPConfig{Listen: ":8090"},
		BootstrapConcurrency: 8,
		AuditBuffer:          256,
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("tenant: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("tenant: parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

var synchronousModes = []string{"OFF", "NORMAL", "FULL", "EXTRA"}

// Validate rejects configurations that would misplace or over-delete files.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("tenant: config: data_dir is required")
	}
	if c.StoreExt == "" {
		return fmt.Errorf("tenant: config: store_ext is required")
	}
	if strings.ContainsAny(c.StorePrefix+c.StoreExt, `/\`) {
		return fmt.Errorf("tenant: config: store_prefix and store_ext must not contain separators")
	}
	if filepath.IsAbs(c.StoresDir) || strings.HasPrefix(filepath.Clean(c.StoresDir), "..") {
		return fmt.Errorf("tenant: config: stores_dir %q must stay under data_dir", c.StoresDir)
	}
	if !slices.Contains(synchronousModes, strings.ToUpper(c.Store.Synchronous)) {
		return fmt.Errorf("tenant: config: store.synchronous %q not one of %v", c.Store.Synchronous, synchronousModes)
	}
	if c.Store.BusyTimeoutMs < 0 {
		return fmt.Errorf("tenant: config: store.busy_timeout_ms must not be negative")
	}
	if c.Teardown.Attempts < 1 {
		return fmt.Errorf("tenant: config: teardown.attempts must be at least 1")
	}
	for _, tpl := range append(slices.Clone(c.Teardown.ArtifactDirs), c.Teardown.ArtifactFiles...) {
		if !strings.Contains(tpl, layout.Placeholder) {
			return fmt.Errorf("tenant: config: artifact template %q lacks %s", tpl, layout.Placeholder)
		}
	}
	if c.BootstrapConcurrency < 1 {
		return fmt.Errorf("tenant: config: bootstrap_concurrency must be at least 1")
	}
	return nil
}

// Layout derives the tenant file layout.
func (c Config) Layout() layout.Layout {
	return layout.Layout{
		Root:          c.DataDir,
		StoresDir:     c.StoresDir,
		StorePrefix:   c.StorePrefix,
		StoreExt:      c.StoreExt,
		LogDir:        c.Teardown.LogDir,
		ArtifactDirs:  c.Teardown.ArtifactDirs,
		ArtifactFiles: c.Teardown.ArtifactFiles,
	}
}

// ControlDBPath is the control-plane database file.
func (c Config) ControlDBPath() string { return c.under(c.ControlDB) }

// SnapshotPath is the tenant list snapshot file.
func (c Config) SnapshotPath() string { return c.under(c.SnapshotFile) }

func (c Config) under(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
