// Package layout maps a tenant identifier to every path the tenant owns on
// disk. All paths are derived, never stored.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/tenantdb/horosafe"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

// Placeholder is substituted with the tenant slug in artifact templates.
const Placeholder = "{slug}"

// TimestampFormat suffixes renamed stores and teardown logs.
const TimestampFormat = "20060102_150405"

// Layout is the on-disk arrangement under Root.
type Layout struct {
	Root          string
	StoresDir     string
	StorePrefix   string
	StoreExt      string
	LogDir        string
	ArtifactDirs  []string
	ArtifactFiles []string
}

// StoreDir is the directory holding every tenant store.
func (l Layout) StoreDir() string {
	return filepath.Join(l.Root, l.StoresDir)
}

// StorePath is the deterministic backing store path for id.
func (l Layout) StorePath(id model.TenantID) string {
	return filepath.Join(l.StoreDir(), l.StorePrefix+string(id)+l.StoreExt)
}

// Sidecars lists the engine's auxiliary files next to the store.
func (l Layout) Sidecars(id model.TenantID) []string {
	p := l.StorePath(id)
	return []string{p + "-wal", p + "-shm", p + "-journal"}
}

// RenamedStorePath is where a locked store is moved when it cannot be deleted.
func (l Layout) RenamedStorePath(id model.TenantID, at time.Time) string {
	return l.StorePath(id) + ".deleted_" + at.Format(TimestampFormat)
}

// ArtifactDirPaths renders the artifact directory templates for id.
func (l Layout) ArtifactDirPaths(id model.TenantID) ([]string, error) {
	return l.render(id, l.ArtifactDirs)
}

// ArtifactFilePaths renders the artifact file templates for id.
func (l Layout) ArtifactFilePaths(id model.TenantID) ([]string, error) {
	return l.render(id, l.ArtifactFiles)
}

// TeardownLogPath is the per-run teardown log. Failed runs get an "error_"
// prefix so they sort apart.
func (l Layout) TeardownLogPath(id model.TenantID, at time.Time, failed bool) string {
	name := fmt.Sprintf("teardown_%s_%s.log", id, at.Format(TimestampFormat))
	if failed {
		name = "error_" + name
	}
	return filepath.Join(l.Root, l.LogDir, name)
}

func (l Layout) render(id model.TenantID, templates []string) ([]string, error) {
	if err := horosafe.ValidateIdentifier(string(id)); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		rel := strings.ReplaceAll(tpl, Placeholder, string(id))
		p, err := horosafe.SafePath(l.Root, rel)
		if err != nil {
			return nil, fmt.Errorf("layout: %s: %w", tpl, err)
		}
		out = append(out, p)
	}
	return out, nil
}
