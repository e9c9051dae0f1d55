// Package snapshot persists the list of known tenant identifiers as a small
// JSON file so a fresh process can rediscover tenants without scanning the
// stores directory.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

// Snapshot is safe for concurrent use within one process. Writes replace
// the file atomically.
type Snapshot struct {
	path string
	mu   sync.Mutex
}

// New returns a Snapshot backed by path. The file is created on first write.
func New(path string) *Snapshot {
	return &Snapshot{path: path}
}

// Path returns the backing file path.
func (s *Snapshot) Path() string { return s.path }

// Load returns the sorted tenant list. A missing file is an empty list.
func (s *Snapshot) Load() ([]model.TenantID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Contains reports whether id is listed.
func (s *Snapshot) Contains(id model.TenantID) (bool, error) {
	ids, err := s.Load()
	if err != nil {
		return false, err
	}
	_, found := slices.BinarySearch(ids, id)
	return found, nil
}

// Add lists id. added is false when it was already listed.
func (s *Snapshot) Add(id model.TenantID) (added bool, err error) {
	return s.update(func(ids []model.TenantID) ([]model.TenantID, bool) {
		if slices.Contains(ids, id) {
			return ids, false
		}
		return append(ids, id), true
	})
}

// Remove unlists id. removed is false when it was not listed.
func (s *Snapshot) Remove(id model.TenantID) (removed bool, err error) {
	return s.update(func(ids []model.TenantID) ([]model.TenantID, bool) {
		i := slices.Index(ids, id)
		if i < 0 {
			return ids, false
		}
		return slices.Delete(ids, i, i+1), true
	})
}

// Replace overwrites the list.
func (s *Snapshot) Replace(ids []model.TenantID) error {
	_, err := s.update(func([]model.TenantID) ([]model.TenantID, bool) {
		return slices.Clone(ids), true
	})
	return err
}

func (s *Snapshot) update(fn func([]model.TenantID) ([]model.TenantID, bool)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.load()
	if err != nil {
		return false, err
	}
	next, changed := fn(ids)
	if !changed {
		return false, nil
	}
	return true, s.write(next)
}

func (s *Snapshot) load() ([]model.TenantID, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.TenantID{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", s.path, err)
	}
	var ids []model.TenantID
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("snapshot: parse %s: %w", s.path, err)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (s *Snapshot) write(ids []model.TenantID) error {
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if ids == nil {
		ids = []model.TenantID{}
	}
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tenants-*.json")
	if err != nil {
		return fmt.Errorf("snapshot: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}
