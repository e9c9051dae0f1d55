package tenant

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/tenantdb/audit"
	"github.com/hazyhaar/tenantdb/tenant/internal/migrate"
	"github.com/hazyhaar/tenantdb/trace"
)

// Inspection is a read-only summary of everything a tenant owns.
type Inspection struct {
	Tenant          ID             `json:"tenant"`
	Record          *Record        `json:"record,omitempty"`
	StorePath       string         `json:"store_path"`
	StoreExists     bool           `json:"store_exists"`
	StoreBytes      int64          `json:"store_bytes"`
	StoreSize       string         `json:"store_size"`
	Tables          int            `json:"tables"`
	BookkeepingRows int            `json:"bookkeeping_rows"`
	Registered      bool           `json:"registered"`
	Verified        bool           `json:"verified"`
	InSnapshot      bool           `json:"in_snapshot"`
	ArtifactFiles   map[string]int `json:"artifact_files"`
}

// Inspect summarizes id without creating anything.
func (m *Manager) Inspect(ctx context.Context, id ID) (*Inspection, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	in := &Inspection{
		Tenant:        id,
		StorePath:     m.layout.StorePath(id),
		ArtifactFiles: map[string]int{},
	}

	row, err := m.dir.Get(ctx, id)
	switch {
	case err == nil:
		in.Record = &row
	case !errors.Is(err, ErrTenantNotFound):
		return nil, err
	}

	if info, err := os.Stat(in.StorePath); err == nil {
		in.StoreExists = true
		in.StoreBytes = info.Size()
		in.StoreSize = humanize.Bytes(uint64(info.Size()))
		d, release, err := m.prov.View(ctx, id)
		if err != nil {
			return nil, err
		}
		defer release()
		if err := d.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&in.Tables); err != nil {
			return nil, fmt.Errorf("tenant %s: count tables: %w", id, err)
		}
		recs, err := migrate.LoadRecords(ctx, d.DB)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		in.BookkeepingRows = recs.Total()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, id, err)
	}

	in.Registered = m.Registered(id)
	in.Verified = m.cache.Verified(id)
	if in.InSnapshot, err = m.snapshot.Contains(id); err != nil {
		return nil, err
	}

	dirs, err := m.layout.ArtifactDirPaths(id)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		n := 0
		filepath.WalkDir(dir, func(_ string, de fs.DirEntry, err error) error {
			if err == nil && !de.IsDir() {
				n++
			}
			return nil
		})
		if n > 0 {
			rel, _ := filepath.Rel(m.cfg.DataDir, dir)
			in.ArtifactFiles[rel] = n
		}
	}
	return in, nil
}

// Check is one verification step.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Verification tells whether a tenant is fully present.
type Verification struct {
	Tenant ID      `json:"tenant"`
	Active bool    `json:"active"`
	Checks []Check `json:"checks"`
}

// Verify checks that id has a directory row, a store file and a snapshot
// entry. Active is true only when all three hold.
func (m *Manager) Verify(ctx context.Context, id ID) (*Verification, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	v := &Verification{Tenant: id}

	inDir, err := m.dir.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	v.Checks = append(v.Checks, Check{Name: "directory_row", OK: inDir})

	onDisk, err := m.prov.StoreExists(id)
	if err != nil {
		return nil, err
	}
	v.Checks = append(v.Checks, Check{Name: "store_file", OK: onDisk, Detail: m.layout.StorePath(id)})

	listed, err := m.snapshot.Contains(id)
	if err != nil {
		return nil, err
	}
	v.Checks = append(v.Checks, Check{Name: "snapshot_entry", OK: listed, Detail: m.snapshot.Path()})

	v.Active = inDir && onDisk && listed
	return v, nil
}

// List returns every directory row ordered by identifier.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	rows, err := m.dir.List(ctx)
	if rows == nil && err == nil {
		rows = []Record{}
	}
	return rows, err
}

// History returns the audit entries for id, newest first.
func (m *Manager) History(ctx context.Context, id ID, limit int) ([]*audit.Entry, error) {
	return m.audit.Query(ctx, audit.Filter{Tenant: string(id), Limit: limit})
}

// SlowQueries returns the traced statements of id's store, newest first.
// It is empty unless store.trace is enabled.
func (m *Manager) SlowQueries(ctx context.Context, id ID, limit int) ([]trace.Entry, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if m.tracer == nil {
		return []trace.Entry{}, nil
	}
	return m.tracer.Recent(ctx, filepath.Base(m.layout.StorePath(id)), limit)
}

// Deletions returns the recorded teardown runs for id, newest first.
func (m *Manager) Deletions(ctx context.Context, id ID) ([]Deletion, error) {
	return m.dir.Deletions(ctx, id)
}

// AddUser creates an operator account for the admin API.
func (m *Manager) AddUser(ctx context.Context, username, password, role string) error {
	return m.dir.AddUser(ctx, username, password, role)
}

// Authenticate checks operator credentials.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (User, error) {
	return m.dir.Authenticate(ctx, username, password)
}
