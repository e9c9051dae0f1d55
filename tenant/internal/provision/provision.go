// Package provision turns a tenant identifier into a live, registered
// connection to that tenant's backing store, creating the store on first use.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/tenant/internal/layout"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
)

// ErrStoreMissing is returned by Attach when the store file does not exist.
var ErrStoreMissing = errors.New("provision: store file missing")

// CreateGuard is consulted before a missing store file is created. A
// non-nil error aborts the resolution and is returned as is.
type CreateGuard func(ctx context.Context, id model.TenantID) error

// Provisioner resolves tenants. Concurrent resolutions of the same tenant
// share one execution; different tenants proceed in parallel.
type Provisioner struct {
	layout   layout.Layout
	registry *registry.Registry
	dbOpts   []dbopen.Option
	logger   *slog.Logger
	group    singleflight.Group
	guard    CreateGuard

	// locks holds one *sync.Mutex per tenant. Opening a store and fencing
	// the tenant both take it.
	locks  sync.Map
	mu     sync.Mutex
	fenced map[model.TenantID]int
}

// New returns a Provisioner. dbOpts are appended to the fixed tenant flags.
func New(l layout.Layout, reg *registry.Registry, logger *slog.Logger, dbOpts ...dbopen.Option) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{layout: l, registry: reg, dbOpts: dbOpts, logger: logger, fenced: map[model.TenantID]int{}}
}

// SetCreateGuard installs g. It must be called before the first Resolve.
func (p *Provisioner) SetCreateGuard(g CreateGuard) { p.guard = g }

// Fence makes Resolve and Attach refuse id with model.ErrTenantNotFound
// until release is called. It waits for an open of id already in progress,
// so once Fence returns no new handle for id can be registered.
func (p *Provisioner) Fence(id model.TenantID) (release func()) {
	l := p.lock(id)
	l.Lock()
	p.mu.Lock()
	p.fenced[id]++
	p.mu.Unlock()
	l.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.fenced[id]--; p.fenced[id] <= 0 {
				delete(p.fenced, id)
			}
		})
	}
}

// Fenced reports whether a Fence on id is active.
func (p *Provisioner) Fenced(id model.TenantID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fenced[id] > 0
}

func (p *Provisioner) lock(id model.TenantID) *sync.Mutex {
	l, _ := p.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func errFenced(id model.TenantID) error {
	return fmt.Errorf("%w: %s: teardown in progress", model.ErrTenantNotFound, id)
}

// Resolve returns the tenant's descriptor, creating an empty store and
// registering it when the tenant is not yet known to this process.
func (p *Provisioner) Resolve(ctx context.Context, id model.TenantID) (*registry.Descriptor, error) {
	return p.resolve(ctx, id, true)
}

// Attach is Resolve without store creation. It fails with ErrStoreMissing
// when the file is absent.
func (p *Provisioner) Attach(ctx context.Context, id model.TenantID) (*registry.Descriptor, error) {
	return p.resolve(ctx, id, false)
}

// View returns a descriptor for reading id's store without side effects on
// disk. A registered tenant yields its live descriptor. Otherwise a
// read-only handle is opened outside the registry and closed by release.
// It fails with ErrStoreMissing when the file is absent.
func (p *Provisioner) View(ctx context.Context, id model.TenantID) (d *registry.Descriptor, release func(), err error) {
	if p.Fenced(id) {
		return nil, nil, errFenced(id)
	}
	if d, ok := p.registry.Get(id); ok {
		return d, func() {}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	path := p.layout.StorePath(id)
	if ok, err := p.StoreExists(id); err != nil {
		return nil, nil, err
	} else if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrStoreMissing, path)
	}
	opts := append([]dbopen.Option{dbopen.WithoutIdlePool(), dbopen.WithoutPing()}, p.dbOpts...)
	opts = append(opts, dbopen.WithReadOnly())
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", model.ErrStorageUnavailable, id, err)
	}
	return registry.NewDescriptor(id, path, db, false), func() { db.Close() }, nil
}

// StoreExists reports whether the tenant's store file is on disk.
func (p *Provisioner) StoreExists(id model.TenantID) (bool, error) {
	_, err := os.Stat(p.layout.StorePath(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s: %w", model.ErrStorageUnavailable, id, err)
}

func (p *Provisioner) resolve(ctx context.Context, id model.TenantID, create bool) (*registry.Descriptor, error) {
	if p.Fenced(id) {
		return nil, errFenced(id)
	}
	if d, ok := p.registry.Get(id); ok {
		return d, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, _ := p.group.Do(string(id), func() (any, error) {
		if d, ok := p.registry.Get(id); ok {
			return d, nil
		}
		return p.open(ctx, id, create)
	})
	if err != nil {
		return nil, err
	}
	return v.(*registry.Descriptor), nil
}

func (p *Provisioner) open(ctx context.Context, id model.TenantID, create bool) (*registry.Descriptor, error) {
	l := p.lock(id)
	l.Lock()
	defer l.Unlock()
	if p.Fenced(id) {
		return nil, errFenced(id)
	}

	path := p.layout.StorePath(id)
	created := false
	if create {
		onDisk, err := p.StoreExists(id)
		if err != nil {
			return nil, err
		}
		if !onDisk && p.guard != nil {
			if err := p.guard(ctx, id); err != nil {
				return nil, err
			}
		}
		if created, err = createEmpty(path); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", model.ErrStorageUnavailable, id, err)
		}
	} else if ok, err := p.StoreExists(id); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreMissing, path)
	}

	opts := append([]dbopen.Option{dbopen.WithoutIdlePool(), dbopen.WithoutPing()}, p.dbOpts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrStorageUnavailable, id, err)
	}

	d := registry.NewDescriptor(id, path, db, created)
	if err := p.registry.Register(d); err != nil {
		db.Close()
		return nil, err
	}

	if created {
		p.logger.Info("provision: store created", "tenant", id, "path", path)
	} else {
		p.logger.Debug("provision: store attached", "tenant", id, "path", path)
	}
	return d, nil
}

// createEmpty creates a zero-byte file at path. A zero-byte store is a
// valid tenant with no schema yet. created is false when the file existed.
func createEmpty(path string) (created bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create store: %w", err)
	}
	return true, f.Close()
}
