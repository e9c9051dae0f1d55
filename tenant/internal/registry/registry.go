// Package registry is the in-memory catalog of tenants whose backing store
// has been resolved in this process, keyed by TenantID.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

// ErrAlreadyRegistered is returned when a second descriptor is registered
// for the same tenant.
var ErrAlreadyRegistered = errors.New("registry: tenant already registered")

// Flags are the runtime settings every tenant connection carries. Tenants
// are many and mostly idle, so connections are neither pooled nor probed.
type Flags struct {
	ImplicitTx   bool          `json:"implicit_tx"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	HealthChecks bool          `json:"health_checks"`
}

// TenantFlags is the fixed flag set used for tenant stores.
var TenantFlags = Flags{}

// Descriptor is the resolved handle for one tenant's backing store.
type Descriptor struct {
	ID       model.TenantID
	Path     string
	Flags    Flags
	DB       *sql.DB
	OpenedAt time.Time

	created atomic.Bool
}

// NewDescriptor builds a descriptor. created marks a store whose file was
// created by this resolution and still needs full provisioning.
func NewDescriptor(id model.TenantID, path string, db *sql.DB, created bool) *Descriptor {
	d := &Descriptor{ID: id, Path: path, Flags: TenantFlags, DB: db, OpenedAt: time.Now()}
	d.created.Store(created)
	return d
}

// Created reports whether the store was created and not yet fully migrated.
func (d *Descriptor) Created() bool { return d.created.Load() }

// MarkProvisioned clears the created flag. The applier calls it once the
// first migration of the store has started.
func (d *Descriptor) MarkProvisioned() { d.created.Store(false) }

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tenants map[model.TenantID]*Descriptor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tenants: make(map[model.TenantID]*Descriptor)}
}

// Get returns the descriptor for id, if registered.
func (r *Registry) Get(id model.TenantID) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tenants[id]
	return d, ok
}

// Register adds d. It refuses to replace an existing entry.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, d.ID)
	}
	r.tenants[d.ID] = d
	return nil
}

// Release removes id and closes its connection. found is false when the
// tenant was not registered.
func (r *Registry) Release(id model.TenantID) (found bool, err error) {
	r.mu.Lock()
	d, ok := r.tenants[id]
	delete(r.tenants, id)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			return true, fmt.Errorf("registry: close %s: %w", id, err)
		}
	}
	return true, nil
}

// List returns the registered tenant IDs in sorted order.
func (r *Registry) List() []model.TenantID {
	r.mu.RLock()
	ids := make([]model.TenantID, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// CloseAll releases every tenant.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, id := range r.List() {
		if _, err := r.Release(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
