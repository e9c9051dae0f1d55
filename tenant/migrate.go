package tenant

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/tenantdb/kit"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
)

// MigrateOption tunes EnsureMigrated.
type MigrateOption func(*migrateOptions)

type migrateOptions struct {
	bypassCache bool
}

// WithoutCache forgets the tenant's verified mark first so the full check
// runs. The mark is set again when the check succeeds.
func WithoutCache() MigrateOption {
	return func(o *migrateOptions) { o.bypassCache = true }
}

// EnsureMigrated resolves id and applies every pending tenant-scoped module.
//
// When the tenant is already verified in this process the report has
// Cached set and nothing ran. Partial failure is reported in
// MigrationReport.Failed with a nil error; the error is non-nil only when
// every attempted module failed or the store was unusable.
func (m *Manager) EnsureMigrated(ctx context.Context, id ID, opts ...MigrateOption) (*MigrationReport, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := m.requireTenant(ctx, id); err != nil {
		return nil, err
	}
	_, rep, err := m.ensure(ctx, id, opts...)
	return rep, err
}

// Conn is the request-path entry point: it resolves id, migrates it unless
// the cache already vouches for it, and returns the tenant's handle. A
// tenant with some failed modules is still served.
func (m *Manager) Conn(ctx context.Context, id ID) (*sql.DB, error) {
	if d, ok := m.registry.Get(id); ok && m.cache.Verified(id) && !m.prov.Fenced(id) {
		return d.DB, nil
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := m.requireTenant(ctx, id); err != nil {
		return nil, err
	}
	d, rep, err := m.ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rep.OK() {
		m.logger.Warn("tenant: serving partially migrated store", "tenant", id, "failed", len(rep.Failed))
	}
	return d.DB, nil
}

func (m *Manager) ensure(ctx context.Context, id ID, opts ...MigrateOption) (*registry.Descriptor, *MigrationReport, error) {
	var o migrateOptions
	for _, fn := range opts {
		fn(&o)
	}
	start := m.now()
	if kit.GetTenant(ctx) == "" {
		ctx = kit.WithTenant(ctx, string(id))
	}

	d, err := m.prov.Resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if o.bypassCache {
		m.cache.Forget(id)
	}

	var rep *MigrationReport
	ran, err := m.cache.EnsureChecked(id, func() (bool, error) {
		r, err := m.applier.Apply(ctx, d)
		rep = r
		if err != nil {
			return false, err
		}
		return r.OK(), nil
	})
	if !ran {
		return d, &MigrationReport{Tenant: id, Applied: []string{}, Failed: []ModuleFailure{}, Cached: true}, nil
	}
	if err != nil || len(rep.Applied) > 0 || len(rep.Failed) > 0 {
		status := ""
		if err == nil && !rep.OK() {
			status = "partial"
		}
		m.record(ctx, id, ActionMigrate, map[string]any{"bypass_cache": o.bypassCache}, rep, err, start, status)
	}
	return d, rep, err
}

// MigrationResult is one tenant's outcome in MigrateAll.
type MigrationResult struct {
	Tenant ID               `json:"tenant"`
	Report *MigrationReport `json:"report,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// MigrateAll runs EnsureMigrated for every tenant in the directory,
// bypassing the cache when force is set. Failures are reported per tenant.
func (m *Manager) MigrateAll(ctx context.Context, force bool) ([]MigrationResult, error) {
	rows, err := m.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	var opts []MigrateOption
	if force {
		opts = append(opts, WithoutCache())
	}

	var mu sync.Mutex
	results := make([]MigrationResult, 0, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.BootstrapConcurrency)
	for _, row := range rows {
		g.Go(func() error {
			res := MigrationResult{Tenant: row.Slug}
			_, rep, err := m.ensure(gctx, row.Slug, opts...)
			res.Report = rep
			if err != nil {
				res.Error = err.Error()
				m.logger.Warn("tenant: migrate failed", "tenant", row.Slug, "error", err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	slices.SortFunc(results, func(a, b MigrationResult) int { return cmp.Compare(a.Tenant, b.Tenant) })
	return results, nil
}

// requireTenant fails with ErrTenantNotFound when id has no directory row.
func (m *Manager) requireTenant(ctx context.Context, id ID) error {
	ok, err := m.dir.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: control plane: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return nil
}
