// Package tenant manages the lifecycle of per-tenant databases: lazy
// provisioning on first use, schema migration of tenant-scoped modules,
// diagnosis and repair of half-migrated stores, and teardown.
//
// Every tenant owns one SQLite file at a path derived from its identifier.
// A shared control-plane database holds the tenant directory, the deletion
// history, operator accounts and the audit trail.
//
// Usage:
//
//	m, err := tenant.Open(cfg, logger)
//	defer m.Close()
//	m.Bootstrap(ctx)
//	id, err := m.CreateTenant(ctx, "Acme Water")
//	db, err := m.Conn(ctx, id)   // resolved and migrated
//	m.RegisterMCP(mcpServer)
package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/tenantdb/audit"
	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/idgen"
	"github.com/hazyhaar/tenantdb/tenant/internal/directory"
	"github.com/hazyhaar/tenantdb/tenant/internal/layout"
	"github.com/hazyhaar/tenantdb/tenant/internal/migcache"
	"github.com/hazyhaar/tenantdb/tenant/internal/migrate"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
	"github.com/hazyhaar/tenantdb/tenant/internal/provision"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
	"github.com/hazyhaar/tenantdb/tenant/internal/repair"
	"github.com/hazyhaar/tenantdb/tenant/internal/snapshot"
	"github.com/hazyhaar/tenantdb/tenant/internal/teardown"
	"github.com/hazyhaar/tenantdb/trace"

	_ "modernc.org/sqlite"
)

// Audit actions written by administrative operations.
const (
	ActionCreate  = "tenant_create"
	ActionDelete  = teardown.ActionDelete
	ActionMigrate = "tenant_migrate"
	ActionRepair  = "tenant_repair"
)

// Manager is the composition root. It owns the registry, the migration
// cache and the control-plane handles; all methods are safe for concurrent
// use.
type Manager struct {
	cfg    Config
	layout layout.Layout
	logger *slog.Logger

	ctrl     *sql.DB
	ownsCtrl bool

	registry *registry.Registry
	prov     *provision.Provisioner
	cache    *migcache.Cache
	applier  *migrate.Applier
	toolkit  *repair.Toolkit
	snapshot *snapshot.Snapshot
	dir      *directory.Store
	audit    *audit.SQLiteLogger
	teardown *teardown.Runner
	tracer   *trace.Store

	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	catalog *modules.Catalog
	idgen   idgen.Generator
}

// WithCatalog replaces the built-in module catalog.
func WithCatalog(c *Catalog) Option { return func(o *options) { o.catalog = c } }

// WithIDGenerator sets the generator for audit and teardown run IDs.
func WithIDGenerator(g idgen.Generator) Option { return func(o *options) { o.idgen = g } }

// Open opens (creating if needed) the control-plane database under
// cfg.DataDir and returns a Manager that closes it on Close.
func Open(cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: data dir: %w", ErrStorageUnavailable, err)
	}
	ctrl, err := dbopen.Open(cfg.ControlDBPath(),
		dbopen.WithMkdirAll(),
		dbopen.WithBusyTimeout(cfg.Store.BusyTimeoutMs),
		dbopen.WithSynchronous(cfg.Store.Synchronous))
	if err != nil {
		return nil, fmt.Errorf("%w: control plane: %w", ErrStorageUnavailable, err)
	}
	m, err := New(ctrl, cfg, logger, opts...)
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	m.ownsCtrl = true
	return m, nil
}

// New builds a Manager over an already open control-plane database. The
// control-plane schema is migrated before New returns. ctrl stays owned by
// the caller.
func New(ctrl *sql.DB, cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{catalog: modules.Default(), idgen: idgen.Default}
	for _, fn := range opts {
		fn(&o)
	}

	dir, err := directory.Open(ctrl)
	if err != nil {
		return nil, err
	}
	auditLog := audit.NewSQLiteLogger(ctrl,
		audit.WithIDGenerator(idgen.Prefixed("aud_", o.idgen)),
		audit.WithBufferSize(cfg.AuditBuffer),
		audit.WithLogger(logger))
	if err := auditLog.Init(); err != nil {
		auditLog.Close()
		return nil, err
	}

	storeOpts := []dbopen.Option{
		dbopen.WithBusyTimeout(cfg.Store.BusyTimeoutMs),
		dbopen.WithSynchronous(cfg.Store.Synchronous),
	}
	var tracer *trace.Store
	if cfg.Store.Trace {
		tracer = trace.NewStore(ctrl, trace.WithMinDuration(cfg.Store.TraceMin))
		if err := tracer.Init(); err != nil {
			tracer.Close()
			auditLog.Close()
			return nil, err
		}
		trace.SetStore(tracer)
		storeOpts = append(storeOpts, dbopen.WithDriver(trace.DriverName))
	}

	l := cfg.Layout()
	reg := registry.New()
	cache := migcache.New()
	snap := snapshot.New(cfg.SnapshotPath())
	applier := migrate.NewApplier(o.catalog, logger)

	m := &Manager{
		cfg:      cfg,
		layout:   l,
		logger:   logger,
		ctrl:     ctrl,
		registry: reg,
		prov:     provision.New(l, reg, logger, storeOpts...),
		cache:    cache,
		applier:  applier,
		toolkit:  repair.New(applier, logger),
		snapshot: snap,
		dir:      dir,
		audit:    auditLog,
		tracer:   tracer,
		now:      time.Now,
	}
	m.prov.SetCreateGuard(m.requireTenant)
	m.teardown = teardown.New(teardown.Deps{
		Layout:    l,
		Registry:  reg,
		Snapshot:  snap,
		Cache:     cache,
		Directory: dir,
		Fence:     m.prov,
		Audit:     auditLog,
		Logger:    logger,
		IDGen:     idgen.Prefixed("del_", o.idgen),
	}, teardown.Config{Attempts: cfg.Teardown.Attempts, Pause: cfg.Teardown.Pause})
	return m, nil
}

// ControlDB returns the control-plane database. Callers may add their own
// tables to it but must not close it.
func (m *Manager) ControlDB() *sql.DB { return m.ctrl }

// Config returns the configuration the Manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// Catalog returns the module catalog in use.
func (m *Manager) Catalog() *Catalog { return m.applier.Catalog() }

// StorePath is the deterministic backing store path for id.
func (m *Manager) StorePath(id ID) string { return m.layout.StorePath(id) }

// Registered reports whether id has a live descriptor in this process.
func (m *Manager) Registered(id ID) bool {
	_, ok := m.registry.Get(id)
	return ok
}

// Verified reports whether id is marked migrated in this process.
func (m *Manager) Verified(id ID) bool { return m.cache.Verified(id) }

// Close flushes the audit trail and closes every tenant connection, and the
// control-plane database when the Manager opened it.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if err := m.audit.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := m.registry.CloseAll(); err != nil {
			errs = append(errs, err)
		}
		if m.tracer != nil {
			trace.SetStore(nil)
			m.tracer.Close()
		}
		if m.ownsCtrl {
			if err := m.ctrl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			m.closeErr = fmt.Errorf("tenant: close: %v", errs)
		}
	})
	return m.closeErr
}

// record writes one audit entry for an administrative operation. An empty
// status is derived from opErr. Audit failures are logged, never returned.
func (m *Manager) record(ctx context.Context, id ID, action string, params, result any, opErr error, start time.Time, status string) {
	e := audit.NewEntry(ctx, string(id), action, params, result, opErr, m.now().Sub(start))
	e.Status = status
	if err := m.audit.Log(ctx, e); err != nil {
		m.logger.Warn("tenant: audit write failed", "tenant", id, "action", action, "error", err)
	}
}

// checkID rejects identifiers that could escape the data directory.
func checkID(id ID) error {
	_, err := model.ParseTenantID(string(id))
	return err
}
