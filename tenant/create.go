package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/kit"
	"github.com/hazyhaar/tenantdb/tenant/internal/directory"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

// CreateOption tunes CreateTenant.
type CreateOption func(*createOptions)

type createOptions struct {
	features  []string
	createdBy string
}

// WithFeatures records feature flags on the directory row.
func WithFeatures(features ...string) CreateOption {
	return func(o *createOptions) { o.features = append(o.features, features...) }
}

// WithCreatedBy records the creating operator. It defaults to the user ID
// carried by ctx.
func WithCreatedBy(user string) CreateOption {
	return func(o *createOptions) { o.createdBy = user }
}

// metaSchema is seeded into every new store before its modules.
const metaSchema = `CREATE TABLE IF NOT EXISTS tenant_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// CreateTenant derives an identifier from name, inserts the directory row,
// provisions and migrates the store, and lists the tenant in the snapshot.
// Any failure after the row is inserted removes the row and the store this
// call created.
func (m *Manager) CreateTenant(ctx context.Context, name string, opts ...CreateOption) (ID, error) {
	start := m.now()
	o := createOptions{createdBy: kit.GetUserID(ctx)}
	for _, fn := range opts {
		fn(&o)
	}

	id, err := model.DeriveTenantID(name)
	if err != nil {
		return "", err
	}
	exists, err := m.dir.Exists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: control plane: %w", ErrStorageUnavailable, err)
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTenant, id)
	}
	onDisk, err := m.prov.StoreExists(id)
	if err != nil {
		return "", err
	}
	if onDisk {
		return "", fmt.Errorf("%w: %s: store already on disk at %s", ErrDuplicateTenant, id, m.layout.StorePath(id))
	}

	row := directory.Tenant{Slug: id, Name: name, Features: o.features, CreatedAt: start, CreatedBy: o.createdBy}
	if err := m.dir.Insert(ctx, row); err != nil {
		return "", err
	}

	params := map[string]any{"name": name, "features": o.features}
	fail := func(cause error) (ID, error) {
		m.compensate(ctx, id)
		m.record(ctx, id, ActionCreate, params, nil, cause, start, "")
		m.logger.Error("tenant: create failed", "tenant", id, "error", cause)
		return "", cause
	}

	d, err := m.prov.Resolve(ctx, id)
	if err != nil {
		return fail(err)
	}
	if err := seedMeta(ctx, d.DB, id, name, start); err != nil {
		return fail(fmt.Errorf("%w: %s: seed: %w", ErrStorageUnavailable, id, err))
	}
	rep, err := m.EnsureMigrated(ctx, id)
	if err != nil {
		return fail(err)
	}
	if _, err := m.snapshot.Add(id); err != nil {
		return fail(err)
	}

	m.record(ctx, id, ActionCreate, params, rep, nil, start, "")
	m.logger.Info("tenant: created", "tenant", id, "applied", len(rep.Applied), "failed", len(rep.Failed))
	return id, nil
}

// compensate undoes a half-finished CreateTenant. CreateTenant refuses to
// run over an existing store, so any store present now was created by it.
func (m *Manager) compensate(ctx context.Context, id ID) {
	if _, err := m.dir.DeleteTenant(ctx, id); err != nil {
		m.logger.Error("tenant: compensating delete failed", "tenant", id, "error", err)
	}
	if _, err := m.registry.Release(id); err != nil {
		m.logger.Warn("tenant: release failed", "tenant", id, "error", err)
	}
	m.cache.Forget(id)
	if _, err := m.snapshot.Remove(id); err != nil {
		m.logger.Warn("tenant: snapshot cleanup failed", "tenant", id, "error", err)
	}
	for _, p := range append([]string{m.layout.StorePath(id)}, m.layout.Sidecars(id)...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("tenant: store cleanup failed", "tenant", id, "path", p, "error", err)
		}
	}
}

func seedMeta(ctx context.Context, db *sql.DB, id ID, name string, at time.Time) error {
	return dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, metaSchema); err != nil {
			return err
		}
		for k, v := range map[string]string{
			"name":       name,
			"slug":       string(id),
			"created_at": strconv.FormatInt(at.UnixMilli(), 10),
		} {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO tenant_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
