package tenant

import (
	"context"
	"errors"
	"io/fs"
	"os"
)

// ReconcileReport lists the registry entries dropped by Reconcile.
type ReconcileReport struct {
	Released []ID `json:"released"`
}

// DirectoryVersion returns a token that changes whenever any process
// creates or tears down a tenant. A watcher polls it to decide when to
// Reconcile.
func (m *Manager) DirectoryVersion(ctx context.Context) (int64, error) {
	return m.dir.ChangeToken(ctx)
}

// Reconcile drops the registry entry and the verified mark of every
// registered tenant whose store file is gone, typically because another
// process tore it down. The next Conn resolves the tenant afresh.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	rep := &ReconcileReport{Released: []ID{}}
	for _, id := range m.registry.List() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		_, err := os.Stat(m.layout.StorePath(id))
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if _, err := m.registry.Release(id); err != nil {
			m.logger.Warn("tenant: reconcile release", "tenant", id, "error", err)
		}
		m.cache.Forget(id)
		rep.Released = append(rep.Released, id)
		m.logger.Info("tenant: reconciled", "tenant", id)
	}
	return rep, nil
}
