package tenant

import (
	"context"

	"github.com/hazyhaar/tenantdb/kit"
	"github.com/hazyhaar/tenantdb/tenant/internal/teardown"
)

// DeleteTenant tears id down: connection, store file (renamed if another
// process holds it), sidecars, artifacts, directory row, snapshot entry and
// cached migration state. It always runs every step and never fails; use
// report.Err() to detect residue.
func (m *Manager) DeleteTenant(ctx context.Context, id ID) *TeardownReport {
	if err := checkID(id); err != nil {
		now := m.now()
		return &TeardownReport{
			Tenant:             id,
			StartedAt:          now,
			FinishedAt:         now,
			FilesRemoved:       []string{},
			DirectoriesRemoved: []string{},
			Steps:              []TeardownStep{},
			Errors:             []string{err.Error()},
		}
	}
	name := ""
	if row, err := m.dir.Get(ctx, id); err == nil {
		name = row.Name
	}
	return m.teardown.Run(ctx, teardown.Request{Tenant: id, Name: name, Actor: kit.GetUserID(ctx)})
}
