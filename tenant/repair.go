package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/provision"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
)

// Diagnose reports the tables in id's store with row counts and flags known
// bad states. It never creates a missing store; that case is reported with
// a store_missing finding. A store not yet registered is read through a
// read-only handle and stays unregistered.
func (m *Manager) Diagnose(ctx context.Context, id ID) (*DiagnosticReport, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	d, release, err := m.prov.View(ctx, id)
	if errors.Is(err, provision.ErrStoreMissing) {
		return &DiagnosticReport{
			Tenant:    id,
			StorePath: m.layout.StorePath(id),
			Tables:    []TableInfo{},
			Modules:   []ModuleStatus{},
			Findings: []Finding{{
				Code:   model.FindingStoreMissing,
				Detail: "no backing store at " + m.layout.StorePath(id),
			}},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()
	return m.toolkit.Diagnose(ctx, d)
}

// RepairModule brings one tenant-scoped module back: first by resetting its
// bookkeeping and re-migrating it, then, only for a structural defect, by
// applying its hand-written fallback DDL. A manual repair is flagged in the
// report and in later diagnoses.
func (m *Manager) RepairModule(ctx context.Context, id ID, module string) (*RepairReport, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	start := m.now()
	d, err := m.attach(ctx, id)
	if err != nil {
		return nil, err
	}
	rep, err := m.toolkit.Module(ctx, d, module)
	m.cache.Forget(id)
	m.record(ctx, id, ActionRepair, map[string]string{"module": module}, rep, err, start, "")
	return rep, err
}

// attach registers id's existing store without creating it.
func (m *Manager) attach(ctx context.Context, id ID) (*registry.Descriptor, error) {
	d, err := m.prov.Attach(ctx, id)
	if errors.Is(err, provision.ErrStoreMissing) {
		return nil, fmt.Errorf("%w: %s: %w", ErrTenantNotFound, id, err)
	}
	return d, err
}
