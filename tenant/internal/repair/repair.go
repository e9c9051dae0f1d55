package repair

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/tenantdb/tenant/internal/migrate"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
)

// Module repairs one tenant-scoped module. It first resets the module's
// bookkeeping and re-runs its change sets. Only when that fails with a
// structural defect does it apply the module's fallback DDL and record the
// change sets as manual.
func (t *Toolkit) Module(ctx context.Context, d *registry.Descriptor, name string) (*model.RepairReport, error) {
	m, ok := t.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownModule, name)
	}
	if m.Scope != modules.TenantScoped {
		return nil, fmt.Errorf("%w: %s", model.ErrNotTenantScoped, name)
	}

	r := &model.RepairReport{Tenant: d.ID, Module: name}
	log := t.logger.With("tenant", d.ID, "module", name)

	if n, err := migrate.Reset(ctx, d.DB, name); err != nil {
		return r, &model.RepairError{Tenant: d.ID, Module: name, Attempts: []error{err}}
	} else if n > 0 {
		log.Info("repair: bookkeeping reset", "rows", n)
	}

	err := t.applier.ApplyModule(ctx, d.DB, d.ID, m)
	if err == nil {
		r.Strategy = model.StrategyRemigrated
		r.Attempts = append(r.Attempts, model.RepairAttempt{Strategy: model.StrategyRemigrated})
		log.Info("repair: module re-migrated")
		return r, nil
	}
	r.Attempts = append(r.Attempts, model.RepairAttempt{Strategy: model.StrategyRemigrated, Error: err.Error()})
	if !errors.Is(err, model.ErrStructuralDefect) {
		log.Error("repair: re-migration failed", "error", err)
		return r, &model.RepairError{Tenant: d.ID, Module: name, Attempts: []error{err}}
	}

	log.Warn("repair: structural defect, falling back to manual DDL", "error", err)
	ferr := t.applier.ApplyFallback(ctx, d.DB, d.ID, m)
	if ferr != nil {
		r.Attempts = append(r.Attempts, model.RepairAttempt{Strategy: model.StrategyManualDDL, Error: ferr.Error()})
		log.Error("repair: manual DDL failed", "error", ferr)
		return r, &model.RepairError{Tenant: d.ID, Module: name, Attempts: []error{err, ferr}}
	}
	r.Attempts = append(r.Attempts, model.RepairAttempt{Strategy: model.StrategyManualDDL})
	r.Strategy = model.StrategyManualDDL
	r.Manual = true
	return r, nil
}
