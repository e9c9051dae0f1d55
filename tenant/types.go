package tenant

import (
	"github.com/hazyhaar/tenantdb/tenant/internal/directory"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
)

// Re-exported types from internal packages for use by cmd/ and callers.
type (
	ID               = model.TenantID
	MigrationReport  = model.MigrationReport
	ModuleFailure    = model.ModuleFailure
	DiagnosticReport = model.DiagnosticReport
	Finding          = model.Finding
	TableInfo        = model.TableInfo
	ModuleStatus     = model.ModuleStatus
	RepairReport     = model.RepairReport
	RepairStrategy   = model.RepairStrategy
	TeardownReport   = model.TeardownReport
	TeardownStep     = model.TeardownStep

	Record   = directory.Tenant
	Deletion = directory.Deletion
	User     = directory.User

	Catalog   = modules.Catalog
	Module    = modules.Module
	ChangeSet = modules.ChangeSet
	Scope     = modules.Scope
)

const (
	TenantScoped = modules.TenantScoped
	ControlPlane = modules.ControlPlane

	StrategyRemigrated = model.StrategyRemigrated
	StrategyManualDDL  = model.StrategyManualDDL
)

// ParseID validates s as a tenant identifier.
func ParseID(s string) (ID, error) { return model.ParseTenantID(s) }

// DeriveID slugifies a display name into a tenant identifier.
func DeriveID(name string) (ID, error) { return model.DeriveTenantID(name) }

// DefaultCatalog returns the built-in module catalog.
func DefaultCatalog() *Catalog { return modules.Default() }

// NewCatalog validates mods into a catalog.
func NewCatalog(mods ...Module) (*Catalog, error) { return modules.NewCatalog(mods...) }
