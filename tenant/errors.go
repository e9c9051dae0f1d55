package tenant

import "github.com/hazyhaar/tenantdb/tenant/internal/model"

// Sentinel errors. Match with errors.Is.
var (
	ErrStorageUnavailable = model.ErrStorageUnavailable
	ErrDuplicateTenant    = model.ErrDuplicateTenant
	ErrMigrationFailed    = model.ErrMigrationFailed
	ErrStructuralDefect   = model.ErrStructuralDefect
	ErrRepairFailed       = model.ErrRepairFailed
	ErrTeardownPartial    = model.ErrTeardownPartial
	ErrTenantNotFound     = model.ErrTenantNotFound
	ErrUnknownModule      = model.ErrUnknownModule
	ErrNotTenantScoped    = model.ErrNotTenantScoped
	ErrInvalidName        = model.ErrInvalidName
)

// Structured errors. Match with errors.As.
type (
	MigrationError = model.MigrationError
	RepairError    = model.RepairError
	TeardownError  = model.TeardownError
	FailureClass   = model.FailureClass
)

const (
	FailureGeneric    = model.FailureGeneric
	FailureStructural = model.FailureStructural
)
