package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStorageUnavailable = errors.New("tenant: storage unavailable")
	ErrDuplicateTenant    = errors.New("tenant: duplicate tenant")
	ErrMigrationFailed    = errors.New("tenant: migration failed")
	ErrStructuralDefect   = errors.New("tenant: structural defect")
	ErrRepairFailed       = errors.New("tenant: repair failed")
	ErrTeardownPartial    = errors.New("tenant: teardown partial")
	ErrTenantNotFound     = errors.New("tenant: not found")
	ErrUnknownModule      = errors.New("tenant: unknown module")
	ErrNotTenantScoped    = errors.New("tenant: module is not tenant-scoped")
	ErrInvalidName        = errors.New("tenant: invalid name")
)

// FailureClass distinguishes a forbidden cross-store reference from any
// other migration failure.
type FailureClass string

const (
	FailureGeneric    FailureClass = "generic"
	FailureStructural FailureClass = "structural_defect"
)

// MigrationError is one module's failed schema application.
// errors.Is matches ErrMigrationFailed, and ErrStructuralDefect when the
// class is structural.
type MigrationError struct {
	Tenant    TenantID
	Module    string
	ChangeSet string
	Class     FailureClass
	Cause     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("tenant %s: module %s: change set %s: %s: %v", e.Tenant, e.Module, e.ChangeSet, e.Class, e.Cause)
}

func (e *MigrationError) Unwrap() error { return e.Cause }

func (e *MigrationError) Is(target error) bool {
	switch target {
	case ErrMigrationFailed:
		return true
	case ErrStructuralDefect:
		return e.Class == FailureStructural
	}
	return false
}

// RepairError is returned when every repair strategy failed.
type RepairError struct {
	Tenant   TenantID
	Module   string
	Attempts []error
}

func (e *RepairError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		msgs[i] = a.Error()
	}
	return fmt.Sprintf("tenant %s: repair %s: %s", e.Tenant, e.Module, strings.Join(msgs, "; "))
}

func (e *RepairError) Unwrap() []error { return e.Attempts }

func (e *RepairError) Is(target error) bool { return target == ErrRepairFailed }

// TeardownError lists the teardown steps that failed.
type TeardownError struct {
	Tenant TenantID
	Errors []string
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("tenant %s: teardown partial: %s", e.Tenant, strings.Join(e.Errors, "; "))
}

func (e *TeardownError) Is(target error) bool { return target == ErrTeardownPartial }
