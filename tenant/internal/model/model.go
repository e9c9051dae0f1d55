// Package model holds the types shared by every tenant lifecycle component:
// identifiers, the error taxonomy, and the reports operations return.
package model

import (
	"fmt"

	"github.com/hazyhaar/tenantdb/slug"
)

// TenantID is the slug identifying one tenant. Immutable once provisioned.
type TenantID string

// String implements fmt.Stringer.
func (id TenantID) String() string { return string(id) }

// ParseTenantID validates s as a tenant identifier.
func ParseTenantID(s string) (TenantID, error) {
	if !slug.Valid(s) {
		return "", fmt.Errorf("%w: %q is not a tenant identifier", ErrInvalidName, s)
	}
	return TenantID(s), nil
}

// DeriveTenantID slugifies a display name.
func DeriveTenantID(name string) (TenantID, error) {
	s := slug.Make(name)
	if s == "" {
		return "", fmt.Errorf("%w: %q yields an empty identifier", ErrInvalidName, name)
	}
	return TenantID(s), nil
}
