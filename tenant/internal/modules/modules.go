// Package modules is the static classification of schema-owning modules
// into tenant-scoped modules, replicated into every tenant store, and
// control-plane modules, which live only in the shared database.
package modules

import (
	"fmt"
	"slices"

	"github.com/hazyhaar/tenantdb/horosafe"
)

// Scope says where a module's tables live.
type Scope string

const (
	TenantScoped Scope = "tenant_scoped"
	ControlPlane Scope = "control_plane"
)

// ChangeSet is one named, ordered unit of schema change. Statements must be
// safe to run twice (CREATE ... IF NOT EXISTS) since nothing prevents two
// processes from migrating the same tenant.
type ChangeSet struct {
	Name       string
	Statements []string
}

// Module owns a set of tables and the change sets that create them.
type Module struct {
	Name       string
	Scope      Scope
	Tables     []string
	ChangeSets []ChangeSet
	// Fallback is hand-written DDL producing the module's tables without
	// any reference to control-plane tables. Used only by manual repair.
	Fallback []string
}

// Catalog is an immutable, ordered set of modules.
type Catalog struct {
	modules []Module
	byName  map[string]int
	cpOwner map[string]string // control-plane table -> module
}

// NewCatalog validates mods and builds a catalog. Module names must be
// unique, identifiers valid, and no table may be owned twice.
func NewCatalog(mods ...Module) (*Catalog, error) {
	c := &Catalog{
		byName:  make(map[string]int, len(mods)),
		cpOwner: make(map[string]string),
	}
	owner := make(map[string]string)
	for i, m := range mods {
		if err := horosafe.ValidateIdentifier(m.Name); err != nil {
			return nil, fmt.Errorf("modules: %w", err)
		}
		if m.Scope != TenantScoped && m.Scope != ControlPlane {
			return nil, fmt.Errorf("modules: %s: unknown scope %q", m.Name, m.Scope)
		}
		if _, dup := c.byName[m.Name]; dup {
			return nil, fmt.Errorf("modules: duplicate module %q", m.Name)
		}
		if m.Scope == ControlPlane && len(m.Fallback) > 0 {
			return nil, fmt.Errorf("modules: %s: fallback DDL on a control-plane module", m.Name)
		}
		for _, tbl := range m.Tables {
			if err := horosafe.ValidateIdentifier(tbl); err != nil {
				return nil, fmt.Errorf("modules: %s: %w", m.Name, err)
			}
			if prev, ok := owner[tbl]; ok {
				return nil, fmt.Errorf("modules: table %q owned by both %s and %s", tbl, prev, m.Name)
			}
			owner[tbl] = m.Name
			if m.Scope == ControlPlane {
				c.cpOwner[tbl] = m.Name
			}
		}
		seen := make(map[string]bool, len(m.ChangeSets))
		for _, cs := range m.ChangeSets {
			if cs.Name == "" || seen[cs.Name] {
				return nil, fmt.Errorf("modules: %s: empty or duplicate change set %q", m.Name, cs.Name)
			}
			seen[cs.Name] = true
		}
		c.byName[m.Name] = i
		c.modules = append(c.modules, m)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error. For static catalogs.
func MustCatalog(mods ...Module) *Catalog {
	c, err := NewCatalog(mods...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the named module.
func (c *Catalog) Lookup(name string) (Module, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Module{}, false
	}
	return c.modules[i], true
}

// All returns every module in declaration order.
func (c *Catalog) All() []Module { return slices.Clone(c.modules) }

// TenantScoped returns the tenant-scoped modules in declaration order.
func (c *Catalog) TenantScoped() []Module { return c.scoped(TenantScoped) }

// ControlPlane returns the control-plane modules in declaration order.
func (c *Catalog) ControlPlane() []Module { return c.scoped(ControlPlane) }

// ControlPlaneOwner returns the control-plane module owning table.
func (c *Catalog) ControlPlaneOwner(table string) (string, bool) {
	m, ok := c.cpOwner[table]
	return m, ok
}

// IsControlPlaneTable reports whether table belongs to a control-plane module.
func (c *Catalog) IsControlPlaneTable(table string) bool {
	_, ok := c.cpOwner[table]
	return ok
}

// Replace returns a new catalog with the module of the same name swapped
// for m.
func (c *Catalog) Replace(m Module) (*Catalog, error) {
	i, ok := c.byName[m.Name]
	if !ok {
		return nil, fmt.Errorf("modules: replace: unknown module %q", m.Name)
	}
	mods := slices.Clone(c.modules)
	mods[i] = m
	return NewCatalog(mods...)
}

func (c *Catalog) scoped(s Scope) []Module {
	var out []Module
	for _, m := range c.modules {
		if m.Scope == s {
			out = append(out, m)
		}
	}
	return out
}
