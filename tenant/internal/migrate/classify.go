package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
)

var (
	noSuchTableRe = regexp.MustCompile(`no such table: (?:main\.)?"?([A-Za-z0-9_]+)"?`)
	referencesRe  = regexp.MustCompile("(?i)\\bREFERENCES\\s+(?:\"([^\"]+)\"|`([^`]+)`|\\[([^\\]]+)\\]|([A-Za-z_][A-Za-z0-9_]*))")
)

// Classify maps a migration error to its failure class. A missing table
// that belongs to a control-plane module is a structural defect.
func Classify(err error, cat *modules.Catalog) model.FailureClass {
	if err == nil {
		return ""
	}
	m := noSuchTableRe.FindStringSubmatch(err.Error())
	if m != nil && cat.IsControlPlaneTable(m[1]) {
		return model.FailureStructural
	}
	return model.FailureGeneric
}

// References returns the tables named in REFERENCES clauses of stmts.
func References(stmts []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range stmts {
		for _, m := range referencesRe.FindAllStringSubmatch(s, -1) {
			name := strings.Join(m[1:], "")
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// ControlPlaneReferences returns the control-plane tables referenced by m's
// change sets.
func ControlPlaneReferences(m modules.Module, cat *modules.Catalog) []string {
	var stmts []string
	for _, cs := range m.ChangeSets {
		stmts = append(stmts, cs.Statements...)
	}
	var out []string
	for _, ref := range References(stmts) {
		if cat.IsControlPlaneTable(ref) {
			out = append(out, ref)
		}
	}
	return out
}

// preflight fails the way the engine would on first write when a statement
// references a control-plane table the tenant store does not hold. SQLite
// itself accepts such DDL and only errors once rows are inserted.
func preflight(ctx context.Context, tx *sql.Tx, stmts []string, cat *modules.Catalog) error {
	for _, ref := range References(stmts) {
		if !cat.IsControlPlaneTable(ref) {
			continue
		}
		ok, err := TableExists(ctx, tx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no such table: %s", ref)
		}
	}
	return nil
}
