package migrate

import (
	"errors"
	"slices"
	"testing"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/modules"
)

func TestClassify(t *testing.T) {
	cat := modules.Default()
	tests := []struct {
		err  error
		want model.FailureClass
	}{
		{errors.New("no such table: tenants"), model.FailureStructural},
		{errors.New("SQL logic error: no such table: main.users (1)"), model.FailureStructural},
		{errors.New("no such table: customers"), model.FailureGeneric},
		{errors.New(`near "(": syntax error`), model.FailureGeneric},
	}
	for _, tt := range tests {
		if got := Classify(tt.err, cat); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if Classify(nil, cat) != "" {
		t.Error("nil error should have no class")
	}
}

func TestReferences(t *testing.T) {
	stmts := []string{
		`CREATE TABLE a (x INTEGER REFERENCES customers(id), y INTEGER references "tenants"(id))`,
		"CREATE TABLE b (z INTEGER REFERENCES `users`, w INTEGER REFERENCES [customers])",
	}
	got := References(stmts)
	if !slices.Equal(got, []string{"customers", "tenants", "users"}) {
		t.Fatalf("References = %v", got)
	}
}

func TestControlPlaneReferences(t *testing.T) {
	if got := ControlPlaneReferences(brokenReadings(), modules.Default()); !slices.Equal(got, []string{"tenants"}) {
		t.Fatalf("broken readings refs = %v", got)
	}
	good, _ := modules.Default().Lookup("readings")
	if got := ControlPlaneReferences(good, modules.Default()); len(got) != 0 {
		t.Fatalf("default readings refs = %v", got)
	}
}
