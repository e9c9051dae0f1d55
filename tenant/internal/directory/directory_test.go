package directory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// WHAT: Open applies every migration and is repeatable.
// WHY: the control-plane store is opened on every process start.
func TestOpen_Migrates(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	s, err := Open(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, dirty, err := s.Version(ctx)
	if err != nil || dirty || v != 2 {
		t.Fatalf("Version = %d, %v, %v", v, dirty, err)
	}
	for _, table := range []string{"tenants", "tenant_deletions", "users"} {
		var n int
		db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

// WHAT: Insert, Get, Exists, List and DeleteTenant round-trip a row.
// WHY: the directory row is the authoritative record of a tenant.
func TestTenantRows(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	created := time.UnixMilli(1_700_000_000_000)

	err := s.Insert(ctx, Tenant{Slug: "acme-water", Name: "Acme Water", Features: []string{"billing"}, CreatedAt: created, CreatedBy: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, Tenant{Slug: "beta", Name: "Beta"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "acme-water")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Acme Water" || got.CreatedBy != "ops" || !got.Active ||
		!got.CreatedAt.Equal(created) || len(got.Features) != 1 || got.Features[0] != "billing" {
		t.Fatalf("Get = %+v", got)
	}
	if ok, _ := s.Exists(ctx, "beta"); !ok {
		t.Fatal("Exists(beta) = false")
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 2 || list[0].Slug != "acme-water" || list[1].Slug != "beta" {
		t.Fatalf("List = %+v, %v", list, err)
	}
	if list[1].Features == nil || len(list[1].Features) != 0 {
		t.Fatalf("nil features should store as empty list, got %v", list[1].Features)
	}

	if found, err := s.DeleteTenant(ctx, "beta"); !found || err != nil {
		t.Fatalf("DeleteTenant = %v, %v", found, err)
	}
	if found, _ := s.DeleteTenant(ctx, "beta"); found {
		t.Fatal("second DeleteTenant should report not found")
	}
	if _, err := s.Get(ctx, "beta"); !errors.Is(err, model.ErrTenantNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
}

// WHAT: a second Insert of the same slug maps to ErrDuplicateTenant.
// WHY: CreateTenant relies on the sentinel to reject duplicates.
func TestInsert_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.Insert(ctx, Tenant{Slug: "acme", Name: "Acme"})
	err := s.Insert(ctx, Tenant{Slug: "acme", Name: "Other"})
	if !errors.Is(err, model.ErrDuplicateTenant) {
		t.Fatalf("err = %v", err)
	}
}

// WHAT: deletion records are stored and incomplete ones can be purged.
// WHY: a successful rerun clears the failed attempts before it.
func TestDeletions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	for i, completed := range []bool{false, false, true} {
		err := s.RecordDeletion(ctx, Deletion{
			ID:         string(rune('a' + i)),
			Slug:       "acme",
			StartedAt:  at.Add(time.Duration(i) * time.Minute),
			FinishedAt: at.Add(time.Duration(i)*time.Minute + time.Second),
			Completed:  completed,
			Details:    json.RawMessage(`{"files_removed":["x"]}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s.RecordDeletion(ctx, Deletion{ID: "z", Slug: "other", StartedAt: at, FinishedAt: at})

	n, err := s.PurgeFailedDeletions(ctx, "acme")
	if err != nil || n != 2 {
		t.Fatalf("PurgeFailedDeletions = %d, %v", n, err)
	}
	got, err := s.Deletions(ctx, "acme")
	if err != nil || len(got) != 1 || !got[0].Completed || got[0].ID != "c" {
		t.Fatalf("Deletions = %+v, %v", got, err)
	}
	if string(got[0].Details) != `{"files_removed":["x"]}` {
		t.Fatalf("details = %s", got[0].Details)
	}
	if other, _ := s.Deletions(ctx, "other"); len(other) != 1 || string(other[0].Details) != "{}" {
		t.Fatalf("other = %+v", other)
	}
}

// WHAT: operator accounts are stored hashed and checked with bcrypt.
// WHY: the admin API authenticates against this table.
func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	if err := s.AddUser(ctx, "alice", "s3cret", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.AddUser(ctx, "alice", "x", ""); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("duplicate AddUser: %v", err)
	}
	var hash string
	s.DB().QueryRow(`SELECT password_hash FROM users WHERE username='alice'`).Scan(&hash)
	if hash == "s3cret" || hash == "" {
		t.Fatal("password stored in clear")
	}

	u, err := s.Authenticate(ctx, "alice", "s3cret")
	if err != nil || u.Role != "operator" {
		t.Fatalf("Authenticate = %+v, %v", u, err)
	}
	if _, err := s.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := s.Authenticate(ctx, "bob", "s3cret"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
	if n, _ := s.CountUsers(ctx); n != 1 {
		t.Fatalf("CountUsers = %d", n)
	}
}

// WHAT: the change token moves on every create and teardown, including a
// delete followed by a re-create of the same slug.
// WHY: other processes reconcile their registries when it moves.
func TestChangeToken(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	seen := map[int64]string{}
	step := func(name string) {
		t.Helper()
		tok, err := s.ChangeToken(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if prev, dup := seen[tok]; dup {
			t.Fatalf("token after %s equals token after %s", name, prev)
		}
		seen[tok] = name
	}

	step("empty")
	s.Insert(ctx, Tenant{Slug: "acme", Name: "Acme"})
	step("create")
	s.DeleteTenant(ctx, "acme")
	s.RecordDeletion(ctx, Deletion{ID: "d1", Slug: "acme", Completed: true})
	step("delete")
	s.Insert(ctx, Tenant{Slug: "acme", Name: "Acme"})
	step("re-create")

	a, _ := s.ChangeToken(ctx)
	b, _ := s.ChangeToken(ctx)
	if a != b {
		t.Fatal("token changed without a write")
	}
}
