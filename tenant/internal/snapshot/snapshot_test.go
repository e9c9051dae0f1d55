package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

func TestLoad_MissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "tenants.json"))
	ids, err := s.Load()
	if err != nil || len(ids) != 0 {
		t.Fatalf("Load = %v, %v", ids, err)
	}
}

func TestAddRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tenants.json")
	s := New(path)

	for _, id := range []model.TenantID{"zeta", "acme-water", "beta"} {
		if added, err := s.Add(id); !added || err != nil {
			t.Fatalf("Add(%s) = %v, %v", id, added, err)
		}
	}
	if added, _ := s.Add("beta"); added {
		t.Fatal("duplicate Add should report false")
	}

	data, _ := os.ReadFile(path)
	want := "[\n  \"acme-water\",\n  \"beta\",\n  \"zeta\"\n]\n"
	if string(data) != want {
		t.Fatalf("file = %q, want %q", data, want)
	}

	if removed, err := s.Remove("beta"); !removed || err != nil {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if removed, _ := s.Remove("beta"); removed {
		t.Fatal("second Remove should report false")
	}
	ids, _ := s.Load()
	if !slices.Equal(ids, []model.TenantID{"acme-water", "zeta"}) {
		t.Fatalf("ids = %v", ids)
	}
	if ok, _ := s.Contains("zeta"); !ok {
		t.Fatal("Contains(zeta) = false")
	}
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	if _, err := New(path).Load(); err == nil {
		t.Fatal("corrupt snapshot should fail to load")
	}
}

func TestConcurrentAdds(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "tenants.json"))
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(model.TenantID(fmt.Sprintf("t%02d", i)))
		}()
	}
	wg.Wait()
	ids, _ := s.Load()
	if len(ids) != 20 {
		t.Fatalf("len = %d, want 20", len(ids))
	}
}

func TestReplace(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "tenants.json"))
	s.Add("old")
	if err := s.Replace([]model.TenantID{"b", "a", "a"}); err != nil {
		t.Fatal(err)
	}
	ids, _ := s.Load()
	if !slices.Equal(ids, []model.TenantID{"a", "b"}) {
		t.Fatalf("ids = %v", ids)
	}
}
