package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tenantdb/dbopen"
	"github.com/hazyhaar/tenantdb/idgen"
	"github.com/hazyhaar/tenantdb/kit"
)

func setupTestLogger(t *testing.T, opts ...Option) (*sql.DB, *SQLiteLogger) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	l := NewSQLiteLogger(db, opts...)
	t.Cleanup(func() { l.Close() })
	if err := l.Init(); err != nil {
		t.Fatal(err)
	}
	return db, l
}

func TestSQLiteLogger_Init(t *testing.T) {
	db, _ := setupTestLogger(t)

	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='audit_log'").Scan(&count)
	if count != 1 {
		t.Fatal("audit_log table not created")
	}
}

func TestSQLiteLogger_Log_Sync(t *testing.T) {
	db, l := setupTestLogger(t)

	entry := &Entry{Action: "tenant.create", Tenant: "acme-water", Parameters: `{"name":"Acme Water"}`}
	if err := l.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if entry.EntryID == "" {
		t.Fatal("entry_id not generated")
	}
	if entry.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
	if entry.Status != "success" {
		t.Fatalf("status: got %q, want success", entry.Status)
	}
	if entry.Transport != "http" {
		t.Fatalf("transport: got %q, want http", entry.Transport)
	}

	var tenant string
	db.QueryRow("SELECT tenant FROM audit_log WHERE entry_id = ?", entry.EntryID).Scan(&tenant)
	if tenant != "acme-water" {
		t.Fatalf("DB tenant: got %q", tenant)
	}
}

func TestSQLiteLogger_LogAsync_FlushedOnClose(t *testing.T) {
	db, l := setupTestLogger(t)

	l.LogAsync(&Entry{Action: "async_test"})
	l.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action='async_test'").Scan(&count)
	if count != 1 {
		t.Fatalf("async entry count: got %d", count)
	}
}

func TestSQLiteLogger_BatchFlush(t *testing.T) {
	db, l := setupTestLogger(t, WithBufferSize(8))

	// WHAT: more entries than the buffer holds are all persisted.
	// WHY: a full buffer falls back to sync inserts instead of dropping entries.
	for range 50 {
		l.LogAsync(&Entry{Action: "batch_test"})
	}
	l.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action='batch_test'").Scan(&count)
	if count != 50 {
		t.Fatalf("batch count: got %d, want 50", count)
	}
}

func TestSQLiteLogger_Record(t *testing.T) {
	_, l := setupTestLogger(t, WithIDGenerator(idgen.Sequence("aud")))

	ctx := kit.WithUserID(context.Background(), "admin")
	ctx = kit.WithTransport(ctx, "cli")
	if err := l.Record(ctx, "acme-water", "tenant.repair", map[string]string{"module": "readings"}, nil, errors.New("boom"), 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	got, err := l.Query(context.Background(), Filter{Tenant: "acme-water"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("entries: got %d, want 1", len(got))
	}
	e := got[0]
	if e.EntryID != "aud-1" || e.UserID != "admin" || e.Transport != "cli" {
		t.Fatalf("entry identity: %+v", e)
	}
	if e.Status != "error" || e.Error != "boom" || e.DurationMs != 1500 {
		t.Fatalf("entry outcome: %+v", e)
	}
	if e.Parameters != `{"module":"readings"}` {
		t.Fatalf("parameters: %s", e.Parameters)
	}
}

func TestSQLiteLogger_QueryFilters(t *testing.T) {
	_, l := setupTestLogger(t)
	ctx := context.Background()

	for _, e := range []*Entry{
		{Tenant: "a", Action: "tenant.create"},
		{Tenant: "a", Action: "tenant.delete", Status: "partial"},
		{Tenant: "b", Action: "tenant.create"},
	} {
		if err := l.Log(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	byTenant, _ := l.Query(ctx, Filter{Tenant: "a"})
	if len(byTenant) != 2 {
		t.Fatalf("tenant a: got %d", len(byTenant))
	}
	byAction, _ := l.Query(ctx, Filter{Action: "tenant.create"})
	if len(byAction) != 2 {
		t.Fatalf("create: got %d", len(byAction))
	}
	partial, _ := l.Query(ctx, Filter{Status: "partial"})
	if len(partial) != 1 || partial[0].Action != "tenant.delete" {
		t.Fatalf("partial: got %+v", partial)
	}
	limited, _ := l.Query(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit: got %d", len(limited))
	}
}

func TestMiddleware_Success(t *testing.T) {
	db, l := setupTestLogger(t)

	base := func(ctx context.Context, req any) (any, error) { return "result", nil }
	endpoint := Middleware(l, "mcp.tenant_diagnose")(base)

	ctx := kit.WithUserID(context.Background(), "usr_1")
	ctx = kit.WithTransport(ctx, "mcp")
	ctx = kit.WithTenant(ctx, "acme-water")

	resp, err := endpoint(ctx, map[string]string{"tenant": "acme-water"})
	if err != nil {
		t.Fatal(err)
	}
	if resp != "result" {
		t.Fatalf("response: got %v", resp)
	}
	l.Close()

	var userID, transport, tenant, status string
	db.QueryRow("SELECT user_id, transport, tenant, status FROM audit_log WHERE action='mcp.tenant_diagnose'").
		Scan(&userID, &transport, &tenant, &status)
	if userID != "usr_1" || transport != "mcp" || tenant != "acme-water" || status != "success" {
		t.Fatalf("row: user=%q transport=%q tenant=%q status=%q", userID, transport, tenant, status)
	}
}

func TestMiddleware_Error(t *testing.T) {
	db, l := setupTestLogger(t)

	errFail := errors.New("endpoint failed")
	base := func(ctx context.Context, req any) (any, error) { return nil, errFail }
	endpoint := Middleware(l, "fail_op")(base)

	if _, err := endpoint(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v", err)
	}
	l.Close()

	var status, errMsg string
	db.QueryRow("SELECT status, error_message FROM audit_log WHERE action='fail_op'").Scan(&status, &errMsg)
	if status != "error" || errMsg != "endpoint failed" {
		t.Fatalf("status=%q error=%q", status, errMsg)
	}
}
