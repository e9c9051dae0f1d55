package tenant

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "tenantdb-test", Version: "0.1.0"}

// mcpSession registers the tools of a fresh Manager and returns a connected
// client session.
func mcpSession(t *testing.T) (*Manager, *mcp.ClientSession) {
	t.Helper()
	m := newTestManager(t)

	srv := mcp.NewServer(testImpl, nil)
	m.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return m, session
}

// callTool invokes a tool and returns its text and whether it was a tool error.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text, result.IsError
}

func TestMCP_ListTools(t *testing.T) {
	_, session := mcpSession(t)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"tenant_create", "tenant_delete", "tenant_migrate", "tenant_diagnose",
		"tenant_repair", "tenant_list", "tenant_inspect", "tenant_verify", "tenant_history"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

// WHAT: a tenant can be created, listed, inspected, migrated and deleted
// over MCP.
// WHY: the tool surface is the operators' main entry point.
func TestMCP_Lifecycle(t *testing.T) {
	m, session := mcpSession(t)

	text, isErr := callTool(t, session, "tenant_create", map[string]any{"name": "Acme Water", "features": []string{"billing"}})
	if isErr {
		t.Fatalf("create: %s", text)
	}
	var created struct {
		Tenant string `json:"tenant"`
	}
	json.Unmarshal([]byte(text), &created)
	if created.Tenant != "acme-water" {
		t.Fatalf("create = %s", text)
	}

	text, _ = callTool(t, session, "tenant_list", map[string]any{})
	var rows []Record
	if err := json.Unmarshal([]byte(text), &rows); err != nil || len(rows) != 1 || rows[0].Slug != "acme-water" {
		t.Fatalf("list = %s", text)
	}

	text, _ = callTool(t, session, "tenant_migrate", map[string]any{"tenant": "acme-water", "force": true})
	var rep MigrationReport
	if err := json.Unmarshal([]byte(text), &rep); err != nil || rep.Cached || len(rep.Applied) != 0 {
		t.Fatalf("migrate = %s", text)
	}

	text, _ = callTool(t, session, "tenant_inspect", map[string]any{"tenant": "acme-water"})
	var in Inspection
	if err := json.Unmarshal([]byte(text), &in); err != nil || !in.StoreExists || in.Record == nil {
		t.Fatalf("inspect = %s", text)
	}

	text, _ = callTool(t, session, "tenant_delete", map[string]any{"tenant": "acme-water"})
	var td TeardownReport
	if err := json.Unmarshal([]byte(text), &td); err != nil || len(td.Errors) != 0 || !td.RegistryEntryRemoved {
		t.Fatalf("delete = %s", text)
	}
	if m.Registered("acme-water") {
		t.Fatal("tenant still registered")
	}
}

func TestMCP_Errors(t *testing.T) {
	_, session := mcpSession(t)

	text, isErr := callTool(t, session, "tenant_migrate", map[string]any{"tenant": "ghost"})
	if !isErr || !strings.Contains(text, "not found") {
		t.Fatalf("unknown tenant: %v %s", isErr, text)
	}
	text, isErr = callTool(t, session, "tenant_inspect", map[string]any{"tenant": "../x"})
	if !isErr || !strings.Contains(text, "invalid name") {
		t.Fatalf("traversal: %v %s", isErr, text)
	}
	text, isErr = callTool(t, session, "tenant_diagnose", map[string]any{"tenant": ""})
	if !isErr || !strings.Contains(text, "tenant is required") {
		t.Fatalf("missing tenant: %v %s", isErr, text)
	}
}
