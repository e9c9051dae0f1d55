package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tenantdb/audit"
	"github.com/hazyhaar/tenantdb/idgen"
	"github.com/hazyhaar/tenantdb/kit"
)

// RegisterMCP registers the administrative tools on an MCP server. Mutating
// tools audit themselves; read-only tools go through audit.Middleware.
func (m *Manager) RegisterMCP(srv *mcp.Server) {
	m.registerCreateTool(srv)
	m.registerDeleteTool(srv)
	m.registerMigrateTool(srv)
	m.registerDiagnoseTool(srv)
	m.registerRepairTool(srv)
	m.registerListTool(srv)
	m.registerInspectTool(srv)
	m.registerVerifyTool(srv)
	m.registerHistoryTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var tenantProp = map[string]any{"type": "string", "description": "Tenant identifier (slug), e.g. acme-water"}

type tenantArgs struct {
	Tenant string `json:"tenant"`
}

func (a *tenantArgs) id() (ID, error) {
	if a.Tenant == "" {
		return "", fmt.Errorf("tenant is required")
	}
	return ParseID(a.Tenant)
}

// decodeArgs unmarshals the tool arguments into a fresh T and tags the
// context with a request ID and, when present, the tenant.
func decodeArgs[T any](tenantOf func(*T) string) func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r := new(T)
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, r); err != nil {
				return nil, err
			}
		}
		tenant := ""
		if tenantOf != nil {
			tenant = tenantOf(r)
		}
		return &kit.MCPDecodeResult{
			Request: r,
			EnrichCtx: func(ctx context.Context) context.Context {
				ctx = kit.WithRequestID(ctx, idgen.New())
				if tenant != "" {
					ctx = kit.WithTenant(ctx, tenant)
				}
				return ctx
			},
		}, nil
	}
}

func tenantOf(a *tenantArgs) string { return a.Tenant }

func (m *Manager) readOnly(action string, e kit.Endpoint) kit.Endpoint {
	return audit.Middleware(m.audit, action)(e)
}

// --- create ---

type createArgs struct {
	Name     string   `json:"name"`
	Features []string `json:"features,omitempty"`
}

func (m *Manager) registerCreateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_create",
		Description: "Create a tenant from a display name. The identifier is the slug of the name; the store is provisioned and migrated.",
		InputSchema: inputSchema(map[string]any{
			"name":     map[string]any{"type": "string", "description": "Display name, e.g. Acme Water"},
			"features": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Feature flags to record"},
		}, []string{"name"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*createArgs)
		id, err := m.CreateTenant(ctx, r.Name, WithFeatures(r.Features...))
		if err != nil {
			return nil, err
		}
		return map[string]any{"tenant": id, "store_path": m.StorePath(id)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs[createArgs](nil))
}

// --- delete ---

func (m *Manager) registerDeleteTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_delete",
		Description: "Tear a tenant down: connection, store file, artifacts, directory row, snapshot entry. Irreversible. Returns the per-step report; errors lists residue.",
		InputSchema: inputSchema(map[string]any{"tenant": tenantProp}, []string{"tenant"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		id, err := req.(*tenantArgs).id()
		if err != nil {
			return nil, err
		}
		return m.DeleteTenant(ctx, id), nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs(tenantOf))
}

// --- migrate ---

type migrateArgs struct {
	tenantArgs
	Force bool `json:"force,omitempty"`
}

func (m *Manager) registerMigrateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_migrate",
		Description: "Apply pending tenant-scoped module migrations. force bypasses the per-process verified cache.",
		InputSchema: inputSchema(map[string]any{
			"tenant": tenantProp,
			"force":  map[string]any{"type": "boolean", "description": "Re-check even if already verified (default false)"},
		}, []string{"tenant"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*migrateArgs)
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		var opts []MigrateOption
		if r.Force {
			opts = append(opts, WithoutCache())
		}
		return m.EnsureMigrated(ctx, id, opts...)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs(func(a *migrateArgs) string { return a.Tenant }))
}

// --- diagnose ---

func (m *Manager) registerDiagnoseTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_diagnose",
		Description: "List the tables of a tenant store with row counts and flag known bad states (structural defects, missing tables, manual patches). Read-only.",
		InputSchema: inputSchema(map[string]any{"tenant": tenantProp}, []string{"tenant"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		id, err := req.(*tenantArgs).id()
		if err != nil {
			return nil, err
		}
		return m.Diagnose(ctx, id)
	}

	kit.RegisterMCPTool(srv, tool, m.readOnly("mcp.tenant_diagnose", endpoint), decodeArgs(tenantOf))
}

// --- repair ---

type repairArgs struct {
	tenantArgs
	Module string `json:"module"`
}

func (m *Manager) registerRepairTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_repair",
		Description: "Repair one tenant-scoped module: reset and re-migrate, falling back to hand-written DDL on a structural defect.",
		InputSchema: inputSchema(map[string]any{
			"tenant": tenantProp,
			"module": map[string]any{"type": "string", "description": "Module name, e.g. readings"},
		}, []string{"tenant", "module"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*repairArgs)
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		return m.RepairModule(ctx, id, r.Module)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs(func(a *repairArgs) string { return a.Tenant }))
}

// --- list ---

func (m *Manager) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_list",
		Description: "List every tenant in the directory.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return m.List(ctx)
	}

	kit.RegisterMCPTool(srv, tool, m.readOnly("mcp.tenant_list", endpoint), decodeArgs[struct{}](nil))
}

// --- inspect ---

func (m *Manager) registerInspectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_inspect",
		Description: "Summarize a tenant: directory row, store size, table and bookkeeping counts, artifact file counts.",
		InputSchema: inputSchema(map[string]any{"tenant": tenantProp}, []string{"tenant"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		id, err := req.(*tenantArgs).id()
		if err != nil {
			return nil, err
		}
		return m.Inspect(ctx, id)
	}

	kit.RegisterMCPTool(srv, tool, m.readOnly("mcp.tenant_inspect", endpoint), decodeArgs(tenantOf))
}

// --- verify ---

func (m *Manager) registerVerifyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_verify",
		Description: "Check that a tenant has a directory row, a store file and a snapshot entry.",
		InputSchema: inputSchema(map[string]any{"tenant": tenantProp}, []string{"tenant"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		id, err := req.(*tenantArgs).id()
		if err != nil {
			return nil, err
		}
		return m.Verify(ctx, id)
	}

	kit.RegisterMCPTool(srv, tool, m.readOnly("mcp.tenant_verify", endpoint), decodeArgs(tenantOf))
}

// --- history ---

type historyArgs struct {
	tenantArgs
	Limit int `json:"limit,omitempty"`
}

func (m *Manager) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenant_history",
		Description: "Audit trail of administrative operations on a tenant, newest first.",
		InputSchema: inputSchema(map[string]any{
			"tenant": tenantProp,
			"limit":  map[string]any{"type": "integer", "description": "Max entries (default 100)"},
		}, []string{"tenant"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyArgs)
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		return m.History(ctx, id, r.Limit)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs(func(a *historyArgs) string { return a.Tenant }))
}
