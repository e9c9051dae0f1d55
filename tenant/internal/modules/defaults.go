package modules

// Readings and ledger entries carry tenant_slug as plain text. The tenant
// row lives in the control plane and cannot be referenced from a tenant
// store.

const readingsTable = `CREATE TABLE IF NOT EXISTS readings (
    id           INTEGER PRIMARY KEY,
    customer_id  INTEGER REFERENCES customers(id),
    tenant_slug  TEXT NOT NULL,
    meter_number TEXT NOT NULL,
    value        REAL NOT NULL,
    read_at      INTEGER NOT NULL,
    device       TEXT NOT NULL DEFAULT '',
    synced_at    INTEGER
)`

const ledgerEntriesTable = `CREATE TABLE IF NOT EXISTS ledger_entries (
    id           INTEGER PRIMARY KEY,
    account_code TEXT NOT NULL REFERENCES ledger_accounts(code),
    tenant_slug  TEXT NOT NULL,
    amount_cents INTEGER NOT NULL,
    memo         TEXT NOT NULL DEFAULT '',
    booked_at    INTEGER NOT NULL
)`

const ledgerAccountsTable = `CREATE TABLE IF NOT EXISTS ledger_accounts (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('asset','liability','equity','income','expense'))
)`

// Default returns the built-in catalog.
func Default() *Catalog { return defaultCatalog }

var defaultCatalog = MustCatalog(
	Module{
		Name:   "customers",
		Scope:  TenantScoped,
		Tables: []string{"customers"},
		ChangeSets: []ChangeSet{
			{Name: "0001_initial", Statements: []string{
				`CREATE TABLE IF NOT EXISTS customers (
    id           INTEGER PRIMARY KEY,
    code         TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL,
    address      TEXT NOT NULL DEFAULT '',
    meter_number TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'active',
    created_at   INTEGER NOT NULL DEFAULT (unixepoch())
)`,
			}},
			{Name: "0002_name_index", Statements: []string{
				`CREATE INDEX IF NOT EXISTS idx_customers_name ON customers(name)`,
			}},
		},
	},
	Module{
		Name:   "invoices",
		Scope:  TenantScoped,
		Tables: []string{"invoices", "invoice_lines"},
		ChangeSets: []ChangeSet{
			{Name: "0001_initial", Statements: []string{
				`CREATE TABLE IF NOT EXISTS invoices (
    id           INTEGER PRIMARY KEY,
    customer_id  INTEGER NOT NULL REFERENCES customers(id),
    period       TEXT NOT NULL,
    amount_cents INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL DEFAULT 'draft',
    issued_at    INTEGER
)`,
				`CREATE TABLE IF NOT EXISTS invoice_lines (
    id           INTEGER PRIMARY KEY,
    invoice_id   INTEGER NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
    description  TEXT NOT NULL,
    amount_cents INTEGER NOT NULL
)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_customer_period ON invoices(customer_id, period)`,
			}},
		},
	},
	Module{
		Name:   "readings",
		Scope:  TenantScoped,
		Tables: []string{"readings"},
		ChangeSets: []ChangeSet{
			{Name: "0001_initial", Statements: []string{readingsTable}},
			{Name: "0002_meter_index", Statements: []string{
				`CREATE INDEX IF NOT EXISTS idx_readings_meter ON readings(meter_number, read_at)`,
			}},
		},
		Fallback: []string{
			readingsTable,
			`CREATE INDEX IF NOT EXISTS idx_readings_meter ON readings(meter_number, read_at)`,
		},
	},
	Module{
		Name:   "notices",
		Scope:  TenantScoped,
		Tables: []string{"notices"},
		ChangeSets: []ChangeSet{
			{Name: "0001_initial", Statements: []string{
				`CREATE TABLE IF NOT EXISTS notices (
    id          INTEGER PRIMARY KEY,
    customer_id INTEGER REFERENCES customers(id),
    kind        TEXT NOT NULL,
    body        TEXT NOT NULL,
    sent_at     INTEGER
)`,
			}},
		},
	},
	Module{
		Name:   "inventory",
		Scope:  TenantScoped,
		Tables: []string{"inventory_items", "inventory_movements"},
		ChangeSets: []ChangeSet{
			{Name: "0001_initial", Statements: []string{
				`CREATE TABLE IF NOT EXISTS inventory_items (
    id       INTEGER PRIMARY KEY,
    sku      TEXT NOT NULL UNIQUE,
    name     TEXT NOT NULL,
    quantity INTEGER NOT NULL DEFAULT 0,
    unit     TEXT NOT NULL DEFAULT 'unit'
)`,
				`CREATE TABLE IF NOT EXISTS inventory_movements (
    id      INTEGER PRIMARY KEY,
    item_id INTEGER NOT NULL REFERENCES inventory_items(id),
    delta   INTEGER NOT NULL,
    reason  TEXT NOT NULL DEFAULT '',
    at      INTEGER NOT NULL
)`,
			}},
		},
	},
	Module{
		Name:   "accounting",
		Scope:  TenantScoped,
		Tables: []string{"ledger_accounts", "ledger_entries"},
		ChangeSets: []ChangeSet{
			{Name: "0001_initial", Statements: []string{ledgerAccountsTable, ledgerEntriesTable}},
		},
		Fallback: []string{ledgerAccountsTable, ledgerEntriesTable},
	},
	Module{
		Name:   "payroll",
		Scope:  TenantScoped,
		Tables: []string{"employees", "payroll_runs"},
		ChangeSets: []ChangeSet{
			{Name: "0001_initial", Statements: []string{
				`CREATE TABLE IF NOT EXISTS employees (
    id           INTEGER PRIMARY KEY,
    name         TEXT NOT NULL,
    salary_cents INTEGER NOT NULL,
    active       INTEGER NOT NULL DEFAULT 1
)`,
				`CREATE TABLE IF NOT EXISTS payroll_runs (
    id          INTEGER PRIMARY KEY,
    period      TEXT NOT NULL UNIQUE,
    total_cents INTEGER NOT NULL,
    run_at      INTEGER NOT NULL
)`,
			}},
		},
	},
	// Reports are computed from the other modules' tables.
	Module{Name: "reports", Scope: TenantScoped},

	Module{Name: "directory", Scope: ControlPlane, Tables: []string{"tenants", "tenant_deletions"}},
	Module{Name: "audit", Scope: ControlPlane, Tables: []string{"audit_log"}},
	Module{Name: "auth", Scope: ControlPlane, Tables: []string{"users"}},
	Module{Name: "shield", Scope: ControlPlane, Tables: []string{"rate_limits", "admin_freeze"}},
	Module{Name: "trace", Scope: ControlPlane, Tables: []string{"sql_traces"}},
)
