package model

import (
	"slices"
	"time"
)

// ModuleFailure is one entry of MigrationReport.Failed.
type ModuleFailure struct {
	Module string       `json:"module"`
	Class  FailureClass `json:"class"`
	Cause  string       `json:"cause"`
	Err    error        `json:"-"`
}

// MigrationReport is the outcome of one EnsureMigrated call.
type MigrationReport struct {
	Tenant    TenantID        `json:"tenant"`
	Applied   []string        `json:"applied"`
	Failed    []ModuleFailure `json:"failed"`
	Skipped   []string        `json:"skipped,omitempty"` // modules with no change sets
	Fresh     bool            `json:"fresh"`
	Cached    bool            `json:"cached"`
	Divergent []string        `json:"divergent,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// OK reports whether no module failed and the bookkeeping matched.
func (r *MigrationReport) OK() bool {
	return len(r.Failed) == 0 && len(r.Divergent) == 0
}

// FailedModule returns the failure recorded for module, if any.
func (r *MigrationReport) FailedModule(module string) (ModuleFailure, bool) {
	for _, f := range r.Failed {
		if f.Module == module {
			return f, true
		}
	}
	return ModuleFailure{}, false
}

// TableInfo is one physical table in a tenant store.
type TableInfo struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// ModuleStatus compares one tenant-scoped module's expected tables and
// change sets with what the store holds.
type ModuleStatus struct {
	Module     string   `json:"module"`
	Present    []string `json:"present,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	ChangeSets int      `json:"change_sets"`
	Recorded   int      `json:"recorded"`
	Manual     bool     `json:"manual"`
}

// Applied reports whether every change set of the module is recorded.
func (s ModuleStatus) Applied() bool { return s.Recorded >= s.ChangeSets }

// Finding codes reported by Diagnose.
const (
	FindingStoreMissing          = "store_missing"
	FindingBookkeepingMissing    = "bookkeeping_missing"
	FindingStructuralDefect      = "structural_defect"
	FindingTablesMissing         = "module_tables_missing"
	FindingRecordedWithoutTables = "recorded_without_tables"
	FindingTablesWithoutRecord   = "tables_without_record"
	FindingManualPatch           = "manual_patch"
	FindingControlPlaneInTenant  = "control_plane_table_in_tenant"
)

// Finding is one known-bad state signature.
type Finding struct {
	Code   string `json:"code"`
	Module string `json:"module,omitempty"`
	Detail string `json:"detail"`
}

// DiagnosticReport is the read-only picture of one tenant store.
type DiagnosticReport struct {
	Tenant      TenantID       `json:"tenant"`
	StorePath   string         `json:"store_path"`
	StoreExists bool           `json:"store_exists"`
	Bookkeeping bool           `json:"bookkeeping"`
	Tables      []TableInfo    `json:"tables"`
	Modules     []ModuleStatus `json:"modules"`
	Findings    []Finding      `json:"findings"`
}

// Table looks up a table by name.
func (r *DiagnosticReport) Table(name string) (TableInfo, bool) {
	i := slices.IndexFunc(r.Tables, func(t TableInfo) bool { return t.Name == name })
	if i < 0 {
		return TableInfo{}, false
	}
	return r.Tables[i], true
}

// Has reports whether a finding with code exists, optionally for module.
func (r *DiagnosticReport) Has(code, module string) bool {
	return slices.ContainsFunc(r.Findings, func(f Finding) bool {
		return f.Code == code && (module == "" || f.Module == module)
	})
}

// RepairStrategy names how RepairModule brought a module back.
type RepairStrategy string

const (
	// StrategyRemigrated means the module's change sets ran normally.
	StrategyRemigrated RepairStrategy = "remigrated"
	// StrategyManualDDL means hand-written DDL was applied and the change
	// sets were recorded as manual. Later change sets for this module must
	// be replayed by hand.
	StrategyManualDDL RepairStrategy = "manual_ddl"
)

// RepairAttempt is one strategy tried by RepairModule.
type RepairAttempt struct {
	Strategy RepairStrategy `json:"strategy"`
	Error    string         `json:"error,omitempty"`
}

// RepairReport is the outcome of RepairModule.
type RepairReport struct {
	Tenant   TenantID        `json:"tenant"`
	Module   string          `json:"module"`
	Strategy RepairStrategy  `json:"strategy"`
	Manual   bool            `json:"manual"`
	Attempts []RepairAttempt `json:"attempts"`
}

// StepOutcome is the result of one teardown step.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailed  StepOutcome = "failed"
	OutcomeSkipped StepOutcome = "skipped" // target already absent
)

// TeardownStep is one audited teardown action.
type TeardownStep struct {
	Step    string      `json:"step"`
	Target  string      `json:"target,omitempty"`
	Outcome StepOutcome `json:"outcome"`
	Detail  string      `json:"detail,omitempty"`
}

// TeardownReport is returned by Delete. It never carries a hard failure;
// Errors lists the steps that left residue behind.
type TeardownReport struct {
	Tenant               TenantID          `json:"tenant"`
	RunID                string            `json:"run_id"`
	StartedAt            time.Time         `json:"started_at"`
	FinishedAt           time.Time         `json:"finished_at"`
	FilesRemoved         []string          `json:"files_removed"`
	FilesRenamed         map[string]string `json:"files_renamed,omitempty"`
	DirectoriesRemoved   []string          `json:"directories_removed"`
	FileCounts           map[string]int    `json:"file_counts,omitempty"`
	RegistryEntryRemoved bool              `json:"registry_entry_removed"`
	DirectoryRowRemoved  bool              `json:"directory_row_removed"`
	SnapshotUpdated      bool              `json:"snapshot_updated"`
	CachePurged          bool              `json:"cache_purged"`
	Steps                []TeardownStep    `json:"steps"`
	Errors               []string          `json:"errors"`
	LogPath              string            `json:"log_path,omitempty"`
}

// Err returns a *TeardownError when any step failed, nil otherwise.
func (r *TeardownReport) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &TeardownError{Tenant: r.Tenant, Errors: slices.Clone(r.Errors)}
}

// Step returns the first recorded step with the given name and target.
func (r *TeardownReport) Step(step, target string) (TeardownStep, bool) {
	for _, s := range r.Steps {
		if s.Step == step && (target == "" || s.Target == target) {
			return s, true
		}
	}
	return TeardownStep{}, false
}
