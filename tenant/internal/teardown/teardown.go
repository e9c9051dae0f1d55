// Package teardown removes every trace of a tenant: its live connection, its
// backing store and sidecars, its artifacts, its control-plane rows, its
// snapshot entry and its cached migration state.
//
// The tenant is fenced in the provisioner for the whole run, so no request
// can resolve it again between the store deletion and the removal of its
// directory row. Every step runs regardless of earlier failures. Outcomes accumulate in a
// model.TeardownReport that is also written to a per-run log file, a
// tenant_deletions row and the audit trail.
package teardown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/hazyhaar/tenantdb/audit"
	"github.com/hazyhaar/tenantdb/idgen"
	"github.com/hazyhaar/tenantdb/tenant/internal/directory"
	"github.com/hazyhaar/tenantdb/tenant/internal/layout"
	"github.com/hazyhaar/tenantdb/tenant/internal/migcache"
	"github.com/hazyhaar/tenantdb/tenant/internal/model"
	"github.com/hazyhaar/tenantdb/tenant/internal/registry"
	"github.com/hazyhaar/tenantdb/tenant/internal/snapshot"
)

// Step names recorded in the report.
const (
	StepReleaseConnection = "release_connection"
	StepDeleteStore       = "delete_store"
	StepDeleteSidecar     = "delete_sidecar"
	StepRemoveArtifactDir = "remove_artifact_dir"
	StepRemoveArtifact    = "remove_artifact_file"
	StepDeleteDirectory   = "delete_directory_row"
	StepPurgeDeletions    = "purge_failed_deletions"
	StepUpdateSnapshot    = "update_snapshot"
	StepPurgeCache        = "purge_cache"
)

// ActionDelete is the audit action for a teardown run.
const ActionDelete = "tenant_delete"

// errLocked marks a store held by another process.
var errLocked = errors.New("store locked by another process")

// Directory is the slice of the control-plane store teardown touches.
type Directory interface {
	DeleteTenant(ctx context.Context, id model.TenantID) (bool, error)
	PurgeFailedDeletions(ctx context.Context, id model.TenantID) (int64, error)
	RecordDeletion(ctx context.Context, d directory.Deletion) error
}

// Fencer stops a tenant from being resolved again while teardown runs.
type Fencer interface {
	Fence(id model.TenantID) (release func())
}

// Auditor persists audit entries.
type Auditor interface {
	Log(ctx context.Context, e *audit.Entry) error
}

// Config bounds the store deletion retry loop.
type Config struct {
	Attempts int
	Pause    time.Duration
}

// Deps are the collaborators a Runner acts on. Directory and Audit may be
// nil, in which case their steps are skipped.
type Deps struct {
	Layout    layout.Layout
	Registry  *registry.Registry
	Snapshot  *snapshot.Snapshot
	Cache     *migcache.Cache
	Directory Directory
	Fence     Fencer
	Audit     Auditor
	Logger    *slog.Logger
	IDGen     idgen.Generator
}

// Request names the tenant to tear down and who asked.
type Request struct {
	Tenant model.TenantID
	Name   string
	Actor  string
}

// Runner executes teardown runs.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	locked func(path string) (bool, error)
}

// New returns a Runner. Zero Config fields get 3 attempts and a 500ms pause.
func New(deps Deps, cfg Config) *Runner {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Pause <= 0 {
		cfg.Pause = 500 * time.Millisecond
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.IDGen == nil {
		deps.IDGen = idgen.Default
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger, now: time.Now, locked: lockedByOther}
}

// Run tears the tenant down. It never fails; check report.Err().
func (r *Runner) Run(ctx context.Context, req Request) *model.TeardownReport {
	id := req.Tenant
	rep := &model.TeardownReport{
		Tenant:             id,
		RunID:              r.deps.IDGen(),
		StartedAt:          r.now(),
		FilesRemoved:       []string{},
		DirectoriesRemoved: []string{},
		FilesRenamed:       map[string]string{},
		FileCounts:         map[string]int{},
		Steps:              []model.TeardownStep{},
		Errors:             []string{},
	}
	log := r.logger.With("tenant", id, "run_id", rep.RunID)
	log.Info("teardown: start", "actor", req.Actor)

	if r.deps.Fence != nil {
		release := r.deps.Fence.Fence(id)
		defer release()
	}
	r.releaseConnection(rep)
	r.deleteStore(ctx, rep)
	r.deleteSidecars(ctx, rep)
	r.removeArtifacts(rep)
	r.deleteDirectoryRow(ctx, rep)
	r.updateSnapshot(rep)
	r.purgeCache(rep)

	rep.FinishedAt = r.now()
	r.writeLog(rep)
	r.persist(ctx, req, rep)

	if len(rep.Errors) > 0 {
		log.Warn("teardown: partial", "errors", len(rep.Errors), "log", rep.LogPath)
	} else {
		log.Info("teardown: done", "files_removed", len(rep.FilesRemoved),
			"dirs_removed", len(rep.DirectoriesRemoved), "duration", rep.FinishedAt.Sub(rep.StartedAt))
	}
	return rep
}

func (r *Runner) releaseConnection(rep *model.TeardownReport) {
	if r.deps.Registry == nil {
		rep.Steps = append(rep.Steps, model.TeardownStep{Step: StepReleaseConnection, Outcome: model.OutcomeSkipped})
		return
	}
	found, err := r.deps.Registry.Release(rep.Tenant)
	switch {
	case err != nil:
		// The entry is gone even when Close failed.
		rep.RegistryEntryRemoved = true
		fail(rep, StepReleaseConnection, "", err)
	case found:
		rep.RegistryEntryRemoved = true
		ok(rep, StepReleaseConnection, "", "")
	default:
		skip(rep, StepReleaseConnection, "", "not registered")
	}
}

// deleteStore removes the store file, retrying while another process holds
// it, and renames it out of the way when every attempt fails.
func (r *Runner) deleteStore(ctx context.Context, rep *model.TeardownReport) {
	path := r.deps.Layout.StorePath(rep.Tenant)
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			skip(rep, StepDeleteStore, path, "absent")
			return
		}
		lastErr = r.removeUnlocked(path)
		if lastErr == nil {
			rep.FilesRemoved = append(rep.FilesRemoved, path)
			ok(rep, StepDeleteStore, path, fmt.Sprintf("attempt %d", attempt))
			return
		}
		if errors.Is(lastErr, fs.ErrNotExist) {
			skip(rep, StepDeleteStore, path, "absent")
			return
		}
		r.logger.Debug("teardown: store delete failed", "tenant", rep.Tenant, "attempt", attempt, "error", lastErr)
		if attempt < r.cfg.Attempts && !sleep(ctx, r.cfg.Pause) {
			break
		}
	}

	renamed := r.deps.Layout.RenamedStorePath(rep.Tenant, r.now())
	if err := os.Rename(path, renamed); err != nil {
		fail(rep, StepDeleteStore, path, fmt.Errorf("delete: %v; rename: %w", lastErr, err))
		return
	}
	rep.FilesRenamed[path] = renamed
	ok(rep, StepDeleteStore, path, "renamed to "+filepath.Base(renamed)+" after: "+lastErr.Error())
}

func (r *Runner) removeUnlocked(path string) error {
	locked, err := r.locked(path)
	if err != nil {
		return fmt.Errorf("lock probe: %w", err)
	}
	if locked {
		return errLocked
	}
	return os.Remove(path)
}

func (r *Runner) deleteSidecars(ctx context.Context, rep *model.TeardownReport) {
	for _, path := range r.deps.Layout.Sidecars(rep.Tenant) {
		var err error
		for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
			err = os.Remove(path)
			if err == nil || errors.Is(err, fs.ErrNotExist) || attempt == r.cfg.Attempts || !sleep(ctx, r.cfg.Pause) {
				break
			}
		}
		switch {
		case err == nil:
			rep.FilesRemoved = append(rep.FilesRemoved, path)
			ok(rep, StepDeleteSidecar, path, "")
		case errors.Is(err, fs.ErrNotExist):
			skip(rep, StepDeleteSidecar, path, "absent")
		default:
			fail(rep, StepDeleteSidecar, path, err)
		}
	}
}

func (r *Runner) removeArtifacts(rep *model.TeardownReport) {
	dirs, err := r.deps.Layout.ArtifactDirPaths(rep.Tenant)
	if err != nil {
		fail(rep, StepRemoveArtifactDir, "", err)
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			skip(rep, StepRemoveArtifactDir, dir, "absent")
			continue
		}
		if err != nil {
			fail(rep, StepRemoveArtifactDir, dir, err)
			continue
		}
		if !info.IsDir() {
			fail(rep, StepRemoveArtifactDir, dir, fmt.Errorf("not a directory"))
			continue
		}
		n := countFiles(dir)
		rep.FileCounts[dir] = n
		if err := os.RemoveAll(dir); err != nil {
			fail(rep, StepRemoveArtifactDir, dir, err)
			continue
		}
		rep.DirectoriesRemoved = append(rep.DirectoriesRemoved, dir)
		ok(rep, StepRemoveArtifactDir, dir, fmt.Sprintf("%d files", n))
	}

	files, err := r.deps.Layout.ArtifactFilePaths(rep.Tenant)
	if err != nil {
		fail(rep, StepRemoveArtifact, "", err)
	}
	for _, f := range files {
		err := os.Remove(f)
		switch {
		case err == nil:
			rep.FilesRemoved = append(rep.FilesRemoved, f)
			ok(rep, StepRemoveArtifact, f, "")
		case errors.Is(err, fs.ErrNotExist):
			skip(rep, StepRemoveArtifact, f, "absent")
		default:
			fail(rep, StepRemoveArtifact, f, err)
		}
	}
}

func (r *Runner) deleteDirectoryRow(ctx context.Context, rep *model.TeardownReport) {
	if r.deps.Directory == nil {
		skip(rep, StepDeleteDirectory, "", "no control plane")
		return
	}
	found, err := r.deps.Directory.DeleteTenant(ctx, rep.Tenant)
	switch {
	case err != nil:
		fail(rep, StepDeleteDirectory, "tenants", err)
	case found:
		rep.DirectoryRowRemoved = true
		ok(rep, StepDeleteDirectory, "tenants", "")
	default:
		skip(rep, StepDeleteDirectory, "tenants", "absent")
	}

	n, err := r.deps.Directory.PurgeFailedDeletions(ctx, rep.Tenant)
	switch {
	case err != nil:
		fail(rep, StepPurgeDeletions, "tenant_deletions", err)
	case n > 0:
		ok(rep, StepPurgeDeletions, "tenant_deletions", fmt.Sprintf("%d rows", n))
	default:
		skip(rep, StepPurgeDeletions, "tenant_deletions", "none")
	}
}

func (r *Runner) updateSnapshot(rep *model.TeardownReport) {
	if r.deps.Snapshot == nil {
		skip(rep, StepUpdateSnapshot, "", "no snapshot")
		return
	}
	removed, err := r.deps.Snapshot.Remove(rep.Tenant)
	switch {
	case err != nil:
		fail(rep, StepUpdateSnapshot, r.deps.Snapshot.Path(), err)
	case removed:
		rep.SnapshotUpdated = true
		ok(rep, StepUpdateSnapshot, r.deps.Snapshot.Path(), "")
	default:
		skip(rep, StepUpdateSnapshot, r.deps.Snapshot.Path(), "not listed")
	}
}

func (r *Runner) purgeCache(rep *model.TeardownReport) {
	if r.deps.Cache == nil {
		skip(rep, StepPurgeCache, "", "no cache")
		return
	}
	rep.CachePurged = true
	if r.deps.Cache.Forget(rep.Tenant) {
		ok(rep, StepPurgeCache, "", "")
		return
	}
	skip(rep, StepPurgeCache, "", "not cached")
}

// writeLog dumps the report next to the other teardown logs. A failure to
// write it is recorded in the report but not in the file.
func (r *Runner) writeLog(rep *model.TeardownReport) {
	path := r.deps.Layout.TeardownLogPath(rep.Tenant, rep.StartedAt, len(rep.Errors) > 0)
	var b strings.Builder
	fmt.Fprintf(&b, "teardown %s run=%s\n", rep.Tenant, rep.RunID)
	fmt.Fprintf(&b, "started  %s\nfinished %s\n\n", rep.StartedAt.Format(time.RFC3339Nano), rep.FinishedAt.Format(time.RFC3339Nano))
	for _, s := range rep.Steps {
		fmt.Fprintf(&b, "%-8s %-24s %s", s.Outcome, s.Step, s.Target)
		if s.Detail != "" {
			fmt.Fprintf(&b, " (%s)", s.Detail)
		}
		b.WriteByte('\n')
	}
	if len(rep.Errors) > 0 {
		b.WriteString("\nerrors:\n")
		for _, e := range rep.Errors {
			b.WriteString("  " + e + "\n")
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		rep.Errors = append(rep.Errors, "write_log: "+err.Error())
		return
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		rep.Errors = append(rep.Errors, "write_log: "+err.Error())
		return
	}
	rep.LogPath = path
}

func (r *Runner) persist(ctx context.Context, req Request, rep *model.TeardownReport) {
	details, err := json.Marshal(rep)
	if err != nil {
		details = []byte("{}")
	}
	errText := strings.Join(rep.Errors, "; ")

	if r.deps.Directory != nil {
		err := r.deps.Directory.RecordDeletion(ctx, directory.Deletion{
			ID:         rep.RunID,
			Slug:       rep.Tenant,
			Name:       req.Name,
			ExecutedBy: req.Actor,
			StartedAt:  rep.StartedAt,
			FinishedAt: rep.FinishedAt,
			Completed:  len(rep.Errors) == 0,
			Error:      errText,
			Details:    details,
			LogPath:    rep.LogPath,
		})
		if err != nil {
			r.logger.Error("teardown: record deletion", "tenant", rep.Tenant, "error", err)
		}
	}

	if r.deps.Audit != nil {
		status := "success"
		if len(rep.Errors) > 0 {
			status = "partial"
		}
		params, _ := json.Marshal(map[string]string{"tenant": string(rep.Tenant), "actor": req.Actor})
		err := r.deps.Audit.Log(ctx, &audit.Entry{
			Tenant:     string(rep.Tenant),
			Action:     ActionDelete,
			UserID:     req.Actor,
			Parameters: string(params),
			Result:     string(details),
			Error:      errText,
			DurationMs: rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
			Status:     status,
		})
		if err != nil {
			r.logger.Error("teardown: audit", "tenant", rep.Tenant, "error", err)
		}
	}
}

// lockedByOther probes for an exclusive lock held by another process. The
// probe is only taken on an existing file: flock.New creates its target.
func lockedByOther(path string) (bool, error) {
	fl := flock.New(path)
	got, err := fl.TryLock()
	if err != nil {
		return false, err
	}
	if !got {
		return true, nil
	}
	return false, fl.Unlock()
}

func countFiles(dir string) int {
	n := 0
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func ok(rep *model.TeardownReport, step, target, detail string) {
	rep.Steps = append(rep.Steps, model.TeardownStep{Step: step, Target: target, Outcome: model.OutcomeSuccess, Detail: detail})
}

func skip(rep *model.TeardownReport, step, target, detail string) {
	rep.Steps = append(rep.Steps, model.TeardownStep{Step: step, Target: target, Outcome: model.OutcomeSkipped, Detail: detail})
}

func fail(rep *model.TeardownReport, step, target string, err error) {
	rep.Steps = append(rep.Steps, model.TeardownStep{Step: step, Target: target, Outcome: model.OutcomeFailed, Detail: err.Error()})
	msg := step
	if target != "" {
		msg += " " + target
	}
	rep.Errors = append(rep.Errors, msg+": "+err.Error())
}
