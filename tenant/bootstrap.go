package tenant

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BootstrapReport is the outcome of Bootstrap.
type BootstrapReport struct {
	Attached []ID          `json:"attached"`
	Missing  []ID          `json:"missing"`
	Readded  []ID          `json:"readded"`
	Orphans  []ID          `json:"orphans"`
	Failed   map[ID]string `json:"failed"`
}

// Bootstrap pre-populates the registry at startup. The snapshot is
// reconciled with the directory (directory rows missing from it are added
// back), then every tenant with a directory row and an existing store is
// attached. Missing stores are reported, never created. Snapshot entries
// without a directory row are reported as orphans and left unattached.
func (m *Manager) Bootstrap(ctx context.Context) (*BootstrapReport, error) {
	listed, err := m.snapshot.Load()
	if err != nil {
		return nil, err
	}
	rows, err := m.dir.List(ctx)
	if err != nil {
		return nil, err
	}

	rep := &BootstrapReport{
		Attached: []ID{},
		Missing:  []ID{},
		Readded:  []ID{},
		Orphans:  []ID{},
		Failed:   map[ID]string{},
	}
	known := make(map[ID]bool, len(rows))
	for _, r := range rows {
		known[r.Slug] = true
		if !slices.Contains(listed, r.Slug) {
			if _, err := m.snapshot.Add(r.Slug); err != nil {
				return nil, err
			}
			rep.Readded = append(rep.Readded, r.Slug)
			listed = append(listed, r.Slug)
		}
	}
	attach := make([]ID, 0, len(listed))
	for _, id := range listed {
		if !known[id] {
			rep.Orphans = append(rep.Orphans, id)
			m.logger.Warn("tenant: snapshot lists tenant without directory row", "tenant", id)
			continue
		}
		attach = append(attach, id)
	}
	slices.Sort(attach)
	slices.Sort(rep.Orphans)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.BootstrapConcurrency)
	for _, id := range attach {
		g.Go(func() error {
			if checkID(id) != nil {
				mu.Lock()
				rep.Failed[id] = "invalid identifier"
				mu.Unlock()
				return nil
			}
			ok, err := m.prov.StoreExists(id)
			if err == nil && ok {
				_, err = m.prov.Attach(gctx, id)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				rep.Failed[id] = err.Error()
			case !ok:
				rep.Missing = append(rep.Missing, id)
			default:
				rep.Attached = append(rep.Attached, id)
			}
			return nil
		})
	}
	g.Wait()

	slices.Sort(rep.Attached)
	slices.Sort(rep.Missing)
	m.logger.Info("tenant: bootstrap", "attached", len(rep.Attached), "missing", len(rep.Missing),
		"readded", len(rep.Readded), "orphans", len(rep.Orphans), "failed", len(rep.Failed))
	return rep, nil
}
