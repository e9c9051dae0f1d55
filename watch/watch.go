// Package watch runs an action whenever a polled version token moves. The
// tenant server uses it to notice directory changes committed by other
// processes sharing the control database.
//
//	w := watch.New(m.DirectoryVersion, watch.Options{Interval: 2 * time.Second})
//	go w.OnChange(ctx, func(ctx context.Context) error {
//	    _, err := m.Reconcile(ctx)
//	    return err
//	})
package watch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Detector returns the current version token. Different values mean
// something changed.
type Detector func(ctx context.Context) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling period. Default 1s.
	Interval time.Duration
	// Debounce is the quiet period required after a change before the
	// action fires. Zero fires on the first poll that sees the change.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Fired   int64 `json:"fired"`
}

// Watcher polls a Detector.
type Watcher struct {
	detect Detector
	opts   Options

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fired   atomic.Int64
}

// New returns a Watcher; OnChange starts it.
func New(detect Detector, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{detect: detect, opts: opts}
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Fired:   w.fired.Load(),
	}
}

// Version returns the last token whose action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is done. The first token read is the baseline;
// the action runs only for later changes. A failed action leaves the
// version unchanged, so the next poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger

	if v, err := w.detect(ctx); err != nil {
		log.Warn("watch: initial version", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending, hasPending := int64(0), false

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.detect(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check", "error", err)
				continue
			}
			if cur == w.version.Load() || (hasPending && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				hasPending = false
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if hasPending {
				w.fire(ctx, action, pending)
				hasPending = false
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, v int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: action failed", "error", err)
		return
	}
	w.fired.Add(1)
	w.version.Store(v)
	w.opts.Logger.Debug("watch: action done", "version", v, "duration", time.Since(start))
}
