package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Freeze blocks every mutating request (anything but GET, HEAD and OPTIONS)
// with 503 while active. Reads keep working, so operators can still diagnose
// and inspect during a bulk migration or an incident.
//
// The flag is the single row of admin_freeze in the control database. It is
// cached in memory and refreshed by StartReloader; a missing table means off.
type Freeze struct {
	db      *sql.DB
	active  atomic.Bool
	reason  atomic.Value // string
	exclude []string
}

// NewFreeze reads the current flag from db. Paths under excludePrefixes are
// never blocked.
func NewFreeze(db *sql.DB, excludePrefixes ...string) *Freeze {
	f := &Freeze{db: db, exclude: excludePrefixes}
	f.reason.Store("")
	f.reload()
	return f
}

// Active reports whether writes are frozen.
func (f *Freeze) Active() bool { return f.active.Load() }

// Reason returns the operator-supplied reason of the current freeze.
func (f *Freeze) Reason() string {
	s, _ := f.reason.Load().(string)
	return s
}

// Set persists the flag and applies it immediately in this process. Other
// processes sharing the control database pick it up on their next reload.
func (f *Freeze) Set(ctx context.Context, active bool, reason, actor string) error {
	v := 0
	if active {
		v = 1
	}
	if _, err := f.db.ExecContext(ctx,
		`INSERT INTO admin_freeze (id, active, reason, set_by, set_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active, reason = excluded.reason,
		   set_by = excluded.set_by, set_at = excluded.set_at`,
		v, reason, actor, time.Now().UnixMilli()); err != nil {
		return err
	}
	f.reload()
	return nil
}

// StartReloader refreshes the flag every 5 seconds until done is closed.
func (f *Freeze) StartReloader(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				f.reload()
			}
		}
	}()
}

func (f *Freeze) reload() {
	var active int
	var reason string
	err := f.db.QueryRow(`SELECT active, reason FROM admin_freeze WHERE id = 1`).Scan(&active, &reason)
	if err != nil {
		f.active.Store(false)
		return
	}
	was := f.active.Swap(active == 1)
	f.reason.Store(reason)

	switch {
	case active == 1 && !was:
		slog.Warn("shield: admin writes frozen", "reason", reason)
	case active != 1 && was:
		slog.Info("shield: admin writes unfrozen")
	}
}

// Middleware answers mutating requests with 503 while the freeze is active.
func (f *Freeze) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.active.Load() || safeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range f.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "300")
		msg := "admin writes are frozen"
		if reason := f.Reason(); reason != "" {
			msg += ": " + reason
		}
		writeError(w, http.StatusServiceUnavailable, msg)
	})
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}
