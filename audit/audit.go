// Package audit persists an append-only trail of administrative operations
// in the control-plane database. Every teardown run leaves an entry here.
//
// Entries can be written synchronously (Log) or queued (LogAsync); queued
// entries are flushed in batches and on Close.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tenantdb/idgen"
	"github.com/hazyhaar/tenantdb/kit"
)

// Schema is the DDL for the audit table. Init applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    tenant        TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    user_id       TEXT NOT NULL DEFAULT '',
    transport     TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    result        TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_log(tenant, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
`

const batchSize = 32

// Entry is a single operation record. Timestamp is Unix milliseconds.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"`
	Tenant     string `json:"tenant,omitempty"`
	Action     string `json:"action"`
	UserID     string `json:"user_id,omitempty"`
	Transport  string `json:"transport,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Parameters string `json:"parameters,omitempty"` // JSON
	Result     string `json:"result,omitempty"`     // JSON
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"` // "success", "partial", "error"
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Tenant string
	Action string
	Status string
	Since  time.Time
	Limit  int // default 100
}

// SQLiteLogger writes entries to the audit_log table.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Entry
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator sets the generator for entry IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithBufferSize sets the async queue capacity. Default: 256.
func WithBufferSize(n int) Option {
	return func(l *SQLiteLogger) {
		if n > 0 {
			l.ch = make(chan *Entry, n)
		}
	}
}

// WithLogger sets the slog logger used for flush failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SQLiteLogger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewSQLiteLogger starts the background flusher. Call Close to drain it.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *Entry, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit table if it does not exist.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log inserts an entry synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// LogAsync queues an entry. Falls back to a synchronous insert when the
// queue is full.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: buffer full, sync fallback", "action", e.Action)
		if err := l.insert(context.Background(), e); err != nil {
			l.logger.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// NewEntry builds an entry from an operation's parameters, result and
// error, pulling caller identity from ctx. Marshal failures leave the field
// empty.
func NewEntry(ctx context.Context, tenant, action string, params, result any, err error, took time.Duration) *Entry {
	e := &Entry{
		Tenant:     tenant,
		Action:     action,
		UserID:     kit.GetUserID(ctx),
		Transport:  kit.GetTransport(ctx),
		RequestID:  kit.GetRequestID(ctx),
		DurationMs: took.Milliseconds(),
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if result != nil {
		if b, merr := json.Marshal(result); merr == nil {
			e.Result = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Record logs NewEntry synchronously.
func (l *SQLiteLogger) Record(ctx context.Context, tenant, action string, params, result any, err error, took time.Duration) error {
	return l.Log(ctx, NewEntry(ctx, tenant, action, params, result, err, took))
}

// Query returns entries matching f, newest first.
func (l *SQLiteLogger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	q := `SELECT entry_id, timestamp, tenant, action, user_id, transport,
		request_id, parameters, result, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if f.Tenant != "" {
		q += " AND tenant = ?"
		args = append(args, f.Tenant)
	}
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Tenant, &e.Action,
			&e.UserID, &e.Transport, &e.RequestID, &e.Parameters, &e.Result,
			&e.Error, &e.DurationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close drains the queue and stops the flusher.
func (l *SQLiteLogger) Close() error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
	return nil
}

// Middleware records one entry per endpoint call, tagged with the caller
// identity carried in ctx.
func Middleware(l *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				Tenant:     kit.GetTenant(ctx),
				UserID:     kit.GetUserID(ctx),
				Transport:  kit.GetTransport(ctx),
				RequestID:  kit.GetRequestID(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if b, merr := json.Marshal(req); merr == nil {
				e.Parameters = string(b)
			}
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, e := range batch {
			if err := l.insert(ctx, e); err != nil {
				l.logger.Error("audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *SQLiteLogger) insert(ctx context.Context, e *Entry) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, tenant, action, user_id, transport, request_id,
		 parameters, result, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp, e.Tenant, e.Action, e.UserID, e.Transport, e.RequestID,
		e.Parameters, e.Result, e.Error, e.DurationMs, e.Status)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.EntryID, err)
	}
	return nil
}
