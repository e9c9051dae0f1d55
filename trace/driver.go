package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/tenantdb/kit"
)

// SlowThreshold is the duration above which a statement is logged at Warn.
const SlowThreshold = 100 * time.Millisecond

// TracingDriver wraps a driver and times every prepared statement.
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	path, _, _ := strings.Cut(name, "?")
	return &tracingConn{Conn: conn, source: filepath.Base(path)}, nil
}

type tracingConn struct {
	driver.Conn
	source string
}

func (c *tracingConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query, source: c.source}, nil
}

func (c *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		stmt, err := pc.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		return &tracingStmt{Stmt: stmt, query: query, source: c.source}, nil
	}
	return c.Prepare(query)
}

// BeginTx keeps transaction options working through the wrapper.
func (c *tracingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bc, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bc.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

type tracingStmt struct {
	driver.Stmt
	query  string
	source string
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var result driver.Result
	var err error
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		result, err = ec.ExecContext(ctx, args)
	} else {
		result, err = s.Stmt.Exec(namedToValues(args))
	}
	s.record(ctx, "Exec", time.Since(start), err)
	return result, err
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var rows driver.Rows
	var err error
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(namedToValues(args))
	}
	s.record(ctx, "Query", time.Since(start), err)
	return rows, err
}

func (s *tracingStmt) record(ctx context.Context, op string, d time.Duration, err error) {
	// Connection setup pragmas are noise unless they fail or stall.
	if err == nil && d < 10*time.Millisecond && strings.HasPrefix(s.query, "PRAGMA ") {
		return
	}

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > SlowThreshold:
		level = slog.LevelWarn
	}

	e := &Entry{
		Source:     s.source,
		Tenant:     kit.GetTenant(ctx),
		RequestID:  kit.GetRequestID(ctx),
		Op:         op,
		Query:      s.query,
		DurationUs: d.Microseconds(),
		Timestamp:  time.Now().UnixMicro(),
	}
	attrs := []slog.Attr{
		slog.String("source", e.Source),
		slog.String("op", op),
		slog.String("query", s.query),
		slog.Duration("duration", d),
	}
	if e.Tenant != "" {
		attrs = append(attrs, slog.String("tenant", e.Tenant))
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if err != nil {
		e.Error = err.Error()
		attrs = append(attrs, slog.String("error", e.Error))
	}
	slog.LogAttrs(ctx, level, "trace: sql", attrs...)

	if store := getStore(); store != nil {
		store.RecordAsync(e)
	}
}

func namedToValues(named []driver.NamedValue) []driver.Value {
	vals := make([]driver.Value, len(named))
	for i, nv := range named {
		vals[i] = nv.Value
	}
	return vals
}
