package trace

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Schema is the sql_traces table, kept in the control database.
const Schema = `
CREATE TABLE IF NOT EXISTS sql_traces (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source      TEXT NOT NULL,
	tenant      TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT '',
	op          TEXT NOT NULL,
	query       TEXT NOT NULL,
	duration_us INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_traces_source ON sql_traces(source, timestamp);
`

// Store persists entries in batches from a background goroutine. Its
// database must be opened with the plain "sqlite" driver, or its own inserts
// would be traced.
type Store struct {
	db          *sql.DB
	minDuration time.Duration
	ch          chan *Entry
	done        chan struct{}
	once        sync.Once
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMinDuration keeps only failed statements and those slower than d.
func WithMinDuration(d time.Duration) StoreOption { return func(s *Store) { s.minDuration = d } }

// NewStore starts the flush loop. Call Close to drain it.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:   db,
		ch:   make(chan *Entry, 1024),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.flushLoop()
	return s
}

// Init creates the sql_traces table.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// RecordAsync queues e, dropping it when the buffer is full.
func (s *Store) RecordAsync(e *Entry) {
	if e.Error == "" && e.DurationUs < s.minDuration.Microseconds() {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

// Close flushes what is queued and stops the loop.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

// Recent returns the latest entries recorded against source, newest first.
func (s *Store) Recent(ctx context.Context, source string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, tenant, request_id, op, query, duration_us, error, timestamp
		 FROM sql_traces WHERE source = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Source, &e.Tenant, &e.RequestID, &e.Op, &e.Query, &e.DurationUs, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]*Entry, 0, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("trace: begin", "error", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO sql_traces (source, tenant, request_id, op, query, duration_us, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("trace: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.Source, e.Tenant, e.RequestID, e.Op, e.Query, e.DurationUs, e.Error, e.Timestamp); err != nil {
			slog.Error("trace: insert", "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("trace: commit", "error", err)
	}
}
