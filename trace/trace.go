// Package trace records SQL statements run against tenant stores.
//
// It registers a "sqlite-trace" driver that wraps modernc.org/sqlite at the
// database/sql/driver level. Opening a store with that driver name is enough:
//
//	store := trace.NewStore(ctrlDB, trace.WithMinDuration(100*time.Millisecond))
//	store.Init()
//	trace.SetStore(store)
//
//	db, _ := dbopen.Open(path, dbopen.WithDriver(trace.DriverName))
//
// Every statement is logged through slog (Debug, Warn when slow, Error on
// failure). With a Store set, failed and slow statements are also persisted,
// tagged with the store file they ran on and the request that ran them.
package trace

import (
	"database/sql"
	"sync"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql name of the tracing driver.
const DriverName = "sqlite-trace"

// Entry is one traced statement.
type Entry struct {
	Source     string `json:"source"` // store file name
	Tenant     string `json:"tenant,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Op         string `json:"op"` // "Exec" or "Query"
	Query      string `json:"query"`
	DurationUs int64  `json:"duration_us"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix microseconds
}

// Recorder persists entries. RecordAsync must not block.
type Recorder interface {
	RecordAsync(e *Entry)
	Close() error
}

var (
	globalStore Recorder
	storeMu     sync.RWMutex
)

// SetStore sets the process-wide recorder. nil disables persistence.
func SetStore(s Recorder) {
	storeMu.Lock()
	globalStore = s
	storeMu.Unlock()
}

func getStore() Recorder {
	storeMu.RLock()
	defer storeMu.RUnlock()
	return globalStore
}

func init() {
	sql.Register(DriverName, &TracingDriver{Driver: &sqlite.Driver{}})
}
