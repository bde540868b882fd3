package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the dispatch journal.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   time.Duration // rows older than this are pruned; 0 means 7 days
}

// Dispatch kinds recorded in the journal.
const (
	KindCreate   = "create"
	KindUpdate   = "update"
	KindFinalize = "finalize"
	KindEvict    = "evict"
)

// DispatchEntry records one delivery event for observability.
// This is an audit aid, not durable coordinator state.
type DispatchEntry struct {
	At       time.Time
	TargetID string
	ChatID   string
	Kind     string
	OK       bool
	Error    string
	Bytes    int
	TookMS   int64
}
