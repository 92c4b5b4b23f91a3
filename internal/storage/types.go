package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MaxEntries caps retained audit rows (sqlite only). 0 keeps everything.
	MaxEntries int
}

// AuditEntry records one collector event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Schedule string    `json:"schedule,omitempty"`
	Template string    `json:"template,omitempty"`
	Source   string    `json:"source,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
}

// AuditQuery filters ListAudit. Zero fields match everything.
type AuditQuery struct {
	Schedule string
	Kind     string
	Since    time.Time
	Limit    int
}

const DefaultAuditLimit = 100

func (q AuditQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultAuditLimit
	}
	return q.Limit
}

func (q AuditQuery) match(e AuditEntry) bool {
	if q.Schedule != "" && e.Schedule != q.Schedule {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	return true
}
