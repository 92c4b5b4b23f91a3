package storage

import (
	"context"
	"errors"
	"strings"

	logx "modcollect/pkg/logx"
)

// Store is the persistence API used by the app layer and the REST audit view.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// ListAudit returns matching entries, newest first.
	ListAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
