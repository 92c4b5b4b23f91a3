package httpapi

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modcollect/internal/collector"
	"modcollect/internal/decoder"
	"modcollect/internal/storage"
	logx "modcollect/pkg/logx"
)

// Collector is the part of collector.Collector the REST layer serves.
type Collector interface {
	AddSchedule(def collector.ScheduleDef) error
	RemoveSchedule(id string) error
	UpdateSchedule(id string, u collector.ScheduleUpdate) error
	ListSchedules() []collector.ScheduleInfo
	Schedule(id string) (collector.ScheduleInfo, error)
	Templates(id string) ([]collector.Template, error)
	Template(id, name string) (collector.Template, error)
	History(id string) ([]decoder.Record, error)
	HistoryAt(id string, index int) (decoder.Record, error)
	LastFetch(id string) (decoder.Record, error)
	RunOnDemand(ctx context.Context, id, templateName string, kwargs map[string]any, timeout time.Duration) (decoder.Record, error)
}

// AuditReader serves GET /audit. A nil reader reports the trail as disabled.
type AuditReader interface {
	ListAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEntry, error)
}

// API holds what the handlers need.
type API struct {
	Collector Collector
	Audit     AuditReader
	Gatherer  prometheus.Gatherer
	Log       logx.Logger

	// Location resolves wall-clock dates in trigger settings. Nil means
	// time.Local.
	Location func() *time.Location

	started time.Time
}

func (a *API) location() *time.Location {
	if a.Location == nil {
		return time.Local
	}
	if loc := a.Location(); loc != nil {
		return loc
	}
	return time.Local
}
