package app

import (
	"context"
	"time"

	"modcollect/internal/collector"
	"modcollect/internal/eventbus"
	"modcollect/internal/storage"
	logx "modcollect/pkg/logx"
)

// auditEntry maps a collector bus event to an audit row. Events from other
// components are skipped.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	ev, ok := e.Data.(collector.Event)
	if !ok {
		return storage.AuditEntry{}, false
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	return storage.AuditEntry{
		At:       at,
		Kind:     e.Type,
		Schedule: ev.Schedule,
		Template: ev.Template,
		Source:   string(ev.Source),
		Detail:   ev.Detail,
		Error:    ev.Error,
		TookMS:   ev.Duration.Milliseconds(),
	}, true
}

func runAuditSink(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	failures := logx.NewThrottle(time.Minute, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := store.AppendAudit(wctx, entry)
			cancel()
			if err == nil {
				continue
			}
			if ok, suppressed := failures.Allow("append"); ok {
				log.Warn("audit append failed",
					logx.String("kind", entry.Kind),
					logx.String("schedule", entry.Schedule),
					logx.Int("suppressed", suppressed),
					logx.Err(err),
				)
			}
		}
	}
}
