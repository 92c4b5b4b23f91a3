package collector

import (
	"context"
	"errors"
	"time"

	"modcollect/internal/decoder"
	"modcollect/internal/task/engine"
	logx "modcollect/pkg/logx"
)

// Dispatch is the trigger callback. It looks up the schedule's default
// template and queues a run; it never blocks on the device.
func (c *Collector) Dispatch(id string) {
	c.mu.RLock()
	st, ok := c.schedules[id]
	c.mu.RUnlock()
	if !ok {
		c.log.Warn("dispatch for unknown schedule", logx.String("id", id))
		return
	}
	if len(st.def.Templates) == 0 {
		c.log.Warn("schedule has no templates; skipping run", logx.String("id", id))
		return
	}
	tpl, ok := st.def.Templates[st.def.DefaultTemplate]
	if !ok {
		c.log.Warn("schedule has no default template; skipping run",
			logx.String("id", id),
			logx.String("default_template", st.def.DefaultTemplate),
		)
		return
	}

	err := c.exec.Enqueue(engine.Task{
		Name:    "collect:" + id,
		Timeout: c.cfg.RunTimeout,
		State:   st.state,
		Run: func(ctx context.Context) error {
			return c.collect(ctx, id, st, tpl)
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		c.log.Debug("previous run still in flight; skipping", logx.String("id", id))
		c.metrics.ObserveRun(id, "skipped", 0)
	default:
		c.warnFailure(id, "run not queued", err)
		c.metrics.ObserveRun(id, "dropped", 0)
	}
}

// collect runs on an engine worker while holding the schedule's gate.
func (c *Collector) collect(ctx context.Context, id string, st *schedule, tpl Template) error {
	start := time.Now()
	raw, err := c.runner.Run(ctx, st.def.Device, tpl.Procedure, map[string]any{})
	if err != nil {
		dur := time.Since(start)
		c.warnFailure(id, "acquisition failed", err)
		c.metrics.ObserveRun(id, "error", dur)
		c.publish(EventRunFailed, Event{Schedule: id, Template: tpl.Name, Error: err.Error(), Duration: dur})
		return err
	}

	rec := decoder.Decode(raw, tpl.Fields, time.Now())
	dur := time.Since(start)

	c.mu.RLock()
	stored := c.schedules[id] == st
	if stored {
		c.history.Append(id, rec)
	}
	c.mu.RUnlock()

	if !stored {
		c.log.Debug("schedule removed during run; record discarded", logx.String("id", id))
		return nil
	}
	c.failures.Forget(id)
	c.metrics.ObserveRun(id, "ok", dur)
	c.metrics.AddDegraded(id, rec.Degraded())
	c.metrics.SetHistoryRecords(c.history.Total())
	c.log.Debug("run completed",
		logx.String("id", id),
		logx.String("template", tpl.Name),
		logx.Int("bytes", len(raw)),
		logx.Duration("dur", dur),
	)
	c.publish(EventRunCompleted, Event{Schedule: id, Template: tpl.Name, Duration: dur})
	return nil
}

func (c *Collector) warnFailure(id, msg string, err error) {
	ok, suppressed := c.failures.Allow(id)
	if !ok {
		return
	}
	fields := []logx.Field{logx.String("id", id), logx.Err(err)}
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}
	c.log.Warn(msg, fields...)
}
