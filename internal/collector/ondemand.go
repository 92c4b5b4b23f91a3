package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modcollect/internal/decoder"
	"modcollect/internal/task/engine"
	"modcollect/internal/task/scheduler"
	logx "modcollect/pkg/logx"
)

// RunOnDemand executes one of id's templates outside the trigger and returns
// the decoded record without storing it.
//
// The schedule's trigger is paused first, then the call waits (polling every
// PollInterval) until no run of id is in flight. If that takes longer than
// timeout, ErrTimeout is returned. The trigger is resumed on every path.
// An empty templateName selects the default template; timeout <= 0 uses the
// configured default.
func (c *Collector) RunOnDemand(ctx context.Context, id, templateName string, kwargs map[string]any, timeout time.Duration) (decoder.Record, error) {
	c.mu.RLock()
	st, ok := c.schedules[id]
	c.mu.RUnlock()
	if !ok {
		return decoder.Record{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if templateName == "" {
		templateName = st.def.DefaultTemplate
	}
	tpl, ok := st.def.Templates[templateName]
	if !ok {
		return decoder.Record{}, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, id, templateName)
	}
	if timeout <= 0 {
		timeout = c.cfg.OnDemandTimeout
	}

	if err := c.triggers.Pause(id); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return decoder.Record{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		return decoder.Record{}, err
	}
	defer func() {
		if err := c.triggers.Resume(id); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
			c.log.Warn("resume after on-demand run failed", logx.String("id", id), logx.Err(err))
		}
	}()

	start := time.Now()
	if err := c.waitIdle(ctx, st.state, timeout); err != nil {
		c.metrics.ObserveOnDemand("timeout")
		c.log.Info("on-demand run gave up waiting", logx.String("id", id), logx.Duration("waited", time.Since(start)), logx.Err(err))
		c.publish(EventOnDemandFailed, Event{Schedule: id, Template: templateName, Error: err.Error()})
		return decoder.Record{}, err
	}
	defer st.state.Release()

	runCtx := ctx
	if c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	raw, err := c.runner.Run(runCtx, st.def.Device, tpl.Procedure, kwargs)
	if err != nil {
		c.metrics.ObserveOnDemand("error")
		c.log.Warn("on-demand run failed", logx.String("id", id), logx.String("template", templateName), logx.Err(err))
		c.publish(EventOnDemandFailed, Event{Schedule: id, Template: templateName, Error: err.Error(), Duration: time.Since(start)})
		return decoder.Record{}, err
	}

	rec := decoder.Decode(raw, tpl.Fields, time.Now())
	c.metrics.ObserveOnDemand("ok")
	c.log.Info("on-demand run completed",
		logx.String("id", id),
		logx.String("template", templateName),
		logx.Duration("dur", time.Since(start)),
	)
	c.publish(EventOnDemandDone, Event{Schedule: id, Template: templateName, Duration: time.Since(start)})
	return rec, nil
}

// waitIdle acquires the schedule's gate, polling until timeout.
func (c *Collector) waitIdle(ctx context.Context, state *engine.RunState, timeout time.Duration) error {
	if state.TryAcquire() {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if state.TryAcquire() {
				return nil
			}
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		case <-tick.C:
			if state.TryAcquire() {
				return nil
			}
		}
	}
}
