package collector

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"modcollect/internal/task/scheduler"
	logx "modcollect/pkg/logx"
)

// ReconcileResult lists what a Reconcile call changed.
type ReconcileResult struct {
	Added    []string
	Removed  []string
	Modified []string
	Replaced []string
	Failed   map[string]error
}

func (r ReconcileResult) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Modified)+len(r.Replaced) > 0
}

// Reconcile brings the schedules owned by source in line with defs. New ids
// are added and missing ones removed. A schedule whose definition differs
// only by trigger or enabled flag is modified in place and keeps its
// history; any other difference replaces it. Ids owned by another source
// are left alone and reported in Failed.
func (c *Collector) Reconcile(source Source, defs []ScheduleDef) ReconcileResult {
	res := ReconcileResult{Failed: map[string]error{}}

	c.mu.RLock()
	owned := map[string]ScheduleDef{}
	foreign := map[string]bool{}
	for id, st := range c.schedules {
		if st.def.Source == source {
			owned[id] = st.def
		} else {
			foreign[id] = true
		}
	}
	c.mu.RUnlock()

	want := make(map[string]bool, len(defs))
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	for _, def := range defs {
		def.Source = source
		want[def.ID] = true

		if foreign[def.ID] {
			res.Failed[def.ID] = fmt.Errorf("%w: %s is owned by another source", ErrDuplicateSchedule, def.ID)
			continue
		}
		cur, ok := owned[def.ID]
		if !ok {
			if err := c.AddSchedule(def); err != nil {
				res.Failed[def.ID] = err
				continue
			}
			res.Added = append(res.Added, def.ID)
			continue
		}

		if !sameBody(cur, def) {
			if _, err := c.validate(def); err != nil {
				res.Failed[def.ID] = err
				continue
			}
			if err := c.RemoveSchedule(def.ID); err != nil && !errors.Is(err, ErrScheduleNotFound) {
				res.Failed[def.ID] = err
				continue
			}
			if err := c.AddSchedule(def); err != nil {
				res.Failed[def.ID] = err
				continue
			}
			res.Replaced = append(res.Replaced, def.ID)
			continue
		}

		var u ScheduleUpdate
		if !sameTrigger(cur.Trigger, def.Trigger) {
			t := def.Trigger
			u.Trigger = &t
		}
		if cur.Enabled != def.Enabled {
			enabled := def.Enabled
			u.Enabled = &enabled
		}
		if u.Trigger != nil || u.Enabled != nil {
			if err := c.UpdateSchedule(def.ID, u); err != nil {
				res.Failed[def.ID] = err
				continue
			}
			res.Modified = append(res.Modified, def.ID)
		}
	}

	for id := range owned {
		if want[id] {
			continue
		}
		if err := c.RemoveSchedule(id); err != nil {
			res.Failed[id] = err
			continue
		}
		res.Removed = append(res.Removed, id)
	}
	sort.Strings(res.Removed)

	if res.Changed() || len(res.Failed) > 0 {
		c.log.Info("schedules reconciled",
			logx.String("source", string(source)),
			logx.Int("added", len(res.Added)),
			logx.Int("removed", len(res.Removed)),
			logx.Int("modified", len(res.Modified)),
			logx.Int("replaced", len(res.Replaced)),
			logx.Int("failed", len(res.Failed)),
		)
	}
	for id, err := range res.Failed {
		c.log.Warn("schedule not reconciled", logx.String("id", id), logx.Err(err))
	}
	return res
}

// sameBody compares everything except the trigger and enabled flag.
func sameBody(a, b ScheduleDef) bool {
	return a.Device == b.Device &&
		a.DefaultTemplate == b.DefaultTemplate &&
		a.Description == b.Description &&
		sameTemplates(a.Templates, b.Templates)
}

func sameTemplates(a, b map[string]Template) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ta := range a {
		tb, ok := b[name]
		if !ok || !reflect.DeepEqual(normalize(name, ta), normalize(name, tb)) {
			return false
		}
	}
	return true
}

func sameTrigger(a, b scheduler.Trigger) bool {
	if a.Kind != b.Kind || a.Every != b.Every || a.Cron != b.Cron || len(a.Dates) != len(b.Dates) {
		return false
	}
	for i := range a.Dates {
		if !a.Dates[i].Equal(b.Dates[i]) {
			return false
		}
	}
	return true
}
