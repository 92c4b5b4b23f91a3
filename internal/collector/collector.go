package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modcollect/internal/decoder"
	"modcollect/internal/device"
	"modcollect/internal/eventbus"
	"modcollect/internal/history"
	"modcollect/internal/metrics"
	"modcollect/internal/procedure"
	"modcollect/internal/task/engine"
	"modcollect/internal/task/scheduler"
	logx "modcollect/pkg/logx"
)

// Triggers is the part of the scheduler the collector drives.
type Triggers interface {
	Validate(t scheduler.Trigger) error
	Add(id string, t scheduler.Trigger, paused bool) error
	Remove(id string) bool
	Reschedule(id string, t scheduler.Trigger) error
	Pause(id string) error
	Resume(id string) error
	Paused(id string) bool
	Next(id string) (time.Time, bool)
}

// Executor queues scheduled runs.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Runner executes procedures against devices.
type Runner interface {
	Validate(p procedure.Procedure) error
	Run(ctx context.Context, dev device.Descriptor, p procedure.Procedure, kwargs map[string]any) ([]byte, error)
}

// Deps are the collaborators a Collector is built from.
type Deps struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Triggers Triggers
	Executor Executor
	Runner   Runner
}

type schedule struct {
	def     ScheduleDef
	state   *engine.RunState
	created time.Time
}

type Collector struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	triggers Triggers
	exec     Executor
	runner   Runner
	history  *history.Store
	failures *logx.Throttle

	mu        sync.RWMutex
	schedules map[string]*schedule
}

func New(cfg Config, deps Deps) (*Collector, error) {
	if deps.Triggers == nil || deps.Executor == nil || deps.Runner == nil {
		return nil, errors.New("collector: triggers, executor and runner are required")
	}
	cfg = withDefaults(cfg)
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "collector")),
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		triggers:  deps.Triggers,
		exec:      deps.Executor,
		runner:    deps.Runner,
		history:   history.New(cfg.HistorySize),
		failures:  logx.NewThrottle(cfg.FailureLogEvery, cfg.FailureLogBurst),
		schedules: map[string]*schedule{},
	}, nil
}

// AddSchedule validates def and registers it with the scheduler. A disabled
// schedule is registered with its trigger paused.
func (c *Collector) AddSchedule(def ScheduleDef) error {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return invalid("schedule id required")
	}
	if def.Source == "" {
		def.Source = SourceAPI
	}

	c.mu.RLock()
	_, exists := c.schedules[def.ID]
	c.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, def.ID)
	}

	tpls, err := c.validate(def)
	if err != nil {
		return err
	}
	def.Templates = tpls

	c.mu.Lock()
	if _, ok := c.schedules[def.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, def.ID)
	}
	if err := c.triggers.Add(def.ID, def.Trigger, !def.Enabled); err != nil {
		c.mu.Unlock()
		if errors.Is(err, scheduler.ErrExists) {
			return fmt.Errorf("%w: %s", ErrDuplicateSchedule, def.ID)
		}
		return fmt.Errorf("%w: trigger: %v", ErrValidation, err)
	}
	c.schedules[def.ID] = &schedule{def: def, state: &engine.RunState{}, created: time.Now()}
	n := len(c.schedules)
	c.mu.Unlock()

	c.metrics.SetSchedules(n)
	c.log.Info("schedule added",
		logx.String("id", def.ID),
		logx.String("trigger", def.Trigger.String()),
		logx.String("device", def.Device.String()),
		logx.Int("templates", len(def.Templates)),
		logx.Bool("enabled", def.Enabled),
		logx.String("source", string(def.Source)),
	)
	c.publish(EventScheduleAdded, Event{Schedule: def.ID, Source: def.Source, Detail: def.Trigger.String()})
	return nil
}

// validate checks everything AddSchedule needs and returns a private copy of
// the template set.
func (c *Collector) validate(def ScheduleDef) (map[string]Template, error) {
	if err := c.triggers.Validate(def.Trigger); err != nil {
		return nil, fmt.Errorf("%w: trigger: %v", ErrValidation, err)
	}
	if err := def.Device.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if def.DefaultTemplate != "" {
		if _, ok := def.Templates[def.DefaultTemplate]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingDefaultTemplate, def.DefaultTemplate)
		}
	}

	out := make(map[string]Template, len(def.Templates))
	for name, tpl := range def.Templates {
		if strings.TrimSpace(name) == "" {
			return nil, invalid("template name required")
		}
		if err := c.runner.Validate(tpl.Procedure); err != nil {
			return nil, invalid("template %q: procedure: %v", name, err)
		}
		if err := decoder.Validate(tpl.Fields); err != nil {
			return nil, invalid("template %q: %v", name, err)
		}
		out[name] = normalize(name, tpl)
	}
	return out, nil
}

func normalize(name string, tpl Template) Template {
	tpl.Name = name
	tpl.Fields = append([]decoder.Field(nil), tpl.Fields...)
	return tpl
}

// RemoveSchedule unregisters id and discards its history. A run already in
// flight completes but its record is dropped.
func (c *Collector) RemoveSchedule(id string) error {
	c.mu.Lock()
	st, ok := c.schedules[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	delete(c.schedules, id)
	c.triggers.Remove(id)
	c.history.Remove(id)
	n := len(c.schedules)
	c.mu.Unlock()

	c.failures.Forget(id)
	c.metrics.Forget(id)
	c.metrics.SetSchedules(n)
	c.metrics.SetHistoryRecords(c.history.Total())
	c.log.Info("schedule removed", logx.String("id", id))
	c.publish(EventScheduleRemoved, Event{Schedule: id, Source: st.def.Source})
	return nil
}

// ScheduleUpdate is a partial change to a schedule. Nil fields are left as
// they are.
type ScheduleUpdate struct {
	Trigger *scheduler.Trigger
	Enabled *bool
}

// UpdateSchedule applies u to id as a unit: every part is validated before
// any of it takes effect.
func (c *Collector) UpdateSchedule(id string, u ScheduleUpdate) error {
	if u.Trigger == nil && u.Enabled == nil {
		return fmt.Errorf("%w: empty update", ErrValidation)
	}
	if u.Trigger != nil {
		if err := c.triggers.Validate(*u.Trigger); err != nil {
			return fmt.Errorf("%w: trigger: %v", ErrValidation, err)
		}
	}

	c.mu.Lock()
	st, ok := c.schedules[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if u.Trigger != nil {
		if err := c.triggers.Reschedule(id, *u.Trigger); err != nil {
			c.mu.Unlock()
			if errors.Is(err, scheduler.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
			}
			return fmt.Errorf("%w: trigger: %v", ErrValidation, err)
		}
		st.def.Trigger = *u.Trigger
	}
	toggled := false
	if u.Enabled != nil && st.def.Enabled != *u.Enabled {
		// Trigger entries are only removed under c.mu, so id is still registered.
		if *u.Enabled {
			_ = c.triggers.Resume(id)
		} else {
			_ = c.triggers.Pause(id)
		}
		st.def.Enabled = *u.Enabled
		toggled = true
	}
	source := st.def.Source
	c.mu.Unlock()

	if u.Trigger != nil {
		t := *u.Trigger
		c.log.Info("schedule modified", logx.String("id", id), logx.String("trigger", t.String()))
		c.publish(EventScheduleModified, Event{Schedule: id, Source: source, Detail: t.String()})
	}
	if toggled {
		typ := EventScheduleDisabled
		if *u.Enabled {
			typ = EventScheduleEnabled
		}
		c.log.Info("schedule "+strings.TrimPrefix(typ, "schedule."), logx.String("id", id))
		c.publish(typ, Event{Schedule: id, Source: source})
	}
	return nil
}

// ModifySchedule replaces id's trigger in one step.
func (c *Collector) ModifySchedule(id string, t scheduler.Trigger) error {
	return c.UpdateSchedule(id, ScheduleUpdate{Trigger: &t})
}

// SetEnabled flips the enabled flag. Disabling holds one pause on the trigger
// until the schedule is enabled again.
func (c *Collector) SetEnabled(id string, enabled bool) error {
	return c.UpdateSchedule(id, ScheduleUpdate{Enabled: &enabled})
}

// ListSchedules returns a snapshot of every schedule, sorted by id.
func (c *Collector) ListSchedules() []ScheduleInfo {
	c.mu.RLock()
	out := make([]ScheduleInfo, 0, len(c.schedules))
	for id, st := range c.schedules {
		out = append(out, c.infoLocked(id, st))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Schedule returns one schedule's snapshot.
func (c *Collector) Schedule(id string) (ScheduleInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.schedules[id]
	if !ok {
		return ScheduleInfo{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return c.infoLocked(id, st), nil
}

func (c *Collector) infoLocked(id string, st *schedule) ScheduleInfo {
	info := ScheduleInfo{
		ID:              id,
		Description:     st.def.Description,
		Trigger:         st.def.Trigger.String(),
		Device:          st.def.Device.String(),
		Enabled:         st.def.Enabled,
		Paused:          c.triggers.Paused(id),
		Running:         st.state.Busy(),
		DefaultTemplate: st.def.DefaultTemplate,
		Templates:       templateNames(st.def.Templates),
		Source:          st.def.Source,
		Records:         c.history.Len(id),
		Created:         st.created,
		Descriptor:      st.def.Device,
	}
	if next, ok := c.triggers.Next(id); ok && !next.IsZero() {
		info.Next = &next
	}
	return info
}

func templateNames(m map[string]Template) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Templates returns id's templates sorted by name.
func (c *Collector) Templates(id string) ([]Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	out := make([]Template, 0, len(st.def.Templates))
	for _, name := range templateNames(st.def.Templates) {
		out = append(out, st.def.Templates[name])
	}
	return out, nil
}

func (c *Collector) Template(id, name string) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.schedules[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	tpl, ok := st.def.Templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, id, name)
	}
	return tpl, nil
}

// History returns id's buffered records, oldest first.
func (c *Collector) History(id string) ([]decoder.Record, error) {
	if err := c.mustExist(id); err != nil {
		return nil, err
	}
	recs := c.history.Get(id)
	if recs == nil {
		recs = []decoder.Record{}
	}
	return recs, nil
}

// HistoryAt returns one buffered record. Negative indexes count back from the
// newest.
func (c *Collector) HistoryAt(id string, index int) (decoder.Record, error) {
	if err := c.mustExist(id); err != nil {
		return decoder.Record{}, err
	}
	rec, ok := c.history.At(id, index)
	if !ok {
		return decoder.Record{}, fmt.Errorf("%w: %s[%d]", ErrRecordNotFound, id, index)
	}
	return rec, nil
}

// LastFetch returns the most recent scheduled record for id.
func (c *Collector) LastFetch(id string) (decoder.Record, error) {
	if err := c.mustExist(id); err != nil {
		return decoder.Record{}, err
	}
	rec, ok := c.history.LastFetch(id)
	if !ok {
		return decoder.Record{}, fmt.Errorf("%w: %s has no data yet", ErrRecordNotFound, id)
	}
	return rec, nil
}

// HistoryCapacity is the per-schedule ring size.
func (c *Collector) HistoryCapacity() int { return c.history.Capacity() }

func (c *Collector) mustExist(id string) error {
	c.mu.RLock()
	_, ok := c.schedules[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}
