package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "modcollect/pkg/logx"
)

// Validate reports whether t could be registered.
func (s *Service) Validate(t Trigger) error {
	return t.validate(s.parser)
}

// Add registers id with trigger t. A paused registration starts with one
// pause held, so a single Resume activates it.
func (s *Service) Add(id string, t Trigger, paused bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("schedule id required")
	}
	if err := t.validate(s.parser); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	e := &entry{id: id, trigger: t, ver: 1}
	e.pending = futureDates(t, time.Now())
	if paused {
		e.pauses = 1
	}
	s.entries[id] = e
	if s.c != nil && e.pauses == 0 {
		s.armLocked(e)
	}

	s.log.Info("schedule added",
		logx.String("id", id),
		logx.String("trigger", t.String()),
		logx.Bool("paused", paused),
		logx.String("next_runs", s.previewNextRunsLocked(e, 3)),
	)
	return nil
}

// Remove unregisters id. Removing an unknown id is a no-op that returns false.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.disarmLocked(e)
	e.ver++
	delete(s.entries, id)
	s.log.Info("schedule removed", logx.String("id", id))
	return true
}

// Reschedule swaps id's trigger in one step. Pause state is preserved.
func (s *Service) Reschedule(id string, t Trigger) error {
	if err := t.validate(s.parser); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.disarmLocked(e)
	e.ver++
	e.trigger = t
	e.pending = futureDates(t, time.Now())
	if s.c != nil && e.pauses == 0 {
		s.armLocked(e)
	}
	s.log.Info("schedule rescheduled", logx.String("id", id), logx.String("trigger", t.String()))
	return nil
}

// Pause suspends id's trigger. Pauses nest: each Pause needs its own Resume.
func (s *Service) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.pauses++
	if e.pauses == 1 {
		s.disarmLocked(e)
		e.ver++
		s.log.Debug("schedule paused", logx.String("id", id))
	}
	return nil
}

// Resume releases one pause. When the last pause is released the trigger is
// re-armed; interval triggers restart their period and past dates are skipped.
func (s *Service) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.pauses == 0 {
		return nil
	}
	e.pauses--
	if e.pauses == 0 {
		e.pending = futureDates(Trigger{Kind: e.trigger.Kind, Dates: e.pending}, time.Now())
		if s.c != nil {
			s.armLocked(e)
		}
		s.log.Debug("schedule resumed", logx.String("id", id))
	}
	return nil
}

// Paused reports whether id currently holds at least one pause.
func (s *Service) Paused(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.pauses > 0
}

// Has reports whether id is registered.
func (s *Service) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Next returns id's next fire time. ok is false for unknown ids; a zero time
// means nothing is due (paused, stopped, or a date trigger that has run out).
func (s *Service) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return s.nextLocked(e), true
}

func (s *Service) nextLocked(e *entry) time.Time {
	if s.c == nil || e.pauses > 0 {
		return time.Time{}
	}
	if e.trigger.Kind == KindDate {
		if len(e.pending) == 0 {
			return time.Time{}
		}
		return e.pending[0]
	}
	if e.entryID == 0 {
		return time.Time{}
	}
	return s.c.Entry(e.entryID).Next
}

// armLocked registers e with cron or its date timers. Call with s.mu held and
// s.c non-nil.
func (s *Service) armLocked(e *entry) {
	ver := e.ver
	id := e.id

	switch e.trigger.Kind {
	case KindInterval:
		sched, jitter := makeIntervalSchedule(e.trigger.Every, s.cfg.StartupSpread, time.Now().In(s.loc), id)
		e.spread = jitter
		e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fireIfCurrent(id, ver, time.Time{}) }))
	case KindCron:
		sched, err := s.parser.Parse(e.trigger.Cron)
		if err != nil {
			s.log.Warn("cron parse failed", logx.String("id", id), logx.Err(err))
			return
		}
		e.spread = 0
		e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fireIfCurrent(id, ver, time.Time{}) }))
	case KindDate:
		for _, at := range e.pending {
			at := at
			delay := time.Until(at)
			if delay < 0 {
				delay = 0
			}
			e.timers = append(e.timers, time.AfterFunc(delay, func() { s.fireIfCurrent(id, ver, at) }))
		}
	}
}

func (s *Service) disarmLocked(e *entry) {
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
	s.disarmTimersLocked(e)
}

func (s *Service) disarmTimersLocked(e *entry) {
	for _, t := range e.timers {
		_ = t.Stop()
	}
	e.timers = nil
}

// fireIfCurrent drops callbacks from a trigger that was paused, replaced or
// removed after the callback was scheduled.
func (s *Service) fireIfCurrent(id string, ver uint64, at time.Time) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.ver != ver || e.pauses > 0 || s.c == nil {
		s.mu.Unlock()
		return
	}
	if !at.IsZero() {
		for i, p := range e.pending {
			if p.Equal(at) {
				e.pending = append(e.pending[:i:i], e.pending[i+1:]...)
				break
			}
		}
	}
	e.prev = time.Now()
	fire := s.fire
	s.mu.Unlock()

	fire(id)
}

func futureDates(t Trigger, now time.Time) []time.Time {
	if t.Kind != KindDate {
		return nil
	}
	out := make([]time.Time, 0, len(t.Dates))
	for _, d := range t.Dates {
		if d.After(now) {
			out = append(out, d)
		}
	}
	return out
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run
// times. Call with s.mu held.
func (s *Service) previewNextRunsLocked(e *entry, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	var next func(time.Time) time.Time
	switch e.trigger.Kind {
	case KindInterval:
		next = intervalSchedule{every: e.trigger.Every}.Next
	case KindCron:
		sched, err := s.parser.Parse(e.trigger.Cron)
		if err != nil {
			return ""
		}
		next = sched.Next
	case KindDate:
		next = func(t time.Time) time.Time {
			for _, d := range e.pending {
				if d.After(t) {
					return d
				}
			}
			return time.Time{}
		}
	default:
		return ""
	}

	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
