package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "modcollect/pkg/logx"
)

var (
	ErrExists   = errors.New("schedule already registered")
	ErrNotFound = errors.New("schedule not registered")
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// StartupSpread caps a random delay added to the first run of interval
	// triggers, so many schedules registered together do not fire in lockstep.
	// 0 disables it.
	StartupSpread time.Duration
}

type TriggerKind string

const (
	KindInterval TriggerKind = "interval"
	KindCron     TriggerKind = "cron"
	KindDate     TriggerKind = "date"
)

// Trigger is a normalized schedule definition.
type Trigger struct {
	Kind  TriggerKind
	Every time.Duration // interval
	Cron  string        // cron expression, 5 or 6 fields, or a descriptor
	Dates []time.Time   // date
}

func (t Trigger) String() string {
	switch t.Kind {
	case KindInterval:
		return "interval[" + t.Every.String() + "]"
	case KindCron:
		return "cron[" + t.Cron + "]"
	case KindDate:
		parts := make([]string, len(t.Dates))
		for i, d := range t.Dates {
			parts[i] = d.Format(time.RFC3339)
		}
		return "date[" + strings.Join(parts, ",") + "]"
	default:
		return "invalid"
	}
}

// FireFunc is invoked on a scheduler goroutine when id's trigger is due. It
// must not block.
type FireFunc func(id string)

type entry struct {
	id      string
	trigger Trigger

	entryID cron.EntryID
	timers  []*time.Timer
	pending []time.Time // date triggers: dates not fired yet

	pauses int
	ver    uint64
	spread time.Duration
	prev   time.Time
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	fire   FireFunc

	entries map[string]*entry
}

type ScheduleInfo struct {
	ID      string
	Trigger Trigger
	Next    time.Time
	Prev    time.Time
	Paused  bool
	Pauses  int
	Spread  time.Duration
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}

func (t Trigger) validate(p cron.Parser) error {
	switch t.Kind {
	case KindInterval:
		if t.Every <= 0 {
			return fmt.Errorf("interval must be > 0")
		}
	case KindCron:
		if _, err := p.Parse(t.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", t.Cron, err)
		}
	case KindDate:
		if len(t.Dates) == 0 {
			return fmt.Errorf("date trigger needs at least one run date")
		}
	default:
		return fmt.Errorf("unknown trigger type %q", t.Kind)
	}
	return nil
}
