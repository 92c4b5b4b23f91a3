package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "modcollect/pkg/logx"
)

func New(cfg Config, log logx.Logger, fire FireFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if fire == nil {
		fire = func(string) {}
	}
	s := &Service{
		cfg:  cfg,
		log:  log,
		fire: fire,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Location is the zone naive catalog dates and cron fields are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if oldTZ == newTZ {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocationLocked()
	var stopped context.Context
	if s.c != nil {
		stopped = s.restartLocked()
	}
	s.mu.Unlock()

	// In-flight jobs of the old cron take s.mu in fireIfCurrent.
	if stopped != nil {
		<-stopped.Done()
	}
}

// Start starts cron triggering and arms date timers for every registered,
// unpaused schedule.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if e.pauses == 0 {
			s.armLocked(e)
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop stops cron triggering and all date timers. Registrations survive, so a
// later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		s.disarmTimersLocked(e)
		e.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// restartLocked swaps in a cron bound to the current location and re-arms
// every unpaused entry. The returned context is done once the old cron's
// running jobs return; callers must wait on it without holding s.mu.
func (s *Service) restartLocked() context.Context {
	stopped := s.c.Stop()
	for _, e := range s.entries {
		s.disarmTimersLocked(e)
		e.entryID = 0
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if e.pauses == 0 {
			s.armLocked(e)
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
	return stopped
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
