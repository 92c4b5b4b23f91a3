package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "modcollect/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

type fireRecorder struct {
	mu    sync.Mutex
	fires map[string]int
	ch    chan string
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{fires: map[string]int{}, ch: make(chan string, 64)}
}

func (r *fireRecorder) fire(id string) {
	r.mu.Lock()
	r.fires[id]++
	r.mu.Unlock()
	select {
	case r.ch <- id:
	default:
	}
}

func (r *fireRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fires[id]
}

func (r *fireRecorder) wait(t *testing.T, id string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case got := <-r.ch:
			if got == id {
				return
			}
		case <-deadline:
			t.Fatalf("%s did not fire within %v", id, within)
		}
	}
}

func startService(t *testing.T, rec *fireRecorder) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), rec.fire)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestIntervalFires(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := startService(t, rec)

	if err := s.Add("poll", Trigger{Kind: KindInterval, Every: 50 * time.Millisecond}, false); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	rec.wait(t, "poll", 2*time.Second)
	rec.wait(t, "poll", 2*time.Second)

	next, ok := s.Next("poll")
	if !ok || next.IsZero() {
		t.Fatalf("Next(poll) = %v, %v, want a time", next, ok)
	}
}

func TestAddDuplicateAndValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)

	tr := Trigger{Kind: KindInterval, Every: time.Minute}
	if err := s.Add("a", tr, false); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := s.Add("a", tr, false); !errors.Is(err, ErrExists) {
		t.Fatalf("Add duplicate error = %v, want ErrExists", err)
	}
	if err := s.Add("b", Trigger{Kind: KindCron, Cron: "not a cron"}, false); err == nil {
		t.Fatalf("Add bad cron error = nil, want error")
	}
	if err := s.Add("c", Trigger{Kind: KindInterval}, false); err == nil {
		t.Fatalf("Add zero interval error = nil, want error")
	}
	if err := s.Add("", tr, false); err == nil {
		t.Fatalf("Add empty id error = nil, want error")
	}
	if s.Has("b") || s.Has("c") {
		t.Fatalf("invalid triggers were registered")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := startService(t, rec)

	if err := s.Add("x", Trigger{Kind: KindInterval, Every: 20 * time.Millisecond}, false); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if !s.Remove("x") {
		t.Fatalf("Remove(x) = false, want true")
	}
	if s.Remove("x") {
		t.Fatalf("second Remove(x) = true, want false")
	}
	if _, ok := s.Next("x"); ok {
		t.Fatalf("Next(x) ok after removal")
	}
	time.Sleep(100 * time.Millisecond)
	if n := rec.count("x"); n != 0 {
		t.Fatalf("removed schedule fired %d times", n)
	}
}

func TestPauseResumeNests(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := startService(t, rec)

	if err := s.Add("p", Trigger{Kind: KindInterval, Every: 20 * time.Millisecond}, false); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := s.Pause("p"); err != nil {
		t.Fatalf("Pause error = %v", err)
	}
	if err := s.Pause("p"); err != nil {
		t.Fatalf("Pause error = %v", err)
	}
	if next, _ := s.Next("p"); !next.IsZero() {
		t.Fatalf("Next while paused = %v, want zero", next)
	}

	before := rec.count("p")
	time.Sleep(100 * time.Millisecond)
	if err := s.Resume("p"); err != nil {
		t.Fatalf("Resume error = %v", err)
	}
	if !s.Paused("p") {
		t.Fatalf("Paused = false after one of two resumes")
	}
	if got := rec.count("p"); got != before {
		t.Fatalf("fired %d times while paused", got-before)
	}

	if err := s.Resume("p"); err != nil {
		t.Fatalf("Resume error = %v", err)
	}
	if s.Paused("p") {
		t.Fatalf("Paused = true after matching resumes")
	}
	rec.wait(t, "p", 2*time.Second)

	if err := s.Pause("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Pause(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAddPausedStartsSilent(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := startService(t, rec)

	if err := s.Add("off", Trigger{Kind: KindInterval, Every: 10 * time.Millisecond}, true); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if n := rec.count("off"); n != 0 {
		t.Fatalf("paused schedule fired %d times", n)
	}
	if err := s.Resume("off"); err != nil {
		t.Fatalf("Resume error = %v", err)
	}
	rec.wait(t, "off", 2*time.Second)
}

func TestRescheduleReplacesTrigger(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := startService(t, rec)

	if err := s.Add("r", Trigger{Kind: KindInterval, Every: time.Hour}, false); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := s.Reschedule("r", Trigger{Kind: KindInterval, Every: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Reschedule error = %v", err)
	}
	rec.wait(t, "r", 2*time.Second)

	if err := s.Reschedule("nope", Trigger{Kind: KindInterval, Every: time.Second}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reschedule(nope) error = %v, want ErrNotFound", err)
	}
}

func TestDateTriggerFiresOnce(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := startService(t, rec)

	at := time.Now().Add(30 * time.Millisecond)
	if err := s.Add("d", Trigger{Kind: KindDate, Dates: []time.Time{at}}, false); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if next, _ := s.Next("d"); !next.Equal(at) {
		t.Fatalf("Next(d) = %v, want %v", next, at)
	}
	rec.wait(t, "d", 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := rec.count("d"); n != 1 {
		t.Fatalf("date trigger fired %d times, want 1", n)
	}
	if next, ok := s.Next("d"); !ok || !next.IsZero() {
		t.Fatalf("Next(d) after run = %v, %v, want zero, true", next, ok)
	}
}

func TestDateSkippedWhilePaused(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := startService(t, rec)

	at := time.Now().Add(20 * time.Millisecond)
	if err := s.Add("d", Trigger{Kind: KindDate, Dates: []time.Time{at}}, true); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := s.Resume("d"); err != nil {
		t.Fatalf("Resume error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if n := rec.count("d"); n != 0 {
		t.Fatalf("past date fired %d times after resume", n)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	_ = s.Add("b", Trigger{Kind: KindCron, Cron: "*/5 * * * *"}, false)
	_ = s.Add("a", Trigger{Kind: KindInterval, Every: time.Minute}, true)

	snap := s.Snapshot()
	if snap.Running {
		t.Fatalf("Running = true before Start")
	}
	if snap.Timezone != "UTC" {
		t.Fatalf("Timezone = %q, want UTC", snap.Timezone)
	}
	if len(snap.Schedules) != 2 || snap.Schedules[0].ID != "a" || !snap.Schedules[0].Paused {
		t.Fatalf("Schedules = %+v, want sorted with a paused", snap.Schedules)
	}
}

func TestApplyTimezoneWhileFireInFlight(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	var s *Service
	s = New(Config{Timezone: "UTC"}, logx.Nop(), func(string) {
		select {
		case entered <- struct{}{}:
		default:
			return
		}
		<-proceed
		// the job needs the service lock while Apply is swapping crons
		_ = s.Location()
	})
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	if err := s.Add("poll", Trigger{Kind: KindInterval, Every: 20 * time.Millisecond}, false); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("poll did not fire")
	}

	applied := make(chan struct{})
	go func() {
		s.Apply(Config{Timezone: "Europe/Berlin"})
		close(applied)
	}()
	time.Sleep(50 * time.Millisecond)
	close(proceed)

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatalf("Apply(timezone change) did not return while a fire was in flight")
	}
	if got := s.Location().String(); got != "Europe/Berlin" {
		t.Fatalf("Location = %s, want Europe/Berlin", got)
	}
	if err := s.Pause("poll"); err != nil {
		t.Fatalf("Pause after Apply error = %v", err)
	}
}
