package catalog

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"modcollect/internal/collector"
	"modcollect/internal/config"
	logx "modcollect/pkg/logx"
)

// Reconciler is the collector side of a catalog sync.
type Reconciler interface {
	Reconcile(source collector.Source, defs []collector.ScheduleDef) collector.ReconcileResult
}

// Watcher loads a set of catalog files into a Reconciler and re-syncs when
// any of them changes. A catalog that fails to parse or build is rejected as
// a whole; the schedules from the last good sync stay in place.
type Watcher struct {
	target Reconciler
	loc    func() *time.Location
	log    logx.Logger

	mu      sync.Mutex
	paths   []string
	restart chan struct{}

	syncMu sync.Mutex
}

func NewWatcher(paths []string, target Reconciler, loc func() *time.Location, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	return &Watcher{
		target: target,
		loc:    loc,
		log:    log,
		paths:  cleanPaths(paths),
	}
}

func cleanPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

// SetPaths replaces the watched file set. It reports whether the set
// changed; callers should Sync afterwards.
func (w *Watcher) SetPaths(paths []string) bool {
	next := cleanPaths(paths)
	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Equal(w.paths, next) {
		return false
	}
	w.paths = next
	if w.restart != nil {
		close(w.restart)
		w.restart = nil
	}
	return true
}

// Sync loads every catalog and reconciles the file-owned schedules.
func (w *Watcher) Sync() (collector.ReconcileResult, error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	paths := w.Paths()
	f, err := LoadAll(paths)
	if err != nil {
		return collector.ReconcileResult{}, err
	}
	defs, err := f.Build(w.loc())
	if err != nil {
		return collector.ReconcileResult{}, err
	}
	res := w.target.Reconcile(collector.SourceFile, defs)

	for id, ferr := range res.Failed {
		w.log.Warn("catalog schedule rejected", logx.String("schedule", id), logx.Err(ferr))
	}
	if res.Changed() {
		w.log.Info("catalog synced",
			logx.Int("files", len(paths)),
			logx.Int("added", len(res.Added)),
			logx.Int("removed", len(res.Removed)),
			logx.Int("modified", len(res.Modified)),
			logx.Int("replaced", len(res.Replaced)),
			logx.Int("failed", len(res.Failed)),
		)
	} else {
		w.log.Debug("catalog synced (no changes)", logx.Int("files", len(paths)))
	}
	if len(res.Failed) > 0 {
		return res, errors.New("catalog: some schedules were rejected")
	}
	return res, nil
}

func (w *Watcher) reload() {
	if _, err := w.Sync(); err != nil {
		w.log.Warn("catalog reload failed; keeping previous schedules", logx.Err(err))
	}
}

// Run watches the current file set until ctx is done, restarting the
// watchers whenever SetPaths changes the set.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		w.mu.Lock()
		paths := append([]string(nil), w.paths...)
		restart := make(chan struct{})
		w.restart = restart
		w.mu.Unlock()

		rctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(rctx)
		for _, p := range paths {
			p := p
			g.Go(func() error {
				return config.WatchFile(gctx, p, config.DefaultDebounce, w.log, w.reload)
			})
		}

		select {
		case <-ctx.Done():
			cancel()
			_ = g.Wait()
			return nil
		case <-restart:
			cancel()
			_ = g.Wait()
			w.log.Debug("catalog file set changed; restarting watchers")
		}
	}
}
