package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"modcollect/internal/catalog"
	"modcollect/internal/collector"
	"modcollect/internal/config"
	"modcollect/internal/device"
	"modcollect/internal/eventbus"
	"modcollect/internal/httpapi"
	"modcollect/internal/metrics"
	"modcollect/internal/procedure"
	rtsup "modcollect/internal/runtime/supervisor"
	"modcollect/internal/storage"
	"modcollect/internal/task/engine"
	"modcollect/internal/task/scheduler"
	logx "modcollect/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	engine  *engine.Service
	sched   *scheduler.Service
	col     *collector.Collector
	catalog *catalog.Watcher
	http    *httpapi.Service

	httpAddr string
}

// Options adjusts NewApp for callers that need to override parts of the
// file config (the CLI flags, tests).
type Options struct {
	// Device replaces the Modbus opener.
	Device device.Opener
	// HTTPAddr overrides http.addr when non-empty.
	HTTPAddr string
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if opts.HTTPAddr != "" {
		// keep the manager's copy pristine so reload diffs stay file-only
		c := *cfg
		c.HTTP.Addr = opts.HTTPAddr
		cfg = &c
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(reg)
	bus := eventbus.New(eventbus.WithDropHook(m.EventDropped))

	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	rc, _ := mapCollectorConfig(cfg)
	opener := opts.Device
	if opener == nil {
		opener = device.NewModbusOpener(rc.DeviceTimeout, log.With(logx.String("comp", "device")))
	}
	runner, err := procedure.NewRunner(opener, log.With(logx.String("comp", "procedure")), rc.ProgramCache)
	if err != nil {
		return nil, err
	}

	// The scheduler fires into the collector, which is built after it.
	var col *collector.Collector
	schedCfg, _ := mapSchedulerConfig(cfg)
	schedSvc := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), func(id string) {
		col.Dispatch(id)
	})

	col, err = collector.New(rc.Collector, collector.Deps{
		Log:      log,
		Bus:      bus,
		Metrics:  m,
		Triggers: schedSvc,
		Executor: engineSvc,
		Runner:   runner,
	})
	if err != nil {
		return nil, err
	}

	watcher := catalog.NewWatcher(cfg.ScheduleFiles, col, schedSvc.Location, log.With(logx.String("comp", "catalog")))

	api := &httpapi.API{
		Collector: col,
		Gatherer:  reg,
		Log:       log.With(logx.String("comp", "http")),
		Location:  schedSvc.Location,
	}
	if store != nil {
		api.Audit = store
	}
	httpCfg, _ := mapHTTPConfig(cfg)
	httpSvc := httpapi.New(httpCfg, api, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		engine:  engineSvc,
		sched:   schedSvc,
		col:     col,
		catalog: watcher,
		http:    httpSvc,

		httpAddr: opts.HTTPAddr,
	}, nil
}

func (a *App) Collector() *collector.Collector { return a.col }

// HTTPAddr is the REST listener address once it is up.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if a.store != nil {
		events, unsub := a.bus.Subscribe("audit", 256)
		a.sup.Go("audit.sink", func(c context.Context) error {
			defer unsub()
			runAuditSink(c, events, a.store, a.log.With(logx.String("comp", "audit")))
			return nil
		})
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe("log", 128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level to avoid noise for frequent schedules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Bus consumers are subscribed above so the initial sync's
	// schedule.added events reach the audit trail. A broken catalog at
	// startup is fatal; on reload it is only rejected.
	if _, err := a.catalog.Sync(); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("load schedules: %w", err)
	}

	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("catalog.watch", a.catalog.Run)

	notifySystemd(a.log, sdReady)
	a.log.Info("app started",
		logx.Int("schedules", len(a.col.ListSchedules())),
		logx.Int("schedule_files", len(a.catalog.Paths())),
		logx.Bool("http", a.http.Enabled()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "task_engine":
			if ec, err := mapTaskEngineConfig(next); err != nil {
				a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
			} else {
				a.engine.Apply(ctx, ec)
			}
		case "scheduler":
			if sc, err := mapSchedulerConfig(next); err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
			} else {
				a.sched.Apply(sc)
			}
		case "http":
			if hc, err := mapHTTPConfig(next); err != nil {
				a.log.Warn("invalid http config; keeping previous", logx.Err(err))
			} else {
				if a.httpAddr != "" {
					hc.Addr = a.httpAddr
				}
				a.http.Reconfigure(ctx, hc)
			}
		case "schedule_files":
			if a.catalog.SetPaths(next.ScheduleFiles) {
				if _, err := a.catalog.Sync(); err != nil {
					a.log.Warn("catalog reload failed; keeping previous schedules", logx.Err(err))
				}
			}
		case "storage", "collector":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// No new fires first; then drain executions and the API side by side.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.step(gctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
		return nil
	})
	g.Go(func() error {
		a.step(gctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
		return nil
	})
	_ = g.Wait()

	// Wait for supervised goroutines before closing the store the audit sink writes to.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
