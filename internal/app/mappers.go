package app

import (
	"fmt"
	"strings"
	"time"

	"modcollect/internal/collector"
	"modcollect/internal/config"
	"modcollect/internal/httpapi"
	"modcollect/internal/storage"
	"modcollect/internal/task/engine"
	"modcollect/internal/task/scheduler"
	logx "modcollect/pkg/logx"
)

const (
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultEngineHistory = 200
	defaultDeviceTimeout = 3 * time.Second
	defaultProgramCache  = 128
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Workers:     defaultWorkers,
		QueueSize:   defaultQueueSize,
		HistorySize: defaultEngineHistory,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	spread, err := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: tz, StartupSpread: spread}, nil
}

// runtimeConfig holds the collector-side settings that are fixed for the
// life of the process.
type runtimeConfig struct {
	Collector     collector.Config
	DeviceTimeout time.Duration
	ProgramCache  int
}

func mapCollectorConfig(cfg *config.Config) (runtimeConfig, error) {
	cc := cfg.Collector
	if cc.HistorySize < 0 {
		return runtimeConfig{}, fmt.Errorf("collector.history_size must be >= 0")
	}
	if cc.ProgramCache < 0 {
		return runtimeConfig{}, fmt.Errorf("collector.program_cache must be >= 0")
	}
	out := runtimeConfig{
		Collector:    collector.Config{HistorySize: cc.HistorySize},
		ProgramCache: cc.ProgramCache,
	}
	if out.ProgramCache == 0 {
		out.ProgramCache = defaultProgramCache
	}
	var err error
	if out.Collector.OnDemandTimeout, err = config.ParseDurationOrDefault("collector.on_demand_timeout", cc.OnDemandTimeout, collector.DefaultOnDemandTimeout); err != nil {
		return runtimeConfig{}, err
	}
	if out.Collector.PollInterval, err = config.ParseDurationOrDefault("collector.poll_interval", cc.PollInterval, collector.DefaultPollInterval); err != nil {
		return runtimeConfig{}, err
	}
	if out.Collector.RunTimeout, err = config.ParseDurationField("collector.run_timeout", cc.RunTimeout); err != nil {
		return runtimeConfig{}, err
	}
	if out.Collector.FailureLogEvery, err = config.ParseDurationOrDefault("collector.failure_log_every", cc.FailureLogEvery, time.Minute); err != nil {
		return runtimeConfig{}, err
	}
	if out.DeviceTimeout, err = config.ParseDurationOrDefault("collector.device_timeout", cc.DeviceTimeout, defaultDeviceTimeout); err != nil {
		return runtimeConfig{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if sc.MaxEntries < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.max_entries must be >= 0")
	}

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxEntries: sc.MaxEntries}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled: !hc.Disabled,
		Addr:    strings.TrimSpace(hc.Addr),
		Router: httpapi.RouterConfig{
			CORSOrigins: hc.CORSOrigins,
			Pprof: httpapi.PprofConfig{
				Enabled:              hc.Pprof.Enabled,
				Token:                hc.Pprof.Token,
				MutexProfileFraction: hc.Pprof.MutexProfileFraction,
				BlockProfileRate:     hc.Pprof.BlockProfileRate,
			},
		},
	}
	if out.Addr == "" {
		out.Addr = httpapi.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// on-demand calls may wait for an in-flight run plus their own acquisition
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 2*time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 3*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// validateConfig runs every mapper so a bad hot reload is rejected before
// anything is applied.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCollectorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
