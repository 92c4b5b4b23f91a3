package config

import (
	"reflect"
	"sort"
	"strings"

	logx "modcollect/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// HTTP (never log the pprof token; a rotated token still counts as a change)
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		nh := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.disabled", nh.Disabled),
			logx.Int("http.cors_origins", len(nh.CORSOrigins)),
			logx.Bool("http.pprof", nh.Pprof.Enabled),
			logx.Bool("http.pprof_token_set", strings.TrimSpace(nh.Pprof.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.startup_spread", strings.TrimSpace(newCfg.Scheduler.StartupSpread)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Collector, newCfg.Collector) {
		changed = append(changed, "collector")
		attrs = append(attrs,
			logx.Int("collector.history_size", newCfg.Collector.HistorySize),
			logx.String("collector.on_demand_timeout", strings.TrimSpace(newCfg.Collector.OnDemandTimeout)),
			logx.String("collector.device_timeout", strings.TrimSpace(newCfg.Collector.DeviceTimeout)),
		)
	}

	// Storage (nil means disabled)
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.ScheduleFiles, newCfg.ScheduleFiles) {
		changed = append(changed, "schedule_files")
		attrs = append(attrs, logx.Int("schedule_files.count", len(newCfg.ScheduleFiles)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
