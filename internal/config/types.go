package config

// Config is the process configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); defaults are applied by the app layer.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	HTTP       HTTPConfig        `json:"http"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Collector  CollectorConfig   `json:"collector"`
	Storage    *StorageConfig    `json:"storage,omitempty"`

	// ScheduleFiles are catalogs loaded at startup and reloaded on change.
	// Relative paths resolve against the config file's directory.
	ScheduleFiles []string `json:"schedule_files,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the REST server.
//
// Example:
//
//	"http": { "addr": "127.0.0.1:8080", "cors_origins": ["*"] }
type HTTPConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Addr     string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	CORSOrigins []string    `json:"cors_origins,omitempty"`
	Pprof       PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts net/http/pprof under /debug/pprof on the REST server.
//
// Security note: set a token when the server listens on a non-loopback
// address.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	// Trigger timezone; naive catalog dates and cron fields use it.
	Timezone string `json:"timezone,omitempty"`
	// StartupSpread caps a random first-run delay for interval triggers.
	StartupSpread string `json:"startup_spread,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs acquisitions.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// CollectorConfig controls acquisition and history.
type CollectorConfig struct {
	HistorySize     int    `json:"history_size,omitempty"`      // default 60
	OnDemandTimeout string `json:"on_demand_timeout,omitempty"` // default "10s"
	PollInterval    string `json:"poll_interval,omitempty"`     // default "250ms"
	RunTimeout      string `json:"run_timeout,omitempty"`
	DeviceTimeout   string `json:"device_timeout,omitempty"` // default "3s"
	ProgramCache    int    `json:"program_cache,omitempty"`  // compiled scripts kept
	FailureLogEvery string `json:"failure_log_every,omitempty"`
}

// StorageConfig controls the optional audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./modcollect.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxEntries  int    `json:"max_entries,omitempty"`  // sqlite
}
