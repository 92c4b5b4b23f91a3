package collector

import (
	"time"

	"modcollect/internal/decoder"
	"modcollect/internal/device"
	"modcollect/internal/procedure"
	"modcollect/internal/task/scheduler"
)

// Source tags who owns a schedule. Catalog reloads only touch their own.
type Source string

const (
	SourceFile Source = "file"
	SourceAPI  Source = "api"
)

// Config controls the collector.
type Config struct {
	// HistorySize is the per-schedule ring capacity.
	HistorySize int

	// OnDemandTimeout bounds the wait for an in-flight run when the caller
	// passes no timeout.
	OnDemandTimeout time.Duration

	// PollInterval is how often RunOnDemand re-checks the in-flight gate.
	PollInterval time.Duration

	// RunTimeout bounds one scheduled run; 0 uses the engine default.
	RunTimeout time.Duration

	// FailureLogEvery and FailureLogBurst rate limit warnings for repeated
	// acquisition failures of one schedule.
	FailureLogEvery time.Duration
	FailureLogBurst int
}

const (
	DefaultHistorySize     = 60
	DefaultOnDemandTimeout = 10 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
)

func withDefaults(cfg Config) Config {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.OnDemandTimeout <= 0 {
		cfg.OnDemandTimeout = DefaultOnDemandTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FailureLogEvery <= 0 {
		cfg.FailureLogEvery = time.Minute
	}
	if cfg.FailureLogBurst <= 0 {
		cfg.FailureLogBurst = 1
	}
	return cfg
}

// Template pairs an acquisition procedure with the fields used to decode its
// payload.
type Template struct {
	Name      string              `json:"name"`
	Procedure procedure.Procedure `json:"procedure"`
	Fields    []decoder.Field     `json:"fields"`
}

// ScheduleDef describes a schedule to register.
type ScheduleDef struct {
	ID              string
	Trigger         scheduler.Trigger
	Device          device.Descriptor
	Templates       map[string]Template
	DefaultTemplate string
	Enabled         bool
	Description     string
	Source          Source
}

// ScheduleInfo is a point-in-time view of one schedule.
type ScheduleInfo struct {
	ID              string            `json:"id"`
	Description     string            `json:"description,omitempty"`
	Trigger         string            `json:"trigger"`
	Device          string            `json:"device"`
	Next            *time.Time        `json:"next_run_time"`
	Enabled         bool              `json:"enabled"`
	Paused          bool              `json:"paused"`
	Running         bool              `json:"running"`
	DefaultTemplate string            `json:"default_template"`
	Templates       []string          `json:"templates"`
	Source          Source            `json:"source"`
	Records         int               `json:"records"`
	Created         time.Time         `json:"created"`
	Descriptor      device.Descriptor `json:"-"`
}
