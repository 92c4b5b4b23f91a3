// Package metrics exposes Prometheus collectors for the collector runtime.
//
// All methods are safe on a nil *Metrics, so components can be built without
// a registry in tests.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modcollect"

// Metrics holds the collectors reported by the collector and its executor.
type Metrics struct {
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	onDemand       *prometheus.CounterVec
	degradedFields *prometheus.CounterVec
	schedules      prometheus.Gauge
	historyRecords prometheus.Gauge
	eventsDropped  *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg (the default registerer when
// nil). Collectors already registered under the same name are reused, so
// building several collectors against one registry does not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "runs_total",
			Help:      "Scheduled acquisition runs by outcome.",
		}, []string{"schedule", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "run_duration_seconds",
			Help:      "Time spent acquiring and decoding one payload.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"schedule"}),
		onDemand: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "on_demand_total",
			Help:      "On-demand procedure calls by outcome.",
		}, []string{"result"}),
		degradedFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "degraded_fields_total",
			Help:      "Fields decoded to a placeholder because data was missing or malformed.",
		}, []string{"schedule"}),
		schedules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "schedules",
			Help:      "Registered schedules.",
		}),
		historyRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "records",
			Help:      "Records buffered across all schedules.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "dropped_events_total",
			Help:      "Events a subscriber missed because its buffer was full.",
		}, []string{"subscriber", "type"}),
	}

	m.runs = register(reg, m.runs)
	m.runDuration = register(reg, m.runDuration)
	m.onDemand = register(reg, m.onDemand)
	m.degradedFields = register(reg, m.degradedFields)
	m.schedules = register(reg, m.schedules)
	m.historyRecords = register(reg, m.historyRecords)
	m.eventsDropped = register(reg, m.eventsDropped)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveRun records one scheduled run. result is "ok", "error" or "skipped".
func (m *Metrics) ObserveRun(schedule, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(schedule, result).Inc()
	if d > 0 {
		m.runDuration.WithLabelValues(schedule).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveOnDemand(result string) {
	if m == nil {
		return
	}
	m.onDemand.WithLabelValues(result).Inc()
}

func (m *Metrics) AddDegraded(schedule string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.degradedFields.WithLabelValues(schedule).Add(float64(n))
}

func (m *Metrics) SetSchedules(n int) {
	if m == nil {
		return
	}
	m.schedules.Set(float64(n))
}

func (m *Metrics) SetHistoryRecords(n int) {
	if m == nil {
		return
	}
	m.historyRecords.Set(float64(n))
}

// EventDropped counts a bus event a slow subscriber missed.
func (m *Metrics) EventDropped(subscriber, eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(subscriber, eventType).Inc()
}

// Forget drops per-schedule series once a schedule is removed.
func (m *Metrics) Forget(schedule string) {
	if m == nil {
		return
	}
	m.runs.DeletePartialMatch(prometheus.Labels{"schedule": schedule})
	m.runDuration.DeletePartialMatch(prometheus.Labels{"schedule": schedule})
	m.degradedFields.DeletePartialMatch(prometheus.Labels{"schedule": schedule})
}
