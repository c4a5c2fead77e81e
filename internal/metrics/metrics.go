// Package metrics provides Prometheus metrics for the orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenantctl"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Lifecycle
	Signups     prometheus.Counter
	Transitions *prometheus.CounterVec

	// Allocation
	AllocationConflicts *prometheus.CounterVec
	AllocationFailures  *prometheus.CounterVec

	// Pipeline
	PipelineRuns  *prometheus.CounterVec
	StepDurations *prometheus.HistogramVec

	// Sweeper
	SweepActions  *prometheus.CounterVec
	SweepFailures *prometheus.CounterVec

	// Collaborators
	ProxyReloads  *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// New registers every metric with reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		Signups: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signups_total",
				Help:      "Accepted signup requests",
			},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Tenant state transitions",
			},
			[]string{"from", "to"},
		),

		AllocationConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocation_conflicts_total",
				Help:      "Commit conflicts that forced an allocation retry",
			},
			[]string{"resource"},
		),
		AllocationFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocation_failures_total",
				Help:      "Allocation requests that failed",
			},
			[]string{"resource", "reason"},
		),

		PipelineRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Provisioning pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		StepDurations: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_step_duration_seconds",
				Help:      "Provisioning step duration in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"step", "outcome"},
		),

		SweepActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_actions_total",
				Help:      "Actions taken by sweeper jobs",
			},
			[]string{"job", "action"},
		),
		SweepFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_failures_total",
				Help:      "Per-tenant sweeper failures",
			},
			[]string{"job"},
		),

		ProxyReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_reloads_total",
				Help:      "Reverse proxy reloads by outcome",
			},
			[]string{"outcome"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification deliveries by event and outcome",
			},
			[]string{"event", "outcome"},
		),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) Signup() {
	if m == nil {
		return
	}
	m.Signups.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) AllocationConflict(resource string) {
	if m == nil {
		return
	}
	m.AllocationConflicts.WithLabelValues(resource).Inc()
}

func (m *Metrics) AllocationFailure(resource, reason string) {
	if m == nil {
		return
	}
	m.AllocationFailures.WithLabelValues(resource, reason).Inc()
}

func (m *Metrics) PipelineRun(outcome string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StepDuration(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDurations.WithLabelValues(step, outcome).Observe(d.Seconds())
}

func (m *Metrics) SweepAction(job, action string) {
	if m == nil {
		return
	}
	m.SweepActions.WithLabelValues(job, action).Inc()
}

func (m *Metrics) SweepFailure(job string) {
	if m == nil {
		return
	}
	m.SweepFailures.WithLabelValues(job).Inc()
}

func (m *Metrics) ProxyReload(outcome string) {
	if m == nil {
		return
	}
	m.ProxyReloads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notification(event, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(event, outcome).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
