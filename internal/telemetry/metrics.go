package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpsd"

// Metrics holds the Prometheus collectors for the orchestration engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dispatches *prometheus.CounterVec
	jobs       *prometheus.CounterVec
	jobTime    *prometheus.HistogramVec

	hypervisorCalls *prometheus.CounterVec
	hypervisorTime  *prometheus.HistogramVec

	queueDepth     prometheus.Gauge
	violations     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	staleTransient prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Lifecycle action requests by action and result.",
			},
			[]string{"action", "result"},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Completed jobs by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		jobTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time from enqueue to reconciliation.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"action"},
		),
		hypervisorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hypervisor_calls_total",
				Help:      "Hypervisor API attempts by hypervisor, operation and result.",
			},
			[]string{"hypervisor", "operation", "result"},
		),
		hypervisorTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hypervisor_call_duration_seconds",
				Help:      "Duration of hypervisor API attempts.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"hypervisor", "operation"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_invariant_violations_total",
				Help:      "Reconcile writes whose expected status no longer matched.",
			},
			[]string{"action"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		staleTransient: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_transient_servers",
			Help:      "Servers stuck in a transient status longer than stale_after.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches,
		m.jobs,
		m.jobTime,
		m.hypervisorCalls,
		m.hypervisorTime,
		m.queueDepth,
		m.violations,
		m.httpRequests,
		m.staleTransient,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDispatch counts a dispatch attempt. result is "accepted" or an
// error code such as "conflict".
func (m *Metrics) RecordDispatch(action, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(action, result).Inc()
}

// RecordJob counts a reconciled job and observes its total duration.
func (m *Metrics) RecordJob(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(action, outcome).Inc()
	m.jobTime.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RecordHypervisorCall records one attempt against the hypervisor API.
func (m *Metrics) RecordHypervisorCall(hypervisor, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.hypervisorCalls.WithLabelValues(hypervisor, operation, result).Inc()
	m.hypervisorTime.WithLabelValues(hypervisor, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordInvariantViolation(action string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetStaleTransient(n int) {
	if m == nil {
		return
	}
	m.staleTransient.Set(float64(n))
}
