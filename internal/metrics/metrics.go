// Package metrics exposes Prometheus metrics for sessions, workers,
// filters, and authentication. Grounded on the teacher's
// internal/metrics/metrics.go: a private *prometheus.Registry holding a
// fixed set of Vec metrics constructed once in New, generalized from
// per-tenant pool metrics to per-listener/per-filter proxy-core metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric this proxy exports.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	authAttempts     *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	queriesRouted    *prometheus.CounterVec
	filterDiverted   *prometheus.CounterVec
	workerQueueDepth *prometheus.GaugeVec
	backendErrors    *prometheus.CounterVec
}

// New constructs and registers every metric on a fresh, private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mdbproxy_sessions_active",
				Help: "Number of active client sessions per listener",
			},
			[]string{"listener"},
		),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdbproxy_sessions_total",
				Help: "Total sessions accepted per listener",
			},
			[]string{"listener"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mdbproxy_session_duration_seconds",
				Help:    "Duration of a client session from handshake to close",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"listener"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdbproxy_auth_attempts_total",
				Help: "Authentication attempts per mechanism",
			},
			[]string{"mechanism"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdbproxy_auth_failures_total",
				Help: "Authentication failures per mechanism",
			},
			[]string{"mechanism"},
		),
		queriesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdbproxy_queries_routed_total",
				Help: "Queries routed per backend target",
			},
			[]string{"target"},
		),
		filterDiverted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdbproxy_filter_diverted_total",
				Help: "Queries a filter attached a routing hint to",
			},
			[]string{"filter"},
		),
		workerQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mdbproxy_worker_queue_depth",
				Help: "Pending tasks queued on a worker",
			},
			[]string{"worker"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdbproxy_backend_errors_total",
				Help: "Errors observed from a backend target",
			},
			[]string{"target"},
		),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.sessionDuration,
		c.authAttempts,
		c.authFailures,
		c.queriesRouted,
		c.filterDiverted,
		c.workerQueueDepth,
		c.backendErrors,
	)

	return c
}

func (c *Collector) SessionStarted(listener string) {
	c.sessionsActive.WithLabelValues(listener).Inc()
	c.sessionsTotal.WithLabelValues(listener).Inc()
}

func (c *Collector) SessionEnded(listener string, d time.Duration) {
	c.sessionsActive.WithLabelValues(listener).Dec()
	c.sessionDuration.WithLabelValues(listener).Observe(d.Seconds())
}

func (c *Collector) AuthAttempt(mechanism string) {
	c.authAttempts.WithLabelValues(mechanism).Inc()
}

func (c *Collector) AuthFailure(mechanism string) {
	c.authFailures.WithLabelValues(mechanism).Inc()
}

func (c *Collector) QueryRouted(target string) {
	c.queriesRouted.WithLabelValues(target).Inc()
}

func (c *Collector) FilterDiverted(filter string) {
	c.filterDiverted.WithLabelValues(filter).Inc()
}

func (c *Collector) SetWorkerQueueDepth(worker string, depth int) {
	c.workerQueueDepth.WithLabelValues(worker).Set(float64(depth))
}

func (c *Collector) BackendError(target string) {
	c.backendErrors.WithLabelValues(target).Inc()
}
