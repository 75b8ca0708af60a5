// Package metrics holds the Prometheus collectors for the relay.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookline"

type Metrics struct {
	gatherer prometheus.Gatherer

	requestsTotal      *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	dispatchErrors     *prometheus.CounterVec
	auditWrites        *prometheus.CounterVec
	replayRequests     *prometheus.CounterVec
	rateLimitRejection prometheus.Counter
	breakerTransitions *prometheus.CounterVec
	housekeepingRows   prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Inbound proxy requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of outbound forwards, body included",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		dispatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "dispatch_errors_total",
				Help:      "Outbound forwards that failed before a response was read",
			},
			[]string{"kind"},
		),
		auditWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "writes_total",
				Help:      "Audit record writes by result",
			},
			[]string{"result"},
		),
		replayRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replay",
				Name:      "requests_total",
				Help:      "Manual retries by result",
			},
			[]string{"result"},
		),
		rateLimitRejection: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Inbound requests rejected by the per-route rate limit",
			},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions per destination host",
			},
			[]string{"host", "from", "to"},
		),
		housekeepingRows: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "housekeeping",
				Name:      "deleted_rows_total",
				Help:      "Exchanges removed by the retention sweeper",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) DispatchError(kind string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) AuditWrite(result string) {
	if m == nil {
		return
	}
	m.auditWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) Replay(result string) {
	if m == nil {
		return
	}
	m.replayRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejection.Inc()
}

func (m *Metrics) BreakerTransition(host, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(host, from, to).Inc()
}

func (m *Metrics) HousekeepingDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.housekeepingRows.Add(float64(n))
}
