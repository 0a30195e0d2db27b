// ABOUTME: Prometheus metrics for admission decisions, sessions, audit health and HTTP traffic
// ABOUTME: Each Metrics owns its registry; a nil *Metrics is a valid no-op

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-gatekeeper/internal/money"
)

const namespace = "gatekeeper"

// Metrics holds the gatekeeper's collectors.
type Metrics struct {
	registry *prometheus.Registry

	admissions        *prometheus.CounterVec
	admissionDuration prometheus.Histogram
	replays           prometheus.Counter
	activeSessions    prometheus.Gauge
	rateBuckets       prometheus.Gauge
	evictions         prometheus.Counter
	recordedCost      prometheus.Counter
	auditFailures     *prometheus.CounterVec
	auditEntries      *prometheus.GaugeVec
	spendFlushErrors  prometheus.Gauge
	replayKeys        prometheus.Gauge

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors plus Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome and reason.",
		}, []string{"decision", "reason"}),
		admissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Time spent deciding an admission.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_replays_total",
			Help:      "Retried admissions that rejoined their original session.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Active sessions across all users.",
		}),
		rateBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_buckets",
			Help:      "Per-user rate buckets held in memory.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions expired to make room under the per-user cap.",
		}),
		recordedCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorded_cost_dollars_total",
			Help:      "Cost charged through RecordTurn, in dollars.",
		}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audit entries dropped or not persisted.",
		}, []string{"kind"}),
		auditEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_entries",
			Help:      "Audit entries handled since start, by outcome.",
		}, []string{"outcome"}),
		replayKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_cache_entries",
			Help:      "Request IDs held for retry binding.",
		}),
		spendFlushErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spend_flush_errors",
			Help:      "Users whose spend failed to persist in the last sweep.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions,
		m.admissionDuration,
		m.replays,
		m.activeSessions,
		m.rateBuckets,
		m.evictions,
		m.recordedCost,
		m.auditFailures,
		m.auditEntries,
		m.replayKeys,
		m.spendFlushErrors,
		m.httpInFlight,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAdmission counts one decision. reason is empty for allowed requests.
func (m *Metrics) ObserveAdmission(allowed bool, reason string, replayed bool, took time.Duration) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
		reason = "ok"
	}
	m.admissions.WithLabelValues(decision, reason).Inc()
	m.admissionDuration.Observe(took.Seconds())
	if replayed {
		m.replays.Inc()
	}
}

// SessionEvicted counts an LRU eviction.
func (m *Metrics) SessionEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// CostRecorded adds a recorded turn cost.
func (m *Metrics) CostRecorded(cost money.Amount) {
	if m == nil || cost <= 0 {
		return
	}
	m.recordedCost.Add(cost.Float())
}

// AuditFailure counts a dropped ("dropped") or unpersisted ("write") audit entry.
func (m *Metrics) AuditFailure(kind string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(kind).Inc()
}

// SetActiveSessions records the current active session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetRateBuckets records the current bucket count.
func (m *Metrics) SetRateBuckets(n int) {
	if m == nil {
		return
	}
	m.rateBuckets.Set(float64(n))
}

// SetSpendFlushErrors records flush failures from the latest sweep.
func (m *Metrics) SetSpendFlushErrors(n int) {
	if m == nil {
		return
	}
	m.spendFlushErrors.Set(float64(n))
}

// SetAuditEntries records the audit log's running totals.
func (m *Metrics) SetAuditEntries(written, failed, dropped uint64) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues("written").Set(float64(written))
	m.auditEntries.WithLabelValues("failed").Set(float64(failed))
	m.auditEntries.WithLabelValues("dropped").Set(float64(dropped))
}

// SetReplayKeys records how many request IDs the replay cache holds.
func (m *Metrics) SetReplayKeys(n int) {
	if m == nil {
		return
	}
	m.replayKeys.Set(float64(n))
}

// Instrument wraps an HTTP handler with request count, latency and in-flight
// metrics. The path label is the matched ServeMux pattern to bound cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
