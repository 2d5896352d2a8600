package tapak

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle.
// A nil collector records nothing. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	sendsTotal   *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec

	refreshesTotal        *prometheus.CounterVec
	sessionInvalidations  prometheus.Counter
	deduplicationHits     *prometheus.CounterVec
	throttleWait          prometheus.Histogram
	errorsTotal           *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a collector on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
}

// NewMetricsCollectorWithRegistry creates a collector registered on registry.
func NewMetricsCollectorWithRegistry(registry *prometheus.Registry) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapak_requests_total",
				Help: "Total number of logical requests by outcome",
			},
			[]string{"method", "path", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tapak_request_duration_seconds",
				Help:    "Duration of logical requests including retries, in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "outcome"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapak_requests_in_flight",
				Help: "Number of logical requests currently in flight",
			},
			[]string{"method", "path"},
		),
		sendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapak_sends_total",
				Help: "Total number of physical sends handed to the transport",
			},
			[]string{"method", "path"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapak_retries_total",
				Help: "Total number of internal retries by reason",
			},
			[]string{"method", "path", "reason"},
		),
		refreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapak_refreshes_total",
				Help: "Total number of session refresh calls by result",
			},
			[]string{"result"},
		),
		sessionInvalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tapak_session_invalidations_total",
				Help: "Total number of sessions ended after a failed refresh",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapak_deduplication_hits_total",
				Help: "Total number of requests served by an identical in-flight request",
			},
			[]string{"method", "path"},
		),
		throttleWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tapak_throttle_wait_seconds",
				Help:    "Time spent waiting on the throttle gate before a send",
				Buckets: []float64{0, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapak_errors_total",
				Help: "Total number of failed logical requests by kind",
			},
			[]string{"kind", "method", "path"},
		),
		registry: registry,
	}

	return mc
}

// RecordRequest counts a finished request and observes its latency under the
// normalized path.
func (mc *MetricsCollector) RecordRequest(method, path, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	path = metricPath(path)
	mc.requestsTotal.WithLabelValues(method, path, outcome).Inc()
	mc.requestDuration.WithLabelValues(method, path, outcome).Observe(duration.Seconds())
}

// RecordRequestStart marks a send as in flight.
func (mc *MetricsCollector) RecordRequestStart(method, path string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, metricPath(path)).Inc()
}

// RecordRequestEnd is the counterpart of RecordRequestStart.
func (mc *MetricsCollector) RecordRequestEnd(method, path string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, metricPath(path)).Dec()
}

// RecordSend counts a physical send.
func (mc *MetricsCollector) RecordSend(method, path string) {
	if mc == nil {
		return
	}

	mc.sendsTotal.WithLabelValues(method, metricPath(path)).Inc()
}

// RecordRetry counts an internal retry; reason is "rate_limited" or "refreshed".
func (mc *MetricsCollector) RecordRetry(method, path, reason string) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, metricPath(path), reason).Inc()
}

// RecordRefresh counts a refresh call; result is "success" or "failure".
func (mc *MetricsCollector) RecordRefresh(result string) {
	if mc == nil {
		return
	}

	mc.refreshesTotal.WithLabelValues(result).Inc()
}

// RecordSessionInvalidated counts a session ended by the client.
func (mc *MetricsCollector) RecordSessionInvalidated() {
	if mc == nil {
		return
	}

	mc.sessionInvalidations.Inc()
}

// RecordDeduplicationHit counts a caller that joined an existing send.
func (mc *MetricsCollector) RecordDeduplicationHit(method, path string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(method, metricPath(path)).Inc()
}

// RecordThrottleWait observes time spent on the throttle gate.
func (mc *MetricsCollector) RecordThrottleWait(d time.Duration) {
	if mc == nil {
		return
	}

	mc.throttleWait.Observe(d.Seconds())
}

// RecordError increments error counter by kind.
func (mc *MetricsCollector) RecordError(kind ErrorKind, method, path string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(string(kind), method, metricPath(path)).Inc()
}

// GetRegistry returns the registry to mount behind promhttp.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

// metricPath drops the query string to keep label cardinality bounded.
func metricPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx != -1 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	return path
}
