package tapak

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricValue sums counter, gauge, or histogram-count samples of name whose
// labels include want.
func metricValue(t *testing.T, registry *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() returned error: %v", err)
	}

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string)
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			matched := true
			for k, v := range want {
				if labels[k] != v {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestNewMetricsCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	if collector == nil {
		t.Fatal("NewMetricsCollectorWithRegistry() returned nil")
	}

	if collector.requestsTotal == nil {
		t.Error("requestsTotal metric not initialized")
	}

	if collector.sendsTotal == nil {
		t.Error("sendsTotal metric not initialized")
	}

	if collector.refreshesTotal == nil {
		t.Error("refreshesTotal metric not initialized")
	}

	if collector.deduplicationHits == nil {
		t.Error("deduplicationHits metric not initialized")
	}

	if collector.GetRegistry() != registry {
		t.Error("GetRegistry() returned wrong registry")
	}
}

func TestRecordRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	collector.RecordRequest("GET", "/tasks?status=active", "success", 150*time.Millisecond)
	collector.RecordRequest("GET", "/tasks?status=done", "success", 50*time.Millisecond)

	if got := metricValue(t, registry, "tapak_requests_total", map[string]string{"path": "/tasks", "outcome": "success"}); got != 2 {
		t.Errorf("Expected 2 requests on /tasks, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_request_duration_seconds", map[string]string{"path": "/tasks"}); got != 2 {
		t.Errorf("Expected 2 duration samples, got %v", got)
	}
}

func TestRecordRequestInFlight(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	collector.RecordRequestStart("POST", "/carbon/record")
	collector.RecordRequestStart("POST", "/carbon/record")
	collector.RecordRequestEnd("POST", "/carbon/record")

	if got := metricValue(t, registry, "tapak_requests_in_flight", map[string]string{"method": "POST"}); got != 1 {
		t.Errorf("Expected 1 in flight, got %v", got)
	}
}

func TestRecordSessionEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	collector.RecordRefresh("success")
	collector.RecordRefresh("failure")
	collector.RecordSessionInvalidated()
	collector.RecordRetry("GET", "/tasks", "refreshed")
	collector.RecordError(ErrorKindSessionExpired, "GET", "/tasks")

	if got := metricValue(t, registry, "tapak_refreshes_total", map[string]string{"result": "failure"}); got != 1 {
		t.Errorf("Expected 1 failed refresh, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_session_invalidations_total", nil); got != 1 {
		t.Errorf("Expected 1 invalidation, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_retries_total", map[string]string{"reason": "refreshed"}); got != 1 {
		t.Errorf("Expected 1 refresh retry, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_errors_total", map[string]string{"kind": "SessionExpired"}); got != 1 {
		t.Errorf("Expected 1 SessionExpired error, got %v", got)
	}
}

func TestMetricsCollectorWithNil(t *testing.T) {
	var collector *MetricsCollector

	// These should not panic
	collector.RecordRequest("GET", "test", "success", time.Second)
	collector.RecordRequestStart("GET", "test")
	collector.RecordRequestEnd("GET", "test")
	collector.RecordSend("GET", "test")
	collector.RecordRetry("GET", "test", "rate_limited")
	collector.RecordRefresh("success")
	collector.RecordSessionInvalidated()
	collector.RecordDeduplicationHit("GET", "test")
	collector.RecordThrottleWait(time.Millisecond)
	collector.RecordError(ErrorKindTransport, "GET", "test")

	if collector.GetRegistry() != nil {
		t.Error("Expected nil registry from nil collector")
	}
}

func TestMetricPath(t *testing.T) {
	tests := map[string]string{
		"":                         "/",
		"/tasks":                   "/tasks",
		"/tasks?status=active":     "/tasks",
		"/statistics/trends?p=day": "/statistics/trends",
	}
	for in, want := range tests {
		if got := metricPath(in); got != want {
			t.Errorf("metricPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMetricsIntegration(t *testing.T) {
	registry := prometheus.NewRegistry()
	tr := newScriptedTransport(func(_ context.Context, _ *TransportRequest, n int) (*TransportResponse, error) {
		if n == 1 {
			return envelope(429, "slow down", nil), nil
		}
		return envelope(200, "ok", nil), nil
	})
	h := newTestClient(t, tr, WithMetricsCollector(NewMetricsCollectorWithRegistry(registry)))

	if res := h.client.Get(context.Background(), "/home/dashboard"); !res.OK {
		t.Fatalf(expectedOKMsg, res)
	}

	if got := metricValue(t, registry, "tapak_sends_total", map[string]string{"path": "/home/dashboard"}); got != 2 {
		t.Errorf("Expected 2 sends, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_retries_total", map[string]string{"reason": "rate_limited"}); got != 1 {
		t.Errorf("Expected 1 rate-limit retry, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_requests_total", map[string]string{"outcome": "success"}); got != 1 {
		t.Errorf("Expected 1 logical request, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_requests_in_flight", nil); got != 0 {
		t.Errorf("Expected nothing in flight, got %v", got)
	}
	if got := metricValue(t, registry, "tapak_throttle_wait_seconds", nil); got != 2 {
		t.Errorf("Expected 2 throttle samples, got %v", got)
	}
}

func TestMetricsWithFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	tr := newScriptedTransport(func(context.Context, *TransportRequest, int) (*TransportResponse, error) {
		return envelope(5001, "task not found", nil), nil
	})
	h := newTestClient(t, tr, WithMetricsCollector(NewMetricsCollectorWithRegistry(registry)))

	h.client.Put(context.Background(), "/tasks/9/progress", map[string]int{"progress": 50})

	if got := metricValue(t, registry, "tapak_errors_total", map[string]string{"kind": "ServerError"}); got != 1 {
		t.Errorf("Expected 1 ServerError, got %v", got)
	}
}
