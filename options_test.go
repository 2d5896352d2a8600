package tapak

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skynpu77/tapak/store"
)

func TestWithMaxRetries(t *testing.T) {
	client := New(WithMaxRetries(5))

	if client.policy.MaxRetries() != 5 {
		t.Errorf("Expected maxRetries=5, got %d", client.policy.MaxRetries())
	}
}

func TestWithRateLimitDelay(t *testing.T) {
	client := New(WithRateLimitDelay(200 * time.Millisecond))

	if delay, _ := client.policy.Delay(1); delay != 400*time.Millisecond {
		t.Errorf("Expected second delay=400ms, got %v", delay)
	}
}

func TestWithRecoveryPolicy(t *testing.T) {
	policy := NewRecoveryPolicy(1, time.Millisecond, ExponentialJitter)
	client := New(WithRecoveryPolicy(policy), WithMaxRetries(9))

	if client.policy != policy {
		t.Error("Expected the supplied policy to win over retry options")
	}
}

func TestWithTimeout(t *testing.T) {
	client := New(WithTimeout(3 * time.Second))

	if client.timeout != 3*time.Second {
		t.Errorf("Expected timeout=3s, got %v", client.timeout)
	}
}

func TestWithMinInterval(t *testing.T) {
	client := New(WithMinInterval(250 * time.Millisecond))

	if client.gate.Interval() != 250*time.Millisecond {
		t.Errorf("Expected gate interval=250ms, got %v", client.gate.Interval())
	}
}

func TestWithThrottleGate(t *testing.T) {
	gate := NewThrottleGate(time.Second)
	a := New(WithThrottleGate(gate))
	b := New(WithThrottleGate(gate))

	if a.gate != gate || b.gate != gate {
		t.Error("Expected clients to share the supplied gate")
	}
}

func TestWithKeyValueStore(t *testing.T) {
	kv := store.NewMemory()
	client := New(WithKeyValueStore(kv))

	ctx := context.Background()
	if err := client.Credentials().SetCredentials(ctx, Credentials{AccessToken: "a1"}); err != nil {
		t.Fatalf("SetCredentials() returned error: %v", err)
	}
	if v, ok, _ := kv.Get(ctx, KeyAccessToken); !ok || v != "a1" {
		t.Errorf("Expected token in supplied store, got %q", v)
	}
}

func TestWithCredentialStore(t *testing.T) {
	creds := NewCredentialStore(store.NewMemory())
	client := New(WithCredentialStore(creds))

	if client.Credentials() != creds {
		t.Error("Expected the supplied credential store")
	}
}

func TestWithExpiryBuffer(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	client := New(WithExpiryBuffer(time.Minute), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	_ = client.Credentials().SetCredentials(ctx, Credentials{AccessToken: "a", ExpiresAt: now.Add(2 * time.Minute)})
	if client.Credentials().IsNearExpiry(ctx) {
		t.Error("Expected 1m buffer to be applied to the credential store")
	}
}

func TestWithPaths(t *testing.T) {
	client := New(WithRefreshPath("/session/renew"), WithUploadPath("/files"), WithUploadConcurrency(8), WithProactiveRefresh())

	if client.refreshPath != "/session/renew" {
		t.Errorf("Expected refreshPath=/session/renew, got %s", client.refreshPath)
	}
	if client.uploadPath != "/files" {
		t.Errorf("Expected uploadPath=/files, got %s", client.uploadPath)
	}
	if client.uploadConcurrency != 8 {
		t.Errorf("Expected uploadConcurrency=8, got %d", client.uploadConcurrency)
	}
	if !client.proactiveRefresh {
		t.Error("Expected proactive refresh to be enabled")
	}
}

func TestWithTransport(t *testing.T) {
	tr := TransportFunc(func(context.Context, *TransportRequest) (*TransportResponse, error) {
		return nil, errors.New("unused")
	})
	client := New(WithTransport(tr), WithBaseURL("https://ignored.example"))

	if _, ok := client.transport.(TransportFunc); !ok {
		t.Errorf("Expected custom transport, got %T", client.transport)
	}
}

func TestWithMiddleware(t *testing.T) {
	middleware1 := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		return next.RoundTrip(req)
	}

	middleware2 := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		return next.RoundTrip(req)
	}

	client := New(WithMiddleware(middleware1, middleware2))

	if len(client.middleware) != 2 {
		t.Errorf("Expected 2 middleware, got %d", len(client.middleware))
	}
}

func TestWithHTTPClient(t *testing.T) {
	customClient := &http.Client{Timeout: 5 * time.Second}
	client := New(WithHTTPClient(customClient))

	tr, ok := client.transport.(*HTTPTransport)
	if !ok {
		t.Fatalf("Expected *HTTPTransport, got %T", client.transport)
	}
	if tr.httpClient != customClient {
		t.Error("Expected custom HTTP client to be used")
	}
}

func TestWithTracing(t *testing.T) {
	client := New(WithTracing())

	tr, ok := client.transport.(*HTTPTransport)
	if !ok {
		t.Fatalf("Expected *HTTPTransport, got %T", client.transport)
	}
	if tr.httpClient.Transport == nil {
		t.Error("Expected an instrumented round tripper")
	}
}

func TestWithMetrics(t *testing.T) {
	client := New(WithMetrics())

	if client.Metrics() == nil {
		t.Error("Expected metrics to be enabled")
	}
}

func TestWithMetricsCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)
	client := New(WithMetricsCollector(collector))

	if client.Metrics() != collector {
		t.Error("Expected custom metrics collector to be set")
	}
}

func TestWithDebug(t *testing.T) {
	client := New(WithDebug())

	if !client.debug.Enabled {
		t.Error("Expected debug to be enabled")
	}
	if client.requestID() == "" {
		t.Error("Expected request IDs while debugging")
	}
}

func TestWithRequestIDGenerator(t *testing.T) {
	client := New(WithDebug(), WithRequestIDGenerator(func() string { return "req-1" }))

	if got := client.requestID(); got != "req-1" {
		t.Errorf("Expected request id req-1, got %q", got)
	}
}

func TestRequestIDOnlyWhenDebugging(t *testing.T) {
	client := New()

	if got := client.requestID(); got != "" {
		t.Errorf("Expected no request id without debug, got %q", got)
	}
}

func TestWithConfig(t *testing.T) {
	cfg := Config{
		BaseURL:        "https://api.example.com/v1/",
		Timeout:        5 * time.Second,
		MinInterval:    50 * time.Millisecond,
		MaxRetries:     4,
		RateLimitDelay: 500 * time.Millisecond,
		Backoff:        "exponential",
		ExpiryBuffer:   time.Minute,
		RefreshPath:    "/auth/renew",
	}
	client := New(WithConfig(cfg))

	if !client.IsValid() {
		t.Fatalf("Expected valid client, got %v", client.ValidationError())
	}
	if client.baseURL != "https://api.example.com/v1" {
		t.Errorf("Expected trimmed base URL, got %s", client.baseURL)
	}
	if client.policy.MaxRetries() != 4 || client.policy.Strategy() != ExponentialJitter {
		t.Errorf("Expected 4 retries with ExponentialJitter, got %d with %v", client.policy.MaxRetries(), client.policy.Strategy())
	}
	if client.refreshPath != "/auth/renew" {
		t.Errorf("Expected refreshPath=/auth/renew, got %s", client.refreshPath)
	}
	if client.uploadPath != "/upload/single" {
		t.Errorf("Expected default uploadPath to be kept, got %s", client.uploadPath)
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		want    string
	}{
		{"zero timeout", []Option{WithTimeout(0)}, "timeout must be positive"},
		{"negative interval", []Option{WithMinInterval(-time.Second)}, "minInterval must be non-negative"},
		{"negative retries", []Option{WithMaxRetries(-1)}, "maxRetries must be non-negative"},
		{"excessive retries", []Option{WithMaxRetries(101)}, "maxRetries > 100"},
		{"negative delay", []Option{WithRateLimitDelay(-time.Second)}, "rateLimitDelay must be non-negative"},
		{"huge delay", []Option{WithRateLimitDelay(time.Hour)}, "rateLimitDelay > 10m"},
		{"empty refresh path", []Option{WithRefreshPath("")}, "refreshPath cannot be empty"},
		{"negative buffer", []Option{WithExpiryBuffer(-time.Second)}, "expiryBuffer must be non-negative"},
		{"nil middleware", []Option{WithMiddleware(nil)}, "middleware[0] cannot be nil"},
		{"debug without generator", []Option{WithDebug(), WithRequestIDGenerator(nil)}, "RequestIDGen must be set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.options...)
			err := client.ValidationError()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
			var clientErr *ClientError
			if !errors.As(err, &clientErr) || !strings.Contains(clientErr.Cause.Error(), tt.want) {
				t.Errorf("Expected cause containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateConfigurationStrictPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for invalid configuration")
		}
	}()

	New(WithTimeout(-time.Second)).ValidateConfigurationStrict()
}

func TestMultipleOptions(t *testing.T) {
	client := New(
		WithMaxRetries(3),
		WithTimeout(15*time.Second),
		WithMinInterval(0),
		WithBackoffStrategy(DecorrelatedJitter),
		WithMetrics(),
		WithLogger(nopLogger{}),
	)

	if !client.IsValid() {
		t.Fatalf("Expected valid client, got %v", client.ValidationError())
	}
	if client.policy.MaxRetries() != 3 {
		t.Errorf("Expected maxRetries=3, got %d", client.policy.MaxRetries())
	}
	if client.timeout != 15*time.Second {
		t.Errorf("Expected timeout=15s, got %v", client.timeout)
	}
	if client.policy.Strategy() != DecorrelatedJitter {
		t.Errorf("Expected DecorrelatedJitter, got %v", client.policy.Strategy())
	}
}

func TestOptionsOrderIndependence(t *testing.T) {
	a := New(WithMaxRetries(4), WithRateLimitDelay(2*time.Second), WithBackoffStrategy(ExponentialJitter))
	b := New(WithBackoffStrategy(ExponentialJitter), WithRateLimitDelay(2*time.Second), WithMaxRetries(4))

	for attempt := 0; attempt < 4; attempt++ {
		da, _ := a.policy.Delay(attempt)
		db, _ := b.policy.Delay(attempt)
		if da != db {
			t.Errorf("Delay(%d) differs by option order: %v vs %v", attempt, da, db)
		}
	}
}

func TestDefaultValuesWithoutOptions(t *testing.T) {
	client := New()

	if client.Metrics() != nil {
		t.Error("Expected default metrics=nil")
	}

	if len(client.middleware) != 0 {
		t.Errorf("Expected default middleware count=0, got %d", len(client.middleware))
	}

	if client.proactiveRefresh {
		t.Error("Expected proactive refresh to be off by default")
	}

	if client.policy.Strategy() != Linear {
		t.Errorf("Expected Linear backoff by default, got %v", client.policy.Strategy())
	}

	if client.uploadConcurrency != 4 {
		t.Errorf("Expected uploadConcurrency=4, got %d", client.uploadConcurrency)
	}
}
