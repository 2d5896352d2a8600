package tapak

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WithBaseURL sets the API root requests are sent to
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the timeout of each physical send
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMinInterval sets the minimum spacing between send starts
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) {
		c.minInterval = d
	}
}

// WithThrottleGate shares a gate between clients
func WithThrottleGate(gate *ThrottleGate) Option {
	return func(c *Client) {
		c.gate = gate
	}
}

// WithMaxRetries sets the maximum number of rate-limit retries
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRateLimitDelay sets the base delay of rate-limit retries
func WithRateLimitDelay(d time.Duration) Option {
	return func(c *Client) {
		c.rateLimitDelay = d
	}
}

// WithBackoffStrategy selects how rate-limit delays grow
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = strategy
	}
}

// WithRecoveryPolicy sets a prepared recovery policy, overriding the retry options
func WithRecoveryPolicy(policy *RecoveryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithKeyValueStore sets where session values are persisted
func WithKeyValueStore(kv KeyValueStore) Option {
	return func(c *Client) {
		c.kv = kv
	}
}

// WithCredentialStore sets a prepared credential store
func WithCredentialStore(store *CredentialStore) Option {
	return func(c *Client) {
		c.credentials = store
	}
}

// WithExpiryBuffer sets how early a token counts as near expiry
func WithExpiryBuffer(d time.Duration) Option {
	return func(c *Client) {
		c.expiryBuffer = d
	}
}

// WithProactiveRefresh refreshes near-expiry sessions before sending
func WithProactiveRefresh() Option {
	return func(c *Client) {
		c.proactiveRefresh = true
	}
}

// WithRefreshPath sets the session refresh endpoint
func WithRefreshPath(path string) Option {
	return func(c *Client) {
		c.refreshPath = path
	}
}

// WithUploadPath sets the default upload endpoint
func WithUploadPath(path string) Option {
	return func(c *Client) {
		c.uploadPath = path
	}
}

// WithUploadConcurrency bounds the parallel sends of UploadMany
func WithUploadConcurrency(n int) Option {
	return func(c *Client) {
		c.uploadConcurrency = n
	}
}

// WithNotifier sets the receiver of loading and session signals
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		c.notifier = n
	}
}

// WithTransport sets the transport, bypassing the built-in HTTP transport
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithHTTPClient sets the HTTP client of the built-in transport
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMiddleware adds middleware to the built-in transport
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithTracing wraps the built-in transport with OpenTelemetry instrumentation
func WithTracing(opts ...otelhttp.Option) Option {
	return func(c *Client) {
		c.tracing = true
		c.tracingOpts = opts
	}
}

// WithMetrics attaches a fresh collector on its own registry.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector shares an existing collector, for example across clients.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug turns on request logging using the default debug settings.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig replaces the debug settings wholesale.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger is WithDebug plus a stdout logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator overrides how request ids attached to log lines are minted.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithClock sets the clock used for expiry checks and error timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithSleeper replaces the context-aware sleep between rate-limit retries
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithConfig applies a loaded Config
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		if cfg.BaseURL != "" {
			c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		c.timeout = cfg.Timeout
		c.minInterval = cfg.MinInterval
		c.maxRetries = cfg.MaxRetries
		c.rateLimitDelay = cfg.RateLimitDelay
		c.expiryBuffer = cfg.ExpiryBuffer
		c.proactiveRefresh = cfg.ProactiveRefresh
		c.backoffStrategy = cfg.strategy()
		if cfg.RefreshPath != "" {
			c.refreshPath = cfg.RefreshPath
		}
		if cfg.UploadPath != "" {
			c.uploadPath = cfg.UploadPath
		}
		if cfg.Debug {
			if c.debug == nil {
				c.debug = DefaultDebugConfig()
			}
			c.debug.Enabled = true
		}
	}
}

// ValidateConfiguration reports every setting that would make requests misbehave,
// joined into one ErrorKindValidation error.
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateTransportConfig()...)
	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateSessionConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Kind:    ErrorKindValidation,
			Message: ErrValidation.Message,
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

// validateTransportConfig validates the send path
func (c *Client) validateTransportConfig() []string {
	var errors []string

	if c.transport == nil {
		errors = append(errors, "transport cannot be nil")
	}

	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}

	if c.minInterval < 0 {
		errors = append(errors, "minInterval must be non-negative")
	}

	if c.gate == nil {
		errors = append(errors, "throttle gate cannot be nil")
	}

	return errors
}

// validateRetryConfig covers retry counts and backoff delays.
func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.policy == nil {
		return append(errors, "recovery policy cannot be nil")
	}

	if c.policy.maxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}

	if c.policy.baseDelay < 0 {
		errors = append(errors, "rateLimitDelay must be non-negative")
	}

	if c.sleep == nil {
		errors = append(errors, "sleeper cannot be nil")
	}

	return errors
}

// validateSessionConfig validates credential handling
func (c *Client) validateSessionConfig() []string {
	var errors []string

	if c.credentials == nil {
		errors = append(errors, "credential store cannot be nil")
	}

	if c.expiryBuffer < 0 {
		errors = append(errors, "expiryBuffer must be non-negative")
	}

	if c.refreshPath == "" {
		errors = append(errors, "refreshPath cannot be empty")
	}

	if c.uploadPath == "" {
		errors = append(errors, "uploadPath cannot be empty")
	}

	if c.now == nil {
		errors = append(errors, "clock cannot be nil")
	}

	return errors
}

// validateDebugConfig requires an id generator and a logger once debug is on.
func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

// validateMiddlewareConfig rejects nil entries in the middleware chain.
func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateExtremeValues catches settings that are legal but certainly a mistake.
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.policy != nil && c.policy.maxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}

	if c.policy != nil && c.policy.baseDelay > 10*time.Minute {
		errors = append(errors, "rateLimitDelay > 10m may cause very long delays")
	}

	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}

	if c.minInterval > time.Minute {
		errors = append(errors, "minInterval > 1m would stall every request")
	}

	return errors
}
