package tapak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skynpu77/tapak/store"
)

// Client orchestrates calls to a JSON API: it paces sends through a
// throttle gate, merges identical concurrent requests, refreshes expired
// sessions, backs off on rate limiting and turns every call into one Result.
// It is safe for concurrent use.
type Client struct {
	transport   Transport
	baseURL     string
	httpClient  *http.Client
	middleware  []Middleware
	tracing     bool
	tracingOpts []otelhttp.Option

	gate        *ThrottleGate
	minInterval time.Duration

	dedup *Deduplicator

	kv           KeyValueStore
	credentials  *CredentialStore
	expiryBuffer time.Duration
	notifier     Notifier

	policy            *RecoveryPolicy
	maxRetries        int
	rateLimitDelay    time.Duration
	backoffStrategy   BackoffStrategy
	timeout           time.Duration
	proactiveRefresh  bool
	refreshPath       string
	uploadPath        string
	uploadConcurrency int

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	sleep func(context.Context, time.Duration) error
	now   func() time.Time

	validationError error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		baseURL:           DefaultBaseURL,
		minInterval:       100 * time.Millisecond,
		dedup:             NewDeduplicator(),
		expiryBuffer:      DefaultExpiryBuffer,
		notifier:          nopNotifier{},
		maxRetries:        2,
		rateLimitDelay:    time.Second,
		backoffStrategy:   Linear,
		timeout:           10 * time.Second,
		refreshPath:       "/auth/refresh",
		uploadPath:        "/upload/single",
		uploadConcurrency: 4,
		debug:             DefaultDebugConfig(),
		logger:            NewSlogLogger(nil),
		sleep:             sleepContext,
		now:               time.Now,
	}

	for _, option := range options {
		option(client)
	}

	client.assemble()

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// assemble builds the components that depend on several options.
func (c *Client) assemble() {
	if c.transport == nil {
		t := NewHTTPTransport(c.baseURL, c.httpClient, c.middleware...)
		if c.tracing {
			t = t.WithTracing(c.tracingOpts...)
		}
		c.transport = t
	}
	if c.gate == nil {
		c.gate = NewThrottleGate(c.minInterval)
	}
	if c.policy == nil {
		c.policy = NewRecoveryPolicy(c.maxRetries, c.rateLimitDelay, c.backoffStrategy)
	}
	if c.credentials == nil {
		kv := c.kv
		if kv == nil {
			kv = store.NewMemory()
		}
		logger := c.logger
		if logger == nil {
			logger = nopLogger{}
		}
		c.credentials = NewCredentialStore(kv,
			WithStoreClock(c.now),
			WithStoreExpiryBuffer(c.expiryBuffer),
			WithStoreLogger(logger),
		)
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.debug == nil {
		c.debug = &DebugConfig{}
	}
}

// Credentials exposes the session store of the client.
func (c *Client) Credentials() *CredentialStore {
	return c.credentials
}

// Metrics returns the collector, or nil when metrics are off.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) Result {
	return c.Request(ctx, newDescriptor(http.MethodGet, path, nil, opts))
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) Result {
	return c.Request(ctx, newDescriptor(http.MethodPost, path, body, opts))
}

// Put issues an authenticated PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...RequestOption) Result {
	return c.Request(ctx, newDescriptor(http.MethodPut, path, body, opts))
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) Result {
	return c.Request(ctx, newDescriptor(http.MethodDelete, path, nil, opts))
}

func newDescriptor(method, path string, body any, opts []RequestOption) Descriptor {
	d := Descriptor{Method: method, Path: path, Body: body, RequiresAuth: true}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithQuery appends q to the request path. Empty values are dropped and keys
// are sorted, so equal filters produce equal DedupKeys.
func WithQuery(q url.Values) RequestOption {
	return func(d *Descriptor) {
		clean := url.Values{}
		for k, vs := range q {
			for _, v := range vs {
				if v != "" {
					clean.Add(k, v)
				}
			}
		}
		if len(clean) == 0 {
			return
		}
		sep := "?"
		if strings.Contains(d.Path, "?") {
			sep = "&"
		}
		d.Path += sep + clean.Encode()
	}
}

// Request executes d and returns its normalized Result. Identical requests
// already in flight are joined rather than sent again.
func (c *Client) Request(ctx context.Context, d Descriptor) Result {
	d.Method = methodOrDefault(d.Method)
	return c.do(ctx, d, nil)
}

// Upload sends filePath as a multipart form. Uploads wait on the throttle
// gate and recover like any request but are never deduplicated.
func (c *Client) Upload(ctx context.Context, filePath string, opts UploadOptions) Result {
	return c.upload(ctx, []string{filePath}, opts)
}

// UploadMany uploads every file separately and in parallel. Results are in
// the order of filePaths.
func (c *Client) UploadMany(ctx context.Context, filePaths []string, opts UploadOptions) []Result {
	results := make([]Result, len(filePaths))

	var g errgroup.Group
	g.SetLimit(c.uploadConcurrency)
	for i, path := range filePaths {
		i, path := i, path
		g.Go(func() error {
			results[i] = c.Upload(ctx, path, opts)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *Client) upload(ctx context.Context, filePaths []string, opts UploadOptions) Result {
	path := opts.Path
	if path == "" {
		path = c.uploadPath
	}
	d := Descriptor{Method: http.MethodPost, Path: path, RequiresAuth: true, Quiet: opts.Quiet}

	for _, fp := range filePaths {
		if _, err := os.Stat(fp); err != nil {
			return failure(&ClientError{
				Kind:      ErrorKindInvalidRequest,
				Message:   "upload file is not readable",
				Cause:     err,
				Method:    d.Method,
				Path:      d.Path,
				Timestamp: c.now(),
			})
		}
	}

	return c.do(ctx, d, &UploadPayload{FieldName: opts.FieldName, Files: filePaths, Fields: opts.Fields})
}

func (c *Client) do(ctx context.Context, d Descriptor, upload *UploadPayload) Result {
	if c.validationError != nil {
		var clientErr *ClientError
		if errors.As(c.validationError, &clientErr) {
			return failure(clientErr)
		}
		return failure(&ClientError{Kind: ErrorKindValidation, Message: c.validationError.Error()})
	}

	start := time.Now()
	requestID := c.requestID()

	if c.debugOn(c.debug.LogRequests) {
		c.log(ctx).Debug("Starting request", "requestID", requestID, "method", d.Method, "path", d.Path, "upload", upload != nil)
	}

	c.metrics.RecordRequestStart(d.Method, d.Path)

	var (
		res    Result
		shared bool
	)
	if upload != nil {
		res = c.run(ctx, d, requestID, upload)
	} else {
		res, shared = c.dedup.Submit(ctx, d, func(workCtx context.Context) Result {
			return c.run(workCtx, d, requestID, nil)
		})
	}

	c.metrics.RecordRequestEnd(d.Method, d.Path)
	c.metrics.RecordRequest(d.Method, d.Path, outcomeLabel(res), time.Since(start))

	if shared {
		c.metrics.RecordDeduplicationHit(d.Method, d.Path)
		if c.debugOn(c.debug.LogDeduplication) {
			c.log(ctx).Debug("Deduplication hit", "requestID", requestID, "method", d.Method, "path", d.Path)
		}
	}

	return res
}

// run is executed once per logical request by its owner.
func (c *Client) run(ctx context.Context, d Descriptor, requestID string, upload *UploadPayload) Result {
	if !d.Quiet {
		label := LabelLoading
		if upload != nil {
			label = LabelUploading
		}
		c.notifier.BeginOperation(ctx, label)
		defer c.notifier.EndOperation(ctx)
	}

	if c.proactiveRefresh && d.RequiresAuth {
		c.refreshIfNearExpiry(ctx, requestID)
	}

	start := time.Now()
	res := c.execute(ctx, d, requestID, upload)
	if res.Err != nil {
		res.Err.Duration = time.Since(start)
		c.metrics.RecordError(res.Err.Kind, d.Method, d.Path)
		c.logFailure(ctx, res.Err)
	}
	return res
}

// execute drives one logical request through the recovery states until it
// succeeds or fails for good. A request is refreshed at most once and
// retried after rate limiting at most maxRetries times.
func (c *Client) execute(ctx context.Context, d Descriptor, requestID string, upload *UploadPayload) Result {
	var body []byte
	if upload == nil {
		encoded, err := encodeBody(d.Body)
		if err != nil {
			return failure(c.requestError(d, requestID, &ClientError{
				Kind:    ErrorKindInvalidRequest,
				Message: "request body cannot be encoded",
				Cause:   err,
			}))
		}
		body = encoded
	}

	refreshed := false
	for {
		if err := c.waitGate(ctx, requestID); err != nil {
			return failure(c.requestError(d, requestID, &ClientError{
				Kind:    ErrorKindTransport,
				Message: transportMessage(err),
				Cause:   err,
			}))
		}

		resp, usedToken, sendErr := c.sendOnce(ctx, d, body, upload, requestID)
		out := c.policy.Classify(resp, sendErr)

		switch out.State {
		case StateSuccess:
			return success(out.Envelope)

		case StateNeedsRefresh:
			if !d.RequiresAuth {
				return failure(c.requestError(d, requestID, unauthorizedError(out)))
			}
			if refreshed {
				c.endSession(ctx, requestID)
				return failure(c.requestError(d, requestID, &ClientError{
					Kind:       ErrorKindSessionExpired,
					Message:    ErrSessionExpired.Message,
					StatusCode: http.StatusUnauthorized,
				}))
			}
			refreshed = true

			if !c.tokenRotated(ctx, usedToken) {
				if res := c.refreshSession(ctx, requestID); !res.OK {
					return failure(c.requestError(d, requestID, res.Err))
				}
			}
			c.metrics.RecordRetry(d.Method, d.Path, "refreshed")
			if c.debugOn(c.debug.LogRetries) {
				c.log(ctx).Info("Retrying with refreshed session", "requestID", requestID, "path", d.Path)
			}

		case StateRateLimited:
			delay, ok := c.policy.Delay(d.Attempt)
			if !ok {
				return failure(c.requestError(d, requestID, &ClientError{
					Kind:       ErrorKindRateLimited,
					Message:    ErrRateLimited.Message,
					StatusCode: statusOf(resp),
				}))
			}
			c.metrics.RecordRetry(d.Method, d.Path, "rate_limited")
			if c.debugOn(c.debug.LogRetries) {
				c.log(ctx).Info("Scheduling retry", "requestID", requestID, "attempt", d.Attempt+1, "maxRetries", c.policy.MaxRetries(), "backoff", delay, "path", d.Path)
			}
			if err := c.sleep(ctx, delay); err != nil {
				return failure(c.requestError(d, requestID, &ClientError{
					Kind:    ErrorKindTransport,
					Message: transportMessage(err),
					Cause:   err,
				}))
			}
			d = d.next()

		default:
			return failure(c.requestError(d, requestID, out.Err))
		}
	}
}

func (c *Client) waitGate(ctx context.Context, requestID string) error {
	start := time.Now()
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	waited := time.Since(start)
	c.metrics.RecordThrottleWait(waited)
	if waited > time.Millisecond && c.debugOn(c.debug.LogThrottle) {
		c.log(ctx).Debug("Throttled send", "requestID", requestID, "waited", waited)
	}
	return nil
}

// sendOnce performs one physical send and reports the access token it used.
func (c *Client) sendOnce(ctx context.Context, d Descriptor, body []byte, upload *UploadPayload, requestID string) (*TransportResponse, string, error) {
	header := make(http.Header, len(d.Header)+3)
	for k, vs := range d.Header {
		header[k] = append([]string(nil), vs...)
	}
	if upload == nil {
		header.Set("Content-Type", "application/json")
	}

	var token string
	if d.RequiresAuth {
		if t, ok := c.credentials.AccessToken(ctx); ok {
			token = t
			header.Set("Authorization", "Bearer "+t)
		}
	}
	if requestID != "" {
		header.Set("X-Request-ID", requestID)
	}

	sendCtx, cancel := ctxWithTimeout(ctx, c.timeout)
	defer cancel()

	c.metrics.RecordSend(d.Method, d.Path)
	resp, err := c.transport.Send(sendCtx, &TransportRequest{
		Method: d.Method,
		Path:   d.Path,
		Header: header,
		Body:   body,
		Upload: upload,
	})
	return resp, token, err
}

// tokenRotated reports whether the session was refreshed by someone else
// after used was sent.
func (c *Client) tokenRotated(ctx context.Context, used string) bool {
	current, ok := c.credentials.AccessToken(ctx)
	return ok && used != "" && current != used
}

func (c *Client) refreshIfNearExpiry(ctx context.Context, requestID string) {
	if _, ok := c.credentials.RefreshToken(ctx); !ok {
		return
	}
	if !c.credentials.IsNearExpiry(ctx) {
		return
	}
	if res := c.refreshSession(ctx, requestID); !res.OK && c.debugOn(c.debug.LogRefresh) {
		c.log(ctx).Debug("Proactive refresh failed", "requestID", requestID, "error", res.Err)
	}
}

// refreshSession renews the credentials. Concurrent callers share a single
// refresh call.
func (c *Client) refreshSession(ctx context.Context, requestID string) Result {
	res, shared := c.dedup.submitKey(ctx, refreshKey, func(workCtx context.Context) Result {
		return c.doRefresh(workCtx, requestID)
	})
	if shared && c.debugOn(c.debug.LogRefresh) {
		c.log(ctx).Debug("Joined in-flight session refresh", "requestID", requestID)
	}
	return res
}

type refreshData struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    Timestamp `json:"expiresAt"`
}

func (c *Client) doRefresh(ctx context.Context, requestID string) Result {
	fail := func(msg string, cause error) Result {
		c.metrics.RecordRefresh("failure")
		c.log(ctx).Warn("Session refresh failed", "requestID", requestID, "reason", msg, "error", cause)
		if ctx.Err() != nil {
			return failure(&ClientError{Kind: ErrorKindTransport, Message: transportMessage(ctx.Err()), Cause: ctx.Err(), RequestID: requestID})
		}
		c.endSession(ctx, requestID)
		return failure(&ClientError{Kind: ErrorKindSessionExpired, Message: ErrSessionExpired.Message, Cause: cause, RequestID: requestID})
	}

	refreshToken, ok := c.credentials.RefreshToken(ctx)
	if !ok {
		return fail("no refresh token", nil)
	}

	if err := c.waitGate(ctx, requestID); err != nil {
		return fail("throttle wait aborted", err)
	}

	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return fail("encode refresh request", err)
	}
	d := Descriptor{Method: http.MethodPost, Path: c.refreshPath}
	resp, _, sendErr := c.sendOnce(ctx, d, body, nil, requestID)

	out := c.policy.Classify(resp, sendErr)
	if out.State != StateSuccess {
		var cause error
		if out.Err != nil {
			cause = out.Err
		}
		return fail(fmt.Sprintf("refresh answered %s", out.State), cause)
	}

	var data refreshData
	if err := json.Unmarshal(out.Envelope.Data, &data); err != nil {
		return fail("malformed refresh data", err)
	}
	if data.Token == "" {
		return fail("refresh data has no token", nil)
	}
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}

	err = c.credentials.SetCredentials(ctx, Credentials{
		AccessToken:  data.Token,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    data.ExpiresAt.Time,
	})
	if err != nil {
		return fail("persist refreshed credentials", err)
	}

	c.metrics.RecordRefresh("success")
	if c.debugOn(c.debug.LogRefresh) {
		c.log(ctx).Debug("Session refreshed", "requestID", requestID, "expiresAt", data.ExpiresAt.Time)
	}
	return Result{OK: true}
}

// endSession forgets the session and tells the application to log in again.
func (c *Client) endSession(ctx context.Context, requestID string) {
	if err := c.credentials.Logout(ctx); err != nil {
		c.log(ctx).Error("Clearing session failed", "requestID", requestID, "error", err)
	}
	c.notifier.SessionInvalid(ctx)
	c.metrics.RecordSessionInvalidated()
	c.log(ctx).Warn("Session ended", "requestID", requestID)
}

func (c *Client) requestError(d Descriptor, requestID string, base *ClientError) *ClientError {
	e := *base
	e.RequestID = requestID
	e.Method = d.Method
	e.Path = d.Path
	e.Attempt = d.Attempt
	e.MaxRetries = c.policy.MaxRetries()
	e.Timestamp = c.now()
	return &e
}

func unauthorizedError(out Outcome) *ClientError {
	msg := http.StatusText(http.StatusUnauthorized)
	if out.Envelope != nil && out.Envelope.Message != "" {
		msg = out.Envelope.Message
	}
	return &ClientError{Kind: ErrorKindServer, Message: msg, StatusCode: http.StatusUnauthorized, Code: http.StatusUnauthorized}
}

func (c *Client) logFailure(ctx context.Context, err *ClientError) {
	kv := []any{
		"requestID", err.RequestID,
		"kind", err.Kind,
		"method", err.Method,
		"path", err.Path,
		"attempt", err.Attempt,
		"error", err.Error(),
	}
	switch {
	case err.Kind == ErrorKindServer && err.StatusCode >= http.StatusBadGateway && err.StatusCode <= http.StatusGatewayTimeout:
		c.log(ctx).Info("Service unavailable", kv...)
	case err.Kind == ErrorKindServer, err.Kind == ErrorKindRateLimited, err.Kind == ErrorKindSessionExpired:
		c.log(ctx).Warn("Request failed", kv...)
	default:
		c.log(ctx).Error("Request failed", kv...)
	}
}

func (c *Client) requestID() string {
	if c.debug.Enabled && c.debug.RequestIDGen != nil {
		return c.debug.RequestIDGen()
	}
	return ""
}

func (c *Client) debugOn(category bool) bool {
	return c.debug.Enabled && category && c.logger != nil
}

func (c *Client) log(ctx context.Context) Logger {
	if c.logger == nil {
		return nopLogger{}
	}
	if cl, ok := c.logger.(contextLogger); ok {
		return cl.WithContext(ctx)
	}
	return c.logger
}

func outcomeLabel(r Result) string {
	if r.OK {
		return "success"
	}
	return string(r.Kind())
}

func statusOf(resp *TransportResponse) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func ctxWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopNotifier struct{}

func (nopNotifier) BeginOperation(context.Context, string) {}
func (nopNotifier) EndOperation(context.Context)           {}
func (nopNotifier) SessionInvalid(context.Context)         {}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// ValidateConfigurationStrict panics if configuration is invalid.
func (c *Client) ValidateConfigurationStrict() {
	if err := c.ValidateConfiguration(); err != nil {
		panic(fmt.Sprintf("invalid client configuration: %v", err))
	}
}
