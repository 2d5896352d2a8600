package tapak

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the API root the client talks to unless configured.
const DefaultBaseURL = "https://zjzpdlofbddf.sealoshzh.site/api/v1"

// TransportRequest is one physical send.
type TransportRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	// Upload switches the send to a multipart form; Body is ignored.
	Upload *UploadPayload
}

// UploadPayload is a multipart send of one or more files under the same
// field name, plus plain form fields.
type UploadPayload struct {
	FieldName string
	Files     []string
	Fields    map[string]string
}

// TransportResponse is the raw answer to a send.
type TransportResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs a single send. Implementations must honor ctx.
type Transport interface {
	Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *TransportRequest) (*TransportResponse, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	return f(ctx, req)
}

// RoundTripper mirrors http.RoundTripper for middleware chains.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps the HTTP exchange of an HTTPTransport.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// HTTPTransport sends requests with net/http against a base URL.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	middleware []Middleware
}

// NewHTTPTransport returns a transport rooted at baseURL. A nil client uses
// a fresh http.Client; per-send timeouts come from the request context.
func NewHTTPTransport(baseURL string, client *http.Client, middleware ...Middleware) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		middleware: middleware,
	}
}

// WithTracing returns a copy of t whose HTTP client emits OpenTelemetry
// client spans.
func (t *HTTPTransport) WithTracing(opts ...otelhttp.Option) *HTTPTransport {
	base := t.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	traced := *t.httpClient
	traced.Transport = otelhttp.NewTransport(base, opts...)
	return &HTTPTransport{baseURL: t.baseURL, httpClient: &traced, middleware: t.middleware}
}

// BaseURL returns the configured API root.
func (t *HTTPTransport) BaseURL() string {
	return t.baseURL
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.executeMiddleware(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &TransportResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req *TransportRequest) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	if req.Upload != nil {
		buf, ct, err := multipartBody(req.Upload)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	} else if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, methodOrDefault(req.Method), t.url(req.Path), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

func (t *HTTPTransport) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return t.baseURL + path
}

func (t *HTTPTransport) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.httpClient.Do(req)
	}

	current := RoundTripperFunc(t.httpClient.Do)

	for i := len(t.middleware) - 1; i >= 0; i-- {
		middleware := t.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

func multipartBody(up *UploadPayload) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	field := up.FieldName
	if field == "" {
		field = "file"
	}
	for _, path := range up.Files {
		if err := writeFormFile(w, field, path); err != nil {
			return nil, "", err
		}
	}

	keys := make([]string, 0, len(up.Fields))
	for k := range up.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, up.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func writeFormFile(w *multipart.Writer, field, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open upload file: %w", err)
	}
	defer file.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy upload file %s: %w", path, err)
	}
	return nil
}
