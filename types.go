package tapak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Descriptor describes one logical request. It is a value: retries work on
// a copy produced by next.
type Descriptor struct {
	Method       string
	Path         string
	Body         any
	Header       http.Header
	RequiresAuth bool
	// Attempt counts rate-limit retries already made for this request.
	Attempt int
	// Quiet suppresses the begin/end operation signals.
	Quiet bool
}

// next returns the descriptor for the following rate-limit retry.
func (d Descriptor) next() Descriptor {
	d.Attempt++
	return d
}

// DedupKey identifies a logical request by method, path and serialized
// body. Two keys are equal only when all three match byte for byte; the
// xxhash sum is a short fingerprint for logs.
type DedupKey struct {
	sum uint64
	id  string
}

// String returns the hex fingerprint of the key.
func (k DedupKey) String() string {
	return strconv.FormatUint(k.sum, 16)
}

// Key derives the DedupKey of d. Header, auth flag, attempt and quiet flag
// do not take part.
func (d Descriptor) Key() (DedupKey, error) {
	body, err := encodeBody(d.Body)
	if err != nil {
		return DedupKey{}, err
	}
	return newDedupKey(methodOrDefault(d.Method), d.Path, body), nil
}

func newDedupKey(method, path string, body []byte) DedupKey {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(body) + 2)
	b.WriteString(method)
	b.WriteByte(0)
	b.WriteString(path)
	b.WriteByte(0)
	b.Write(body)
	return keyOf(b.String())
}

func keyOf(id string) DedupKey {
	return DedupKey{sum: xxhash.Sum64String(id), id: id}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return data, nil
}

func methodOrDefault(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}

// Result is the normalized outcome of a logical request. Exactly one of
// OK or Err is set.
type Result struct {
	OK      bool
	Data    json.RawMessage
	Message string
	Err     *ClientError
}

// Kind returns the failure kind, or "" for a successful result.
func (r Result) Kind() ErrorKind {
	if r.Err == nil {
		return ""
	}
	return r.Err.Kind
}

// AsError returns the failure as an error, or nil on success.
func (r Result) AsError() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Decode unmarshals Data into v.
func (r Result) Decode(v any) error {
	if !r.OK {
		return r.AsError()
	}
	if len(r.Data) == 0 || bytes.Equal(r.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return &ClientError{Kind: ErrorKindParse, Message: "decode response data", Cause: err, Timestamp: time.Now()}
	}
	return nil
}

// DecodeData unmarshals the data of a successful result into a T.
func DecodeData[T any](r Result) (T, error) {
	var v T
	err := r.Decode(&v)
	return v, err
}

func success(env *Envelope) Result {
	return Result{OK: true, Data: env.Data, Message: env.Message}
}

func failure(err *ClientError) Result {
	return Result{Message: err.Message, Err: err}
}

// Envelope is the JSON body every endpoint answers with.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// decodeEnvelope parses body, requiring a JSON object with a numeric code.
func decodeEnvelope(body []byte) (*Envelope, error) {
	var raw struct {
		Code    *int            `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw.Code == nil {
		return nil, fmt.Errorf("envelope has no code field")
	}
	return &Envelope{Code: *raw.Code, Message: raw.Message, Data: raw.Data}, nil
}

// Credentials is the session triple issued by login and refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// User identifies the logged-in account.
type User struct {
	UserID   FlexString `json:"userId"`
	Username string     `json:"username"`
}

// FlexString accepts a JSON string or number.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*s = FlexString(n.String())
	return nil
}

// Timestamp accepts unix milliseconds (number or numeric string) or an
// RFC 3339 string.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := parseInstant(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

// MarshalJSON writes unix milliseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return parsed, nil
}

// KeyValueStore persists session values. Implementations live in the store
// package.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Notifier receives the user-visible signals of the client. Implementations
// must not block.
type Notifier interface {
	BeginOperation(ctx context.Context, label string)
	EndOperation(ctx context.Context)
	SessionInvalid(ctx context.Context)
}

// Labels passed to Notifier.BeginOperation.
const (
	LabelLoading   = "Loading..."
	LabelUploading = "Uploading..."
)

// Option represents a configuration option
type Option func(*Client)

// RequestOption adjusts the descriptor built by the verb helpers.
type RequestOption func(*Descriptor)

// Public marks the request as not needing an access token.
func Public() RequestOption {
	return func(d *Descriptor) { d.RequiresAuth = false }
}

// Quiet suppresses the loading signals for the request.
func Quiet() RequestOption {
	return func(d *Descriptor) { d.Quiet = true }
}

// WithHeader sets an extra request header.
func WithHeader(key, value string) RequestOption {
	return func(d *Descriptor) {
		if d.Header == nil {
			d.Header = make(http.Header)
		}
		d.Header.Set(key, value)
	}
}

// UploadOptions configures Upload.
type UploadOptions struct {
	// FieldName is the multipart file field, "file" when empty.
	FieldName string
	Fields    map[string]string
	// Path is the upload endpoint, the client's upload path when empty.
	Path  string
	Quiet bool
}
