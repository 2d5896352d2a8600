package tapak

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed logical request.
type ErrorKind string

const (
	// ErrorKindSessionExpired: refresh failed or was impossible; the session was ended.
	ErrorKindSessionExpired ErrorKind = "SessionExpired"
	// ErrorKindRateLimited: the server kept answering 429 after every retry.
	ErrorKindRateLimited ErrorKind = "RateLimited"
	// ErrorKindServer: the envelope carried a non-success code.
	ErrorKindServer ErrorKind = "ServerError"
	// ErrorKindTransport: network failure, timeout or cancellation.
	ErrorKindTransport ErrorKind = "TransportError"
	// ErrorKindParse: the response body was not a valid envelope.
	ErrorKindParse ErrorKind = "ParseError"
	// ErrorKindInvalidRequest: the request could not be built.
	ErrorKindInvalidRequest ErrorKind = "InvalidRequest"
	// ErrorKindValidation: the client configuration is invalid.
	ErrorKindValidation ErrorKind = "Validation"
)

// Sentinel errors matching a ClientError of the same kind through errors.Is.
var (
	ErrSessionExpired = &ClientError{Kind: ErrorKindSessionExpired, Message: "session expired, please log in again"}
	ErrRateLimited    = &ClientError{Kind: ErrorKindRateLimited, Message: "too many requests, please try again later"}
	ErrServer         = &ClientError{Kind: ErrorKindServer, Message: "request failed"}
	ErrTransport      = &ClientError{Kind: ErrorKindTransport, Message: "network request failed"}
	ErrParse          = &ClientError{Kind: ErrorKindParse, Message: "malformed response body"}
	ErrValidation     = &ClientError{Kind: ErrorKindValidation, Message: "configuration validation failed"}
)

// ClientError is the failure carried by a Result.
type ClientError struct {
	Kind       ErrorKind
	Message    string
	Cause      error
	RequestID  string
	Method     string
	Path       string
	Attempt    int
	MaxRetries int
	// StatusCode is the HTTP status, Code the envelope code. Zero when unknown.
	StatusCode int
	Code       int
	Timestamp  time.Time
	Duration   time.Duration
}

// IsTransient reports whether err may succeed if the caller tries again later.
func IsTransient(err error) bool {
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return false
	}
	switch clientErr.Kind {
	case ErrorKindTransport, ErrorKindRateLimited:
		return true
	case ErrorKindServer:
		return clientErr.StatusCode >= 500 || clientErr.Code >= 500
	default:
		return false
	}
}

// Error formats kind and message, decorated with the cause, request id and attempt when known.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap exposes Cause to errors.Is and errors.As.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error kinds for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Kind == targetErr.Kind
	}
	return false
}

// DebugInfo is a verbose, multi-line rendering for logs.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.Path != "" {
		info += fmt.Sprintf("Path: %s\n", e.Path)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Code != 0 {
		info += fmt.Sprintf("Envelope Code: %d\n", e.Code)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}
