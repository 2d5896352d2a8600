package tapak

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logger used by the client. Key/value pairs follow
// the log/slog convention.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// contextLogger is implemented by loggers that can enrich themselves from a
// request context.
type contextLogger interface {
	WithContext(ctx context.Context) Logger
}

// DebugConfig selects which debug events are logged.
type DebugConfig struct {
	Enabled          bool
	LogRequests      bool
	LogRetries       bool
	LogRefresh       bool
	LogThrottle      bool
	LogDeduplication bool
	RequestIDGen     func() string
}

// DefaultDebugConfig returns a disabled config with every category on.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:          false,
		LogRequests:      true,
		LogRetries:       true,
		LogRefresh:       true,
		LogThrottle:      true,
		LogDeduplication: true,
		RequestIDGen:     uuid.NewString,
	}
}

// SlogLogger adapts a *slog.Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l; a nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

// NewSimpleLogger logs text lines at debug level to stderr.
func NewSimpleLogger() *SlogLogger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func (s *SlogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s *SlogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s *SlogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s *SlogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

// WithContext adds trace_id and span_id when ctx carries a valid span.
func (s *SlogLogger) WithContext(ctx context.Context) Logger {
	return &SlogLogger{l: LoggerFromContext(ctx, s.l)}
}

// LoggerFromContext returns base annotated with the span of ctx, if any.
func LoggerFromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		base = base.With(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return base
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
