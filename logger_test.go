package tapak

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Light smoke tests ensuring exported logger APIs do not panic and remain callable.
func TestSimpleLoggerLevels(t *testing.T) {
	logger := NewSimpleLogger()

	logger.Debug("debug message")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message")
	logger.Error("error message")
}

func TestSlogLoggerWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Warn("request failed", "kind", ErrorKindServer, "path", "/tasks")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["msg"] != "request failed" || line["kind"] != "ServerError" || line["path"] != "/tasks" {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestLoggerFromContextAddsTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	NewSlogLogger(base).WithContext(ctx).Info("traced")

	out := buf.String()
	if !strings.Contains(out, span.SpanContext().TraceID().String()) {
		t.Errorf("expected trace_id in %s", out)
	}
	if !strings.Contains(out, `"span_id"`) {
		t.Errorf("expected span_id in %s", out)
	}
}

func TestLoggerFromContextWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	LoggerFromContext(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil))).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("did not expect trace_id in %s", buf.String())
	}
}

func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()
	if cfg.Enabled {
		t.Error("debug should be disabled by default")
	}
	if cfg.RequestIDGen == nil || cfg.RequestIDGen() == cfg.RequestIDGen() {
		t.Error("RequestIDGen should produce unique ids")
	}
}
