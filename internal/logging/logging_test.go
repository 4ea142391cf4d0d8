package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewWithOptions_TextAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: "warn", Format: "text", Output: &buf})
	log.Info("hidden")
	log.Warn("shown", slog.String("doc", "d1"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %s", out)
	}
	if !strings.Contains(out, "doc=d1") {
		t.Errorf("text output missing attr: %s", out)
	}
}

func TestTraceIDsAddedUnderSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithOptions(Options{Output: &buf})

	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))
	log.With(slog.String("component", "test")).InfoContext(ctx, "traced")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if rec["trace_id"] != tid.String() || rec["span_id"] != sid.String() {
		t.Errorf("record = %v, want trace and span ids", rec)
	}
	if rec["component"] != "test" {
		t.Errorf("WithAttrs dropped: %v", rec)
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext without logger should return slog.Default")
	}

	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithOptions(Options{Output: &buf}))
	ctx = With(ctx, slog.String("request_id", "r-1"))
	FromContext(ctx).Info("hello")
	if !strings.Contains(buf.String(), `"request_id":"r-1"`) {
		t.Errorf("With() attr missing: %s", buf.String())
	}
}
