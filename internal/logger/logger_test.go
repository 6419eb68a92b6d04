package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := Init("position-tracker", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if slog.Default() != logger {
		t.Error("Init should install the default logger")
	}
}

func TestNew_TagsServiceAndTrace(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "position-tracker", slog.LevelDebug)

	ctx := WithTraceID(context.Background(), "TCS-1")
	log.Info("position registered", append(LogWithTrace(ctx), "symbol", "TCS")...)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %s", buf.Bytes())
	}
	if line["service"] != "position-tracker" || line["trace_id"] != "TCS-1" || line["symbol"] != "TCS" {
		t.Errorf("line = %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}
	ctx = WithTraceID(ctx, "cycle-42")
	if tid := TraceID(ctx); tid != "cycle-42" {
		t.Errorf("expected 'cycle-42', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("INFY", ts)
	if !strings.HasPrefix(tid, "INFY-") || !strings.HasSuffix(tid, "123456789") {
		t.Errorf("trace id = %s", tid)
	}
}

func TestLogWithTrace(t *testing.T) {
	if attrs := LogWithTrace(context.Background()); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}
	if attrs := LogWithTrace(WithTraceID(context.Background(), "abc-123")); len(attrs) != 1 {
		t.Fatalf("attrs = %v", attrs)
	}
}
