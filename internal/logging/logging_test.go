package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("tier resolved", "chain", "base", "tier", "api")

	out := buf.String()
	if !strings.Contains(out, `"chain":"base"`) {
		t.Errorf("expected JSON attrs in output, got %q", out)
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not be enabled at any level")
	}
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	custom := New("info", "text")
	if OrDiscard(custom) != custom {
		t.Error("OrDiscard should keep a non-nil logger")
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("Expected req-456, got %q", id)
	}
}

func TestFromContext_Fallbacks(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx, nil) != slog.Default() {
		t.Error("Expected slog.Default without context logger or fallback")
	}

	fallback := New("warn", "text")
	if FromContext(ctx, fallback) != fallback {
		t.Error("Expected fallback logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx, fallback) != custom {
		t.Error("Expected custom logger from context to win over fallback")
	}
}

func TestL_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithRequestID(context.Background(), "req-789")
	ctx = WithLogger(ctx, NewWithWriter(&buf, "info", "text"))

	L(ctx, nil).Info("scored")
	if !strings.Contains(buf.String(), "request_id=req-789") {
		t.Errorf("expected request_id attr, got %q", buf.String())
	}
}
