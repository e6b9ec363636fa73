package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWriter_ErrorLevelFiltersInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at error level")
	}
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info", "json").Info("hello", "request", "req_1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "hello" || line["request"] != "req_1" {
		t.Errorf("unexpected line: %v", line)
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || UserID(ctx) != "" {
		t.Fatal("expected empty ids on a bare context")
	}
	if FromContext(ctx) != slog.Default() {
		t.Fatal("expected slog.Default without a stored logger")
	}

	custom := Discard()
	ctx = WithLogger(WithUserID(WithRequestID(ctx, "rid-1"), "usr_1"), custom)
	if RequestID(ctx) != "rid-1" {
		t.Errorf("request id = %q", RequestID(ctx))
	}
	if UserID(ctx) != "usr_1" {
		t.Errorf("user id = %q", UserID(ctx))
	}
	if FromContext(ctx) != custom {
		t.Error("expected stored logger")
	}
}

func TestL_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&buf, "info", "text"))
	ctx = WithUserID(WithRequestID(ctx, "rid-9"), "usr_9")

	L(ctx).Info("relay")

	out := buf.String()
	if !strings.Contains(out, "request_id=rid-9") || !strings.Contains(out, "user_id=usr_9") {
		t.Errorf("missing ids in %q", out)
	}
}
