package util

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerFansOutToFile(t *testing.T) {
	var out, file bytes.Buffer
	logger := NewLogger(&out, &file, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("stream ended", "stream_id", "S1")

	for name, buf := range map[string]*bytes.Buffer{"stdout": &out, "file": &file} {
		var record map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
			t.Fatalf("%s: expected one JSON record, got %q (%v)", name, buf.String(), err)
		}
		if record["msg"] != "stream ended" || record["stream_id"] != "S1" {
			t.Fatalf("%s: unexpected record %v", name, record)
		}
	}
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatal("expected default logger")
	}
	var out bytes.Buffer
	logger := NewLogger(&out, nil, slog.LevelInfo)
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatal("expected logger stored in context")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
