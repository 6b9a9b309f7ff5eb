package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestNewTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "pipeline", slog.LevelInfo)
	log.Debug("hidden")
	log.Info("visible", "build_id", "b-1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v (%s)", err, buf.String())
	}
	if record["service"] != "pipeline" {
		t.Fatalf("expected service tag, got %v", record["service"])
	}
	if record["build_id"] != "b-1" {
		t.Fatalf("expected build_id attr, got %v", record["build_id"])
	}
}
