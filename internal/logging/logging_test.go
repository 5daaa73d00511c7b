package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"measurecore/internal/config"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewJSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	defer func() { _ = closer.Close() }()
	logger.Debug("evaluated", "item", "length")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "evaluated" || rec["item"] != "length" || rec["service"] != "measurecore" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewWithWriter(config.LoggingConfig{Level: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "measurecore.log")
	var buf bytes.Buffer
	logger, closer := NewWithWriter(config.LoggingConfig{File: config.FileLogConfig{Enabled: true, Path: path, MaxSizeMB: 1}}, &buf)
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("expected message in file, got %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
