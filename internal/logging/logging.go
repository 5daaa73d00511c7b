// Package logging builds the process slog.Logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"measurecore/internal/config"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a logger writing to stdout and, when enabled, a rotating file.
// The returned closer flushes and closes the file writer.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit console writer.
func NewWithWriter(cfg config.LoggingConfig, console io.Writer) (*slog.Logger, io.Closer) {
	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.File.Enabled {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		writers = append(writers, rotating)
		closer = rotating
	}
	w := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", "measurecore")), closer
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
