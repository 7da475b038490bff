// Package logging builds the slog loggers shared by every component.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
	defaultMaxAgeDays = 28
)

// ParseLevel maps a configured level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing human readable text to stderr and, when filePath
// is set, JSON lines to a rotating log file. The returned close function
// releases the file writer and is safe to call when no file is configured.
func New(level, filePath string) (*slog.Logger, func() error, error) {
	lvl := ParseLevel(level)
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})

	if filePath == "" {
		return slog.New(textHandler), func() error { return nil }, nil
	}

	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAgeDays,
	}
	fileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl})

	return slog.New(fanout{textHandler, fileHandler}), logWriter.Close, nil
}

// Discard returns a logger that drops everything. Used by tests and callers
// that do not care about output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns a child logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
