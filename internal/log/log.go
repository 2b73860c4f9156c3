// Package log is the process-wide structured logger.
package log

import (
	"os"
	"sync"

	"github.com/paularlott/logger"
	logslog "github.com/paularlott/logger/slog"
)

var (
	mu  sync.RWMutex
	std logger.Logger = logslog.New(logslog.Config{Level: "info", Format: "console", Writer: os.Stderr})
)

// Configure replaces the package logger. Unknown levels fall back to info
// and unknown formats to console.
func Configure(level, format string) {
	switch level {
	case "trace", "debug", "info", "warn", "error":
	default:
		level = "info"
	}
	if format != "json" {
		format = "console"
	}

	mu.Lock()
	std = logslog.New(logslog.Config{Level: level, Format: format, Writer: os.Stderr})
	mu.Unlock()
}

// Logger returns the current package logger.
func Logger() logger.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// With returns a child logger carrying key=value on every line.
func With(key string, value any) logger.Logger {
	return Logger().With(key, value)
}

// WithGroup returns a child logger that nests its fields under group.
func WithGroup(group string) logger.Logger {
	return Logger().WithGroup(group)
}

func Trace(msg string, keysAndValues ...any) { Logger().Trace(msg, keysAndValues...) }
func Debug(msg string, keysAndValues ...any) { Logger().Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)  { Logger().Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)  { Logger().Warn(msg, keysAndValues...) }
func Error(msg string, keysAndValues ...any) { Logger().Error(msg, keysAndValues...) }
