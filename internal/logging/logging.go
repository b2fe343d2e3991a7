// Package logging holds the process-wide operational logger. Components log
// through Op() so that the relay binary can reconfigure level and format in
// one place without threading a logger through every constructor.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	if lvl := os.Getenv("ACKFLOW_LOG_LEVEL"); lvl != "" {
		SetLevelFromString(lvl)
	}
	format := os.Getenv("ACKFLOW_LOG_FORMAT")
	opLogger.Store(slog.New(newHandler(format)))
}

func newHandler(format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Init reconfigures the operational logger.
// format: "text" (default) or "json". level: "debug", "info", "warn", "error".
func Init(format, level string) {
	SetLevelFromString(level)
	opLogger.Store(slog.New(newHandler(format)))
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error".
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}
