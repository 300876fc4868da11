package app

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide JSON logger and installs it as slog's
// default, so library code that logs through slog lands in the same stream.
// Source positions are attached only at debug level; request ids and event
// names are the correlation keys in normal operation.
func NewLogger(level string) *slog.Logger {
	lvl := parseLogLevel(level)

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
	slog.SetDefault(log)
	return log
}

// parseLogLevel accepts slog's level names plus "warning"; anything
// unrecognized falls back to info rather than failing startup.
func parseLogLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
