// Package logging sets up the daemon's structured logger and parses the
// --log-level flag.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a human-supplied log level name to a slog.Level.
func ParseLevel(input string) (slog.Level, string, error) {
	level := strings.ToLower(strings.TrimSpace(input))
	switch level {
	case "", "info":
		return slog.LevelInfo, "info", nil
	case "debug":
		return slog.LevelDebug, "debug", nil
	case "warn", "warning":
		return slog.LevelWarn, "warn", nil
	case "error", "err":
		return slog.LevelError, "error", nil
	default:
		return slog.LevelInfo, "", fmt.Errorf("unsupported log level %q", input)
	}
}

// New returns a slog.Logger writing structured text records to w at the
// given level, tagged with the worker's team/name so multiplexed daemon
// logs can be attributed to a single worker.
func New(w io.Writer, level slog.Level, team, worker string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger.With("team", team, "worker", worker)
}
