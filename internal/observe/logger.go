// Package observe wires logging and metrics for the loopback-latency command.
package observe

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ConfigureLogger installs the default slog logger. Valid levels are "none",
// "error", "warn", "info" and "debug". Without a file, text is written to
// stderr so that stdout only carries results; with a file, JSON lines are
// written to it. The returned file, if any, must be closed by the caller.
func ConfigureLogger(level, file string) (*os.File, error) {
	var opts slog.HandlerOptions

	switch level {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unexpected log level %q", level)
	}

	if file == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &opts)))
		return nil, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &opts)))

	return f, nil
}
