// Package log configures the process-wide slog logger shared by the crmflow
// binaries.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a --log-level value to a slog level. Unknown values fall
// back to info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
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

// Setup installs the default logger for a crmflow binary. Every record
// carries the service name so api and worker output can share a sink.
func Setup(service, logLevel string) {
	slog.SetDefault(New(os.Stderr, service, logLevel))
}

func New(w io.Writer, service, logLevel string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	})

	return slog.New(handler).With("service", service)
}

// WithModule scopes the default logger to one component.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
