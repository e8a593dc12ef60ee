// Package log holds the process-wide structured logger. Records are JSON
// lines with UTC timestamps, tagged with component, command, worker or plan
// fields by the helpers below.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// ParseLevel maps a config level name to slog. Unknown names are INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Setup initializes the global logger on stdout. Only the first call to
// Setup or SetupWriter takes effect.
func Setup(level string) {
	SetupWriter(os.Stdout, level)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string) {
	once.Do(func() {
		logger = slog.New(newHandler(w, ParseLevel(level)))
		slog.SetDefault(logger)
	})
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	})
}

// Get returns the configured logger, or an INFO one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("info")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithCommand returns a logger with the command_id field set.
func WithCommand(id string) *slog.Logger {
	return Get().With(slog.String("command_id", id))
}

// WithWorker returns a logger with the worker_id field set.
func WithWorker(id string) *slog.Logger {
	return Get().With(slog.String("worker_id", id))
}

// WithPlan returns a logger with the plan_id field set.
func WithPlan(id string) *slog.Logger {
	return Get().With(slog.String("plan_id", id))
}
