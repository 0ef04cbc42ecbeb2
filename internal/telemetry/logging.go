// Package telemetry builds the process logger: structured JSON lines to a
// file under the home directory, plus console output that switches to the
// text handler when stdout is a terminal. Sensitive attribute values are
// redacted before they reach any sink.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// NewLogger opens logs/relayd.jsonl under homeDir and returns a logger
// writing there and (unless quiet) to stdout. The returned closer owns the
// log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "relayd.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString && containsSecret(a.Value.String()) {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	}

	fileHandler := slog.NewJSONHandler(file, opts)
	var handler slog.Handler = fileHandler
	if !quiet {
		var console slog.Handler
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			console = slog.NewTextHandler(os.Stdout, opts)
		} else {
			console = slog.NewJSONHandler(os.Stdout, opts)
		}
		handler = teeHandler{handlers: []slog.Handler{fileHandler, console}}
	}

	logger := slog.New(handler).With("component", "relayd")
	return logger, file, nil
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitive := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, tok := range sensitive {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

func containsSecret(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "api_key=") ||
		strings.Contains(lower, "authorization:")
}

func parseLevel(level string) slog.Level {
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

// teeHandler fans each record out to every underlying handler.
type teeHandler struct {
	handlers []slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return teeHandler{handlers: out}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithGroup(name)
	}
	return teeHandler{handlers: out}
}
