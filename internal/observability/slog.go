package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	inner *slog.Logger
}

// NewSlogLogger builds a Logger writing to w. Format is "json" or "text";
// level is one of debug, info, warn, error (default info).
func NewSlogLogger(w io.Writer, format, level string) *SlogLogger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &SlogLogger{inner: slog.New(handler)}
}

// WrapSlog adapts an existing slog logger.
func WrapSlog(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{inner: logger}
}

// With returns a child logger carrying the given fields on every entry.
func (l *SlogLogger) With(fields ...Field) *SlogLogger {
	return &SlogLogger{inner: l.inner.With(toArgs(fields)...)}
}

func (l *SlogLogger) Debug(msg string, fields ...Field) {
	l.log(slog.LevelDebug, msg, fields)
}

func (l *SlogLogger) Info(msg string, fields ...Field) {
	l.log(slog.LevelInfo, msg, fields)
}

func (l *SlogLogger) Warn(msg string, fields ...Field) {
	l.log(slog.LevelWarn, msg, fields)
}

func (l *SlogLogger) Error(msg string, fields ...Field) {
	l.log(slog.LevelError, msg, fields)
}

func (l *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	ctx := context.Background()
	if !l.inner.Enabled(ctx, level) {
		return
	}
	l.inner.Log(ctx, level, msg, toArgs(fields)...)
}

func toArgs(fields []Field) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok {
			args = append(args, slog.String(f.Key, err.Error()))
			continue
		}
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return args
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
