package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Logger struct {
	l *slog.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithOptions(os.Stderr, "text", "info")
}

// NewLoggerWithOptions builds a logger writing to w. format is "text" or
// "json"; level is one of debug, info, warn, error.
func NewLoggerWithOptions(w io.Writer, format, level string) *Logger {
	if w == nil {
		w = io.Discard
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{l: slog.New(h)}
}

func NewDiscardLogger() *Logger {
	return NewLoggerWithOptions(io.Discard, "text", "error")
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

func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.l == nil {
		return
	}
	l.l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.l == nil {
		return
	}
	l.l.Error(fmt.Sprintf(format, args...))
}

// With returns a logger that adds key/value attributes to every line.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.l == nil {
		return l
	}
	return &Logger{l: l.l.With(args...)}
}

func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.l == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.l
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
