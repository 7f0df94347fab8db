// Package logger is the process-wide structured logger.
//
// It wraps log/slog and writes to stdout, stderr, the local syslog daemon,
// or a size-rotated file. Call Initialize once at startup:
//
//	closer, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer closer.Close()
//
// Messages carry a "Component: Message" prefix and key/value pairs:
//
//	logger.Info("SMTP Proxy: Listening", "name", name, "addr", addr)
//	logger.Warn("SMTP Proxy: Backend unavailable", "error", err)
package logger

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

var globalLogger atomic.Pointer[slog.Logger]

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func setLogger(l *slog.Logger) {
	globalLogger.Store(l)
	slog.SetDefault(l)
}

// Get returns the global logger.
func Get() *slog.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// emit logs with the caller of the package-level function as source.
func emit(ctx context.Context, level slog.Level, msg string, args []any) {
	l := Get()
	if !l.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}

func Debug(msg string, args ...any) { emit(context.Background(), slog.LevelDebug, msg, args) }
func Info(msg string, args ...any)  { emit(context.Background(), slog.LevelInfo, msg, args) }
func Warn(msg string, args ...any)  { emit(context.Background(), slog.LevelWarn, msg, args) }
func Error(msg string, args ...any) { emit(context.Background(), slog.LevelError, msg, args) }
