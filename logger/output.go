package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/migadu/xoauth2-proxy/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Initialize sets up the global logger. The returned closer releases the
// log file or syslog connection and is safe to call for console outputs.
func Initialize(cfg config.LoggingConfig) (io.Closer, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := parseLogLevel(cfg.Level)

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	var closer io.Closer = nopCloser{}

	switch output {
	case "stdout":
		handler = newHandler(os.Stdout, format, opts)
	case "stderr":
		handler = newHandler(os.Stderr, format, opts)
	case "syslog":
		h, c, err := openSyslog(level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = newHandler(os.Stderr, format, opts)
		} else {
			handler, closer = h, c
		}
	default:
		rotator := newRotator(output, cfg)
		// Open eagerly so a bad path fails at startup, not on the first line.
		if _, err := rotator.Write(nil); err != nil {
			return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		handler = newHandler(rotator, format, opts)
		closer = rotator
	}

	setLogger(slog.New(handler))
	return closer, nil
}

func newRotator(path string, cfg config.LoggingConfig) *lumberjack.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}
