//go:build windows || plan9

package logger

import (
	"errors"
	"io"
	"log/slog"
)

func openSyslog(slog.Level) (slog.Handler, io.Closer, error) {
	return nil, nil, errors.New("syslog is not supported on this platform")
}
