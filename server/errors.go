package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsConnectionError reports whether err is ordinary network noise from a
// peer going away: EOF, resets, broken pipes, closed sockets, timeouts, a
// non-TLS client on a TLS port or a missing optional PROXY header. Such
// errors end a session but are not worth a warning.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return true
	case errors.Is(err, ErrNoProxyHeader):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
