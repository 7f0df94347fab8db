package server

import (
	"net"
	"sync"

	"github.com/migadu/xoauth2-proxy/logger"
)

type logFunc func(msg string, keysAndValues ...any)

// ProxySessionLogger provides common logging functionality for proxy sessions.
// Every line carries the listener, session and client identity so that a
// single session can be followed through the log.
type ProxySessionLogger struct {
	Protocol   string
	ServerName string
	SessionID  string
	RemoteAddr net.Addr
	// ClientIP is the address announced in a PROXY header; it replaces
	// RemoteAddr in log lines when ProxyIP is set.
	ClientIP string
	// ProxyIP is set when the client address came from a PROXY header.
	ProxyIP string
	Debug   bool

	mu       sync.RWMutex
	username string
}

// SetUsername records the authenticated user for subsequent log lines.
func (l *ProxySessionLogger) SetUsername(username string) {
	l.mu.Lock()
	l.username = username
	l.mu.Unlock()
}

func (l *ProxySessionLogger) Username() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.username
}

// log is the common logging implementation for all log levels
func (l *ProxySessionLogger) log(logFn logFunc, msg string, keysAndValues ...any) {
	remote := GetAddrString(l.RemoteAddr)
	if l.ProxyIP != "" && l.ClientIP != "" {
		remote = l.ClientIP
	}
	allKeyvals := []any{"proto", l.Protocol, "name", l.ServerName, "session", l.SessionID, "remote", remote}
	if l.ProxyIP != "" {
		allKeyvals = append(allKeyvals, "proxy", l.ProxyIP)
	}

	// Always add user (empty string if not set for consistent log structure)
	allKeyvals = append(allKeyvals, "user", l.Username())

	allKeyvals = append(allKeyvals, keysAndValues...)
	logFn(msg, allKeyvals...)
}

// InfoLog logs at INFO level with session context
func (l *ProxySessionLogger) InfoLog(msg string, keysAndValues ...any) {
	l.log(logger.Info, msg, keysAndValues...)
}

// DebugLog logs at DEBUG level with session context
func (l *ProxySessionLogger) DebugLog(msg string, keysAndValues ...any) {
	if l.Debug {
		l.log(logger.Debug, msg, keysAndValues...)
	}
}

// WarnLog logs at WARN level with session context
func (l *ProxySessionLogger) WarnLog(msg string, keysAndValues ...any) {
	l.log(logger.Warn, msg, keysAndValues...)
}

// ErrorLog logs at ERROR level with session context
func (l *ProxySessionLogger) ErrorLog(msg string, keysAndValues ...any) {
	l.log(logger.Error, msg, keysAndValues...)
}
