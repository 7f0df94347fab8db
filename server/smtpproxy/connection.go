package smtpproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is one leg of a proxied session. Reads are made by a single
// owner goroutine at a time; writes are serialized and may come from any
// goroutine.
type Connection struct {
	raw net.Conn

	connMu sync.RWMutex
	conn   net.Conn

	writeMu sync.Mutex

	secured atomic.Bool
	eof     atomic.Bool
	ended   atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps conn. raw is the transport socket underneath conn and
// is what gets half-closed and destroyed; it is usually conn itself.
func NewConnection(conn, raw net.Conn, secured bool) *Connection {
	if raw == nil {
		raw = conn
	}
	c := &Connection{raw: raw, conn: conn, closed: make(chan struct{})}
	c.secured.Store(secured)
	return c
}

func (c *Connection) current() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Secured reports whether the leg is protected by TLS or trusted as such.
func (c *Connection) Secured() bool {
	return c.secured.Load()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// ConnectionState returns the TLS state when the leg runs over TLS.
func (c *Connection) ConnectionState() (tls.ConnectionState, bool) {
	if tlsConn, ok := c.current().(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

func (c *Connection) Read(p []byte) (int, error) {
	n, err := c.current().Read(p)
	if errors.Is(err, io.EOF) {
		c.eof.Store(true)
	}
	return n, err
}

// Write sends all of p. Concurrent writes never interleave.
func (c *Connection) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	_, err := c.current().Write(p)
	return err
}

// WriteString is Write for string payloads.
func (c *Connection) WriteString(s string) error {
	return c.Write([]byte(s))
}

// Notify writes an unsolicited reply, giving up after timeout. Any write
// stuck on a peer that does not read is released by the same deadline.
func (c *Connection) Notify(msg string, timeout time.Duration) {
	_ = c.raw.SetWriteDeadline(time.Now().Add(timeout))
	_ = c.WriteString(msg)
}

// UpgradeToTLS replaces the plaintext transport with TLS. buffered holds
// bytes that were already read off the socket and belong to the handshake.
// Writes are held back until the handshake has finished.
func (c *Connection) UpgradeToTLS(ctx context.Context, config *tls.Config, asServer bool, buffered []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.secured.Load() {
		return ErrAlreadySecured
	}

	var base net.Conn = c.current()
	if len(buffered) > 0 {
		base = &prefixConn{Conn: base, prefix: buffered}
	}

	var tlsConn *tls.Conn
	if asServer {
		tlsConn = tls.Server(base, config)
	} else {
		tlsConn = tls.Client(base, config)
	}
	if err := waitHandshake(ctx, tlsConn); err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = tlsConn
	c.connMu.Unlock()
	c.secured.Store(true)
	return nil
}

// End half-closes the leg: no more data is sent but the peer may still
// deliver what it has in flight.
func (c *Connection) End() {
	if c.ended.Swap(true) {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	halfClose(c.current(), c.raw)
}

// Close releases the leg. With a nil error the close is graceful: the
// write side is shut down and the socket is destroyed once the peer has
// finished or closeGracePeriod passes. A non-nil error destroys the
// socket immediately.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err != nil || c.eof.Load() {
			_ = c.raw.Close()
			return
		}
		if !c.ended.Swap(true) {
			halfClose(c.current(), c.raw)
		}
		go drainAndClose(c.current(), c.raw, closeGracePeriod)
	})
}

// Destroy closes the underlying socket immediately, unblocking any reader.
func (c *Connection) Destroy() {
	c.closeOnce.Do(func() { close(c.closed) })
	_ = c.raw.Close()
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
