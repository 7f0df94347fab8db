package smtpproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/migadu/xoauth2-proxy/server"
)

// closeGracePeriod bounds how long a gracefully closed socket waits for the
// peer to finish before it is destroyed.
const closeGracePeriod = 30 * time.Second

type closeWriter interface {
	CloseWrite() error
}

// prefixConn replays bytes that were read ahead of a TLS upgrade before
// reading from the underlying socket again.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// halfClose shuts down the writing side of conn. A TLS connection sends
// close_notify first and then the underlying TCP socket is half-closed.
func halfClose(conn, raw net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.CloseWrite()
	}
	if cw, ok := raw.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// drainAndClose reads from conn until the peer closes or the grace period
// expires, then closes raw.
func drainAndClose(conn, raw net.Conn, grace time.Duration) {
	_ = raw.SetReadDeadline(time.Now().Add(grace))
	_, _ = io.Copy(io.Discard, conn)
	_ = raw.Close()
}

// waitHandshake completes a TLS handshake, giving up as soon as ctx is done.
// Losing the race against ctx, or the peer going away mid-handshake, is
// reported as ErrConnectionClosed.
func waitHandshake(ctx context.Context, conn *tls.Conn) error {
	err := conn.HandshakeContext(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || server.IsConnectionError(err) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("tls handshake: %w", err)
}
