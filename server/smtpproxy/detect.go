package smtpproxy

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/migadu/xoauth2-proxy/server"
)

// DefaultInspectionDelay is how long an auto listener waits for the client
// to speak first before assuming plaintext SMTP.
const DefaultInspectionDelay = 3 * time.Second

type detection int

const (
	detectedPlain detection = iota
	detectedTLS
	// detectedSilent: nothing arrived in time, which is what a plaintext
	// SMTP client waiting for the greeting looks like.
	detectedSilent
)

func (d detection) String() string {
	switch d {
	case detectedTLS:
		return "tls"
	case detectedSilent:
		return "timeout"
	default:
		return "plain"
	}
}

// detectProtocol peeks at the first byte sent by the client. A TLS
// ClientHello starts with a record type below 0x20; SMTP commands are
// printable. The peeked byte stays available on the returned connection.
func detectProtocol(conn net.Conn, delay time.Duration) (detection, net.Conn, error) {
	if delay <= 0 {
		delay = DefaultInspectionDelay
	}
	if err := conn.SetReadDeadline(time.Now().Add(delay)); err != nil {
		return detectedPlain, nil, ErrConnectionClosed
	}
	reader := bufio.NewReader(conn)
	peek, err := reader.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Nothing was buffered.
			return detectedSilent, conn, nil
		}
		return detectedPlain, nil, ErrConnectionClosed
	}
	wrapped := server.NewBufferedConn(conn, reader)
	if peek[0] < 0x20 {
		return detectedTLS, wrapped, nil
	}
	return detectedPlain, wrapped, nil
}
