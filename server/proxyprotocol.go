package server

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/logger"
)

// ErrNoProxyHeader is returned by ReadProxyHeader in optional mode when no PROXY header is found.
var ErrNoProxyHeader = errors.New("no PROXY protocol header found")

var proxyV2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// ProxyProtocolInfo contains information extracted from PROXY protocol header
type ProxyProtocolInfo struct {
	Version  int    // 1 or 2
	Command  string // PROXY, LOCAL or UNKNOWN
	SrcIP    string // Real client IP
	DstIP    string
	SrcPort  int
	DstPort  int
	Protocol string          // TCP4, TCP6, UDP4, UDP6, UNKNOWN
	TLVs     map[byte][]byte // PROXY v2 TLV extensions (type -> value)
}

// ProxyProtocolReader handles PROXY protocol parsing for one listener.
type ProxyProtocolReader struct {
	listener    string
	optional    bool
	trustedNets []*net.IPNet
	timeout     time.Duration
}

// NewProxyProtocolReader creates a reader from the listener's PROXY
// protocol settings. It returns nil when the protocol is disabled.
func NewProxyProtocolReader(listener string, cfg config.ProxyProtocolConfig) (*ProxyProtocolReader, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY protocol timeout: %w", err)
	}

	trusted := cfg.TrustedProxies
	if len(trusted) == 0 {
		trusted = DefaultTrustedNetworks()
	}
	trustedNets, err := ParseTrustedNetworks(trusted)
	if err != nil {
		return nil, err
	}

	r := &ProxyProtocolReader{
		listener:    listener,
		optional:    cfg.Mode == "optional",
		trustedNets: trustedNets,
		timeout:     timeout,
	}
	logger.Debug("PROXY protocol: Initializing reader", "listener", listener, "optional", r.optional, "trusted_proxies", trusted, "timeout", timeout)
	return r, nil
}

// IsOptionalMode returns true if the PROXY protocol is configured in "optional" mode.
func (r *ProxyProtocolReader) IsOptionalMode() bool {
	return r.optional
}

// ReadProxyHeader reads and parses the PROXY protocol header from conn.
// The returned connection must be used instead of conn afterwards since
// bytes following the header may already be buffered.
func (r *ProxyProtocolReader) ReadProxyHeader(conn net.Conn) (*ProxyProtocolInfo, net.Conn, error) {
	remote := GetAddrString(conn.RemoteAddr())
	if !IsTrustedAddr(conn.RemoteAddr(), r.trustedNets) {
		// Only trusted proxies may speak for other clients.
		logger.Debug("PROXY protocol: Rejecting untrusted connection", "listener", r.listener, "remote", remote)
		return nil, conn, fmt.Errorf("connection from untrusted source %s", remote)
	}

	if err := conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return nil, conn, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	reader := bufio.NewReader(conn)
	wrapped := NewBufferedConn(conn, reader)

	peek, err := reader.Peek(5)
	if err != nil {
		if r.optional && (errors.Is(err, io.EOF) || IsConnectionError(err)) {
			return nil, wrapped, ErrNoProxyHeader
		}
		return nil, conn, fmt.Errorf("failed to peek connection for PROXY header: %w", err)
	}

	var info *ProxyProtocolInfo
	version := 1
	switch {
	case string(peek) == "PROXY":
		info, err = parseProxyV1(reader)
	case bytes.HasPrefix(proxyV2Signature, peek):
		version = 2
		info, err = parseProxyV2(reader)
	default:
		if r.optional {
			return nil, wrapped, ErrNoProxyHeader
		}
		return nil, wrapped, errors.New("PROXY protocol header missing")
	}
	if err != nil {
		return nil, conn, fmt.Errorf("failed to parse PROXY v%d header: %w", version, err)
	}

	logger.Debug("PROXY protocol: Parsed header", "listener", r.listener, "version", info.Version, "command", info.Command, "client_ip", info.SrcIP, "client_port", info.SrcPort, "proxy", remote)
	return info, wrapped, nil
}

func parseProxyV1(reader *bufio.Reader) (*ProxyProtocolInfo, error) {
	// A v1 header is at most 107 bytes including CRLF.
	line, err := reader.ReadSlice('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read PROXY line: %w", err)
	}
	if len(line) > 107 {
		return nil, errors.New("PROXY v1 line too long")
	}

	parts := strings.Split(strings.TrimRight(string(line), "\r\n"), " ")
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return &ProxyProtocolInfo{Version: 1, Command: "UNKNOWN", Protocol: "UNKNOWN"}, nil
	}
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid PROXY v1 format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "TCP4" && parts[1] != "TCP6" {
		return nil, fmt.Errorf("unsupported PROXY v1 protocol %q", parts[1])
	}
	if net.ParseIP(parts[2]) == nil || net.ParseIP(parts[3]) == nil {
		return nil, errors.New("invalid address in PROXY v1 header")
	}

	srcPort, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, fmt.Errorf("invalid source port: %w", err)
	}
	dstPort, err := strconv.Atoi(parts[5])
	if err != nil {
		return nil, fmt.Errorf("invalid destination port: %w", err)
	}

	return &ProxyProtocolInfo{
		Version:  1,
		Command:  "PROXY",
		SrcIP:    parts[2],
		DstIP:    parts[3],
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: parts[1],
	}, nil
}

func parseProxyV2(reader *bufio.Reader) (*ProxyProtocolInfo, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, fmt.Errorf("failed to read PROXY v2 header: %w", err)
	}
	if !bytes.Equal(header[:12], proxyV2Signature) {
		return nil, errors.New("invalid PROXY v2 signature")
	}

	version := header[12] >> 4
	command := header[12] & 0x0F
	if version != 2 {
		return nil, fmt.Errorf("invalid PROXY version: %d", version)
	}
	family := header[13] >> 4
	transport := header[13] & 0x0F

	payload := make([]byte, binary.BigEndian.Uint16(header[14:16]))
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, fmt.Errorf("failed to read PROXY v2 payload: %w", err)
	}

	switch command {
	case 0x0:
		return &ProxyProtocolInfo{Version: 2, Command: "LOCAL"}, nil
	case 0x1:
	default:
		return nil, fmt.Errorf("unsupported PROXY v2 command: %d", command)
	}

	var addrLen int
	var suffix string
	switch family {
	case 0x1:
		addrLen, suffix = 12, "4"
	case 0x2:
		addrLen, suffix = 36, "6"
	case 0x0:
		return &ProxyProtocolInfo{Version: 2, Command: "UNKNOWN", Protocol: "UNKNOWN"}, nil
	default:
		return nil, fmt.Errorf("unsupported address family: %d", family)
	}
	if len(payload) < addrLen {
		return nil, errors.New("insufficient data for addresses")
	}

	ipLen := (addrLen - 4) / 2
	info := &ProxyProtocolInfo{
		Version: 2,
		Command: "PROXY",
		SrcIP:   net.IP(payload[:ipLen]).String(),
		DstIP:   net.IP(payload[ipLen : 2*ipLen]).String(),
		SrcPort: int(binary.BigEndian.Uint16(payload[2*ipLen:])),
		DstPort: int(binary.BigEndian.Uint16(payload[2*ipLen+2:])),
	}
	switch transport {
	case 0x1:
		info.Protocol = "TCP" + suffix
	case 0x2:
		info.Protocol = "UDP" + suffix
	}

	tlvs, err := parseTLVs(payload[addrLen:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse TLVs: %w", err)
	}
	info.TLVs = tlvs
	return info, nil
}

func parseTLVs(data []byte) (map[byte][]byte, error) {
	tlvs := make(map[byte][]byte)
	for offset := 0; offset+3 <= len(data); {
		tlvType := data[offset]
		tlvLen := int(binary.BigEndian.Uint16(data[offset+1:]))
		offset += 3
		if offset+tlvLen > len(data) {
			return nil, fmt.Errorf("TLV length exceeds available data: type=0x%02x, len=%d, available=%d", tlvType, tlvLen, len(data)-offset)
		}
		tlvs[tlvType] = bytes.Clone(data[offset : offset+tlvLen])
		offset += tlvLen
	}
	return tlvs, nil
}

// BufferedConn is a connection whose first bytes have already been pulled
// into a bufio.Reader, for example while sniffing a header.
type BufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func NewBufferedConn(conn net.Conn, reader *bufio.Reader) *BufferedConn {
	return &BufferedConn{Conn: conn, reader: reader}
}

func (c *BufferedConn) Read(b []byte) (int, error) {
	if c.reader.Buffered() > 0 {
		return c.reader.Read(b)
	}
	return c.Conn.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *BufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("close write not supported")
}

// ConnectionIPs returns the client IP and, for proxied connections, the IP
// of the proxy that sent the PROXY header.
func ConnectionIPs(conn net.Conn, info *ProxyProtocolInfo) (clientIP, proxyIP string) {
	directIP, _ := GetHostPortFromAddr(conn.RemoteAddr())
	if info != nil && info.SrcIP != "" {
		return info.SrcIP, directIP
	}
	return directIP, ""
}
