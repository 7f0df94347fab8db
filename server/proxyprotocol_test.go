package server

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPair returns the accepted server side of a loopback connection
// after the client has written payload.
func loopbackPair(t *testing.T, payload []byte) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = client.Write(payload)
	require.NoError(t, err)
	return conn
}

func newReader(t *testing.T, cfg config.ProxyProtocolConfig) *ProxyProtocolReader {
	t.Helper()
	cfg.Enabled = true
	if cfg.Timeout == "" {
		cfg.Timeout = "1s"
	}
	r, err := NewProxyProtocolReader("test", cfg)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func proxyV2Header(src, dst net.IP, srcPort, dstPort uint16, tlvs []byte) []byte {
	var buf bytes.Buffer
	buf.Write(proxyV2Signature)
	buf.WriteByte(0x21) // version 2, PROXY
	buf.WriteByte(0x11) // AF_INET, STREAM
	binary.Write(&buf, binary.BigEndian, uint16(12+len(tlvs)))
	buf.Write(src.To4())
	buf.Write(dst.To4())
	binary.Write(&buf, binary.BigEndian, srcPort)
	binary.Write(&buf, binary.BigEndian, dstPort)
	buf.Write(tlvs)
	return buf.Bytes()
}

func TestNewProxyProtocolReader(t *testing.T) {
	r, err := NewProxyProtocolReader("test", config.ProxyProtocolConfig{})
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = NewProxyProtocolReader("test", config.ProxyProtocolConfig{Enabled: true, Timeout: "soon"})
	assert.Error(t, err)

	_, err = NewProxyProtocolReader("test", config.ProxyProtocolConfig{Enabled: true, TrustedProxies: []string{"bogus"}})
	assert.Error(t, err)

	r = newReader(t, config.ProxyProtocolConfig{Mode: "optional"})
	assert.True(t, r.IsOptionalMode())
}

func TestReadProxyHeader_V1(t *testing.T) {
	r := newReader(t, config.ProxyProtocolConfig{})
	conn := loopbackPair(t, []byte("PROXY TCP4 203.0.113.7 192.0.2.1 51000 587\r\nEHLO client\r\n"))

	info, wrapped, err := r.ReadProxyHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)
	assert.Equal(t, "203.0.113.7", info.SrcIP)
	assert.Equal(t, 51000, info.SrcPort)
	assert.Equal(t, 587, info.DstPort)
	assert.Equal(t, "TCP4", info.Protocol)

	assert.Equal(t, "EHLO client\r\n", readLine(t, wrapped))

	clientIP, proxyIP := ConnectionIPs(wrapped, info)
	assert.Equal(t, "203.0.113.7", clientIP)
	assert.Equal(t, "127.0.0.1", proxyIP)
}

func TestReadProxyHeader_V2(t *testing.T) {
	r := newReader(t, config.ProxyProtocolConfig{})
	tlv := []byte{0xE0, 0x00, 0x03, 'a', 'b', 'c'}
	payload := append(proxyV2Header(net.ParseIP("198.51.100.9"), net.ParseIP("192.0.2.1"), 40000, 25, tlv), []byte("QUIT\r\n")...)
	conn := loopbackPair(t, payload)

	info, wrapped, err := r.ReadProxyHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Version)
	assert.Equal(t, "PROXY", info.Command)
	assert.Equal(t, "198.51.100.9", info.SrcIP)
	assert.Equal(t, 40000, info.SrcPort)
	assert.Equal(t, "TCP4", info.Protocol)
	assert.Equal(t, []byte("abc"), info.TLVs[0xE0])
	assert.Equal(t, "QUIT\r\n", readLine(t, wrapped))
}

func TestReadProxyHeader_Missing(t *testing.T) {
	t.Run("required", func(t *testing.T) {
		r := newReader(t, config.ProxyProtocolConfig{})
		conn := loopbackPair(t, []byte("EHLO client\r\n"))
		_, _, err := r.ReadProxyHeader(conn)
		assert.ErrorContains(t, err, "missing")
	})

	t.Run("optional", func(t *testing.T) {
		r := newReader(t, config.ProxyProtocolConfig{Mode: "optional"})
		conn := loopbackPair(t, []byte("EHLO client\r\n"))
		info, wrapped, err := r.ReadProxyHeader(conn)
		assert.ErrorIs(t, err, ErrNoProxyHeader)
		assert.Nil(t, info)
		assert.Equal(t, "EHLO client\r\n", readLine(t, wrapped), "sniffed bytes are not lost")

		clientIP, proxyIP := ConnectionIPs(wrapped, nil)
		assert.Equal(t, "127.0.0.1", clientIP)
		assert.Empty(t, proxyIP)
	})
}

func TestReadProxyHeader_UntrustedSource(t *testing.T) {
	r := newReader(t, config.ProxyProtocolConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	conn := loopbackPair(t, []byte("PROXY TCP4 203.0.113.7 192.0.2.1 51000 587\r\n"))
	_, _, err := r.ReadProxyHeader(conn)
	assert.ErrorContains(t, err, "untrusted")
}

func TestParseProxyV1_Invalid(t *testing.T) {
	for _, line := range []string{
		"PROXY TCP4 203.0.113.7 192.0.2.1 51000\r\n",
		"PROXY UDP4 203.0.113.7 192.0.2.1 51000 25\r\n",
		"PROXY TCP4 nope 192.0.2.1 51000 25\r\n",
		"PROXY TCP4 203.0.113.7 192.0.2.1 port 25\r\n",
	} {
		_, err := parseProxyV1(bufio.NewReader(bytes.NewBufferString(line)))
		assert.Error(t, err, line)
	}

	info, err := parseProxyV1(bufio.NewReader(bytes.NewBufferString("PROXY UNKNOWN\r\n")))
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN", info.Command)
}

func TestParseTLVs(t *testing.T) {
	tlvs, err := parseTLVs([]byte{0x01, 0x00, 0x02, 'h', '2', 0x02, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte("h2"), tlvs[0x01])
	assert.Empty(t, tlvs[0x02])

	_, err = parseTLVs([]byte{0x01, 0x00, 0x09, 'x'})
	assert.ErrorContains(t, err, "exceeds")
}

func TestBufferedConn_Read(t *testing.T) {
	conn := loopbackPair(t, []byte("hello world"))
	reader := bufio.NewReader(conn)
	peek, err := reader.Peek(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(peek))

	wrapped := NewBufferedConn(conn, reader)
	buf := make([]byte, 11)
	_, err = io.ReadFull(wrapped, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}
