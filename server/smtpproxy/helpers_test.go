package smtpproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/xoauth2-proxy/testutils"
	"github.com/stretchr/testify/require"
)

const (
	goodToken    = "good-token"
	revokedToken = "revoked-token"
)

// fakeBackend is a minimal submission server that only accepts XOAUTH2.
// With implicitTLS set it speaks TLS from the first byte.
type fakeBackend struct {
	ln          net.Listener
	tlsConfig   *tls.Config
	implicitTLS bool

	mu          sync.Mutex
	commands    []string
	messages    []string
	xoauth2     []string
	replies     map[string]string
	disconnects int
}

func newFakeBackend(t *testing.T, mat *testutils.TLSMaterial, implicitTLS bool) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBackend{ln: ln, tlsConfig: mat.ServerConfig(), implicitTLS: implicitTLS, replies: map[string]string{}}
	go b.serve()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *fakeBackend) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func (b *fakeBackend) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.handle(conn)
	}
}

func (b *fakeBackend) record(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, line)
}

// respond makes the backend answer verb with the raw reply text.
func (b *fakeBackend) respond(verb, reply string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[verb] = reply
}

func (b *fakeBackend) cannedReply(verb string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reply, ok := b.replies[verb]
	return reply, ok
}

// Disconnects counts connections that have been closed.
func (b *fakeBackend) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

func (b *fakeBackend) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

func (b *fakeBackend) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

func (b *fakeBackend) XOAuth2() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.xoauth2...)
}

func (b *fakeBackend) handle(conn net.Conn) {
	c := conn
	defer func() {
		c.Close()
		b.mu.Lock()
		b.disconnects++
		b.mu.Unlock()
	}()

	secured := false
	if b.implicitTLS {
		tlsConn := tls.Server(c, b.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		c, secured = tlsConn, true
	}
	r := bufio.NewReader(c)
	write := func(s string) { _, _ = io.WriteString(c, s) }

	write("220 backend.example ESMTP ready\r\n")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		b.record(line)

		verb, args, _ := strings.Cut(line, " ")
		if reply, ok := b.cannedReply(strings.ToUpper(verb)); ok {
			write(reply)
			continue
		}
		switch strings.ToUpper(verb) {
		case "EHLO":
			ext := "250-backend.example\r\n250-PIPELINING\r\n250-8BITMIME\r\n250-CHUNKING\r\n"
			if !secured {
				ext += "250-STARTTLS\r\n"
			}
			write(ext + "250 AUTH LOGIN PLAIN XOAUTH2 OAUTHBEARER\r\n")
		case "HELO":
			write("250 backend.example\r\n")
		case "STARTTLS":
			write("220 2.0.0 Ready to start TLS\r\n")
			tlsConn := tls.Server(c, b.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			c, r, secured = tlsConn, bufio.NewReader(tlsConn), true
		case "AUTH":
			mech, ir, _ := strings.Cut(args, " ")
			decoded, _ := base64.StdEncoding.DecodeString(ir)
			b.mu.Lock()
			b.xoauth2 = append(b.xoauth2, string(decoded))
			b.mu.Unlock()
			if strings.EqualFold(mech, "XOAUTH2") && strings.Contains(string(decoded), "auth=Bearer "+goodToken+"\x01") {
				write("235 2.7.0 Accepted\r\n")
				continue
			}
			challenge := base64.StdEncoding.EncodeToString([]byte(`{"status":"400","schemes":"Bearer","scope":"https://mail.google.com/"}`))
			write("334 " + challenge + "\r\n")
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			write("535-5.7.8 Username and Password not accepted.\r\n535 5.7.8 Try again\r\n")
		case "MAIL":
			write("250 2.1.0 OK\r\n")
		case "RCPT":
			write("250 2.1.5 OK\r\n")
		case "DATA":
			write("354 Go ahead\r\n")
			var msg strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				msg.WriteString(l)
			}
			b.mu.Lock()
			b.messages = append(b.messages, msg.String())
			b.mu.Unlock()
			write("250 2.0.0 OK queued\r\n")
		case "BDAT":
			n, _ := strconv.Atoi(strings.Fields(args)[0])
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			b.mu.Lock()
			b.messages = append(b.messages, string(buf))
			b.mu.Unlock()
			write(fmt.Sprintf("250 2.0.0 %d octets received\r\n", n))
		case "NOOP":
			write("250 2.0.0 OK\r\n")
		case "RSET":
			write("250 2.1.5 Flushed\r\n")
		case "QUIT":
			write("221 2.0.0 closing connection\r\n")
			return
		default:
			write("502 5.5.1 Unrecognized command\r\n")
		}
	}
}

func testAuthenticator() Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, username, password string) (*UserToken, error) {
		if password != "secret" {
			return nil, nil
		}
		switch username {
		case "user@example.com":
			return &UserToken{Username: "user@example.com", AccessToken: goodToken}, nil
		case "revoked@example.com":
			return &UserToken{Username: "revoked@example.com", AccessToken: revokedToken}, nil
		}
		return nil, nil
	})
}

type proxyFixture struct {
	srv     *Server
	backend *fakeBackend
	tls     *testutils.TLSMaterial
	addr    string
}

func startProxy(t *testing.T, mode Mode, mutate func(*ServerOptions)) *proxyFixture {
	t.Helper()
	return newProxyFixture(t, mode, false, mutate)
}

// startProxyTLSBackend is startProxy with a backend reached over implicit
// TLS, so the backend leg is secured from the start.
func startProxyTLSBackend(t *testing.T, mode Mode, mutate func(*ServerOptions)) *proxyFixture {
	t.Helper()
	return newProxyFixture(t, mode, true, mutate)
}

func newProxyFixture(t *testing.T, mode Mode, backendTLS bool, mutate func(*ServerOptions)) *proxyFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	mat := testutils.NewTLSMaterial(t)
	backend := newFakeBackend(t, mat, backendTLS)
	dialer := NewBackendDialer(BackendOptions{
		Host:               "127.0.0.1",
		Port:               backend.port(),
		Secure:             backendTLS,
		InsecureSkipVerify: true,
		ConnectTimeout:     time.Second,
	})

	opts := ServerOptions{
		Name:              "test-" + string(mode),
		Mode:              mode,
		Addresses:         []string{"127.0.0.1"},
		Port:              0,
		TLSConfig:         mat.ServerConfig(),
		GreetingName:      "proxy.test",
		ClientIdleTimeout: 10 * time.Second,
		InspectionDelay:   100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(opts, dialer, testAuthenticator())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	addrs := srv.Addrs()
	require.Len(t, addrs, 1)
	return &proxyFixture{srv: srv, backend: backend, tls: mat, addr: addrs[0].String()}
}

// rawClient speaks SMTP byte for byte.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawClient) send(s string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, s)
	require.NoError(c.t, err)
}

// reply reads one complete reply group.
func (c *rawClient) reply() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var out strings.Builder
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err, "reading reply, got so far: %q", out.String())
		out.WriteString(line)
		if len(line) < 4 || line[3] != '-' {
			return out.String()
		}
	}
}

// startTLS upgrades the client side after a 220 reply.
func (c *rawClient) startTLS(config *tls.Config) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetDeadline(time.Now().Add(5*time.Second)))
	tlsConn := tls.Client(c.conn, config)
	require.NoError(c.t, tlsConn.Handshake())
	require.NoError(c.t, c.conn.SetDeadline(time.Time{}))
	c.conn, c.r = tlsConn, bufio.NewReader(tlsConn)
}

// expectClosed asserts that the proxy hangs up.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	require.ErrorIs(c.t, err, io.EOF)
}

func plainAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
