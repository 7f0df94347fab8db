package smtpproxy

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessage = "Subject: hello\r\n\r\nHello over XOAUTH2.\r\n"

func sendMessage(t *testing.T, c *smtp.Client) {
	t.Helper()
	require.NoError(t, c.Mail("user@example.com", nil))
	require.NoError(t, c.Rcpt("rcpt@example.net", nil))
	wc, err := c.Data()
	require.NoError(t, err)
	_, err = io.WriteString(wc, testMessage)
	require.NoError(t, err)
	require.NoError(t, wc.Close())
}

func TestSession_StartTLSTransaction(t *testing.T) {
	f := startProxy(t, ModeStartTLS, nil)

	c, err := smtp.DialStartTLS(f.addr, f.tls.ClientConfig())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Auth(sasl.NewPlainClient("", "user@example.com", "secret")))
	sendMessage(t, c)
	require.NoError(t, c.Quit())

	assert.Contains(t, f.backend.XOAuth2(), "user=user@example.com\x01auth=Bearer good-token\x01\x01")
	messages := f.backend.Messages()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "Hello over XOAUTH2.")

	commands := f.backend.Commands()
	assert.Contains(t, commands, "STARTTLS")
	for _, cmd := range commands {
		assert.NotContains(t, cmd, "AUTH PLAIN", "client credentials must not reach the backend")
	}
}

func TestSession_ImplicitTLSLogin(t *testing.T) {
	f := startProxy(t, ModeImplicitTLS, nil)

	c, err := smtp.DialTLS(f.addr, f.tls.ClientConfig())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Auth(sasl.NewLoginClient("user@example.com", "secret")))
	sendMessage(t, c)
	require.NoError(t, c.Quit())

	assert.Len(t, f.backend.Messages(), 1)
}

func TestSession_SecuredModeUpgradesBackend(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)

	c, err := smtp.Dial(f.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.test"))
	ok, _ := c.Extension("STARTTLS")
	assert.False(t, ok, "a secured client leg is not offered STARTTLS")
	ok, mechs := c.Extension("AUTH")
	require.True(t, ok)
	assert.Equal(t, "PLAIN LOGIN", mechs)

	require.NoError(t, c.Auth(sasl.NewPlainClient("", "user@example.com", "secret")))
	sendMessage(t, c)
	require.NoError(t, c.Quit())

	assert.Contains(t, f.backend.Commands(), "STARTTLS")
}

func TestSession_AutoMode(t *testing.T) {
	f := startProxy(t, ModeAuto, nil)

	t.Run("tls", func(t *testing.T) {
		c, err := smtp.DialTLS(f.addr, f.tls.ClientConfig())
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.Auth(sasl.NewPlainClient("", "user@example.com", "secret")))
		require.NoError(t, c.Quit())
	})

	t.Run("plain", func(t *testing.T) {
		c, err := smtp.DialStartTLS(f.addr, f.tls.ClientConfig())
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.Auth(sasl.NewPlainClient("", "user@example.com", "secret")))
		require.NoError(t, c.Quit())
	})
}

func TestSession_AuthFailures(t *testing.T) {
	f := startProxy(t, ModeImplicitTLS, nil)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "user@example.com", "wrong"},
		{"unknown user", "nobody@example.com", "secret"},
		{"backend rejects token", "revoked@example.com", "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := smtp.DialTLS(f.addr, f.tls.ClientConfig())
			require.NoError(t, err)
			defer c.Close()

			err = c.Auth(sasl.NewPlainClient("", tt.username, tt.password))
			var smtpErr *smtp.SMTPError
			require.ErrorAs(t, err, &smtpErr)
			assert.Equal(t, 535, smtpErr.Code)

			// The session survives a failed attempt.
			require.NoError(t, c.Noop())
		})
	}
}

func TestSession_Greeting(t *testing.T) {
	f := startProxy(t, ModeStartTLS, nil)
	c := dialRaw(t, f.addr)

	assert.Equal(t, "220-backend.example ESMTP ready\r\n220 Welcome to xoauth2-proxy @ proxy.test\r\n", c.reply())
}

func TestSession_StageEnforcement(t *testing.T) {
	f := startProxy(t, ModeStartTLS, nil)
	c := dialRaw(t, f.addr)
	c.reply()

	c.send("MAIL FROM:<user@example.com>\r\n")
	assert.Equal(t, "503 5.5.1 Send HELO/EHLO first\r\n", c.reply())

	c.send("EHLO client.test\r\n")
	ehlo := c.reply()
	assert.Contains(t, ehlo, "250-STARTTLS\r\n")
	assert.Contains(t, ehlo, "250 AUTH PLAIN LOGIN\r\n")
	assert.NotContains(t, ehlo, "XOAUTH2")

	c.send("AUTH PLAIN " + plainAuth("user@example.com", "secret") + "\r\n")
	assert.Equal(t, "503 5.5.1 Must issue a STARTTLS command first\r\n", c.reply())

	c.send("NOOP\r\n")
	assert.Equal(t, "250 2.0.0 OK\r\n", c.reply())

	c.send("QUIT\r\n")
	assert.Equal(t, "221 2.0.0 closing connection\r\n", c.reply())
	c.expectClosed()
}

func TestSession_PipelinedRepliesKeepOrder(t *testing.T) {
	f := startProxy(t, ModeStartTLS, func(o *ServerOptions) {
		o.MaxLineLength = 128
	})
	c := dialRaw(t, f.addr)
	c.reply()
	c.send("EHLO client.test\r\n")
	c.reply()

	c.send("NOOP\r\n" + strings.Repeat("X", 300) + "\r\nMAIL FROM:<a@example.com>\r\nRSET\r\n")
	assert.Equal(t, "250 2.0.0 OK\r\n", c.reply())
	assert.Equal(t, "500 5.5.6 Line too long\r\n", c.reply())
	assert.Equal(t, "503 5.5.1 Must issue a STARTTLS command first\r\n", c.reply())
	assert.Equal(t, "250 2.1.5 Flushed\r\n", c.reply())
}

func TestSession_PipelinedAfterEHLOOnSecuredListener(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)
	c := dialRaw(t, f.addr)
	c.reply()

	c.send("EHLO client.test\r\nNOOP\r\n")
	ehlo := c.reply()
	assert.True(t, strings.HasPrefix(ehlo, "250-backend.example\r\n"), ehlo)
	assert.Contains(t, ehlo, "250 AUTH PLAIN LOGIN\r\n")
	assert.Equal(t, "250 2.0.0 OK\r\n", c.reply())

	// NOOP only reaches the backend once its leg has been secured.
	assert.Equal(t, []string{"EHLO client.test", "STARTTLS", "EHLO client.test", "NOOP"}, f.backend.Commands())
}

func TestSession_PipelinedAfterAuth(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)
	c := dialRaw(t, f.addr)
	c.reply()
	c.send("EHLO client.test\r\n")
	c.reply()

	c.send("AUTH PLAIN " + plainAuth("user@example.com", "secret") + "\r\nMAIL FROM:<a@example.com>\r\n")
	assert.Equal(t, "235 2.7.0 Authentication successful\r\n", c.reply())
	assert.Equal(t, "250 2.1.0 OK\r\n", c.reply())

	c.send("QUIT\r\nNOOP\r\n")
	assert.Equal(t, "221 2.0.0 closing connection\r\n", c.reply())
	c.expectClosed()
	assert.NotContains(t, f.backend.Commands(), "NOOP")
}

func TestSession_StartTLSWithSecuredBackend(t *testing.T) {
	f := startProxyTLSBackend(t, ModeStartTLS, nil)
	c := dialRaw(t, f.addr)
	c.reply()

	c.send("EHLO client.test\r\n")
	assert.Contains(t, c.reply(), "250 STARTTLS\r\n")

	c.send("STARTTLS\r\n")
	assert.Equal(t, "220 2.0.0 Ready to start TLS\r\n", c.reply())
	c.startTLS(f.tls.ClientConfig())

	c.send("EHLO client.test\r\n")
	ehlo := c.reply()
	assert.NotContains(t, ehlo, "STARTTLS")
	c.send("AUTH PLAIN " + plainAuth("user@example.com", "secret") + "\r\n")
	assert.Equal(t, "235 2.7.0 Authentication successful\r\n", c.reply())
	c.send("MAIL FROM:<user@example.com>\r\n")
	assert.Equal(t, "250 2.1.0 OK\r\n", c.reply())

	assert.NotContains(t, f.backend.Commands(), "STARTTLS")
	assert.Equal(t, []string{"EHLO client.test", "EHLO client.test"}, f.backend.Commands()[:2])
}

func TestSession_SecuredListenerWithSecuredBackend(t *testing.T) {
	f := startProxyTLSBackend(t, ModeSecured, nil)

	c, err := smtp.Dial(f.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.test"))
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "user@example.com", "secret")))
	sendMessage(t, c)
	require.NoError(t, c.Quit())

	assert.NotContains(t, f.backend.Commands(), "STARTTLS")
	assert.Len(t, f.backend.Messages(), 1)
}

func TestSession_InvalidBackendResponseIsFatal(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)
	f.backend.respond("NOOP", "250-first line\r\n251 second line\r\n")
	invalid := metrics.SessionErrorsTotal.WithLabelValues("invalid_response")
	before := testutil.ToFloat64(invalid)

	c := dialRaw(t, f.addr)
	c.reply()
	c.send("EHLO client.test\r\n")
	c.reply()

	c.send("NOOP\r\n")
	c.expectClosed()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(invalid) >= before+1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.backend.Disconnects() == 1 && len(f.srv.Sessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_IdleTimeoutWithoutCompleteLine(t *testing.T) {
	f := startProxy(t, ModeStartTLS, func(o *ServerOptions) {
		o.ClientIdleTimeout = 500 * time.Millisecond
	})
	c := dialRaw(t, f.addr)
	c.reply()
	start := time.Now()

	// Bytes without a line ending do not restart the timer.
	for i := 0; i < 3; i++ {
		c.send("N")
		time.Sleep(150 * time.Millisecond)
	}
	assert.Equal(t, "421 4.4.2 Idle timeout, closing connection\r\n", c.reply())
	assert.Less(t, time.Since(start), 750*time.Millisecond)
}

// authenticatedRaw returns a raw client that has passed EHLO and AUTH on
// a secured listener.
func authenticatedRaw(t *testing.T, f *proxyFixture) *rawClient {
	t.Helper()
	c := dialRaw(t, f.addr)
	c.reply()
	c.send("EHLO client.test\r\n")
	require.True(t, strings.HasPrefix(c.reply(), "250"))
	c.send("AUTH PLAIN " + plainAuth("user@example.com", "secret") + "\r\n")
	require.Equal(t, "235 2.7.0 Authentication successful\r\n", c.reply())
	return c
}

func TestSession_LoginExchange(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)
	c := dialRaw(t, f.addr)
	c.reply()
	c.send("EHLO client.test\r\n")
	c.reply()

	c.send("AUTH LOGIN\r\n")
	assert.Equal(t, "334 VXNlcm5hbWU6\r\n", c.reply())
	c.send(b64("user@example.com") + "\r\n")
	assert.Equal(t, "334 UGFzc3dvcmQ6\r\n", c.reply())
	c.send(b64("secret") + "\r\n")
	assert.Equal(t, "235 2.7.0 Authentication successful\r\n", c.reply())
}

func TestSession_AuthCommandErrors(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)
	c := dialRaw(t, f.addr)
	c.reply()
	c.send("EHLO client.test\r\n")
	c.reply()

	c.send("AUTH CRAM-MD5\r\n")
	assert.Equal(t, "504 5.5.4 Unknown authentication mechanism\r\n", c.reply())

	c.send("AUTH\r\n")
	assert.Equal(t, "501 5.5.2 Syntax error in parameters or arguments\r\n", c.reply())

	c.send("AUTH PLAIN !!notbase64\r\n")
	assert.Equal(t, "501 5.5.2 Syntax error in parameters or arguments\r\n", c.reply())

	c.send("AUTH LOGIN\r\n")
	assert.Equal(t, "334 VXNlcm5hbWU6\r\n", c.reply())
	c.send("*\r\n")
	assert.Equal(t, "501 5.5.2 Authentication aborted\r\n", c.reply())

	c.send("AUTH PLAIN\r\n")
	assert.Equal(t, "334 \r\n", c.reply())
	c.send(plainAuth("user@example.com", "wrong") + "\r\n")
	assert.Equal(t, "535 5.7.8 Authentication failed\r\n", c.reply())

	c.send("STARTTLS\r\n")
	assert.Equal(t, "503 5.5.1 Connection already secured\r\n", c.reply())

	c.send("MAIL FROM:<user@example.com>\r\n")
	assert.Equal(t, "530 5.7.0 Authentication required\r\n", c.reply())
}

func TestSession_AuthTwice(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)
	c := authenticatedRaw(t, f)

	c.send("AUTH PLAIN " + plainAuth("user@example.com", "secret") + "\r\n")
	assert.Equal(t, "503 5.5.1 Bad sequence of commands\r\n", c.reply())
	c.send("STARTTLS\r\n")
	assert.Equal(t, "503 5.5.1 Connection already secured\r\n", c.reply())
}

func TestSession_BDAT(t *testing.T) {
	f := startProxy(t, ModeSecured, nil)

	t.Run("before auth", func(t *testing.T) {
		c := dialRaw(t, f.addr)
		c.reply()
		c.send("EHLO client.test\r\n")
		c.reply()

		c.send("BDAT 5 LAST\r\nhello")
		assert.Equal(t, "530 5.7.0 Authentication required\r\n", c.reply())
		c.send("NOOP\r\n")
		assert.Equal(t, "250 2.0.0 OK\r\n", c.reply())
	})

	t.Run("relayed", func(t *testing.T) {
		c := authenticatedRaw(t, f)
		c.send("MAIL FROM:<user@example.com>\r\n")
		assert.Equal(t, "250 2.1.0 OK\r\n", c.reply())
		c.send("RCPT TO:<rcpt@example.net>\r\n")
		assert.Equal(t, "250 2.1.5 OK\r\n", c.reply())

		body := strings.Repeat("b", 85)
		c.send("BDAT 85 LAST\r\n" + body)
		assert.Equal(t, "250 2.0.0 85 octets received\r\n", c.reply())
		assert.Contains(t, f.backend.Messages(), body)
	})

	t.Run("invalid size", func(t *testing.T) {
		c := authenticatedRaw(t, f)
		c.send("BDAT abc\r\n")
		assert.Equal(t, "501 5.5.2 Invalid chunk data size\r\n", c.reply())
	})
}

func TestSession_IdleTimeout(t *testing.T) {
	f := startProxy(t, ModeStartTLS, func(o *ServerOptions) {
		o.ClientIdleTimeout = 300 * time.Millisecond
	})
	c := dialRaw(t, f.addr)
	c.reply()

	assert.Equal(t, "421 4.4.2 Idle timeout, closing connection\r\n", c.reply())
	c.expectClosed()
}

func TestSession_BackendUnavailable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	dialer := NewBackendDialer(BackendOptions{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second})
	srv, err := New(ServerOptions{
		Name:      "down",
		Mode:      ModeSecured,
		Addresses: []string{"127.0.0.1"},
	}, dialer, testAuthenticator())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	c := dialRaw(t, srv.Addrs()[0].String())
	assert.Equal(t, "421 4.4.1 Backend unavailable\r\n", c.reply())
	c.expectClosed()
}

func TestSession_AuthRateLimited(t *testing.T) {
	f := startProxy(t, ModeSecured, func(o *ServerOptions) {
		o.AuthRateLimit = config.AuthRateLimitConfig{
			Enabled:             true,
			MaxAttemptsPerIP:    10,
			FastBlockThreshold:  2,
			FastBlockDuration:   "1m",
			DelayStartThreshold: 10,
			InitialDelay:        "1ms",
			MaxDelay:            "1ms",
		}
	})
	c := dialRaw(t, f.addr)
	c.reply()
	c.send("EHLO client.test\r\n")
	c.reply()

	for i := 0; i < 2; i++ {
		c.send("AUTH PLAIN " + plainAuth("user@example.com", "wrong") + "\r\n")
		assert.Equal(t, "535 5.7.8 Authentication failed\r\n", c.reply())
	}

	// Blocked even with the right password.
	c.send("AUTH PLAIN " + plainAuth("user@example.com", "secret") + "\r\n")
	assert.Equal(t, "454 4.7.0 Too many failed authentication attempts, try again later\r\n", c.reply())
	assert.Empty(t, f.backend.XOAuth2())
}
