package smtpproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteEHLO(t *testing.T) {
	resp := &Response{Code: "250", Lines: []string{
		"250-smtp.example.com at your service\r\n",
		"250-SIZE 35882577\r\n",
		"250-AUTH LOGIN PLAIN XOAUTH2 PLAIN-CLIENTTOKEN OAUTHBEARER\r\n",
		"250 SMTPUTF8\r\n",
	}}

	t.Run("unsecured client is offered STARTTLS", func(t *testing.T) {
		out := rewriteEHLO(resp, false)
		assert.Equal(t, "250-smtp.example.com at your service\r\n"+
			"250-SIZE 35882577\r\n"+
			"250-AUTH PLAIN LOGIN\r\n"+
			"250-SMTPUTF8\r\n"+
			"250 STARTTLS\r\n", out.String())
	})

	t.Run("secured client", func(t *testing.T) {
		out := rewriteEHLO(resp, true)
		assert.Equal(t, "250-smtp.example.com at your service\r\n"+
			"250-SIZE 35882577\r\n"+
			"250-AUTH PLAIN LOGIN\r\n"+
			"250 SMTPUTF8\r\n", out.String())
	})

	t.Run("input is not modified", func(t *testing.T) {
		rewriteEHLO(resp, false)
		assert.Equal(t, "250-AUTH LOGIN PLAIN XOAUTH2 PLAIN-CLIENTTOKEN OAUTHBEARER\r\n", resp.Lines[2])
	})
}

func TestRewriteEHLOKeepsBackendStartTLS(t *testing.T) {
	resp := &Response{Code: "250", Lines: []string{
		"250-mx.example.com\r\n",
		"250-STARTTLS\r\n",
		"250 AUTH=LOGIN\r\n",
	}}
	out := rewriteEHLO(resp, false)
	assert.Equal(t, "250-mx.example.com\r\n250-STARTTLS\r\n250 AUTH=PLAIN LOGIN\r\n", out.String())
}

func TestRewriteGreeting(t *testing.T) {
	resp := &Response{Code: "220", Lines: []string{"220 smtp.example.com ESMTP ready\r\n"}}
	out := rewriteGreeting(resp, "proxy.local")
	assert.Equal(t, "220-smtp.example.com ESMTP ready\r\n220 Welcome to xoauth2-proxy @ proxy.local\r\n", out.String())

	busy := &Response{Code: "554", Lines: []string{"554 go away\r\n"}}
	assert.Same(t, busy, rewriteGreeting(busy, "proxy.local"))
}

func TestContinuation(t *testing.T) {
	assert.Equal(t, "250-OK\r\n", continuation("250 OK\r\n"))
	assert.Equal(t, "250-\r\n", continuation("250\r\n"))
}

func TestParseCommand(t *testing.T) {
	cmd := parseCommand("mail FROM:<a@example.com> SIZE=10")
	assert.Equal(t, "MAIL", cmd.Name)
	assert.Equal(t, "FROM:<a@example.com> SIZE=10", cmd.Args)
	assert.Equal(t, "mail FROM:<a@example.com> SIZE=10\r\n", cmd.Raw)

	cmd = parseCommand("quit")
	assert.Equal(t, "QUIT", cmd.Name)
	assert.Empty(t, cmd.Args)
}

func TestCommandLabel(t *testing.T) {
	assert.Equal(t, "EHLO", commandLabel("EHLO"))
	assert.Equal(t, "OTHER", commandLabel("XCLIENT"))
}
