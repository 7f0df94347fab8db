package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return &buf
}

func TestProxySessionLogger(t *testing.T) {
	buf := captureLog(t)

	l := &ProxySessionLogger{
		Protocol:   "smtp_proxy",
		ServerName: "submission",
		SessionID:  "01HZX",
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4000},
		ClientIP:   "203.0.113.7",
		ProxyIP:    "10.0.0.5",
	}
	l.SetUsername("user@example.com")
	l.InfoLog("SMTP Proxy: Authenticated", "mechanism", "PLAIN")
	l.DebugLog("SMTP Proxy: Hidden")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record), "exactly one line is written")
	assert.Equal(t, "203.0.113.7", record["remote"])
	assert.Equal(t, "10.0.0.5", record["proxy"])
	assert.Equal(t, "user@example.com", record["user"])
	assert.Equal(t, "submission", record["name"])
	assert.Equal(t, "PLAIN", record["mechanism"])
}

func TestProxySessionLogger_DirectClient(t *testing.T) {
	buf := captureLog(t)

	l := &ProxySessionLogger{
		Protocol:   "smtp_proxy",
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4000},
		ClientIP:   "192.0.2.1",
		Debug:      true,
	}
	l.DebugLog("SMTP Proxy: Client command")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "192.0.2.1:4000", record["remote"])
	assert.NotContains(t, record, "proxy")
	assert.Equal(t, "", record["user"])
}
