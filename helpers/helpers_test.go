package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"7d", 7 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"0.5d", 12 * time.Hour},
		{" 3s ", 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}

	for _, bad := range []string{"", "abc", "xd", "-1d", "1dfoo"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestMaskAuthCommand(t *testing.T) {
	assert.Equal(t, "AUTH PLAIN [REDACTED]", MaskAuthCommand("AUTH PLAIN AGpvZQBzZWNyZXQ="))
	assert.Equal(t, "auth login [REDACTED]", MaskAuthCommand("auth login am9l"))
	assert.Equal(t, "AUTH LOGIN", MaskAuthCommand("AUTH LOGIN"))
	assert.Equal(t, "AUTH PLAIN ", MaskAuthCommand("AUTH PLAIN "))
	assert.Equal(t, "MAIL FROM:<a@example.com>", MaskAuthCommand("MAIL FROM:<a@example.com>"))
	assert.Equal(t, "AUTHX foo bar", MaskAuthCommand("AUTHX foo bar"))
}

func TestSplitEmailAddress(t *testing.T) {
	local, domain, err := SplitEmailAddress(" John.Doe@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "john.doe", local)
	assert.Equal(t, "example.com", domain)

	for _, bad := range []string{"", "nobody", "@example.com", "user@"} {
		_, _, err := SplitEmailAddress(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestSanitizeLogText(t *testing.T) {
	assert.Equal(t, "535 5.7.8 Username and Password not accepted", SanitizeLogText("535 5.7.8 Username and Password not accepted\r\n", 0))
	assert.Equal(t, "535-a 535 b", SanitizeLogText("535-a\r\n535 b\r\n", 0))
	assert.Equal(t, "HelloWorld", SanitizeLogText("Hello\x00\xffWorld", 0))
	assert.Equal(t, "abc", SanitizeLogText("abcdef", 3))
}
