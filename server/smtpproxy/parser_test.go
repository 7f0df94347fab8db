package smtpproxy

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneByteParser(input string, maxLine int) *Parser {
	return NewParser(iotest.OneByteReader(strings.NewReader(input)), maxLine)
}

func TestParserReadLine(t *testing.T) {
	p := oneByteParser("EHLO client\r\nNOOP\r\n", 0)

	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "EHLO client", line)

	line, err = p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", line)

	_, err = p.ReadLine(false)
	assert.ErrorIs(t, err, io.EOF)
}

func TestParserReadLineEOFMidLine(t *testing.T) {
	p := oneByteParser("NOOP", 0)
	_, err := p.ReadLine(false)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	p = oneByteParser("", 0)
	_, err = p.ReadLine(true)
	assert.ErrorIs(t, err, ErrConnectionClosed, "mandatory read treats EOF as a closed connection")
}

func TestParserLineTooLongIsSkipped(t *testing.T) {
	long := strings.Repeat("x", 600)
	p := NewParser(strings.NewReader(long+"\r\nNOOP\r\n"), 512)

	_, err := p.ReadLine(false)
	assert.Equal(t, errLineTooLong, err)

	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", line)
}

func TestParserLineTooLongSplitTerminator(t *testing.T) {
	long := strings.Repeat("y", 1000)
	p := oneByteParser(long+"\r\nRSET\r\n", 512)

	_, err := p.ReadLine(false)
	assert.Equal(t, errLineTooLong, err)

	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "RSET", line)
}

func TestParserLineAtLimit(t *testing.T) {
	// The limit includes CRLF.
	exact := strings.Repeat("a", 510)
	p := NewParser(strings.NewReader(exact+"\r\n"+exact+"b\r\n"), 512)

	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, exact, line)

	_, err = p.ReadLine(false)
	assert.Equal(t, errLineTooLong, err)
}

func TestParserReadResponse(t *testing.T) {
	p := oneByteParser("250-first\r\n250-second\r\n250 last\r\n220 next\r\n", 0)

	resp, err := p.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, "250", resp.Code)
	assert.Equal(t, []string{"250-first\r\n", "250-second\r\n", "250 last\r\n"}, resp.Lines)
	assert.Equal(t, []string{"first", "second", "last"}, resp.Text())

	resp, err = p.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, "220", resp.Code)
}

func TestParserReadResponseBareCode(t *testing.T) {
	p := oneByteParser("250\r\n", 0)
	resp, err := p.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, "250", resp.Code)
	assert.Equal(t, []string{""}, resp.Text())
}

func TestParserReadResponseInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "25\r\n"},
		{"inconsistent codes", "250-a\r\n251 b\r\n"},
		{"not numeric", "abc ok\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := oneByteParser(tt.input, 0).ReadResponse()
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}

	_, err := NewParser(strings.NewReader(strings.Repeat("2", 600)+"\r\n"), 512).ReadResponse()
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = oneByteParser("250-a\r\n", 0).ReadResponse()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func readAllData(t *testing.T, p *Parser) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		block, last, err := p.ReadDataBlock()
		require.NoError(t, err)
		out.Write(block)
		if last {
			return out.Bytes()
		}
	}
}

func TestParserReadDataBlock(t *testing.T) {
	payload := "Subject: hi\r\n\r\n..stuffed\r\nbody\r\n.\r\n"
	p := oneByteParser(payload+"QUIT\r\n", 0)

	assert.Equal(t, payload, string(readAllData(t, p)))

	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "QUIT", line)
}

func TestParserReadDataBlockEmptyMessage(t *testing.T) {
	p := NewParser(strings.NewReader(".\r\nNOOP\r\n"), 0)
	block, last, err := p.ReadDataBlock()
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, ".\r\n", string(block))

	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", line)
}

func TestParserReadDataBlockLargeMessage(t *testing.T) {
	body := strings.Repeat("line of message text\r\n", 5000)
	p := NewParser(strings.NewReader(body+".\r\n"), 0)
	assert.Equal(t, body+".\r\n", string(readAllData(t, p)))
}

func TestParserReadDataBlockClosed(t *testing.T) {
	p := NewParser(strings.NewReader("unterminated\r\n"), 0)
	var err error
	for err == nil {
		_, _, err = p.ReadDataBlock()
	}
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestParserReadChunkBlock(t *testing.T) {
	data := strings.Repeat("z", 85)
	p := oneByteParser(data+"NOOP\r\n", 0)

	var got bytes.Buffer
	for {
		block, finished, err := p.ReadChunkBlock("85 LAST")
		require.NoError(t, err)
		got.Write(block)
		if finished {
			break
		}
	}
	assert.Equal(t, data, got.String())

	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", line)
}

func TestParserReadChunkBlockZeroAndInvalid(t *testing.T) {
	p := NewParser(strings.NewReader(""), 0)
	block, finished, err := p.ReadChunkBlock("0 LAST")
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Empty(t, block)

	_, _, err = NewParser(strings.NewReader(""), 0).ReadChunkBlock("")
	assert.Equal(t, errInvalidChunkFormat, err)

	_, _, err = NewParser(strings.NewReader(""), 0).ReadChunkBlock("abc")
	assert.Equal(t, errInvalidChunkSize, err)

	_, _, err = NewParser(strings.NewReader(""), 0).ReadChunkBlock("-4")
	assert.Equal(t, errInvalidChunkSize, err)
}

func TestParserDiscard(t *testing.T) {
	p := NewParser(strings.NewReader("STARTTLS\r\n\x16\x03\x01"), 0)
	line, err := p.ReadLine(false)
	require.NoError(t, err)
	assert.Equal(t, "STARTTLS", line)

	rest := p.Discard()
	assert.Equal(t, []byte("\x16\x03\x01"), rest)
	assert.Equal(t, 0, p.Buffered())
}
