package smtpproxy

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxLineLength is the longest accepted line including CRLF.
const DefaultMaxLineLength = 12288

const readChunkSize = 16 * 1024

var (
	crlf        = []byte("\r\n")
	dotCRLF     = []byte(".\r\n")
	crlfDotCRLF = []byte("\r\n.\r\n")
)

type parserMode int

const (
	modeLine parserMode = iota
	modeData
	modeChunk
)

// Parser is an incremental SMTP reader over a byte stream. It hands out
// command lines, reply groups, DATA blocks and BDAT chunks, keeping any
// read-ahead in its buffer. A Parser is owned by one goroutine.
type Parser struct {
	r             io.Reader
	maxLineLength int

	buf  []byte
	mode parserMode

	// line mode
	lineOffset int
	skipping   bool

	// data mode
	beginning bool

	// chunk mode; negative until the size has been parsed
	chunkRemaining int
}

func NewParser(r io.Reader, maxLineLength int) *Parser {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &Parser{
		r:              r,
		maxLineLength:  maxLineLength,
		beginning:      true,
		chunkRemaining: -1,
	}
}

func (p *Parser) setMode(m parserMode) {
	if p.mode == m {
		return
	}
	p.mode = m
	p.lineOffset = 0
	p.beginning = true
	p.chunkRemaining = -1
}

// moreData appends the next read to the buffer. When the stream ends it
// returns io.EOF if that is acceptable (not mandatory and nothing buffered)
// and ErrConnectionClosed otherwise.
func (p *Parser) moreData(mandatory bool) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := p.r.Read(chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
			return nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if mandatory || len(p.buf) > 0 {
				return ErrConnectionClosed
			}
			return io.EOF
		}
		return err
	}
}

func (p *Parser) consume(n int) []byte {
	out := make([]byte, n)
	copy(out, p.buf[:n])
	p.buf = append(p.buf[:0], p.buf[n:]...)
	return out
}

// readRawLine returns the next line including its CRLF. A line longer than
// maxLineLength is skipped up to its CRLF and reported as errLineTooLong.
func (p *Parser) readRawLine(mandatory bool) ([]byte, error) {
	p.setMode(modeLine)
	for {
		if idx := bytes.Index(p.buf[p.lineOffset:], crlf); idx >= 0 {
			line := p.consume(p.lineOffset + idx + 2)
			p.lineOffset = 0
			skipped := p.skipping
			p.skipping = false
			if skipped || len(line) > p.maxLineLength {
				return nil, errLineTooLong
			}
			return line, nil
		}

		if p.skipping || len(p.buf) > p.maxLineLength {
			// Only the last byte can still start the terminator.
			p.skipping = true
			p.buf = append(p.buf[:0], p.buf[len(p.buf)-1])
			p.lineOffset = 0
		} else if len(p.buf) > 0 {
			p.lineOffset = len(p.buf) - 1
		}

		if err := p.moreData(mandatory || len(p.buf) > 0); err != nil {
			return nil, err
		}
	}
}

// ReadLine returns the next line without its CRLF. io.EOF is returned when
// the stream ends cleanly on a line boundary and mandatory is false.
func (p *Parser) ReadLine(mandatory bool) (string, error) {
	line, err := p.readRawLine(mandatory)
	if err != nil {
		return "", err
	}
	return string(line[:len(line)-2]), nil
}

// ReadResponse reads a complete reply group. Continuation lines carry a
// hyphen after the code; every line of a group must share the same code.
func (p *Parser) ReadResponse() (*Response, error) {
	var resp *Response
	consistent := true
	for {
		line, err := p.readRawLine(true)
		if err != nil {
			var smtpErr *SMTPError
			if errors.As(err, &smtpErr) {
				return nil, invalidResponse("response line too long")
			}
			return nil, err
		}
		if len(line)-2 < 3 {
			return nil, invalidResponse("response line too short")
		}

		code := string(line[:3])
		if resp == nil {
			resp = &Response{Code: code}
		} else if code != resp.Code {
			consistent = false
		}
		resp.Lines = append(resp.Lines, string(line))

		if len(line) < 6 || line[3] != '-' {
			break
		}
	}
	if !consistent {
		return nil, invalidResponse("response code not consistent")
	}
	if _, err := strconv.Atoi(resp.Code); err != nil {
		return nil, invalidResponse("response code not numeric")
	}
	return resp, nil
}

// ReadDataBlock returns the next piece of a DATA payload exactly as it was
// received, dot-stuffing included. last is true on the block that ends
// with the terminating dot line, which is part of the block.
func (p *Parser) ReadDataBlock() (block []byte, last bool, err error) {
	p.setMode(modeData)
	for {
		if p.beginning {
			if len(p.buf) < len(dotCRLF) {
				if err := p.moreData(true); err != nil {
					return nil, false, err
				}
				continue
			}
			if bytes.HasPrefix(p.buf, dotCRLF) {
				return p.consume(len(dotCRLF)), true, nil
			}
			p.beginning = false
		}

		if idx := bytes.Index(p.buf, crlfDotCRLF); idx >= 0 {
			p.beginning = true
			return p.consume(idx + len(crlfDotCRLF)), true, nil
		}

		// Keep enough bytes back to recognise a terminator split across reads.
		if keep := len(crlfDotCRLF) - 1; len(p.buf) > keep {
			return p.consume(len(p.buf) - keep), false, nil
		}
		if err := p.moreData(true); err != nil {
			return nil, false, err
		}
	}
}

// ReadChunkBlock returns the next piece of a BDAT chunk. The chunk size is
// taken from args on the first call for a command. finished is true once
// the whole chunk has been returned.
func (p *Parser) ReadChunkBlock(args string) (block []byte, finished bool, err error) {
	p.setMode(modeChunk)
	if p.chunkRemaining < 0 {
		parts := strings.Fields(args)
		if len(parts) == 0 {
			return nil, false, errInvalidChunkFormat
		}
		size, err := strconv.Atoi(parts[0])
		if err != nil || size < 0 {
			return nil, false, errInvalidChunkSize
		}
		p.chunkRemaining = size
	}

	if p.chunkRemaining == 0 {
		p.chunkRemaining = -1
		return nil, true, nil
	}
	if len(p.buf) == 0 {
		if err := p.moreData(true); err != nil {
			return nil, false, err
		}
	}

	n := min(len(p.buf), p.chunkRemaining)
	block = p.consume(n)
	p.chunkRemaining -= n
	if p.chunkRemaining == 0 {
		p.chunkRemaining = -1
		return block, true, nil
	}
	return block, false, nil
}

// Discard hands back everything buffered but not yet consumed and empties
// the buffer. It is used when the stream is taken over by TLS.
func (p *Parser) Discard() []byte {
	out := p.buf
	p.buf = nil
	p.lineOffset = 0
	p.skipping = false
	return out
}

// Buffered reports how many bytes are held in the buffer.
func (p *Parser) Buffered() int {
	return len(p.buf)
}
