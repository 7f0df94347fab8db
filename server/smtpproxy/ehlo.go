package smtpproxy

import (
	"context"
	"strings"
)

// advertisedMechanisms replaces whatever the backend offers; clients only
// ever authenticate to the proxy with these.
const advertisedMechanisms = "PLAIN LOGIN"

// rewriteEHLO adapts a backend EHLO reply for the client. The AUTH
// capability is replaced with the mechanisms the proxy accepts, and an
// unsecured client is offered STARTTLS when the backend did not list it.
func rewriteEHLO(resp *Response, clientSecured bool) *Response {
	lines := make([]string, len(resp.Lines))
	copy(lines, resp.Lines)

	hasStartTLS := false
	for i, line := range lines {
		if len(line) < 9 {
			continue
		}
		keyword := line[4:9]
		if strings.EqualFold(keyword, "AUTH ") || strings.EqualFold(keyword, "AUTH=") {
			lines[i] = line[:9] + advertisedMechanisms + "\r\n"
			continue
		}
		if strings.EqualFold(strings.TrimRight(line[4:], "\r\n"), "STARTTLS") {
			hasStartTLS = true
		}
	}

	if !clientSecured && !hasStartTLS {
		lines[len(lines)-1] = continuation(lines[len(lines)-1])
		lines = append(lines, resp.Code+" STARTTLS\r\n")
	}

	return &Response{Code: resp.Code, Lines: lines}
}

// rewriteGreeting appends the proxy banner to a 220 greeting. Any other
// greeting is passed on untouched.
func rewriteGreeting(resp *Response, name string) *Response {
	if resp.Code != "220" {
		return resp
	}
	lines := make([]string, len(resp.Lines), len(resp.Lines)+1)
	copy(lines, resp.Lines)

	lines[len(lines)-1] = continuation(lines[len(lines)-1])
	lines = append(lines, "220 Welcome to xoauth2-proxy @ "+name+"\r\n")
	return &Response{Code: resp.Code, Lines: lines}
}

// greet relays the backend greeting and waits until it has been written.
func (s *Session) greet(ctx context.Context) error {
	_, err := s.waitForResponse(func(ctx context.Context, resp *Response) error {
		return s.clientWrite(rewriteGreeting(resp, s.greetingName).Bytes())
	}).Wait(ctx)
	return err
}

// continuation turns a final reply line into a continuation line.
func continuation(line string) string {
	if len(line) > 5 {
		return line[:3] + "-" + line[4:]
	}
	return line[:3] + "-\r\n"
}
