package smtpproxy

import (
	"strings"
)

// Command is a single client command line.
type Command struct {
	// Name is the upper-cased verb.
	Name string
	// Args is everything after the first space, untouched.
	Args string
	// Raw is the line as received, CRLF terminated.
	Raw string
}

func parseCommand(line string) Command {
	name, args, _ := strings.Cut(line, " ")
	return Command{
		Name: strings.ToUpper(name),
		Args: args,
		Raw:  line + "\r\n",
	}
}

// Response is a complete, possibly multi-line, server reply.
type Response struct {
	Code string
	// Lines are the raw reply lines including their CRLF.
	Lines []string
}

func (r *Response) String() string {
	return strings.Join(r.Lines, "")
}

func (r *Response) Bytes() []byte {
	return []byte(r.String())
}

// Text returns the reply text without codes and line terminators, one line
// per element.
func (r *Response) Text() []string {
	text := make([]string, 0, len(r.Lines))
	for _, line := range r.Lines {
		line = strings.TrimSuffix(line, "\r\n")
		if len(line) > 4 {
			text = append(text, line[4:])
		} else {
			text = append(text, "")
		}
	}
	return text
}
