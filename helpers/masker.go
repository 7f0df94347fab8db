package helpers

import "strings"

// MaskAuthCommand redacts the initial response of an AUTH command line
// before it is logged: "AUTH PLAIN AGpvZQBzZWNyZXQ=" becomes
// "AUTH PLAIN [REDACTED]". Any other line is returned unchanged.
func MaskAuthCommand(line string) string {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if !strings.EqualFold(verb, "AUTH") {
		return line
	}
	mechanism, response, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if strings.TrimSpace(response) == "" {
		// Credentials follow on continuation lines, which are never logged.
		return line
	}
	return verb + " " + mechanism + " [REDACTED]"
}
