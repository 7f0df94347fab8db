package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeLogText makes text received from a peer safe to put in a log
// attribute: invalid UTF-8, NULL bytes and line breaks are dropped and the
// result is cut to maxLen bytes.
func SanitizeLogText(s string, maxLen int) string {
	s = strings.TrimRight(s, "\r\n")
	if utf8.ValidString(s) && !strings.ContainsAny(s, "\x00\r\n") && (maxLen <= 0 || len(s) <= maxLen) {
		return s
	}

	var b strings.Builder
	for i, r := range s {
		if r == '\x00' || r == '\r' || r == '\n' {
			if r == '\n' {
				b.WriteByte(' ')
			}
			continue
		}
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		if maxLen > 0 && b.Len()+utf8.RuneLen(r) > maxLen {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}
