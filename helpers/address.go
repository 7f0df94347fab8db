package helpers

import (
	"fmt"
	"strings"
)

// SplitEmailAddress lowercases an address and splits it into local part and
// domain.
func SplitEmailAddress(email string) (string, string, error) {
	email = NormalizeEmail(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid email address %q", email)
	}
	return email[:at], email[at+1:], nil
}

// NormalizeEmail trims and lowercases an address used as a login name.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
