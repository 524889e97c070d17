// Package logger holds the PII-masking helpers the send path logs through.
// Log lines travel to shared aggregators, so recipient addresses are never
// written verbatim.
package logger

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// RedactEmail masks the local part of an address, keeping enough of it to
// correlate log lines with delivery-log rows:
// "ada.lovelace@example.com" becomes "ad***@example.com". Local parts of
// two characters or fewer are masked entirely, and anything that does not
// look like an address is replaced wholesale.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}

// Redact masks every email address embedded in free-form text, for log
// lines that carry error strings or rendered details.
func Redact(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, RedactEmail)
}
