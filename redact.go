package orchestrator

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds persisted error messages.
const MaxMessageLength = 512

const redacted = "[REDACTED]"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]+`)
	secretPattern = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|apikey|auth|credential|ssn)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,;&]+)`)
	// long digit runs, except the fraction of a decimal such as 49.812345ms
	digitsPattern = regexp.MustCompile(`(^|[^\d.])\d{6,}`)
	tokenPattern  = regexp.MustCompile(`\b[A-Za-z0-9_]{32,}\b`)
	jsonPattern   = regexp.MustCompile(`\{[^{}]*"[^"]+"\s*:[^{}]*\}`)
)

// SanitizeMessage strips personal data and secrets from an error message
// before it is persisted or logged, then truncates it.
func SanitizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	msg = jsonPattern.ReplaceAllString(msg, "{"+redacted+"}")
	msg = bearerPattern.ReplaceAllString(msg, "$1 "+redacted)
	msg = secretPattern.ReplaceAllString(msg, "$1$2"+redacted)
	msg = emailPattern.ReplaceAllString(msg, redacted)
	msg = tokenPattern.ReplaceAllString(msg, redacted)
	msg = digitsPattern.ReplaceAllString(msg, "${1}"+redacted)
	return truncate(msg, MaxMessageLength)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
