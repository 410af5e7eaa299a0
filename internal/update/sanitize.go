package update

import (
	"net/url"
	"strings"
	"unicode"
)

// Field length caps applied to remote payloads.
const (
	maxNameLength    = 200
	maxBodyLength    = 10000
	maxMessageLength = 1000
	maxAuthorLength  = 100
	maxURLLength     = 2048
)

// strippedChars are removed from every remote string: shell metacharacters
// and HTML angle brackets.
const strippedChars = "`$;&|<>\\"

// sanitizeText strips shell, HTML and control characters from s and caps it
// at max runes. Newlines and tabs survive only when multiline is set.
func sanitizeText(s string, max int, multiline bool) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n >= max {
			break
		}
		if r == unicode.ReplacementChar {
			continue
		}
		if strings.ContainsRune(strippedChars, r) {
			continue
		}
		if unicode.IsControl(r) {
			if multiline && (r == '\n' || r == '\t') {
				b.WriteRune(r)
				n++
			}
			continue
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

// sanitizeURL returns raw when it is an https URL on one of the allowed
// hosts, and an empty string otherwise.
func sanitizeURL(raw string, allowedHosts map[string]bool) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxURLLength {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "https" || u.User != nil {
		return ""
	}
	if !allowedHosts[strings.ToLower(u.Hostname())] {
		return ""
	}
	for _, r := range u.String() {
		if unicode.IsControl(r) || strings.ContainsRune("`$;|<>\\\"'", r) {
			return ""
		}
	}
	return u.String()
}

// validateRequestPath rejects API paths that could escape the repository
// namespace.
func validateRequestPath(p string) bool {
	if p == "" || len(p) > maxRequestPathLength {
		return false
	}
	if !strings.HasPrefix(p, "/") {
		return false
	}
	if strings.Contains(p, "..") || strings.Contains(p, "\\") {
		return false
	}
	for _, r := range p {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
