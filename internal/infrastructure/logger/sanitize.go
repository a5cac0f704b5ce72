package logger

import (
	"fmt"
	"net/url"
	"strings"
)

// SanitizeForLog escapes control characters so user-supplied values cannot
// forge log lines or drive the terminal. Printable Unicode is kept.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch r {
		case '\n':
			result.WriteString(`\n`)
		case '\r':
			result.WriteString(`\r`)
		case '\t':
			result.WriteString(`\t`)
		default:
			if r < 32 || r == 127 {
				fmt.Fprintf(&result, `\x%02x`, r)
			} else {
				result.WriteRune(r)
			}
		}
	}
	return result.String()
}

// Locator sanitizes an input or output locator and masks URL credentials and
// query strings, which often carry signed tokens.
func Locator(loc string) string {
	u, err := url.Parse(loc)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return SanitizeForLog(loc)
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	if u.RawQuery != "" {
		u.RawQuery = "***"
	}
	return SanitizeForLog(u.String())
}
