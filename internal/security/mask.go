package security

import (
	"regexp"
	"strings"
)

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|totp[_-]?secret|password|totp)(["']?\s*[=:]\s*["']?)([^\s"'&,}]+)`),
	regexp.MustCompile(`(?i)(authorization["']?\s*[=:]\s*["']?token\s+)([^\s"',}]+)`),
}

// MaskCredential shows the first two characters of a secret.
func MaskCredential(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:2] + strings.Repeat("*", 6)
	}
}

// MaskString hides credential-looking substrings in free text such as
// broker error bodies or request URLs.
func MaskString(input string) string {
	out := sensitivePatterns[0].ReplaceAllStringFunc(input, func(m string) string {
		sub := sensitivePatterns[0].FindStringSubmatch(m)
		return sub[1] + sub[2] + MaskCredential(sub[3])
	})
	return sensitivePatterns[1].ReplaceAllStringFunc(out, func(m string) string {
		sub := sensitivePatterns[1].FindStringSubmatch(m)
		return sub[1] + MaskCredential(sub[2])
	})
}
