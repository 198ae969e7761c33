// Package logsanitize cleans client-supplied values (usernames, user
// agents, hostnames, worker-reported addresses) before they are logged.
package logsanitize

import "strings"

// MaxLen bounds a sanitized value, counted in bytes of the result
const MaxLen = 256

// Sanitize replaces control characters with '_' to prevent log injection
// (CWE-117) and cuts the value to MaxLen bytes.
//
// Replaced ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	out := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
	if len(out) <= MaxLen {
		return out
	}
	cut := MaxLen
	for cut > 0 && !isRuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
