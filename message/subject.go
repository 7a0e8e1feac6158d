package message

import (
	"strings"
)

// TrimRe removes leading "Re:" prefixes, in any case and with surrounding
// whitespace, from a subject. Trimmed is true if any prefix was removed, the
// caller then writes a single "Re: " in front of the rest.
func TrimRe(subject string) (rest string, trimmed bool) {
	s := strings.TrimLeft(subject, " \t")
	for len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		s = strings.TrimLeft(s[3:], " \t")
		trimmed = true
	}
	if !trimmed {
		return subject, false
	}
	return s, true
}
