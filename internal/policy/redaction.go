package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
	// valid, when set, must accept a match before it is masked.
	valid func(string) bool
}

// Order matters: card and national-ID numbers are matched before the looser
// phone pattern would swallow them.
var redactionRules = []redactionRule{
	{pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), marker: "[REDACTED_CARD]", valid: luhnValid},
	{pattern: regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}\b`), marker: "[REDACTED_ID]"},
	{pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), marker: "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers, 12-digit national IDs and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.apply(out)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

func (r redactionRule) apply(s string) string {
	if r.valid == nil {
		return r.pattern.ReplaceAllString(s, r.marker)
	}
	return r.pattern.ReplaceAllStringFunc(s, func(m string) string {
		if r.valid(m) {
			return r.marker
		}
		return m
	})
}

// luhnValid reports whether the digits in s pass the card checksum.
func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n > 0 && sum%10 == 0
}
