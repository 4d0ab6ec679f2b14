package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	policyNumber = regexp.MustCompile(`(?i)\b(?:policy|claim)(?:\s+(?:no\.?|number|#))?(?:\s+is)?\s*[:#]?\s*([A-Z]{1,4}-?[0-9]{4,}|[0-9]{6,})\b`)
)

// RedactPII masks common high-risk PII patterns in caller utterances before they are archived.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone, otherwise long card numbers match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	next = policyNumber.ReplaceAllStringFunc(out, func(m string) string {
		sub := policyNumber.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		return strings.Replace(m, sub[1], "[REDACTED_POLICY]", 1)
	})
	changed = changed || next != out
	out = next

	return out, changed
}

// MaskPhone keeps the country prefix and the last four digits of a phone number for log lines.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix = "+"
	}
	return prefix + strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}
