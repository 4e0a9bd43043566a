package ingest

import "strings"

// NormalizePhone converts a raw phone to E.164 (+DDI...), returning "" when
// nothing usable remains. Deliberately conservative: strip non-digits, drop
// leading zeros, prefix the default country code for national-length
// numbers.
func NormalizePhone(raw, defaultCountry string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	if digits == "" {
		return ""
	}

	if !strings.HasPrefix(digits, defaultCountry) && len(digits) <= 11 {
		digits = defaultCountry + digits
	}

	return "+" + digits
}

// validE164 reports whether phone is + followed by 10-15 digits.
func validE164(phone string) bool {
	if !strings.HasPrefix(phone, "+") {
		return false
	}
	n := len(phone) - 1
	return n >= 10 && n <= 15
}
