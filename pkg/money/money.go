// Package money provides minor-unit amount handling.
//
// All amounts in the ledger are non-negative int64 minor units. There is
// no floating point anywhere in balance math.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a value in minor units.
type Amount = int64

// DefaultDurationAmounts maps the form's duration codes to committed
// amounts. Overridable via configuration (pledgeAmounts).
var DefaultDurationAmounts = map[string]Amount{
	"Month":      25000,
	"Semester":   150000,
	"Year":       300000,
	"Four Years": 1200000,
}

// DecodeDuration resolves a duration code to a committed amount using the
// given table (nil means DefaultDurationAmounts). Unknown codes fall back
// to ParseAmount so free-text entries like "50k" still decode; anything
// unparseable yields 0.
func DecodeDuration(code string, table map[string]Amount) Amount {
	if table == nil {
		table = DefaultDurationAmounts
	}
	if amt, ok := table[strings.TrimSpace(code)]; ok {
		return amt
	}
	amt, err := Parse(code)
	if err != nil {
		return 0
	}
	return amt
}

// Parse interprets a human-entered amount string. Grouping characters and
// currency noise are stripped; a trailing k or m multiplies by 1e3 / 1e6.
// The result must be strictly positive.
func Parse(s string) (Amount, error) {
	cleaned := strings.ToLower(strings.TrimSpace(s))
	if cleaned == "" {
		return 0, fmt.Errorf("empty amount")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(cleaned, "k"):
		multiplier = 1_000
		cleaned = strings.TrimSuffix(cleaned, "k")
	case strings.HasSuffix(cleaned, "m"):
		multiplier = 1_000_000
		cleaned = strings.TrimSuffix(cleaned, "m")
	}

	var digits strings.Builder
	for _, r := range cleaned {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, fmt.Errorf("no digits in amount %q", s)
	}

	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	n *= multiplier
	if n <= 0 {
		return 0, fmt.Errorf("non-positive amount %q", s)
	}
	return n, nil
}

// Format renders an amount with thousands separators for email bodies.
func Format(a Amount) string {
	s := strconv.FormatInt(a, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if neg {
		out = "-" + out
	}
	return out
}
