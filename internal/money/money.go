// Package money provides shared helpers for amounts expressed in integer
// cents, the smallest unit of the settlement currency. All purchase amounts,
// earnings, and refunds in the system are int64 cents; fractions only appear
// transiently inside basis-point math.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Basis points per whole unit. 10000 bps = 100%.
const BpsWhole = 10000

// ApplyBps multiplies cents by a basis-point factor, rounding half up.
// ApplyBps(2000, 11000) = 2200 (110% of $20.00).
func ApplyBps(cents int64, bps int64) int64 {
	if cents < 0 || bps < 0 {
		return 0
	}
	return (cents*bps + BpsWhole/2) / BpsWhole
}

// Format renders cents as a decimal string, e.g. 2200 -> "22.00".
// Negative amounts keep their sign: -50 -> "-0.50".
func Format(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Parse converts a decimal string like "22.00" or "22.5" to cents.
// Returns (0, false) on invalid input or negative amounts.
func Parse(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}

	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}

	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	fracVal, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}

	return whole*100 + fracVal, true
}
