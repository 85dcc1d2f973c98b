// Package amount converts between USDC smallest units and human-readable strings.
package amount

import (
	"math"
	"strconv"
	"strings"
)

// Decimals is the fixed USDC token scale.
const Decimals = 6

const unitsPerToken = 1_000_000

// Parse converts a human decimal string ("100", "100.5", "0.000001") into smallest units.
//
// Malformed, negative, or overflowing input yields 0; the pipeline's amount check is the
// single gate for invalid amounts. Fraction digits beyond the token scale are truncated.
func Parse(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '-' {
		return 0
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0
	}

	var w uint64
	if whole != "" {
		v, err := strconv.ParseUint(whole, 10, 64)
		if err != nil {
			return 0
		}
		w = v
	}
	if w > math.MaxUint64/unitsPerToken {
		return 0
	}

	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0
	}

	units := w * unitsPerToken
	if units > math.MaxUint64-f {
		return 0
	}
	return units + f
}

// Format renders smallest units as a 2-decimal string, rounding half-up at the third decimal.
func Format(units uint64) string {
	const centUnits = unitsPerToken / 100

	cents := units / centUnits
	if units%centUnits >= centUnits/2 {
		cents++
	}
	whole := cents / 100
	rem := cents % 100

	var b strings.Builder
	b.WriteString(strconv.FormatUint(whole, 10))
	b.WriteByte('.')
	if rem < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.FormatUint(rem, 10))
	return b.String()
}

// FormatFull renders smallest units with the full 6-decimal precision and no rounding.
func FormatFull(units uint64) string {
	whole := units / unitsPerToken
	frac := units % unitsPerToken
	fs := strconv.FormatUint(frac, 10)
	return strconv.FormatUint(whole, 10) + "." + strings.Repeat("0", Decimals-len(fs)) + fs
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
