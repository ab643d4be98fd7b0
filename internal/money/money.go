// Package money provides shared parsing, formatting, and arithmetic for
// monetary amounts.
//
// Amounts are scalar, single-currency values carried as decimal strings
// with 2 decimal places, and stored as big.Int in the smallest unit
// (1.00 = 100 units). Keeping the string form at API and store
// boundaries avoids float rounding entirely.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1500.50") to its smallest-unit
// big.Int representation (150050). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 2 decimal places (e.g. "1500.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Cmp compares two decimal strings: -1 if a < b, 0 if equal, +1 if a > b.
// Invalid inputs compare as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Add returns a + b as a formatted decimal string.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a - b as a formatted decimal string.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Sub(av, bv))
}

// Min returns the smaller of two decimal strings.
func Min(a, b string) string {
	if Cmp(a, b) <= 0 {
		return Format(mustParse(a))
	}
	return Format(mustParse(b))
}

// IsZero reports whether s parses to exactly zero.
func IsZero(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() == 0
}

func mustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
