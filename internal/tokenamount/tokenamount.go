// Package tokenamount converts between decimal strings and ERC-20
// smallest-unit integers at a token's live decimal precision.
//
// The scenario amount column holds a human decimal ("50", "12.5"); the
// escrow contract takes raw units (50 USDT on BSC = 50 * 10^18).
package tokenamount

import (
	"errors"
	"math/big"
	"strings"
)

var (
	ErrInvalid    = errors.New("tokenamount: invalid amount")
	ErrNegative   = errors.New("tokenamount: negative amount")
	ErrTooPrecise = errors.New("tokenamount: more fractional digits than the token supports")
)

// Parse converts a decimal string to smallest units with the given
// decimals. Fractional digits beyond the token precision are rejected
// rather than truncated, so a user never locks less than they typed.
func Parse(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalid
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, ErrInvalid
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = strings.TrimRight(parts[1], "0")
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, ErrTooPrecise
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, ErrInvalid
		}
	}

	frac += strings.Repeat("0", int(decimals)-len(frac))
	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalid
	}
	return out, nil
}

// Format renders smallest units as a decimal string without trailing
// fractional zeros ("50", "12.5").
func Format(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	d := int(decimals)
	for len(s) < d+1 {
		s = "0" + s
	}
	whole, frac := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// IsPositive reports whether s parses to an amount greater than zero at
// any precision up to 18 decimals.
func IsPositive(s string) bool {
	v, err := Parse(s, 18)
	return err == nil && v.Sign() > 0
}
