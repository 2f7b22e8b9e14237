// Package money converts between human-facing decimal amounts and the int64
// base units the engine computes with. The HTTP layer is the only consumer;
// everything past it deals in base units exclusively.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the base-unit scale exponent: 1 display unit = 10^8 base units.
const Decimals = 8

var (
	// ErrInvalidAmount is returned for unparseable, negative, or
	// too-precise amounts.
	ErrInvalidAmount = errors.New("money: invalid amount")

	// ErrAmountTooLarge is returned when an amount does not fit int64
	// base units.
	ErrAmountTooLarge = errors.New("money: amount too large")
)

// Parse converts a decimal string ("1.5") to base units (150000000).
// Amounts must be non-negative and carry at most Decimals fractional digits;
// precision is never silently dropped.
func Parse(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative %s", ErrInvalidAmount, s)
	}
	shifted := d.Shift(Decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: more than %d decimal places in %s", ErrInvalidAmount, Decimals, s)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountTooLarge, s)
	}
	return shifted.BigInt().Int64(), nil
}

// Format renders base units as a decimal string with trailing zeros trimmed.
func Format(baseUnits int64) string {
	return decimal.New(baseUnits, -Decimals).String()
}

// MustParse is a test helper; it panics on malformed input.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}
