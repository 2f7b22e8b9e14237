// Package fees implements the platform fee arithmetic. All math is integer
// base units with truncation toward zero. Fee amounts must be bit-exact and
// reproducible, so floating point is never involved.
package fees

import (
	"errors"
	"fmt"
	"math"
)

const (
	// BpsDenominator converts basis points to a fraction (100 bps = 1%).
	BpsDenominator = 10_000

	// MaxFeeBps caps the platform fee at 10%.
	MaxFeeBps = 1_000

	// BaseUnitsPerToken is the base-unit scale: 10^8 per display unit.
	BaseUnitsPerToken = 100_000_000

	// MaxPrice bounds a listing's per-unit price (1,000,000 display units).
	// FinalPrice and Fee still carry explicit overflow checks; extreme
	// price/quantity combinations are rejected rather than wrapped.
	MaxPrice = 1_000_000 * BaseUnitsPerToken

	// MaxQuantity bounds the units in a single listing.
	MaxQuantity = 1_000_000
)

var (
	// ErrFeeTooHigh is returned when a fee configuration exceeds MaxFeeBps.
	ErrFeeTooHigh = errors.New("fees: fee exceeds 1000 basis points")

	// ErrAmountOverflow is returned when a price/quantity product would
	// overflow int64.
	ErrAmountOverflow = errors.New("fees: amount overflows int64")
)

// Breakdown is the exact split of a purchase payment. Fee + SellerAmount
// always equals FinalPrice, and FinalPrice + Refund equals the payment
// received.
type Breakdown struct {
	FinalPrice   int64 // price * quantity
	Fee          int64 // floor(finalPrice * bps / 10000), paid to fee recipient
	SellerAmount int64 // finalPrice - fee, held in escrow until release
	Refund       int64 // payment - finalPrice, returned to buyer immediately
}

// ValidateBps rejects fee configurations above the platform ceiling.
func ValidateBps(bps uint32) error {
	if bps > MaxFeeBps {
		return fmt.Errorf("%w: %d", ErrFeeTooHigh, bps)
	}
	return nil
}

// FinalPrice computes price * quantity with an explicit overflow check.
func FinalPrice(price, quantity int64) (int64, error) {
	if price <= 0 || quantity <= 0 {
		return 0, fmt.Errorf("fees: price and quantity must be positive")
	}
	if price > math.MaxInt64/quantity {
		return 0, ErrAmountOverflow
	}
	return price * quantity, nil
}

// Fee computes floor(amount * bps / 10000). Truncation toward zero is part of
// the contract: callers depend on reproducing historical fee amounts exactly.
func Fee(amount int64, bps uint32) (int64, error) {
	if err := ValidateBps(bps); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, fmt.Errorf("fees: negative amount")
	}
	if amount > math.MaxInt64/BpsDenominator {
		return 0, ErrAmountOverflow
	}
	return amount * int64(bps) / BpsDenominator, nil
}

// Split computes the full breakdown of a purchase. payment must cover
// price * quantity; the caller validates that precondition and maps the
// error to its own taxonomy.
func Split(price, quantity, payment int64, bps uint32) (Breakdown, error) {
	finalPrice, err := FinalPrice(price, quantity)
	if err != nil {
		return Breakdown{}, err
	}
	fee, err := Fee(finalPrice, bps)
	if err != nil {
		return Breakdown{}, err
	}
	if payment < finalPrice {
		return Breakdown{}, fmt.Errorf("fees: payment %d below final price %d", payment, finalPrice)
	}
	return Breakdown{
		FinalPrice:   finalPrice,
		Fee:          fee,
		SellerAmount: finalPrice - fee,
		Refund:       payment - finalPrice,
	}, nil
}
