package engine

import (
	"errors"

	"github.com/opensouk/marketplace-engine/internal/access"
	"github.com/opensouk/marketplace-engine/internal/fees"
	"github.com/opensouk/marketplace-engine/internal/ledger"
	"github.com/opensouk/marketplace-engine/internal/store"
)

// The engine's failure taxonomy. Every operation aborts with exactly one of
// these (possibly wrapped) and no partial state change. The HTTP layer maps
// them onto response statuses.
var (
	// ErrUnauthorized: caller lacks the required role or relationship to
	// the entity.
	ErrUnauthorized = access.ErrUnauthorized

	// ErrPaused: mutating call attempted while the engine is paused.
	ErrPaused = access.ErrPaused

	// ErrBlacklisted: caller is on the blacklist.
	ErrBlacklisted = access.ErrBlacklisted

	// ErrNotFound: referenced listing or order does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidInput: malformed arguments (empty name, zero price, price
	// over ceiling, zero quantity).
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrInvalidState: listing-level operation from a state that does not
	// permit it (cancel a Sold listing, purchase a Cancelled one).
	ErrInvalidState = errors.New("engine: invalid listing state")

	// ErrWrongStatus: order-level operation from a state that does not
	// permit it.
	ErrWrongStatus = errors.New("engine: wrong order status")

	// ErrInvalidTransition: status update names a target outside the
	// allowed transition set.
	ErrInvalidTransition = errors.New("engine: invalid status transition")

	// ErrInsufficientPayment: payment below price x quantity.
	ErrInsufficientPayment = errors.New("engine: insufficient payment")

	// ErrInsufficientStock: purchase quantity exceeds listing quantity.
	ErrInsufficientStock = errors.New("engine: insufficient stock")

	// ErrInsufficientFunds: the caller's wallet balance cannot cover the
	// committed payment or withdrawal.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds

	// ErrSelfPurchase: seller attempting to buy their own listing.
	ErrSelfPurchase = errors.New("engine: cannot purchase own listing")

	// ErrCannotDispute: dispute raised on a terminal or already-disputed
	// order.
	ErrCannotDispute = errors.New("engine: order cannot be disputed")

	// ErrFeeTooHigh: fee configuration exceeds the 10% ceiling.
	ErrFeeTooHigh = fees.ErrFeeTooHigh

	// ErrPosting: settlement postings for an order could not be
	// constructed. Stored participant accounts are inconsistent with the
	// ledger's rules, so the transition is refused rather than applied
	// partially.
	ErrPosting = errors.New("engine: invalid settlement posting")
)
