// Package ledger builds the explicit postings that replace native value
// transfer in the off-chain port. Every state transition that moves money
// produces entries here; the store applies them atomically together with the
// entity updates, so balances and order state can never diverge.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/opensouk/marketplace-engine/internal/model"
)

// EscrowAccount is the pooled system account backing all order escrows.
// Per-order amounts are tracked on the orders themselves; the pool must always
// cover their sum.
const EscrowAccount = "$escrow"

// External is the empty account name standing for funds entering or leaving
// the system at the settlement boundary.
const External = ""

// ErrInsufficientFunds is returned when a posting would drive a non-external
// account negative.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Transfer builds a single posting. Amounts must be positive; zero-amount
// transfers (e.g. a 0% fee) produce no entry.
func Transfer(orderID uint64, from, to string, amount int64, kind model.EntryKind, at time.Time) ([]model.Entry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("ledger: negative transfer %d", amount)
	}
	if amount == 0 {
		return nil, nil
	}
	if from == to {
		return nil, fmt.Errorf("ledger: self transfer on account %q", from)
	}
	return []model.Entry{{
		OrderID:   orderID,
		From:      from,
		To:        to,
		Amount:    amount,
		Kind:      kind,
		CreatedAt: at,
	}}, nil
}

// PurchasePostings models the purchase money flow: the full payment moves
// from the buyer into the escrow pool, the platform fee moves out to the fee
// recipient, and any overpayment is refunded to the buyer at once. What
// remains in the pool for this order is exactly finalPrice - fee.
func PurchasePostings(orderID uint64, buyer, feeRecipient string, payment, fee, refund int64, at time.Time) ([]model.Entry, error) {
	entries, err := Transfer(orderID, buyer, EscrowAccount, payment, model.EntryPayment, at)
	if err != nil {
		return nil, err
	}
	feeEntries, err := Transfer(orderID, EscrowAccount, feeRecipient, fee, model.EntryFee, at)
	if err != nil {
		return nil, err
	}
	refundEntries, err := Transfer(orderID, EscrowAccount, buyer, refund, model.EntryRefund, at)
	if err != nil {
		return nil, err
	}
	entries = append(entries, feeEntries...)
	return append(entries, refundEntries...), nil
}

// Apply folds entries into a balance map, enforcing that no internal account
// goes negative. The external account may go arbitrarily negative: it is the
// mirror of funds held outside the system.
func Apply(balances map[string]int64, entries []model.Entry) error {
	for _, e := range entries {
		if e.Amount <= 0 {
			return fmt.Errorf("ledger: non-positive entry amount %d", e.Amount)
		}
		if e.From != External {
			if balances[e.From] < e.Amount {
				return fmt.Errorf("%w: account %q has %d, needs %d",
					ErrInsufficientFunds, e.From, balances[e.From], e.Amount)
			}
			balances[e.From] -= e.Amount
		}
		if e.To != External {
			balances[e.To] += e.Amount
		}
	}
	return nil
}

// Sum returns the total of all internal balances. With deposits and
// withdrawals as the only external postings, this equals deposits minus
// withdrawals, a conservation check for tests.
func Sum(balances map[string]int64) int64 {
	var total int64
	for _, v := range balances {
		total += v
	}
	return total
}
