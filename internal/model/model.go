// Package model defines the core domain types shared across the marketplace
// engine. All monetary values are int64 base units (10^8 per display unit),
// never float64.
package model

import "time"

// ListingStatus is the lifecycle state of a listing. Sold and Cancelled are
// terminal.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
)

// OrderStatus is the lifecycle state of an order. AwaitingPayment is transient
// and never persisted: purchase is atomic and orders materialize already in
// AwaitingShipment.
type OrderStatus string

const (
	OrderAwaitingPayment  OrderStatus = "awaiting_payment"
	OrderAwaitingShipment OrderStatus = "awaiting_shipment"
	OrderInTransit        OrderStatus = "in_transit"
	OrderDelivered        OrderStatus = "delivered"
	OrderCompleted        OrderStatus = "completed"
	OrderDisputed         OrderStatus = "disputed"
	OrderCancelled        OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Valid reports whether s is a persistable order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderAwaitingShipment, OrderInTransit, OrderDelivered,
		OrderCompleted, OrderDisputed, OrderCancelled:
		return true
	default:
		return false
	}
}

// Listing is an append-only registry record. IDs are 1-based and monotonic;
// id 0 is the "does not exist" sentinel returned to callers on a miss.
type Listing struct {
	ID          uint64        `json:"id" db:"id"`
	Seller      string        `json:"seller" db:"seller"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`
	Category    string        `json:"category" db:"category"`
	Location    string        `json:"location" db:"location"`
	ImageURL    string        `json:"image_url" db:"image_url"`
	Price       int64         `json:"price" db:"price"`       // per unit, base units
	Quantity    int64         `json:"quantity" db:"quantity"` // units available
	Status      ListingStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// Order references its originating listing; it never owns it. FinalPrice is
// fixed at purchase time and immune to later listing mutation. EscrowAmount
// equals FinalPrice minus the platform fee until the single release, refund,
// or dispute payout zeroes it.
type Order struct {
	ID                uint64      `json:"id" db:"id"`
	ListingID         uint64      `json:"listing_id" db:"listing_id"`
	Buyer             string      `json:"buyer" db:"buyer"`
	Seller            string      `json:"seller" db:"seller"`
	Transporter       string      `json:"transporter,omitempty" db:"transporter"`
	FinalPrice        int64       `json:"final_price" db:"final_price"`
	QuantityPurchased int64       `json:"quantity_purchased" db:"quantity_purchased"`
	EscrowAmount      int64       `json:"escrow_amount" db:"escrow_amount"`
	BuyerConfirmed    bool        `json:"buyer_confirmed" db:"buyer_confirmed"`
	SellerConfirmed   bool        `json:"seller_confirmed" db:"seller_confirmed"`
	Status            OrderStatus `json:"status" db:"status"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`

	// Version guards optimistic concurrency: every store update is a
	// compare-and-set on (ID, Version).
	Version uint64 `json:"version" db:"version"`
}

// Clone returns a copy the caller may mutate without affecting the stored
// instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// EntryKind classifies a ledger posting.
type EntryKind string

const (
	EntryDeposit        EntryKind = "deposit"
	EntryWithdraw       EntryKind = "withdraw"
	EntryPayment        EntryKind = "payment"
	EntryFee            EntryKind = "fee"
	EntryRefund         EntryKind = "refund"
	EntryRelease        EntryKind = "release"
	EntryDisputeRefund  EntryKind = "dispute_refund"
	EntryDisputeRelease EntryKind = "dispute_release"
	EntryEmergency      EntryKind = "emergency"
)

// Entry is an immutable ledger posting moving Amount base units from one
// account to another. The empty account name means "outside the system"
// (deposits in, withdrawals out).
type Entry struct {
	Seq       uint64    `json:"seq" db:"seq"`
	OrderID   uint64    `json:"order_id,omitempty" db:"order_id"`
	From      string    `json:"from" db:"from_account"`
	To        string    `json:"to" db:"to_account"`
	Amount    int64     `json:"amount" db:"amount"`
	Kind      EntryKind `json:"kind" db:"kind"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Event is one record of the append-only, ordered, replayable log the calling
// backend consumes to keep its relational mirror in sync. Seq is assigned by
// the store and is gapless and monotonic.
type Event struct {
	Seq        uint64            `json:"seq" db:"seq"`
	ID         string            `json:"id" db:"id"`
	Type       string            `json:"type" db:"type"`
	Attributes map[string]string `json:"attributes" db:"attributes"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// Config is the process-wide mutable configuration, persisted as a single
// record and mutated only through admin operations.
type Config struct {
	Paused       bool            `json:"paused"`
	FeeBps       uint32          `json:"fee_bps"`
	FeeRecipient string          `json:"fee_recipient"`
	Admins       map[string]bool `json:"admins"`
	Moderators   map[string]bool `json:"moderators"`
	Blacklist    map[string]bool `json:"blacklist"`
}

// Clone deep-copies the config so callers can stage changes before an atomic
// store write.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Admins = copySet(c.Admins)
	clone.Moderators = copySet(c.Moderators)
	clone.Blacklist = copySet(c.Blacklist)
	return &clone
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		if v {
			out[k] = true
		}
	}
	return out
}
