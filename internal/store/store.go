// Package store defines the persistence interface for the marketplace engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Mutating methods are composite on purpose: each one covers a whole state
// transition (entity updates + ledger postings + emitted events) and must
// apply it atomically, so a failure can never leave order, listing, balance,
// or event state half-written.
package store

import (
	"context"
	"errors"

	"github.com/opensouk/marketplace-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-set on a status or
	// version field observes a concurrent change. The engine surfaces it
	// as an invalid-state failure.
	ErrConflict = errors.New("store: conflicting update")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Configuration ---

	// GetConfig loads the single engine configuration record.
	GetConfig(ctx context.Context) (*model.Config, error)

	// PutConfig replaces the configuration and appends evts to the log.
	PutConfig(ctx context.Context, cfg *model.Config, evts []model.Event) error

	// --- Listings ---

	// InsertListing persists a new listing, assigning the next 1-based id.
	// evts is invoked with the assigned id so the emitted events can carry
	// it; the result is appended in the same transaction.
	InsertListing(ctx context.Context, l *model.Listing, evts func(id uint64) []model.Event) (uint64, error)

	// GetListing retrieves a listing by id.
	GetListing(ctx context.Context, id uint64) (*model.Listing, error)

	// ListingsBySeller returns all listings created by seller.
	ListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error)

	// CountListings returns the total number of listings ever created.
	CountListings(ctx context.Context) (uint64, error)

	// UpdateListingStatus transitions a listing from one status to
	// another; fails ErrConflict if the current status differs.
	UpdateListingStatus(ctx context.Context, id uint64, from, to model.ListingStatus, evts []model.Event) error

	// --- Orders ---

	// CreateOrder atomically marks the listing Sold (compare-and-set on
	// Active), inserts the order with the next id, applies the purchase
	// postings, and appends the events built by evts from the assigned id.
	CreateOrder(ctx context.Context, o *model.Order, entries []model.Entry, evts func(id uint64) []model.Event) (uint64, error)

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id uint64) (*model.Order, error)

	// OrdersByUser returns orders where user is buyer, seller, or
	// transporter.
	OrdersByUser(ctx context.Context, user string) ([]model.Order, error)

	// CountOrders returns the total number of orders ever created.
	CountOrders(ctx context.Context) (uint64, error)

	// UpdateOrder compare-and-sets the order on its Version, applies
	// ledger postings and reputation deltas, and appends events, all in
	// one transaction. The stored version is bumped by one.
	UpdateOrder(ctx context.Context, o *model.Order, repDeltas map[string]int64, entries []model.Entry, evts []model.Event) error

	// EscrowOutstanding sums EscrowAmount over all non-terminal orders.
	EscrowOutstanding(ctx context.Context) (int64, error)

	// --- Ledger ---

	// AppendEntries applies postings outside an order transition
	// (deposits, withdrawals, emergency sweeps) and appends events.
	AppendEntries(ctx context.Context, entries []model.Entry, evts []model.Event) error

	// Balance returns the current balance of an account (0 for unknown).
	Balance(ctx context.Context, account string) (int64, error)

	// EntriesByAccount returns postings touching the account, in order.
	EntriesByAccount(ctx context.Context, account string) ([]model.Entry, error)

	// --- Reputation ---

	// Reputation returns the per-identity counter (0 for unknown).
	Reputation(ctx context.Context, user string) (int64, error)

	// --- Event log ---

	// EventsAfter returns up to limit events with Seq > after, ascending.
	EventsAfter(ctx context.Context, after uint64, limit int) ([]model.Event, error)
}
