// Package engine implements the escrow marketplace order state machine:
// listing lifecycle, atomic purchase with escrow hold and fee split,
// transporter handoff, dual-confirmation release, disputes, and the admin
// surface. All operations are all-or-nothing: preconditions are validated on
// copies, the complete changeset (entities + ledger postings + events) is
// built, and the store applies it in one transaction. Money postings only
// ever follow state mutation within that changeset, the checks-effects-
// interactions ordering the escrow accounting depends on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opensouk/marketplace-engine/internal/access"
	"github.com/opensouk/marketplace-engine/internal/events"
	"github.com/opensouk/marketplace-engine/internal/fees"
	"github.com/opensouk/marketplace-engine/internal/ledger"
	"github.com/opensouk/marketplace-engine/internal/model"
	"github.com/opensouk/marketplace-engine/internal/store"
)

// MaxNameLen bounds the listing name length in bytes.
const MaxNameLen = 200

// Engine owns the marketplace state machine. A single mutex serializes every
// mutating operation (single-instance deployment); the store's status/version
// compare-and-sets back that up so a second concurrent writer loses with a
// deterministic invalid-state failure rather than corrupting escrow.
type Engine struct {
	store  store.Store
	policy *access.Policy
	mu     sync.Mutex
	nowFn  func() time.Time
	sink   func([]model.Event)
}

// New creates an engine bound to a store, with the given owner identity.
func New(st store.Store, owner string) *Engine {
	return &Engine{
		store:  st,
		policy: access.NewPolicy(owner),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Owner returns the deploy-time owner identity.
func (e *Engine) Owner() string { return e.policy.Owner() }

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetEventSink registers a callback invoked with the events of each committed
// transition, after the store has durably appended them. Used to push live
// updates; consumers needing exact ordering replay the durable log instead.
func (e *Engine) SetEventSink(sink func([]model.Event)) { e.sink = sink }

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) emit(evts []model.Event) {
	if e.sink != nil && len(evts) > 0 {
		e.sink(evts)
	}
}

// --- ListingRegistry ---

// ListingInput carries the caller-supplied fields of createListing.
type ListingInput struct {
	Name        string
	Description string
	Category    string
	Location    string
	ImageURL    string
	Price       int64 // per unit, base units
	Quantity    int64
}

// CreateListing validates the input, assigns the next sequential id, and
// records the caller as seller. Emits ListingCreated.
func (e *Engine) CreateListing(ctx context.Context, seller string, in ListingInput) (*model.Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.policy.Guard(cfg, seller); err != nil {
		return nil, err
	}
	if err := validIdentity(seller); err != nil {
		return nil, err
	}
	if len(in.Name) == 0 || len(in.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: name length %d out of range [1,%d]", ErrInvalidInput, len(in.Name), MaxNameLen)
	}
	if in.Price <= 0 || in.Price > fees.MaxPrice {
		return nil, fmt.Errorf("%w: price %d out of range (0,%d]", ErrInvalidInput, in.Price, int64(fees.MaxPrice))
	}
	if in.Quantity < 1 || in.Quantity > fees.MaxQuantity {
		return nil, fmt.Errorf("%w: quantity %d out of range [1,%d]", ErrInvalidInput, in.Quantity, fees.MaxQuantity)
	}

	now := e.now()
	listing := &model.Listing{
		Seller:      seller,
		Name:        in.Name,
		Description: in.Description,
		Category:    in.Category,
		Location:    in.Location,
		ImageURL:    in.ImageURL,
		Price:       in.Price,
		Quantity:    in.Quantity,
		Status:      model.ListingActive,
		CreatedAt:   now,
	}

	var emitted []model.Event
	id, err := e.store.InsertListing(ctx, listing, func(id uint64) []model.Event {
		listing.ID = id
		emitted = []model.Event{events.ListingCreated(listing, now)}
		return emitted
	})
	if err != nil {
		return nil, err
	}
	listing.ID = id
	e.emit(emitted)
	return listing, nil
}

// CancelListing sets an Active listing to Cancelled. Only the seller or an
// admin may cancel; re-cancelling fails rather than silently succeeding.
func (e *Engine) CancelListing(ctx context.Context, caller string, listingID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return err
	}
	listing, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if caller != listing.Seller && !e.policy.IsAdmin(cfg, caller) {
		return fmt.Errorf("%w: only seller or admin may cancel listing %d", ErrUnauthorized, listingID)
	}
	if listing.Status != model.ListingActive {
		return fmt.Errorf("%w: listing %d is %s", ErrInvalidState, listingID, listing.Status)
	}

	evts := []model.Event{events.ListingCancelled(listing, caller, e.now())}
	err = e.store.UpdateListingStatus(ctx, listingID, model.ListingActive, model.ListingCancelled, evts)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: listing %d changed concurrently", ErrInvalidState, listingID)
	}
	if err != nil {
		return err
	}
	e.emit(evts)
	return nil
}

// GetListing returns the listing, or a zero-valued sentinel (ID 0) when the
// id does not exist. Callers check ID != 0, mirroring the registry's
// append-only, never-delete contract.
func (e *Engine) GetListing(ctx context.Context, listingID uint64) (*model.Listing, error) {
	listing, err := e.store.GetListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Listing{}, nil
	}
	return listing, err
}

// --- OrderEngine ---

// PurchaseProduct executes the atomic purchase flow: validates the listing
// and payment, splits the platform fee, holds the remainder in escrow,
// refunds any overpayment, marks the listing Sold, and creates the order in
// AwaitingShipment. Emits OrderCreated.
//
// A listing is single-shot: the first successful purchase flips it to Sold
// regardless of remaining quantity.
func (e *Engine) PurchaseProduct(ctx context.Context, buyer string, listingID uint64, quantity, payment int64) (*model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.policy.Guard(cfg, buyer); err != nil {
		return nil, err
	}
	if err := validIdentity(buyer); err != nil {
		return nil, err
	}
	listing, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != model.ListingActive {
		return nil, fmt.Errorf("%w: listing %d is %s", ErrInvalidState, listingID, listing.Status)
	}
	if buyer == listing.Seller {
		return nil, fmt.Errorf("%w: listing %d", ErrSelfPurchase, listingID)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity %d", ErrInvalidInput, quantity)
	}
	if quantity > listing.Quantity {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrInsufficientStock, quantity, listing.Quantity)
	}

	finalPrice, err := fees.FinalPrice(listing.Price, quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if payment < finalPrice {
		return nil, fmt.Errorf("%w: paid %d, need %d", ErrInsufficientPayment, payment, finalPrice)
	}
	balance, err := e.store.Balance(ctx, buyer)
	if err != nil {
		return nil, err
	}
	if balance < payment {
		return nil, fmt.Errorf("%w: balance %d, committed %d", ErrInsufficientFunds, balance, payment)
	}

	split, err := fees.Split(listing.Price, quantity, payment, cfg.FeeBps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := e.now()
	order := &model.Order{
		ListingID:         listingID,
		Buyer:             buyer,
		Seller:            listing.Seller,
		FinalPrice:        split.FinalPrice,
		QuantityPurchased: quantity,
		EscrowAmount:      split.SellerAmount,
		Status:            model.OrderAwaitingShipment,
		CreatedAt:         now,
	}

	entries, err := ledger.PurchasePostings(0, buyer, e.feeRecipient(cfg), payment, split.Fee, split.Refund, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPosting, err)
	}

	var emitted []model.Event
	id, err := e.store.CreateOrder(ctx, order, entries, func(id uint64) []model.Event {
		order.ID = id
		emitted = []model.Event{events.OrderCreated(order, split.Fee, now)}
		return emitted
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: listing %d sold concurrently", ErrInvalidState, listingID)
	}
	if err != nil {
		return nil, err
	}
	order.ID = id
	order.Version = 1
	e.emit(emitted)
	return order, nil
}

// AssignTransporter hands an AwaitingShipment order to a transporter and
// moves it to InTransit. Seller only.
func (e *Engine) AssignTransporter(ctx context.Context, caller string, orderID uint64, transporter string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return err
	}
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if caller != order.Seller {
		return fmt.Errorf("%w: only the seller assigns a transporter", ErrUnauthorized)
	}
	if order.Status != model.OrderAwaitingShipment {
		return fmt.Errorf("%w: order %d is %s", ErrWrongStatus, orderID, order.Status)
	}
	if err := validIdentity(transporter); err != nil {
		return err
	}

	order.Transporter = transporter
	order.Status = model.OrderInTransit
	evts := []model.Event{events.TransporterAssigned(order, e.now())}
	return e.applyOrderUpdate(ctx, order, nil, nil, evts)
}

// UpdateOrderStatus performs the transporter-driven transition. The only
// transition in the allowed set is InTransit -> Delivered; the seller may
// substitute while no transporter is assigned.
func (e *Engine) UpdateOrderStatus(ctx context.Context, caller string, orderID uint64, newStatus model.OrderStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return err
	}
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	allowed := caller == order.Transporter
	if order.Transporter == "" {
		allowed = caller == order.Seller
	}
	if !allowed {
		return fmt.Errorf("%w: only the transporter updates order %d", ErrUnauthorized, orderID)
	}
	if newStatus != model.OrderDelivered {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, newStatus)
	}
	if order.Status != model.OrderInTransit {
		return fmt.Errorf("%w: order %d is %s", ErrWrongStatus, orderID, order.Status)
	}

	order.Status = model.OrderDelivered
	evts := []model.Event{events.OrderStatusUpdated(order, caller, e.now())}
	return e.applyOrderUpdate(ctx, order, nil, nil, evts)
}

// ConfirmDelivery records the buyer's confirmation on a Delivered order. If
// the seller has already confirmed, escrow is released in the same atomic
// step and the order completes.
func (e *Engine) ConfirmDelivery(ctx context.Context, caller string, orderID uint64) error {
	return e.confirm(ctx, caller, orderID, true)
}

// ConfirmCompletion records the seller's confirmation on a Delivered order.
// If the buyer has already confirmed, escrow is released in the same atomic
// step and the order completes.
func (e *Engine) ConfirmCompletion(ctx context.Context, caller string, orderID uint64) error {
	return e.confirm(ctx, caller, orderID, false)
}

// confirm implements the two-phase release: either party may confirm first,
// and the second confirmation triggers payment. The flags are monotonic:
// once set they are never cleared.
func (e *Engine) confirm(ctx context.Context, caller string, orderID uint64, asBuyer bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return err
	}
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if asBuyer && caller != order.Buyer {
		return fmt.Errorf("%w: only the buyer confirms delivery", ErrUnauthorized)
	}
	if !asBuyer && caller != order.Seller {
		return fmt.Errorf("%w: only the seller confirms completion", ErrUnauthorized)
	}
	if order.Status != model.OrderDelivered {
		return fmt.Errorf("%w: order %d is %s", ErrWrongStatus, orderID, order.Status)
	}

	now := e.now()
	var evts []model.Event
	if asBuyer {
		order.BuyerConfirmed = true
		evts = append(evts, events.DeliveryConfirmed(order, now))
	} else {
		order.SellerConfirmed = true
		evts = append(evts, events.CompletionConfirmed(order, now))
	}

	if !(order.BuyerConfirmed && order.SellerConfirmed) {
		return e.applyOrderUpdate(ctx, order, nil, nil, evts)
	}

	// Dual confirmation: release escrow, complete the order, credit both
	// reputations. State flips before the posting is built so a re-entrant
	// read observes Completed with zero escrow.
	amount := order.EscrowAmount
	order.EscrowAmount = 0
	order.Status = model.OrderCompleted
	entries, err := ledger.Transfer(orderID, ledger.EscrowAccount, order.Seller, amount, model.EntryRelease, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPosting, err)
	}
	evts = append(evts, events.PaymentReleased(order, amount, now))
	repDeltas := map[string]int64{order.Buyer: 1, order.Seller: 1}
	return e.applyOrderUpdate(ctx, order, repDeltas, entries, evts)
}

// RaiseDispute escalates a non-terminal, pre-completion order to Disputed.
// Buyer or seller only.
func (e *Engine) RaiseDispute(ctx context.Context, caller string, orderID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return err
	}
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if caller != order.Buyer && caller != order.Seller {
		return fmt.Errorf("%w: only buyer or seller may dispute order %d", ErrUnauthorized, orderID)
	}
	switch order.Status {
	case model.OrderAwaitingShipment, model.OrderInTransit, model.OrderDelivered:
	default:
		return fmt.Errorf("%w: order %d is %s", ErrCannotDispute, orderID, order.Status)
	}

	order.Status = model.OrderDisputed
	evts := []model.Event{events.DisputeRaised(order, caller, e.now())}
	return e.applyOrderUpdate(ctx, order, nil, nil, evts)
}

// ResolveDispute arbitrates a Disputed order. Owner only, a single point of
// arbitration authority. favorBuyer refunds the escrow and
// cancels the order; otherwise the escrow pays out to the seller, the order
// completes, and the seller's reputation is credited.
func (e *Engine) ResolveDispute(ctx context.Context, caller string, orderID uint64, favorBuyer bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return err
	}
	if err := e.policy.RequireOwner(caller); err != nil {
		return err
	}
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != model.OrderDisputed {
		return fmt.Errorf("%w: order %d is %s", ErrWrongStatus, orderID, order.Status)
	}

	now := e.now()
	amount := order.EscrowAmount
	order.EscrowAmount = 0

	var entries []model.Entry
	var repDeltas map[string]int64
	if favorBuyer {
		order.Status = model.OrderCancelled
		entries, err = ledger.Transfer(orderID, ledger.EscrowAccount, order.Buyer, amount, model.EntryDisputeRefund, now)
	} else {
		order.Status = model.OrderCompleted
		entries, err = ledger.Transfer(orderID, ledger.EscrowAccount, order.Seller, amount, model.EntryDisputeRelease, now)
		repDeltas = map[string]int64{order.Seller: 1}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPosting, err)
	}
	evts := []model.Event{events.DisputeResolved(order, favorBuyer, amount, now)}
	return e.applyOrderUpdate(ctx, order, repDeltas, entries, evts)
}

// applyOrderUpdate commits a staged order transition and broadcasts its
// events. Store-level version conflicts surface as WrongStatus: the caller
// lost a race and the state they validated no longer holds.
func (e *Engine) applyOrderUpdate(ctx context.Context, order *model.Order, repDeltas map[string]int64, entries []model.Entry, evts []model.Event) error {
	err := e.store.UpdateOrder(ctx, order, repDeltas, entries, evts)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: order %d changed concurrently", ErrWrongStatus, order.ID)
	}
	if err != nil {
		return err
	}
	e.emit(evts)
	return nil
}

// validIdentity rejects names that cannot act as user identities: the empty
// string stands for the external boundary in the ledger, and the pooled
// escrow account must never be addressable as a caller, participant, or
// payout target.
func validIdentity(name string) error {
	switch name {
	case ledger.External:
		return fmt.Errorf("%w: empty identity", ErrInvalidInput)
	case ledger.EscrowAccount:
		return fmt.Errorf("%w: reserved account %q", ErrInvalidInput, name)
	}
	return nil
}

// feeRecipient falls back to the owner until an admin configures one, so fee
// postings always have a destination account.
func (e *Engine) feeRecipient(cfg *model.Config) string {
	if cfg.FeeRecipient != "" {
		return cfg.FeeRecipient
	}
	return e.policy.Owner()
}

// --- Reads ---

// GetOrder returns the stored order.
func (e *Engine) GetOrder(ctx context.Context, orderID uint64) (*model.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// GetUserListings returns all listings created by user.
func (e *Engine) GetUserListings(ctx context.Context, user string) ([]model.Listing, error) {
	return e.store.ListingsBySeller(ctx, user)
}

// GetUserOrders returns orders where user participates as buyer, seller, or
// transporter.
func (e *Engine) GetUserOrders(ctx context.Context, user string) ([]model.Order, error) {
	return e.store.OrdersByUser(ctx, user)
}

// GetTotalListings returns the number of listings ever created.
func (e *Engine) GetTotalListings(ctx context.Context) (uint64, error) {
	return e.store.CountListings(ctx)
}

// GetTotalOrders returns the number of orders ever created.
func (e *Engine) GetTotalOrders(ctx context.Context) (uint64, error) {
	return e.store.CountOrders(ctx)
}

// GetUserReputation returns the completion counter for user.
func (e *Engine) GetUserReputation(ctx context.Context, user string) (int64, error) {
	return e.store.Reputation(ctx, user)
}

// Balance returns the wallet balance for an account.
func (e *Engine) Balance(ctx context.Context, account string) (int64, error) {
	return e.store.Balance(ctx, account)
}

// LedgerEntries returns the postings touching an account.
func (e *Engine) LedgerEntries(ctx context.Context, account string) ([]model.Entry, error) {
	return e.store.EntriesByAccount(ctx, account)
}

// EventsAfter replays the durable event log.
func (e *Engine) EventsAfter(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	return e.store.EventsAfter(ctx, after, limit)
}

// VerifyEscrowInvariant checks that the pooled escrow balance covers the sum
// of per-order escrow amounts across all non-terminal orders. A false result
// means per-order accounting and the pool have diverged.
func (e *Engine) VerifyEscrowInvariant(ctx context.Context) (bool, error) {
	outstanding, err := e.store.EscrowOutstanding(ctx)
	if err != nil {
		return false, err
	}
	pool, err := e.store.Balance(ctx, ledger.EscrowAccount)
	if err != nil {
		return false, err
	}
	return outstanding <= pool, nil
}
