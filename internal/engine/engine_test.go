package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensouk/marketplace-engine/internal/engine"
	"github.com/opensouk/marketplace-engine/internal/fees"
	"github.com/opensouk/marketplace-engine/internal/ledger"
	"github.com/opensouk/marketplace-engine/internal/model"
	"github.com/opensouk/marketplace-engine/internal/store"
)

const (
	owner       = "owner"
	seller      = "alice"
	buyer       = "bob"
	transporter = "carol"

	unit = int64(fees.BaseUnitsPerToken)
)

var ctx = context.Background()

// newTestEngine creates an engine over a fresh in-memory store with a fixed
// clock.
func newTestEngine(t *testing.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := engine.New(ms, owner)
	eng.SetNowFunc(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})
	return eng, ms
}

func deposit(t *testing.T, eng *engine.Engine, account string, amount int64) {
	t.Helper()
	if err := eng.Deposit(ctx, account, amount); err != nil {
		t.Fatalf("deposit %d to %s: %v", amount, account, err)
	}
}

func seedListing(t *testing.T, eng *engine.Engine, price, quantity int64) *model.Listing {
	t.Helper()
	l, err := eng.CreateListing(ctx, seller, engine.ListingInput{
		Name:     "vintage camera",
		Price:    price,
		Quantity: quantity,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func balance(t *testing.T, eng *engine.Engine, account string) int64 {
	t.Helper()
	b, err := eng.Balance(ctx, account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return b
}

// deliver walks an order from AwaitingShipment to Delivered.
func deliver(t *testing.T, eng *engine.Engine, orderID uint64) {
	t.Helper()
	if err := eng.AssignTransporter(ctx, seller, orderID, transporter); err != nil {
		t.Fatalf("assign transporter: %v", err)
	}
	if err := eng.UpdateOrderStatus(ctx, transporter, orderID, model.OrderDelivered); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
}

// --- Listings ---

func TestCreateListing_Valid(t *testing.T) {
	eng, _ := newTestEngine(t)

	l := seedListing(t, eng, 10*unit, 3)
	if l.ID != 1 {
		t.Errorf("expected id 1, got %d", l.ID)
	}
	if l.Status != model.ListingActive {
		t.Errorf("expected active, got %s", l.Status)
	}

	total, _ := eng.GetTotalListings(ctx)
	if total != 1 {
		t.Errorf("expected 1 total listing, got %d", total)
	}
}

func TestCreateListing_Invalid(t *testing.T) {
	eng, _ := newTestEngine(t)

	cases := []struct {
		name string
		in   engine.ListingInput
	}{
		{"empty name", engine.ListingInput{Price: unit, Quantity: 1}},
		{"zero price", engine.ListingInput{Name: "x", Quantity: 1}},
		{"negative price", engine.ListingInput{Name: "x", Price: -1, Quantity: 1}},
		{"price above cap", engine.ListingInput{Name: "x", Price: fees.MaxPrice + 1, Quantity: 1}},
		{"zero quantity", engine.ListingInput{Name: "x", Price: unit}},
		{"quantity above cap", engine.ListingInput{Name: "x", Price: unit, Quantity: fees.MaxQuantity + 1}},
	}
	for _, tc := range cases {
		if _, err := eng.CreateListing(ctx, seller, tc.in); !errors.Is(err, engine.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestGetListing_MissingReturnsSentinel(t *testing.T) {
	eng, _ := newTestEngine(t)

	l, err := eng.GetListing(ctx, 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.ID != 0 {
		t.Errorf("expected sentinel id 0, got %d", l.ID)
	}
}

func TestCancelListing_Authorization(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)

	if err := eng.CancelListing(ctx, buyer, l.ID); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("stranger cancel: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.CancelListing(ctx, seller, l.ID); err != nil {
		t.Fatalf("seller cancel: %v", err)
	}
	if err := eng.CancelListing(ctx, seller, l.ID); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("double cancel: expected ErrInvalidState, got %v", err)
	}

	// Admins may cancel listings they do not own.
	l2 := seedListing(t, eng, 10*unit, 1)
	if err := eng.GrantAdmin(ctx, owner, "admin1"); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	if err := eng.CancelListing(ctx, "admin1", l2.ID); err != nil {
		t.Errorf("admin cancel: %v", err)
	}
}

// --- Purchase ---

func TestPurchase_ExactPayment(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 2)
	deposit(t, eng, buyer, 100*unit)

	order, err := eng.PurchaseProduct(ctx, buyer, l.ID, 2, 20*unit)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if order.Status != model.OrderAwaitingShipment {
		t.Errorf("expected awaiting_shipment, got %s", order.Status)
	}
	if order.FinalPrice != 20*unit {
		t.Errorf("expected final price %d, got %d", 20*unit, order.FinalPrice)
	}
	if order.EscrowAmount != 20*unit {
		t.Errorf("zero fee: escrow should equal final price, got %d", order.EscrowAmount)
	}

	// Payment left the buyer and is held in the pool.
	if got := balance(t, eng, buyer); got != 80*unit {
		t.Errorf("buyer balance: expected %d, got %d", 80*unit, got)
	}
	if got := balance(t, eng, ledger.EscrowAccount); got != 20*unit {
		t.Errorf("escrow pool: expected %d, got %d", 20*unit, got)
	}

	// First sale flips the listing to sold even with quantity remaining.
	got, _ := eng.GetListing(ctx, l.ID)
	if got.Status != model.ListingSold {
		t.Errorf("expected sold, got %s", got.Status)
	}
}

func TestPurchase_OverpaymentRefunded(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)

	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 15*unit); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	// Only the final price stays committed; the 5 overpaid units come back.
	if got := balance(t, eng, buyer); got != 90*unit {
		t.Errorf("buyer balance: expected %d, got %d", 90*unit, got)
	}
	if got := balance(t, eng, ledger.EscrowAccount); got != 10*unit {
		t.Errorf("escrow pool: expected %d, got %d", 10*unit, got)
	}
}

func TestPurchase_FeeSplit(t *testing.T) {
	eng, _ := newTestEngine(t)
	if err := eng.SetPlatformFee(ctx, owner, 250); err != nil { // 2.5%
		t.Fatalf("set fee: %v", err)
	}
	if err := eng.SetFeeRecipient(ctx, owner, "treasury"); err != nil {
		t.Fatalf("set fee recipient: %v", err)
	}
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)

	order, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	wantFee := 10 * unit * 250 / 10_000
	if got := balance(t, eng, "treasury"); got != wantFee {
		t.Errorf("fee recipient: expected %d, got %d", wantFee, got)
	}
	if order.EscrowAmount != 10*unit-wantFee {
		t.Errorf("escrow amount: expected %d, got %d", 10*unit-wantFee, order.EscrowAmount)
	}
	if got := balance(t, eng, ledger.EscrowAccount); got != order.EscrowAmount {
		t.Errorf("escrow pool: expected %d, got %d", order.EscrowAmount, got)
	}
}

func TestPurchase_Rejections(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 2)
	deposit(t, eng, buyer, 100*unit)
	deposit(t, eng, seller, 100*unit)

	if _, err := eng.PurchaseProduct(ctx, seller, l.ID, 1, 10*unit); !errors.Is(err, engine.ErrSelfPurchase) {
		t.Errorf("self purchase: expected ErrSelfPurchase, got %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 3, 30*unit); !errors.Is(err, engine.ErrInsufficientStock) {
		t.Errorf("over stock: expected ErrInsufficientStock, got %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 9*unit); !errors.Is(err, engine.ErrInsufficientPayment) {
		t.Errorf("underpayment: expected ErrInsufficientPayment, got %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, "pauper", l.ID, 1, 10*unit); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Errorf("no funds: expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, 999, 1, 10*unit); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("missing listing: expected ErrNotFound, got %v", err)
	}

	// A failed purchase must not leak money out of the buyer's wallet.
	if got := balance(t, eng, buyer); got != 100*unit {
		t.Errorf("buyer balance after rejections: expected %d, got %d", 100*unit, got)
	}

	// First successful purchase makes the listing terminal.
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("double sale: expected ErrInvalidState, got %v", err)
	}
}

// --- Fulfillment ---

func TestFulfillment_HappyPath(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)

	order, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	deliver(t, eng, order.ID)

	if err := eng.ConfirmDelivery(ctx, buyer, order.ID); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	// One-sided confirmation does not release.
	if got := balance(t, eng, seller); got != 0 {
		t.Errorf("seller paid early: %d", got)
	}
	if err := eng.ConfirmCompletion(ctx, seller, order.ID); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}

	got, _ := eng.GetOrder(ctx, order.ID)
	if got.Status != model.OrderCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.EscrowAmount != 0 {
		t.Errorf("escrow not zeroed: %d", got.EscrowAmount)
	}
	if b := balance(t, eng, seller); b != 10*unit {
		t.Errorf("seller balance: expected %d, got %d", 10*unit, b)
	}
	if b := balance(t, eng, ledger.EscrowAccount); b != 0 {
		t.Errorf("escrow pool not drained: %d", b)
	}

	// Both parties earn a reputation point on completion.
	for _, user := range []string{buyer, seller} {
		rep, _ := eng.GetUserReputation(ctx, user)
		if rep != 1 {
			t.Errorf("%s reputation: expected 1, got %d", user, rep)
		}
	}
}

func TestFulfillment_ConfirmationsEitherOrder(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
	deliver(t, eng, order.ID)

	// Seller first, buyer second.
	if err := eng.ConfirmCompletion(ctx, seller, order.ID); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if err := eng.ConfirmDelivery(ctx, buyer, order.ID); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if b := balance(t, eng, seller); b != 10*unit {
		t.Errorf("seller balance: expected %d, got %d", 10*unit, b)
	}
}

func TestFulfillment_NoDoubleRelease(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
	deliver(t, eng, order.ID)

	eng.ConfirmDelivery(ctx, buyer, order.ID)
	eng.ConfirmCompletion(ctx, seller, order.ID)

	// Re-confirming a completed order must fail and must not pay twice.
	if err := eng.ConfirmDelivery(ctx, buyer, order.ID); !errors.Is(err, engine.ErrWrongStatus) {
		t.Errorf("expected ErrWrongStatus, got %v", err)
	}
	if err := eng.ConfirmCompletion(ctx, seller, order.ID); !errors.Is(err, engine.ErrWrongStatus) {
		t.Errorf("expected ErrWrongStatus, got %v", err)
	}
	if b := balance(t, eng, seller); b != 10*unit {
		t.Errorf("seller balance after re-confirm: expected %d, got %d", 10*unit, b)
	}
}

func TestFulfillment_TransitAuthorization(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)

	if err := eng.AssignTransporter(ctx, buyer, order.ID, transporter); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("buyer assigning transporter: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.UpdateOrderStatus(ctx, transporter, order.ID, model.OrderDelivered); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("unassigned transporter: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.AssignTransporter(ctx, seller, order.ID, transporter); err != nil {
		t.Fatalf("assign transporter: %v", err)
	}
	if err := eng.UpdateOrderStatus(ctx, seller, order.ID, model.OrderDelivered); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("seller after handoff: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.UpdateOrderStatus(ctx, transporter, order.ID, model.OrderCompleted); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("skip to completed: expected ErrInvalidTransition, got %v", err)
	}
	if err := eng.UpdateOrderStatus(ctx, transporter, order.ID, model.OrderDelivered); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := eng.UpdateOrderStatus(ctx, transporter, order.ID, model.OrderDelivered); !errors.Is(err, engine.ErrWrongStatus) {
		t.Errorf("re-deliver: expected ErrWrongStatus, got %v", err)
	}
}

func TestFulfillment_SellerDeliversWithoutTransporter(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)

	// Delivery requires transit first, even seller-handled.
	if err := eng.UpdateOrderStatus(ctx, seller, order.ID, model.OrderDelivered); !errors.Is(err, engine.ErrWrongStatus) {
		t.Errorf("expected ErrWrongStatus from awaiting_shipment, got %v", err)
	}
}

// --- Disputes ---

func TestDispute_FavorBuyer(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
	if err := eng.AssignTransporter(ctx, seller, order.ID, transporter); err != nil {
		t.Fatalf("assign transporter: %v", err)
	}

	if err := eng.RaiseDispute(ctx, buyer, order.ID); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if err := eng.ResolveDispute(ctx, owner, order.ID, true); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}

	got, _ := eng.GetOrder(ctx, order.ID)
	if got.Status != model.OrderCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if b := balance(t, eng, buyer); b != 100*unit {
		t.Errorf("buyer refund: expected %d, got %d", 100*unit, b)
	}
	if b := balance(t, eng, seller); b != 0 {
		t.Errorf("seller should get nothing, got %d", b)
	}
	rep, _ := eng.GetUserReputation(ctx, seller)
	if rep != 0 {
		t.Errorf("seller reputation after losing dispute: expected 0, got %d", rep)
	}
}

func TestDispute_FavorSeller(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
	deliver(t, eng, order.ID)

	if err := eng.RaiseDispute(ctx, seller, order.ID); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if err := eng.ResolveDispute(ctx, owner, order.ID, false); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}

	got, _ := eng.GetOrder(ctx, order.ID)
	if got.Status != model.OrderCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if b := balance(t, eng, seller); b != 10*unit {
		t.Errorf("seller payout: expected %d, got %d", 10*unit, b)
	}
	rep, _ := eng.GetUserReputation(ctx, seller)
	if rep != 1 {
		t.Errorf("seller reputation: expected 1, got %d", rep)
	}
	rep, _ = eng.GetUserReputation(ctx, buyer)
	if rep != 0 {
		t.Errorf("buyer reputation after lost dispute: expected 0, got %d", rep)
	}
}

func TestDispute_Gating(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)

	if err := eng.RaiseDispute(ctx, transporter, order.ID); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("third party dispute: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.ResolveDispute(ctx, owner, order.ID, true); !errors.Is(err, engine.ErrWrongStatus) {
		t.Errorf("resolve undisputed: expected ErrWrongStatus, got %v", err)
	}
	if err := eng.RaiseDispute(ctx, buyer, order.ID); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if err := eng.RaiseDispute(ctx, seller, order.ID); !errors.Is(err, engine.ErrCannotDispute) {
		t.Errorf("double dispute: expected ErrCannotDispute, got %v", err)
	}
	if err := eng.ResolveDispute(ctx, seller, order.ID, false); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("non-owner resolve: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.ResolveDispute(ctx, owner, order.ID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Terminal orders cannot be re-disputed.
	if err := eng.RaiseDispute(ctx, buyer, order.ID); !errors.Is(err, engine.ErrCannotDispute) {
		t.Errorf("dispute cancelled order: expected ErrCannotDispute, got %v", err)
	}
}

// --- Admin controls ---

func TestPause_GatesWritesNotReads(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)

	if err := eng.PauseContract(ctx, owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := eng.PauseContract(ctx, owner); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("double pause: expected ErrInvalidState, got %v", err)
	}

	if _, err := eng.CreateListing(ctx, seller, engine.ListingInput{Name: "x", Price: unit, Quantity: 1}); !errors.Is(err, engine.ErrPaused) {
		t.Errorf("create while paused: expected ErrPaused, got %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); !errors.Is(err, engine.ErrPaused) {
		t.Errorf("purchase while paused: expected ErrPaused, got %v", err)
	}
	if err := eng.Deposit(ctx, buyer, unit); !errors.Is(err, engine.ErrPaused) {
		t.Errorf("deposit while paused: expected ErrPaused, got %v", err)
	}

	// Reads keep working.
	if _, err := eng.GetListing(ctx, l.ID); err != nil {
		t.Errorf("read while paused: %v", err)
	}

	if err := eng.UnpauseContract(ctx, owner); err != nil {
		t.Fatalf("unpause while paused must work: %v", err)
	}
	if err := eng.UnpauseContract(ctx, owner); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("double unpause: expected ErrInvalidState, got %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); err != nil {
		t.Errorf("purchase after unpause: %v", err)
	}
}

func TestBlacklist(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)

	if err := eng.BlacklistUser(ctx, owner, buyer); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); !errors.Is(err, engine.ErrBlacklisted) {
		t.Errorf("blacklisted purchase: expected ErrBlacklisted, got %v", err)
	}
	if err := eng.Withdraw(ctx, buyer, unit); !errors.Is(err, engine.ErrBlacklisted) {
		t.Errorf("blacklisted withdraw: expected ErrBlacklisted, got %v", err)
	}

	if err := eng.BlacklistUser(ctx, owner, owner); !errors.Is(err, engine.ErrInvalidInput) {
		t.Errorf("blacklisting owner: expected ErrInvalidInput, got %v", err)
	}
	if err := eng.RemoveFromBlacklist(ctx, owner, "nobody"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Errorf("unblacklisting stranger: expected ErrInvalidInput, got %v", err)
	}

	if err := eng.RemoveFromBlacklist(ctx, owner, buyer); err != nil {
		t.Fatalf("unblacklist: %v", err)
	}
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); err != nil {
		t.Errorf("purchase after unblacklist: %v", err)
	}
}

func TestRoles(t *testing.T) {
	eng, _ := newTestEngine(t)

	// Admin operations reject plain users.
	if err := eng.PauseContract(ctx, buyer); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("user pause: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.SetPlatformFee(ctx, buyer, 100); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("user set fee: expected ErrUnauthorized, got %v", err)
	}

	// Admin grants are owner-only; moderator grants are admin-level.
	if err := eng.GrantAdmin(ctx, buyer, buyer); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("self grant: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.GrantAdmin(ctx, owner, "admin1"); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	if err := eng.GrantAdmin(ctx, "admin1", "admin2"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("admin granting admin: expected ErrUnauthorized, got %v", err)
	}
	if err := eng.GrantModerator(ctx, "admin1", "mod1"); err != nil {
		t.Errorf("admin granting moderator: %v", err)
	}
	if err := eng.PauseContract(ctx, "admin1"); err != nil {
		t.Errorf("admin pause: %v", err)
	}
	if err := eng.UnpauseContract(ctx, "admin1"); err != nil {
		t.Errorf("admin unpause: %v", err)
	}

	// Moderators hold no admin powers.
	if err := eng.PauseContract(ctx, "mod1"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("moderator pause: expected ErrUnauthorized, got %v", err)
	}

	if err := eng.RevokeAdmin(ctx, owner, "admin1"); err != nil {
		t.Fatalf("revoke admin: %v", err)
	}
	if err := eng.PauseContract(ctx, "admin1"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("revoked admin pause: expected ErrUnauthorized, got %v", err)
	}
}

func TestSetPlatformFee_Bounds(t *testing.T) {
	eng, _ := newTestEngine(t)

	if err := eng.SetPlatformFee(ctx, owner, fees.MaxFeeBps); err != nil {
		t.Errorf("fee at cap: %v", err)
	}
	if err := eng.SetPlatformFee(ctx, owner, fees.MaxFeeBps+1); !errors.Is(err, engine.ErrFeeTooHigh) {
		t.Errorf("fee above cap: expected ErrFeeTooHigh, got %v", err)
	}
	if err := eng.SetFeeRecipient(ctx, owner, ""); !errors.Is(err, engine.ErrInvalidInput) {
		t.Errorf("empty recipient: expected ErrInvalidInput, got %v", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if _, err := eng.EmergencyWithdraw(ctx, buyer); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("non-owner sweep: expected ErrUnauthorized, got %v", err)
	}
	swept, err := eng.EmergencyWithdraw(ctx, owner)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 10*unit {
		t.Errorf("swept: expected %d, got %d", 10*unit, swept)
	}
	if b := balance(t, eng, ledger.EscrowAccount); b != 0 {
		t.Errorf("pool after sweep: expected 0, got %d", b)
	}
	if b := balance(t, eng, owner); b != 10*unit {
		t.Errorf("owner after sweep: expected %d, got %d", 10*unit, b)
	}

	// Empty pool sweeps to zero without error.
	swept, err = eng.EmergencyWithdraw(ctx, owner)
	if err != nil || swept != 0 {
		t.Errorf("empty sweep: expected 0/nil, got %d/%v", swept, err)
	}
}

// --- Wallet boundary ---

func TestDepositWithdraw(t *testing.T) {
	eng, _ := newTestEngine(t)

	if err := eng.Deposit(ctx, buyer, 0); !errors.Is(err, engine.ErrInvalidInput) {
		t.Errorf("zero deposit: expected ErrInvalidInput, got %v", err)
	}
	deposit(t, eng, buyer, 50*unit)
	if err := eng.Withdraw(ctx, buyer, 60*unit); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Errorf("overdraft: expected ErrInsufficientFunds, got %v", err)
	}
	if err := eng.Withdraw(ctx, buyer, 20*unit); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if b := balance(t, eng, buyer); b != 30*unit {
		t.Errorf("balance: expected %d, got %d", 30*unit, b)
	}

	entries, err := eng.LedgerEntries(ctx, buyer)
	if err != nil {
		t.Fatalf("ledger entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != model.EntryDeposit || entries[1].Kind != model.EntryWithdraw {
		t.Errorf("unexpected kinds: %s, %s", entries[0].Kind, entries[1].Kind)
	}
}

func TestReservedAccountRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	deposit(t, eng, buyer, 100*unit)
	l := seedListing(t, eng, 10*unit, 1)
	if _, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	order, err := eng.PurchaseProduct(ctx, buyer, seedListing(t, eng, 5*unit, 1).ID, 1, 5*unit)
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}

	// The pooled escrow account is not a user wallet. No entry point may
	// accept it as a caller, participant, or payout target.
	pool := balance(t, eng, ledger.EscrowAccount)
	cases := []struct {
		name string
		op   func() error
	}{
		{"withdraw", func() error { return eng.Withdraw(ctx, ledger.EscrowAccount, pool) }},
		{"deposit", func() error { return eng.Deposit(ctx, ledger.EscrowAccount, unit) }},
		{"create listing", func() error {
			_, err := eng.CreateListing(ctx, ledger.EscrowAccount, engine.ListingInput{Name: "x", Price: unit, Quantity: 1})
			return err
		}},
		{"purchase", func() error {
			_, err := eng.PurchaseProduct(ctx, ledger.EscrowAccount, l.ID, 1, 10*unit)
			return err
		}},
		{"assign transporter", func() error {
			return eng.AssignTransporter(ctx, seller, order.ID, ledger.EscrowAccount)
		}},
		{"set fee recipient", func() error { return eng.SetFeeRecipient(ctx, owner, ledger.EscrowAccount) }},
		{"blacklist", func() error { return eng.BlacklistUser(ctx, owner, ledger.EscrowAccount) }},
		{"grant admin", func() error { return eng.GrantAdmin(ctx, owner, ledger.EscrowAccount) }},
		{"grant moderator", func() error { return eng.GrantModerator(ctx, owner, ledger.EscrowAccount) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.op(); !errors.Is(err, engine.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if got := balance(t, eng, ledger.EscrowAccount); got != pool {
		t.Errorf("escrow pool moved: %d, want %d", got, pool)
	}
	ok, err := eng.VerifyEscrowInvariant(ctx)
	if err != nil {
		t.Fatalf("verify invariant: %v", err)
	}
	if !ok {
		t.Error("escrow invariant violated")
	}
}

// --- Invariants ---

func TestEscrowInvariantHolds(t *testing.T) {
	eng, _ := newTestEngine(t)
	deposit(t, eng, buyer, 1000*unit)

	for i := 0; i < 3; i++ {
		l := seedListing(t, eng, 10*unit, 1)
		order, err := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
		if err != nil {
			t.Fatalf("purchase %d: %v", i, err)
		}
		if i == 0 {
			deliver(t, eng, order.ID)
			eng.ConfirmDelivery(ctx, buyer, order.ID)
			eng.ConfirmCompletion(ctx, seller, order.ID)
		}
	}

	ok, err := eng.VerifyEscrowInvariant(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("escrow pool no longer covers outstanding orders")
	}
}

func TestEventLog_GaplessAndOrdered(t *testing.T) {
	eng, _ := newTestEngine(t)
	l := seedListing(t, eng, 10*unit, 1)
	deposit(t, eng, buyer, 100*unit)
	order, _ := eng.PurchaseProduct(ctx, buyer, l.ID, 1, 10*unit)
	deliver(t, eng, order.ID)
	eng.ConfirmDelivery(ctx, buyer, order.ID)
	eng.ConfirmCompletion(ctx, seller, order.ID)

	evts, err := eng.EventsAfter(ctx, 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatal("expected events")
	}
	for i, e := range evts {
		if e.Seq != uint64(i+1) {
			t.Fatalf("gap at index %d: seq %d", i, e.Seq)
		}
		if e.ID == "" || e.Type == "" {
			t.Errorf("event %d missing id or type", i)
		}
	}

	// Resume from the middle.
	tail, err := eng.EventsAfter(ctx, evts[2].Seq, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != len(evts)-3 {
		t.Errorf("expected %d tail events, got %d", len(evts)-3, len(tail))
	}
}

func TestEventSink_ReceivesCommittedEvents(t *testing.T) {
	eng, _ := newTestEngine(t)
	var seen []model.Event
	eng.SetEventSink(func(evts []model.Event) { seen = append(seen, evts...) })

	seedListing(t, eng, 10*unit, 1)
	if len(seen) != 1 {
		t.Fatalf("expected 1 sink event, got %d", len(seen))
	}
	if seen[0].Type == "" {
		t.Error("sink event missing type")
	}
}
