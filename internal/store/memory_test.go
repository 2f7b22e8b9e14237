package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensouk/marketplace-engine/internal/ledger"
	"github.com/opensouk/marketplace-engine/internal/model"
	"github.com/opensouk/marketplace-engine/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fund(t *testing.T, ms *store.MemoryStore, account string, amount int64) {
	t.Helper()
	entries, err := ledger.Transfer(0, ledger.External, account, amount, model.EntryDeposit, now)
	require.NoError(t, err)
	require.NoError(t, ms.AppendEntries(context.Background(), entries, nil))
}

func insertActiveListing(t *testing.T, ms *store.MemoryStore) uint64 {
	t.Helper()
	id, err := ms.InsertListing(context.Background(), &model.Listing{
		Seller:   "alice",
		Name:     "lamp",
		Price:    100,
		Quantity: 1,
		Status:   model.ListingActive,
	}, nil)
	require.NoError(t, err)
	return id
}

func TestInsertListing_SequentialIDs(t *testing.T) {
	ms := store.NewMemoryStore()

	for want := uint64(1); want <= 3; want++ {
		got := insertActiveListing(t, ms)
		require.Equal(t, want, got)
	}
	count, err := ms.CountListings(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)
}

func TestUpdateListingStatus_CompareAndSet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	id := insertActiveListing(t, ms)

	err := ms.UpdateListingStatus(ctx, id, model.ListingActive, model.ListingCancelled, nil)
	require.NoError(t, err)

	// The expected status no longer matches; the writer must lose.
	err = ms.UpdateListingStatus(ctx, id, model.ListingActive, model.ListingSold, nil)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateOrder_MarksListingSoldAndAppliesPostings(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	id := insertActiveListing(t, ms)
	fund(t, ms, "bob", 500)

	entries, err := ledger.PurchasePostings(0, "bob", "treasury", 100, 5, 0, now)
	require.NoError(t, err)

	orderID, err := ms.CreateOrder(ctx, &model.Order{
		ListingID:    id,
		Buyer:        "bob",
		Seller:       "alice",
		FinalPrice:   100,
		EscrowAmount: 95,
		Status:       model.OrderAwaitingShipment,
	}, entries, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), orderID)

	l, err := ms.GetListing(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ListingSold, l.Status)

	b, err := ms.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(400), b)
	b, err = ms.Balance(ctx, ledger.EscrowAccount)
	require.NoError(t, err)
	require.Equal(t, int64(95), b)
	b, err = ms.Balance(ctx, "treasury")
	require.NoError(t, err)
	require.Equal(t, int64(5), b)

	// A second order against the now-sold listing fails.
	_, err = ms.CreateOrder(ctx, &model.Order{ListingID: id, Buyer: "carol"}, nil, nil)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateOrder_RejectsOverdraftAtomically(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	id := insertActiveListing(t, ms)
	fund(t, ms, "bob", 50)

	entries, err := ledger.PurchasePostings(0, "bob", "treasury", 100, 5, 0, now)
	require.NoError(t, err)

	_, err = ms.CreateOrder(ctx, &model.Order{ListingID: id, Buyer: "bob"}, entries, nil)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// Nothing moved: listing still active, balances untouched, no order.
	l, err := ms.GetListing(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ListingActive, l.Status)
	b, err := ms.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(50), b)
	count, err := ms.CountOrders(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestUpdateOrder_VersionCompareAndSet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	id := insertActiveListing(t, ms)
	fund(t, ms, "bob", 500)
	entries, _ := ledger.PurchasePostings(0, "bob", "treasury", 100, 0, 0, now)
	orderID, err := ms.CreateOrder(ctx, &model.Order{
		ListingID: id, Buyer: "bob", Seller: "alice",
		EscrowAmount: 100, Status: model.OrderAwaitingShipment,
	}, entries, nil)
	require.NoError(t, err)

	o, err := ms.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), o.Version)

	stale := o.Clone()

	o.Status = model.OrderInTransit
	require.NoError(t, ms.UpdateOrder(ctx, o, nil, nil, nil))

	got, err := ms.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)

	// The stale copy carries version 1 and must be rejected.
	stale.Status = model.OrderDisputed
	err = ms.UpdateOrder(ctx, stale, nil, nil, nil)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestUpdateOrder_ReputationDeltas(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	id := insertActiveListing(t, ms)
	fund(t, ms, "bob", 500)
	entries, _ := ledger.PurchasePostings(0, "bob", "treasury", 100, 0, 0, now)
	orderID, _ := ms.CreateOrder(ctx, &model.Order{
		ListingID: id, Buyer: "bob", Seller: "alice",
		EscrowAmount: 100, Status: model.OrderAwaitingShipment,
	}, entries, nil)

	o, _ := ms.GetOrder(ctx, orderID)
	o.Status = model.OrderCompleted
	o.EscrowAmount = 0
	release, _ := ledger.Transfer(orderID, ledger.EscrowAccount, "alice", 100, model.EntryRelease, now)
	require.NoError(t, ms.UpdateOrder(ctx, o, map[string]int64{"bob": 1, "alice": 1}, release, nil))

	for _, user := range []string{"bob", "alice"} {
		rep, err := ms.Reputation(ctx, user)
		require.NoError(t, err)
		require.Equal(t, int64(1), rep, user)
	}
}

func TestEscrowOutstanding_SkipsTerminalOrders(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	fund(t, ms, "bob", 1000)

	for i := 0; i < 2; i++ {
		id := insertActiveListing(t, ms)
		entries, _ := ledger.PurchasePostings(0, "bob", "treasury", 100, 0, 0, now)
		_, err := ms.CreateOrder(ctx, &model.Order{
			ListingID: id, Buyer: "bob", Seller: "alice",
			EscrowAmount: 100, Status: model.OrderAwaitingShipment,
		}, entries, nil)
		require.NoError(t, err)
	}

	out, err := ms.EscrowOutstanding(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), out)

	// Completing one order takes its escrow out of the outstanding sum.
	o, _ := ms.GetOrder(ctx, 1)
	o.Status = model.OrderCompleted
	o.EscrowAmount = 0
	release, _ := ledger.Transfer(1, ledger.EscrowAccount, "alice", 100, model.EntryRelease, now)
	require.NoError(t, ms.UpdateOrder(ctx, o, nil, release, nil))

	out, err = ms.EscrowOutstanding(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), out)
}

func TestEvents_GaplessSequence(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	evt := func(id string) []model.Event {
		return []model.Event{{ID: id, Type: "test", CreatedAt: now}}
	}
	require.NoError(t, ms.AppendEntries(ctx, nil, evt("a")))
	require.NoError(t, ms.AppendEntries(ctx, nil, evt("b")))
	require.NoError(t, ms.PutConfig(ctx, &model.Config{}, evt("c")))

	evts, err := ms.EventsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	for i, e := range evts {
		require.Equal(t, uint64(i+1), e.Seq)
	}

	evts, err = ms.EventsAfter(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "b", evts[0].ID)
}

func TestEntriesByAccount_StampsOrderID(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	id := insertActiveListing(t, ms)
	fund(t, ms, "bob", 500)

	entries, _ := ledger.PurchasePostings(0, "bob", "treasury", 100, 5, 0, now)
	orderID, err := ms.CreateOrder(ctx, &model.Order{
		ListingID: id, Buyer: "bob", EscrowAmount: 95, Status: model.OrderAwaitingShipment,
	}, entries, nil)
	require.NoError(t, err)

	got, err := ms.EntriesByAccount(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, got, 2) // deposit + payment
	payment := got[1]
	require.Equal(t, model.EntryPayment, payment.Kind)
	require.Equal(t, orderID, payment.OrderID)
	require.NotZero(t, payment.Seq)
}
