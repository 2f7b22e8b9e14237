package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensouk/marketplace-engine/internal/ledger"
	"github.com/opensouk/marketplace-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	config     *model.Config
	listings   map[uint64]*model.Listing
	orders     map[uint64]*model.Order
	balances   map[string]int64
	entries    []model.Entry
	reputation map[string]int64
	events     []model.Event

	nextListingID uint64
	nextOrderID   uint64
	nextEntrySeq  uint64
	nextEventSeq  uint64
}

// NewMemoryStore creates a new in-memory store with an empty default config.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		config: &model.Config{
			Admins:     make(map[string]bool),
			Moderators: make(map[string]bool),
			Blacklist:  make(map[string]bool),
		},
		listings:   make(map[uint64]*model.Listing),
		orders:     make(map[uint64]*model.Order),
		balances:   make(map[string]int64),
		reputation: make(map[string]int64),
	}
}

func (s *MemoryStore) GetConfig(_ context.Context) (*model.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Clone(), nil
}

func (s *MemoryStore) PutConfig(_ context.Context, cfg *model.Config, evts []model.Event) error {
	if cfg == nil {
		return fmt.Errorf("store: nil config")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg.Clone()
	s.appendEvents(evts)
	return nil
}

func (s *MemoryStore) InsertListing(_ context.Context, l *model.Listing, evts func(id uint64) []model.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListingID++
	copy := *l
	copy.ID = s.nextListingID
	s.listings[copy.ID] = &copy
	if evts != nil {
		s.appendEvents(evts(copy.ID))
	}
	return copy.ID, nil
}

func (s *MemoryStore) GetListing(_ context.Context, id uint64) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("%w: listing %d", ErrNotFound, id)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListingsBySeller(_ context.Context, seller string) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Listing
	for id := uint64(1); id <= s.nextListingID; id++ {
		if l, ok := s.listings[id]; ok && l.Seller == seller {
			result = append(result, *l)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountListings(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextListingID, nil
}

func (s *MemoryStore) UpdateListingStatus(_ context.Context, id uint64, from, to model.ListingStatus, evts []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("%w: listing %d", ErrNotFound, id)
	}
	if l.Status != from {
		return fmt.Errorf("%w: listing %d is %s, expected %s", ErrConflict, id, l.Status, from)
	}
	l.Status = to
	s.appendEvents(evts)
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order, entries []model.Entry, evts func(id uint64) []model.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[o.ListingID]
	if !ok {
		return 0, fmt.Errorf("%w: listing %d", ErrNotFound, o.ListingID)
	}
	if l.Status != model.ListingActive {
		return 0, fmt.Errorf("%w: listing %d is %s", ErrConflict, o.ListingID, l.Status)
	}

	// Validate postings against balances before touching anything.
	staged := make(map[string]int64, len(s.balances))
	for k, v := range s.balances {
		staged[k] = v
	}
	if err := ledger.Apply(staged, entries); err != nil {
		return 0, err
	}

	l.Status = model.ListingSold
	s.nextOrderID++
	copy := *o
	copy.ID = s.nextOrderID
	copy.Version = 1
	s.orders[copy.ID] = &copy
	s.balances = staged
	s.appendEntries(copy.ID, entries)
	if evts != nil {
		s.appendEvents(evts(copy.ID))
	}
	return copy.ID, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id uint64) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) OrdersByUser(_ context.Context, user string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for id := uint64(1); id <= s.nextOrderID; id++ {
		o, ok := s.orders[id]
		if !ok {
			continue
		}
		if o.Buyer == user || o.Seller == user || o.Transporter == user {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountOrders(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOrderID, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order, repDeltas map[string]int64, entries []model.Entry, evts []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNotFound, o.ID)
	}
	if cur.Version != o.Version {
		return fmt.Errorf("%w: order %d version %d, expected %d", ErrConflict, o.ID, cur.Version, o.Version)
	}

	staged := make(map[string]int64, len(s.balances))
	for k, v := range s.balances {
		staged[k] = v
	}
	if err := ledger.Apply(staged, entries); err != nil {
		return err
	}

	copy := *o
	copy.Version = o.Version + 1
	s.orders[o.ID] = &copy
	s.balances = staged
	for user, delta := range repDeltas {
		s.reputation[user] += delta
	}
	s.appendEntries(o.ID, entries)
	s.appendEvents(evts)
	return nil
}

func (s *MemoryStore) EscrowOutstanding(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			total += o.EscrowAmount
		}
	}
	return total, nil
}

func (s *MemoryStore) AppendEntries(_ context.Context, entries []model.Entry, evts []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]int64, len(s.balances))
	for k, v := range s.balances {
		staged[k] = v
	}
	if err := ledger.Apply(staged, entries); err != nil {
		return err
	}
	s.balances = staged
	s.appendEntries(0, entries)
	s.appendEvents(evts)
	return nil
}

func (s *MemoryStore) Balance(_ context.Context, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *MemoryStore) EntriesByAccount(_ context.Context, account string) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.entries {
		if e.From == account || e.To == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Reputation(_ context.Context, user string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reputation[user], nil
}

func (s *MemoryStore) EventsAfter(_ context.Context, after uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Seq <= after {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// appendEvents assigns sequence numbers; callers hold the write lock.
func (s *MemoryStore) appendEvents(evts []model.Event) {
	for _, e := range evts {
		s.nextEventSeq++
		e.Seq = s.nextEventSeq
		s.events = append(s.events, e)
	}
}

// appendEntries assigns sequence numbers and stamps the order id when the
// entries carry none; callers hold the write lock.
func (s *MemoryStore) appendEntries(orderID uint64, entries []model.Entry) {
	for _, e := range entries {
		s.nextEntrySeq++
		e.Seq = s.nextEntrySeq
		if e.OrderID == 0 {
			e.OrderID = orderID
		}
		s.entries = append(s.entries, e)
	}
}
