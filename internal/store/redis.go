package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensouk/marketplace-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot lookups: listings, orders, config, balances, and
// reputation. Writes go to the primary store and invalidate the affected
// keys; the event log and list queries always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Configuration ---

func (s *CachedStore) GetConfig(ctx context.Context) (*model.Config, error) {
	data, err := s.rdb.Get(ctx, configKey()).Bytes()
	if err == nil {
		var cfg model.Config
		if json.Unmarshal(data, &cfg) == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.primary.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, configKey(), cfg)
	return cfg, nil
}

func (s *CachedStore) PutConfig(ctx context.Context, cfg *model.Config, evts []model.Event) error {
	if err := s.primary.PutConfig(ctx, cfg, evts); err != nil {
		return err
	}
	s.rdb.Del(ctx, configKey())
	return nil
}

// --- Listings ---

func (s *CachedStore) InsertListing(ctx context.Context, l *model.Listing, evts func(id uint64) []model.Event) (uint64, error) {
	return s.primary.InsertListing(ctx, l, evts)
}

func (s *CachedStore) GetListing(ctx context.Context, id uint64) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, listingKey(id), l)
	return l, nil
}

func (s *CachedStore) ListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error) {
	return s.primary.ListingsBySeller(ctx, seller)
}

func (s *CachedStore) CountListings(ctx context.Context) (uint64, error) {
	return s.primary.CountListings(ctx)
}

func (s *CachedStore) UpdateListingStatus(ctx context.Context, id uint64, from, to model.ListingStatus, evts []model.Event) error {
	if err := s.primary.UpdateListingStatus(ctx, id, from, to, evts); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

// --- Orders ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order, entries []model.Entry, evts func(id uint64) []model.Event) (uint64, error) {
	id, err := s.primary.CreateOrder(ctx, o, entries, evts)
	if err != nil {
		return 0, err
	}
	s.rdb.Del(ctx, listingKey(o.ListingID))
	s.invalidateAccounts(ctx, entries)
	return id, nil
}

func (s *CachedStore) GetOrder(ctx context.Context, id uint64) (*model.Order, error) {
	data, err := s.rdb.Get(ctx, orderKey(id)).Bytes()
	if err == nil {
		var o model.Order
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, orderKey(id), o)
	return o, nil
}

func (s *CachedStore) OrdersByUser(ctx context.Context, user string) ([]model.Order, error) {
	return s.primary.OrdersByUser(ctx, user)
}

func (s *CachedStore) CountOrders(ctx context.Context) (uint64, error) {
	return s.primary.CountOrders(ctx)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order, repDeltas map[string]int64, entries []model.Entry, evts []model.Event) error {
	if err := s.primary.UpdateOrder(ctx, o, repDeltas, entries, evts); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(o.ID))
	for user := range repDeltas {
		s.rdb.Del(ctx, reputationKey(user))
	}
	s.invalidateAccounts(ctx, entries)
	return nil
}

func (s *CachedStore) EscrowOutstanding(ctx context.Context) (int64, error) {
	return s.primary.EscrowOutstanding(ctx)
}

// --- Ledger ---

func (s *CachedStore) AppendEntries(ctx context.Context, entries []model.Entry, evts []model.Event) error {
	if err := s.primary.AppendEntries(ctx, entries, evts); err != nil {
		return err
	}
	s.invalidateAccounts(ctx, entries)
	return nil
}

func (s *CachedStore) Balance(ctx context.Context, account string) (int64, error) {
	if val, err := s.rdb.Get(ctx, balanceKey(account)).Result(); err == nil {
		if balance, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			return balance, nil
		}
	}

	balance, err := s.primary.Balance(ctx, account)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, balanceKey(account), strconv.FormatInt(balance, 10), s.ttl)
	return balance, nil
}

func (s *CachedStore) EntriesByAccount(ctx context.Context, account string) ([]model.Entry, error) {
	return s.primary.EntriesByAccount(ctx, account)
}

// --- Reputation ---

func (s *CachedStore) Reputation(ctx context.Context, user string) (int64, error) {
	if val, err := s.rdb.Get(ctx, reputationKey(user)).Result(); err == nil {
		if score, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			return score, nil
		}
	}

	score, err := s.primary.Reputation(ctx, user)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, reputationKey(user), strconv.FormatInt(score, 10), s.ttl)
	return score, nil
}

// --- Event log (never cached; consumers need strict ordering) ---

func (s *CachedStore) EventsAfter(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	return s.primary.EventsAfter(ctx, after, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidateAccounts(ctx context.Context, entries []model.Entry) {
	for _, e := range entries {
		if e.From != "" {
			s.rdb.Del(ctx, balanceKey(e.From))
		}
		if e.To != "" {
			s.rdb.Del(ctx, balanceKey(e.To))
		}
	}
}

func configKey() string                { return "engine:config" }
func listingKey(id uint64) string      { return fmt.Sprintf("listing:%d", id) }
func orderKey(id uint64) string        { return fmt.Sprintf("order:%d", id) }
func balanceKey(account string) string { return "balance:" + account }
func reputationKey(user string) string { return "reputation:" + user }
