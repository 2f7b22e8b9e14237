package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensouk/marketplace-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every composite mutation runs in a single transaction with a status or
// version compare-and-set, so concurrent writers lose deterministically with
// ErrConflict instead of corrupting state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS engine_config (
			id     BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
			config JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS listings (
			id          BIGSERIAL PRIMARY KEY,
			seller      TEXT NOT NULL,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category    TEXT NOT NULL DEFAULT '',
			location    TEXT NOT NULL DEFAULT '',
			image_url   TEXT NOT NULL DEFAULT '',
			price       BIGINT NOT NULL CHECK (price > 0),
			quantity    BIGINT NOT NULL CHECK (quantity > 0),
			status      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS listings_seller_idx ON listings (seller);
		CREATE TABLE IF NOT EXISTS orders (
			id                 BIGSERIAL PRIMARY KEY,
			listing_id         BIGINT NOT NULL REFERENCES listings (id),
			buyer              TEXT NOT NULL,
			seller             TEXT NOT NULL,
			transporter        TEXT NOT NULL DEFAULT '',
			final_price        BIGINT NOT NULL,
			quantity_purchased BIGINT NOT NULL,
			escrow_amount      BIGINT NOT NULL CHECK (escrow_amount >= 0),
			buyer_confirmed    BOOLEAN NOT NULL DEFAULT FALSE,
			seller_confirmed   BOOLEAN NOT NULL DEFAULT FALSE,
			status             TEXT NOT NULL,
			version            BIGINT NOT NULL DEFAULT 1,
			created_at         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS orders_buyer_idx ON orders (buyer);
		CREATE INDEX IF NOT EXISTS orders_seller_idx ON orders (seller);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			seq          BIGSERIAL PRIMARY KEY,
			order_id     BIGINT NOT NULL DEFAULT 0,
			from_account TEXT NOT NULL,
			to_account   TEXT NOT NULL,
			amount       BIGINT NOT NULL CHECK (amount > 0),
			kind         TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS accounts (
			account TEXT PRIMARY KEY,
			balance BIGINT NOT NULL CHECK (balance >= 0)
		);
		CREATE TABLE IF NOT EXISTS reputation (
			account TEXT PRIMARY KEY,
			score   BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS events (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL,
			type       TEXT NOT NULL,
			attributes JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (s *PostgresStore) GetConfig(ctx context.Context) (*model.Config, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT config FROM engine_config WHERE id`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Config{
			Admins:     make(map[string]bool),
			Moderators: make(map[string]bool),
			Blacklist:  make(map[string]bool),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	var cfg model.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Admins == nil {
		cfg.Admins = make(map[string]bool)
	}
	if cfg.Moderators == nil {
		cfg.Moderators = make(map[string]bool)
	}
	if cfg.Blacklist == nil {
		cfg.Blacklist = make(map[string]bool)
	}
	return &cfg, nil
}

func (s *PostgresStore) PutConfig(ctx context.Context, cfg *model.Config, evts []model.Event) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO engine_config (id, config) VALUES (TRUE, $1)
			 ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config`, raw); err != nil {
			return err
		}
		return insertEvents(ctx, tx, evts)
	})
}

func (s *PostgresStore) InsertListing(ctx context.Context, l *model.Listing, evts func(id uint64) []model.Event) (uint64, error) {
	var id uint64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO listings (seller, name, description, category, location, image_url, price, quantity, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id`,
			l.Seller, l.Name, l.Description, l.Category, l.Location, l.ImageURL,
			l.Price, l.Quantity, string(l.Status), l.CreatedAt).Scan(&id); err != nil {
			return err
		}
		if evts == nil {
			return nil
		}
		return insertEvents(ctx, tx, evts(id))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const listingColumns = `id, seller, name, description, category, location, image_url, price, quantity, status, created_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var status string
	if err := row.Scan(&l.ID, &l.Seller, &l.Name, &l.Description, &l.Category,
		&l.Location, &l.ImageURL, &l.Price, &l.Quantity, &status, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Status = model.ListingStatus(status)
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id uint64) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: listing %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE seller = $1 ORDER BY id`, seller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) CountListings(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n)
	return n, err
}

func (s *PostgresStore) UpdateListingStatus(ctx context.Context, id uint64, from, to model.ListingStatus, evts []model.Event) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE listings SET status = $3 WHERE id = $1 AND status = $2`,
			id, string(from), string(to))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: listing %d not %s", ErrConflict, id, from)
		}
		return insertEvents(ctx, tx, evts)
	})
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order, entries []model.Entry, evts func(id uint64) []model.Event) (uint64, error) {
	var id uint64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Single-sale invariant: only one purchase can flip the listing.
		tag, err := tx.Exec(ctx,
			`UPDATE listings SET status = $2 WHERE id = $1 AND status = $3`,
			o.ListingID, string(model.ListingSold), string(model.ListingActive))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: listing %d not active", ErrConflict, o.ListingID)
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO orders (listing_id, buyer, seller, transporter, final_price, quantity_purchased,
			                     escrow_amount, buyer_confirmed, seller_confirmed, status, version, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
			 RETURNING id`,
			o.ListingID, o.Buyer, o.Seller, o.Transporter, o.FinalPrice, o.QuantityPurchased,
			o.EscrowAmount, o.BuyerConfirmed, o.SellerConfirmed, string(o.Status), o.CreatedAt).Scan(&id); err != nil {
			return err
		}

		if err := insertEntries(ctx, tx, id, entries); err != nil {
			return err
		}
		if evts == nil {
			return nil
		}
		return insertEvents(ctx, tx, evts(id))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const orderColumns = `id, listing_id, buyer, seller, transporter, final_price, quantity_purchased,
	escrow_amount, buyer_confirmed, seller_confirmed, status, version, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	if err := row.Scan(&o.ID, &o.ListingID, &o.Buyer, &o.Seller, &o.Transporter,
		&o.FinalPrice, &o.QuantityPurchased, &o.EscrowAmount,
		&o.BuyerConfirmed, &o.SellerConfirmed, &status, &o.Version, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id uint64) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) OrdersByUser(ctx context.Context, user string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE buyer = $1 OR seller = $1 OR transporter = $1 ORDER BY id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) CountOrders(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n)
	return n, err
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order, repDeltas map[string]int64, entries []model.Entry, evts []model.Event) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET transporter = $3, escrow_amount = $4, buyer_confirmed = $5,
			        seller_confirmed = $6, status = $7, version = version + 1
			 WHERE id = $1 AND version = $2`,
			o.ID, o.Version, o.Transporter, o.EscrowAmount,
			o.BuyerConfirmed, o.SellerConfirmed, string(o.Status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: order %d version %d", ErrConflict, o.ID, o.Version)
		}

		for user, delta := range repDeltas {
			if _, err := tx.Exec(ctx,
				`INSERT INTO reputation (account, score) VALUES ($1, $2)
				 ON CONFLICT (account) DO UPDATE SET score = reputation.score + EXCLUDED.score`,
				user, delta); err != nil {
				return err
			}
		}

		if err := insertEntries(ctx, tx, o.ID, entries); err != nil {
			return err
		}
		return insertEvents(ctx, tx, evts)
	})
}

func (s *PostgresStore) EscrowOutstanding(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(escrow_amount), 0) FROM orders WHERE status NOT IN ($1, $2)`,
		string(model.OrderCompleted), string(model.OrderCancelled)).Scan(&total)
	return total, err
}

func (s *PostgresStore) AppendEntries(ctx context.Context, entries []model.Entry, evts []model.Event) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertEntries(ctx, tx, 0, entries); err != nil {
			return err
		}
		return insertEvents(ctx, tx, evts)
	})
}

func (s *PostgresStore) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE account = $1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *PostgresStore) EntriesByAccount(ctx context.Context, account string) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, order_id, from_account, to_account, amount, kind, created_at
		 FROM ledger_entries WHERE from_account = $1 OR to_account = $1 ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		var kind string
		if err := rows.Scan(&e.Seq, &e.OrderID, &e.From, &e.To, &e.Amount, &kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Reputation(ctx context.Context, user string) (int64, error) {
	var score int64
	err := s.pool.QueryRow(ctx,
		`SELECT score FROM reputation WHERE account = $1`, user).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return score, err
}

func (s *PostgresStore) EventsAfter(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, type, attributes, created_at
		 FROM events WHERE seq > $1 ORDER BY seq LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []model.Event
	for rows.Next() {
		var e model.Event
		var attrs []byte
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &attrs, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d attributes: %w", e.Seq, err)
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

// inTx runs fn inside a transaction, committing on success.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// insertEntries writes postings and applies them to account balances. Debits
// rely on the accounts.balance CHECK to reject overdrafts inside the same
// transaction.
func insertEntries(ctx context.Context, tx pgx.Tx, orderID uint64, entries []model.Entry) error {
	for _, e := range entries {
		oid := e.OrderID
		if oid == 0 {
			oid = orderID
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (order_id, from_account, to_account, amount, kind, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			oid, e.From, e.To, e.Amount, string(e.Kind), e.CreatedAt); err != nil {
			return err
		}
		if e.From != "" {
			tag, err := tx.Exec(ctx,
				`UPDATE accounts SET balance = balance - $2 WHERE account = $1 AND balance >= $2`,
				e.From, e.Amount)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: account %q cannot cover %d", ErrConflict, e.From, e.Amount)
			}
		}
		if e.To != "" {
			if _, err := tx.Exec(ctx,
				`INSERT INTO accounts (account, balance) VALUES ($1, $2)
				 ON CONFLICT (account) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
				e.To, e.Amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, evts []model.Event) error {
	for _, e := range evts {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (id, type, attributes, created_at) VALUES ($1, $2, $3, $4)`,
			e.ID, e.Type, attrs, e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}
