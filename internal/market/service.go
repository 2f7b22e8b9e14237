// Package market provides the HTTP surface over the marketplace engine:
// listing and order operations, wallet boundary, admin controls, and the
// event stream.
//
// All monetary values travel as decimal strings on the wire and are converted
// to int64 base units at this boundary, never float64.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensouk/marketplace-engine/internal/engine"
	"github.com/opensouk/marketplace-engine/internal/ledger"
	"github.com/opensouk/marketplace-engine/internal/metrics"
	"github.com/opensouk/marketplace-engine/internal/model"
	"github.com/opensouk/marketplace-engine/internal/money"
)

// Service handles marketplace HTTP operations. Serialization of mutations
// lives in the engine; handlers only translate between wire and domain types.
type Service struct {
	engine *engine.Engine
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new market service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(eng *engine.Engine, hub *WSHub) *Service {
	s := &Service{engine: eng, wsHub: hub}
	if hub != nil {
		eng.SetEventSink(hub.BroadcastEvents)
	}
	return s
}

// Routes mounts all API handlers on r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/listings", s.CreateListing)
		r.Get("/listings/{listingID}", s.GetListing)
		r.Post("/listings/{listingID}/cancel", s.CancelListing)

		r.Post("/orders", s.Purchase)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Post("/orders/{orderID}/transporter", s.AssignTransporter)
		r.Post("/orders/{orderID}/status", s.UpdateOrderStatus)
		r.Post("/orders/{orderID}/confirm-delivery", s.ConfirmDelivery)
		r.Post("/orders/{orderID}/confirm-completion", s.ConfirmCompletion)
		r.Post("/orders/{orderID}/dispute", s.RaiseDispute)
		r.Post("/orders/{orderID}/resolve", s.ResolveDispute)

		r.Get("/users/{userID}/listings", s.GetUserListings)
		r.Get("/users/{userID}/orders", s.GetUserOrders)
		r.Get("/users/{userID}/reputation", s.GetUserReputation)
		r.Get("/users/{userID}/balance", s.GetBalance)
		r.Get("/users/{userID}/ledger", s.GetLedger)

		r.Post("/accounts/{userID}/deposit", s.Deposit)
		r.Post("/accounts/{userID}/withdraw", s.Withdraw)

		r.Post("/admin/pause", s.AdminPause)
		r.Post("/admin/unpause", s.AdminUnpause)
		r.Post("/admin/blacklist", s.AdminBlacklist)
		r.Post("/admin/unblacklist", s.AdminUnblacklist)
		r.Post("/admin/fee", s.AdminSetFee)
		r.Post("/admin/fee-recipient", s.AdminSetFeeRecipient)
		r.Post("/admin/grant-admin", s.AdminGrantAdmin)
		r.Post("/admin/revoke-admin", s.AdminRevokeAdmin)
		r.Post("/admin/grant-moderator", s.AdminGrantModerator)
		r.Post("/admin/revoke-moderator", s.AdminRevokeModerator)
		r.Post("/admin/emergency-withdraw", s.AdminEmergencyWithdraw)

		r.Get("/stats", s.GetStats)
		r.Get("/events", s.GetEvents)
		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	Seller      string `json:"seller"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Location    string `json:"location,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Price       string `json:"price"` // decimal string per unit
	Quantity    int64  `json:"quantity"`
}

// PurchaseRequest is the JSON body for POST /orders.
type PurchaseRequest struct {
	Buyer     string `json:"buyer"`
	ListingID uint64 `json:"listing_id"`
	Quantity  int64  `json:"quantity"`
	Payment   string `json:"payment"` // decimal string
}

// CallerRequest is the JSON body for operations identified by caller only.
type CallerRequest struct {
	Caller string `json:"caller"`
}

// TransporterRequest is the JSON body for POST /orders/{id}/transporter.
type TransporterRequest struct {
	Caller      string `json:"caller"`
	Transporter string `json:"transporter"`
}

// StatusRequest is the JSON body for POST /orders/{id}/status.
type StatusRequest struct {
	Caller string `json:"caller"`
	Status string `json:"status"`
}

// ResolveRequest is the JSON body for POST /orders/{id}/resolve.
type ResolveRequest struct {
	Caller     string `json:"caller"`
	FavorBuyer bool   `json:"favor_buyer"`
}

// UserRequest is the JSON body for admin operations targeting a user.
type UserRequest struct {
	Caller string `json:"caller"`
	User   string `json:"user"`
}

// FeeRequest is the JSON body for POST /admin/fee.
type FeeRequest struct {
	Caller string `json:"caller"`
	FeeBps uint32 `json:"fee_bps"`
}

// RecipientRequest is the JSON body for POST /admin/fee-recipient.
type RecipientRequest struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount string `json:"amount"` // decimal string
}

// BalanceResponse is the JSON body returned from GET /users/{id}/balance.
type BalanceResponse struct {
	User      string `json:"user"`
	Balance   string `json:"balance"`
	BaseUnits int64  `json:"base_units"`
}

// StatsResponse is the JSON body returned from GET /stats.
type StatsResponse struct {
	TotalListings uint64 `json:"total_listings"`
	TotalOrders   uint64 `json:"total_orders"`
	EscrowHeld    string `json:"escrow_held"`
	EscrowSound   bool   `json:"escrow_sound"`
}

// --- Listings ---

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	price, err := money.Parse(req.Price)
	if err != nil {
		writeError(w, "invalid price: "+err.Error(), http.StatusBadRequest)
		return
	}

	listing, err := s.engine.CreateListing(r.Context(), req.Seller, engine.ListingInput{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Location:    req.Location,
		ImageURL:    req.ImageURL,
		Price:       price,
		Quantity:    req.Quantity,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.ListingsTotal.Inc()

	slog.Info("listing created",
		"id", listing.ID,
		"seller", req.Seller,
		"price", money.Format(price),
		"quantity", req.Quantity,
	)

	writeJSON(w, http.StatusCreated, listing)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "listingID")
	if !ok {
		return
	}
	listing, err := s.engine.GetListing(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if listing.ID == 0 {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// CancelListing handles POST /api/v1/listings/{listingID}/cancel
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "listingID")
	if !ok {
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.CancelListing(r.Context(), req.Caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- Orders ---

// Purchase handles POST /api/v1/orders
// Executes the atomic purchase: fee split, escrow hold, overpayment refund.
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payment, err := money.Parse(req.Payment)
	if err != nil {
		writeError(w, "invalid payment: "+err.Error(), http.StatusBadRequest)
		return
	}

	order, err := s.engine.PurchaseProduct(r.Context(), req.Buyer, req.ListingID, req.Quantity, payment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.OrdersTotal.WithLabelValues(string(order.Status)).Inc()

	slog.Info("order created",
		"id", order.ID,
		"listing", req.ListingID,
		"buyer", req.Buyer,
		"seller", order.Seller,
		"final_price", money.Format(order.FinalPrice),
		"escrow", money.Format(order.EscrowAmount),
	)

	writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "orderID")
	if !ok {
		return
	}
	order, err := s.engine.GetOrder(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// AssignTransporter handles POST /api/v1/orders/{orderID}/transporter
func (s *Service) AssignTransporter(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "orderID")
	if !ok {
		return
	}
	var req TransporterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.AssignTransporter(r.Context(), req.Caller, id, req.Transporter); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.OrderInTransit)})
}

// UpdateOrderStatus handles POST /api/v1/orders/{orderID}/status
func (s *Service) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "orderID")
	if !ok {
		return
	}
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.UpdateOrderStatus(r.Context(), req.Caller, id, model.OrderStatus(req.Status)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// ConfirmDelivery handles POST /api/v1/orders/{orderID}/confirm-delivery
func (s *Service) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, s.engine.ConfirmDelivery)
}

// ConfirmCompletion handles POST /api/v1/orders/{orderID}/confirm-completion
func (s *Service) ConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, s.engine.ConfirmCompletion)
}

func (s *Service) confirm(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller string, orderID uint64) error) {
	id, ok := parseID(w, r, "orderID")
	if !ok {
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), req.Caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	order, err := s.engine.GetOrder(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if order.Status == model.OrderCompleted {
		metrics.OrdersTotal.WithLabelValues(string(model.OrderCompleted)).Inc()
	}
	writeJSON(w, http.StatusOK, order)
}

// RaiseDispute handles POST /api/v1/orders/{orderID}/dispute
func (s *Service) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "orderID")
	if !ok {
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.RaiseDispute(r.Context(), req.Caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.OrderDisputed)})
}

// ResolveDispute handles POST /api/v1/orders/{orderID}/resolve
func (s *Service) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "orderID")
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.ResolveDispute(r.Context(), req.Caller, id, req.FavorBuyer); err != nil {
		writeEngineError(w, err)
		return
	}
	outcome := "favor_seller"
	if req.FavorBuyer {
		outcome = "favor_buyer"
	}
	metrics.DisputesTotal.WithLabelValues(outcome).Inc()

	slog.Info("dispute resolved", "order", id, "outcome", outcome, "arbiter", req.Caller)

	order, err := s.engine.GetOrder(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- Users ---

// GetUserListings handles GET /api/v1/users/{userID}/listings
func (s *Service) GetUserListings(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	listings, err := s.engine.GetUserListings(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// GetUserOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	orders, err := s.engine.GetUserOrders(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserReputation handles GET /api/v1/users/{userID}/reputation
func (s *Service) GetUserReputation(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	rep, err := s.engine.GetUserReputation(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reputation": rep})
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	balance, err := s.engine.Balance(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		User:      user,
		Balance:   money.Format(balance),
		BaseUnits: balance,
	})
}

// GetLedger handles GET /api/v1/users/{userID}/ledger
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	entries, err := s.engine.LedgerEntries(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Wallet boundary ---

// Deposit handles POST /api/v1/accounts/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.engine.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{userID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.engine.Withdraw)
}

func (s *Service) settle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, account string, amount int64) error) {
	user := chi.URLParam(r, "userID")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeError(w, "invalid amount: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), user, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	balance, err := s.engine.Balance(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		User:      user,
		Balance:   money.Format(balance),
		BaseUnits: balance,
	})
}

// --- Stats and events ---

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listings, err := s.engine.GetTotalListings(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	orders, err := s.engine.GetTotalOrders(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	held, err := s.engine.Balance(ctx, ledger.EscrowAccount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	sound, err := s.engine.VerifyEscrowInvariant(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.EscrowHeld.Set(float64(held))
	writeJSON(w, http.StatusOK, StatsResponse{
		TotalListings: listings,
		TotalOrders:   orders,
		EscrowHeld:    money.Format(held),
		EscrowSound:   sound,
	})
}

// GetEvents handles GET /api/v1/events?after=N&limit=M
// Replays the durable event log for backend synchronization.
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	evts, err := s.engine.EventsAfter(r.Context(), after, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if evts == nil {
		evts = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

// --- Helpers ---

func parseID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "invalid "+param, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps domain errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnauthorized), errors.Is(err, engine.ErrBlacklisted):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrFeeTooHigh):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrWrongStatus),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrCannotDispute),
		errors.Is(err, engine.ErrSelfPurchase),
		errors.Is(err, engine.ErrInsufficientStock),
		errors.Is(err, engine.ErrPosting):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientPayment), errors.Is(err, engine.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	}
	if status >= 500 {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}
