// Package api provides the HTTP handlers for creating and running
// liquidity bootstrapping events: owner operations, contributor orders and
// read views over the event aggregate.
//
// Handlers never compute balances themselves. They load the aggregate,
// hand a step to the transition builder and submit the resulting tx.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/event"
	"github.com/atmx/lbe-engine/internal/ledger"
	"github.com/atmx/lbe-engine/internal/metrics"
	"github.com/atmx/lbe-engine/internal/model"
	"github.com/atmx/lbe-engine/internal/phase"
	"github.com/atmx/lbe-engine/internal/shard"
	"github.com/atmx/lbe-engine/internal/transition"
	"github.com/atmx/lbe-engine/internal/validation"
)

// Service handles caller-initiated transitions. Submissions are serialized
// with a mutex; the ledger still rejects stale reads from other instances
// with a conflict.
type Service struct {
	ledger  ledger.Ledger
	builder *transition.Builder
	mu      sync.Mutex
	wsHub   *WSHub // optional WebSocket hub for transition notices
}

// NewService creates a new event service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l ledger.Ledger, b *transition.Builder, hub *WSHub) *Service {
	return &Service{ledger: l, builder: b, wsHub: hub}
}

// --- Request/Response types ---

// CreateEventRequest is the JSON body for event creation. SellerCount 0
// means the configured default.
type CreateEventRequest struct {
	model.EventParams
	SellerCount int64 `json:"seller_count"`
}

// UpdateEventRequest replaces the parameters of a pending event.
type UpdateEventRequest struct {
	model.EventParams
	Caller string `json:"caller"`
}

// CallerRequest is the body of owner-only operations (cancel, close).
type CallerRequest struct {
	Caller string `json:"caller"`
}

// OrderRequest deposits (amount > 0) or withdraws (amount < 0).
type OrderRequest struct {
	Owner  string          `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

// AddSellersRequest mints Count extra seller shards paid for by Caller.
type AddSellersRequest struct {
	Caller string `json:"caller"`
	Count  int64  `json:"count"`
}

// SubmitResponse describes a submitted (or, on dry runs, built) tx.
type SubmitResponse struct {
	TxID    string        `json:"tx_id,omitempty"`
	EventID model.EventID `json:"event_id"`
	Kind    string        `json:"kind"`
	DryRun  bool          `json:"dry_run"`
	Tx      *model.Tx     `json:"tx"`
}

// --- HTTP Handlers ---

// CreateEvent handles POST /api/v1/events
func (s *Service) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	if req.SellerCount < 0 {
		writeError(w, "seller_count must not be negative", http.StatusBadRequest)
		return
	}
	if f := fractionalField(req.EventParams); f != "" {
		writeError(w, f+" must be a whole number of units", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	now, err := s.ledger.CurrentTime(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	factory, err := event.LoadBracketing(ctx, s.ledger, model.RegistryLBE, req.EventID())
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.submit(w, r, transition.Create{
		Factory:     factory,
		Params:      req.EventParams,
		SellerCount: req.SellerCount,
	}, now, http.StatusCreated)
}

// UpdateEvent handles PUT /api/v1/events/{eventID}
func (s *Service) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if f := fractionalField(req.EventParams); f != "" {
		writeError(w, f+" must be a whole number of units", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, now, ok := s.load(w, r)
	if !ok {
		return
	}
	s.submit(w, r, transition.Update{
		Treasury: agg.Treasury,
		Params:   req.EventParams,
		Caller:   req.Caller,
	}, now, http.StatusOK)
}

// CancelEvent handles POST /api/v1/events/{eventID}/cancel
func (s *Service) CancelEvent(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, now, ok := s.load(w, r)
	if !ok {
		return
	}
	s.submit(w, r, transition.CancelByOwner{Treasury: agg.Treasury, Caller: req.Caller}, now, http.StatusOK)
}

// PlaceOrder handles POST /api/v1/events/{eventID}/orders
// A new contributor is routed to a seller shard by address; an existing
// order stays on its shard.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	if req.Amount.IsZero() {
		writeError(w, "amount must be non-zero", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsInteger() {
		writeError(w, "amount must be a whole number of units", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, now, ok := s.load(w, r)
	if !ok {
		return
	}

	existing := agg.OrderOf(req.Owner)
	var idx int64
	if existing != nil {
		idx = existing.Order.SellerIndex
	} else {
		var err error
		if idx, err = shard.Route(req.Owner, agg.SellerIndices()); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}
	seller := agg.SellerAt(idx)
	if seller == nil {
		writeError(w, "seller shard already counted", http.StatusConflict)
		return
	}

	s.submit(w, r, transition.Order{
		Treasury: agg.Treasury,
		Seller:   *seller,
		Existing: existing,
		Owner:    req.Owner,
		Delta:    req.Amount,
	}, now, http.StatusOK)
}

// AddSellers handles POST /api/v1/events/{eventID}/sellers
func (s *Service) AddSellers(w http.ResponseWriter, r *http.Request) {
	var req AddSellersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, now, ok := s.load(w, r)
	if !ok {
		return
	}
	if agg.Manager == nil {
		writeError(w, "event no longer accepts sellers", http.StatusConflict)
		return
	}
	s.submit(w, r, transition.AddSellers{
		Treasury: agg.Treasury,
		Manager:  *agg.Manager,
		Count:    req.Count,
		Caller:   req.Caller,
	}, now, http.StatusOK)
}

// CloseEvent handles POST /api/v1/events/{eventID}/close
// Removes a drained, cancelled event and unlinks it from the registry.
func (s *Service) CloseEvent(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, now, ok := s.load(w, r)
	if !ok {
		return
	}
	left, right, err := event.LoadNeighbours(r.Context(), s.ledger, model.RegistryLBE, agg.ID())
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.submit(w, r, transition.Close{
		Treasury: agg.Treasury,
		Left:     left,
		Right:    right,
		Caller:   req.Caller,
	}, now, http.StatusOK)
}

// GetEvent handles GET /api/v1/events/{eventID}
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	agg, now, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, NewEventView(agg, now))
}

// ListEvents handles GET /api/v1/events
// Returns every open event, optionally filtered by ?state=<state>.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now, err := s.ledger.CurrentTime(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	treasuries, err := s.ledger.Treasuries(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}

	filter := phase.State(r.URL.Query().Get("state"))
	views := []EventView{}
	for _, tr := range treasuries {
		agg, err := event.Load(ctx, s.ledger, tr.EventID)
		if errors.Is(err, event.ErrNotFound) {
			// Closed between the two reads.
			continue
		}
		if err != nil {
			writeFailure(w, err)
			return
		}
		v := NewEventView(agg, now)
		if filter != "" && v.State != filter {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetOrder handles GET /api/v1/events/{eventID}/orders/{owner}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	agg, _, ok := s.load(w, r)
	if !ok {
		return
	}
	o := agg.OrderOf(chi.URLParam(r, "owner"))
	if o == nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetHistory handles GET /api/v1/events/{eventID}/history
// Returns the accepted txs of the event, oldest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := model.EventID(chi.URLParam(r, "eventID"))
	txs, err := s.ledger.Transactions(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if txs == nil {
		txs = []model.Tx{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- helpers ---

// load reads the event named in the URL and the ledger time. It writes the
// error response itself and reports whether the caller may continue.
func (s *Service) load(w http.ResponseWriter, r *http.Request) (*event.Aggregate, time.Time, bool) {
	ctx := r.Context()
	id := model.EventID(chi.URLParam(r, "eventID"))

	now, err := s.ledger.CurrentTime(ctx)
	if err != nil {
		writeFailure(w, err)
		return nil, time.Time{}, false
	}
	agg, err := event.Load(ctx, s.ledger, id)
	if err != nil {
		writeFailure(w, err)
		return nil, time.Time{}, false
	}
	return agg, now, true
}

// submit builds step and submits it unless the request is a dry run.
func (s *Service) submit(w http.ResponseWriter, r *http.Request, step transition.Step, now time.Time, status int) {
	kind := string(step.Kind())
	start := time.Now()

	tx, err := s.builder.Build(step, now)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(kind, outcomeOf(err)).Inc()
		writeFailure(w, err)
		return
	}
	tx.Nonce = uuid.New().String()

	if dryRun(r) {
		writeJSON(w, http.StatusOK, SubmitResponse{EventID: tx.EventID, Kind: kind, DryRun: true, Tx: tx})
		return
	}

	txID, err := s.ledger.Submit(r.Context(), tx)
	metrics.TransitionLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(kind, outcomeOf(err)).Inc()
		writeFailure(w, err)
		return
	}
	metrics.TransitionsTotal.WithLabelValues(kind, "submitted").Inc()

	slog.Info("transition submitted",
		"event", tx.EventID,
		"kind", kind,
		"tx", txID,
		"nonce", tx.Nonce,
	)

	if s.wsHub != nil {
		s.wsHub.TransitionSubmitted(tx.EventID, kind, txID)
	}
	writeJSON(w, status, SubmitResponse{TxID: txID, EventID: tx.EventID, Kind: kind, Tx: tx})
}

func dryRun(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	return v
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, validation.ErrValidation):
		return "rejected"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrUnavailable):
		return "unavailable"
	}
	return "failed"
}

// writeFailure maps domain errors to HTTP statuses.
// fractionalField returns the JSON name of the first amount in p that is
// not a whole number of units, or "".
func fractionalField(p model.EventParams) string {
	amounts := []struct {
		name string
		v    *decimal.Decimal
	}{
		{"reserve_base", &p.ReserveBase},
		{"minimum_raise", p.MinimumRaise},
		{"maximum_raise", p.MaximumRaise},
		{"minimum_order_raise", p.MinimumOrderRaise},
	}
	for _, a := range amounts {
		if a.v != nil && !a.v.IsInteger() {
			return a.name
		}
	}
	return ""
}

func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validation.ErrValidation):
		name := validation.NameOf(err)
		metrics.ValidationRejections.WithLabelValues(name).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "violation": name})
	case errors.Is(err, event.ErrNotFound):
		writeError(w, "event not found", http.StatusNotFound)
	case errors.Is(err, event.ErrRegistered), errors.Is(err, ledger.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrUnbalanced):
		slog.Error("transaction does not balance", "err", err)
		writeError(w, "transaction does not balance", http.StatusInternalServerError)
	case errors.Is(err, ledger.ErrUnavailable):
		slog.Error("ledger unavailable", "err", err)
		writeError(w, "ledger unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
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
