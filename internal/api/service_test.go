package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/amm"
	"github.com/atmx/lbe-engine/internal/api"
	"github.com/atmx/lbe-engine/internal/asset"
	"github.com/atmx/lbe-engine/internal/ledger"
	"github.com/atmx/lbe-engine/internal/model"
	"github.com/atmx/lbe-engine/internal/phase"
	"github.com/atmx/lbe-engine/internal/transition"
	"github.com/atmx/lbe-engine/internal/worker"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end   = start.Add(72 * time.Hour)
)

type testEnv struct {
	ledger  *ledger.MemoryLedger
	builder *transition.Builder
	router  chi.Router
}

// newTestEnv creates a Service over an in-memory ledger and a chi router.
func newTestEnv(t *testing.T, hub *api.WSHub) *testEnv {
	t.Helper()
	cfg := transition.DefaultConfig()
	cfg.RecordRent = d("2")
	cfg.DefaultSellerCount = 2
	l := ledger.NewMemoryLedger(cfg.RecordRent)
	l.SetTime(start.Add(-time.Hour))
	b := transition.NewBuilder(cfg)
	svc := api.NewService(l, b, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", svc.CreateEvent)
		r.Get("/events", svc.ListEvents)
		r.Get("/events/{eventID}", svc.GetEvent)
		r.Put("/events/{eventID}", svc.UpdateEvent)
		r.Post("/events/{eventID}/cancel", svc.CancelEvent)
		r.Post("/events/{eventID}/orders", svc.PlaceOrder)
		r.Get("/events/{eventID}/orders/{owner}", svc.GetOrder)
		r.Post("/events/{eventID}/sellers", svc.AddSellers)
		r.Post("/events/{eventID}/close", svc.CloseEvent)
		r.Get("/events/{eventID}/history", svc.GetHistory)
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
	})
	return &testEnv{ledger: l, builder: b, router: r}
}

func params(token string) model.EventParams {
	return model.EventParams{
		BaseAsset:      asset.MustParse("aa000000000000000000000000000000000000000000000000000000." + token),
		RaiseAsset:     asset.Lovelace,
		ReserveBase:    d("1000"),
		StartTime:      start,
		EndTime:        end,
		MinimumRaise:   model.DecimalPtr(d("100")),
		PoolAllocation: 100,
		PoolBaseFee:    30,
		Owner:          "addr_owner",
		Receiver:       "addr_receiver",
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) create(t *testing.T, p model.EventParams) model.EventID {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/events", api.CreateEventRequest{EventParams: p})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return p.EventID()
}

func (e *testEnv) view(t *testing.T, id model.EventID) api.EventView {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/events/"+string(id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var v api.EventView
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func violation(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	return body["violation"]
}

// --- Event lifecycle tests ---

func TestCreateEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/events", api.CreateEventRequest{EventParams: params("01"), SellerCount: 3})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.SubmitResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TxID == "" || resp.Kind != "create" || resp.DryRun {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Tx.Nonce == "" {
		t.Error("expected a request nonce on the tx")
	}

	v := env.view(t, params("01").EventID())
	if v.State != phase.Pending {
		t.Errorf("expected pending, got %s", v.State)
	}
	if len(v.Sellers) != 3 || v.Manager == nil || v.Manager.SellerCount != 3 {
		t.Errorf("expected 3 sellers, got %d", len(v.Sellers))
	}
	if !v.Treasury.ReserveBase.Equal(d("1000")) {
		t.Errorf("expected reserve 1000, got %s", v.Treasury.ReserveBase)
	}
}

func TestCreateEvent_Duplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, params("01"))

	w := env.do(t, "POST", "/api/v1/events", api.CreateEventRequest{EventParams: params("01")})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateEvent_DryRun(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/events?dry_run=true", api.CreateEventRequest{EventParams: params("01")})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.SubmitResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.DryRun || resp.TxID != "" || len(resp.Tx.Produced) == 0 {
		t.Fatalf("unexpected dry run response %+v", resp)
	}

	w = env.do(t, "GET", "/api/v1/events/"+string(params("01").EventID()), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("dry run must not submit, got %d", w.Code)
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/events", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty body, got %d", w.Code)
	}

	p := params("01")
	p.EndTime = p.StartTime.Add(-time.Hour)
	w = env.do(t, "POST", "/api/v1/events", api.CreateEventRequest{EventParams: p})
	if v := violation(t, w); v == "" {
		t.Errorf("expected a named violation, got %s", w.Body.String())
	}

	p = params("01")
	p.ReserveBase = d("1000.5")
	w = env.do(t, "POST", "/api/v1/events", api.CreateEventRequest{EventParams: p})
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "reserve_base") {
		t.Errorf("expected 400 naming reserve_base, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/api/v1/events/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUpdateEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, params("01"))

	p := params("01")
	p.ReserveBase = d("800")
	w := env.do(t, "PUT", "/api/v1/events/"+string(id), api.UpdateEventRequest{EventParams: p, Caller: "addr_owner"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if v := env.view(t, id); !v.Treasury.ReserveBase.Equal(d("800")) {
		t.Errorf("expected reserve 800, got %s", v.Treasury.ReserveBase)
	}

	w = env.do(t, "PUT", "/api/v1/events/"+string(id), api.UpdateEventRequest{EventParams: p, Caller: "addr_mallory"})
	if got := violation(t, w); got != "Unauthorized" {
		t.Errorf("expected Unauthorized, got %s", got)
	}

	p.MinimumOrderRaise = model.DecimalPtr(d("0.5"))
	w = env.do(t, "PUT", "/api/v1/events/"+string(id), api.UpdateEventRequest{EventParams: p, Caller: "addr_owner"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for fractional minimum order, got %d", w.Code)
	}
}

// --- Order tests ---

func TestPlaceOrder_DepositAndWithdraw(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, params("01"))
	env.ledger.SetTime(start.Add(time.Hour))

	path := "/api/v1/events/" + string(id)
	w := env.do(t, "POST", path+"/orders", api.OrderRequest{Owner: "addr_alice", Amount: d("100")})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", path+"/orders/addr_alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec model.Record
	json.Unmarshal(w.Body.Bytes(), &rec)
	if !rec.Order.Amount.Equal(d("100")) {
		t.Errorf("expected amount 100, got %s", rec.Order.Amount)
	}

	// Same owner, same shard.
	w = env.do(t, "POST", path+"/orders", api.OrderRequest{Owner: "addr_alice", Amount: d("-100")})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", path+"/orders/addr_alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("fully withdrawn order should be gone, got %d", w.Code)
	}
}

func TestPlaceOrder_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, params("01"))
	path := "/api/v1/events/" + string(id) + "/orders"

	w := env.do(t, "POST", path, api.OrderRequest{Owner: "addr_alice", Amount: d("0")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", w.Code)
	}
	w = env.do(t, "POST", path, api.OrderRequest{Owner: "addr_alice", Amount: d("999.5")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for fractional amount, got %d", w.Code)
	}

	// Discovery has not started.
	w = env.do(t, "POST", path, api.OrderRequest{Owner: "addr_alice", Amount: d("10")})
	if got := violation(t, w); got != "TimeWindowViolation" {
		t.Errorf("expected TimeWindowViolation, got %s", got)
	}

	env.ledger.SetTime(start.Add(time.Hour))
	w = env.do(t, "POST", path, api.OrderRequest{Owner: "addr_alice", Amount: d("-10")})
	if violation(t, w) == "" {
		t.Error("expected a violation for withdrawing from nothing")
	}
}

func TestAddSellers(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, params("01"))

	w := env.do(t, "POST", "/api/v1/events/"+string(id)+"/sellers", api.AddSellersRequest{Caller: "addr_helper", Count: 3})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	v := env.view(t, id)
	if len(v.Sellers) != 5 || v.Manager.SellerCount != 5 {
		t.Fatalf("expected 5 sellers, got %d", len(v.Sellers))
	}
	if last := v.Sellers[4]; last.Index != 4 || last.Owner != "addr_helper" {
		t.Errorf("unexpected new seller %+v", last)
	}
}

// unbalanced rejects every tx the way a ledger rejects value leaks.
type unbalanced struct {
	*ledger.MemoryLedger
}

func (unbalanced) Submit(context.Context, *model.Tx) (string, error) {
	return "", fmt.Errorf("%w: in 1, out 2", ledger.ErrUnbalanced)
}

func TestCreateEvent_Unbalanced(t *testing.T) {
	cfg := transition.DefaultConfig()
	l := ledger.NewMemoryLedger(cfg.RecordRent)
	l.SetTime(start.Add(-time.Hour))
	svc := api.NewService(unbalanced{l}, transition.NewBuilder(cfg), nil)

	r := chi.NewRouter()
	r.Post("/events", svc.CreateEvent)
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(api.CreateEventRequest{EventParams: params("01")})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/events", &buf))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "does not balance") {
		t.Errorf("expected the balance failure to be named, got %s", w.Body.String())
	}
}

// --- Cancel and close ---

func TestCancelAndClose(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, params("01"))
	path := "/api/v1/events/" + string(id)

	w := env.do(t, "POST", path+"/cancel", api.CallerRequest{Caller: "addr_mallory"})
	if got := violation(t, w); got != "Unauthorized" {
		t.Fatalf("expected Unauthorized, got %s", got)
	}

	w = env.do(t, "POST", path+"/cancel", api.CallerRequest{Caller: "addr_owner"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The manager has not been collected yet.
	w = env.do(t, "POST", path+"/close", api.CallerRequest{Caller: "addr_owner"})
	if got := violation(t, w); got == "" {
		t.Fatal("expected close to be rejected before collection")
	}

	wk := worker.New(env.ledger, env.builder, worker.Config{ActionsPerTick: 1})
	for i := 0; i < 5; i++ {
		if _, err := wk.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if v := env.view(t, id); v.State != phase.Closable {
		t.Fatalf("expected closable, got %s", v.State)
	}

	w = env.do(t, "POST", path+"/close", api.CallerRequest{Caller: "addr_owner"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "GET", path, nil); w.Code != http.StatusNotFound {
		t.Fatalf("closed event should be gone, got %d", w.Code)
	}

	w = env.do(t, "GET", path+"/history", nil)
	var txs []model.Tx
	json.Unmarshal(w.Body.Bytes(), &txs)
	var kinds []string
	for _, tx := range txs {
		kinds = append(kinds, tx.Label)
	}
	want := "create,cancel_by_owner,count_sellers,collect_manager,close"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("expected history %s, got %s", want, got)
	}
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, params("01"))
	env.create(t, params("02"))
	env.do(t, "POST", "/api/v1/events/"+string(params("02").EventID())+"/cancel", api.CallerRequest{Caller: "addr_owner"})

	var views []api.EventView
	w := env.do(t, "GET", "/api/v1/events", nil)
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 2 {
		t.Fatalf("expected 2 events, got %d", len(views))
	}

	w = env.do(t, "GET", "/api/v1/events?state=pending", nil)
	views = nil
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 || views[0].ID != params("01").EventID() {
		t.Fatalf("expected only the pending event, got %+v", views)
	}
}

func TestGetEvent_PoolPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, params("01"))
	if v := env.view(t, id); v.Pool != nil || v.PoolPrice != nil {
		t.Fatalf("unsettled event should carry no pool, got %+v", v.Pool)
	}

	env.ledger.SetTime(start.Add(time.Hour))
	w := env.do(t, "POST", "/api/v1/events/"+string(id)+"/orders", api.OrderRequest{Owner: "addr_alice", Amount: d("400")})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	env.ledger.SetTime(end.Add(time.Minute))

	wk := worker.New(env.ledger, env.builder, worker.Config{ActionsPerTick: 1})
	for i := 0; i < 4; i++ {
		if _, err := wk.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	v := env.view(t, id)
	if v.Pool == nil || v.PoolPrice == nil {
		t.Fatalf("expected pool and price after settlement, state %s", v.State)
	}
	want := v.Pool.ReserveB.DivRound(v.Pool.ReserveA, amm.PriceScale)
	if !v.PoolPrice.Equal(want) || !v.PoolPrice.IsPositive() {
		t.Errorf("expected pool price %s, got %s", want, v.PoolPrice)
	}
}

// --- WebSocket ---

func TestWebSocketNotice(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	env := newTestEnv(t, hub)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	id := env.create(t, params("01"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "transition" || msg.Kind != "create" || msg.EventID != id || msg.TxID == "" {
		t.Fatalf("unexpected notice %+v", msg)
	}
}
