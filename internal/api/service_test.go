package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/account"
	"github.com/pmx/exchange-core/internal/api"
	"github.com/pmx/exchange-core/internal/market"
	"github.com/pmx/exchange-core/internal/model"
	"github.com/pmx/exchange-core/internal/risk"
	"github.com/pmx/exchange-core/internal/settle"
	"github.com/pmx/exchange-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires a Service against in-memory collaborators and mounts the
// routes the server exposes.
func newTestEnv(t *testing.T) (*account.Registry, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	accounts := account.NewRegistry()
	settler := settle.NewSettler(accounts, settle.NewMemoryLedger())
	limiter := risk.NewPositionLimiter(d(1000), d(5000))
	svc := api.NewService(ms, accounts, settler, limiter, market.DefaultConfig(), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.CreateMarket)
	r.Get("/api/v1/markets", svc.ListMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.GetMarket)
	r.Get("/api/v1/markets/{marketID}/price", svc.GetPrice)
	r.Get("/api/v1/markets/{marketID}/depth", svc.GetDepth)
	r.Get("/api/v1/markets/{marketID}/history", svc.GetMarketHistory)
	r.Post("/api/v1/markets/{marketID}/resolve", svc.Resolve)
	r.Post("/api/v1/markets/{marketID}/crank/match", svc.CrankMatch)
	r.Post("/api/v1/markets/{marketID}/crank/settle", svc.CrankSettle)
	r.Post("/api/v1/markets/{marketID}/settle-funds", svc.SettleFunds)
	r.Post("/api/v1/accounts", svc.CreateAccount)
	r.Post("/api/v1/accounts/{openOrdersID}/deposit", svc.Deposit)
	r.Post("/api/v1/orders", svc.SubmitOrder)
	r.Post("/api/v1/orders/cancel", svc.CancelOrder)
	r.Get("/api/v1/portfolio/{accountRef}", svc.GetPortfolio)

	return accounts, ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createMarket(t *testing.T, router chi.Router, ticker string) model.MarketInfo {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Ticker:   ticker,
		Question: "Will it happen?",
		AdminRef: uuid.NewString(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("market creation failed: %d %s", w.Code, w.Body.String())
	}
	var info model.MarketInfo
	json.Unmarshal(w.Body.Bytes(), &info)
	return info
}

// fundedAccount creates an open-orders record and credits its free balances.
func fundedAccount(t *testing.T, router chi.Router, quote, base float64) (openOrdersID, ownerRef string) {
	t.Helper()
	owner := uuid.NewString()
	w := doJSON(t, router, "POST", "/api/v1/accounts", map[string]string{"owner_ref": owner})
	if w.Code != http.StatusCreated {
		t.Fatalf("account creation failed: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	id := resp["open_orders_id"]

	w = doJSON(t, router, "POST", "/api/v1/accounts/"+id+"/deposit", map[string]decimal.Decimal{
		"quote": d(quote),
		"base":  d(base),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit failed: %d %s", w.Code, w.Body.String())
	}
	return id, owner
}

func submitOrder(t *testing.T, router chi.Router, req api.OrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, router, "POST", "/api/v1/orders", req)
}

func TestCreateMarket_Valid(t *testing.T) {
	_, _, router := newTestEnv(t)

	info := createMarket(t, router, "PMX-CRYPTO-BTC100K-20261231")
	if info.Category != "CRYPTO" {
		t.Errorf("expected category CRYPTO, got %s", info.Category)
	}
	if info.Status != "open" {
		t.Errorf("expected status open, got %s", info.Status)
	}
	if !info.B.Equal(d(100)) {
		t.Errorf("expected default b=100, got %s", info.B)
	}
	if !info.PriceYes.Equal(d(0.5)) {
		t.Errorf("fresh market prices YES at 0.5, got %s", info.PriceYes)
	}
}

func TestCreateMarket_InvalidTicker(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Ticker:   "NOT-A-TICKER",
		AdminRef: uuid.NewString(),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreateMarket_DuplicateTicker(t *testing.T) {
	_, _, router := newTestEnv(t)
	createMarket(t, router, "PMX-ECON-CPI-20261231")

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Ticker:   "PMX-ECON-CPI-20261231",
		AdminRef: uuid.NewString(),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestGetPrice_FreshMarket(t *testing.T) {
	_, _, router := newTestEnv(t)
	info := createMarket(t, router, "PMX-SPORTS-CUP-20261231")

	w := doJSON(t, router, "GET", "/api/v1/markets/"+info.ID+"/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var prices map[string]decimal.Decimal
	json.Unmarshal(w.Body.Bytes(), &prices)
	if !prices["yes"].Equal(d(0.5)) || !prices["no"].Equal(d(0.5)) {
		t.Errorf("expected 0.5/0.5, got %s/%s", prices["yes"], prices["no"])
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	_, _, router := newTestEnv(t)
	info := createMarket(t, router, "PMX-POLITICS-VOTE-20261231")
	id, _ := fundedAccount(t, router, 100, 100)

	base := api.OrderRequest{
		OpenOrdersID: id,
		MarketID:     info.ID,
		Side:         "BUY",
		Outcome:      "YES",
		Price:        d(0.5),
		Quantity:     d(1),
	}

	bad := base
	bad.Side = "MAYBE"
	if w := submitOrder(t, router, bad); w.Code != http.StatusBadRequest {
		t.Errorf("invalid side: expected 400, got %d", w.Code)
	}
	bad = base
	bad.Outcome = "PERHAPS"
	if w := submitOrder(t, router, bad); w.Code != http.StatusBadRequest {
		t.Errorf("invalid outcome: expected 400, got %d", w.Code)
	}
	bad = base
	bad.Quantity = decimal.Zero
	if w := submitOrder(t, router, bad); w.Code != http.StatusBadRequest {
		t.Errorf("zero quantity: expected 400, got %d", w.Code)
	}
	bad = base
	bad.Price = decimal.Zero
	if w := submitOrder(t, router, bad); w.Code != http.StatusBadRequest {
		t.Errorf("zero price on limit: expected 400, got %d", w.Code)
	}
	bad = base
	bad.MarketID = "missing"
	if w := submitOrder(t, router, bad); w.Code != http.StatusNotFound {
		t.Errorf("unknown market: expected 404, got %d", w.Code)
	}
}

func TestSubmitOrder_InsufficientBalance(t *testing.T) {
	_, _, router := newTestEnv(t)
	info := createMarket(t, router, "PMX-POLITICS-VOTE-20261231")
	id, _ := fundedAccount(t, router, 0, 0)

	w := submitOrder(t, router, api.OrderRequest{
		OpenOrdersID: id,
		MarketID:     info.ID,
		Side:         "BUY",
		Outcome:      "YES",
		Price:        d(0.5),
		Quantity:     d(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 without funds, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTradeFlow_MatchSettleHistory(t *testing.T) {
	accounts, _, router := newTestEnv(t)
	info := createMarket(t, router, "PMX-CRYPTO-BTC100K-20261231")
	buyerID, buyerOwner := fundedAccount(t, router, 10, 0)
	sellerID, _ := fundedAccount(t, router, 0, 10)

	w := submitOrder(t, router, api.OrderRequest{
		OpenOrdersID: sellerID, MarketID: info.ID,
		Side: "SELL", Outcome: "YES", Price: d(0.6), Quantity: d(1),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("sell rejected: %d %s", w.Code, w.Body.String())
	}
	w = submitOrder(t, router, api.OrderRequest{
		OpenOrdersID: buyerID, MarketID: info.ID,
		Side: "BUY", Outcome: "YES", Price: d(0.6), Quantity: d(1),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("buy rejected: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/match", map[string]string{})
	if w.Code != http.StatusOK {
		t.Fatalf("match crank failed: %d %s", w.Code, w.Body.String())
	}
	var crank api.CrankResponse
	json.Unmarshal(w.Body.Bytes(), &crank)
	if crank.Processed != 2 || len(crank.Failures) != 0 {
		t.Fatalf("expected 2 processed, got %+v", crank)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/settle",
		map[string]string{"cranker_ref": uuid.NewString()})
	if w.Code != http.StatusOK {
		t.Fatalf("settle crank failed: %d %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &crank)
	if crank.Processed != 1 {
		t.Fatalf("expected 1 settled event, got %d", crank.Processed)
	}

	// The buyer holds the shares.
	rec, err := accounts.Get(uuid.MustParse(buyerID))
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if got := rec.FreeBase.Uint64(); got != 1_000_000 {
		t.Errorf("buyer must hold 1 share, got %d micro", got)
	}

	// History shows the fill at the maker price.
	w = doJSON(t, router, "GET", "/api/v1/markets/"+info.ID+"/history", nil)
	var fills []model.FillRecord
	json.Unmarshal(w.Body.Bytes(), &fills)
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill in history, got %d", len(fills))
	}
	if !fills[0].Price.Equal(d(0.6)) || !fills[0].Quantity.Equal(d(1)) {
		t.Errorf("expected 1 @ 0.6, got %s @ %s", fills[0].Quantity, fills[0].Price)
	}
	if !fills[0].Notional.Equal(d(0.6)) {
		t.Errorf("expected notional 0.6, got %s", fills[0].Notional)
	}

	// The portfolio aggregates under the owner reference.
	w = doJSON(t, router, "GET", "/api/v1/portfolio/"+buyerOwner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio failed: %d", w.Code)
	}
	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if len(portfolio.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(portfolio.Positions))
	}
	if !portfolio.Positions[0].YesQty.Equal(d(1)) {
		t.Errorf("expected 1 YES, got %s", portfolio.Positions[0].YesQty)
	}
	if portfolio.ExposureByCategory == nil {
		t.Error("expected exposure by category")
	}
}

func TestTradeFlow_TakerImprovementReleasesReservation(t *testing.T) {
	accounts, _, router := newTestEnv(t)
	info := createMarket(t, router, "PMX-CRYPTO-ETHFLIP-20261231")
	buyerID, _ := fundedAccount(t, router, 10, 0)
	sellerID, _ := fundedAccount(t, router, 0, 10)

	// Ask rests at 0.50; the 0.60 bid crosses and fills at the resting
	// price. The buyer reserved 0.60 at intake, so the 0.10 improvement
	// must come back free and the slot must clear.
	w := submitOrder(t, router, api.OrderRequest{
		OpenOrdersID: sellerID, MarketID: info.ID,
		Side: "SELL", Outcome: "YES", Price: d(0.5), Quantity: d(1),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("sell rejected: %d %s", w.Code, w.Body.String())
	}
	w = submitOrder(t, router, api.OrderRequest{
		OpenOrdersID: buyerID, MarketID: info.ID,
		Side: "BUY", Outcome: "YES", Price: d(0.6), Quantity: d(1),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("buy rejected: %d %s", w.Code, w.Body.String())
	}

	doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/match", map[string]string{})
	w = doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/settle",
		map[string]string{"cranker_ref": uuid.NewString()})
	if w.Code != http.StatusOK {
		t.Fatalf("settle crank failed: %d %s", w.Code, w.Body.String())
	}

	rec, err := accounts.Get(uuid.MustParse(buyerID))
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if !rec.LockedQuote.IsZero() {
		t.Errorf("taker reservation must be fully released, %s locked", rec.LockedQuote.String())
	}
	if got := rec.FreeQuote.Uint64(); got != 9_500_000 {
		t.Errorf("expected 9.5 free quote after the 0.5 fill, got %d micro", got)
	}
	if got := rec.FreeBase.Uint64(); got != 1_000_000 {
		t.Errorf("buyer must hold 1 share, got %d micro", got)
	}
	if rec.SlotsBitmap != 0 {
		t.Error("fully filled taker slot must be released")
	}
}

func TestCancelFlow_ReleasesFunds(t *testing.T) {
	accounts, _, router := newTestEnv(t)
	info := createMarket(t, router, "PMX-WEATHER-RAIN-20261231")
	id, _ := fundedAccount(t, router, 10, 0)

	w := submitOrder(t, router, api.OrderRequest{
		OpenOrdersID: id, MarketID: info.ID,
		Side: "BUY", Outcome: "YES", Price: d(0.4), Quantity: d(1),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("order rejected: %d %s", w.Code, w.Body.String())
	}
	var placed api.OrderResponse
	json.Unmarshal(w.Body.Bytes(), &placed)

	// Rest the order, then cancel and settle the release.
	doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/match", map[string]string{})
	w = doJSON(t, router, "POST", "/api/v1/orders/cancel", api.CancelRequest{
		OpenOrdersID: id,
		MarketID:     info.ID,
		OrderID:      placed.OrderID,
		Outcome:      "YES",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel rejected: %d %s", w.Code, w.Body.String())
	}
	doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/match", map[string]string{})
	doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/settle",
		map[string]string{"cranker_ref": uuid.NewString()})

	rec, err := accounts.Get(uuid.MustParse(id))
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if !rec.LockedQuote.IsZero() {
		t.Errorf("reservation must be released, %s locked", rec.LockedQuote.String())
	}
	if got := rec.FreeQuote.Uint64(); got != 10_000_000 {
		t.Errorf("expected full 10 quote back, got %d micro", got)
	}
	if rec.SlotsBitmap != 0 {
		t.Error("open-orders slot must be released")
	}
}

func TestGetDepth_ShowsRestingOrders(t *testing.T) {
	_, _, router := newTestEnv(t)
	info := createMarket(t, router, "PMX-ECON-RATECUT-20261231")
	id, _ := fundedAccount(t, router, 10, 0)

	submitOrder(t, router, api.OrderRequest{
		OpenOrdersID: id, MarketID: info.ID,
		Side: "BUY", Outcome: "YES", Price: d(0.4), Quantity: d(2),
	})
	doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/crank/match", map[string]string{})

	w := doJSON(t, router, "GET", "/api/v1/markets/"+info.ID+"/depth?outcome=YES", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("depth failed: %d", w.Code)
	}
	var depth api.DepthResponse
	json.Unmarshal(w.Body.Bytes(), &depth)
	if len(depth.Bids) != 1 || len(depth.Asks) != 0 {
		t.Fatalf("expected 1 bid level, got %+v", depth)
	}
	if !depth.Bids[0].Price.Equal(d(0.4)) || !depth.Bids[0].Quantity.Equal(d(2)) {
		t.Errorf("expected 2 @ 0.4, got %s @ %s", depth.Bids[0].Quantity, depth.Bids[0].Price)
	}
}

func TestResolve_AdminOnly(t *testing.T) {
	_, ms, router := newTestEnv(t)
	admin := uuid.NewString()
	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Ticker:   "PMX-POLITICS-RUNOFF-20261231",
		Question: "q",
		AdminRef: admin,
	})
	var info model.MarketInfo
	json.Unmarshal(w.Body.Bytes(), &info)

	w = doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/resolve", map[string]string{
		"admin_ref": uuid.NewString(),
		"winner":    "YES",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+info.ID+"/resolve", map[string]string{
		"admin_ref": admin,
		"winner":    "YES",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", w.Code, w.Body.String())
	}

	stored, err := ms.GetMarket(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("store lookup failed: %v", err)
	}
	if stored.Status != "resolved_yes" {
		t.Errorf("expected resolved_yes persisted, got %s", stored.Status)
	}
}

func TestListMarkets_CategoryFilter(t *testing.T) {
	_, _, router := newTestEnv(t)
	createMarket(t, router, "PMX-CRYPTO-BTC-20261231")
	createMarket(t, router, "PMX-CRYPTO-ETH-20261231")
	createMarket(t, router, "PMX-ECON-CPI-20261231")

	w := doJSON(t, router, "GET", "/api/v1/markets?category=CRYPTO", nil)
	var markets []model.MarketInfo
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 2 {
		t.Errorf("expected 2 crypto markets, got %d", len(markets))
	}

	w = doJSON(t, router, "GET", "/api/v1/markets?category=SPORTS", nil)
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 0 {
		t.Errorf("expected no sports markets, got %d", len(markets))
	}
}

func TestGetPortfolio_Empty(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/portfolio/"+uuid.NewString(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if len(portfolio.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(portfolio.Positions))
	}
}
