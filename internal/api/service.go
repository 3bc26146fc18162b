// Package api provides the HTTP handlers and business logic for creating
// markets, submitting orders, cranking the matching and settlement passes,
// and querying positions/portfolios.
//
// All monetary values cross this boundary as shopspring/decimal — never
// float64 for money. Inside the core they are scale-10^6 fixed-point.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/account"
	"github.com/pmx/exchange-core/internal/book"
	"github.com/pmx/exchange-core/internal/engine"
	"github.com/pmx/exchange-core/internal/fixed"
	"github.com/pmx/exchange-core/internal/market"
	"github.com/pmx/exchange-core/internal/metrics"
	"github.com/pmx/exchange-core/internal/model"
	"github.com/pmx/exchange-core/internal/queue"
	"github.com/pmx/exchange-core/internal/risk"
	"github.com/pmx/exchange-core/internal/settle"
	"github.com/pmx/exchange-core/internal/store"
	"github.com/pmx/exchange-core/internal/ticker"
)

// Service handles exchange operations. Uses a mutex for serialized intake
// and cranking (single-instance). For horizontal scaling, shard markets
// across instances; the core state is per-market.
type Service struct {
	store       store.Store
	accounts    *account.Registry
	settler     *settle.Settler
	limiter     *risk.PositionLimiter
	cfg         market.Config
	marginLimit decimal.Decimal
	wsHub       *WSHub // optional WebSocket hub for real-time broadcasts

	mu       sync.Mutex
	markets  map[string]*market.Market
	byTicker map[string]*market.Market
}

// NewService creates a new exchange service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, accounts *account.Registry, settler *settle.Settler, limiter *risk.PositionLimiter, cfg market.Config, hub *WSHub) *Service {
	return &Service{
		store:       st,
		accounts:    accounts,
		settler:     settler,
		limiter:     limiter,
		cfg:         cfg,
		marginLimit: decimal.NewFromInt(10000), // default margin limit
		wsHub:       hub,
		markets:     make(map[string]*market.Market),
		byTicker:    make(map[string]*market.Market),
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Ticker   string          `json:"ticker"` // PMX-{category}-{slug}-{YYYYMMDD}
	Question string          `json:"question"`
	AdminRef string          `json:"admin_ref"`
	B        decimal.Decimal `json:"b"` // liquidity parameter; 0 → derived from volume
	// ExpectedDailyVolume drives liquidity derivation when B is omitted.
	ExpectedDailyVolume decimal.Decimal `json:"expected_daily_volume"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	OpenOrdersID string          `json:"open_orders_id"`
	MarketID     string          `json:"market_id"`
	Side         string          `json:"side"`    // "BUY" or "SELL"
	Outcome      string          `json:"outcome"` // "YES" or "NO"
	Type         string          `json:"type"`    // "limit" or "market"
	Price        decimal.Decimal `json:"price"`   // ignored for market orders
	Quantity     decimal.Decimal `json:"quantity"`
	ClientID     uint64          `json:"client_id"`
}

// OrderResponse is the JSON body returned from POST /orders.
type OrderResponse struct {
	OrderID  uint64 `json:"order_id"`
	ClientID uint64 `json:"client_id"`
	Status   string `json:"status"` // "queued"
}

// CancelRequest is the JSON body for POST /orders/cancel.
type CancelRequest struct {
	OpenOrdersID string `json:"open_orders_id"`
	MarketID     string `json:"market_id"`
	OrderID      uint64 `json:"order_id"`
	Outcome      string `json:"outcome"`
}

// CrankResponse reports the work one crank performed.
type CrankResponse struct {
	Processed int            `json:"processed"`
	Failures  []CrankFailure `json:"failures,omitempty"`
}

// CrankFailure is one request the matching pass rejected.
type CrankFailure struct {
	OrderID  uint64 `json:"order_id"`
	ClientID uint64 `json:"client_id"`
	Error    string `json:"error"`
}

// DepthLevel is one aggregated price level in a depth response.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// DepthResponse is the JSON body for GET /markets/{id}/depth.
type DepthResponse struct {
	MarketID string       `json:"market_id"`
	Outcome  string       `json:"outcome"`
	Bids     []DepthLevel `json:"bids"`
	Asks     []DepthLevel `json:"asks"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Validate ticker format.
	parsed, err := ticker.Parse(req.Ticker)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	admin, err := uuid.Parse(req.AdminRef)
	if err != nil {
		writeError(w, "admin_ref must be a UUID", http.StatusBadRequest)
		return
	}

	b := req.B
	if b.LessThanOrEqual(decimal.Zero) {
		if req.ExpectedDailyVolume.IsPositive() {
			b, err = ticker.DeriveLiquidity(req.ExpectedDailyVolume, parsed.ExpiryDate, time.Now().UTC())
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		} else {
			b = decimal.NewFromInt(100) // default liquidity
		}
	}

	cfg := s.cfg
	cfg.BLiquidity = uint64(b.Round(0).IntPart())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTicker[req.Ticker]; exists {
		writeError(w, "market for ticker already exists", http.StatusConflict)
		return
	}

	m, err := market.New(cfg, req.Ticker, req.Question, admin)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.Category = parsed.Category

	info := m.Info()
	if err := s.store.CreateMarket(r.Context(), &info); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	s.markets[m.ID.String()] = m
	s.byTicker[m.Ticker] = m
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"id", m.ID,
		"ticker", req.Ticker,
		"category", parsed.Category,
		"b", b.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	s.mu.Lock()
	m, ok := s.markets[marketID]
	var info model.MarketInfo
	if ok {
		info = m.Info()
	}
	s.mu.Unlock()

	if !ok {
		// Fall back to the store for markets not live on this instance.
		stored, err := s.store.GetMarket(r.Context(), marketID)
		if err != nil {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		info = *stored
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?category=<CATEGORY>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.MarketInfo{}
	}

	if category := r.URL.Query().Get("category"); category != "" {
		var filtered []model.MarketInfo
		for _, m := range markets {
			if m.Category == category {
				filtered = append(filtered, m)
			}
		}
		if filtered == nil {
			filtered = []model.MarketInfo{}
		}
		markets = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	s.mu.Lock()
	m, ok := s.markets[marketID]
	s.mu.Unlock()
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	priceYes, errYes := m.PriceYes()
	priceNo, errNo := m.PriceNo()
	if errYes != nil || errNo != nil {
		writeError(w, "price unavailable", http.StatusInternalServerError)
		return
	}

	resp := map[string]decimal.Decimal{
		"yes": market.FixedToDecimal(&priceYes),
		"no":  market.FixedToDecimal(&priceNo),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetDepth handles GET /api/v1/markets/{marketID}/depth?outcome=YES&levels=10
func (s *Service) GetDepth(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	outcome, err := parseOutcome(r.URL.Query().Get("outcome"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	levels := 10
	if q := r.URL.Query().Get("levels"); q != "" {
		if n, err := parsePositiveInt(q); err == nil {
			levels = n
		}
	}

	s.mu.Lock()
	m, ok := s.markets[marketID]
	if !ok {
		s.mu.Unlock()
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	b := m.State.Books[outcome]
	bids := b.Bids.Levels(levels)
	asks := b.Asks.Levels(levels)
	s.mu.Unlock()

	resp := DepthResponse{
		MarketID: marketID,
		Outcome:  outcome.String(),
		Bids:     toDepthLevels(bids),
		Asks:     toDepthLevels(asks),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CreateAccount handles POST /api/v1/accounts
// Creates an open-orders record for an owner.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerRef string `json:"owner_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	owner, err := uuid.Parse(req.OwnerRef)
	if err != nil {
		writeError(w, "owner_ref must be a UUID", http.StatusBadRequest)
		return
	}

	rec := s.accounts.Create(owner)

	slog.Info("open-orders record created", "id", rec.ID, "owner", owner)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"open_orders_id": rec.ID.String(),
		"owner_ref":      owner.String(),
	})
}

// Deposit handles POST /api/v1/accounts/{openOrdersID}/deposit
// Credits free balances. Custody of the underlying tokens is the ledger
// collaborator's concern; this endpoint mirrors a confirmed deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "openOrdersID"))
	if err != nil {
		writeError(w, "invalid open-orders id", http.StatusBadRequest)
		return
	}
	var req struct {
		Quote decimal.Decimal `json:"quote"`
		Base  decimal.Decimal `json:"base"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Quote.IsNegative() || req.Base.IsNegative() {
		writeError(w, "deposit amounts must be non-negative", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.accounts.Get(id)
	if err != nil {
		writeError(w, "open-orders record not found", http.StatusNotFound)
		return
	}

	if req.Quote.IsPositive() {
		q, err := market.DecimalToFixed(req.Quote)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := rec.CreditQuote(&q); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}
	if req.Base.IsPositive() {
		b, err := market.DecimalToFixed(req.Base)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := rec.CreditBase(&b); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"free_quote": market.FixedToDecimal(&rec.FreeQuote).String(),
		"free_base":  market.FixedToDecimal(&rec.FreeBase).String(),
	})
}

// SubmitOrder handles POST /api/v1/orders
// Validates, checks position limits, locks funds, and enqueues the intent.
// Matching happens later, on the crank.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := parseOutcome(req.Outcome)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	reqType := model.NewOrder
	switch req.Type {
	case "limit", "":
	case "market":
		reqType = model.MarketOrder
	default:
		writeError(w, "type must be limit or market", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if reqType == model.NewOrder && !req.Price.IsPositive() {
		writeError(w, "price must be positive for limit orders", http.StatusBadRequest)
		return
	}

	openOrdersID, err := uuid.Parse(req.OpenOrdersID)
	if err != nil {
		writeError(w, "open_orders_id must be a UUID", http.StatusBadRequest)
		return
	}

	qty, err := market.DecimalToFixed(req.Quantity)
	if err != nil {
		writeError(w, "quantity out of range", http.StatusBadRequest)
		return
	}
	var price uint256.Int
	if reqType == model.NewOrder {
		price, err = market.DecimalToFixed(req.Price)
		if err != nil {
			writeError(w, "price out of range", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()

	// Signed exposure delta for the limit check: +YES direction.
	exposureDelta := req.Quantity
	if (outcome == model.Yes) != (side == model.Buy) {
		exposureDelta = exposureDelta.Neg()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[req.MarketID]
	if !ok {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}

	rec, err := s.accounts.Get(openOrdersID)
	if err != nil {
		writeError(w, "open-orders record not found", http.StatusNotFound)
		return
	}

	marketExposures := make(map[string]decimal.Decimal)
	positions, err := s.store.GetAccountPositions(ctx, rec.Owner.String())
	if err != nil {
		writeError(w, "failed to check position limits", http.StatusInternalServerError)
		return
	}
	for _, p := range positions {
		marketExposures[p.MarketID] = p.NetQty
	}
	categoryExposures, err := s.store.GetAccountCategoryExposures(ctx, rec.Owner.String())
	if err != nil {
		writeError(w, "failed to check position limits", http.StatusInternalServerError)
		return
	}

	if err := s.limiter.CheckLimit(req.MarketID, m.Category, exposureDelta, marketExposures, categoryExposures); err != nil {
		metrics.PositionLimitRejections.Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	// --- Funds lock + slot (limit orders only; market orders settle
	// against the vault) ---
	quantity := qty.Uint64()
	orderID := m.NextOrderID()
	var ownerSlot uint16
	var locked func() // undo on enqueue failure
	if reqType == model.NewOrder {
		if side == model.Buy {
			reserve, err := fixed.Mul(&price, &qty)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := rec.LockQuote(&reserve); err != nil {
				writeError(w, err.Error(), http.StatusConflict)
				return
			}
			locked = func() { rec.UnlockQuote(&reserve) }
		} else {
			if err := rec.LockBase(&qty); err != nil {
				writeError(w, err.Error(), http.StatusConflict)
				return
			}
			locked = func() { rec.UnlockBase(&qty) }
		}

		ownerSlot, err = rec.AcquireSlot(orderID, &price, side, quantity, outcome)
		if err != nil {
			locked()
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	submitErr := m.SubmitRequest(model.Request{
		Type:       reqType,
		Owner:      rec.Owner,
		OpenOrders: rec.ID,
		Side:       side,
		Price:      price,
		Quantity:   quantity,
		OrderID:    orderID,
		ClientID:   req.ClientID,
		OwnerSlot:  ownerSlot,
		Outcome:    outcome,
		Timestamp:  time.Now().Unix(),
	})
	if submitErr != nil {
		if reqType == model.NewOrder {
			rec.ReleaseSlot(ownerSlot)
			locked()
		}
		status := http.StatusBadRequest
		reason := "validation"
		if submitErr == queue.ErrRequestQueueFull {
			status = http.StatusServiceUnavailable
			reason = "queue_full"
		}
		metrics.RequestsRejected.WithLabelValues(reason).Inc()
		writeError(w, submitErr.Error(), status)
		return
	}

	typeLabel := "limit"
	if reqType == model.MarketOrder {
		typeLabel = "market"
	}
	metrics.RequestsTotal.WithLabelValues(typeLabel).Inc()
	metrics.RequestQueueDepth.WithLabelValues(req.MarketID).Set(float64(m.State.Requests.Len()))

	slog.Info("order queued",
		"market", req.MarketID,
		"order_id", orderID,
		"client_id", req.ClientID,
		"side", side.String(),
		"outcome", outcome.String(),
		"qty", req.Quantity.String(),
		"price", req.Price.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(OrderResponse{
		OrderID:  orderID,
		ClientID: req.ClientID,
		Status:   "queued",
	})
}

// CancelOrder handles POST /api/v1/orders/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := parseOutcome(req.Outcome)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	openOrdersID, err := uuid.Parse(req.OpenOrdersID)
	if err != nil {
		writeError(w, "open_orders_id must be a UUID", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[req.MarketID]
	if !ok {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}
	rec, err := s.accounts.Get(openOrdersID)
	if err != nil {
		writeError(w, "open-orders record not found", http.StatusNotFound)
		return
	}

	if err := m.SubmitCancel(rec.Owner, rec.ID, req.OrderID, outcome); err != nil {
		status := http.StatusBadRequest
		if err == queue.ErrRequestQueueFull {
			status = http.StatusServiceUnavailable
		}
		writeError(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

// CrankMatch handles POST /api/v1/markets/{marketID}/crank/match
// Drains queued requests through the matching engine.
func (s *Service) CrankMatch(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	max := crankBatch(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	start := time.Now()
	processed, failures := m.RunMatching(max)
	metrics.CrankLatency.WithLabelValues("match").Observe(time.Since(start).Seconds())
	metrics.RequestQueueDepth.WithLabelValues(marketID).Set(float64(m.State.Requests.Len()))
	metrics.EventQueueDepth.WithLabelValues(marketID).Set(float64(m.State.Events.Len()))

	// Persist the post-match AMM state and prices.
	info := m.Info()
	if err := s.store.UpdateMarketState(r.Context(), info.ID, info.QYes, info.QNo, info.PriceYes, info.PriceNo, info.Status); err != nil {
		slog.Error("failed to persist market state", "market", marketID, "err", err)
	}

	if s.wsHub != nil && processed > 0 {
		s.wsHub.Broadcast(WSMessage{
			Type:     "price_update",
			MarketID: marketID,
			Ticker:   m.Ticker,
			PriceYes: info.PriceYes.String(),
			PriceNo:  info.PriceNo.String(),
		})
	}

	resp := CrankResponse{Processed: processed}
	for _, f := range failures {
		resp.Failures = append(resp.Failures, CrankFailure{
			OrderID:  f.OrderID,
			ClientID: f.ClientID,
			Error:    f.Err.Error(),
		})
	}

	slog.Info("matching cranked",
		"market", marketID,
		"processed", processed,
		"failures", len(resp.Failures),
		"events_pending", m.State.Events.Len(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CrankSettle handles POST /api/v1/markets/{marketID}/crank/settle
// Settles a bounded batch of events and records the fills.
func (s *Service) CrankSettle(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	max := crankBatch(r)

	var req struct {
		CrankerRef string `json:"cranker_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cranker, err := uuid.Parse(req.CrankerRef)
	if err != nil {
		writeError(w, "cranker_ref must be a UUID", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	start := time.Now()
	results, crankErr := s.settler.Crank(ctx, m, cranker, max)
	metrics.CrankLatency.WithLabelValues("settle").Observe(time.Since(start).Seconds())
	metrics.EventQueueDepth.WithLabelValues(marketID).Set(float64(m.State.Events.Len()))

	for _, res := range results {
		ev := res.Event
		switch ev.Type {
		case model.Fill:
			record := model.FillRecord{
				ID:        uuid.New().String(),
				MarketID:  marketID,
				MakerRef:  s.ownerRef(ev.MakerRef),
				TakerRef:  s.ownerRef(ev.TakerRef),
				TakerSide: ev.TakerSide.String(),
				Outcome:   ev.Outcome.String(),
				Quantity:  decimal.New(int64(ev.Quantity), -6),
				Price:     market.FixedToDecimal(&ev.Price),
				Notional:  decimal.New(int64(res.Notional), -6),
				Fee:       decimal.New(int64(res.Fee), -6),
				Timestamp: time.Unix(ev.Timestamp, 0).UTC(),
			}
			if err := s.store.InsertFill(ctx, &record); err != nil {
				slog.Error("failed to record fill", "market", marketID, "order_id", ev.OrderID, "err", err)
			}
			metrics.FillsTotal.WithLabelValues(ev.TakerSide.String()).Inc()
			metrics.MarketVolume.WithLabelValues(marketID, ev.Outcome.String()).Add(record.Quantity.InexactFloat64())

			if s.wsHub != nil {
				s.wsHub.Broadcast(WSMessage{
					Type:      "fill",
					MarketID:  marketID,
					Ticker:    m.Ticker,
					Outcome:   ev.Outcome.String(),
					TakerSide: ev.TakerSide.String(),
					Price:     record.Price.String(),
					Quantity:  record.Quantity.String(),
				})
			}
		case model.Cancel:
			metrics.CancelsTotal.Inc()
		}
	}

	slog.Info("settlement cranked",
		"market", marketID,
		"settled", len(results),
		"cranker", cranker,
	)

	if crankErr != nil {
		// Partial batch; the failing event is still at the head.
		writeError(w, crankErr.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CrankResponse{Processed: len(results)})
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req struct {
		AdminRef string `json:"admin_ref"`
		Winner   string `json:"winner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	admin, err := uuid.Parse(req.AdminRef)
	if err != nil {
		writeError(w, "admin_ref must be a UUID", http.StatusBadRequest)
		return
	}
	winner, err := parseOutcome(req.Winner)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	if err := m.Resolve(admin, winner); err != nil {
		status := http.StatusConflict
		if err == market.ErrUnauthorized {
			status = http.StatusForbidden
		}
		writeError(w, err.Error(), status)
		return
	}
	metrics.ActiveMarkets.Dec()

	info := m.Info()
	if err := s.store.UpdateMarketState(r.Context(), info.ID, info.QYes, info.QNo, info.PriceYes, info.PriceNo, info.Status); err != nil {
		slog.Error("failed to persist market state", "market", marketID, "err", err)
	}

	slog.Info("market resolved", "market", marketID, "winner", winner.String())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// SettleFunds handles POST /api/v1/markets/{marketID}/settle-funds
// Pays out an open-orders record's free quote balance.
func (s *Service) SettleFunds(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req struct {
		OpenOrdersID string `json:"open_orders_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	openOrdersID, err := uuid.Parse(req.OpenOrdersID)
	if err != nil {
		writeError(w, "open_orders_id must be a UUID", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	amount, err := s.settler.SettleFunds(r.Context(), m, openOrdersID)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"paid_out": decimal.New(int64(amount), -6).String(),
	})
}

// ClaimReward handles POST /api/v1/markets/{marketID}/claim-reward
// Pays out a cranker's accrued reward.
func (s *Service) ClaimReward(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req struct {
		CrankerRef string `json:"cranker_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cranker, err := uuid.Parse(req.CrankerRef)
	if err != nil {
		writeError(w, "cranker_ref must be a UUID", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	amount, err := s.settler.ClaimReward(r.Context(), m, cranker)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"claimed": decimal.New(int64(amount), -6).String(),
	})
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns settled fills to reconstruct price history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	fills, err := s.store.GetFillsByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []model.FillRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fills)
}

// GetPortfolio handles GET /api/v1/portfolio/{accountRef}
// Returns P&L, exposure per category, and margin utilization.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountRef := chi.URLParam(r, "accountRef")
	ctx := r.Context()

	positions, err := s.store.GetAccountPositions(ctx, accountRef)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	totalPnL := decimal.Zero
	totalExposure := decimal.Zero
	totalMargin := decimal.Zero
	exposureByCategory := make(map[string]decimal.Decimal)

	for _, p := range positions {
		totalPnL = totalPnL.Add(p.UnrealizedPnL)
		totalExposure = totalExposure.Add(p.NetQty.Abs())

		if p.Category != "" {
			exposureByCategory[p.Category] = exposureByCategory[p.Category].Add(p.NetQty)
		}

		// Margin = maximum potential loss per position.
		// For binary outcomes: max loss = max(costBasis - yesQty, costBasis - noQty)
		lossIfYes := p.CostBasis.Sub(p.YesQty)
		lossIfNo := p.CostBasis.Sub(p.NoQty)
		maxLoss := lossIfYes
		if lossIfNo.GreaterThan(maxLoss) {
			maxLoss = lossIfNo
		}
		if maxLoss.IsPositive() {
			totalMargin = totalMargin.Add(maxLoss)
		}
	}

	marginUtilization := decimal.Zero
	if s.marginLimit.IsPositive() {
		marginUtilization = totalMargin.Div(s.marginLimit).Mul(decimal.NewFromInt(100)).Round(2)
	}

	portfolio := model.Portfolio{
		AccountRef:         accountRef,
		Positions:          positions,
		TotalPnL:           totalPnL,
		TotalExposure:      totalExposure,
		MarginUtilization:  marginUtilization,
		ExposureByCategory: exposureByCategory,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(portfolio)
}

// --- Helpers ---

func parseSide(s string) (model.Side, error) {
	switch s {
	case "BUY":
		return model.Buy, nil
	case "SELL":
		return model.Sell, nil
	}
	return 0, engine.ErrInvalidSide
}

func parseOutcome(s string) (model.Outcome, error) {
	switch s {
	case "YES":
		return model.Yes, nil
	case "NO":
		return model.No, nil
	}
	return 0, engine.ErrInvalidArgument
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, engine.ErrInvalidArgument
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, engine.ErrInvalidArgument
	}
	return n, nil
}

// ownerRef maps an open-orders reference to its owner for fill records, so
// positions and history aggregate per account. AMM fills keep the market ID.
func (s *Service) ownerRef(ref uuid.UUID) string {
	if rec, err := s.accounts.Get(ref); err == nil {
		return rec.Owner.String()
	}
	return ref.String()
}

// crankBatch reads the ?max= query parameter, defaulting to the full ring.
func crankBatch(r *http.Request) int {
	if q := r.URL.Query().Get("max"); q != "" {
		if n, err := parsePositiveInt(q); err == nil {
			return n
		}
	}
	return 128
}

func toDepthLevels(levels []book.Level) []DepthLevel {
	out := make([]DepthLevel, 0, len(levels))
	for _, lvl := range levels {
		price := lvl.Price
		out = append(out, DepthLevel{
			Price:    market.FixedToDecimal(&price),
			Quantity: decimal.New(int64(lvl.Quantity), -6),
			Orders:   lvl.Orders,
		})
	}
	return out
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
