package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*model.MarketInfo
	fills   []model.FillRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*model.MarketInfo),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.MarketInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Ticker == m.Ticker {
			return fmt.Errorf("market for ticker %s already exists", m.Ticker)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.MarketInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s not found", id)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetMarketByTicker(_ context.Context, ticker string) (*model.MarketInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Ticker == ticker {
			copy := *m
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("market for ticker %s not found", ticker)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.MarketInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.MarketInfo, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarketState(_ context.Context, id string, qYes, qNo, priceYes, priceNo decimal.Decimal, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s not found", id)
	}
	m.QYes = qYes
	m.QNo = qNo
	m.PriceYes = priceYes
	m.PriceNo = priceNo
	m.Status = status
	return nil
}

func (s *MemoryStore) InsertFill(_ context.Context, fill *model.FillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, *fill)
	return nil
}

func (s *MemoryStore) GetFillsByMarket(_ context.Context, marketID string) ([]model.FillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FillRecord
	for _, f := range s.fills {
		if f.MarketID == marketID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetFillsByAccount(_ context.Context, accountRef string) ([]model.FillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FillRecord
	for _, f := range s.fills {
		if f.MakerRef == accountRef || f.TakerRef == accountRef {
			result = append(result, f)
		}
	}
	return result, nil
}

// buyerSeller resolves which side of a fill bought the outcome shares.
func buyerSeller(f *model.FillRecord) (buyer, seller string) {
	if f.TakerSide == model.Buy.String() {
		return f.TakerRef, f.MakerRef
	}
	return f.MakerRef, f.TakerRef
}

// GetAccountPositions aggregates fill records into positions per market.
// Computes current value and unrealized P&L using live market prices.
func (s *MemoryStore) GetAccountPositions(_ context.Context, accountRef string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type posAgg struct {
		marketID  string
		yesQty    decimal.Decimal
		noQty     decimal.Decimal
		costBasis decimal.Decimal
	}

	agg := make(map[string]*posAgg)

	// Aggregate from the fill ledger (single lock, no re-entrant calls).
	for _, f := range s.fills {
		buyer, seller := buyerSeller(&f)
		if buyer != accountRef && seller != accountRef {
			continue
		}
		pa, ok := agg[f.MarketID]
		if !ok {
			pa = &posAgg{marketID: f.MarketID}
			agg[f.MarketID] = pa
		}

		qty, cost := f.Quantity, f.Notional
		if seller == accountRef {
			qty, cost = qty.Neg(), cost.Neg()
		}
		if f.Outcome == model.Yes.String() {
			pa.yesQty = pa.yesQty.Add(qty)
		} else {
			pa.noQty = pa.noQty.Add(qty)
		}
		pa.costBasis = pa.costBasis.Add(cost)
	}

	one := decimal.NewFromInt(1)
	var positions []model.Position

	for _, pa := range agg {
		m := s.markets[pa.marketID] // direct access, already under RLock
		priceYes := decimal.NewFromFloat(0.5)
		ticker, category := "", ""
		if m != nil {
			priceYes = m.PriceYes
			ticker = m.Ticker
			category = m.Category
		}
		priceNo := one.Sub(priceYes)

		netQty := pa.yesQty.Sub(pa.noQty)
		// Mark-to-market: expected value = priceYes * yesQty + priceNo * noQty
		currentValue := priceYes.Mul(pa.yesQty).Add(priceNo.Mul(pa.noQty))
		pnl := currentValue.Sub(pa.costBasis)

		positions = append(positions, model.Position{
			AccountRef:    accountRef,
			MarketID:      pa.marketID,
			Ticker:        ticker,
			Category:      category,
			YesQty:        pa.yesQty,
			NoQty:         pa.noQty,
			NetQty:        netQty,
			CostBasis:     pa.costBasis,
			CurrentValue:  currentValue,
			UnrealizedPnL: pnl,
		})
	}

	return positions, nil
}

// GetAccountCategoryExposures returns net directional exposure per category.
func (s *MemoryStore) GetAccountCategoryExposures(ctx context.Context, accountRef string) (map[string]decimal.Decimal, error) {
	positions, err := s.GetAccountPositions(ctx, accountRef)
	if err != nil {
		return nil, err
	}

	exposures := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.Category != "" {
			exposures[p.Category] = exposures[p.Category].Add(p.NetQty)
		}
	}
	return exposures, nil
}
