package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.MarketInfo) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketState(ctx context.Context, id string, qYes, qNo, priceYes, priceNo decimal.Decimal, status string) error {
	if err := s.primary.UpdateMarketState(ctx, id, qYes, qNo, priceYes, priceNo, status); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) InsertFill(ctx context.Context, fill *model.FillRecord) error {
	if err := s.primary.InsertFill(ctx, fill); err != nil {
		return err
	}
	// Invalidate position caches for both parties.
	s.rdb.Del(ctx, positionsKey(fill.MakerRef), positionsKey(fill.TakerRef))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.MarketInfo, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.MarketInfo
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.MarketInfo, error) {
	// Try cache via ticker→marketID mapping.
	marketID, err := s.rdb.Get(ctx, tickerKey(ticker)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	// Cache miss.
	m, err := s.primary.GetMarketByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the ticker→ID mapping.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, tickerKey(ticker), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetAccountPositions(ctx context.Context, accountRef string) ([]model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionsKey(accountRef)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.GetAccountPositions(ctx, accountRef)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountRef), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.MarketInfo, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetFillsByMarket(ctx context.Context, marketID string) ([]model.FillRecord, error) {
	return s.primary.GetFillsByMarket(ctx, marketID)
}

func (s *CachedStore) GetFillsByAccount(ctx context.Context, accountRef string) ([]model.FillRecord, error) {
	return s.primary.GetFillsByAccount(ctx, accountRef)
}

func (s *CachedStore) GetAccountCategoryExposures(ctx context.Context, accountRef string) (map[string]decimal.Decimal, error) {
	return s.primary.GetAccountCategoryExposures(ctx, accountRef)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.MarketInfo) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
func tickerKey(t string) string       { return fmt.Sprintf("ticker:%s", t) }
func positionsKey(ref string) string  { return fmt.Sprintf("positions:%s", ref) }
