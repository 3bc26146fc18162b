// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing). The matching core never touches this
// package; the API layer snapshots market state and settled fills into it.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market snapshot.
	CreateMarket(ctx context.Context, market *model.MarketInfo) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.MarketInfo, error)

	// GetMarketByTicker retrieves a market by its ticker.
	GetMarketByTicker(ctx context.Context, ticker string) (*model.MarketInfo, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.MarketInfo, error)

	// UpdateMarketState updates AMM reserves, prices, and status after a
	// crank.
	UpdateMarketState(ctx context.Context, id string, qYes, qNo, priceYes, priceNo decimal.Decimal, status string) error

	// --- Immutable fill ledger ---

	// InsertFill appends an immutable settled-fill record.
	InsertFill(ctx context.Context, fill *model.FillRecord) error

	// GetFillsByMarket returns all settled fills for a market.
	GetFillsByMarket(ctx context.Context, marketID string) ([]model.FillRecord, error)

	// GetFillsByAccount returns all fills an account took part in, as
	// maker or taker.
	GetFillsByAccount(ctx context.Context, accountRef string) ([]model.FillRecord, error)

	// --- Position queries ---

	// GetAccountPositions computes aggregate positions from the fill
	// ledger.
	GetAccountPositions(ctx context.Context, accountRef string) ([]model.Position, error)

	// GetAccountCategoryExposures returns net directional exposure per
	// market category.
	GetAccountCategoryExposures(ctx context.Context, accountRef string) (map[string]decimal.Decimal, error)
}
