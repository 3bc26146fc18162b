// Package risk implements position limits that account for correlation
// between markets in the same category.
//
// An account buying YES across twenty crypto markets ahead of one macro
// event carries correlated risk. This package enforces a per-market cap
// plus an aggregate cap on absolute exposure across a category.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerMarketLimitExceeded is returned when an order would push a
	// single market's net position beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("risk: per-market position limit exceeded")

	// ErrCategoryLimitExceeded is returned when an order would push the
	// aggregate exposure across a category beyond the category maximum.
	ErrCategoryLimitExceeded = errors.New("risk: category exposure limit exceeded")
)

// PositionLimiter enforces position limits with category correlation
// awareness. Limits apply to net directional exposure in shares; a YES
// buy and a NO buy of equal size net out.
type PositionLimiter struct {
	// MaxPerMarket is the maximum absolute net position in any single
	// market.
	MaxPerMarket decimal.Decimal

	// MaxPerCategory is the maximum aggregate absolute exposure across
	// all markets sharing a category.
	MaxPerCategory decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-market and
// category exposure limits.
func NewPositionLimiter(maxPerMarket, maxPerCategory decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket:   maxPerMarket,
		MaxPerCategory: maxPerCategory,
	}
}

// CheckLimit validates whether an order respects position limits.
//
// Parameters:
//   - targetMarket: ID of the market being traded
//   - category: the target market's category
//   - exposureDelta: signed change in exposure (+YES / -NO direction)
//   - marketExposures: market ID → current net exposure for this account
//   - categoryExposures: category → current net exposure for this account
//
// Returns nil if the order is within limits, or an error describing the
// violation.
func (l *PositionLimiter) CheckLimit(
	targetMarket, category string,
	exposureDelta decimal.Decimal,
	marketExposures map[string]decimal.Decimal,
	categoryExposures map[string]decimal.Decimal,
) error {
	// 1. Per-market limit.
	currentInMarket := marketExposures[targetMarket]
	newPosition := currentInMarket.Add(exposureDelta)

	if newPosition.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	// 2. Category exposure: the rest of the category plus the new position
	// in the target market.
	totalCategory := categoryExposures[category].Sub(currentInMarket).Abs().Add(newPosition.Abs())

	if totalCategory.GreaterThan(l.MaxPerCategory) {
		return ErrCategoryLimitExceeded
	}

	return nil
}
