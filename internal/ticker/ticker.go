// Package ticker handles market ticker parsing, validation, and derivation
// of the LMSR liquidity parameter from expected trading volume.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Supported market categories.
const (
	CategoryPolitics = "POLITICS"
	CategorySports   = "SPORTS"
	CategoryCrypto   = "CRYPTO"
	CategoryWeather  = "WEATHER"
	CategoryEcon     = "ECON"
)

var validCategories = map[string]bool{
	CategoryPolitics: true,
	CategorySports:   true,
	CategoryCrypto:   true,
	CategoryWeather:  true,
	CategoryEcon:     true,
}

// tickerRegex matches: PMX-{category}-{slug}-{YYYYMMDD}
// Example: PMX-POLITICS-SENATE-GA-RUNOFF-20261206
var tickerRegex = regexp.MustCompile(
	`^PMX-([A-Z]+)-([A-Z0-9-]+)-(\d{8})$`,
)

var (
	ErrInvalidTicker   = errors.New("ticker: invalid ticker format")
	ErrInvalidCategory = errors.New("ticker: unsupported category")
)

// Ticker represents a parsed market ticker.
type Ticker struct {
	Raw        string    `json:"ticker"`
	Category   string    `json:"category"`
	Slug       string    `json:"slug"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// Parse parses and validates a market ticker string.
// Format: PMX-{category}-{slug}-{YYYYMMDD}
func Parse(raw string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected PMX-{category}-{slug}-{YYYYMMDD})",
			ErrInvalidTicker, raw)
	}

	category := matches[1]
	slug := matches[2]
	dateStr := matches[3]

	if !validCategories[category] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}
	if strings.HasPrefix(slug, "-") || strings.HasSuffix(slug, "-") || strings.Contains(slug, "--") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTicker, raw)
	}

	expiry, err := time.Parse("20060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, dateStr)
	}

	return &Ticker{
		Raw:        raw,
		Category:   category,
		Slug:       slug,
		ExpiryDate: expiry,
	}, nil
}

// DeriveLiquidity computes the LMSR b parameter from expected daily volume
// and the time remaining to expiry. Longer-dated markets get deeper
// subsidised liquidity because more information is still unresolved; as a
// market approaches expiry the book takes over from the AMM.
func DeriveLiquidity(expectedDailyVolume decimal.Decimal, expiry, now time.Time) (decimal.Decimal, error) {
	minB := decimal.NewFromInt(10)

	days := decimal.NewFromFloat(expiry.Sub(now).Hours() / 24)
	if days.LessThanOrEqual(decimal.Zero) {
		return minB, nil
	}

	// Horizon factor saturates at 30 days so far-dated markets do not get
	// unbounded subsidy.
	thirty := decimal.NewFromInt(30)
	if days.GreaterThan(thirty) {
		days = thirty
	}
	horizon := days.Div(thirty)

	b := expectedDailyVolume.Mul(horizon)
	if b.LessThan(minB) {
		return minB, nil
	}
	return b.Round(2), nil
}
