// Package model defines the core domain types shared across the exchange
// core: request/event records moving through the ring buffers, the market
// status machine, and the store-facing snapshot types.
//
// Request and Event are fixed-width value records. They are copied into and
// out of the queue arrays; ownership transfers on enqueue/dequeue and a
// record is never mutated after it has been enqueued.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Side is the order side within one outcome book.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Outcome identifies which binary outcome a record refers to.
type Outcome uint8

const (
	Yes Outcome = iota
	No
)

func (o Outcome) String() string {
	if o == Yes {
		return "YES"
	}
	return "NO"
}

// RequestType discriminates the intents accepted by the request queue.
type RequestType uint8

const (
	NewOrder RequestType = iota
	CancelOrder
	MarketOrder
)

// EventType discriminates the outcomes pushed to the event queue.
type EventType uint8

const (
	Fill EventType = iota
	Cancel
)

// MarketStatus is the market lifecycle state machine. Only Open markets
// accept requests and run matching.
type MarketStatus uint8

const (
	Open MarketStatus = iota
	Paused
	ResolvedYes
	ResolvedNo
	Cancelled
)

func (s MarketStatus) String() string {
	switch s {
	case Open:
		return "open"
	case Paused:
		return "paused"
	case ResolvedYes:
		return "resolved_yes"
	case ResolvedNo:
		return "resolved_no"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Request is an intake intent. Immutable once enqueued; consumed exactly
// once by the matching engine.
type Request struct {
	Type       RequestType
	Owner      uuid.UUID // account reference of the submitter
	OpenOrders uuid.UUID // open-orders record the submitter trades through
	Side       Side
	Price      uint256.Int // limit price, fixed-point scale 10^6
	Quantity   uint64      // outcome shares
	OrderID    uint64
	ClientID   uint64
	OwnerSlot  uint16 // open-orders slot reserved at intake for the resting remainder
	Outcome    Outcome
	Timestamp  int64
}

// NoSlot marks an event party holding no open-orders slot: the market
// itself as AMM maker, and market-order takers that lock nothing at intake.
const NoSlot uint16 = 0xffff

// Event is a match outcome. Immutable once enqueued; consumed exactly once
// by the settlement pass via the head/count advance (no replay).
type Event struct {
	Type      EventType
	MakerRef  uuid.UUID // maker's open-orders record; market ID for AMM fills
	MakerSlot uint16
	TakerRef  uuid.UUID
	TakerSlot uint16 // taker's open-orders slot; NoSlot for market orders
	TakerSide Side
	Price     uint256.Int // fill price, fixed-point scale 10^6
	Quantity  uint64
	OrderID   uint64
	Outcome   Outcome
	Timestamp int64
}

// MarketInfo is the store/API-facing market snapshot. Monetary values use
// shopspring/decimal — never float64 for money.
type MarketInfo struct {
	ID               string          `json:"id" db:"id"`
	Ticker           string          `json:"ticker" db:"ticker"`
	Category         string          `json:"category" db:"category"`
	Question         string          `json:"question" db:"question"`
	Status           string          `json:"status" db:"status"`
	QYes             decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo              decimal.Decimal `json:"q_no" db:"q_no"`
	B                decimal.Decimal `json:"b" db:"b"` // LMSR liquidity parameter
	PriceYes         decimal.Decimal `json:"price_yes" db:"price_yes"`
	PriceNo          decimal.Decimal `json:"price_no" db:"price_no"`
	FeeBps           uint16          `json:"fee_bps" db:"fee_bps"`
	CrankerRewardBps uint16          `json:"cranker_reward_bps" db:"cranker_reward_bps"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// FillRecord is an immutable record of a settled fill. Once created, these
// are never modified or deleted.
type FillRecord struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	MakerRef  string          `json:"maker_ref" db:"maker_ref"`
	TakerRef  string          `json:"taker_ref" db:"taker_ref"`
	TakerSide string          `json:"taker_side" db:"taker_side"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Notional  decimal.Decimal `json:"notional" db:"notional"` // quote moved at the maker price
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Portfolio is the aggregate view of an account across all markets.
type Portfolio struct {
	AccountRef         string                     `json:"account_ref"`
	Positions          []Position                 `json:"positions"`
	TotalPnL           decimal.Decimal            `json:"total_pnl"`
	TotalExposure      decimal.Decimal            `json:"total_exposure"`
	MarginUtilization  decimal.Decimal            `json:"margin_utilization"` // percent of margin limit
	ExposureByCategory map[string]decimal.Decimal `json:"exposure_by_category"`
}

// Position is an account's aggregate holding in one market, derived from
// its fill records. Quantities are signed; a negative YesQty means the
// account is net short YES through sells.
type Position struct {
	AccountRef    string          `json:"account_ref" db:"account_ref"`
	MarketID      string          `json:"market_id" db:"market_id"`
	Ticker        string          `json:"ticker" db:"ticker"`
	Category      string          `json:"category" db:"category"`
	YesQty        decimal.Decimal `json:"yes_qty" db:"yes_qty"`
	NoQty         decimal.Decimal `json:"no_qty" db:"no_qty"`
	NetQty        decimal.Decimal `json:"net_qty" db:"net_qty"`
	CostBasis     decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	CurrentValue  decimal.Decimal `json:"current_value" db:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
}
