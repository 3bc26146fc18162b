// Package market holds the per-market aggregate: lifecycle status, fee
// parameters, the matching state (books, queues, AMM reserves), and the
// order-id sequence. All request intake and matching gate on the market
// being Open; lifecycle transitions require the admin reference.
//
// The aggregate is an explicit state object passed into each operation,
// not an ambient singleton. It is initialized once by its owner and mutated
// only through the documented operations, one invocation at a time.
package market

import (
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/engine"
	"github.com/pmx/exchange-core/internal/fixed"
	"github.com/pmx/exchange-core/internal/model"
	"github.com/pmx/exchange-core/internal/queue"
)

var (
	// ErrMarketNotOpen rejects intake and matching on any non-Open market.
	ErrMarketNotOpen = errors.New("market: market is not open")

	// ErrUnauthorized rejects lifecycle transitions from anyone but the admin.
	ErrUnauthorized = errors.New("market: unauthorized")
)

// Config sizes the fixed-capacity structures and sets the economic
// parameters. Capacities are fixed at creation and never resized.
type Config struct {
	MaxPriceNodes   int
	MaxOrderEntries int
	MaxRequests     int
	MaxEvents       int

	FeeBps           uint16
	CrankerRewardBps uint16

	// BLiquidity is the LMSR liquidity parameter; QYes/QNo seed the
	// virtual reserves.
	BLiquidity uint64
	QYes       uint64
	QNo        uint64
}

// DefaultConfig mirrors the capacities the system was originally sized for.
func DefaultConfig() Config {
	return Config{
		MaxPriceNodes:    64,
		MaxOrderEntries:  128,
		MaxRequests:      64,
		MaxEvents:        128,
		FeeBps:           50,
		CrankerRewardBps: 1000,
		BLiquidity:       100,
	}
}

// Market is one binary prediction market.
type Market struct {
	ID        uuid.UUID
	Ticker    string
	Category  string
	Question  string
	Admin     uuid.UUID
	Status    model.MarketStatus
	FeeBps    uint16
	RewardBps uint16
	CreatedAt time.Time

	State engine.State

	orderSeq uint64
}

// New initializes a market with its books, queues, and AMM reserves.
func New(cfg Config, ticker, question string, admin uuid.UUID) (*Market, error) {
	if cfg.BLiquidity == 0 {
		return nil, fixed.ErrInvalidLiquidity
	}

	// Reserves and the liquidity parameter share the order-quantity unit
	// (micro-shares) so ratios against them come out correctly scaled.
	b, err := fixed.FromUnits(cfg.BLiquidity)
	if err != nil {
		return nil, err
	}
	qYes, err := fixed.FromUnits(cfg.QYes)
	if err != nil {
		return nil, err
	}
	qNo, err := fixed.FromUnits(cfg.QNo)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	m := &Market{
		ID:        id,
		Ticker:    ticker,
		Question:  question,
		Admin:     admin,
		Status:    model.Open,
		FeeBps:    cfg.FeeBps,
		RewardBps: cfg.CrankerRewardBps,
		CreatedAt: time.Now().UTC(),
		State: engine.State{
			MarketRef: id,
			Books: [2]*engine.Book{
				engine.NewBook(cfg.MaxPriceNodes, cfg.MaxOrderEntries),
				engine.NewBook(cfg.MaxPriceNodes, cfg.MaxOrderEntries),
			},
			Requests:   queue.NewRequestQueue(cfg.MaxRequests),
			Events:     queue.NewEventQueue(cfg.MaxEvents),
			QYes:       qYes,
			QNo:        qNo,
			BLiquidity: b,
		},
	}
	return m, nil
}

// NextOrderID advances the order-id sequence.
func (m *Market) NextOrderID() uint64 {
	m.orderSeq++
	return m.orderSeq
}

// SubmitRequest validates an order intent and copies it into the request
// ring. Rejections happen before any mutation: status gate first, then
// argument validation, then capacity.
func (m *Market) SubmitRequest(req model.Request) error {
	if m.Status != model.Open {
		return ErrMarketNotOpen
	}
	if req.Side != model.Buy && req.Side != model.Sell {
		return engine.ErrInvalidSide
	}
	if req.Outcome != model.Yes && req.Outcome != model.No {
		return engine.ErrInvalidArgument
	}
	switch req.Type {
	case model.NewOrder:
		if req.Quantity == 0 || req.Price.IsZero() {
			return engine.ErrInvalidArgument
		}
	case model.MarketOrder:
		if req.Quantity == 0 {
			return engine.ErrInvalidArgument
		}
	case model.CancelOrder:
		// No price/quantity to validate.
	default:
		return engine.ErrInvalidArgument
	}
	return m.State.Requests.Enqueue(req)
}

// SubmitCancel enqueues a cancel intent for a resting order. Whether the
// order is still resting is decided by request order within the ring, not
// here: a cancel racing a fill loses if the fill's request drained first.
func (m *Market) SubmitCancel(owner, openOrders uuid.UUID, orderID uint64, outcome model.Outcome) error {
	return m.SubmitRequest(model.Request{
		Type:       model.CancelOrder,
		Owner:      owner,
		OpenOrders: openOrders,
		OrderID:    orderID,
		Outcome:    outcome,
		Timestamp:  time.Now().Unix(),
	})
}

// RunMatching drains up to maxRequests intents through the matching engine.
func (m *Market) RunMatching(maxRequests int) (int, []engine.Failure) {
	if m.Status != model.Open {
		return 0, nil
	}
	return m.State.RunMatching(maxRequests, time.Now().Unix())
}

// DrainEvents consumes up to maxEvents from the event ring for settlement.
// Draining is not gated on status: a paused or resolved market still needs
// its pipeline emptied.
func (m *Market) DrainEvents(maxEvents int) []model.Event {
	return m.State.Events.PopUpTo(maxEvents)
}

// Pause stops intake and matching without discarding state.
func (m *Market) Pause(admin uuid.UUID) error {
	if admin != m.Admin {
		return ErrUnauthorized
	}
	if m.Status != model.Open {
		return ErrMarketNotOpen
	}
	m.Status = model.Paused
	return nil
}

// Resume reopens a paused market.
func (m *Market) Resume(admin uuid.UUID) error {
	if admin != m.Admin {
		return ErrUnauthorized
	}
	if m.Status != model.Paused {
		return ErrMarketNotOpen
	}
	m.Status = model.Open
	return nil
}

// Resolve finalizes the market with the winning outcome.
func (m *Market) Resolve(admin uuid.UUID, winner model.Outcome) error {
	if admin != m.Admin {
		return ErrUnauthorized
	}
	switch m.Status {
	case model.Open, model.Paused:
	default:
		return ErrMarketNotOpen
	}
	if winner == model.Yes {
		m.Status = model.ResolvedYes
	} else {
		m.Status = model.ResolvedNo
	}
	return nil
}

// CancelMarket voids the market entirely.
func (m *Market) CancelMarket(admin uuid.UUID) error {
	if admin != m.Admin {
		return ErrUnauthorized
	}
	switch m.Status {
	case model.Open, model.Paused:
	default:
		return ErrMarketNotOpen
	}
	m.Status = model.Cancelled
	return nil
}

// PriceYes returns the instantaneous AMM probability of the YES outcome.
func (m *Market) PriceYes() (uint256.Int, error) {
	return fixed.PricePerToken(&m.State.QYes, &m.State.QNo, &m.State.BLiquidity, true)
}

// PriceNo returns the instantaneous AMM probability of the NO outcome.
func (m *Market) PriceNo() (uint256.Int, error) {
	return fixed.PricePerToken(&m.State.QYes, &m.State.QNo, &m.State.BLiquidity, false)
}

// Info snapshots the market for the store and API, converting fixed-point
// values to decimals.
func (m *Market) Info() model.MarketInfo {
	priceYes, errYes := m.PriceYes()
	priceNo, errNo := m.PriceNo()

	info := model.MarketInfo{
		ID:               m.ID.String(),
		Ticker:           m.Ticker,
		Category:         m.Category,
		Question:         m.Question,
		Status:           m.Status.String(),
		QYes:             FixedToDecimal(&m.State.QYes),
		QNo:              FixedToDecimal(&m.State.QNo),
		B:                FixedToDecimal(&m.State.BLiquidity),
		FeeBps:           m.FeeBps,
		CrankerRewardBps: m.RewardBps,
		CreatedAt:        m.CreatedAt,
	}
	if errYes == nil {
		info.PriceYes = FixedToDecimal(&priceYes)
	}
	if errNo == nil {
		info.PriceNo = FixedToDecimal(&priceNo)
	}
	return info
}

// FixedToDecimal converts a scale-10^6 fixed-point value to a decimal.
func FixedToDecimal(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -6)
}

// DecimalToFixed converts a decimal to scale-10^6 fixed-point, failing on
// negative values or values exceeding 128 bits.
func DecimalToFixed(d decimal.Decimal) (uint256.Int, error) {
	if d.IsNegative() {
		return uint256.Int{}, engine.ErrInvalidArgument
	}
	scaled := d.Shift(6).Truncate(0)
	var bi big.Int
	bi.Set(scaled.BigInt())
	z, overflow := uint256.FromBig(&bi)
	if overflow || z.BitLen() > 128 {
		return uint256.Int{}, fixed.ErrMath
	}
	return *z, nil
}
