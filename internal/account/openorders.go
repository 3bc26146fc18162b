// Package account holds the per-owner open-orders records the settlement
// pass credits and debits. Each record is fixed-width: a bounded slot array
// tracked by a bitmap, plus free/locked balances in base (outcome shares)
// and quote (USDC) with checked arithmetic throughout. The registry is the
// in-memory stand-in for the durable account-storage collaborator.
package account

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/pmx/exchange-core/internal/fixed"
	"github.com/pmx/exchange-core/internal/model"
)

// MaxOpenOrderSlots bounds the resting orders one record can track.
const MaxOpenOrderSlots = 16

var (
	// ErrMaxOrdersReached is returned when every slot is in use.
	ErrMaxOrdersReached = errors.New("account: exceeded max open orders")

	// ErrInsufficientBalance is returned when a debit exceeds the
	// corresponding balance.
	ErrInsufficientBalance = errors.New("account: insufficient balance")

	// ErrNotFound is returned for an unknown open-orders reference.
	ErrNotFound = errors.New("account: open-orders record not found")
)

// OrderSlot mirrors one resting order for client-side queries and cancels.
type OrderSlot struct {
	Active            bool
	OrderID           uint64
	Price             uint256.Int
	Side              model.Side
	QuantityRemaining uint64
	Outcome           model.Outcome
}

// OpenOrders is one owner's record within a market.
type OpenOrders struct {
	ID    uuid.UUID
	Owner uuid.UUID

	FreeBase    uint256.Int
	FreeQuote   uint256.Int
	LockedBase  uint256.Int
	LockedQuote uint256.Int

	SlotsBitmap uint16
	Slots       [MaxOpenOrderSlots]OrderSlot
}

// AcquireSlot claims the lowest free slot and records the resting order.
func (o *OpenOrders) AcquireSlot(orderID uint64, price *uint256.Int, side model.Side, quantity uint64, outcome model.Outcome) (uint16, error) {
	for i := uint16(0); i < MaxOpenOrderSlots; i++ {
		if o.SlotsBitmap&(1<<i) != 0 {
			continue
		}
		o.SlotsBitmap |= 1 << i
		o.Slots[i] = OrderSlot{
			Active:            true,
			OrderID:           orderID,
			Price:             *price,
			Side:              side,
			QuantityRemaining: quantity,
			Outcome:           outcome,
		}
		return i, nil
	}
	return 0, ErrMaxOrdersReached
}

// ReleaseSlot clears slot i. Releasing an inactive slot is a no-op.
func (o *OpenOrders) ReleaseSlot(i uint16) {
	if i >= MaxOpenOrderSlots {
		return
	}
	o.SlotsBitmap &^= 1 << i
	o.Slots[i] = OrderSlot{}
}

// ReduceSlot decrements the remaining quantity of slot i, releasing it when
// it reaches zero.
func (o *OpenOrders) ReduceSlot(i uint16, quantity uint64) {
	if i >= MaxOpenOrderSlots || !o.Slots[i].Active {
		return
	}
	if o.Slots[i].QuantityRemaining <= quantity {
		o.ReleaseSlot(i)
		return
	}
	o.Slots[i].QuantityRemaining -= quantity
}

// LockQuote moves amount from free to locked quote.
func (o *OpenOrders) LockQuote(amount *uint256.Int) error {
	f, err := fixed.Sub(&o.FreeQuote, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	l, err := fixed.Add(&o.LockedQuote, amount)
	if err != nil {
		return err
	}
	o.FreeQuote, o.LockedQuote = f, l
	return nil
}

// UnlockQuote moves amount from locked back to free quote.
func (o *OpenOrders) UnlockQuote(amount *uint256.Int) error {
	l, err := fixed.Sub(&o.LockedQuote, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	f, err := fixed.Add(&o.FreeQuote, amount)
	if err != nil {
		return err
	}
	o.LockedQuote, o.FreeQuote = l, f
	return nil
}

// SpendLockedQuote consumes amount from the locked quote balance (a buy
// reservation turning into a fill payment).
func (o *OpenOrders) SpendLockedQuote(amount *uint256.Int) error {
	l, err := fixed.Sub(&o.LockedQuote, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	o.LockedQuote = l
	return nil
}

// CreditQuote adds amount to the free quote balance.
func (o *OpenOrders) CreditQuote(amount *uint256.Int) error {
	f, err := fixed.Add(&o.FreeQuote, amount)
	if err != nil {
		return err
	}
	o.FreeQuote = f
	return nil
}

// LockBase moves amount from free to locked base.
func (o *OpenOrders) LockBase(amount *uint256.Int) error {
	f, err := fixed.Sub(&o.FreeBase, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	l, err := fixed.Add(&o.LockedBase, amount)
	if err != nil {
		return err
	}
	o.FreeBase, o.LockedBase = f, l
	return nil
}

// UnlockBase moves amount from locked back to free base.
func (o *OpenOrders) UnlockBase(amount *uint256.Int) error {
	l, err := fixed.Sub(&o.LockedBase, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	f, err := fixed.Add(&o.FreeBase, amount)
	if err != nil {
		return err
	}
	o.LockedBase, o.FreeBase = l, f
	return nil
}

// SpendLockedBase consumes amount from the locked base balance.
func (o *OpenOrders) SpendLockedBase(amount *uint256.Int) error {
	l, err := fixed.Sub(&o.LockedBase, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	o.LockedBase = l
	return nil
}

// CreditBase adds amount to the free base balance.
func (o *OpenOrders) CreditBase(amount *uint256.Int) error {
	f, err := fixed.Add(&o.FreeBase, amount)
	if err != nil {
		return err
	}
	o.FreeBase = f
	return nil
}

// SettleFunds zeroes the free quote balance and returns the amount for the
// custody collaborator to pay out.
func (o *OpenOrders) SettleFunds() uint256.Int {
	out := o.FreeQuote
	o.FreeQuote = uint256.Int{}
	return out
}

// Registry is an in-memory open-orders store keyed by record ID.
type Registry struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*OpenOrders
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[uuid.UUID]*OpenOrders)}
}

// Create allocates a record for owner and returns it.
func (r *Registry) Create(owner uuid.UUID) *OpenOrders {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := &OpenOrders{ID: uuid.New(), Owner: owner}
	r.records[o.ID] = o
	return o
}

// Get returns the record with the given ID.
func (r *Registry) Get(id uuid.UUID) (*OpenOrders, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}
