// Package settle drains the event ring and turns fills and cancels into
// balance updates and transfer intents. It is the sole consumer of the
// event queue; one crank processes a bounded batch because each settled
// fill costs an external transfer call. The core never calls back in here.
//
// Money only moves through the Ledger collaborator. Open-orders records
// are adjusted first, then the transfer intents are issued; an event is
// consumed from the ring only after it settles, so a failed event aborts
// the batch without losing the remainder.
package settle

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/pmx/exchange-core/internal/account"
	"github.com/pmx/exchange-core/internal/fixed"
	"github.com/pmx/exchange-core/internal/market"
	"github.com/pmx/exchange-core/internal/model"
)

const bpsDenominator = 10_000

// Ledger is the external custody collaborator that actually moves quote
// tokens and mints/burns outcome shares. The market's vault is addressed
// by the market ID.
type Ledger interface {
	// TransferQuote moves a raw quote amount between parties.
	TransferQuote(ctx context.Context, from, to uuid.UUID, amount uint64) error

	// TransferOutcome moves outcome shares between parties.
	TransferOutcome(ctx context.Context, from, to uuid.UUID, outcome model.Outcome, quantity uint64) error
}

// Settler consumes events for one or more markets against the shared
// account registry.
type Settler struct {
	accounts *account.Registry
	ledger   Ledger

	feePool        uint256.Int
	crankerRewards map[uuid.UUID]uint256.Int
}

// NewSettler wires the settlement pass to its collaborators.
func NewSettler(accounts *account.Registry, ledger Ledger) *Settler {
	return &Settler{
		accounts:       accounts,
		ledger:         ledger,
		crankerRewards: make(map[uuid.UUID]uint256.Int),
	}
}

// FeePool returns the accumulated protocol fees net of cranker rewards, in
// quote micro-units.
func (s *Settler) FeePool() uint64 { return s.feePool.Uint64() }

// CrankerReward returns the reward accrued to one cranker.
func (s *Settler) CrankerReward(cranker uuid.UUID) uint64 {
	r := s.crankerRewards[cranker]
	return r.Uint64()
}

// Result is one settled event with the quote amounts the pass computed
// for it. Notional and Fee are zero for cancels.
type Result struct {
	Event    model.Event
	Notional uint64
	Fee      uint64
}

// Crank settles up to maxEvents from the market's event ring. Each event is
// consumed only once it has fully settled; a failure aborts the batch and
// leaves the failing event at the head for the next crank.
func (s *Settler) Crank(ctx context.Context, m *market.Market, cranker uuid.UUID, maxEvents int) ([]Result, error) {
	events := m.State.Events.PeekUpTo(maxEvents)
	results := make([]Result, 0, len(events))
	for _, ev := range events {
		res := Result{Event: ev}
		var err error
		switch ev.Type {
		case model.Fill:
			res.Notional, res.Fee, err = s.settleFill(ctx, m, cranker, ev)
		case model.Cancel:
			err = s.settleCancel(ev)
		}
		if err != nil {
			return results, err
		}
		m.State.Events.PopUpTo(1)
		results = append(results, res)
	}
	return results, nil
}

// settleFill moves quote from buyer to seller at the maker's price, charges
// the fee out of the seller's proceeds, and hands the shares to the buyer:
//
//	usdc   = price · quantity / Scale
//	fee    = usdc · feeBps / 10000
//	reward = fee · crankerRewardBps / 10000
func (s *Settler) settleFill(ctx context.Context, m *market.Market, cranker uuid.UUID, ev model.Event) (uint64, uint64, error) {
	qty := uint256.NewInt(ev.Quantity)
	usdc, err := fixed.Mul(&ev.Price, qty)
	if err != nil {
		return 0, 0, err
	}
	feeBps := uint256.NewInt(uint64(m.FeeBps))
	fee, err := fixed.MulDiv(&usdc, feeBps, uint256.NewInt(bpsDenominator))
	if err != nil {
		return 0, 0, err
	}
	rewardBps := uint256.NewInt(uint64(m.RewardBps))
	reward, err := fixed.MulDiv(&fee, rewardBps, uint256.NewInt(bpsDenominator))
	if err != nil {
		return 0, 0, err
	}
	proceeds, err := fixed.Sub(&usdc, &fee)
	if err != nil {
		return 0, 0, err
	}

	buyerRef, sellerRef := ev.TakerRef, ev.MakerRef
	buyerSlot, sellerSlot := ev.TakerSlot, ev.MakerSlot
	if ev.TakerSide == model.Sell {
		buyerRef, sellerRef = ev.MakerRef, ev.TakerRef
		buyerSlot, sellerSlot = ev.MakerSlot, ev.TakerSlot
	}

	// Open-orders bookkeeping. A party without a slot (the AMM as maker, a
	// market-order taker) holds no reservation and settles purely through
	// the vault intents below.
	if buyer, lookupErr := s.accounts.Get(buyerRef); lookupErr == nil {
		if buyerSlot != model.NoSlot {
			// The intake reservation for this portion is priced at the
			// order's own limit. A taker filling below its limit spends the
			// fill value and gets the difference unlocked, not stranded.
			reserved := usdc
			if buyerSlot < account.MaxOpenOrderSlots && buyer.Slots[buyerSlot].Active {
				reserved, err = fixed.Mul(&buyer.Slots[buyerSlot].Price, qty)
				if err != nil {
					return 0, 0, err
				}
			}
			if reserved.Gt(&buyer.LockedQuote) {
				reserved = buyer.LockedQuote
			}
			spend := usdc
			if spend.Gt(&reserved) {
				spend = reserved
			}
			if err := buyer.SpendLockedQuote(&spend); err != nil {
				return 0, 0, err
			}
			refund, err := fixed.Sub(&reserved, &spend)
			if err != nil {
				return 0, 0, err
			}
			if !refund.IsZero() {
				if err := buyer.UnlockQuote(&refund); err != nil {
					return 0, 0, err
				}
			}
			buyer.ReduceSlot(buyerSlot, ev.Quantity)
		}
		if err := buyer.CreditBase(qty); err != nil {
			return 0, 0, err
		}
	}
	if seller, lookupErr := s.accounts.Get(sellerRef); lookupErr == nil {
		if sellerSlot != model.NoSlot {
			spend := *qty
			if seller.LockedBase.Lt(&spend) {
				spend = seller.LockedBase
			}
			if err := seller.SpendLockedBase(&spend); err != nil {
				return 0, 0, err
			}
			seller.ReduceSlot(sellerSlot, ev.Quantity)
		}
		if err := seller.CreditQuote(&proceeds); err != nil {
			return 0, 0, err
		}
	}

	// Transfer intents: everything flows through the market vault, which
	// already holds the buyer's reservation from intake.
	if err := s.ledger.TransferQuote(ctx, m.ID, sellerRef, proceeds.Uint64()); err != nil {
		return 0, 0, err
	}
	if err := s.ledger.TransferOutcome(ctx, sellerRef, buyerRef, ev.Outcome, ev.Quantity); err != nil {
		return 0, 0, err
	}

	pool, err := fixed.Sub(&fee, &reward)
	if err != nil {
		return 0, 0, err
	}
	if s.feePool, err = fixed.Add(&s.feePool, &pool); err != nil {
		return 0, 0, err
	}
	accrued := s.crankerRewards[cranker]
	if accrued, err = fixed.Add(&accrued, &reward); err != nil {
		return 0, 0, err
	}
	s.crankerRewards[cranker] = accrued
	return usdc.Uint64(), fee.Uint64(), nil
}

// settleCancel releases the cancelled order's reservation back to the
// owner's free balance and clears its open-orders slot.
func (s *Settler) settleCancel(ev model.Event) error {
	owner, err := s.accounts.Get(ev.MakerRef)
	if err != nil {
		// Record gone; nothing to release.
		return nil
	}

	if ev.TakerSide == model.Buy {
		qty := uint256.NewInt(ev.Quantity)
		reserved, err := fixed.Mul(&ev.Price, qty)
		if err != nil {
			return err
		}
		if reserved.Gt(&owner.LockedQuote) {
			reserved = owner.LockedQuote
		}
		if err := owner.UnlockQuote(&reserved); err != nil {
			return err
		}
	} else {
		qty := uint256.NewInt(ev.Quantity)
		release := *qty
		if release.Gt(&owner.LockedBase) {
			release = owner.LockedBase
		}
		if err := owner.UnlockBase(&release); err != nil {
			return err
		}
	}

	owner.ReleaseSlot(ev.MakerSlot)
	return nil
}

// SettleFunds pays out an owner's free quote balance from the market vault
// and zeroes it. The record keeps its slots and locked balances.
func (s *Settler) SettleFunds(ctx context.Context, m *market.Market, openOrders uuid.UUID) (uint64, error) {
	rec, err := s.accounts.Get(openOrders)
	if err != nil {
		return 0, err
	}
	amount := rec.SettleFunds()
	if amount.IsZero() {
		return 0, nil
	}
	if err := s.ledger.TransferQuote(ctx, m.ID, rec.Owner, amount.Uint64()); err != nil {
		// Payout failed; put the balance back.
		if cerr := rec.CreditQuote(&amount); cerr != nil {
			return 0, cerr
		}
		return 0, err
	}
	return amount.Uint64(), nil
}

// ClaimReward pays a cranker's accrued reward out of the market vault and
// resets the accrual.
func (s *Settler) ClaimReward(ctx context.Context, m *market.Market, cranker uuid.UUID) (uint64, error) {
	reward, ok := s.crankerRewards[cranker]
	if !ok || reward.IsZero() {
		return 0, nil
	}
	if err := s.ledger.TransferQuote(ctx, m.ID, cranker, reward.Uint64()); err != nil {
		return 0, err
	}
	delete(s.crankerRewards, cranker)
	return reward.Uint64(), nil
}

// MemoryLedger records transfer intents in memory. It stands in for the
// on-ledger custody layer in tests and development.
type MemoryLedger struct {
	mu       sync.Mutex
	Quote    []QuoteTransfer
	Outcomes []OutcomeTransfer
}

// QuoteTransfer is one recorded quote movement.
type QuoteTransfer struct {
	From, To uuid.UUID
	Amount   uint64
}

// OutcomeTransfer is one recorded share movement.
type OutcomeTransfer struct {
	From, To uuid.UUID
	Outcome  model.Outcome
	Quantity uint64
}

// NewMemoryLedger creates an empty recording ledger.
func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

func (l *MemoryLedger) TransferQuote(_ context.Context, from, to uuid.UUID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Quote = append(l.Quote, QuoteTransfer{From: from, To: to, Amount: amount})
	return nil
}

func (l *MemoryLedger) TransferOutcome(_ context.Context, from, to uuid.UUID, outcome model.Outcome, quantity uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Outcomes = append(l.Outcomes, OutcomeTransfer{From: from, To: to, Outcome: outcome, Quantity: quantity})
	return nil
}
