// Package engine implements the matching core: it drains the request ring,
// crosses incoming orders against the opposing book side in price-time
// priority, falls back to the LMSR AMM when the book cannot fill, rests
// limit remainders, and appends every outcome to the event ring for the
// settlement pass.
//
// Each request moves through Matching (crossing while quantity remains and
// a crossable best price exists), then Resting (inserting any leftover into
// its own side), then Done. Batch semantics commit per request: a failing
// request is aborted and reported, already-processed requests in the batch
// stay committed.
package engine

import (
	"errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/pmx/exchange-core/internal/book"
	"github.com/pmx/exchange-core/internal/fixed"
	"github.com/pmx/exchange-core/internal/model"
	"github.com/pmx/exchange-core/internal/queue"
)

var (
	// ErrInvalidArgument is returned for a request whose price or quantity
	// is not positive where one is required.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// ErrInvalidSide is returned for an unknown order side.
	ErrInvalidSide = errors.New("engine: invalid order side")

	// ErrOrderNotFound is returned by a cancel whose order id is not
	// resting in the book.
	ErrOrderNotFound = errors.New("engine: order not found")
)

// Book pairs the two slabs of one outcome's order book.
type Book struct {
	Bids *book.Slab
	Asks *book.Slab
}

// NewBook allocates both sides with the given fixed capacities.
func NewBook(maxPriceNodes, maxOrderEntries int) *Book {
	return &Book{
		Bids: book.NewSlab(true, maxPriceNodes, maxOrderEntries),
		Asks: book.NewSlab(false, maxPriceNodes, maxOrderEntries),
	}
}

// State is the mutable matching state of one market: one book per outcome,
// the two ring buffers, and the AMM virtual reserves. The engine is the
// exclusive mutator during a matching invocation; no locking is needed
// because each external call is a single non-preemptible step.
type State struct {
	MarketRef uuid.UUID // maker reference used for AMM fills

	Books    [2]*Book // indexed by model.Outcome
	Requests *queue.RequestQueue
	Events   *queue.EventQueue

	QYes       uint256.Int // AMM virtual reserve, YES shares
	QNo        uint256.Int // AMM virtual reserve, NO shares
	BLiquidity uint256.Int // LMSR liquidity parameter
}

// Failure reports one aborted request within a matching batch.
type Failure struct {
	OrderID  uint64
	ClientID uint64
	Err      error
}

// RunMatching drains up to maxRequests from the request ring and processes
// each in FIFO order. Draining stops while the event ring is completely
// full: every request needs at least one free event slot for its outcome,
// so back-pressure falls through to the request ring until a settlement
// crank makes room. Failed requests are aborted individually and reported;
// the rest of the batch proceeds.
func (s *State) RunMatching(maxRequests int, now int64) (processed int, failures []Failure) {
	for i := 0; i < maxRequests; i++ {
		if s.Events.Len() >= s.Events.Cap() {
			break
		}
		batch := s.Requests.DequeueUpTo(1)
		if len(batch) == 0 {
			break
		}
		req := batch[0]
		if err := s.matchOne(req, now); err != nil {
			failures = append(failures, Failure{OrderID: req.OrderID, ClientID: req.ClientID, Err: err})
			continue
		}
		processed++
	}
	return processed, failures
}

func (s *State) matchOne(req model.Request, now int64) error {
	if req.Side != model.Buy && req.Side != model.Sell {
		return ErrInvalidSide
	}
	if req.Type == model.CancelOrder {
		return s.cancel(req, now)
	}
	return s.match(req, now)
}

// cancel removes a still-resting order. It bypasses the matching walk
// entirely: the order is located by id, unlinked, and translated into a
// Cancel event carrying the released quantity and reservation. A cancel
// racing a fill is resolved purely by request order in the ring; an id
// that already filled or cancelled fails with ErrOrderNotFound and
// mutates nothing.
func (s *State) cancel(req model.Request, now int64) error {
	// Reserve event headroom before touching the book so a full event ring
	// cannot strand a half-removed order.
	if s.Events.Len() >= s.Events.Cap() {
		return queue.ErrEventQueueFull
	}

	bk := s.Books[req.Outcome]
	side := model.Buy
	slab := bk.Bids
	entryIdx, nodeIdx, err := slab.UnlinkOrder(req.OrderID)
	if err != nil {
		side = model.Sell
		slab = bk.Asks
		entryIdx, nodeIdx, err = slab.UnlinkOrder(req.OrderID)
	}
	if err != nil {
		return ErrOrderNotFound
	}

	entry := *slab.Entry(entryIdx)
	price := slab.Node(nodeIdx).Key
	slab.FreeOrderEntry(entryIdx)
	if slab.ChainEmpty(nodeIdx) {
		slab.Remove(nodeIdx)
	}

	return s.Events.Push(model.Event{
		Type:      model.Cancel,
		MakerRef:  entry.Owner,
		MakerSlot: entry.OwnerSlot,
		TakerSlot: model.NoSlot,
		TakerSide: side,
		Price:     price,
		Quantity:  entry.Quantity,
		OrderID:   req.OrderID,
		Outcome:   req.Outcome,
		Timestamp: now,
	})
}

func (s *State) match(req model.Request, now int64) error {
	remaining, err := s.cross(req, now)
	if err == nil {
		return nil
	}

	// An aborted limit order still owns its intake funds lock and
	// open-orders slot. The unfilled remainder is translated into a Cancel
	// event so the settlement pass releases them; cross held one event slot
	// back for exactly this push, so it cannot fail here.
	if req.Type == model.NewOrder && remaining > 0 {
		_ = s.Events.Push(model.Event{
			Type:      model.Cancel,
			MakerRef:  req.OpenOrders,
			MakerSlot: req.OwnerSlot,
			TakerSlot: model.NoSlot,
			TakerSide: req.Side,
			Price:     req.Price,
			Quantity:  remaining,
			OrderID:   req.OrderID,
			Outcome:   req.Outcome,
			Timestamp: now,
		})
	}
	return err
}

// cross walks the opposing side and the AMM fallback. On error it returns
// the still-unfilled remainder so match can compensate the intake
// reservation for it.
func (s *State) cross(req model.Request, now int64) (uint64, error) {
	remaining := req.Quantity
	if remaining == 0 {
		return 0, nil
	}

	bk := s.Books[req.Outcome]
	opp, own := bk.Asks, bk.Bids
	if req.Side == model.Sell {
		opp, own = bk.Bids, bk.Asks
	}

	// Limit orders keep one event slot in reserve so an abort can always
	// emit its compensating Cancel. Market orders lock nothing at intake
	// and need no such reserve.
	holdback := 0
	takerSlot := model.NoSlot
	if req.Type == model.NewOrder {
		holdback = 1
		takerSlot = req.OwnerSlot
	}

	for remaining > 0 {
		bestIdx := opp.Best()
		if bestIdx < 0 {
			break
		}
		bestPrice := opp.Node(bestIdx).Key

		// Crossing test: a buy crosses when best ask <= limit, a sell when
		// best bid >= limit. Market orders take any liquidity.
		if req.Type != model.MarketOrder {
			if req.Side == model.Buy && bestPrice.Gt(&req.Price) {
				break
			}
			if req.Side == model.Sell && bestPrice.Lt(&req.Price) {
				break
			}
		}

		headIdx := opp.Node(bestIdx).OrderHead
		if headIdx < 0 {
			break
		}
		entry := opp.Entry(headIdx)

		matched := remaining
		if entry.Quantity < matched {
			matched = entry.Quantity
		}

		if s.Events.Cap()-s.Events.Len() <= holdback {
			return remaining, queue.ErrEventQueueFull
		}

		// Fills execute at the maker's resting price; price improvement
		// goes to the taker.
		if err := s.Events.Push(model.Event{
			Type:      model.Fill,
			MakerRef:  entry.Owner,
			MakerSlot: entry.OwnerSlot,
			TakerRef:  req.OpenOrders,
			TakerSlot: takerSlot,
			TakerSide: req.Side,
			Price:     bestPrice,
			Quantity:  matched,
			OrderID:   entry.OrderID,
			Outcome:   req.Outcome,
			Timestamp: now,
		}); err != nil {
			return remaining, err
		}

		if entry.Quantity > matched {
			entry.Quantity -= matched
			if !entry.Reserved.IsZero() {
				qty := uint256.NewInt(entry.Quantity)
				reserved, err := fixed.Mul(&bestPrice, qty)
				if err != nil {
					return remaining, err
				}
				entry.Reserved = reserved
			}
		} else {
			slot, err := opp.PopFrontOrder(bestIdx)
			if err != nil {
				return remaining, err
			}
			opp.FreeOrderEntry(slot)
			if opp.ChainEmpty(bestIdx) {
				opp.Remove(bestIdx)
			}
		}

		remaining -= matched
	}

	if remaining == 0 {
		return 0, nil
	}

	if req.Type == model.MarketOrder {
		// Counterparty of last resort: the AMM absorbs whatever the book
		// could not fill.
		return remaining, s.ammFill(req, remaining, now, holdback)
	}

	// A limit order only routes to the AMM when no opposing liquidity is
	// resting at all and the AMM's average fill price satisfies the limit;
	// otherwise the remainder rests in the book.
	if opp.NodeCount() == 0 {
		ok, err := s.ammWithinLimit(req, remaining)
		if err != nil {
			return remaining, err
		}
		if ok {
			return remaining, s.ammFill(req, remaining, now, holdback)
		}
	}

	return remaining, s.rest(own, req, remaining)
}

// rest inserts the unfilled remainder on the requester's own side. This is
// the only path that grows the tree and chains.
func (s *State) rest(own *book.Slab, req model.Request, remaining uint64) error {
	nodeIdx, err := own.InsertOrGet(&req.Price)
	if err != nil {
		return err
	}

	entryIdx, err := own.AllocOrderEntry()
	if err != nil {
		// A freshly-inserted empty level must not linger.
		if own.ChainEmpty(nodeIdx) {
			own.Remove(nodeIdx)
		}
		return err
	}

	entry := own.Entry(entryIdx)
	entry.OrderID = req.OrderID
	entry.Owner = req.OpenOrders
	entry.OwnerSlot = req.OwnerSlot
	entry.Quantity = remaining

	if req.Side == model.Buy {
		qty := uint256.NewInt(remaining)
		reserved, err := fixed.Mul(&req.Price, qty)
		if err != nil {
			own.FreeOrderEntry(entryIdx)
			if own.ChainEmpty(nodeIdx) {
				own.Remove(nodeIdx)
			}
			return err
		}
		entry.Reserved = reserved
	}

	own.AppendOrder(nodeIdx, entryIdx)
	return nil
}

// ammWithinLimit reports whether the AMM's average price for the full
// remainder satisfies the request's limit price.
func (s *State) ammWithinLimit(req model.Request, remaining uint64) (bool, error) {
	yes := req.Outcome == model.Yes

	var quote uint256.Int
	var err error
	if req.Side == model.Buy {
		quote, _, _, err = fixed.AmmBuy(&s.QYes, &s.QNo, &s.BLiquidity, yes, remaining)
	} else {
		quote, _, _, err = fixed.AmmSell(&s.QYes, &s.QNo, &s.BLiquidity, yes, remaining)
	}
	if err != nil {
		// Reserves that cannot absorb a sale simply send the order to rest.
		if req.Side == model.Sell && errors.Is(err, fixed.ErrMath) {
			return false, nil
		}
		return false, err
	}

	avg, err := fixed.Div(&quote, uint256.NewInt(remaining))
	if err != nil {
		return false, err
	}
	if req.Side == model.Buy {
		return !avg.Gt(&req.Price), nil
	}
	return !avg.Lt(&req.Price), nil
}

// ammFill executes the remainder against the virtual reserves, emitting a
// Fill with the market itself as maker. The reserve update commits only
// after the event is accepted, so a failed numeric step or a full event
// ring leaves the reserves untouched.
func (s *State) ammFill(req model.Request, remaining uint64, now int64, holdback int) error {
	yes := req.Outcome == model.Yes

	var quote, newYes, newNo uint256.Int
	var err error
	if req.Side == model.Buy {
		quote, newYes, newNo, err = fixed.AmmBuy(&s.QYes, &s.QNo, &s.BLiquidity, yes, remaining)
	} else {
		quote, newYes, newNo, err = fixed.AmmSell(&s.QYes, &s.QNo, &s.BLiquidity, yes, remaining)
	}
	if err != nil {
		return err
	}

	avg, err := fixed.Div(&quote, uint256.NewInt(remaining))
	if err != nil {
		return err
	}

	takerSlot := model.NoSlot
	if req.Type == model.NewOrder {
		takerSlot = req.OwnerSlot
	}
	if s.Events.Cap()-s.Events.Len() <= holdback {
		return queue.ErrEventQueueFull
	}
	if err := s.Events.Push(model.Event{
		Type:      model.Fill,
		MakerRef:  s.MarketRef,
		MakerSlot: model.NoSlot,
		TakerRef:  req.OpenOrders,
		TakerSlot: takerSlot,
		TakerSide: req.Side,
		Price:     avg,
		Quantity:  remaining,
		OrderID:   req.OrderID,
		Outcome:   req.Outcome,
		Timestamp: now,
	}); err != nil {
		return err
	}

	s.QYes = newYes
	s.QNo = newNo
	return nil
}
