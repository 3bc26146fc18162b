// Package book implements one side of a limit order book as a fixed-capacity
// arena: a red-black tree of price nodes keyed by 128-bit price, each node
// owning a FIFO chain of order entries. Nodes and entries are addressed by
// int32 slot index with -1 as the null sentinel, never by pointer, so the
// whole structure is a fixed-size record that can be persisted between
// invocations without per-node heap allocation.
package book

import (
	"errors"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// nilIdx is the null slot sentinel.
const nilIdx int32 = -1

var (
	// ErrSlabFull is returned when no free slot remains; recoverable by
	// the caller after a drain, never a panic.
	ErrSlabFull = errors.New("book: slab capacity exhausted")

	// ErrNoMatchingOrder is returned when a chain pop finds no resting order.
	ErrNoMatchingOrder = errors.New("book: no matching order")

	// ErrOrderNotFound is returned when a removal targets an order id that
	// is not resting in this slab.
	ErrOrderNotFound = errors.New("book: order not found")
)

const (
	colorBlack uint8 = 0
	colorRed   uint8 = 1
)

// PriceNode is one price level. Occupied nodes form a red-black tree
// ordered by Key; OrderHead/OrderTail bound the FIFO chain at this price.
type PriceNode struct {
	Occupied             bool
	Key                  uint256.Int
	Left, Right, Parent  int32
	OrderHead, OrderTail int32
	Color                uint8
}

// OrderEntry is one resting order. It belongs to exactly one price node's
// chain at a time and keeps Quantity > 0 while resting.
type OrderEntry struct {
	Occupied   bool
	OrderID    uint64
	Owner      uuid.UUID // open-orders record of the maker
	OwnerSlot  uint16
	Quantity   uint64      // remaining shares
	Reserved   uint256.Int // quote locked while resting (buy side only)
	NextInsert int32       // free-list link while unoccupied
	Next       int32       // next entry in the price chain
}

// Slab is one book side. Arrays are sized at creation and never resized.
type Slab struct {
	isBid     bool
	nodeCount uint32

	freePriceNode  int32
	freeOrderEntry int32
	root           int32

	priceNodes   []PriceNode
	orderEntries []OrderEntry
}

// NewSlab allocates a slab with the given fixed capacities. Both free lists
// are threaded through the unoccupied slots up front; the linear-scan
// fallback in the allocators stays correct even if the threading has gaps.
func NewSlab(isBid bool, maxPriceNodes, maxOrderEntries int) *Slab {
	s := &Slab{
		isBid:          isBid,
		freePriceNode:  nilIdx,
		freeOrderEntry: nilIdx,
		root:           nilIdx,
		priceNodes:     make([]PriceNode, maxPriceNodes),
		orderEntries:   make([]OrderEntry, maxOrderEntries),
	}
	for i := len(s.priceNodes) - 1; i >= 0; i-- {
		s.priceNodes[i] = PriceNode{
			Left: nilIdx, Right: nilIdx, Parent: s.freePriceNode,
			OrderHead: nilIdx, OrderTail: nilIdx,
		}
		s.freePriceNode = int32(i)
	}
	for i := len(s.orderEntries) - 1; i >= 0; i-- {
		s.orderEntries[i] = OrderEntry{NextInsert: s.freeOrderEntry, Next: nilIdx}
		s.freeOrderEntry = int32(i)
	}
	return s
}

// IsBid reports whether this is the bid side.
func (s *Slab) IsBid() bool { return s.isBid }

// NodeCount returns the number of occupied price nodes.
func (s *Slab) NodeCount() uint32 { return s.nodeCount }

// Node returns the price node at slot i for in-place mutation by the
// matching engine, which is the sole owner during its invocation.
func (s *Slab) Node(i int32) *PriceNode { return &s.priceNodes[i] }

// Entry returns the order entry at slot i.
func (s *Slab) Entry(i int32) *OrderEntry { return &s.orderEntries[i] }

// allocPriceNode pops the free list, falling back to a bounded linear scan
// for the first unoccupied slot. The scan is the degraded path, kept for
// slots that become unoccupied without passing through the free list.
func (s *Slab) allocPriceNode() (int32, error) {
	i := s.freePriceNode
	if i == nilIdx {
		for j := range s.priceNodes {
			if !s.priceNodes[j].Occupied {
				i = int32(j)
				break
			}
		}
		if i == nilIdx {
			return nilIdx, ErrSlabFull
		}
	} else {
		s.freePriceNode = s.priceNodes[i].Parent
	}

	s.priceNodes[i] = PriceNode{
		Occupied: true,
		Left:     nilIdx, Right: nilIdx, Parent: nilIdx,
		OrderHead: nilIdx, OrderTail: nilIdx,
		Color: colorRed,
	}
	s.nodeCount++
	return i, nil
}

// releasePriceNode clears the slot and pushes it onto the free list. Must be
// called exactly once per allocation; double-free is a contract violation
// the caller is responsible for preventing.
func (s *Slab) releasePriceNode(i int32) {
	s.priceNodes[i] = PriceNode{
		Left: nilIdx, Right: nilIdx, Parent: s.freePriceNode,
		OrderHead: nilIdx, OrderTail: nilIdx,
	}
	s.freePriceNode = i
	s.nodeCount--
}

// AllocOrderEntry pops the entry free list, with the same scan fallback as
// the price-node allocator.
func (s *Slab) AllocOrderEntry() (int32, error) {
	i := s.freeOrderEntry
	if i == nilIdx {
		for j := range s.orderEntries {
			if !s.orderEntries[j].Occupied {
				i = int32(j)
				break
			}
		}
		if i == nilIdx {
			return nilIdx, ErrSlabFull
		}
	} else {
		s.freeOrderEntry = s.orderEntries[i].NextInsert
	}

	s.orderEntries[i] = OrderEntry{Occupied: true, NextInsert: nilIdx, Next: nilIdx}
	return i, nil
}

// FreeOrderEntry clears the slot and pushes it onto the free list.
func (s *Slab) FreeOrderEntry(i int32) {
	s.orderEntries[i] = OrderEntry{NextInsert: s.freeOrderEntry, Next: nilIdx}
	s.freeOrderEntry = i
}

// AppendOrder links entry slot entryIdx at the tail of the chain owned by
// price node nodeIdx, preserving time priority.
func (s *Slab) AppendOrder(nodeIdx, entryIdx int32) {
	n := &s.priceNodes[nodeIdx]
	if n.OrderHead == nilIdx {
		n.OrderHead = entryIdx
		n.OrderTail = entryIdx
	} else {
		s.orderEntries[n.OrderTail].Next = entryIdx
		n.OrderTail = entryIdx
	}
	s.orderEntries[entryIdx].Next = nilIdx
}

// PopFrontOrder unlinks and returns the head entry slot of the chain at
// nodeIdx. The caller owns the returned slot and must FreeOrderEntry it;
// if the chain is now empty the caller must Remove the price node.
func (s *Slab) PopFrontOrder(nodeIdx int32) (int32, error) {
	if nodeIdx == nilIdx {
		return nilIdx, ErrNoMatchingOrder
	}
	n := &s.priceNodes[nodeIdx]
	head := n.OrderHead
	if head == nilIdx {
		return nilIdx, ErrNoMatchingOrder
	}
	n.OrderHead = s.orderEntries[head].Next
	if n.OrderHead == nilIdx {
		n.OrderTail = nilIdx
	}
	s.orderEntries[head].Next = nilIdx
	return head, nil
}

// UnlinkOrder removes the entry with the given order id from whichever
// chain holds it, walking the occupied price nodes. It returns the entry
// slot and its price node; the caller frees the entry and removes the node
// if its chain emptied. Missing ids fail with ErrOrderNotFound and mutate
// nothing.
func (s *Slab) UnlinkOrder(orderID uint64) (entryIdx, nodeIdx int32, err error) {
	for j := range s.priceNodes {
		if !s.priceNodes[j].Occupied {
			continue
		}
		prev := nilIdx
		for i := s.priceNodes[j].OrderHead; i != nilIdx; i = s.orderEntries[i].Next {
			if s.orderEntries[i].OrderID != orderID {
				prev = i
				continue
			}
			n := &s.priceNodes[j]
			next := s.orderEntries[i].Next
			if prev == nilIdx {
				n.OrderHead = next
			} else {
				s.orderEntries[prev].Next = next
			}
			if n.OrderTail == i {
				n.OrderTail = prev
			}
			s.orderEntries[i].Next = nilIdx
			return i, int32(j), nil
		}
	}
	return nilIdx, nilIdx, ErrOrderNotFound
}

// ChainEmpty reports whether the price node at nodeIdx has no resting orders.
func (s *Slab) ChainEmpty(nodeIdx int32) bool {
	return s.priceNodes[nodeIdx].OrderHead == nilIdx
}
