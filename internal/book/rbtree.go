// Red-black tree over the price-node arena, CLRS insert/delete with
// index-based links instead of pointers. The tree orders price nodes
// ascending by key; Best walks to the rightmost node for bids and the
// leftmost for asks, which is the whole of price priority.
package book

import "github.com/holiman/uint256"

func (s *Slab) isRed(i int32) bool {
	return i != nilIdx && s.priceNodes[i].Color == colorRed
}

func (s *Slab) setColor(i int32, c uint8) {
	if i != nilIdx {
		s.priceNodes[i].Color = c
	}
}

// Find returns the slot of the exact price key, or -1.
func (s *Slab) Find(price *uint256.Int) int32 {
	i := s.root
	for i != nilIdx {
		n := &s.priceNodes[i]
		switch {
		case price.Eq(&n.Key):
			return i
		case price.Lt(&n.Key):
			i = n.Left
		default:
			i = n.Right
		}
	}
	return nilIdx
}

// Best returns the best-priced node: the maximum key for the bid side, the
// minimum key for the ask side. Returns -1 on an empty tree.
func (s *Slab) Best() int32 {
	i := s.root
	if i == nilIdx {
		return nilIdx
	}
	if s.isBid {
		for s.priceNodes[i].Right != nilIdx {
			i = s.priceNodes[i].Right
		}
	} else {
		for s.priceNodes[i].Left != nilIdx {
			i = s.priceNodes[i].Left
		}
	}
	return i
}

// InsertOrGet returns the node holding price, allocating, inserting and
// rebalancing if absent. Idempotent on price.
func (s *Slab) InsertOrGet(price *uint256.Int) (int32, error) {
	if i := s.Find(price); i != nilIdx {
		return i, nil
	}

	z, err := s.allocPriceNode()
	if err != nil {
		return nilIdx, err
	}
	s.priceNodes[z].Key = *price

	y := nilIdx
	x := s.root
	for x != nilIdx {
		y = x
		if price.Lt(&s.priceNodes[x].Key) {
			x = s.priceNodes[x].Left
		} else {
			x = s.priceNodes[x].Right
		}
	}

	s.priceNodes[z].Parent = y
	if y == nilIdx {
		s.root = z
	} else if price.Lt(&s.priceNodes[y].Key) {
		s.priceNodes[y].Left = z
	} else {
		s.priceNodes[y].Right = z
	}

	s.insertFixup(z)
	return z, nil
}

func (s *Slab) leftRotate(x int32) {
	y := s.priceNodes[x].Right
	if y == nilIdx {
		return
	}

	s.priceNodes[x].Right = s.priceNodes[y].Left
	if l := s.priceNodes[y].Left; l != nilIdx {
		s.priceNodes[l].Parent = x
	}

	s.priceNodes[y].Parent = s.priceNodes[x].Parent
	if p := s.priceNodes[x].Parent; p == nilIdx {
		s.root = y
	} else if x == s.priceNodes[p].Left {
		s.priceNodes[p].Left = y
	} else {
		s.priceNodes[p].Right = y
	}

	s.priceNodes[y].Left = x
	s.priceNodes[x].Parent = y
}

func (s *Slab) rightRotate(x int32) {
	y := s.priceNodes[x].Left
	if y == nilIdx {
		return
	}

	s.priceNodes[x].Left = s.priceNodes[y].Right
	if r := s.priceNodes[y].Right; r != nilIdx {
		s.priceNodes[r].Parent = x
	}

	s.priceNodes[y].Parent = s.priceNodes[x].Parent
	if p := s.priceNodes[x].Parent; p == nilIdx {
		s.root = y
	} else if x == s.priceNodes[p].Left {
		s.priceNodes[p].Left = y
	} else {
		s.priceNodes[p].Right = y
	}

	s.priceNodes[y].Right = x
	s.priceNodes[x].Parent = y
}

func (s *Slab) insertFixup(z int32) {
	for s.isRed(s.priceNodes[z].Parent) {
		parent := s.priceNodes[z].Parent
		grand := s.priceNodes[parent].Parent
		if parent == s.priceNodes[grand].Left {
			uncle := s.priceNodes[grand].Right
			if s.isRed(uncle) {
				s.setColor(parent, colorBlack)
				s.setColor(uncle, colorBlack)
				s.setColor(grand, colorRed)
				z = grand
			} else {
				if z == s.priceNodes[parent].Right {
					z = parent
					s.leftRotate(z)
				}
				parent = s.priceNodes[z].Parent
				grand = s.priceNodes[parent].Parent
				s.setColor(parent, colorBlack)
				s.setColor(grand, colorRed)
				s.rightRotate(grand)
			}
		} else {
			uncle := s.priceNodes[grand].Left
			if s.isRed(uncle) {
				s.setColor(parent, colorBlack)
				s.setColor(uncle, colorBlack)
				s.setColor(grand, colorRed)
				z = grand
			} else {
				if z == s.priceNodes[parent].Left {
					z = parent
					s.rightRotate(z)
				}
				parent = s.priceNodes[z].Parent
				grand = s.priceNodes[parent].Parent
				s.setColor(parent, colorBlack)
				s.setColor(grand, colorRed)
				s.leftRotate(grand)
			}
		}
	}
	s.setColor(s.root, colorBlack)
}

func (s *Slab) transplant(u, v int32) {
	p := s.priceNodes[u].Parent
	if p == nilIdx {
		s.root = v
	} else if u == s.priceNodes[p].Left {
		s.priceNodes[p].Left = v
	} else {
		s.priceNodes[p].Right = v
	}
	if v != nilIdx {
		s.priceNodes[v].Parent = p
	}
}

func (s *Slab) treeMin(x int32) int32 {
	for s.priceNodes[x].Left != nilIdx {
		x = s.priceNodes[x].Left
	}
	return x
}

// Remove deletes the price node at slot z from the tree, rebalances, and
// releases the slot back to the arena. Called only once the node's order
// chain is empty.
func (s *Slab) Remove(z int32) {
	if z == nilIdx {
		return
	}

	y := z
	yColor := s.priceNodes[y].Color
	var x, xParent int32

	switch {
	case s.priceNodes[z].Left == nilIdx:
		x = s.priceNodes[z].Right
		xParent = s.priceNodes[z].Parent
		s.transplant(z, x)
	case s.priceNodes[z].Right == nilIdx:
		x = s.priceNodes[z].Left
		xParent = s.priceNodes[z].Parent
		s.transplant(z, x)
	default:
		y = s.treeMin(s.priceNodes[z].Right)
		yColor = s.priceNodes[y].Color
		x = s.priceNodes[y].Right
		if s.priceNodes[y].Parent == z {
			if x != nilIdx {
				s.priceNodes[x].Parent = y
			}
			xParent = y
		} else {
			xParent = s.priceNodes[y].Parent
			s.transplant(y, s.priceNodes[y].Right)
			s.priceNodes[y].Right = s.priceNodes[z].Right
			if r := s.priceNodes[y].Right; r != nilIdx {
				s.priceNodes[r].Parent = y
			}
		}
		s.transplant(z, y)
		s.priceNodes[y].Left = s.priceNodes[z].Left
		if l := s.priceNodes[y].Left; l != nilIdx {
			s.priceNodes[l].Parent = y
		}
		s.priceNodes[y].Color = s.priceNodes[z].Color
	}

	s.releasePriceNode(z)

	if yColor == colorBlack {
		s.deleteFixup(x, xParent)
	}
}

func (s *Slab) deleteFixup(x, xParent int32) {
	for x != s.root && !s.isRed(x) {
		if xParent == nilIdx {
			break
		}
		if x == s.priceNodes[xParent].Left {
			w := s.priceNodes[xParent].Right
			if s.isRed(w) {
				s.setColor(w, colorBlack)
				s.setColor(xParent, colorRed)
				s.leftRotate(xParent)
				w = s.priceNodes[xParent].Right
			}
			if !s.isRed(s.priceNodes[w].Left) && !s.isRed(s.priceNodes[w].Right) {
				s.setColor(w, colorRed)
				x = xParent
				xParent = s.priceNodes[x].Parent
			} else {
				if !s.isRed(s.priceNodes[w].Right) {
					s.setColor(s.priceNodes[w].Left, colorBlack)
					s.setColor(w, colorRed)
					s.rightRotate(w)
					w = s.priceNodes[xParent].Right
				}
				s.setColor(w, s.priceNodes[xParent].Color)
				s.setColor(xParent, colorBlack)
				s.setColor(s.priceNodes[w].Right, colorBlack)
				s.leftRotate(xParent)
				x = s.root
				break
			}
		} else {
			w := s.priceNodes[xParent].Left
			if s.isRed(w) {
				s.setColor(w, colorBlack)
				s.setColor(xParent, colorRed)
				s.rightRotate(xParent)
				w = s.priceNodes[xParent].Left
			}
			if !s.isRed(s.priceNodes[w].Right) && !s.isRed(s.priceNodes[w].Left) {
				s.setColor(w, colorRed)
				x = xParent
				xParent = s.priceNodes[x].Parent
			} else {
				if !s.isRed(s.priceNodes[w].Left) {
					s.setColor(s.priceNodes[w].Right, colorBlack)
					s.setColor(w, colorRed)
					s.leftRotate(w)
					w = s.priceNodes[xParent].Left
				}
				s.setColor(w, s.priceNodes[xParent].Color)
				s.setColor(xParent, colorBlack)
				s.setColor(s.priceNodes[w].Left, colorBlack)
				s.rightRotate(xParent)
				x = s.root
				break
			}
		}
	}
	if x != nilIdx {
		s.setColor(x, colorBlack)
	}
}

// Level is one aggregated price level, used by the depth snapshot.
type Level struct {
	Price    uint256.Int
	Quantity uint64
	Orders   int
}

// Levels walks the tree in best-first order (descending for bids,
// ascending for asks) and aggregates chain quantities, up to limit levels.
func (s *Slab) Levels(limit int) []Level {
	out := make([]Level, 0, limit)
	s.walk(s.root, !s.isBid, func(i int32) bool {
		lvl := Level{Price: s.priceNodes[i].Key}
		for e := s.priceNodes[i].OrderHead; e != nilIdx; e = s.orderEntries[e].Next {
			lvl.Quantity += s.orderEntries[e].Quantity
			lvl.Orders++
		}
		out = append(out, lvl)
		return len(out) < limit
	})
	return out
}

// walk performs an in-order traversal; ascending chooses left-first order.
func (s *Slab) walk(i int32, ascending bool, fn func(int32) bool) bool {
	if i == nilIdx {
		return true
	}
	first, second := s.priceNodes[i].Left, s.priceNodes[i].Right
	if !ascending {
		first, second = second, first
	}
	if !s.walk(first, ascending, fn) {
		return false
	}
	if !fn(i) {
		return false
	}
	return s.walk(second, ascending, fn)
}
