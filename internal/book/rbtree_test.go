package book

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
)

func price(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// checkInvariants verifies red-black and BST properties over the arena.
func checkInvariants(t *testing.T, s *Slab) {
	t.Helper()
	if s.isRed(s.root) {
		t.Fatal("root must be black")
	}
	checkSubtree(t, s, s.root)
}

// checkSubtree returns the black height and fails on any violation.
func checkSubtree(t *testing.T, s *Slab, i int32) int {
	t.Helper()
	if i == nilIdx {
		return 1
	}
	n := &s.priceNodes[i]
	if !n.Occupied {
		t.Fatalf("reachable node %d is not occupied", i)
	}
	if s.isRed(i) && (s.isRed(n.Left) || s.isRed(n.Right)) {
		t.Fatalf("red node %d has a red child", i)
	}
	if n.Left != nilIdx {
		if s.priceNodes[n.Left].Parent != i {
			t.Fatalf("node %d left child has wrong parent", i)
		}
		if !s.priceNodes[n.Left].Key.Lt(&n.Key) {
			t.Fatalf("BST order violated at node %d (left)", i)
		}
	}
	if n.Right != nilIdx {
		if s.priceNodes[n.Right].Parent != i {
			t.Fatalf("node %d right child has wrong parent", i)
		}
		if s.priceNodes[n.Right].Key.Lt(&n.Key) {
			t.Fatalf("BST order violated at node %d (right)", i)
		}
	}
	lh := checkSubtree(t, s, n.Left)
	rh := checkSubtree(t, s, n.Right)
	if lh != rh {
		t.Fatalf("black height mismatch at node %d: %d vs %d", i, lh, rh)
	}
	if !s.isRed(i) {
		lh++
	}
	return lh
}

func TestInsertOrGet_Idempotent(t *testing.T) {
	s := NewSlab(true, 16, 16)
	a, err := s.InsertOrGet(price(500_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := s.InsertOrGet(price(500_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("same price must return the same node: %d vs %d", a, b)
	}
	if s.NodeCount() != 1 {
		t.Errorf("expected one node, got %d", s.NodeCount())
	}
}

func TestBest_BidIsHighest_AskIsLowest(t *testing.T) {
	prices := []uint64{400_000, 600_000, 500_000, 350_000, 550_000}

	bids := NewSlab(true, 16, 16)
	asks := NewSlab(false, 16, 16)
	for _, p := range prices {
		if _, err := bids.InsertOrGet(price(p)); err != nil {
			t.Fatalf("bid insert failed: %v", err)
		}
		if _, err := asks.InsertOrGet(price(p)); err != nil {
			t.Fatalf("ask insert failed: %v", err)
		}
	}

	if got := bids.Node(bids.Best()).Key.Uint64(); got != 600_000 {
		t.Errorf("best bid should be 600000, got %d", got)
	}
	if got := asks.Node(asks.Best()).Key.Uint64(); got != 350_000 {
		t.Errorf("best ask should be 350000, got %d", got)
	}
}

func TestBest_EmptyTree(t *testing.T) {
	s := NewSlab(true, 4, 4)
	if s.Best() != nilIdx {
		t.Error("empty tree must have no best node")
	}
}

func TestInsert_InvariantsHold(t *testing.T) {
	s := NewSlab(false, 64, 64)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 60; i++ {
		if _, err := s.InsertOrGet(price(uint64(rng.Intn(1_000_000) + 1))); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
		checkInvariants(t, s)
	}
}

func TestRemove_InvariantsHold(t *testing.T) {
	s := NewSlab(true, 64, 64)
	prices := []uint64{500_000, 250_000, 750_000, 125_000, 375_000, 625_000, 875_000,
		100_000, 150_000, 300_000, 400_000, 600_000, 650_000, 800_000, 900_000}
	for _, p := range prices {
		if _, err := s.InsertOrGet(price(p)); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	for _, p := range []uint64{500_000, 125_000, 875_000, 375_000, 100_000} {
		i := s.Find(price(p))
		if i == nilIdx {
			t.Fatalf("price %d not found", p)
		}
		s.Remove(i)
		if s.Find(price(p)) != nilIdx {
			t.Errorf("price %d still reachable after removal", p)
		}
		checkInvariants(t, s)
	}
	if s.NodeCount() != uint32(len(prices)-5) {
		t.Errorf("expected %d nodes, got %d", len(prices)-5, s.NodeCount())
	}
}

func TestMixedInsertDelete_InvariantsHold(t *testing.T) {
	s := NewSlab(false, 64, 64)
	rng := rand.New(rand.NewSource(7))
	live := map[uint64]bool{}

	for i := 0; i < 400; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			// Delete a random live price.
			var victim uint64
			n := rng.Intn(len(live))
			for p := range live {
				if n == 0 {
					victim = p
					break
				}
				n--
			}
			s.Remove(s.Find(price(victim)))
			delete(live, victim)
		} else {
			p := uint64(rng.Intn(50_000) + 1)
			if len(live) >= 60 {
				continue
			}
			if _, err := s.InsertOrGet(price(p)); err != nil {
				t.Fatalf("insert failed at step %d: %v", i, err)
			}
			live[p] = true
		}
		checkInvariants(t, s)
		if int(s.NodeCount()) != len(live) {
			t.Fatalf("node count %d != live set %d at step %d", s.NodeCount(), len(live), i)
		}
	}
}

func TestInsertOrGet_ArenaExhaustion(t *testing.T) {
	s := NewSlab(true, 4, 4)
	for i := uint64(1); i <= 4; i++ {
		if _, err := s.InsertOrGet(price(i * 100_000)); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}
	if _, err := s.InsertOrGet(price(999_999)); err != ErrSlabFull {
		t.Errorf("expected ErrSlabFull, got %v", err)
	}
}

func TestRemove_FreesSlotsForReuse(t *testing.T) {
	s := NewSlab(true, 4, 4)
	for i := uint64(1); i <= 4; i++ {
		if _, err := s.InsertOrGet(price(i * 100_000)); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	s.Remove(s.Find(price(200_000)))
	if _, err := s.InsertOrGet(price(999_999)); err != nil {
		t.Errorf("slot should have been recycled, got %v", err)
	}
	checkInvariants(t, s)
}

func TestLevels_BestFirst(t *testing.T) {
	s := NewSlab(true, 16, 16)
	for _, p := range []uint64{400_000, 600_000, 500_000} {
		nodeIdx, err := s.InsertOrGet(price(p))
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		entryIdx, err := s.AllocOrderEntry()
		if err != nil {
			t.Fatalf("alloc failed: %v", err)
		}
		s.Entry(entryIdx).Quantity = p / 100_000
		s.AppendOrder(nodeIdx, entryIdx)
	}

	levels := s.Levels(10)
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	want := []uint64{600_000, 500_000, 400_000}
	for i, lvl := range levels {
		if lvl.Price.Uint64() != want[i] {
			t.Errorf("level %d: expected price %d, got %d", i, want[i], lvl.Price.Uint64())
		}
		if lvl.Orders != 1 {
			t.Errorf("level %d: expected 1 order, got %d", i, lvl.Orders)
		}
	}
}
