package market

import (
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/pmx/exchange-core/internal/engine"
	"github.com/pmx/exchange-core/internal/fixed"
	"github.com/pmx/exchange-core/internal/model"
)

func newMarket(t *testing.T, admin uuid.UUID) *Market {
	t.Helper()
	m, err := New(DefaultConfig(), "PMX-POLITICS-TEST-20261231", "Will it happen?", admin)
	if err != nil {
		t.Fatalf("market creation failed: %v", err)
	}
	return m
}

func order(m *Market, side model.Side, price, qty uint64) model.Request {
	return model.Request{
		Type:     model.NewOrder,
		Side:     side,
		Price:    *uint256.NewInt(price),
		Quantity: qty,
		OrderID:  m.NextOrderID(),
	}
}

func TestNew_RequiresLiquidity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BLiquidity = 0
	if _, err := New(cfg, "PMX-CRYPTO-X-20261231", "q", uuid.New()); err != fixed.ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity, got %v", err)
	}
}

func TestSubmitRequest_Validation(t *testing.T) {
	m := newMarket(t, uuid.New())

	cases := []struct {
		req  model.Request
		want error
	}{
		{model.Request{Type: model.NewOrder, Side: model.Side(7), Price: *uint256.NewInt(1), Quantity: 1}, engine.ErrInvalidSide},
		{model.Request{Type: model.NewOrder, Side: model.Buy, Outcome: model.Outcome(7), Price: *uint256.NewInt(1), Quantity: 1}, engine.ErrInvalidArgument},
		{model.Request{Type: model.NewOrder, Side: model.Buy, Price: *uint256.NewInt(1)}, engine.ErrInvalidArgument},
		{model.Request{Type: model.NewOrder, Side: model.Buy, Quantity: 1}, engine.ErrInvalidArgument},
		{model.Request{Type: model.MarketOrder, Side: model.Sell}, engine.ErrInvalidArgument},
		{model.Request{Type: model.RequestType(9), Side: model.Buy, Price: *uint256.NewInt(1), Quantity: 1}, engine.ErrInvalidArgument},
	}
	for i, c := range cases {
		if err := m.SubmitRequest(c.req); err != c.want {
			t.Errorf("case %d: expected %v, got %v", i, c.want, err)
		}
	}
	if m.State.Requests.Len() != 0 {
		t.Error("rejected requests must not be buffered")
	}

	// A market order needs no price; a cancel needs neither.
	if err := m.SubmitRequest(model.Request{Type: model.MarketOrder, Side: model.Buy, Quantity: 1}); err != nil {
		t.Errorf("market order rejected: %v", err)
	}
	if err := m.SubmitRequest(model.Request{Type: model.CancelOrder, Side: model.Buy, OrderID: 1}); err != nil {
		t.Errorf("cancel rejected: %v", err)
	}
}

func TestSubmitRequest_ClosedMarket(t *testing.T) {
	admin := uuid.New()
	m := newMarket(t, admin)
	if err := m.Pause(admin); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	err := m.SubmitRequest(model.Request{Type: model.NewOrder, Side: model.Buy, Price: *uint256.NewInt(1), Quantity: 1})
	if err != ErrMarketNotOpen {
		t.Errorf("expected ErrMarketNotOpen, got %v", err)
	}
}

func TestRunMatching_EndToEnd(t *testing.T) {
	m := newMarket(t, uuid.New())

	// An ask rests, a marketable bid crosses it at the resting price.
	if err := m.SubmitRequest(order(m, model.Sell, 600_000, 1_000_000)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := m.SubmitRequest(order(m, model.Buy, 650_000, 400_000)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	processed, failures := m.RunMatching(10)
	if processed != 2 || len(failures) != 0 {
		t.Fatalf("expected 2 processed, got %d (failures %+v)", processed, failures)
	}

	events := m.DrainEvents(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(events))
	}
	if events[0].Price.Uint64() != 600_000 || events[0].Quantity != 400_000 {
		t.Errorf("fill at maker price for taker quantity, got %d @ %d",
			events[0].Quantity, events[0].Price.Uint64())
	}
	// The ask's remainder stays resting.
	lvls := m.State.Books[model.Yes].Asks.Levels(1)
	if len(lvls) != 1 || lvls[0].Quantity != 600_000 {
		t.Errorf("expected 600000 resting, got %+v", lvls)
	}
}

func TestRunMatching_GatedOnStatus(t *testing.T) {
	admin := uuid.New()
	m := newMarket(t, admin)
	if err := m.SubmitRequest(order(m, model.Sell, 600_000, 1_000_000)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := m.Pause(admin); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	processed, _ := m.RunMatching(10)
	if processed != 0 {
		t.Errorf("paused market must not match, processed %d", processed)
	}
	if m.State.Requests.Len() != 1 {
		t.Error("buffered request must survive the pause")
	}

	if err := m.Resume(admin); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	processed, _ = m.RunMatching(10)
	if processed != 1 {
		t.Errorf("resumed market must drain the backlog, processed %d", processed)
	}
}

func TestDrainEvents_NotGatedOnStatus(t *testing.T) {
	admin := uuid.New()
	m := newMarket(t, admin)
	m.SubmitRequest(order(m, model.Sell, 600_000, 1_000_000))
	m.SubmitRequest(order(m, model.Buy, 600_000, 1_000_000))
	m.RunMatching(10)

	if err := m.Resolve(admin, model.Yes); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got := m.DrainEvents(10); len(got) != 1 {
		t.Errorf("resolved market must still drain its events, got %d", len(got))
	}
}

func TestLifecycle_AdminOnly(t *testing.T) {
	admin := uuid.New()
	stranger := uuid.New()
	m := newMarket(t, admin)

	if err := m.Pause(stranger); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := m.Resolve(stranger, model.Yes); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := m.CancelMarket(stranger); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if m.Status != model.Open {
		t.Error("failed transitions must not change status")
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	admin := uuid.New()
	m := newMarket(t, admin)

	if err := m.Resume(admin); err != ErrMarketNotOpen {
		t.Errorf("resuming an open market must fail, got %v", err)
	}
	if err := m.Pause(admin); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := m.Pause(admin); err != ErrMarketNotOpen {
		t.Errorf("pausing a paused market must fail, got %v", err)
	}
	if err := m.Resolve(admin, model.No); err != nil {
		t.Fatalf("resolving a paused market failed: %v", err)
	}
	if m.Status != model.ResolvedNo {
		t.Errorf("expected ResolvedNo, got %v", m.Status)
	}
	if err := m.Resolve(admin, model.Yes); err != ErrMarketNotOpen {
		t.Errorf("re-resolving must fail, got %v", err)
	}
	if err := m.CancelMarket(admin); err != ErrMarketNotOpen {
		t.Errorf("cancelling a resolved market must fail, got %v", err)
	}
}

func TestNextOrderID_Monotonic(t *testing.T) {
	m := newMarket(t, uuid.New())
	if a, b := m.NextOrderID(), m.NextOrderID(); a != 1 || b != 2 {
		t.Errorf("expected 1 then 2, got %d then %d", a, b)
	}
}

func TestPrices_StartAtHalf(t *testing.T) {
	m := newMarket(t, uuid.New())
	yes, err := m.PriceYes()
	if err != nil {
		t.Fatalf("price failed: %v", err)
	}
	no, err := m.PriceNo()
	if err != nil {
		t.Fatalf("price failed: %v", err)
	}
	if yes.Uint64() != fixed.Scale/2 || no.Uint64() != fixed.Scale/2 {
		t.Errorf("fresh market must price both outcomes at 0.5, got %d / %d",
			yes.Uint64(), no.Uint64())
	}
}

func TestInfo_Snapshot(t *testing.T) {
	m := newMarket(t, uuid.New())
	m.Category = "POLITICS"

	info := m.Info()
	if info.Ticker != m.Ticker || info.Category != "POLITICS" {
		t.Error("info must carry identity fields")
	}
	if info.Status != "open" {
		t.Errorf("expected status open, got %s", info.Status)
	}
	if !info.B.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected b 100, got %s", info.B.String())
	}
	if !info.PriceYes.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected price 0.5, got %s", info.PriceYes.String())
	}
}

func TestDecimalToFixed_RoundTrip(t *testing.T) {
	d := decimal.NewFromFloat(12.345678)
	f, err := DecimalToFixed(d)
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if f.Uint64() != 12_345_678 {
		t.Errorf("expected 12345678, got %d", f.Uint64())
	}
	if back := FixedToDecimal(&f); !back.Equal(d) {
		t.Errorf("round trip lost precision: %s", back.String())
	}
}

func TestDecimalToFixed_RejectsNegative(t *testing.T) {
	if _, err := DecimalToFixed(decimal.NewFromInt(-1)); err != engine.ErrInvalidArgument {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDecimalToFixed_TruncatesSubMicro(t *testing.T) {
	f, err := DecimalToFixed(decimal.RequireFromString("0.0000019"))
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if f.Uint64() != 1 {
		t.Errorf("expected truncation to 1, got %d", f.Uint64())
	}
}
