package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/exchange"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type placedOrder struct {
	size  decimal.Decimal
	price decimal.Decimal
	side  exchange.Side
}

// fakeVenue serves scripted responses: bbo and info sequences advance per
// call and hold their last value once exhausted.
type fakeVenue struct {
	mu sync.Mutex

	bids []decimal.Decimal
	asks []decimal.Decimal

	openResult exchange.OrderResult
	openErr    error
	openEmit   []exchange.OrderUpdate
	openCalls  int

	closeResults []exchange.OrderResult
	closeCalls   []placedOrder

	cancelResult exchange.OrderResult
	cancelErr    error
	cancelCalls  []string

	infos    []*exchange.OrderInfo
	infoCall int

	handler func(exchange.OrderUpdate)
}

func (f *fakeVenue) Name() string                     { return "fake" }
func (f *fakeVenue) Connect(context.Context) error    { return nil }
func (f *fakeVenue) Disconnect(context.Context) error { return nil }

func (f *fakeVenue) SetOrderUpdateHandler(fn func(exchange.OrderUpdate)) {
	f.handler = fn
}

func (f *fakeVenue) ContractAttributes(context.Context, string) (string, decimal.Decimal, error) {
	return "FAKE-PERP", dec("0.1"), nil
}

func (f *fakeVenue) BBO(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bid, ask := f.bids[0], f.asks[0]
	if len(f.bids) > 1 {
		f.bids = f.bids[1:]
	}
	if len(f.asks) > 1 {
		f.asks = f.asks[1:]
	}
	return bid, ask, nil
}

func (f *fakeVenue) PlaceOpenOrder(_ context.Context, _ string, _, _ decimal.Decimal, _ exchange.Side) (exchange.OrderResult, error) {
	f.mu.Lock()
	f.openCalls++
	res, err := f.openResult, f.openErr
	emit := f.openEmit
	handler := f.handler
	f.mu.Unlock()
	for _, u := range emit {
		if handler != nil {
			handler(u)
		}
	}
	return res, err
}

func (f *fakeVenue) PlaceCloseOrder(_ context.Context, _ string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls = append(f.closeCalls, placedOrder{size: quantity, price: price, side: side})
	res := f.closeResults[0]
	if len(f.closeResults) > 1 {
		f.closeResults = f.closeResults[1:]
	}
	return res, nil
}

func (f *fakeVenue) PlaceLimitOrder(context.Context, string, decimal.Decimal, decimal.Decimal, exchange.Side) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func (f *fakeVenue) PlaceMarketOrder(context.Context, string, decimal.Decimal, exchange.Side, exchange.MarketOrderOpts) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, orderID string) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, orderID)
	return f.cancelResult, f.cancelErr
}

func (f *fakeVenue) OrderInfo(context.Context, string) (*exchange.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.infos) == 0 {
		return nil, nil
	}
	info := f.infos[0]
	if len(f.infos) > 1 {
		f.infos = f.infos[1:]
	}
	f.infoCall++
	return info, nil
}

func (f *fakeVenue) ActiveOrders(context.Context, string) ([]exchange.OrderInfo, error) {
	return nil, nil
}

func (f *fakeVenue) Position(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeVenue) Networth(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeVenue) closed() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedOrder, len(f.closeCalls))
	copy(out, f.closeCalls)
	return out
}

func (f *fakeVenue) canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelCalls))
	copy(out, f.cancelCalls)
	return out
}

func testConfig() Config {
	return Config{
		ContractID:      "FAKE-PERP",
		TickSize:        dec("0.1"),
		Quantity:        dec("0.5"),
		TakeProfit:      dec("2"),
		Direction:       exchange.SideBuy,
		FillWait:        30 * time.Millisecond,
		RepriceCheck:    5 * time.Millisecond,
		CancelWait:      20 * time.Millisecond,
		SelfTradeWindow: 40 * time.Millisecond,
	}
}

func newTestController(f *fakeVenue, cfg Config) *Controller {
	c := New(f, cfg, zap.NewNop(), nil)
	f.SetOrderUpdateHandler(c.HandleOrderUpdate)
	return c
}

func TestImmediateFillPlacesClose(t *testing.T) {
	f := &fakeVenue{
		bids:         []decimal.Decimal{dec("99.5")},
		asks:         []decimal.Decimal{dec("100")},
		openResult:   exchange.OrderResult{Success: true, OrderID: "o-1", Status: exchange.StatusFilled, FilledSize: dec("0.5")},
		closeResults: []exchange.OrderResult{{Success: true, OrderID: "c-1"}},
	}
	c := newTestController(f, testConfig())

	pl, err := c.PlaceAndTrackOpenOrder(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pl.ClosePlaced {
		t.Fatalf("expected close order to be placed")
	}
	closes := f.closed()
	if len(closes) != 1 {
		t.Fatalf("expected 1 close order, got %d", len(closes))
	}
	if !closes[0].size.Equal(dec("0.5")) {
		t.Fatalf("expected close size 0.5, got %s", closes[0].size)
	}
	if closes[0].side != exchange.SideSell {
		t.Fatalf("expected close side sell, got %s", closes[0].side)
	}
	// maker price 99.9, take profit 2% above
	if !closes[0].price.Equal(dec("101.898")) {
		t.Fatalf("expected close price 101.898, got %s", closes[0].price)
	}
	if len(f.canceled()) != 0 {
		t.Fatalf("expected no cancels on immediate fill")
	}
}

func TestPartialFillClosesExactlyFilledSize(t *testing.T) {
	f := &fakeVenue{
		bids:       []decimal.Decimal{dec("99.5"), dec("100.1")},
		asks:       []decimal.Decimal{dec("100"), dec("100.5")},
		openResult: exchange.OrderResult{Success: true, OrderID: "o-1", Status: exchange.StatusOpen},
		openEmit: []exchange.OrderUpdate{{
			OrderID:    "o-1",
			Type:       exchange.OrderTypeOpen,
			Status:     exchange.StatusPartiallyFilled,
			FilledSize: dec("0.2"),
			ContractID: "FAKE-PERP",
		}},
		closeResults: []exchange.OrderResult{{Success: true, OrderID: "c-1"}},
		cancelResult: exchange.OrderResult{Success: true},
		infos: []*exchange.OrderInfo{
			{OrderID: "o-1", Status: exchange.StatusPartiallyFilled, FilledSize: dec("0.2")},
			{OrderID: "o-1", Status: exchange.StatusCanceled, FilledSize: dec("0.2"), Size: dec("0.5")},
		},
	}
	c := newTestController(f, testConfig())

	var gotFill Fill
	fillCalled := 0
	c.SetFillHandler(func(fl Fill) {
		gotFill = fl
		fillCalled++
	})

	pl, err := c.PlaceAndTrackOpenOrder(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pl.FilledSize.Equal(dec("0.2")) {
		t.Fatalf("expected reconciled fill 0.2, got %s", pl.FilledSize)
	}
	closes := f.closed()
	if len(closes) != 1 {
		t.Fatalf("expected 1 close order, got %d", len(closes))
	}
	if !closes[0].size.Equal(dec("0.2")) {
		t.Fatalf("expected close sized to the fill 0.2, got %s", closes[0].size)
	}
	if len(f.canceled()) != 1 {
		t.Fatalf("expected 1 cancel, got %d", len(f.canceled()))
	}
	if fillCalled != 1 {
		t.Fatalf("expected fill hook once, got %d", fillCalled)
	}
	if !gotFill.Size.Equal(dec("0.2")) || gotFill.OrderID != "o-1" || gotFill.Side != exchange.SideBuy {
		t.Fatalf("unexpected fill event: %+v", gotFill)
	}
}

func TestZeroFillSkipsClose(t *testing.T) {
	f := &fakeVenue{
		bids:         []decimal.Decimal{dec("99.5"), dec("100.1")},
		asks:         []decimal.Decimal{dec("100"), dec("100.5")},
		openResult:   exchange.OrderResult{Success: true, OrderID: "o-1", Status: exchange.StatusOpen},
		closeResults: []exchange.OrderResult{{Success: true, OrderID: "c-1"}},
		cancelResult: exchange.OrderResult{Success: true},
		infos: []*exchange.OrderInfo{
			{OrderID: "o-1", Status: exchange.StatusOpen},
			{OrderID: "o-1", Status: exchange.StatusCanceled},
		},
	}
	c := newTestController(f, testConfig())
	fillCalled := 0
	c.SetFillHandler(func(Fill) { fillCalled++ })

	pl, err := c.PlaceAndTrackOpenOrder(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pl.ClosePlaced {
		t.Fatalf("expected no close order on zero fill")
	}
	if len(f.closed()) != 0 {
		t.Fatalf("expected no close placements, got %d", len(f.closed()))
	}
	if fillCalled != 0 {
		t.Fatalf("expected no fill hook on zero fill")
	}
}

func TestFillSignalShortcutsCancel(t *testing.T) {
	cfg := testConfig()
	cfg.FillWait = 500 * time.Millisecond
	f := &fakeVenue{
		bids:         []decimal.Decimal{dec("99.5")},
		asks:         []decimal.Decimal{dec("100")},
		openResult:   exchange.OrderResult{Success: true, OrderID: "o-1", Status: exchange.StatusOpen},
		closeResults: []exchange.OrderResult{{Success: true, OrderID: "c-1"}},
	}
	c := newTestController(f, cfg)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.HandleOrderUpdate(exchange.OrderUpdate{
			OrderID:    "o-1",
			Type:       exchange.OrderTypeOpen,
			Status:     exchange.StatusFilled,
			FilledSize: dec("0.5"),
			ContractID: "FAKE-PERP",
		})
	}()

	start := time.Now()
	pl, err := c.PlaceAndTrackOpenOrder(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pl.ClosePlaced {
		t.Fatalf("expected close order after pushed fill")
	}
	if len(f.canceled()) != 0 {
		t.Fatalf("expected no cancel after full fill")
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("expected fill signal to shortcut the wait, took %v", elapsed)
	}
}

func TestCancelFailureAfterFillStillCloses(t *testing.T) {
	f := &fakeVenue{
		bids:         []decimal.Decimal{dec("99.5"), dec("100.1")},
		asks:         []decimal.Decimal{dec("100"), dec("100.5")},
		openResult:   exchange.OrderResult{Success: true, OrderID: "o-1", Status: exchange.StatusOpen},
		closeResults: []exchange.OrderResult{{Success: true, OrderID: "c-1"}},
		cancelResult: exchange.OrderResult{Success: false, ErrorMessage: "order already filled"},
		infos: []*exchange.OrderInfo{
			{OrderID: "o-1", Status: exchange.StatusOpen},
			{OrderID: "o-1", Status: exchange.StatusFilled, FilledSize: dec("0.5"), Size: dec("0.5")},
		},
	}
	c := newTestController(f, testConfig())

	pl, err := c.PlaceAndTrackOpenOrder(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pl.FilledSize.Equal(dec("0.5")) {
		t.Fatalf("expected the fill to win the cancel race, got %s", pl.FilledSize)
	}
	if got := len(f.closed()); got != 1 {
		t.Fatalf("expected exactly one close order, got %d", got)
	}
}

func TestSelfTradeCancelReplacesClose(t *testing.T) {
	f := &fakeVenue{
		bids:       []decimal.Decimal{dec("99.5")},
		asks:       []decimal.Decimal{dec("100")},
		openResult: exchange.OrderResult{Success: true, OrderID: "o-1", Status: exchange.StatusFilled, FilledSize: dec("0.5")},
		closeResults: []exchange.OrderResult{
			{Success: true, OrderID: "c-1"},
			{Success: true, OrderID: "c-2"},
		},
	}
	c := newTestController(f, testConfig())

	stop := make(chan struct{})
	go func() {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-stop:
				return
			case <-deadline:
				return
			default:
			}
			c.HandleOrderUpdate(exchange.OrderUpdate{
				OrderID:      "c-1",
				Type:         exchange.OrderTypeClose,
				Status:       exchange.StatusCanceled,
				CancelReason: exchange.CancelReasonSelfTrade,
				ContractID:   "FAKE-PERP",
			})
			time.Sleep(2 * time.Millisecond)
		}
	}()

	pl, err := c.PlaceAndTrackOpenOrder(context.Background())
	close(stop)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	closes := f.closed()
	if len(closes) != 2 {
		t.Fatalf("expected the close order to be replaced once, got %d placements", len(closes))
	}
	if !closes[1].size.Equal(closes[0].size) || !closes[1].price.Equal(closes[0].price) {
		t.Fatalf("expected replacement with same size and price")
	}
	if pl.CloseOrderID != "c-2" {
		t.Fatalf("expected final close id c-2, got %s", pl.CloseOrderID)
	}
}

func TestOpenRejectionReturnsError(t *testing.T) {
	f := &fakeVenue{
		bids:       []decimal.Decimal{dec("99.5")},
		asks:       []decimal.Decimal{dec("100")},
		openResult: exchange.OrderResult{Success: false, ErrorMessage: "insufficient margin"},
	}
	c := newTestController(f, testConfig())

	if _, err := c.PlaceAndTrackOpenOrder(context.Background()); err == nil {
		t.Fatalf("expected placement rejection to surface")
	}
	if len(f.closed()) != 0 || len(f.canceled()) != 0 {
		t.Fatalf("expected no close or cancel after rejection")
	}
}

func TestCloseFillHookInvoked(t *testing.T) {
	f := &fakeVenue{}
	c := newTestController(f, testConfig())

	var got exchange.OrderUpdate
	called := 0
	c.SetCloseFillHandler(func(u exchange.OrderUpdate) {
		got = u
		called++
	})

	c.HandleOrderUpdate(exchange.OrderUpdate{
		OrderID:    "c-9",
		Type:       exchange.OrderTypeClose,
		Status:     exchange.StatusFilled,
		Size:       dec("0.5"),
		ContractID: "FAKE-PERP",
	})
	if called != 1 {
		t.Fatalf("expected close fill hook once, got %d", called)
	}
	if got.OrderID != "c-9" {
		t.Fatalf("expected order id c-9, got %s", got.OrderID)
	}
}

func TestUpdatesForOtherContractsIgnored(t *testing.T) {
	f := &fakeVenue{}
	c := newTestController(f, testConfig())

	called := 0
	c.SetCloseFillHandler(func(exchange.OrderUpdate) { called++ })

	c.HandleOrderUpdate(exchange.OrderUpdate{
		OrderID:    "c-9",
		Type:       exchange.OrderTypeClose,
		Status:     exchange.StatusFilled,
		ContractID: "OTHER-PERP",
	})
	if called != 0 {
		t.Fatalf("expected updates for other contracts to be dropped")
	}
}
