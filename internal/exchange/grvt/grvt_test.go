package grvt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/exchange"
)

type stubResp struct {
	status int
	body   string
}

func ok(body string) stubResp { return stubResp{status: http.StatusOK, body: body} }

// fakeVenue serves the session login plus queued per-path responses. A
// queue entry is consumed per call; the last entry sticks.
type fakeVenue struct {
	srv *httptest.Server

	mu       sync.Mutex
	logins   int
	denyOnce bool
	queues   map[string][]stubResp
	lastBody map[string][]byte
	calls    map[string]int
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	f := &fakeVenue{
		queues:   make(map[string][]stubResp),
		lastBody: make(map[string][]byte),
		calls:    make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVenue) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.URL.Path]++
	f.lastBody[r.URL.Path] = body

	if r.URL.Path == loginPath {
		f.logins++
		http.SetCookie(w, &http.Cookie{
			Name:    sessionCookieName,
			Value:   fmt.Sprintf("sess-%d", f.logins),
			Expires: time.Now().Add(time.Hour),
		})
		w.Header().Set(accountIDHeader, "acct-1")
		_, _ = w.Write([]byte(`{}`))
		return
	}
	if f.logins == 0 || !strings.Contains(r.Header.Get("Cookie"), fmt.Sprintf("sess-%d", f.logins)) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.denyOnce {
		f.denyOnce = false
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	q := f.queues[r.URL.Path]
	if len(q) == 0 {
		http.Error(w, "no stub for "+r.URL.Path, http.StatusBadRequest)
		return
	}
	resp := q[0]
	if len(q) > 1 {
		f.queues[r.URL.Path] = q[1:]
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (f *fakeVenue) stub(path string, resps ...stubResp) {
	f.mu.Lock()
	f.queues[path] = resps
	f.mu.Unlock()
}

func (f *fakeVenue) body(t *testing.T, path string) map[string]any {
	t.Helper()
	f.mu.Lock()
	raw := f.lastBody[path]
	f.mu.Unlock()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return m
}

func (f *fakeVenue) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func newTestClient(t *testing.T, f *fakeVenue) *Client {
	t.Helper()
	c, err := New(Config{
		RESTURL:        f.srv.URL,
		WSURL:          "ws://127.0.0.1:0",
		Timeout:        2 * time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		APIKey:         "test-key",
		SubAccountID:   "9001",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c.tm = timings{
		pendingSettleWait:      200 * time.Millisecond,
		pendingPollInterval:    10 * time.Millisecond,
		marketSettleDelay:      5 * time.Millisecond,
		marketPollInterval:     5 * time.Millisecond,
		marketFeedWait:         40 * time.Millisecond,
		positionCheckDelay:     5 * time.Millisecond,
		marketRetryBaseDelay:   5 * time.Millisecond,
		marketRetrySettleDelay: 5 * time.Millisecond,
	}
	return c
}

const instrumentsBody = `{"result":[
	{"instrument":"BTC_USDT_Perp","base":"BTC","quote":"USDT","kind":"PERPETUAL","tick_size":"0.1","min_size":"0.001"},
	{"instrument":"ETH_USDT_Perp","base":"ETH","quote":"USDT","kind":"PERPETUAL","tick_size":"0.01","min_size":"0.01"}
]}`

const summaryBody = `{"result":{"total_equity":"10500.5","unrealized_pnl":"-25.5","initial_margin":"500","available_balance":"9000"}}`

func resolveETH(t *testing.T, c *Client, f *fakeVenue) {
	t.Helper()
	f.stub(instrumentsPath, ok(instrumentsBody))
	id, tick, err := c.ContractAttributes(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("contract attributes: %v", err)
	}
	if id != "ETH_USDT_Perp" {
		t.Fatalf("expected ETH_USDT_Perp, got %s", id)
	}
	if tick.String() != "0.01" {
		t.Fatalf("expected tick 0.01, got %s", tick)
	}
}

func orderBody(id, cloid, status, reason, size, price, filled string, buying bool) string {
	return fmt.Sprintf(`{"result":{"order_id":%q,"legs":[{"instrument":"ETH_USDT_Perp","size":%q,"limit_price":%q,"is_buying_asset":%t}],"state":{"status":%q,"reject_reason":%q,"book_size":["0"],"traded_size":[%q],"average_fill_price":[%q]},"metadata":{"client_order_id":%q}}}`,
		id, size, price, buying, status, reason, filled, price, cloid)
}

func positionsBody(size string) string {
	return fmt.Sprintf(`{"result":[{"instrument":"ETH_USDT_Perp","size":%q,"unrealized_pnl":"-5","initial_margin":"100"}]}`, size)
}

func TestSessionReloginOn401(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	f.stub(summaryPath, ok(summaryBody))

	networth, err := c.Networth(context.Background())
	if err != nil {
		t.Fatalf("networth: %v", err)
	}
	if networth.String() != "10500.5" {
		t.Fatalf("expected 10500.5, got %s", networth)
	}
	if f.loginCount() != 1 {
		t.Fatalf("expected 1 login, got %d", f.loginCount())
	}

	f.mu.Lock()
	f.denyOnce = true
	f.mu.Unlock()
	if _, err := c.Networth(context.Background()); err != nil {
		t.Fatalf("networth after 401: %v", err)
	}
	if f.loginCount() != 2 {
		t.Fatalf("expected relogin, got %d logins", f.loginCount())
	}
}

func TestContractAttributesUnknownTicker(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	f.stub(instrumentsPath, ok(instrumentsBody))
	if _, _, err := c.ContractAttributes(context.Background(), "DOGE"); !errors.Is(err, exchange.ErrContractNotFound) {
		t.Fatalf("expected contract not found, got %v", err)
	}
}

func TestBBO(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	f.stub(miniTickerPath, ok(`{"result":{"instrument":"ETH_USDT_Perp","best_bid_price":"1999.5","best_ask_price":"2000.5"}}`))
	bid, ask, err := c.BBO(context.Background(), "ETH_USDT_Perp")
	if err != nil {
		t.Fatalf("bbo: %v", err)
	}
	if bid.String() != "1999.5" || ask.String() != "2000.5" {
		t.Fatalf("expected 1999.5/2000.5, got %s/%s", bid, ask)
	}

	f.stub(miniTickerPath, ok(`{"result":{"instrument":"ETH_USDT_Perp","best_bid_price":"0","best_ask_price":"2000.5"}}`))
	if _, _, err := c.BBO(context.Background(), "ETH_USDT_Perp"); err == nil {
		t.Fatal("expected error for zero bid")
	}
}

func TestPlaceOpenOrderWire(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(createOrderPath, ok(orderBody("77", "1", "OPEN", "", "0.5", "2000.1", "0", true)))

	res, err := c.PlaceOpenOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("0.5"), decimal.RequireFromString("2000.1"), exchange.SideBuy)
	if err != nil {
		t.Fatalf("place open: %v", err)
	}
	if !res.Success || res.OrderID != "77" || res.Status != exchange.StatusOpen {
		t.Fatalf("unexpected result: %+v", res)
	}

	order, _ := f.body(t, createOrderPath)["order"].(map[string]any)
	if order["sub_account_id"] != "9001" {
		t.Fatalf("expected sub account 9001, got %v", order["sub_account_id"])
	}
	if order["time_in_force"] != tifGoodTillTime {
		t.Fatalf("expected GTT, got %v", order["time_in_force"])
	}
	if order["post_only"] != true {
		t.Fatal("expected post only on wire")
	}
	legs, _ := order["legs"].([]any)
	if len(legs) != 1 {
		t.Fatalf("expected one leg, got %d", len(legs))
	}
	leg, _ := legs[0].(map[string]any)
	if leg["instrument"] != "ETH_USDT_Perp" || leg["size"] != "0.5" || leg["limit_price"] != "2000.1" {
		t.Fatalf("unexpected leg: %v", leg)
	}
	if leg["is_buying_asset"] != true {
		t.Fatal("expected buy leg")
	}

	c.mu.Lock()
	typ := c.types["77"]
	c.mu.Unlock()
	if typ != exchange.OrderTypeOpen {
		t.Fatalf("expected open classification, got %q", typ)
	}
}

func TestPlaceCloseOrderRejectedCross(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(createOrderPath, ok(orderBody("78", "2", "REJECTED", "POST_ONLY_WOULD_CROSS", "0.5", "1999", "0", false)))

	res, err := c.PlaceCloseOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("0.5"), decimal.RequireFromString("1999"), exchange.SideSell)
	if err != nil {
		t.Fatalf("place close: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Status != exchange.StatusCanceled || res.CancelReason != exchange.CancelReasonSlippage {
		t.Fatalf("expected slippage cancel, got %s/%s", res.Status, res.CancelReason)
	}
	if res.ErrorMessage != "POST_ONLY_WOULD_CROSS" {
		t.Fatalf("expected reject reason surfaced, got %q", res.ErrorMessage)
	}
}

func TestPlaceOrderPendingSettles(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(createOrderPath, ok(orderBody("79", "3", "PENDING", "", "0.5", "2000", "0", true)))
	f.stub(orderPath,
		ok(orderBody("79", "3", "PENDING", "", "0.5", "2000", "0", true)),
		ok(orderBody("79", "3", "OPEN", "", "0.5", "2000", "0", true)))

	res, err := c.PlaceOpenOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("0.5"), decimal.RequireFromString("2000"), exchange.SideBuy)
	if err != nil {
		t.Fatalf("place open: %v", err)
	}
	if !res.Success || res.Status != exchange.StatusOpen {
		t.Fatalf("expected settled open order, got %+v", res)
	}
}

func TestPlaceOrderPendingTimeout(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(createOrderPath, ok(orderBody("80", "4", "PENDING", "", "0.5", "2000", "0", true)))
	f.stub(orderPath, ok(orderBody("80", "4", "PENDING", "", "0.5", "2000", "0", true)))

	_, err := c.PlaceOpenOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("0.5"), decimal.RequireFromString("2000"), exchange.SideBuy)
	if err == nil || !strings.Contains(err.Error(), "not processed") {
		t.Fatalf("expected settle timeout, got %v", err)
	}
}

func TestPlaceOrderBelowMinSize(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	_, err := c.PlaceOpenOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("0.001"), decimal.RequireFromString("2000"), exchange.SideBuy)
	if err == nil || !strings.Contains(err.Error(), "below venue minimum") {
		t.Fatalf("expected min size error, got %v", err)
	}
}

func TestPlaceMarketOrderFilledByPoll(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(positionsPath, ok(positionsBody("0")))
	f.stub(createOrderPath, ok(orderBody("81", "5", "PENDING", "", "2", "0", "0", true)))
	f.stub(orderPath, ok(orderBody("81", "5", "FILLED", "", "2", "100.41", "2", true)))

	res, err := c.PlaceMarketOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("2"), exchange.SideBuy, exchange.MarketOrderOpts{ReduceOnly: true})
	if err != nil {
		t.Fatalf("place market: %v", err)
	}
	if !res.Success || res.Status != exchange.StatusFilled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FilledSize.String() != "2" || res.Price.String() != "100.41" {
		t.Fatalf("unexpected fill: %s @ %s", res.FilledSize, res.Price)
	}

	order, _ := f.body(t, createOrderPath)["order"].(map[string]any)
	if order["is_market"] != true {
		t.Fatal("expected market order on wire")
	}
	if order["time_in_force"] != tifImmediateOrCancel {
		t.Fatalf("expected IOC, got %v", order["time_in_force"])
	}
	if order["reduce_only"] != true {
		t.Fatal("expected reduce only on wire")
	}
	c.mu.Lock()
	typ := c.types["81"]
	c.mu.Unlock()
	if typ != exchange.OrderTypeClose {
		t.Fatalf("expected close classification for reduce-only market, got %q", typ)
	}
}

func TestPlaceMarketOrderPositionFallback(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(positionsPath, ok(positionsBody("2")), ok(positionsBody("0")))
	f.stub(createOrderPath, ok(orderBody("82", "6", "PENDING", "", "2", "0", "0", false)))

	res, err := c.PlaceMarketOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("2"), exchange.SideSell, exchange.MarketOrderOpts{ReduceOnly: true, PreferWS: true})
	if err != nil {
		t.Fatalf("place market: %v", err)
	}
	if !res.Success || res.Status != exchange.StatusFilled {
		t.Fatalf("expected position-confirmed fill, got %+v", res)
	}
	if res.FilledSize.String() != "2" {
		t.Fatalf("expected delta 2, got %s", res.FilledSize)
	}
}

func TestPlaceMarketOrderFeedConfirm(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(positionsPath, ok(positionsBody("0")))
	f.stub(createOrderPath, ok(orderBody("99", "7", "PENDING", "", "1", "0", "0", true)))

	go func() {
		time.Sleep(10 * time.Millisecond)
		frame := `{"jsonrpc":"2.0","method":"subscription","params":{"stream":"v1.order","feed":` +
			`{"order_id":"99","legs":[{"instrument":"ETH_USDT_Perp","size":"1","limit_price":"100","is_buying_asset":true}],` +
			`"state":{"status":"FILLED","traded_size":["1"],"book_size":["0"]},"metadata":{"client_order_id":"7"}}}}`
		c.handleWS(json.RawMessage(frame))
	}()

	res, err := c.PlaceMarketOrder(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("1"), exchange.SideBuy, exchange.MarketOrderOpts{PreferWS: true})
	if err != nil {
		t.Fatalf("place market: %v", err)
	}
	if !res.Success || res.Status != exchange.StatusFilled {
		t.Fatalf("expected feed-confirmed fill, got %+v", res)
	}
	if res.FilledSize.String() != "1" || res.Price.String() != "100" {
		t.Fatalf("unexpected fill: %s @ %s", res.FilledSize, res.Price)
	}
}

func TestPlaceMarketOrderWithRetryPositionCleared(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(positionsPath, ok(positionsBody("2")), ok(positionsBody("0")))
	f.stub(createOrderPath, ok(orderBody("55", "8", "PENDING", "", "2", "0", "0", false)))
	f.stub(orderPath, ok(orderBody("55", "8", "CANCELLED", "IOC_UNFILLED", "2", "0", "0", false)))

	res, err := c.PlaceMarketOrderWithRetry(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("2"), exchange.SideSell, exchange.MarketOrderOpts{ReduceOnly: true})
	if err != nil {
		t.Fatalf("retry market: %v", err)
	}
	if res.OrderID != syntheticOrderID {
		t.Fatalf("expected position-cleared short-circuit, got %+v", res)
	}
	if res.Status != exchange.StatusFilled || res.FilledSize.String() != "2" {
		t.Fatalf("expected synthetic fill, got %+v", res)
	}
}

func TestPlaceMarketOrderWithRetryPendingSettle(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)
	f.stub(positionsPath, stubResp{status: http.StatusInternalServerError, body: `{"message":"boom"}`}, ok(positionsBody("0")))
	f.stub(createOrderPath, ok(orderBody("66", "9", "PENDING", "", "1", "0", "0", false)))

	res, err := c.PlaceMarketOrderWithRetry(context.Background(), "ETH_USDT_Perp",
		decimal.RequireFromString("1"), exchange.SideSell, exchange.MarketOrderOpts{ReduceOnly: true, PreferWS: true})
	if err != nil {
		t.Fatalf("retry market: %v", err)
	}
	if res.OrderID != "66" || res.Status != exchange.StatusFilled {
		t.Fatalf("expected pending order settled by position check, got %+v", res)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	f.stub(cancelOrderPath, ok(`{"result":{"ack":true}}`))

	res, err := c.CancelOrder(context.Background(), "77")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.Success || res.Status != exchange.StatusCanceled {
		t.Fatalf("unexpected result: %+v", res)
	}
	body := f.body(t, cancelOrderPath)
	if body["order_id"] != "77" || body["sub_account_id"] != "9001" {
		t.Fatalf("unexpected cancel body: %v", body)
	}

	f.stub(cancelOrderPath, stubResp{status: http.StatusNotFound, body: `{"message":"order not found"}`})
	if _, err := c.CancelOrder(context.Background(), "78"); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestOrderInfoNotFound(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	f.stub(orderPath, stubResp{status: http.StatusNotFound, body: `{"message":"order not found"}`})
	if _, err := c.OrderInfo(context.Background(), "404"); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestActiveOrdersFiltersContract(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	f.stub(openOrdersPath, ok(`{"result":[
		{"order_id":"1","legs":[{"instrument":"ETH_USDT_Perp","size":"0.5","limit_price":"2000","is_buying_asset":true}],"state":{"status":"OPEN","traded_size":["0"],"book_size":["0.5"]}},
		{"order_id":"2","legs":[{"instrument":"BTC_USDT_Perp","size":"0.1","limit_price":"100000","is_buying_asset":false}],"state":{"status":"OPEN","traded_size":["0"],"book_size":["0.1"]}}
	]}`))
	orders, err := c.ActiveOrders(context.Background(), "ETH_USDT_Perp")
	if err != nil {
		t.Fatalf("active orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "1" {
		t.Fatalf("expected one ETH order, got %+v", orders)
	}
}

func TestPositionSigned(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	if _, err := c.Position(context.Background()); !errors.Is(err, exchange.ErrNotConnected) {
		t.Fatalf("expected not connected before resolve, got %v", err)
	}
	resolveETH(t, c, f)
	f.stub(positionsPath, ok(positionsBody("-0.5")))
	pos, err := c.Position(context.Background())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.String() != "-0.5" {
		t.Fatalf("expected -0.5, got %s", pos)
	}
}

func TestUnrealizedPnLAndMargin(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	f.stub(summaryPath, ok(summaryBody))
	pnl, margin, err := c.UnrealizedPnLAndMargin(context.Background())
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl.String() != "-25.5" || margin.String() != "500" {
		t.Fatalf("expected -25.5/500, got %s/%s", pnl, margin)
	}
}

func TestDispatchDedupAndClassification(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	c.recordOrderType("11", exchange.OrderTypeClose)

	var got []exchange.OrderUpdate
	c.SetOrderUpdateHandler(func(u exchange.OrderUpdate) { got = append(got, u) })

	open := `{"params":{"stream":"v1.order","feed":{"order_id":"11","legs":[{"instrument":"ETH_USDT_Perp","size":"1","limit_price":"2000","is_buying_asset":false}],"state":{"status":"OPEN","traded_size":["0"],"book_size":["1"]},"metadata":{"client_order_id":"12"}}}}`
	c.handleWS(json.RawMessage(open))
	c.handleWS(json.RawMessage(open))

	// Top-level feed placement, the older gateway shape.
	filled := `{"feed":{"order_id":"11","legs":[{"instrument":"ETH_USDT_Perp","size":"1","limit_price":"2000","is_buying_asset":false}],"state":{"status":"FILLED","traded_size":["1"],"book_size":["0"]},"metadata":{"client_order_id":"12"}}}`
	c.handleWS(json.RawMessage(filled))

	if len(got) != 2 {
		t.Fatalf("expected duplicate suppressed, got %d updates", len(got))
	}
	if got[0].Status != exchange.StatusOpen || got[1].Status != exchange.StatusFilled {
		t.Fatalf("unexpected statuses: %s, %s", got[0].Status, got[1].Status)
	}
	for _, u := range got {
		if u.Type != exchange.OrderTypeClose {
			t.Fatalf("expected close classification, got %q", u.Type)
		}
		if u.ContractID != "ETH_USDT_Perp" || u.Side != exchange.SideSell {
			t.Fatalf("unexpected update: %+v", u)
		}
	}
}

func TestDispatchFiltersOtherInstruments(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	resolveETH(t, c, f)

	var got []exchange.OrderUpdate
	c.SetOrderUpdateHandler(func(u exchange.OrderUpdate) { got = append(got, u) })

	frame := `{"feed":{"order_id":"12","legs":[{"instrument":"BTC_USDT_Perp","size":"1","limit_price":"100000","is_buying_asset":true}],"state":{"status":"OPEN","traded_size":["0"],"book_size":["1"]},"metadata":{"client_order_id":"13"}}}`
	c.handleWS(json.RawMessage(frame))
	if len(got) != 0 {
		t.Fatalf("expected other-instrument update dropped, got %+v", got)
	}
}

func TestLookupTypePromotesClientOrderID(t *testing.T) {
	f := newFakeVenue(t)
	c := newTestClient(t, f)
	c.recordCloid("424242", exchange.OrderTypeOpen)

	if typ := c.lookupType("77", "424242"); typ != exchange.OrderTypeOpen {
		t.Fatalf("expected open via client id, got %q", typ)
	}
	c.mu.Lock()
	promoted := c.types["77"]
	c.mu.Unlock()
	if promoted != exchange.OrderTypeOpen {
		t.Fatalf("expected promotion to venue id, got %q", promoted)
	}
}
