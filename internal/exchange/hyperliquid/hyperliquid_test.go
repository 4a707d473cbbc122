package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/exchange"
)

// fakeVenue serves canned /info and /exchange responses and captures the
// last signed action for wire-level assertions.
type fakeVenue struct {
	srv *httptest.Server

	mu         sync.Mutex
	info       map[string]any
	placeResp  map[string]any
	cancelResp map[string]any
	lastAction map[string]any
	lastNonce  float64
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	f := &fakeVenue{info: make(map[string]any)}
	mux := http.NewServeMux()
	mux.HandleFunc("/info", f.handleInfo)
	mux.HandleFunc("/exchange", f.handleExchange)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVenue) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	payload, ok := f.info[stringFromAny(req["type"])]
	f.mu.Unlock()
	if !ok {
		http.Error(w, "unexpected info type", http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeVenue) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action := toMap(req["action"])
	f.mu.Lock()
	f.lastAction = action
	f.lastNonce, _ = req["nonce"].(float64)
	var resp map[string]any
	switch stringFromAny(action["type"]) {
	case "order":
		resp = f.placeResp
	case "cancel":
		resp = f.cancelResp
	}
	f.mu.Unlock()
	if resp == nil {
		http.Error(w, "unexpected action", http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeVenue) setInfo(infoType string, payload any) {
	f.mu.Lock()
	f.info[infoType] = payload
	f.mu.Unlock()
}

func (f *fakeVenue) lastOrder() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	orders := toSlice(f.lastAction["orders"])
	if len(orders) == 0 {
		return nil
	}
	return toMap(orders[0])
}

func restingResp(oid int64) map[string]any {
	return map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{map[string]any{"resting": map[string]any{"oid": oid}}},
			},
		},
	}
}

func newVenueClient(t *testing.T, f *fakeVenue) *Client {
	t.Helper()
	c, err := New(Config{
		RESTURL:       f.srv.URL,
		WSURL:         "ws://127.0.0.1:0",
		Timeout:       2 * time.Second,
		WalletAddress: "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1",
		PrivateKey:    testPrivateKey,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("client error: %v", err)
	}
	return c
}

func resolveETH(t *testing.T, c *Client, f *fakeVenue) {
	t.Helper()
	f.setInfo("meta", map[string]any{
		"universe": []any{
			map[string]any{"name": "BTC", "szDecimals": float64(5)},
			map[string]any{"name": "ETH", "szDecimals": float64(4)},
		},
	})
	contractID, tick, err := c.ContractAttributes(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("contract attributes: %v", err)
	}
	if contractID != "ETH" {
		t.Fatalf("expected contract ETH, got %s", contractID)
	}
	if tick.String() != "0.01" {
		t.Fatalf("expected tick 0.01, got %s", tick.String())
	}
}

func TestContractAttributesUnknownTicker(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	f.setInfo("meta", map[string]any{"universe": []any{map[string]any{"name": "BTC", "szDecimals": float64(5)}}})
	if _, _, err := c.ContractAttributes(context.Background(), "DOGE"); !errors.Is(err, exchange.ErrContractNotFound) {
		t.Fatalf("expected contract not found, got %v", err)
	}
}

func TestBBOParsesBook(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	f.setInfo("l2Book", map[string]any{
		"levels": []any{
			[]any{map[string]any{"px": "1999.5", "sz": "3"}},
			[]any{map[string]any{"px": "2000.5", "sz": "2"}},
		},
	})
	bid, ask, err := c.BBO(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("bbo: %v", err)
	}
	if bid.String() != "1999.5" || ask.String() != "2000.5" {
		t.Fatalf("expected 1999.5/2000.5, got %s/%s", bid.String(), ask.String())
	}
}

func TestPlaceOpenOrderRestingWire(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	resolveETH(t, c, f)
	f.placeResp = restingResp(777)

	res, err := c.PlaceOpenOrder(context.Background(), "ETH",
		decimal.RequireFromString("0.5"), decimal.RequireFromString("2000.123"), exchange.SideBuy)
	if err != nil {
		t.Fatalf("place open: %v", err)
	}
	if !res.Success || res.OrderID != "777" || res.Status != exchange.StatusOpen {
		t.Fatalf("unexpected result: %+v", res)
	}
	order := f.lastOrder()
	if got, _ := intFromAny(order["a"]); got != 1 {
		t.Fatalf("expected asset index 1, got %v", order["a"])
	}
	if order["b"] != true {
		t.Fatalf("expected buy order")
	}
	if order["p"] != "2000.1" {
		t.Fatalf("expected price rounded to 2000.1, got %v", order["p"])
	}
	if order["s"] != "0.5" {
		t.Fatalf("expected size 0.5, got %v", order["s"])
	}
	if order["r"] != false {
		t.Fatalf("expected reduce only false")
	}
	if tif := stringFromAny(toMap(toMap(order["t"])["limit"])["tif"]); tif != "Gtc" {
		t.Fatalf("expected Gtc, got %s", tif)
	}
	if stringFromAny(order["c"]) == "" {
		t.Fatalf("expected client order id on wire")
	}
	c.mu.Lock()
	typ := c.orderTypes["777"]
	c.mu.Unlock()
	if typ != exchange.OrderTypeOpen {
		t.Fatalf("expected open classification recorded, got %q", typ)
	}
}

func TestPlaceMarketOrderCrossesBookIOC(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	resolveETH(t, c, f)
	f.setInfo("l2Book", map[string]any{
		"levels": []any{
			[]any{map[string]any{"px": "100"}},
			[]any{map[string]any{"px": "100.4"}},
		},
	})
	f.placeResp = map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{map[string]any{"filled": map[string]any{"oid": int64(888), "totalSz": "2", "avgPx": "100.41"}}},
			},
		},
	}
	res, err := c.PlaceMarketOrder(context.Background(), "ETH",
		decimal.RequireFromString("2"), exchange.SideBuy, exchange.MarketOrderOpts{ReduceOnly: true})
	if err != nil {
		t.Fatalf("place market: %v", err)
	}
	if !res.Success || res.Status != exchange.StatusFilled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FilledSize.String() != "2" {
		t.Fatalf("expected filled size 2, got %s", res.FilledSize.String())
	}
	order := f.lastOrder()
	if order["p"] != "105.42" {
		t.Fatalf("expected crossing price 105.42, got %v", order["p"])
	}
	if order["r"] != true {
		t.Fatalf("expected reduce only on wire")
	}
	if tif := stringFromAny(toMap(toMap(order["t"])["limit"])["tif"]); tif != "Ioc" {
		t.Fatalf("expected Ioc, got %s", tif)
	}
	c.mu.Lock()
	typ := c.orderTypes["888"]
	c.mu.Unlock()
	if typ != exchange.OrderTypeClose {
		t.Fatalf("expected close classification for reduce-only market, got %q", typ)
	}
}

func TestPlaceMarketOrderPreferWSUnsupported(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	resolveETH(t, c, f)
	_, err := c.PlaceMarketOrder(context.Background(), "ETH",
		decimal.RequireFromString("1"), exchange.SideSell, exchange.MarketOrderOpts{PreferWS: true})
	if !errors.Is(err, exchange.ErrUnsupportedOption) {
		t.Fatalf("expected unsupported option, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	resolveETH(t, c, f)
	f.cancelResp = map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "cancel",
			"data": map[string]any{"statuses": []any{"success"}},
		},
	}
	res, err := c.CancelOrder(context.Background(), "777")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.Success || res.Status != exchange.StatusCanceled {
		t.Fatalf("unexpected result: %+v", res)
	}

	f.mu.Lock()
	f.cancelResp = map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "cancel",
			"data": map[string]any{"statuses": []any{
				map[string]any{"error": "Order was never placed, already canceled, or filled."},
			}},
		},
	}
	f.mu.Unlock()
	if _, err := c.CancelOrder(context.Background(), "778"); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestOrderInfoMapsTerminalStatus(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	f.setInfo("orderStatus", map[string]any{
		"status": "order",
		"order": map[string]any{
			"order": map[string]any{
				"coin":    "ETH",
				"oid":     float64(777),
				"side":    "B",
				"limitPx": "2000.1",
				"sz":      "0",
				"origSz":  "0.5",
			},
			"status": "filled",
		},
	})
	info, err := c.OrderInfo(context.Background(), "777")
	if err != nil {
		t.Fatalf("order info: %v", err)
	}
	if info.Status != exchange.StatusFilled {
		t.Fatalf("expected filled, got %s", info.Status)
	}
	if info.FilledSize.String() != "0.5" {
		t.Fatalf("expected filled size 0.5, got %s", info.FilledSize.String())
	}

	f.setInfo("orderStatus", map[string]any{"status": "unknownOid"})
	if _, err := c.OrderInfo(context.Background(), "404"); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestActiveOrdersFiltersContract(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	f.setInfo("openOrders", []any{
		map[string]any{"coin": "ETH", "oid": float64(1), "side": "B", "limitPx": "2000", "sz": "0.5", "origSz": "0.5"},
		map[string]any{"coin": "BTC", "oid": float64(2), "side": "A", "limitPx": "100000", "sz": "0.1", "origSz": "0.1"},
	})
	orders, err := c.ActiveOrders(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("active orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "1" {
		t.Fatalf("expected one ETH order, got %+v", orders)
	}
}

func TestNetworthAndUnrealizedPnL(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	resolveETH(t, c, f)
	f.setInfo("clearinghouseState", map[string]any{
		"marginSummary": map[string]any{
			"accountValue":    "12345.6",
			"totalMarginUsed": "1000",
		},
		"assetPositions": []any{
			map[string]any{"position": map[string]any{"coin": "ETH", "szi": "0.5", "unrealizedPnl": "-12.5"}},
			map[string]any{"position": map[string]any{"coin": "BTC", "szi": "0.01", "unrealizedPnl": "3.5"}},
		},
	})
	networth, err := c.Networth(context.Background())
	if err != nil {
		t.Fatalf("networth: %v", err)
	}
	if networth.String() != "12345.6" {
		t.Fatalf("expected 12345.6, got %s", networth.String())
	}
	position, err := c.Position(context.Background())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.String() != "0.5" {
		t.Fatalf("expected position 0.5, got %s", position.String())
	}
	pnl, margin, err := c.UnrealizedPnLAndMargin(context.Background())
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl.String() != "-9" {
		t.Fatalf("expected pnl -9, got %s", pnl.String())
	}
	if margin.String() != "1000" {
		t.Fatalf("expected margin 1000, got %s", margin.String())
	}
}

func TestHandleWSDispatchesClassifiedUpdate(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	c.recordOrderType("777", exchange.OrderTypeClose)

	var got []exchange.OrderUpdate
	c.SetOrderUpdateHandler(func(u exchange.OrderUpdate) { got = append(got, u) })

	frame := `{"channel":"orderUpdates","data":[{"order":{"coin":"ETH","side":"B","limitPx":"2000.1","oid":777,"sz":"0","origSz":"0.5"},"status":"filled","statusTimestamp":1}]}`
	c.handleWS(json.RawMessage(frame))

	if len(got) != 1 {
		t.Fatalf("expected 1 update, got %d", len(got))
	}
	u := got[0]
	if u.OrderID != "777" || u.Type != exchange.OrderTypeClose {
		t.Fatalf("unexpected update: %+v", u)
	}
	if u.Status != exchange.StatusFilled {
		t.Fatalf("expected filled, got %s", u.Status)
	}
	if u.FilledSize.String() != "0.5" {
		t.Fatalf("expected filled size 0.5, got %s", u.FilledSize.String())
	}
	if u.ContractID != "ETH" {
		t.Fatalf("expected contract ETH, got %s", u.ContractID)
	}
}

func TestLookupTypePromotesCloid(t *testing.T) {
	f := newFakeVenue(t)
	c := newVenueClient(t, f)
	c.mu.Lock()
	c.cloidTypes["0xabc"] = exchange.OrderTypeOpen
	c.mu.Unlock()

	if typ := c.lookupType("123", "0xabc"); typ != exchange.OrderTypeOpen {
		t.Fatalf("expected open via cloid, got %q", typ)
	}
	c.mu.Lock()
	promoted := c.orderTypes["123"]
	c.mu.Unlock()
	if promoted != exchange.OrderTypeOpen {
		t.Fatalf("expected promotion to order id, got %q", promoted)
	}
}

func TestRoundPx(t *testing.T) {
	cases := []struct {
		in         string
		szDecimals int
		out        string
	}{
		{"116235.7", 5, "116240"},
		{"2000.123", 4, "2000.1"},
		{"1.23456789", 2, "1.2346"},
		{"100", 5, "100"},
	}
	for _, tc := range cases {
		got := roundPx(decimal.RequireFromString(tc.in), tc.szDecimals)
		if !got.Equal(decimal.RequireFromString(tc.out)) {
			t.Fatalf("roundPx(%s, %d): expected %s, got %s", tc.in, tc.szDecimals, tc.out, got.String())
		}
	}
}
