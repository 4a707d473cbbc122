// Package hyperliquid adapts the Hyperliquid perp API to the exchange
// contract: signed REST actions for order flow, /info queries for state,
// and the user order-update stream for push notifications.
package hyperliquid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/exchange"
)

const (
	wsPingInterval = 30 * time.Second

	// Grid churn keeps this map warm for the life of a session; older ids
	// only matter until their orders go terminal.
	maxTrackedOrders = 4096
)

var (
	marketBuyCross  = decimal.RequireFromString("1.05")
	marketSellCross = decimal.RequireFromString("0.95")
)

// Journal records client order ids durably, best effort, so a restarted
// session can correlate venue orders it placed before the crash.
type Journal interface {
	Set(ctx context.Context, key, value string) error
}

type Config struct {
	RESTURL        string
	WSURL          string
	Timeout        time.Duration
	ReconnectDelay time.Duration
	WalletAddress  string
	PrivateKey     string
	VaultAddress   string
}

type Client struct {
	cfg     Config
	log     *zap.Logger
	info    *infoClient
	ws      *wsClient
	action  *actionClient
	user    string
	journal Journal

	mu         sync.Mutex
	coin       string
	assetIndex int
	szDecimals int
	tick       decimal.Decimal
	hasMeta    bool
	orderTypes map[string]exchange.OrderType
	typeOrder  []string
	cloidTypes map[string]exchange.OrderType
	handler    func(exchange.OrderUpdate)
	runCancel  context.CancelFunc
}

var _ exchange.Client = (*Client)(nil)
var _ exchange.PnLReporter = (*Client)(nil)

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.WalletAddress) == "" {
		return nil, fmt.Errorf("hyperliquid: wallet address is required")
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.RESTURL), "testnet")
	sgn, err := newSigner(cfg.PrivateKey, isMainnet)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: %w", err)
	}
	action, err := newActionClient(cfg.RESTURL, cfg.Timeout, sgn, cfg.VaultAddress, log)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: %w", err)
	}
	user := strings.TrimSpace(cfg.VaultAddress)
	if user == "" {
		user = strings.TrimSpace(cfg.WalletAddress)
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		info:       newInfoClient(cfg.RESTURL, cfg.Timeout),
		ws:         newWSClient(cfg.WSURL, cfg.ReconnectDelay, wsPingInterval, log),
		action:     action,
		user:       user,
		orderTypes: make(map[string]exchange.OrderType),
		cloidTypes: make(map[string]exchange.OrderType),
	}, nil
}

// InitNonceStore wires durable nonce persistence. Call before the first
// placement; a nil store leaves nonces purely in memory.
func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	return c.action.initNonceStore(ctx, store)
}

// SetJournal wires the client order id journal. Optional.
func (c *Client) SetJournal(j Journal) {
	c.journal = j
}

func (c *Client) Name() string { return "hyperliquid" }

// Connect opens the user order-update stream. The feed goroutine lives until
// ctx is canceled or Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.runCancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.ws.connect(ctx); err != nil {
		return fmt.Errorf("hyperliquid: ws connect: %w", err)
	}
	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type": "orderUpdates",
			"user": c.user,
		},
	}
	if err := c.ws.subscribe(ctx, sub); err != nil {
		return fmt.Errorf("hyperliquid: subscribe order updates: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCancel = cancel
	c.mu.Unlock()
	go func() {
		_ = c.ws.run(runCtx, c.handleWS)
	}()
	c.log.Info("venue connected", zap.String("venue", c.Name()), zap.String("user", c.user))
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.runCancel
	c.runCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.ws.reset()
	return nil
}

func (c *Client) ContractAttributes(ctx context.Context, ticker string) (string, decimal.Decimal, error) {
	payload, err := c.info.queryMap(ctx, map[string]any{"type": "meta"})
	if err != nil {
		return "", decimal.Decimal{}, fmt.Errorf("hyperliquid: meta: %w", err)
	}
	for i, item := range toSlice(payload["universe"]) {
		entry := toMap(item)
		name := stringFromAny(entry["name"])
		if !strings.EqualFold(name, ticker) {
			continue
		}
		szDecimals, _ := intFromAny(entry["szDecimals"])
		tick := decimal.New(1, int32(szDecimals-6))
		c.mu.Lock()
		c.coin = name
		c.assetIndex = i
		c.szDecimals = szDecimals
		c.tick = tick
		c.hasMeta = true
		c.mu.Unlock()
		c.log.Info("contract resolved",
			zap.String("venue", c.Name()),
			zap.String("contract_id", name),
			zap.Int("asset_index", i),
			zap.String("tick_size", tick.String()))
		return name, tick, nil
	}
	return "", decimal.Decimal{}, fmt.Errorf("%w: %s", exchange.ErrContractNotFound, ticker)
}

func (c *Client) BBO(ctx context.Context, contractID string) (decimal.Decimal, decimal.Decimal, error) {
	payload, err := c.info.queryMap(ctx, map[string]any{"type": "l2Book", "coin": contractID})
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("hyperliquid: l2 book: %w", err)
	}
	levels := toSlice(payload["levels"])
	if len(levels) < 2 {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("hyperliquid: l2 book missing levels for %s", contractID)
	}
	bids, asks := toSlice(levels[0]), toSlice(levels[1])
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("hyperliquid: empty book for %s", contractID)
	}
	bid, okBid := decimalFromAny(toMap(bids[0])["px"])
	ask, okAsk := decimalFromAny(toMap(asks[0])["px"])
	if !okBid || !okAsk {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("hyperliquid: malformed book for %s", contractID)
	}
	return bid, ask, nil
}

func (c *Client) PlaceOpenOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	return c.placeLimit(ctx, contractID, quantity, price, side, false, tifGtc, exchange.OrderTypeOpen)
}

func (c *Client) PlaceCloseOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	return c.placeLimit(ctx, contractID, quantity, price, side, false, tifGtc, exchange.OrderTypeClose)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	return c.placeLimit(ctx, contractID, quantity, price, side, false, tifGtc, "")
}

// PlaceMarketOrder submits an IOC limit crossing the book by a fixed margin.
// The venue has no native market type; an unfillable IOC comes back as a
// slippage cancel. PreferWS is not supported on this venue.
func (c *Client) PlaceMarketOrder(ctx context.Context, contractID string, quantity decimal.Decimal, side exchange.Side, opts exchange.MarketOrderOpts) (exchange.OrderResult, error) {
	if opts.PreferWS {
		return exchange.OrderResult{}, fmt.Errorf("%w: ws order path", exchange.ErrUnsupportedOption)
	}
	bid, ask, err := c.BBO(ctx, contractID)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	var price decimal.Decimal
	if side == exchange.SideBuy {
		price = ask.Mul(marketBuyCross)
	} else {
		price = bid.Mul(marketSellCross)
	}
	typ := exchange.OrderTypeOpen
	if opts.ReduceOnly {
		typ = exchange.OrderTypeClose
	}
	return c.placeLimit(ctx, contractID, quantity, price, side, opts.ReduceOnly, tifIoc, typ)
}

func (c *Client) placeLimit(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side, reduceOnly bool, t tif, typ exchange.OrderType) (exchange.OrderResult, error) {
	asset, szDecimals, err := c.assetFor(contractID)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	px := roundPx(price, szDecimals)
	cloid := newCloid()
	wire, err := limitOrderWire(asset, side == exchange.SideBuy, quantity, px, reduceOnly, t, cloid)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("hyperliquid: %w", err)
	}
	if typ != "" && cloid != "" {
		c.mu.Lock()
		c.cloidTypes[cloid] = typ
		c.mu.Unlock()
	}
	resp, err := c.action.placeOrder(ctx, wire)
	if err != nil {
		c.dropCloid(cloid)
		return exchange.OrderResult{}, fmt.Errorf("hyperliquid: place order: %w", err)
	}
	out := parsePlaceResponse(resp)
	if out.orderID != "" {
		c.recordOrderType(out.orderID, typ)
		c.journalCloid(ctx, cloid, out.orderID)
	}
	c.dropCloid(cloid)

	res := exchange.OrderResult{
		Success:      out.errMsg == "",
		OrderID:      out.orderID,
		Side:         side,
		Size:         quantity,
		Price:        px,
		Status:       out.status,
		CancelReason: out.reason,
		FilledSize:   out.filledSize,
		ErrorMessage: out.errMsg,
	}
	if out.status == exchange.StatusFilled && out.avgPrice.Sign() > 0 {
		res.Price = out.avgPrice
	}
	if res.Success {
		c.log.Info("order placed",
			zap.String("venue", c.Name()),
			zap.String("order_id", res.OrderID),
			zap.String("side", string(side)),
			zap.String("size", quantity.String()),
			zap.String("price", px.String()),
			zap.String("status", string(res.Status)))
	} else {
		c.log.Warn("order rejected",
			zap.String("venue", c.Name()),
			zap.String("side", string(side)),
			zap.String("size", quantity.String()),
			zap.String("price", px.String()),
			zap.String("error", res.ErrorMessage))
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (exchange.OrderResult, error) {
	oid, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("hyperliquid: invalid order id %q", orderID)
	}
	asset, _, err := c.assetFor("")
	if err != nil {
		return exchange.OrderResult{}, err
	}
	resp, err := c.action.cancelOrder(ctx, asset, oid)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("hyperliquid: cancel order: %w", err)
	}
	msg, ok := parseCancelResponse(resp)
	if ok {
		c.log.Info("order canceled", zap.String("venue", c.Name()), zap.String("order_id", orderID))
		return exchange.OrderResult{Success: true, OrderID: orderID, Status: exchange.StatusCanceled}, nil
	}
	res := exchange.OrderResult{OrderID: orderID, ErrorMessage: msg}
	if strings.Contains(strings.ToLower(msg), "never placed") {
		return res, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, msg)
	}
	return res, nil
}

func (c *Client) OrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	oid, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: invalid order id %q", orderID)
	}
	payload, err := c.info.queryMap(ctx, map[string]any{"type": "orderStatus", "user": c.user, "oid": oid})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: order status: %w", err)
	}
	if stringFromAny(payload["status"]) == "unknownOid" {
		return nil, exchange.ErrOrderNotFound
	}
	wrapper := toMap(payload["order"])
	inner := toMap(wrapper["order"])
	if inner == nil {
		return nil, fmt.Errorf("hyperliquid: order status response missing order for %s", orderID)
	}
	info := parseRestingOrder(inner)
	if st, reason := normalizeOrderStatus(stringFromAny(wrapper["status"])); st != exchange.StatusOpen {
		info.Status = st
		info.CancelReason = reason
	}
	return &info, nil
}

func (c *Client) ActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	data, err := c.info.query(ctx, map[string]any{"type": "openOrders", "user": c.user})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: open orders: %w", err)
	}
	var orders []exchange.OrderInfo
	for _, item := range toSlice(data) {
		entry := toMap(item)
		if entry == nil || stringFromAny(entry["coin"]) != contractID {
			continue
		}
		orders = append(orders, parseRestingOrder(entry))
	}
	return orders, nil
}

func (c *Client) Position(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	coin, hasMeta := c.coin, c.hasMeta
	c.mu.Unlock()
	if !hasMeta {
		return decimal.Decimal{}, exchange.ErrNotConnected
	}
	payload, err := c.clearinghouse(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return positionSize(payload, coin), nil
}

func (c *Client) Networth(ctx context.Context) (decimal.Decimal, error) {
	payload, err := c.clearinghouse(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	value, ok := decimalFromAny(toMap(payload["marginSummary"])["accountValue"])
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("hyperliquid: margin summary missing account value")
	}
	return value, nil
}

// UnrealizedPnLAndMargin sums unrealized PnL across the account's perp
// positions and reports total margin used, for the loss-percentage guard.
func (c *Client) UnrealizedPnLAndMargin(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	payload, err := c.clearinghouse(ctx)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	pnl := decimal.Zero
	for _, item := range toSlice(payload["assetPositions"]) {
		pos := toMap(item)
		if nested := toMap(pos["position"]); nested != nil {
			pos = nested
		}
		if v, ok := decimalFromAny(pos["unrealizedPnl"]); ok {
			pnl = pnl.Add(v)
		}
	}
	margin, ok := decimalFromAny(toMap(payload["marginSummary"])["totalMarginUsed"])
	if !ok {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("hyperliquid: margin summary missing total margin used")
	}
	return pnl, margin, nil
}

func (c *Client) SetOrderUpdateHandler(fn func(exchange.OrderUpdate)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Client) clearinghouse(ctx context.Context) (map[string]any, error) {
	payload, err := c.info.queryMap(ctx, map[string]any{"type": "clearinghouseState", "user": c.user})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: clearinghouse state: %w", err)
	}
	return payload, nil
}

func (c *Client) assetFor(contractID string) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasMeta {
		return 0, 0, exchange.ErrNotConnected
	}
	if contractID != "" && contractID != c.coin {
		return 0, 0, fmt.Errorf("hyperliquid: contract %s not resolved", contractID)
	}
	return c.assetIndex, c.szDecimals, nil
}

// handleWS normalizes order-update frames and hands them to the registered
// sink. The read loop is a single goroutine, so delivery stays sequential.
func (c *Client) handleWS(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		c.log.Debug("ws decode failed", zap.Error(err))
		return
	}
	if stringFromAny(payload["channel"]) != "orderUpdates" {
		return
	}
	for _, item := range toSlice(payload["data"]) {
		c.dispatchOrderUpdate(toMap(item))
	}
}

func (c *Client) dispatchOrderUpdate(entry map[string]any) {
	order := toMap(entry["order"])
	if order == nil {
		return
	}
	info := parseRestingOrder(order)
	if st, reason := normalizeOrderStatus(stringFromAny(entry["status"])); st != exchange.StatusOpen {
		info.Status = st
		info.CancelReason = reason
	}
	update := exchange.OrderUpdate{
		OrderID:      info.OrderID,
		Side:         info.Side,
		Type:         c.lookupType(info.OrderID, stringFromAny(order["cloid"])),
		Status:       info.Status,
		CancelReason: info.CancelReason,
		Size:         info.Size,
		Price:        info.Price,
		ContractID:   stringFromAny(order["coin"]),
		FilledSize:   info.FilledSize,
	}
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(update)
	}
}

// lookupType resolves an order's open/close classification, recorded at
// placement. Updates can outrun the placement response, so the cloid carries
// the classification until the venue id is known.
func (c *Client) lookupType(orderID, cloid string) exchange.OrderType {
	c.mu.Lock()
	defer c.mu.Unlock()
	if typ, ok := c.orderTypes[orderID]; ok {
		return typ
	}
	if typ, ok := c.cloidTypes[cloid]; ok && cloid != "" {
		if orderID != "" {
			c.recordOrderTypeLocked(orderID, typ)
		}
		return typ
	}
	return ""
}

func (c *Client) recordOrderType(orderID string, typ exchange.OrderType) {
	if orderID == "" || typ == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordOrderTypeLocked(orderID, typ)
}

func (c *Client) recordOrderTypeLocked(orderID string, typ exchange.OrderType) {
	if _, ok := c.orderTypes[orderID]; !ok {
		c.typeOrder = append(c.typeOrder, orderID)
		if len(c.typeOrder) > maxTrackedOrders {
			evict := c.typeOrder[0]
			c.typeOrder = c.typeOrder[1:]
			delete(c.orderTypes, evict)
		}
	}
	c.orderTypes[orderID] = typ
}

func (c *Client) dropCloid(cloid string) {
	if cloid == "" {
		return
	}
	c.mu.Lock()
	delete(c.cloidTypes, cloid)
	c.mu.Unlock()
}

func (c *Client) journalCloid(ctx context.Context, cloid, orderID string) {
	if c.journal == nil || cloid == "" || orderID == "" {
		return
	}
	if err := c.journal.Set(ctx, "hyperliquid:cloid:"+cloid, orderID); err != nil {
		c.log.Debug("cloid journal write failed", zap.String("cloid", cloid), zap.Error(err))
	}
}

// roundPx clamps a price to the venue's five significant figures and the
// per-asset decimal bound, matching the reference SDK's rounding.
func roundPx(px decimal.Decimal, szDecimals int) decimal.Decimal {
	f, err := strconv.ParseFloat(fmt.Sprintf("%.5g", px.InexactFloat64()), 64)
	if err != nil {
		return px
	}
	return decimal.NewFromFloat(f).Round(int32(6 - szDecimals))
}

func newCloid() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return "0x" + hex.EncodeToString(b[:])
}
