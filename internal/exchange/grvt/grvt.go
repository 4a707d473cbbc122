// Package grvt adapts the GRVT perp API to the exchange contract: api-key
// session REST for order flow and account state, and the authenticated
// order stream for push updates. It is the bot's hedge venue, so market
// placement carries venue-tuned retry semantics on top of the plain client.
package grvt

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/retry"
)

const (
	createOrderPath = "/full/v1/create_order"
	cancelOrderPath = "/full/v1/cancel_order"
	orderPath       = "/full/v1/order"
	openOrdersPath  = "/full/v1/open_orders"
	positionsPath   = "/full/v1/positions"
	summaryPath     = "/full/v1/sub_account_summary"
	instrumentsPath = "/full/v1/instruments"
	miniTickerPath  = "/full/v1/mini"

	orderStream = "v1.order"

	tifGoodTillTime      = "GOOD_TILL_TIME"
	tifImmediateOrCancel = "IMMEDIATE_OR_CANCEL"

	kindPerpetual = "PERPETUAL"
	quoteUSDT     = "USDT"

	// A create response can report PENDING until the order is sequenced;
	// placement polls until the venue commits to a real state.
	pendingSettleWait   = 10 * time.Second
	pendingPollInterval = 250 * time.Millisecond

	// Market orders settle almost immediately; the poll loop only covers
	// gateway lag before falling back to the feed and the position check.
	marketSettleDelay   = time.Second
	marketPollAttempts  = 5
	marketPollInterval  = time.Second
	marketFeedWait      = 3 * time.Second
	positionCheckRounds = 10
	positionCheckDelay  = 500 * time.Millisecond

	// Hedge-close retries: position-cleared short-circuit runs before each
	// retry, and a PENDING verdict gets a settle wait before counting as
	// a failure.
	marketRetryAttempts    = 5
	marketRetryBaseDelay   = time.Second
	marketRetryFactor      = 1.5
	marketRetrySettleDelay = 2 * time.Second

	// Classification entries outlive their orders only until eviction.
	maxTrackedOrders = 4096
)

// syntheticOrderID marks a retry result confirmed by the position check
// rather than a venue fill report.
const syntheticOrderID = "position_cleared"

type Config struct {
	RESTURL        string
	WSURL          string
	Timeout        time.Duration
	ReconnectDelay time.Duration
	APIKey         string
	SubAccountID   string
}

// timings groups the settle and poll pacing so tests can compress it.
type timings struct {
	pendingSettleWait      time.Duration
	pendingPollInterval    time.Duration
	marketSettleDelay      time.Duration
	marketPollInterval     time.Duration
	marketFeedWait         time.Duration
	positionCheckDelay     time.Duration
	marketRetryBaseDelay   time.Duration
	marketRetrySettleDelay time.Duration
}

func defaultTimings() timings {
	return timings{
		pendingSettleWait:      pendingSettleWait,
		pendingPollInterval:    pendingPollInterval,
		marketSettleDelay:      marketSettleDelay,
		marketPollInterval:     marketPollInterval,
		marketFeedWait:         marketFeedWait,
		positionCheckDelay:     positionCheckDelay,
		marketRetryBaseDelay:   marketRetryBaseDelay,
		marketRetrySettleDelay: marketRetrySettleDelay,
	}
}

type Client struct {
	cfg  Config
	log  *zap.Logger
	rest *restClient
	ws   *wsClient
	tm   timings

	mu         sync.Mutex
	instrument string
	tick       decimal.Decimal
	minSize    decimal.Decimal
	handler    func(exchange.OrderUpdate)
	runCancel  context.CancelFunc

	// Order classification recorded at placement. Feed updates can outrun
	// the create response, so the client order id carries the class until
	// the venue id is known.
	types     map[string]exchange.OrderType
	typeOrder []string
	cloids    map[string]exchange.OrderType

	// Feed bookkeeping: seen suppresses duplicate resting updates, the
	// last update plus wake channel let market placement wait on the feed.
	seen       map[string]orderSnapshot
	lastUpdate exchange.OrderUpdate
	hasUpdate  bool
	wake       chan struct{}
}

type orderSnapshot struct {
	status exchange.OrderStatus
	filled decimal.Decimal
}

var _ exchange.Client = (*Client)(nil)
var _ exchange.PnLReporter = (*Client)(nil)
var _ exchange.RetryMarketOrderer = (*Client)(nil)

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("grvt: api key is required")
	}
	if strings.TrimSpace(cfg.SubAccountID) == "" {
		return nil, fmt.Errorf("grvt: sub account id is required")
	}
	c := &Client{
		cfg:    cfg,
		log:    log,
		rest:   newRESTClient(cfg.RESTURL, cfg.APIKey, cfg.Timeout, log),
		tm:     defaultTimings(),
		types:  make(map[string]exchange.OrderType),
		cloids: make(map[string]exchange.OrderType),
		seen:   make(map[string]orderSnapshot),
		wake:   make(chan struct{}),
	}
	c.ws = newWSClient(cfg.WSURL, cfg.ReconnectDelay, c.wsHeaders, log)
	return c, nil
}

func (c *Client) Name() string { return "grvt" }

// Connect authenticates, opens the order stream, and subscribes for this
// sub-account. With the contract already resolved the subscription narrows
// to that instrument.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.runCancel != nil {
		c.mu.Unlock()
		return nil
	}
	instrument := c.instrument
	c.mu.Unlock()

	if _, _, err := c.rest.session(ctx); err != nil {
		return fmt.Errorf("grvt: %w", err)
	}
	if err := c.ws.connect(ctx); err != nil {
		return fmt.Errorf("grvt: ws connect: %w", err)
	}
	selector := c.cfg.SubAccountID
	if instrument != "" {
		selector += "-" + instrument
	}
	if err := c.ws.subscribe(ctx, orderStream, []string{selector}); err != nil {
		return fmt.Errorf("grvt: subscribe orders: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCancel = cancel
	c.mu.Unlock()
	go func() {
		_ = c.ws.run(runCtx, c.handleWS)
	}()
	c.log.Info("venue connected", zap.String("venue", c.Name()), zap.String("sub_account_id", c.cfg.SubAccountID))
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
	req := map[string]any{
		"kind":      []string{kindPerpetual},
		"quote":     []string{quoteUSDT},
		"is_active": true,
	}
	var resp instrumentsEnvelope
	if err := c.rest.post(ctx, instrumentsPath, req, &resp); err != nil {
		return "", decimal.Decimal{}, fmt.Errorf("grvt: instruments: %w", err)
	}
	for _, inst := range resp.Result {
		if !strings.EqualFold(inst.Base, ticker) || inst.Quote != quoteUSDT || inst.Kind != kindPerpetual {
			continue
		}
		c.mu.Lock()
		c.instrument = inst.Instrument
		c.tick = inst.TickSize
		c.minSize = inst.MinSize
		c.mu.Unlock()
		c.log.Info("contract resolved",
			zap.String("venue", c.Name()),
			zap.String("contract_id", inst.Instrument),
			zap.String("tick_size", inst.TickSize.String()),
			zap.String("min_size", inst.MinSize.String()))
		return inst.Instrument, inst.TickSize, nil
	}
	return "", decimal.Decimal{}, fmt.Errorf("%w: %s", exchange.ErrContractNotFound, ticker)
}

func (c *Client) BBO(ctx context.Context, contractID string) (decimal.Decimal, decimal.Decimal, error) {
	var resp miniEnvelope
	if err := c.rest.post(ctx, miniTickerPath, map[string]any{"instrument": contractID}, &resp); err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("grvt: mini ticker: %w", err)
	}
	bid, ask := resp.Result.BestBidPrice, resp.Result.BestAskPrice
	if bid.Sign() <= 0 || ask.Sign() <= 0 {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("grvt: invalid bbo for %s: bid=%s ask=%s", contractID, bid, ask)
	}
	return bid, ask, nil
}

func (c *Client) PlaceOpenOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	return c.placePostOnly(ctx, contractID, quantity, price, side, exchange.OrderTypeOpen)
}

func (c *Client) PlaceCloseOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	return c.placePostOnly(ctx, contractID, quantity, price, side, exchange.OrderTypeClose)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	return c.placePostOnly(ctx, contractID, quantity, price, side, "")
}

// placePostOnly submits a maker-only limit order and waits out the PENDING
// window so callers always see a committed venue verdict.
func (c *Client) placePostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side, typ exchange.OrderType) (exchange.OrderResult, error) {
	c.mu.Lock()
	minSize := c.minSize
	c.mu.Unlock()
	if minSize.Sign() > 0 && quantity.LessThan(minSize) {
		return exchange.OrderResult{}, fmt.Errorf("grvt: quantity %s below venue minimum %s", quantity, minSize)
	}

	cloid := newClientOrderID()
	c.recordCloid(cloid, typ)
	defer c.dropCloid(cloid)

	order, err := c.createOrder(ctx, wireOrderRequest{
		SubAccountID: c.cfg.SubAccountID,
		TimeInForce:  tifGoodTillTime,
		PostOnly:     true,
		Legs: []wireLeg{{
			Instrument:    contractID,
			Size:          quantity,
			LimitPrice:    price,
			IsBuyingAsset: side == exchange.SideBuy,
		}},
		Metadata: wireMetadata{ClientOrderID: cloid},
	})
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("grvt: place order: %w", err)
	}
	order, err = c.settlePending(ctx, order, cloid)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	c.recordOrderType(order.OrderID, typ)

	status, reason := normalizeStatus(order.State.Status, order.State.RejectReason, order.filledSize())
	res := exchange.OrderResult{
		Success:      status.Resting() || status == exchange.StatusFilled,
		OrderID:      order.OrderID,
		Side:         side,
		Size:         quantity,
		Price:        price,
		Status:       status,
		CancelReason: reason,
		FilledSize:   order.filledSize(),
	}
	if !res.Success {
		res.ErrorMessage = order.State.RejectReason
		if res.ErrorMessage == "" {
			res.ErrorMessage = "order " + strings.ToLower(string(status))
		}
		c.log.Warn("order rejected",
			zap.String("venue", c.Name()),
			zap.String("side", string(side)),
			zap.String("size", quantity.String()),
			zap.String("price", price.String()),
			zap.String("error", res.ErrorMessage))
		return res, nil
	}
	c.log.Info("order placed",
		zap.String("venue", c.Name()),
		zap.String("order_id", res.OrderID),
		zap.String("side", string(side)),
		zap.String("size", quantity.String()),
		zap.String("price", price.String()),
		zap.String("status", string(status)))
	return res, nil
}

// PlaceMarketOrder submits an IOC market order and confirms it through three
// channels in turn: REST polling (skipped when PreferWS), the order feed,
// and finally a position delta check. An unconfirmed order reports PENDING
// with Success set; callers own the settle decision.
func (c *Client) PlaceMarketOrder(ctx context.Context, contractID string, quantity decimal.Decimal, side exchange.Side, opts exchange.MarketOrderOpts) (exchange.OrderResult, error) {
	prePos, prePosErr := c.Position(ctx)
	if prePosErr != nil {
		c.log.Debug("pre-order position read failed", zap.Error(prePosErr))
	}

	typ := exchange.OrderTypeOpen
	if opts.ReduceOnly {
		typ = exchange.OrderTypeClose
	}
	cloid := newClientOrderID()
	c.recordCloid(cloid, typ)
	defer c.dropCloid(cloid)

	order, err := c.createOrder(ctx, wireOrderRequest{
		SubAccountID: c.cfg.SubAccountID,
		IsMarket:     true,
		TimeInForce:  tifImmediateOrCancel,
		ReduceOnly:   opts.ReduceOnly,
		Legs: []wireLeg{{
			Instrument:    contractID,
			Size:          quantity,
			IsBuyingAsset: side == exchange.SideBuy,
		}},
		Metadata: wireMetadata{ClientOrderID: cloid},
	})
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("grvt: place market order: %w", err)
	}
	orderID := order.OrderID
	c.recordOrderType(orderID, typ)
	c.log.Info("market order submitted",
		zap.String("venue", c.Name()),
		zap.String("order_id", orderID),
		zap.String("side", string(side)),
		zap.String("size", quantity.String()),
		zap.Bool("reduce_only", opts.ReduceOnly))

	if err := sleepCtx(ctx, c.tm.marketSettleDelay); err != nil {
		return exchange.OrderResult{}, err
	}

	if !opts.PreferWS {
		res, done, err := c.pollMarketOrder(ctx, orderID, cloid, quantity, side)
		if err != nil {
			return exchange.OrderResult{}, err
		}
		if done {
			return res, nil
		}
	}

	// Feed confirmation covers orders the REST poll could not resolve.
	if u, ok := c.awaitOrderUpdate(ctx, orderID, contractID, side, c.tm.marketFeedWait); ok {
		if orderID == "" {
			orderID = u.OrderID
		}
		c.log.Info("market order confirmed by feed",
			zap.String("order_id", orderID),
			zap.String("status", string(u.Status)),
			zap.String("filled_size", u.FilledSize.String()))
		return exchange.OrderResult{
			Success:    true,
			OrderID:    orderID,
			Side:       side,
			Size:       quantity,
			Price:      u.Price,
			Status:     u.Status,
			FilledSize: u.FilledSize,
		}, nil
	}

	// Position delta is the last word when neither REST nor the feed answer.
	if prePosErr == nil {
		if res, ok := c.confirmByPosition(ctx, prePos, orderID, quantity, side); ok {
			return res, nil
		}
	}

	c.log.Warn("market order unconfirmed, reporting pending",
		zap.String("venue", c.Name()),
		zap.String("order_id", orderID))
	return exchange.OrderResult{
		Success: true,
		OrderID: orderID,
		Side:    side,
		Size:    quantity,
		Status:  exchange.StatusPending,
	}, nil
}

func (c *Client) pollMarketOrder(ctx context.Context, orderID, cloid string, quantity decimal.Decimal, side exchange.Side) (exchange.OrderResult, bool, error) {
	for attempt := 0; attempt < marketPollAttempts; attempt++ {
		order, err := c.fetchOrder(ctx, orderID, cloid)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				break
			}
			c.log.Debug("market order poll failed", zap.Error(err))
			break
		}
		if orderID == "" {
			orderID = order.OrderID
		}
		status, reason := normalizeStatus(order.State.Status, order.State.RejectReason, order.filledSize())
		switch status {
		case exchange.StatusFilled, exchange.StatusPartiallyFilled:
			price := order.avgFillPrice()
			if price.Sign() <= 0 {
				price = order.leg().LimitPrice
			}
			c.log.Info("market order filled",
				zap.String("order_id", orderID),
				zap.String("filled_size", order.filledSize().String()),
				zap.String("size", quantity.String()))
			return exchange.OrderResult{
				Success:    true,
				OrderID:    orderID,
				Side:       side,
				Size:       quantity,
				Price:      price,
				Status:     status,
				FilledSize: order.filledSize(),
			}, true, nil
		case exchange.StatusCanceled, exchange.StatusRejected:
			c.log.Warn("market order canceled",
				zap.String("order_id", orderID),
				zap.String("reason", order.State.RejectReason))
			return exchange.OrderResult{
				Success:      false,
				OrderID:      orderID,
				Side:         side,
				Size:         quantity,
				Status:       status,
				CancelReason: reason,
				ErrorMessage: "market order canceled",
			}, true, nil
		}
		if attempt < marketPollAttempts-1 {
			if err := sleepCtx(ctx, c.tm.marketPollInterval); err != nil {
				return exchange.OrderResult{}, false, err
			}
		}
	}
	return exchange.OrderResult{}, false, nil
}

// confirmByPosition polls the position until it moves off the pre-order
// size and grades the fill by the observed delta.
func (c *Client) confirmByPosition(ctx context.Context, prePos decimal.Decimal, orderID string, quantity decimal.Decimal, side exchange.Side) (exchange.OrderResult, bool) {
	postPos := prePos
	for i := 0; i < positionCheckRounds; i++ {
		if err := sleepCtx(ctx, c.tm.positionCheckDelay); err != nil {
			return exchange.OrderResult{}, false
		}
		pos, err := c.Position(ctx)
		if err != nil {
			c.log.Debug("position check failed", zap.Error(err))
			continue
		}
		postPos = pos
		if !postPos.Equal(prePos) {
			break
		}
	}
	delta := prePos.Sub(postPos).Abs()
	if delta.Sign() <= 0 {
		return exchange.OrderResult{}, false
	}
	status := exchange.StatusPartiallyFilled
	if delta.GreaterThanOrEqual(quantity) {
		status = exchange.StatusFilled
	}
	c.log.Info("market order confirmed by position delta",
		zap.String("order_id", orderID),
		zap.String("pre", prePos.String()),
		zap.String("post", postPos.String()),
		zap.String("delta", delta.String()))
	return exchange.OrderResult{
		Success:    true,
		OrderID:    orderID,
		Side:       side,
		Size:       quantity,
		Status:     status,
		FilledSize: delta,
	}, true
}

// PlaceMarketOrderWithRetry drives a market order to a confirmed fill for
// hedge closing. Before each retry the position is re-read; a cleared
// position short-circuits with a synthetic FILLED result since the close
// goal is already met. A PENDING verdict gets a settle wait and the same
// position check before counting as a failed attempt.
func (c *Client) PlaceMarketOrderWithRetry(ctx context.Context, contractID string, quantity decimal.Decimal, side exchange.Side, opts exchange.MarketOrderOpts) (exchange.OrderResult, error) {
	attempt := 0
	policy := retry.Policy{
		MaxAttempts: marketRetryAttempts,
		BaseDelay:   c.tm.marketRetryBaseDelay,
		Factor:      marketRetryFactor,
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) (exchange.OrderResult, error) {
		attempt++
		if attempt > 1 {
			c.log.Info("market order retry",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", marketRetryAttempts))
			if res, ok := c.positionCleared(ctx, quantity, side); ok {
				return res, nil
			}
		}
		res, err := c.PlaceMarketOrder(ctx, contractID, quantity, side, opts)
		if err != nil {
			return exchange.OrderResult{}, err
		}
		if res.Success {
			switch res.Status {
			case exchange.StatusFilled:
				return res, nil
			case exchange.StatusPartiallyFilled:
				if res.FilledSize.Sign() > 0 {
					return res, nil
				}
			case exchange.StatusPending:
				if err := sleepCtx(ctx, c.tm.marketRetrySettleDelay); err != nil {
					return exchange.OrderResult{}, err
				}
				if cleared, ok := c.positionCleared(ctx, quantity, side); ok {
					cleared.OrderID = res.OrderID
					return cleared, nil
				}
			}
		}
		msg := res.ErrorMessage
		if msg == "" {
			msg = string(res.Status)
		}
		return exchange.OrderResult{}, fmt.Errorf("market order unconfirmed: %s", msg)
	})
}

func (c *Client) positionCleared(ctx context.Context, quantity decimal.Decimal, side exchange.Side) (exchange.OrderResult, bool) {
	pos, err := c.Position(ctx)
	if err != nil {
		c.log.Warn("position check failed", zap.Error(err))
		return exchange.OrderResult{}, false
	}
	if !pos.IsZero() {
		return exchange.OrderResult{}, false
	}
	c.log.Info("position cleared, close order no longer needed")
	return exchange.OrderResult{
		Success:    true,
		OrderID:    syntheticOrderID,
		Side:       side,
		Size:       quantity,
		Status:     exchange.StatusFilled,
		FilledSize: quantity,
	}, true
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (exchange.OrderResult, error) {
	req := map[string]any{
		"sub_account_id": c.cfg.SubAccountID,
		"order_id":       orderID,
	}
	var resp ackEnvelope
	if err := c.rest.post(ctx, cancelOrderPath, req, &resp); err != nil {
		if isNotFound(err) {
			return exchange.OrderResult{OrderID: orderID, ErrorMessage: err.Error()},
				fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
		}
		return exchange.OrderResult{}, fmt.Errorf("grvt: cancel order: %w", err)
	}
	if !resp.Result.Ack {
		return exchange.OrderResult{OrderID: orderID, ErrorMessage: "cancel not acknowledged"}, nil
	}
	c.log.Info("order canceled", zap.String("venue", c.Name()), zap.String("order_id", orderID))
	return exchange.OrderResult{Success: true, OrderID: orderID, Status: exchange.StatusCanceled}, nil
}

func (c *Client) OrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	order, err := c.fetchOrder(ctx, orderID, "")
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			return nil, exchange.ErrOrderNotFound
		}
		return nil, err
	}
	info := order.toOrderInfo()
	return &info, nil
}

func (c *Client) fetchOrder(ctx context.Context, orderID, clientOrderID string) (*wireOrder, error) {
	req := map[string]any{"sub_account_id": c.cfg.SubAccountID}
	switch {
	case orderID != "":
		req["order_id"] = orderID
	case clientOrderID != "":
		req["client_order_id"] = clientOrderID
	default:
		return nil, fmt.Errorf("grvt: order lookup needs an id")
	}
	var resp orderEnvelope
	if err := c.rest.post(ctx, orderPath, req, &resp); err != nil {
		if isNotFound(err) {
			return nil, exchange.ErrOrderNotFound
		}
		return nil, fmt.Errorf("grvt: order status: %w", err)
	}
	if resp.Result.OrderID == "" && len(resp.Result.Legs) == 0 {
		return nil, exchange.ErrOrderNotFound
	}
	return &resp.Result, nil
}

func (c *Client) ActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	req := map[string]any{
		"sub_account_id": c.cfg.SubAccountID,
		"kind":           []string{kindPerpetual},
	}
	var resp ordersEnvelope
	if err := c.rest.post(ctx, openOrdersPath, req, &resp); err != nil {
		return nil, fmt.Errorf("grvt: open orders: %w", err)
	}
	var orders []exchange.OrderInfo
	for i := range resp.Result {
		order := &resp.Result[i]
		if order.leg().Instrument != contractID {
			continue
		}
		orders = append(orders, order.toOrderInfo())
	}
	return orders, nil
}

func (c *Client) Position(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	instrument := c.instrument
	c.mu.Unlock()
	if instrument == "" {
		return decimal.Decimal{}, exchange.ErrNotConnected
	}
	req := map[string]any{
		"sub_account_id": c.cfg.SubAccountID,
		"kind":           []string{kindPerpetual},
	}
	var resp positionsEnvelope
	if err := c.rest.post(ctx, positionsPath, req, &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("grvt: positions: %w", err)
	}
	for _, pos := range resp.Result {
		if pos.Instrument == instrument {
			return pos.Size, nil
		}
	}
	return decimal.Zero, nil
}

func (c *Client) Networth(ctx context.Context) (decimal.Decimal, error) {
	summary, err := c.accountSummary(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return summary.TotalEquity, nil
}

// UnrealizedPnLAndMargin reports the sub-account totals used by the
// loss-percentage guard when this venue holds the main position.
func (c *Client) UnrealizedPnLAndMargin(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	summary, err := c.accountSummary(ctx)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return summary.UnrealizedPnL, summary.InitialMargin, nil
}

func (c *Client) accountSummary(ctx context.Context) (*wireSummary, error) {
	req := map[string]any{"sub_account_id": c.cfg.SubAccountID}
	var resp summaryEnvelope
	if err := c.rest.post(ctx, summaryPath, req, &resp); err != nil {
		return nil, fmt.Errorf("grvt: account summary: %w", err)
	}
	return &resp.Result, nil
}

func (c *Client) SetOrderUpdateHandler(fn func(exchange.OrderUpdate)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

type createOrderRequest struct {
	Order wireOrderRequest `json:"order"`
}

type wireOrderRequest struct {
	SubAccountID string       `json:"sub_account_id"`
	IsMarket     bool         `json:"is_market,omitempty"`
	TimeInForce  string       `json:"time_in_force"`
	PostOnly     bool         `json:"post_only,omitempty"`
	ReduceOnly   bool         `json:"reduce_only,omitempty"`
	Legs         []wireLeg    `json:"legs"`
	Metadata     wireMetadata `json:"metadata"`
}

func (c *Client) createOrder(ctx context.Context, req wireOrderRequest) (*wireOrder, error) {
	var resp orderEnvelope
	if err := c.rest.post(ctx, createOrderPath, createOrderRequest{Order: req}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.Legs) == 0 {
		return nil, fmt.Errorf("create response missing legs")
	}
	return &resp.Result, nil
}

// settlePending polls until the venue commits a PENDING order to a real
// state. Orders still PENDING after the settle window are an error; the
// caller cannot tell whether they will ever book.
func (c *Client) settlePending(ctx context.Context, order *wireOrder, cloid string) (*wireOrder, error) {
	if !strings.EqualFold(order.State.Status, "PENDING") {
		return order, nil
	}
	deadline := time.Now().Add(c.tm.pendingSettleWait)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, c.tm.pendingPollInterval); err != nil {
			return nil, err
		}
		fetched, err := c.fetchOrder(ctx, order.OrderID, cloid)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				continue
			}
			c.log.Debug("pending settle poll failed", zap.Error(err))
			continue
		}
		order = fetched
		if !strings.EqualFold(order.State.Status, "PENDING") {
			return order, nil
		}
	}
	return nil, fmt.Errorf("grvt: order not processed after %s", c.tm.pendingSettleWait)
}

// handleWS parses one stream frame and hands the order to dispatch. The
// read loop is a single goroutine, so delivery stays sequential.
func (c *Client) handleWS(msg json.RawMessage) {
	var frame wsFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.log.Debug("ws decode failed", zap.Error(err))
		return
	}
	feed := frame.orderFeed()
	if len(feed) == 0 {
		return
	}
	var order wireOrder
	if err := json.Unmarshal(feed, &order); err != nil {
		c.log.Debug("ws order decode failed", zap.Error(err))
		return
	}
	if order.OrderID == "" || order.State.Status == "" || len(order.Legs) == 0 {
		c.log.Debug("ws order missing id, status, or legs")
		return
	}
	c.dispatchOrderUpdate(&order)
}

func (c *Client) dispatchOrderUpdate(order *wireOrder) {
	leg := order.leg()
	c.mu.Lock()
	instrument := c.instrument
	c.mu.Unlock()
	if instrument != "" && leg.Instrument != instrument {
		return
	}
	status, reason := normalizeStatus(order.State.Status, order.State.RejectReason, order.filledSize())
	update := exchange.OrderUpdate{
		OrderID:      order.OrderID,
		Side:         order.side(),
		Type:         c.lookupType(order.OrderID, order.Metadata.ClientOrderID),
		Status:       status,
		CancelReason: reason,
		Size:         leg.Size,
		Price:        leg.LimitPrice,
		ContractID:   leg.Instrument,
		FilledSize:   order.filledSize(),
	}
	if !c.noteUpdate(update) {
		return
	}
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(update)
	}
}

// noteUpdate suppresses duplicate resting updates the venue re-sends on
// book events, records the latest update, and wakes feed waiters. Terminal
// updates clear their dedup entry; the map only holds live orders.
func (c *Client) noteUpdate(u exchange.OrderUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.seen[u.OrderID]; ok {
		if prev.status == u.Status && prev.filled.Equal(u.FilledSize) {
			return false
		}
		if u.Status.Terminal() {
			delete(c.seen, u.OrderID)
		} else {
			c.seen[u.OrderID] = orderSnapshot{status: u.Status, filled: u.FilledSize}
		}
	} else if !u.Status.Terminal() {
		c.seen[u.OrderID] = orderSnapshot{status: u.Status, filled: u.FilledSize}
	}
	c.lastUpdate = u
	c.hasUpdate = true
	close(c.wake)
	c.wake = make(chan struct{})
	return true
}

// awaitOrderUpdate waits until the feed reports a fill for the order, or
// for its contract and side when the venue id is still unknown.
func (c *Client) awaitOrderUpdate(ctx context.Context, orderID, contractID string, side exchange.Side, wait time.Duration) (exchange.OrderUpdate, bool) {
	deadline := time.Now().Add(wait)
	for {
		c.mu.Lock()
		u, ok := c.lastUpdate, c.hasUpdate
		wake := c.wake
		c.mu.Unlock()
		if ok && matchesOrder(u, orderID, contractID, side) &&
			(u.Status == exchange.StatusFilled || u.Status == exchange.StatusPartiallyFilled) {
			return u, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return exchange.OrderUpdate{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return exchange.OrderUpdate{}, false
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return exchange.OrderUpdate{}, false
		}
	}
}

func matchesOrder(u exchange.OrderUpdate, orderID, contractID string, side exchange.Side) bool {
	if orderID != "" {
		return u.OrderID == orderID
	}
	return u.ContractID == contractID && u.Side == side
}

func (c *Client) lookupType(orderID, cloid string) exchange.OrderType {
	c.mu.Lock()
	defer c.mu.Unlock()
	if typ, ok := c.types[orderID]; ok {
		return typ
	}
	if typ, ok := c.cloids[cloid]; ok && cloid != "" {
		if orderID != "" {
			c.recordOrderTypeLocked(orderID, typ)
		}
		return typ
	}
	return ""
}

func (c *Client) recordCloid(cloid string, typ exchange.OrderType) {
	if cloid == "" || typ == "" {
		return
	}
	c.mu.Lock()
	c.cloids[cloid] = typ
	c.mu.Unlock()
}

func (c *Client) dropCloid(cloid string) {
	if cloid == "" {
		return
	}
	c.mu.Lock()
	delete(c.cloids, cloid)
	c.mu.Unlock()
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
	if _, ok := c.types[orderID]; !ok {
		c.typeOrder = append(c.typeOrder, orderID)
		if len(c.typeOrder) > maxTrackedOrders {
			evict := c.typeOrder[0]
			c.typeOrder = c.typeOrder[1:]
			delete(c.types, evict)
		}
	}
	c.types[orderID] = typ
}

func (c *Client) wsHeaders(ctx context.Context) (http.Header, error) {
	cookie, accountID, err := c.rest.session(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Cookie", sessionCookieName+"="+cookie)
	if accountID != "" {
		header.Set(accountIDHeader, accountID)
	}
	return header, nil
}

func isNotFound(err error) bool {
	var ve *venueError
	if errors.As(err, &ve) {
		if ve.status == http.StatusNotFound {
			return true
		}
		return strings.Contains(strings.ToLower(ve.body), "not found")
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// newClientOrderID draws a random 32-bit id, the venue's client id width.
func newClientOrderID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()&0xffffffff, 10)
	}
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:])), 10)
}
