package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/metrics"
	"perp-grid-bot/internal/strategy"
)

// Config fixes the per-run parameters of the lifecycle controller. Zero
// durations fall back to defaults.
type Config struct {
	ContractID string
	TickSize   decimal.Decimal
	Quantity   decimal.Decimal
	TakeProfit decimal.Decimal // percent
	Direction  exchange.Side

	// FillWait bounds the wait for the asynchronous fill signal after a
	// placement. Timing out is not an error; reconciliation follows.
	FillWait time.Duration
	// RepriceCheck is the poll interval while a resting order is still
	// priced competitively.
	RepriceCheck time.Duration
	// CancelWait bounds the wait for the venue to confirm a cancel.
	CancelWait time.Duration
	// SelfTradeWindow is how long a fresh close order is watched for
	// self-trade cancellation before the placement is considered settled.
	SelfTradeWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.FillWait <= 0 {
		c.FillWait = 10 * time.Second
	}
	if c.RepriceCheck <= 0 {
		c.RepriceCheck = 5 * time.Second
	}
	if c.CancelWait <= 0 {
		c.CancelWait = 5 * time.Second
	}
	if c.SelfTradeWindow <= 0 {
		c.SelfTradeWindow = 5 * time.Second
	}
	return c
}

// Fill reports the reconciled outcome of one open-order cycle to the fill
// hook. Size is the actually filled quantity, full or partial.
type Fill struct {
	OrderID string
	Side    exchange.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// Placement summarizes one PlaceAndTrackOpenOrder cycle.
type Placement struct {
	OrderID      string
	Price        decimal.Decimal
	FilledSize   decimal.Decimal
	ClosePlaced  bool
	CloseOrderID string
	ClosePrice   decimal.Decimal
}

// Controller drives one open order at a time through placement, fill
// waiting, re-pricing, cancellation and take-profit placement. Exactly one
// cycle runs at a time; the venue feed reaches it only through
// HandleOrderUpdate.
type Controller struct {
	client exchange.Client
	cfg    Config
	log    *zap.Logger
	met    *metrics.Metrics

	onFill      func(Fill)
	onCloseFill func(exchange.OrderUpdate)

	fillSignal     *Signal
	terminalSignal *Signal
	selfTrade      chan struct{}

	mu              sync.Mutex
	armed           bool
	trackedID       string
	trackedState    exchange.OrderStatus
	filledAmount    decimal.Decimal
	closeWatchID    string
	closeSelfTraded bool
}

func New(client exchange.Client, cfg Config, log *zap.Logger, met *metrics.Metrics) *Controller {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Controller{
		client:         client,
		cfg:            cfg.withDefaults(),
		log:            log,
		met:            met,
		fillSignal:     NewSignal(),
		terminalSignal: NewSignal(),
		selfTrade:      make(chan struct{}, 1),
	}
}

// SetFillHandler registers the hook invoked once per cycle with the
// reconciled fill. Set before the venue feed starts.
func (c *Controller) SetFillHandler(fn func(Fill)) {
	c.onFill = fn
}

// SetCloseFillHandler registers the hook invoked when a resting take-profit
// order fills. Set before the venue feed starts.
func (c *Controller) SetCloseFillHandler(fn func(exchange.OrderUpdate)) {
	c.onCloseFill = fn
}

// HandleOrderUpdate is the venue push sink. Open-type updates feed the
// in-flight cycle's signals and fill accumulator; close-type updates drive
// the take-profit hook and self-trade replacement.
func (c *Controller) HandleOrderUpdate(u exchange.OrderUpdate) {
	if u.ContractID != "" && u.ContractID != c.cfg.ContractID {
		return
	}
	switch u.Type {
	case exchange.OrderTypeClose:
		c.handleCloseUpdate(u)
	case exchange.OrderTypeOpen:
		c.handleOpenUpdate(u)
	}
}

func (c *Controller) handleOpenUpdate(u exchange.OrderUpdate) {
	c.mu.Lock()
	// Updates can outrun the placement response, so an unbound id is
	// accepted while a cycle is armed. Single-flight placement makes this
	// unambiguous.
	accept := c.armed && (c.trackedID == "" || u.OrderID == "" || u.OrderID == c.trackedID)
	if accept {
		c.trackedState = u.Status
		filled := u.FilledSize
		if filled.Sign() <= 0 && u.Status == exchange.StatusFilled {
			filled = u.Size
		}
		if filled.GreaterThan(c.filledAmount) {
			c.filledAmount = filled
		}
	}
	c.mu.Unlock()
	if !accept {
		return
	}

	c.log.Info("open order update",
		zap.String("order_id", u.OrderID),
		zap.String("status", string(u.Status)),
		zap.String("filled_size", u.FilledSize.String()),
		zap.String("price", u.Price.String()))

	switch u.Status {
	case exchange.StatusFilled:
		c.fillSignal.Set()
		c.terminalSignal.Set()
	case exchange.StatusCanceled, exchange.StatusRejected:
		c.terminalSignal.Set()
	}
}

func (c *Controller) handleCloseUpdate(u exchange.OrderUpdate) {
	switch {
	case u.Status == exchange.StatusFilled:
		c.log.Info("close order filled",
			zap.String("order_id", u.OrderID),
			zap.String("size", u.Size.String()),
			zap.String("price", u.Price.String()))
		if c.onCloseFill != nil {
			c.onCloseFill(u)
		}
	case u.Status == exchange.StatusCanceled && u.CancelReason == exchange.CancelReasonSelfTrade:
		c.mu.Lock()
		watched := u.OrderID != "" && u.OrderID == c.closeWatchID
		if watched {
			c.closeSelfTraded = true
		}
		c.mu.Unlock()
		if !watched {
			return
		}
		// Wake the placement loop; the flag carries the truth so a
		// dropped token is harmless.
		select {
		case c.selfTrade <- struct{}{}:
		default:
		}
	}
}

// PlaceAndTrackOpenOrder runs one full cycle: maker placement, bounded fill
// wait, re-pricing, cancel with fill reconciliation, and for any non-zero
// fill a take-profit close sized exactly to it.
func (c *Controller) PlaceAndTrackOpenOrder(ctx context.Context) (*Placement, error) {
	bid, ask, err := c.client.BBO(ctx, c.cfg.ContractID)
	if err != nil {
		return nil, fmt.Errorf("fetch bbo: %w", err)
	}
	if err := strategy.ValidateBBO(bid, ask); err != nil {
		return nil, err
	}
	price := strategy.MakerPrice(c.cfg.Direction, bid, ask, c.cfg.TickSize)

	c.arm()
	defer c.disarm()

	res, err := c.client.PlaceOpenOrder(ctx, c.cfg.ContractID, c.cfg.Quantity, price, c.cfg.Direction)
	if err != nil {
		c.met.OrdersFailed.Inc()
		return nil, fmt.Errorf("place open order: %w", err)
	}
	if !res.Success {
		c.met.OrdersFailed.Inc()
		return nil, fmt.Errorf("open order rejected: %s", res.ErrorMessage)
	}
	c.bind(res.OrderID)
	c.met.OrdersPlaced.Inc()
	c.log.Info("open order placed",
		zap.String("order_id", res.OrderID),
		zap.String("side", string(c.cfg.Direction)),
		zap.String("size", c.cfg.Quantity.String()),
		zap.String("price", price.String()))

	pl := &Placement{OrderID: res.OrderID, Price: price}

	filledNow := res.Status == exchange.StatusFilled
	if filledNow {
		if res.FilledSize.Sign() > 0 {
			c.absorbFilled(res.FilledSize)
		} else if res.Size.Sign() > 0 {
			c.absorbFilled(res.Size)
		}
	} else {
		fired, werr := c.fillSignal.Wait(ctx, c.cfg.FillWait)
		if werr != nil {
			return pl, werr
		}
		filledNow = fired
	}

	var filled decimal.Decimal
	if filledNow || c.fillSignal.IsSet() {
		filled = c.snapshotFilled()
		if filled.Sign() <= 0 {
			filled = c.cfg.Quantity
		}
	} else {
		if err := c.holdWhileCompetitive(ctx, res.OrderID, price); err != nil {
			return pl, err
		}
		filled, err = c.cancelAndReconcile(ctx, res.OrderID)
		if err != nil {
			return pl, err
		}
	}
	pl.FilledSize = filled

	if filled.Sign() <= 0 {
		c.log.Info("no fill, nothing to close", zap.String("order_id", res.OrderID))
		return pl, nil
	}

	if c.onFill != nil {
		c.onFill(Fill{OrderID: res.OrderID, Side: c.cfg.Direction, Price: price, Size: filled})
	}

	closeID, closePrice, err := c.placeCloseOrder(ctx, filled, price)
	if err != nil {
		return pl, err
	}
	pl.ClosePlaced = true
	pl.CloseOrderID = closeID
	pl.ClosePrice = closePrice
	return pl, nil
}

// holdWhileCompetitive keeps the resting order while it is still priced at
// or better than the current maker level. It returns once the market moves
// away or the order leaves the book.
func (c *Controller) holdWhileCompetitive(ctx context.Context, orderID string, orderPrice decimal.Decimal) error {
	for {
		status := c.snapshotStatus()
		if !status.Resting() {
			return nil
		}
		if info, err := c.client.OrderInfo(ctx, orderID); err != nil {
			c.log.Warn("order info fetch failed", zap.String("order_id", orderID), zap.Error(err))
		} else if info == nil {
			// The venue no longer knows the order; reconcile after cancel.
			return nil
		} else {
			c.absorbInfo(info)
			if !info.Status.Resting() {
				return nil
			}
		}

		bid, ask, err := c.client.BBO(ctx, c.cfg.ContractID)
		if err != nil || strategy.ValidateBBO(bid, ask) != nil {
			return nil
		}
		next := strategy.MakerPrice(c.cfg.Direction, bid, ask, c.cfg.TickSize)
		movedAway := false
		if c.cfg.Direction == exchange.SideBuy {
			movedAway = next.GreaterThan(orderPrice)
		} else {
			movedAway = next.LessThan(orderPrice)
		}
		if movedAway {
			return nil
		}

		c.log.Info("waiting for resting order", zap.String("order_id", orderID), zap.String("price", orderPrice.String()))
		if err := sleep(ctx, c.cfg.RepriceCheck); err != nil {
			return err
		}
	}
}

// cancelAndReconcile cancels the resting order and resolves how much of it
// actually filled. Venues report partial fills through different channels:
// the push feed, the cancel response, or only a follow-up query. The most
// recent authoritative source wins, and a cancel that fails because the
// order already filled counts as a fill.
func (c *Controller) cancelAndReconcile(ctx context.Context, orderID string) (decimal.Decimal, error) {
	c.log.Info("canceling resting order", zap.String("order_id", orderID))
	res, err := c.client.CancelOrder(ctx, orderID)
	canceled := err == nil && res.Success
	if canceled {
		c.met.OrdersCanceled.Inc()
		if res.FilledSize.Sign() > 0 {
			c.absorbFilled(res.FilledSize)
		}
	} else {
		if err != nil {
			c.log.Warn("cancel failed", zap.String("order_id", orderID), zap.Error(err))
		} else {
			c.log.Warn("cancel rejected", zap.String("order_id", orderID), zap.String("error", res.ErrorMessage))
		}
		return c.reconcileFromQuery(ctx, orderID)
	}

	fired, werr := c.terminalSignal.Wait(ctx, c.cfg.CancelWait)
	if werr != nil {
		return decimal.Zero, werr
	}
	if fired {
		return c.snapshotFilled(), nil
	}
	return c.reconcileFromQuery(ctx, orderID)
}

func (c *Controller) reconcileFromQuery(ctx context.Context, orderID string) (decimal.Decimal, error) {
	info, err := c.client.OrderInfo(ctx, orderID)
	if err != nil {
		c.log.Warn("order info fetch failed", zap.String("order_id", orderID), zap.Error(err))
		return c.snapshotFilled(), nil
	}
	if info == nil {
		return c.snapshotFilled(), nil
	}
	c.absorbInfo(info)
	filled := info.FilledSize
	if filled.Sign() <= 0 && info.Status == exchange.StatusFilled {
		filled = info.Size
	}
	if filled.Sign() < 0 {
		filled = decimal.Zero
	}
	return filled, nil
}

// placeCloseOrder places the take-profit order for the filled size and
// watches it briefly for self-trade cancellation, replacing it at the same
// price until the window passes quietly.
func (c *Controller) placeCloseOrder(ctx context.Context, size, fillPrice decimal.Decimal) (string, decimal.Decimal, error) {
	closeSide := c.cfg.Direction.Opposite()
	closePrice := strategy.CloseOrderPrice(fillPrice, c.cfg.TakeProfit, closeSide)

	orderID, err := c.submitClose(ctx, size, closePrice, closeSide)
	if err != nil {
		return "", closePrice, err
	}

	timer := time.NewTimer(c.cfg.SelfTradeWindow)
	defer timer.Stop()
	defer c.watchClose("")
	for {
		select {
		case <-ctx.Done():
			return orderID, closePrice, ctx.Err()
		case <-timer.C:
			return orderID, closePrice, nil
		case <-c.selfTrade:
			if !c.takeSelfTrade() {
				continue
			}
			c.log.Warn("close order canceled by self-trade, replacing",
				zap.String("order_id", orderID),
				zap.String("price", closePrice.String()))
			orderID, err = c.submitClose(ctx, size, closePrice, closeSide)
			if err != nil {
				return "", closePrice, err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.SelfTradeWindow)
		}
	}
}

func (c *Controller) submitClose(ctx context.Context, size, price decimal.Decimal, side exchange.Side) (string, error) {
	res, err := c.client.PlaceCloseOrder(ctx, c.cfg.ContractID, size, price, side)
	if err != nil {
		c.met.OrdersFailed.Inc()
		return "", fmt.Errorf("place close order: %w", err)
	}
	if !res.Success {
		c.met.OrdersFailed.Inc()
		return "", fmt.Errorf("close order rejected: %s", res.ErrorMessage)
	}
	c.met.CloseOrdersPlaced.Inc()
	c.watchClose(res.OrderID)
	c.log.Info("close order placed",
		zap.String("order_id", res.OrderID),
		zap.String("side", string(side)),
		zap.String("size", size.String()),
		zap.String("price", price.String()))
	return res.OrderID, nil
}

func (c *Controller) arm() {
	c.mu.Lock()
	c.armed = true
	c.trackedID = ""
	c.trackedState = exchange.StatusOpen
	c.filledAmount = decimal.Zero
	c.mu.Unlock()
	c.fillSignal.Clear()
	c.terminalSignal.Clear()
}

func (c *Controller) disarm() {
	c.mu.Lock()
	c.armed = false
	c.trackedID = ""
	c.mu.Unlock()
}

func (c *Controller) bind(orderID string) {
	c.mu.Lock()
	c.trackedID = orderID
	c.mu.Unlock()
}

func (c *Controller) watchClose(orderID string) {
	c.mu.Lock()
	c.closeWatchID = orderID
	c.closeSelfTraded = false
	c.mu.Unlock()
}

func (c *Controller) takeSelfTrade() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closeSelfTraded {
		return false
	}
	c.closeSelfTraded = false
	return true
}

func (c *Controller) snapshotFilled() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filledAmount
}

func (c *Controller) snapshotStatus() exchange.OrderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackedState
}

func (c *Controller) absorbFilled(v decimal.Decimal) {
	c.mu.Lock()
	if v.GreaterThan(c.filledAmount) {
		c.filledAmount = v
	}
	c.mu.Unlock()
}

func (c *Controller) absorbInfo(info *exchange.OrderInfo) {
	c.mu.Lock()
	c.trackedState = info.Status
	if info.FilledSize.GreaterThan(c.filledAmount) {
		c.filledAmount = info.FilledSize
	}
	c.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
