package hedge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/alerts"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/metrics"
	"perp-grid-bot/internal/retry"
	"perp-grid-bot/internal/strategy"
)

// flatEpsilon is the position size below which the hedge venue counts as
// flat. Venues report dust remainders after market closes.
var flatEpsilon = decimal.RequireFromString("0.0001")

// Config tunes the coordinator. Zero durations fall back to defaults so a
// bare Config behaves like production settings.
type Config struct {
	// ContractID is the hedge venue contract, resolved at startup.
	ContractID string
	// Delay is the pause between a grid fill and the hedge placement.
	Delay time.Duration
	// RetryBase seeds the backoff for BBO reads and placements.
	RetryBase time.Duration
	// PendingWait bounds the confirmation wait for a PENDING market order.
	PendingWait time.Duration
	// SettleWait is the pause before the close-all position read, giving
	// in-flight fills time to land.
	SettleWait time.Duration
	// PositionRetryWait spaces the close-all position read attempts.
	PositionRetryWait time.Duration
	// InProgressWait caps how long a second close-all caller waits for the
	// one already running.
	InProgressWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = 100 * time.Millisecond
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.PendingWait <= 0 {
		c.PendingWait = 2 * time.Second
	}
	if c.SettleWait <= 0 {
		c.SettleWait = 3 * time.Second
	}
	if c.PositionRetryWait <= 0 {
		c.PositionRetryWait = 2 * time.Second
	}
	if c.InProgressWait <= 0 {
		c.InProgressWait = 60 * time.Second
	}
	return c
}

// Summary reports the outcome of one stop-loss close-all pass.
type Summary struct {
	Total  int
	Closed int
	Failed int
	Errors []string
}

// Coordinator mirrors grid fills onto a second venue and unwinds the mirror
// positions on take-profit fills or stop-loss. One coordinator serves one
// hedge venue.
type Coordinator struct {
	client exchange.Client
	cfg    Config
	log    *zap.Logger
	met    *metrics.Metrics
	notify alerts.Notifier

	mu          sync.Mutex
	positions   map[string]*Position
	closing     bool
	closeDone   chan struct{}
	lastSummary Summary
}

func New(client exchange.Client, cfg Config, log *zap.Logger, met *metrics.Metrics, notify alerts.Notifier) *Coordinator {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Coordinator{
		client:    client,
		cfg:       cfg.withDefaults(),
		log:       log,
		met:       met,
		notify:    notify,
		positions: make(map[string]*Position),
	}
}

// ExecuteImmediateHedge opens an opposite-side market position on the hedge
// venue for a grid fill. It validates the book first, retries placement on
// transient failures and slippage cancels, and escalates through a slower
// remediation loop before declaring the exposure un-hedged.
func (c *Coordinator) ExecuteImmediateHedge(ctx context.Context, mainOrderID string, fillPrice, quantity decimal.Decimal, mainSide exchange.Side) error {
	if quantity.Sign() <= 0 {
		return nil
	}
	if c.hasLiveHedge(mainOrderID) {
		c.log.Warn("hedge already tracked for order, skipping",
			zap.String("main_order_id", mainOrderID))
		return nil
	}
	if err := c.sleep(ctx, c.cfg.Delay); err != nil {
		return err
	}

	if err := c.validateBook(ctx); err != nil {
		c.met.HedgeFailures.Inc()
		c.alert(ctx, fmt.Sprintf("CRITICAL: exposure for order %s is un-hedged, hedge venue book unusable: %v", mainOrderID, err))
		return fmt.Errorf("hedge book validation: %w", err)
	}

	hedgeSide := mainSide.Opposite()
	res, err := c.placeWithRetry(ctx, quantity, hedgeSide,
		retry.Policy{MaxAttempts: 3, BaseDelay: c.cfg.RetryBase, Factor: 1})
	if err != nil {
		c.log.Warn("hedge placement exhausted, entering remediation",
			zap.String("main_order_id", mainOrderID),
			zap.Error(err))
		res, err = c.placeWithRetry(ctx, quantity, hedgeSide,
			retry.Policy{MaxAttempts: 5, BaseDelay: c.cfg.RetryBase, Factor: 1.2})
	}
	if err != nil {
		c.met.HedgeFailures.Inc()
		c.alert(ctx, fmt.Sprintf("CRITICAL: exposure for order %s is un-hedged after remediation (%s %s): %v", mainOrderID, hedgeSide, quantity.String(), err))
		return fmt.Errorf("hedge placement: %w", err)
	}

	pos := &Position{
		MainOrderID:    mainOrderID,
		HedgeOrderID:   res.OrderID,
		Quantity:       quantity,
		MainSide:       mainSide,
		HedgeSide:      hedgeSide,
		Status:         StatusHedging,
		CreatedAt:      time.Now(),
		MainFillPrice:  fillPrice,
		HedgeFillPrice: res.Price,
	}
	c.mu.Lock()
	c.positions[mainOrderID] = pos
	c.mu.Unlock()

	c.met.HedgeOrders.Inc()
	c.log.Info("hedge placed",
		zap.String("main_order_id", mainOrderID),
		zap.String("hedge_order_id", res.OrderID),
		zap.String("side", string(hedgeSide)),
		zap.String("quantity", quantity.String()))
	return nil
}

// AttachTakeProfit records the grid take-profit order covering a hedge, so
// its fill can later unwind the hedge.
func (c *Coordinator) AttachTakeProfit(mainOrderID, takeProfitOrderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[mainOrderID]
	if !ok {
		c.log.Warn("take-profit attached to unknown hedge",
			zap.String("main_order_id", mainOrderID),
			zap.String("take_profit_order_id", takeProfitOrderID))
		return
	}
	p.TakeProfitOrderID = takeProfitOrderID
	if !p.advance(StatusProfitPending) {
		c.log.Warn("illegal hedge transition",
			zap.String("main_order_id", mainOrderID),
			zap.String("from", string(p.Status)),
			zap.String("to", string(StatusProfitPending)))
		return
	}
	c.log.Info("hedge waiting on take-profit",
		zap.String("main_order_id", mainOrderID),
		zap.String("take_profit_order_id", takeProfitOrderID))
}

// OnTakeProfitFilled unwinds the hedge covered by a filled grid take-profit
// with a reduce-only market order, escalating to the venue's tuned retry
// placement when the first close fails.
func (c *Coordinator) OnTakeProfitFilled(ctx context.Context, takeProfitOrderID string) error {
	p := c.findByTakeProfit(takeProfitOrderID)
	if p == nil {
		c.log.Debug("take-profit fill without tracked hedge",
			zap.String("take_profit_order_id", takeProfitOrderID))
		return nil
	}
	c.transition(p, StatusClosing)

	closeSide := p.HedgeSide.Opposite()
	res, err := exchange.PlaceMarketOrderCompat(ctx, c.client, c.cfg.ContractID, p.Quantity, closeSide, exchange.MarketOrderOpts{ReduceOnly: true})
	if err == nil && orderFilled(res) {
		c.complete(p)
		c.log.Info("hedge closed",
			zap.String("main_order_id", p.MainOrderID),
			zap.String("close_order_id", res.OrderID))
		return nil
	}
	c.log.Warn("hedge close failed, escalating",
		zap.String("main_order_id", p.MainOrderID),
		zap.String("status", string(res.Status)),
		zap.String("venue_error", res.ErrorMessage),
		zap.Error(err))

	if rm, ok := c.client.(exchange.RetryMarketOrderer); ok {
		res, err = rm.PlaceMarketOrderWithRetry(ctx, c.cfg.ContractID, p.Quantity, closeSide, exchange.MarketOrderOpts{ReduceOnly: true})
		if err == nil && orderFilled(res) {
			c.complete(p)
			c.log.Info("hedge closed after escalation",
				zap.String("main_order_id", p.MainOrderID),
				zap.String("close_order_id", res.OrderID))
			return nil
		}
	}

	c.met.HedgeFailures.Inc()
	c.alert(ctx, fmt.Sprintf("CRITICAL: hedge for order %s is still open after its take-profit filled", p.MainOrderID))
	return fmt.Errorf("hedge close failed for order %s", p.MainOrderID)
}

// CloseAllOnStopLoss flattens the hedge venue during a stop-loss. Venue
// position is the source of truth: a flat venue completes every tracked
// hedge without placing an order, otherwise one consolidated reduce-only
// close covers the whole size, with a per-position fallback. Concurrent
// callers wait for the running pass and share its summary.
func (c *Coordinator) CloseAllOnStopLoss(ctx context.Context) Summary {
	c.mu.Lock()
	if c.closing {
		done := c.closeDone
		c.mu.Unlock()
		wait := time.NewTimer(c.cfg.InProgressWait)
		defer wait.Stop()
		select {
		case <-done:
		case <-wait.C:
			c.log.Warn("stop-loss hedge close still running after wait")
		case <-ctx.Done():
		}
		c.mu.Lock()
		s := c.lastSummary
		c.mu.Unlock()
		return s
	}
	c.closing = true
	done := make(chan struct{})
	c.closeDone = done
	c.mu.Unlock()

	s := c.closeAll(ctx)

	c.mu.Lock()
	c.lastSummary = s
	c.closing = false
	c.mu.Unlock()
	close(done)
	return s
}

func (c *Coordinator) closeAll(ctx context.Context) Summary {
	tracked := c.liveSnapshot()
	s := Summary{Total: len(tracked)}

	if err := c.sleep(ctx, c.cfg.SettleWait); err != nil {
		s.Failed = s.Total
		s.Errors = append(s.Errors, err.Error())
		return s
	}

	pos, err := retry.DoValue(ctx,
		retry.Policy{MaxAttempts: 3, BaseDelay: c.cfg.PositionRetryWait, Factor: 1},
		func(ctx context.Context) (decimal.Decimal, error) {
			return c.client.Position(ctx)
		})
	if err != nil {
		s.Failed = s.Total
		s.Errors = append(s.Errors, fmt.Sprintf("position read: %v", err))
		c.met.HedgeFailures.Inc()
		c.alert(ctx, fmt.Sprintf("CRITICAL: stop-loss hedge close aborted, hedge venue position unreadable: %v", err))
		return s
	}

	if pos.Abs().LessThanOrEqual(flatEpsilon) {
		for _, p := range tracked {
			c.complete(p)
		}
		s.Closed = s.Total
		c.log.Info("hedge venue already flat",
			zap.Int("tracked", s.Total),
			zap.String("position", pos.String()))
		return s
	}

	side, uniform := trackedCloseSide(tracked)
	if !uniform {
		c.alert(ctx, "CRITICAL: tracked hedges hold mixed sides, closing one by one")
		return c.closeEach(ctx, tracked, s)
	}
	if len(tracked) == 0 {
		side = exchange.SideSell
		if pos.Sign() < 0 {
			side = exchange.SideBuy
		}
		c.log.Warn("hedge venue position with no tracked hedges",
			zap.String("position", pos.String()),
			zap.String("close_side", string(side)))
	}

	res, err := c.closeMarket(ctx, pos.Abs(), side)
	if err == nil && orderFilled(res) {
		for _, p := range tracked {
			c.complete(p)
		}
		s.Closed = s.Total
		c.log.Info("hedge positions closed",
			zap.Int("tracked", s.Total),
			zap.String("size", pos.Abs().String()),
			zap.String("side", string(side)))
		return s
	}
	c.log.Warn("consolidated hedge close failed, falling back per position",
		zap.String("venue_error", res.ErrorMessage),
		zap.Error(err))
	return c.closeEach(ctx, tracked, s)
}

func (c *Coordinator) closeEach(ctx context.Context, tracked []*Position, s Summary) Summary {
	for _, p := range tracked {
		res, err := c.closeMarket(ctx, p.Quantity, p.HedgeSide.Opposite())
		if err == nil && orderFilled(res) {
			c.complete(p)
			s.Closed++
			continue
		}
		s.Failed++
		msg := fmt.Sprintf("hedge for order %s: close failed", p.MainOrderID)
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		} else if res.ErrorMessage != "" {
			msg = fmt.Sprintf("%s: %s", msg, res.ErrorMessage)
		}
		s.Errors = append(s.Errors, msg)
	}
	if s.Failed > 0 {
		c.met.HedgeFailures.Inc()
		c.alert(ctx, fmt.Sprintf("CRITICAL: %d hedge positions not closed on stop-loss", s.Failed))
	}
	return s
}

// Positions returns a snapshot of tracked hedges ordered by creation time.
func (c *Coordinator) Positions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Coordinator) validateBook(ctx context.Context) error {
	return retry.Do(ctx,
		retry.Policy{MaxAttempts: 3, BaseDelay: c.cfg.RetryBase, Factor: 2},
		func(ctx context.Context) error {
			bid, ask, err := c.client.BBO(ctx, c.cfg.ContractID)
			if err != nil {
				return err
			}
			return strategy.ValidateBBO(bid, ask)
		})
}

func (c *Coordinator) placeWithRetry(ctx context.Context, quantity decimal.Decimal, side exchange.Side, p retry.Policy) (exchange.OrderResult, error) {
	return retry.DoValue(ctx, p, func(ctx context.Context) (exchange.OrderResult, error) {
		return c.placeOnce(ctx, quantity, side)
	})
}

// placeOnce issues one hedge market order and normalizes the ambiguous
// outcomes: slippage cancels and unconfirmed placements become errors so
// the retry policy drives another attempt.
func (c *Coordinator) placeOnce(ctx context.Context, quantity decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	res, err := exchange.PlaceMarketOrderCompat(ctx, c.client, c.cfg.ContractID, quantity, side, exchange.MarketOrderOpts{PreferWS: true})
	if err != nil {
		return res, err
	}
	if res.Status == exchange.StatusCanceled && res.CancelReason == exchange.CancelReasonSlippage {
		return res, fmt.Errorf("hedge order %s canceled for slippage", res.OrderID)
	}
	if res.Status == exchange.StatusPending {
		if err := c.sleep(ctx, c.cfg.PendingWait); err != nil {
			return res, err
		}
		info, ierr := c.client.OrderInfo(ctx, res.OrderID)
		if ierr == nil && info != nil {
			res.Status = info.Status
			if info.FilledSize.Sign() > 0 {
				res.FilledSize = info.FilledSize
			}
		}
	}
	if !orderFilled(res) {
		return res, fmt.Errorf("hedge order not filled: status=%s error=%q", res.Status, res.ErrorMessage)
	}
	return res, nil
}

func (c *Coordinator) closeMarket(ctx context.Context, quantity decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	opts := exchange.MarketOrderOpts{ReduceOnly: true}
	if rm, ok := c.client.(exchange.RetryMarketOrderer); ok {
		return rm.PlaceMarketOrderWithRetry(ctx, c.cfg.ContractID, quantity, side, opts)
	}
	return exchange.PlaceMarketOrderCompat(ctx, c.client, c.cfg.ContractID, quantity, side, opts)
}

func (c *Coordinator) hasLiveHedge(mainOrderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[mainOrderID]
	return ok && p.Status != StatusCompleted
}

func (c *Coordinator) findByTakeProfit(takeProfitOrderID string) *Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.positions {
		if p.TakeProfitOrderID == takeProfitOrderID && p.Status != StatusCompleted {
			return p
		}
	}
	return nil
}

// liveSnapshot returns the non-completed positions ordered by creation time
// so fallback errors come out deterministic.
func (c *Coordinator) liveSnapshot() []*Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Position, 0, len(c.positions))
	for _, p := range c.positions {
		if p.Status != StatusCompleted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Coordinator) transition(p *Position, target Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !p.advance(target) {
		c.log.Warn("illegal hedge transition",
			zap.String("main_order_id", p.MainOrderID),
			zap.String("from", string(p.Status)),
			zap.String("to", string(target)))
		return false
	}
	return true
}

// complete marks a position COMPLETED and drops it from the book.
func (c *Coordinator) complete(p *Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.advance(StatusCompleted)
	delete(c.positions, p.MainOrderID)
}

func (c *Coordinator) alert(ctx context.Context, message string) {
	if c.notify == nil {
		return
	}
	_ = c.notify.Send(ctx, message)
	c.met.Notifications.Inc()
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// trackedCloseSide derives the consolidated close side from tracked hedge
// sides. Position sign is not used because reduce-only dust can flip it.
func trackedCloseSide(tracked []*Position) (exchange.Side, bool) {
	if len(tracked) == 0 {
		return "", true
	}
	side := tracked[0].HedgeSide
	for _, p := range tracked[1:] {
		if p.HedgeSide != side {
			return "", false
		}
	}
	return side.Opposite(), true
}

// orderFilled reports whether a market-order result represents size on the
// book. Venues disagree on which field carries the truth, so both the
// terminal status and the filled size count.
func orderFilled(res exchange.OrderResult) bool {
	if !res.Success || res.ErrorMessage != "" {
		return false
	}
	return res.Status == exchange.StatusFilled || res.FilledSize.Sign() > 0
}
