package drawdown

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/metrics"
	"perp-grid-bot/internal/retry"
)

// liqFlatThreshold is the absolute position size treated as no position.
var liqFlatThreshold = decimal.RequireFromString("0.001")

// LiquidatorConfig tunes the emergency close. Zero durations fall back to
// production defaults.
type LiquidatorConfig struct {
	ContractID string
	// CancelWait is the settle time after the parallel cancel dispatch.
	CancelWait time.Duration
	// CancelPoll spaces the verification polls after the settle wait.
	CancelPoll      time.Duration
	CancelPollCount int
	// PositionWait spaces the position read retries.
	PositionWait time.Duration
	// VerifyWait is the pause before the post-close position read.
	VerifyWait time.Duration
	// FastTarget and SlowTarget grade the end-to-end duration in logs.
	FastTarget time.Duration
	SlowTarget time.Duration
}

func (c LiquidatorConfig) withDefaults() LiquidatorConfig {
	if c.CancelWait <= 0 {
		c.CancelWait = 2 * time.Second
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = 500 * time.Millisecond
	}
	if c.CancelPollCount <= 0 {
		c.CancelPollCount = 4
	}
	if c.PositionWait <= 0 {
		c.PositionWait = time.Second
	}
	if c.VerifyWait <= 0 {
		c.VerifyWait = 2 * time.Second
	}
	if c.FastTarget <= 0 {
		c.FastTarget = 15 * time.Second
	}
	if c.SlowTarget <= 0 {
		c.SlowTarget = 30 * time.Second
	}
	return c
}

// Liquidator flattens the main venue in phases: cancel everything, read the
// position, close it reduce-only, verify. Phase errors are logged and never
// abort the sequence; the final integrity check alone decides success.
type Liquidator struct {
	client exchange.Client
	cfg    LiquidatorConfig
	log    *zap.Logger
	met    *metrics.Metrics
}

func NewLiquidator(client exchange.Client, cfg LiquidatorConfig, log *zap.Logger, met *metrics.Metrics) *Liquidator {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Liquidator{client: client, cfg: cfg.withDefaults(), log: log, met: met}
}

// Execute runs the full liquidation and reports whether the venue ended up
// clear of orders and position.
func (l *Liquidator) Execute(ctx context.Context) bool {
	start := time.Now()
	l.log.Warn("emergency liquidation started",
		zap.String("contract_id", l.cfg.ContractID))

	l.cancelPhase(ctx)
	l.closePhase(ctx)
	ok := l.integrityCheck(ctx)

	elapsed := time.Since(start)
	switch {
	case elapsed <= l.cfg.FastTarget:
		l.log.Info("emergency liquidation finished fast",
			zap.Duration("elapsed", elapsed),
			zap.Bool("clear", ok))
	case elapsed <= l.cfg.SlowTarget:
		l.log.Info("emergency liquidation finished within target",
			zap.Duration("elapsed", elapsed),
			zap.Bool("clear", ok))
	default:
		l.log.Warn("emergency liquidation exceeded target",
			zap.Duration("elapsed", elapsed),
			zap.Bool("clear", ok))
	}
	return ok
}

// Flat reports whether the venue is already clear, for callers that want an
// early-success check before re-running Execute.
func (l *Liquidator) Flat(ctx context.Context) bool {
	orders, err := l.client.ActiveOrders(ctx, l.cfg.ContractID)
	if err != nil || len(orders) != 0 {
		return false
	}
	pos, err := l.client.Position(ctx)
	if err != nil {
		return false
	}
	return pos.Abs().LessThan(liqFlatThreshold)
}

// cancelPhase cancels every active order in parallel, waits, then polls for
// an empty book. Stuck orders switch it to aggressive mode: log them, keep
// retrying cancels in the background and move on to position closure.
func (l *Liquidator) cancelPhase(ctx context.Context) {
	orders, err := l.client.ActiveOrders(ctx, l.cfg.ContractID)
	if err != nil {
		l.log.Warn("liquidation order fetch failed", zap.Error(err))
		return
	}
	if len(orders) == 0 {
		l.log.Info("liquidation found no active orders")
		return
	}

	l.log.Info("liquidation canceling active orders", zap.Int("count", len(orders)))
	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := l.client.CancelOrder(ctx, id); err != nil {
				l.log.Warn("liquidation cancel failed",
					zap.String("order_id", id),
					zap.Error(err))
				return
			}
			l.met.OrdersCanceled.Inc()
		}(o.OrderID)
	}
	wg.Wait()

	if err := sleepCtx(ctx, l.cfg.CancelWait); err != nil {
		return
	}
	for i := 0; i < l.cfg.CancelPollCount; i++ {
		remaining, err := l.client.ActiveOrders(ctx, l.cfg.ContractID)
		if err == nil && len(remaining) == 0 {
			l.log.Info("liquidation orders cleared")
			return
		}
		if err := sleepCtx(ctx, l.cfg.CancelPoll); err != nil {
			return
		}
	}

	remaining, err := l.client.ActiveOrders(ctx, l.cfg.ContractID)
	if err != nil {
		l.log.Warn("liquidation order re-fetch failed", zap.Error(err))
		return
	}
	ids := make([]string, 0, len(remaining))
	for _, o := range remaining {
		ids = append(ids, o.OrderID)
	}
	l.log.Warn("orders still active, entering aggressive mode",
		zap.Strings("stuck_order_ids", ids))
	go l.backgroundCancels(ids)
}

// backgroundCancels keeps trying the stuck orders without blocking the
// liquidation. It runs on its own deadline so shutdown cannot strand it.
func (l *Liquidator) backgroundCancels(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range ids {
		err := retry.Do(ctx, retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Factor: 1},
			func(ctx context.Context) error {
				_, err := l.client.CancelOrder(ctx, id)
				return err
			})
		if err != nil {
			l.log.Warn("background cancel gave up",
				zap.String("order_id", id),
				zap.Error(err))
			continue
		}
		l.met.OrdersCanceled.Inc()
		l.log.Info("background cancel succeeded", zap.String("order_id", id))
	}
}

// closePhase reads the position (phase 2), closes it with one reduce-only
// market order (phase 3) and verifies the result (phase 4).
func (l *Liquidator) closePhase(ctx context.Context) {
	pos, err := retry.DoValue(ctx,
		retry.Policy{MaxAttempts: 3, BaseDelay: l.cfg.PositionWait, Factor: 1},
		func(ctx context.Context) (decimal.Decimal, error) {
			return l.client.Position(ctx)
		})
	if err != nil {
		l.log.Error("liquidation position read failed", zap.Error(err))
		return
	}
	if pos.Abs().LessThan(liqFlatThreshold) {
		l.log.Info("liquidation found no position",
			zap.String("position", pos.String()))
		return
	}

	side := exchange.SideSell
	if pos.Sign() < 0 {
		side = exchange.SideBuy
	}
	res, err := exchange.PlaceMarketOrderCompat(ctx, l.client, l.cfg.ContractID, pos.Abs(), side,
		exchange.MarketOrderOpts{ReduceOnly: true, PreferWS: true})
	switch {
	case err != nil:
		l.log.Error("liquidation close order failed", zap.Error(err))
	case !res.Success:
		l.log.Error("liquidation close order rejected",
			zap.String("status", string(res.Status)),
			zap.String("venue_error", res.ErrorMessage))
	default:
		l.log.Info("liquidation close order submitted",
			zap.String("order_id", res.OrderID),
			zap.String("side", string(side)),
			zap.String("size", pos.Abs().String()))
	}

	if err := sleepCtx(ctx, l.cfg.VerifyWait); err != nil {
		return
	}
	after, err := l.client.Position(ctx)
	if err != nil {
		l.log.Warn("liquidation verify read failed", zap.Error(err))
		return
	}
	if after.Abs().LessThan(liqFlatThreshold) {
		l.log.Info("liquidation position closed")
	} else {
		l.log.Warn("liquidation position remains",
			zap.String("position", after.String()))
	}
}

// integrityCheck is the authoritative success signal, independent of any
// phase outcome: a phase error must not hide a venue that is in fact clear.
func (l *Liquidator) integrityCheck(ctx context.Context) bool {
	orders, oerr := l.client.ActiveOrders(ctx, l.cfg.ContractID)
	pos, perr := l.client.Position(ctx)
	if oerr != nil || perr != nil {
		l.log.Warn("liquidation integrity check unreadable",
			zap.NamedError("orders_error", oerr),
			zap.NamedError("position_error", perr))
		return false
	}
	venueClear := len(orders) == 0 && pos.Abs().LessThan(liqFlatThreshold)
	l.log.Info("liquidation integrity check",
		zap.Bool("clear", venueClear),
		zap.Int("active_orders", len(orders)),
		zap.String("position", pos.String()))
	return venueClear
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
