// Package app wires the venue adapters, the order controller and the risk
// engines into the trading loop. One orchestrator goroutine owns all trading
// state; venue feeds and the operator loop reach it only through the fill
// signal, the fill accumulator and the pause/shutdown controls.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/alerts"
	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/drawdown"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/exchange/hyperliquid"
	"perp-grid-bot/internal/exchange/venues"
	"perp-grid-bot/internal/hedge"
	"perp-grid-bot/internal/metrics"
	"perp-grid-bot/internal/order"
	"perp-grid-bot/internal/state"
	"perp-grid-bot/internal/state/sqlite"
	"perp-grid-bot/internal/strategy"
	"perp-grid-bot/internal/timescale"
)

const (
	// loopTick paces the orchestrator between iterations. Placement cadence
	// is governed separately by the wait tiers.
	loopTick = 5 * time.Second
	// pauseBandSleep is the hold after a pause-price breach before the loop
	// re-evaluates the market.
	pauseBandSleep = 5 * time.Second
	// summaryEvery is the iteration count between INFO state summaries;
	// every iteration still logs at debug.
	summaryEvery = 60

	stopLossMaxAttempts = 100
	stopLossWaitCap     = 5 * time.Second
)

type App struct {
	cfg   *config.Config
	log   *zap.Logger
	store state.Store
	met   *metrics.Metrics
	prom  *metrics.Prometheus

	client      exchange.Client
	hedgeClient exchange.Client

	controller  *order.Controller
	coordinator *hedge.Coordinator
	monitor     *drawdown.Monitor
	liquidator  *drawdown.Liquidator
	notify      alerts.Notifier
	telegram    *alerts.Telegram
	recorder    *timescale.Writer

	// resolved once at startup
	contractID string
	tickSize   decimal.Decimal

	// converted once from config floats
	direction  exchange.Side
	quantity   decimal.Decimal
	takeProfit decimal.Decimal
	gridStep   decimal.Decimal
	stopPrice  decimal.Decimal
	pausePrice decimal.Decimal
	maxLoss    decimal.Decimal
	waitBase   time.Duration
	tick       time.Duration

	// opPaused flips from the operator goroutine; operatorWarned belongs to
	// the operator goroutine alone. Everything below is owned by the
	// orchestrator goroutine.
	opPaused       atomic.Bool
	operatorWarned bool

	tradingPaused  bool
	lastOrderCount int
	lastPlacement  time.Time
	iterations     int
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	direction, err := exchange.SideFromString(cfg.Trading.Direction)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	met := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		met = prom.Metrics
	}

	client, err := venues.New(cfg.Exchange.Name, cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build %s client: %w", cfg.Exchange.Name, err)
	}
	if hl, ok := client.(*hyperliquid.Client); ok {
		hl.SetJournal(store)
	}

	var hedgeClient exchange.Client
	if cfg.Hedge.Enabled {
		hedgeClient, err = venues.New(cfg.Hedge.Exchange, cfg, log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build %s hedge client: %w", cfg.Hedge.Exchange, err)
		}
	}

	recorder, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	telegram := alerts.NewTelegram(cfg.Alerts.Telegram, log)
	notify := alerts.NewMulti(log, telegram, alerts.NewLark(cfg.Alerts.Lark, log))

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		met:         met,
		prom:        prom,
		client:      client,
		hedgeClient: hedgeClient,
		notify:      notify,
		telegram:    telegram,
		recorder:    recorder,
		direction:   direction,
		quantity:    decimal.NewFromFloat(cfg.Trading.Quantity),
		takeProfit:  decimal.NewFromFloat(cfg.Trading.TakeProfit),
		gridStep:    decimal.NewFromFloat(cfg.Trading.GridStep),
		stopPrice:   decimal.NewFromFloat(cfg.Trading.StopPrice),
		pausePrice:  decimal.NewFromFloat(cfg.Trading.PausePrice),
		maxLoss:     decimal.NewFromFloat(cfg.Trading.MaxLoss),
		waitBase:    time.Duration(cfg.Trading.WaitTime * float64(time.Second)),
		tick:        loopTick,
	}, nil
}

// Run connects the venues, starts the supporting goroutines and drives the
// trading loop until ctx is canceled or a risk policy ends the session.
// Policy-triggered shutdowns return nil; the final alert names the cause.
func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.store.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if hl, ok := a.client.(*hyperliquid.Client); ok {
		if err := hl.InitNonceStore(runCtx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		}
	}

	if prev, ok, err := state.LoadSessionSnapshot(runCtx, a.store); err != nil {
		a.log.Warn("previous session snapshot unreadable", zap.Error(err))
	} else if ok {
		a.log.Info("previous session",
			zap.String("level", prev.Level),
			zap.Float64("networth", prev.Networth),
			zap.Float64("peak_networth", prev.PeakNetworth),
			zap.Float64("position_size", prev.PositionSize),
			zap.Bool("paused", prev.Paused),
			zap.Int64("updated_at_ms", prev.UpdatedAtMS))
	}

	if err := a.start(runCtx); err != nil {
		return err
	}
	defer a.disconnectAll()

	if a.prom != nil && a.cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: a.prom.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics listener failed", zap.Error(err))
			}
		}()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
		}()
		a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Addr))
	}

	a.recorder.Start(runCtx)
	defer func() { _ = a.recorder.Close() }()

	if a.cfg.Operator.Enabled && a.telegram != nil && a.telegram.Enabled() {
		go a.operatorLoop(runCtx, cancel)
	}

	a.alertf(runCtx, "%s %s grid session started: direction %s, quantity %s, take profit %s%%",
		a.client.Name(), a.cfg.Trading.Ticker, a.direction, a.quantity, a.takeProfit)

	err := a.loop(runCtx)

	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer endCancel()
	a.alertf(endCtx, "%s %s grid session ended", a.client.Name(), a.cfg.Trading.Ticker)
	return err
}

// start resolves contracts, builds the components that need them and brings
// both venue connections up. Update handlers are registered before Connect
// so no early push update is dropped.
func (a *App) start(ctx context.Context) error {
	contractID, tick, err := a.client.ContractAttributes(ctx, a.cfg.Trading.Ticker)
	if err != nil {
		return fmt.Errorf("resolve %s on %s: %w", a.cfg.Trading.Ticker, a.client.Name(), err)
	}
	a.contractID = contractID
	a.tickSize = tick
	a.log.Info("contract resolved",
		zap.String("exchange", a.client.Name()),
		zap.String("contract_id", contractID),
		zap.String("tick_size", tick.String()))

	a.controller = order.New(a.client, order.Config{
		ContractID: contractID,
		TickSize:   tick,
		Quantity:   a.quantity,
		TakeProfit: a.takeProfit,
		Direction:  a.direction,
	}, a.log, a.met)

	if a.cfg.Drawdown.Enabled {
		window := 0
		if a.cfg.Drawdown.SmoothingEnabled {
			window = a.cfg.Drawdown.SmoothingWindow
		}
		a.liquidator = drawdown.NewLiquidator(a.client, drawdown.LiquidatorConfig{ContractID: contractID}, a.log, a.met)
		a.monitor = drawdown.NewMonitor(drawdown.Config{
			LightThreshold:  decimal.NewFromFloat(a.cfg.Drawdown.LightThreshold),
			MediumThreshold: decimal.NewFromFloat(a.cfg.Drawdown.MediumThreshold),
			SevereThreshold: decimal.NewFromFloat(a.cfg.Drawdown.SevereThreshold),
			UpdateFrequency: a.cfg.Drawdown.UpdateFrequency,
			SmoothingWindow: window,
			MaxCacheAge:     a.cfg.Drawdown.CacheMaxAge,
		}, a.log, a.met, a.liquidator)
		a.monitor.SetLevelChangeHandler(func(old, newLevel drawdown.Level, rate decimal.Decimal) {
			a.onLevelChange(ctx, old, newLevel, rate)
		})
	}

	mainName := a.client.Name()
	a.client.SetOrderUpdateHandler(func(u exchange.OrderUpdate) {
		a.recordOrderEvent(mainName, u)
		a.controller.HandleOrderUpdate(u)
	})
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", mainName, err)
	}

	if a.hedgeClient != nil {
		hedgeName := a.hedgeClient.Name()
		hedgeContract, _, err := a.hedgeClient.ContractAttributes(ctx, a.cfg.Trading.Ticker)
		if err != nil {
			return fmt.Errorf("resolve %s on %s: %w", a.cfg.Trading.Ticker, hedgeName, err)
		}
		a.coordinator = hedge.New(a.hedgeClient, hedge.Config{
			ContractID: hedgeContract,
			Delay:      a.cfg.Hedge.Delay,
		}, a.log, a.met, a.notify)
		a.hedgeClient.SetOrderUpdateHandler(func(u exchange.OrderUpdate) {
			a.recordOrderEvent(hedgeName, u)
		})
		if err := a.hedgeClient.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", hedgeName, err)
		}

		a.controller.SetFillHandler(func(f order.Fill) {
			if err := a.coordinator.ExecuteImmediateHedge(ctx, f.OrderID, f.Price, f.Size, f.Side); err != nil {
				a.log.Error("hedge placement failed",
					zap.String("main_order_id", f.OrderID),
					zap.Error(err))
			}
		})
		a.controller.SetCloseFillHandler(func(u exchange.OrderUpdate) {
			// The unwind places a market order on the hedge venue; run it
			// off the dispatch goroutine so the feed keeps draining.
			go func(tpOrderID string) {
				if err := a.coordinator.OnTakeProfitFilled(ctx, tpOrderID); err != nil {
					a.log.Error("hedge unwind failed",
						zap.String("take_profit_order_id", tpOrderID),
						zap.Error(err))
				}
			}(u.OrderID)
		})
	}

	if a.monitor != nil {
		networth, err := a.client.Networth(ctx)
		if err != nil {
			return fmt.Errorf("initial networth on %s: %w", a.client.Name(), err)
		}
		if err := a.monitor.StartSession(networth); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) loop(ctx context.Context) error {
	if a.tick <= 0 {
		a.tick = loopTick
	}
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		if done := a.iterate(ctx); done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// iterate runs one orchestrator pass. It returns true when a risk policy
// ends the session. Step failures are logged and end the pass; the next
// pass always starts with the drawdown check.
func (a *App) iterate(ctx context.Context) bool {
	a.met.LoopIterations.Inc()
	a.iterations++

	if a.monitor != nil {
		if done := a.checkDrawdown(ctx); done {
			return true
		}
	}
	if ctx.Err() != nil {
		return false
	}

	closeOrders, err := a.activeCloseOrders(ctx)
	if err != nil {
		a.log.Warn("active order refresh failed", zap.Error(err))
		return false
	}

	bid, ask, err := a.client.BBO(ctx, a.contractID)
	if err != nil {
		a.log.Warn("bbo fetch failed", zap.Error(err))
		return false
	}
	if err := strategy.ValidateBBO(bid, ask); err != nil {
		a.log.Warn("bbo rejected", zap.Error(err))
		return false
	}

	if err := strategy.CheckPriceBands(a.direction, bid, ask, a.stopPrice, a.pausePrice); err != nil {
		switch {
		case errors.Is(err, strategy.ErrStopPriceBreached):
			a.alertf(ctx, "%s %s: %v; closing session", a.client.Name(), a.cfg.Trading.Ticker, err)
			return true
		case errors.Is(err, strategy.ErrPausePriceBreached):
			a.log.Warn("pause price breached, holding", zap.Error(err))
			_ = sleepCtx(ctx, pauseBandSleep)
			return false
		}
	}

	position, err := a.client.Position(ctx)
	if err != nil {
		a.log.Warn("position fetch failed", zap.Error(err))
		return false
	}
	if err := strategy.CheckPositionMatch(position, closeOrders, a.quantity); err != nil {
		a.alertf(ctx, "CRITICAL %s %s: %v; shutting down for manual review",
			a.client.Name(), a.cfg.Trading.Ticker, err)
		a.log.Error("position mismatch", zap.Error(err), zap.Stack("stack"))
		return true
	}

	if done := a.checkUnrealizedLoss(ctx); done {
		return true
	}

	a.publishState(ctx, position, len(closeOrders))

	a.maybePlace(ctx, bid, ask, closeOrders)
	return false
}

// checkDrawdown ingests a net-worth sample and, once the severe latch is
// set, drives the liquidation, closes hedges and ends the session. Sampling
// errors feed the cached-value fallback instead of skipping the check.
func (a *App) checkDrawdown(ctx context.Context) bool {
	networth, err := a.client.Networth(ctx)
	if err != nil {
		a.log.Warn("networth fetch failed", zap.Error(err))
		a.monitor.UpdateNetworthWithFallback(decimal.Zero, false)
	} else {
		a.monitor.UpdateNetworthWithFallback(networth, true)
	}

	if !a.monitor.StopLossTriggered() {
		switch a.monitor.Level() {
		case drawdown.LevelMediumWarning:
			a.tradingPaused = true
		case drawdown.LevelLightWarning, drawdown.LevelNormal:
			a.tradingPaused = false
		}
		return false
	}

	executed := a.driveStopLoss(ctx)
	if a.coordinator != nil {
		s := a.coordinator.CloseAllOnStopLoss(ctx)
		a.alertf(ctx, "%s hedge close-all: %d/%d closed, %d failed",
			a.hedgeClient.Name(), s.Closed, s.Total, s.Failed)
	}
	st := a.monitor.Status()
	if executed {
		a.alertf(ctx, "%s %s severe drawdown (rate %s, networth %s, peak %s): positions liquidated, shutting down",
			a.client.Name(), a.cfg.Trading.Ticker, st.Rate, st.Current, st.Peak)
	} else {
		a.alertf(ctx, "CRITICAL %s %s severe drawdown: liquidation incomplete after %d attempts, manual intervention required; shutting down",
			a.client.Name(), a.cfg.Trading.Ticker, stopLossMaxAttempts)
		a.log.Error("stop loss attempts exhausted", zap.Stack("stack"))
	}
	return true
}

// driveStopLoss retries the latched liquidation until it reports success or
// the attempt budget runs out. Retries start with a direct venue flatness
// check so work finished by an earlier attempt counts immediately.
func (a *App) driveStopLoss(ctx context.Context) bool {
	if a.monitor.StopLossExecuted() {
		return true
	}
	for attempt := 1; attempt <= stopLossMaxAttempts; attempt++ {
		if attempt > 1 && a.liquidator != nil && a.liquidator.Flat(ctx) {
			a.log.Info("venue already flat", zap.Int("attempt", attempt))
			return a.monitor.ExecutePendingStopLoss(ctx)
		}
		if a.monitor.ExecutePendingStopLoss(ctx) {
			return true
		}
		a.met.StopLossRetries.Inc()
		wait := time.Duration(attempt) * time.Second
		if wait > stopLossWaitCap {
			wait = stopLossWaitCap
		}
		a.log.Warn("stop loss attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("next_wait", wait))
		if err := sleepCtx(ctx, wait); err != nil {
			return false
		}
	}
	return false
}

// checkUnrealizedLoss enforces the loss-to-margin limit on venues that
// report PnL. Read failures skip the check for this pass.
func (a *App) checkUnrealizedLoss(ctx context.Context) bool {
	if a.maxLoss.Sign() <= 0 {
		return false
	}
	reporter, ok := a.client.(exchange.PnLReporter)
	if !ok {
		return false
	}
	pnl, margin, err := reporter.UnrealizedPnLAndMargin(ctx)
	if err != nil {
		a.log.Warn("pnl fetch failed", zap.Error(err))
		return false
	}
	if err := strategy.CheckLossRatio(pnl, margin, a.maxLoss); err != nil {
		a.alertf(ctx, "CRITICAL %s %s: %v (pnl %s, margin %s, limit %s%%); shutting down",
			a.client.Name(), a.cfg.Trading.Ticker, err, pnl, margin, a.maxLoss)
		a.log.Error("unrealized loss limit hit", zap.Error(err), zap.Stack("stack"))
		return true
	}
	return false
}

// maybePlace applies capacity, cooldown, grid-step and pause gates, then
// runs one open+close placement cycle.
func (a *App) maybePlace(ctx context.Context, bid, ask decimal.Decimal, closeOrders []strategy.CloseOrder) {
	count := len(closeOrders)
	prev := a.lastOrderCount
	a.lastOrderCount = count

	if strategy.AtCapacity(count, a.cfg.Trading.MaxOrders) {
		return
	}
	// A drop in the close-order count means a take-profit filled; replace
	// it immediately instead of waiting out the cooldown.
	if count >= prev {
		wait := strategy.WaitDuration(count, a.cfg.Trading.MaxOrders, a.waitBase)
		if time.Since(a.lastPlacement) < wait {
			return
		}
	}

	closeSide := a.direction.Opposite()
	maker := strategy.MakerPrice(a.direction, bid, ask, a.tickSize)
	prospective := strategy.CloseOrderPrice(maker, a.takeProfit, closeSide)
	if !strategy.GridStepSatisfied(a.direction, prospective, closeOrders, a.gridStep) {
		a.log.Debug("grid step gate holding placement",
			zap.String("prospective_close", prospective.String()),
			zap.Int("active_close_orders", count))
		return
	}

	if a.tradingPaused || a.opPaused.Load() {
		return
	}
	if a.monitor != nil && a.monitor.StopLossTriggered() {
		return
	}

	placement, err := a.controller.PlaceAndTrackOpenOrder(ctx)
	if placement != nil {
		a.lastPlacement = time.Now()
	}
	if err != nil {
		a.log.Warn("placement cycle failed", zap.Error(err))
		if placement != nil && placement.FilledSize.Sign() > 0 && !placement.ClosePlaced {
			a.alertf(ctx, "%s %s: open order %s filled %s but take-profit placement failed: %v",
				a.client.Name(), a.cfg.Trading.Ticker, placement.OrderID, placement.FilledSize, err)
		}
		return
	}
	if placement != nil && placement.ClosePlaced && a.coordinator != nil {
		a.coordinator.AttachTakeProfit(placement.OrderID, placement.CloseOrderID)
	}
}

// activeCloseOrders rebuilds the resting close-order view from a fresh venue
// query. Sizes are the remaining unfilled quantity.
func (a *App) activeCloseOrders(ctx context.Context) ([]strategy.CloseOrder, error) {
	orders, err := a.client.ActiveOrders(ctx, a.contractID)
	if err != nil {
		return nil, err
	}
	closeSide := a.direction.Opposite()
	out := make([]strategy.CloseOrder, 0, len(orders))
	for _, o := range orders {
		if o.Side != closeSide {
			continue
		}
		size := o.RemainingSize
		if size.Sign() <= 0 {
			size = o.Size.Sub(o.FilledSize)
		}
		if size.Sign() <= 0 {
			size = o.Size
		}
		out = append(out, strategy.CloseOrder{ID: o.OrderID, Price: o.Price, Size: size})
	}
	return out, nil
}

// publishState persists the per-iteration snapshot and refreshes gauges.
// Observability only; trading decisions never read it back.
func (a *App) publishState(ctx context.Context, position decimal.Decimal, closeOrders int) {
	var st drawdown.Status
	if a.monitor != nil {
		st = a.monitor.Status()
	}
	paused := a.tradingPaused || a.opPaused.Load()
	posF := f64(position)

	a.met.PositionSize.Set(posF)
	a.met.ActiveCloseOrders.Set(float64(closeOrders))

	snapshot := state.SessionSnapshot{
		Ticker:            a.cfg.Trading.Ticker,
		Exchange:          a.client.Name(),
		Direction:         string(a.direction),
		Networth:          f64(st.Current),
		PeakNetworth:      f64(st.Peak),
		DrawdownRate:      f64(st.Rate),
		Level:             st.Level.String(),
		Paused:            paused,
		StopLossTriggered: st.StopLossTriggered,
		PositionSize:      posF,
		ActiveCloseOrders: closeOrders,
		UpdatedAtMS:       time.Now().UnixMilli(),
	}
	if err := state.SaveSessionSnapshot(ctx, a.store, snapshot); err != nil {
		a.log.Warn("session snapshot save failed", zap.Error(err))
	}
	if a.monitor != nil {
		a.recordNetworth(st)
	}

	fields := []zap.Field{
		zap.String("level", st.Level.String()),
		zap.String("networth", st.Current.String()),
		zap.String("session_peak", st.Peak.String()),
		zap.Float64("position_size", posF),
		zap.Int("active_close_orders", closeOrders),
		zap.Bool("paused", paused),
	}
	if a.iterations%summaryEvery == 0 {
		a.log.Info("session state", fields...)
	} else {
		a.log.Debug("session state", fields...)
	}
}

// onLevelChange is the drawdown transition hook; it runs on the orchestrator
// goroutine during ingestion. Pause flags are applied by the loop itself,
// this only tells the operator what will happen.
func (a *App) onLevelChange(ctx context.Context, old, newLevel drawdown.Level, rate decimal.Decimal) {
	action := "monitoring continues"
	switch newLevel {
	case drawdown.LevelNormal:
		action = "resuming placements"
	case drawdown.LevelLightWarning:
		action = "trading continues"
	case drawdown.LevelMediumWarning:
		action = "pausing new placements"
	case drawdown.LevelSevereStopLoss:
		action = "emergency liquidation"
	}
	a.alertf(ctx, "%s %s drawdown %s -> %s (rate %s): %s",
		a.client.Name(), a.cfg.Trading.Ticker, old, newLevel, rate, action)
}

// alertf delivers a formatted operator notification, best effort.
func (a *App) alertf(ctx context.Context, format string, args ...any) {
	if a.notify == nil {
		return
	}
	if err := a.notify.Send(ctx, fmt.Sprintf(format, args...)); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
	a.met.Notifications.Inc()
}

func (a *App) disconnectAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		a.log.Warn("disconnect failed",
			zap.String("exchange", a.client.Name()), zap.Error(err))
	}
	if a.hedgeClient != nil {
		if err := a.hedgeClient.Disconnect(ctx); err != nil {
			a.log.Warn("disconnect failed",
				zap.String("exchange", a.hedgeClient.Name()), zap.Error(err))
		}
	}
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

func f64(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}
