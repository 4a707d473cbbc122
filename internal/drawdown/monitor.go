// Package drawdown watches session net worth, classifies drawdown severity
// and owns the emergency liquidation that a severe drawdown latches.
package drawdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-grid-bot/internal/metrics"
)

// Level is the drawdown severity, ordered. De-escalation walks back down
// the same ordering; SevereStopLoss latches for the session.
type Level int

const (
	LevelNormal Level = iota
	LevelLightWarning
	LevelMediumWarning
	LevelSevereStopLoss
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelLightWarning:
		return "LIGHT_WARNING"
	case LevelMediumWarning:
		return "MEDIUM_WARNING"
	case LevelSevereStopLoss:
		return "SEVERE_STOP_LOSS"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Outcome tags what one net-worth ingestion did, instead of using errors as
// control flow: skips are normal operation, not failures.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkippedNotMonitoring
	OutcomeSkippedLatched
	OutcomeSkippedInvalid
	OutcomeSkippedRateLimited
	OutcomeTriggered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkippedNotMonitoring:
		return "skipped_not_monitoring"
	case OutcomeSkippedLatched:
		return "skipped_latched"
	case OutcomeSkippedInvalid:
		return "skipped_invalid"
	case OutcomeSkippedRateLimited:
		return "skipped_rate_limited"
	case OutcomeTriggered:
		return "triggered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	// Net-worth samples outside these bounds are venue glitches, not real
	// account values.
	minNetworth = decimal.RequireFromString("0.01")
	maxNetworth = decimal.RequireFromString("1000000000")
	// cachedFactor tightens every threshold while the monitor runs on a
	// cached sample, so degraded data trips earlier.
	cachedFactor = decimal.RequireFromString("0.8")
)

// Config holds the drawdown thresholds as fractions (0.05 = 5%).
type Config struct {
	LightThreshold  decimal.Decimal
	MediumThreshold decimal.Decimal
	SevereThreshold decimal.Decimal
	// UpdateFrequency is the minimum gap between accepted samples. Zero
	// accepts every sample.
	UpdateFrequency time.Duration
	// SmoothingWindow averages classification over the last N accepted
	// samples when > 1. Peak tracking always uses the raw sample.
	SmoothingWindow int
	// MaxCacheAge marks the cached fallback value stale past this age.
	// Staleness is logged, not blocking.
	MaxCacheAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = 30 * time.Minute
	}
	return c
}

// Status is a point-in-time snapshot for operator reporting.
type Status struct {
	Monitoring          bool
	Level               Level
	Initial             decimal.Decimal
	Current             decimal.Decimal
	Peak                decimal.Decimal
	Rate                decimal.Decimal
	StopLossTriggered   bool
	StopLossExecuted    bool
	UseCachedValue      bool
	ConsecutiveFailures int
}

// Monitor ingests net-worth samples and classifies drawdown against the
// session peak. Ingestion never touches the exchange; the latched
// liquidation runs separately through ExecutePendingStopLoss.
type Monitor struct {
	cfg Config
	log *zap.Logger
	met *metrics.Metrics
	liq *Liquidator

	onLevelChange func(old, new Level, rate decimal.Decimal)

	mu                sync.Mutex
	monitoring        bool
	initial           decimal.Decimal
	current           decimal.Decimal
	peak              decimal.Decimal
	rate              decimal.Decimal
	level             Level
	lastAccepted      time.Time
	window            []decimal.Decimal
	stopLossTriggered bool
	stopLossExecuted  bool
	lastGood          decimal.Decimal
	lastGoodAt        time.Time
	haveGood          bool
	useCached         bool
	failures          int

	now func() time.Time
}

func NewMonitor(cfg Config, log *zap.Logger, met *metrics.Metrics, liq *Liquidator) *Monitor {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Monitor{
		cfg: cfg.withDefaults(),
		log: log,
		met: met,
		liq: liq,
		now: time.Now,
	}
}

// SetLevelChangeHandler registers the callback fired on every level
// transition. The callback runs outside the monitor lock.
func (m *Monitor) SetLevelChangeHandler(fn func(old, new Level, rate decimal.Decimal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// StartSession seeds the session with its opening net worth and resets the
// latch. The cached fallback value starts empty; only accepted samples fill
// it.
func (m *Monitor) StartSession(initial decimal.Decimal) error {
	if !validNetworth(initial) {
		return fmt.Errorf("initial networth %s outside [%s, %s]", initial, minNetworth, maxNetworth)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoring = true
	m.initial = initial
	m.current = initial
	m.peak = initial
	m.rate = decimal.Zero
	m.level = LevelNormal
	m.lastAccepted = time.Time{}
	m.window = nil
	m.stopLossTriggered = false
	m.stopLossExecuted = false
	m.lastGood = decimal.Zero
	m.lastGoodAt = time.Time{}
	m.haveGood = false
	m.useCached = false
	m.failures = 0

	m.met.Networth.Set(f64(initial))
	m.met.SessionPeak.Set(f64(initial))
	m.met.DrawdownRate.Set(0)
	m.met.DrawdownLevel.Set(0)
	m.log.Info("drawdown session started",
		zap.String("initial_networth", initial.String()),
		zap.String("light_threshold", m.cfg.LightThreshold.String()),
		zap.String("medium_threshold", m.cfg.MediumThreshold.String()),
		zap.String("severe_threshold", m.cfg.SevereThreshold.String()))
	return nil
}

// UpdateNetworth ingests one live sample.
func (m *Monitor) UpdateNetworth(sample decimal.Decimal) Outcome {
	m.mu.Lock()
	out, notify := m.update(sample, false)
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
	return out
}

// UpdateNetworthWithFallback ingests a sample when available (ok=true) and
// otherwise re-drives the update with the last good value under tightened
// thresholds. With no cached value at all it holds the current state.
func (m *Monitor) UpdateNetworthWithFallback(sample decimal.Decimal, ok bool) Outcome {
	m.mu.Lock()
	if ok {
		out, notify := m.update(sample, false)
		m.mu.Unlock()
		if notify != nil {
			notify()
		}
		return out
	}

	m.failures++
	if !m.haveGood {
		failures := m.failures
		m.mu.Unlock()
		m.log.Warn("networth unavailable and no cached value, holding state",
			zap.Int("consecutive_failures", failures))
		return OutcomeSkippedInvalid
	}
	m.useCached = true
	if age := m.now().Sub(m.lastGoodAt); age > m.cfg.MaxCacheAge {
		m.log.Warn("cached networth is stale, using it anyway",
			zap.Duration("age", age),
			zap.Duration("max_age", m.cfg.MaxCacheAge))
	}
	out, notify := m.update(m.lastGood, true)
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
	return out
}

// update is the single ingestion path. Caller holds m.mu; the returned
// callback, if any, must run after the lock is released.
func (m *Monitor) update(sample decimal.Decimal, viaCache bool) (Outcome, func()) {
	if !m.monitoring {
		return OutcomeSkippedNotMonitoring, nil
	}
	if m.stopLossTriggered {
		return OutcomeSkippedLatched, nil
	}
	if !validNetworth(sample) {
		m.log.Warn("networth sample rejected",
			zap.String("sample", sample.String()))
		return OutcomeSkippedInvalid, nil
	}
	now := m.now()
	if m.cfg.UpdateFrequency > 0 && !m.lastAccepted.IsZero() && now.Sub(m.lastAccepted) < m.cfg.UpdateFrequency {
		return OutcomeSkippedRateLimited, nil
	}
	m.lastAccepted = now

	if !viaCache {
		m.lastGood = sample
		m.lastGoodAt = now
		m.haveGood = true
		m.useCached = false
		m.failures = 0
	}

	m.current = sample
	if sample.GreaterThan(m.peak) {
		m.peak = sample
	}

	classifyValue := sample
	if m.cfg.SmoothingWindow > 1 {
		m.window = append(m.window, sample)
		if len(m.window) > m.cfg.SmoothingWindow {
			m.window = m.window[len(m.window)-m.cfg.SmoothingWindow:]
		}
		classifyValue = mean(m.window)
	}

	rate := decimal.Zero
	if m.peak.Sign() > 0 {
		rate = m.peak.Sub(classifyValue).Div(m.peak)
		if rate.Sign() < 0 {
			rate = decimal.Zero
		}
	}
	m.rate = rate

	light, medium, severe := m.cfg.LightThreshold, m.cfg.MediumThreshold, m.cfg.SevereThreshold
	if m.useCached {
		light = light.Mul(cachedFactor)
		medium = medium.Mul(cachedFactor)
		severe = severe.Mul(cachedFactor)
	}
	newLevel := classify(rate, light, medium, severe)

	m.met.Networth.Set(f64(m.current))
	m.met.SessionPeak.Set(f64(m.peak))
	m.met.DrawdownRate.Set(f64(rate))
	m.met.DrawdownLevel.Set(float64(newLevel))

	if newLevel == m.level {
		return OutcomeApplied, nil
	}

	old := m.level
	m.level = newLevel
	m.log.Warn("drawdown level changed",
		zap.String("from", old.String()),
		zap.String("to", newLevel.String()),
		zap.String("drawdown_rate", rate.String()),
		zap.String("networth", m.current.String()),
		zap.String("session_peak", m.peak.String()),
		zap.Bool("cached_value", m.useCached))

	var notify func()
	if fn := m.onLevelChange; fn != nil {
		notify = func() { fn(old, newLevel, rate) }
	}

	if newLevel == LevelSevereStopLoss {
		m.stopLossTriggered = true
		m.log.Error("severe drawdown, stop loss latched",
			zap.String("drawdown_rate", rate.String()))
		return OutcomeTriggered, notify
	}
	return OutcomeApplied, notify
}

// ExecutePendingStopLoss runs the latched liquidation. Safe to call
// repeatedly; once the liquidation succeeds it short-circuits to true.
func (m *Monitor) ExecutePendingStopLoss(ctx context.Context) bool {
	m.mu.Lock()
	if !m.stopLossTriggered {
		m.mu.Unlock()
		m.log.Warn("stop loss execution requested without trigger")
		return false
	}
	if m.stopLossExecuted {
		m.mu.Unlock()
		return true
	}
	liq := m.liq
	m.mu.Unlock()

	if liq == nil {
		m.log.Error("stop loss latched but no liquidator wired")
		return false
	}
	ok := liq.Execute(ctx)
	if ok {
		m.mu.Lock()
		m.stopLossExecuted = true
		m.mu.Unlock()
	}
	return ok
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Monitoring:          m.monitoring,
		Level:               m.level,
		Initial:             m.initial,
		Current:             m.current,
		Peak:                m.peak,
		Rate:                m.rate,
		StopLossTriggered:   m.stopLossTriggered,
		StopLossExecuted:    m.stopLossExecuted,
		UseCachedValue:      m.useCached,
		ConsecutiveFailures: m.failures,
	}
}

func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Monitor) StopLossTriggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLossTriggered
}

func (m *Monitor) StopLossExecuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLossExecuted
}

func classify(rate, light, medium, severe decimal.Decimal) Level {
	switch {
	case severe.Sign() > 0 && rate.GreaterThanOrEqual(severe):
		return LevelSevereStopLoss
	case medium.Sign() > 0 && rate.GreaterThanOrEqual(medium):
		return LevelMediumWarning
	case light.Sign() > 0 && rate.GreaterThanOrEqual(light):
		return LevelLightWarning
	default:
		return LevelNormal
	}
}

func validNetworth(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(minNetworth) && v.LessThanOrEqual(maxNetworth)
}

func mean(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range vals {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(vals))))
}

func f64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
