package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"perp-grid-bot/internal/exchange"
)

var (
	ErrStopPriceBreached  = errors.New("stop price breached")
	ErrPausePriceBreached = errors.New("pause price breached")
	ErrPositionMismatch   = errors.New("position and close orders diverged")
	ErrMaxLossExceeded    = errors.New("unrealized loss limit exceeded")
	ErrInvalidBBO         = errors.New("invalid bid/ask prices")
)

// CheckPriceBands evaluates stop before pause. A band at or below zero is
// disabled. A buy grid stops when the ask rises through the band, a sell
// grid when the bid falls through it.
func CheckPriceBands(direction exchange.Side, bid, ask, stopPrice, pausePrice decimal.Decimal) error {
	if breached(direction, bid, ask, stopPrice) {
		return fmt.Errorf("bid %s ask %s crossed stop %s: %w", bid, ask, stopPrice, ErrStopPriceBreached)
	}
	if breached(direction, bid, ask, pausePrice) {
		return fmt.Errorf("bid %s ask %s crossed pause %s: %w", bid, ask, pausePrice, ErrPausePriceBreached)
	}
	return nil
}

func breached(direction exchange.Side, bid, ask, band decimal.Decimal) bool {
	if band.Sign() <= 0 {
		return false
	}
	if direction == exchange.SideBuy {
		return ask.GreaterThanOrEqual(band)
	}
	return bid.LessThanOrEqual(band)
}

// CheckPositionMatch compares the venue position against the total resting
// close size. Divergence beyond twice the per-order quantity means something
// other than this bot traded the account; that is never auto-corrected.
func CheckPositionMatch(position decimal.Decimal, closeOrders []CloseOrder, quantity decimal.Decimal) error {
	tracked := TotalCloseSize(closeOrders)
	diff := position.Abs().Sub(tracked).Abs()
	tolerance := quantity.Mul(decimal.NewFromInt(2))
	if diff.GreaterThan(tolerance) {
		return fmt.Errorf("position %s vs close total %s (tolerance %s): %w",
			position, tracked, tolerance, ErrPositionMismatch)
	}
	return nil
}

// CheckLossRatio flags unrealized loss beyond maxLoss percent of margin.
// Disabled when maxLoss or margin is not positive.
func CheckLossRatio(pnl, margin, maxLoss decimal.Decimal) error {
	if maxLoss.Sign() <= 0 || margin.Sign() <= 0 {
		return nil
	}
	if pnl.Sign() >= 0 {
		return nil
	}
	ratio := pnl.Neg().Div(margin)
	limit := maxLoss.Div(oneHundred)
	if ratio.GreaterThanOrEqual(limit) {
		return fmt.Errorf("unrealized loss ratio %s >= %s: %w", ratio, limit, ErrMaxLossExceeded)
	}
	return nil
}
