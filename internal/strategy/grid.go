package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perp-grid-bot/internal/exchange"
)

var oneHundred = decimal.NewFromInt(100)

// MakerPrice is the resting price one tick inside the spread: a buy rests
// just under the ask, a sell just over the bid.
func MakerPrice(side exchange.Side, bid, ask, tickSize decimal.Decimal) decimal.Decimal {
	if side == exchange.SideBuy {
		return ask.Sub(tickSize)
	}
	return bid.Add(tickSize)
}

// ValidateBBO rejects empty or crossed books before any price is derived
// from them.
func ValidateBBO(bid, ask decimal.Decimal) error {
	if bid.Sign() <= 0 || ask.Sign() <= 0 || bid.GreaterThanOrEqual(ask) {
		return fmt.Errorf("bid %s ask %s: %w", bid, ask, ErrInvalidBBO)
	}
	return nil
}

// CloseOrderPrice derives the take-profit price from a fill: sell closes
// rest above the fill, buy closes below. takeProfit is in percent.
func CloseOrderPrice(fillPrice, takeProfit decimal.Decimal, closeSide exchange.Side) decimal.Decimal {
	offset := fillPrice.Mul(takeProfit).Div(oneHundred)
	if closeSide == exchange.SideSell {
		return fillPrice.Add(offset)
	}
	return fillPrice.Sub(offset)
}

// WaitDuration maps the resting close-order count onto the cooldown tiers:
// a thin grid places fast, a crowded grid slows down, and a full grid always
// waits the full base interval.
func WaitDuration(orderCount, maxOrders int, base time.Duration) time.Duration {
	if maxOrders <= 0 {
		return base
	}
	if orderCount >= maxOrders {
		return base
	}
	count := float64(orderCount)
	max := float64(maxOrders)
	switch {
	case count < max/6:
		return base / 4
	case count < max/3:
		return base / 2
	case count < max*2/3:
		return base
	default:
		return 2 * base
	}
}

// AtCapacity reports whether the grid already holds the maximum number of
// resting close orders; no new placement is allowed past it.
func AtCapacity(orderCount, maxOrders int) bool {
	return maxOrders > 0 && orderCount >= maxOrders
}

// GridStepSatisfied gates a new placement on the prospective close price
// clearing the nearest existing close by at least gridStep percent. For a
// buy grid new closes stack below the lowest resting close; for a sell grid
// above the highest. An empty grid or a non-positive step always passes.
func GridStepSatisfied(direction exchange.Side, newClose decimal.Decimal, existing []CloseOrder, gridStep decimal.Decimal) bool {
	if gridStep.Sign() <= 0 || len(existing) == 0 {
		return true
	}
	if newClose.Sign() <= 0 {
		return false
	}
	required := decimal.NewFromInt(1).Add(gridStep.Div(oneHundred))
	if direction == exchange.SideBuy {
		nearest := existing[0].Price
		for _, o := range existing[1:] {
			if o.Price.LessThan(nearest) {
				nearest = o.Price
			}
		}
		return nearest.Div(newClose).GreaterThan(required)
	}
	nearest := existing[0].Price
	for _, o := range existing[1:] {
		if o.Price.GreaterThan(nearest) {
			nearest = o.Price
		}
	}
	return newClose.Div(nearest).GreaterThan(required)
}
