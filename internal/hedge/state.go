// Package hedge opens an opposite-side position on a second venue for every
// grid fill and unwinds it when the grid's take-profit fills or a stop-loss
// closes the session.
package hedge

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-grid-bot/internal/exchange"
)

// Status is the lifecycle stage of one hedge position.
type Status string

const (
	// StatusHedging means the hedge order is placed and the position is live.
	StatusHedging Status = "HEDGING"
	// StatusProfitPending means the grid side has a resting take-profit
	// attached; the hedge unwinds when that order fills.
	StatusProfitPending Status = "PROFIT_PENDING"
	// StatusClosing means an unwind order is in flight.
	StatusClosing Status = "CLOSING"
	// StatusCompleted means the hedge is flat and can be forgotten.
	StatusCompleted Status = "COMPLETED"
)

// Position tracks one hedge leg opened against a grid fill, keyed by the
// grid order id that caused it.
type Position struct {
	MainOrderID       string
	HedgeOrderID      string
	TakeProfitOrderID string
	Quantity          decimal.Decimal
	MainSide          exchange.Side
	HedgeSide         exchange.Side
	Status            Status
	CreatedAt         time.Time
	MainFillPrice     decimal.Decimal
	HedgeFillPrice    decimal.Decimal
}

// advance moves the position to the target status when the transition is
// legal and reports whether it happened. Illegal targets leave the status
// untouched.
func (p *Position) advance(target Status) bool {
	if !validTransition(p.Status, target) {
		return false
	}
	p.Status = target
	return true
}

func validTransition(current, target Status) bool {
	switch current {
	case StatusHedging:
		if target == StatusProfitPending {
			return true
		}
		if target == StatusClosing {
			return true
		}
		if target == StatusCompleted {
			return true
		}
	case StatusProfitPending:
		if target == StatusClosing {
			return true
		}
		if target == StatusCompleted {
			return true
		}
	case StatusClosing:
		if target == StatusCompleted {
			return true
		}
	}
	return false
}
