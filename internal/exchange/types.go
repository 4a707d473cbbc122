package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func SideFromString(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType classifies an order relative to the configured direction:
// OPEN orders build the position, CLOSE orders are resting take-profits.
type OrderType string

const (
	OrderTypeOpen  OrderType = "OPEN"
	OrderTypeClose OrderType = "CLOSE"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// CancelReason preserves venue-reported cancel causes the core reacts to,
// so callers never have to string-match venue error text.
type CancelReason string

const (
	CancelReasonNone      CancelReason = ""
	CancelReasonSelfTrade CancelReason = "self_trade"
	CancelReasonSlippage  CancelReason = "slippage"
)

// OrderResult is the immutable outcome of a placement or cancel call.
type OrderResult struct {
	Success      bool
	OrderID      string
	Side         Side
	Size         decimal.Decimal
	Price        decimal.Decimal
	Status       OrderStatus
	CancelReason CancelReason
	FilledSize   decimal.Decimal
	ErrorMessage string
}

// OrderInfo is a point-in-time order state; each fetch supersedes the last.
type OrderInfo struct {
	OrderID       string
	Side          Side
	Size          decimal.Decimal
	Price         decimal.Decimal
	Status        OrderStatus
	CancelReason  CancelReason
	FilledSize    decimal.Decimal
	RemainingSize decimal.Decimal
}

// OrderUpdate is a normalized push notification from a venue feed.
type OrderUpdate struct {
	OrderID      string
	Side         Side
	Type         OrderType
	Status       OrderStatus
	CancelReason CancelReason
	Size         decimal.Decimal
	Price        decimal.Decimal
	ContractID   string
	FilledSize   decimal.Decimal
}

// MarketOrderOpts carries optional market-order behavior. Venues that do not
// support an option must reject it with ErrUnsupportedOption so callers can
// retry without it.
type MarketOrderOpts struct {
	ReduceOnly bool
	PreferWS   bool
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

func (s OrderStatus) Resting() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}
