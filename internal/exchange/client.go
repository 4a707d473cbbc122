package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client is the uniform venue contract. The core never branches on venue
// identity; venue quirks (partial-fill reporting channels, status wording,
// signing) are normalized inside each implementation.
type Client interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// ContractAttributes resolves the venue contract id and tick size for a
	// ticker. Called once during startup; adapters cache the result.
	ContractAttributes(ctx context.Context, ticker string) (contractID string, tickSize decimal.Decimal, err error)

	BBO(ctx context.Context, contractID string) (bid, ask decimal.Decimal, err error)

	PlaceOpenOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side Side) (OrderResult, error)
	PlaceCloseOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side Side) (OrderResult, error)
	PlaceLimitOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side Side) (OrderResult, error)
	PlaceMarketOrder(ctx context.Context, contractID string, quantity decimal.Decimal, side Side, opts MarketOrderOpts) (OrderResult, error)

	CancelOrder(ctx context.Context, orderID string) (OrderResult, error)

	// OrderInfo returns (nil, nil) when the venue reports the order as
	// unknown without error; ErrOrderNotFound when it can say so explicitly.
	OrderInfo(ctx context.Context, orderID string) (*OrderInfo, error)
	ActiveOrders(ctx context.Context, contractID string) ([]OrderInfo, error)

	// Position returns the signed size for the configured contract.
	Position(ctx context.Context) (decimal.Decimal, error)
	Networth(ctx context.Context) (decimal.Decimal, error)

	// SetOrderUpdateHandler registers the push sink. Updates are delivered
	// sequentially from a single dispatch goroutine per venue.
	SetOrderUpdateHandler(fn func(OrderUpdate))
}

// PnLReporter is an optional capability for venues that expose unrealized
// PnL and margin, used by the loss-percentage guard.
type PnLReporter interface {
	UnrealizedPnLAndMargin(ctx context.Context) (pnl, margin decimal.Decimal, err error)
}

// RetryMarketOrderer is an optional capability for venues with tuned
// server-side-aware retry semantics (position-cleared short-circuit,
// settle waits). Hedge escalation prefers it when present.
type RetryMarketOrderer interface {
	PlaceMarketOrderWithRetry(ctx context.Context, contractID string, quantity decimal.Decimal, side Side, opts MarketOrderOpts) (OrderResult, error)
}
