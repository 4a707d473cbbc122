package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// MarketOrderPlacer is the slice of Client needed by the compatibility
// ladder. Client satisfies it.
type MarketOrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, contractID string, quantity decimal.Decimal, side Side, opts MarketOrderOpts) (OrderResult, error)
}

// PlaceMarketOrderCompat places a market order, dropping requested options
// one step at a time whenever the venue rejects the combination with
// ErrUnsupportedOption. Attempt order keeps the strongest request first:
// both options, prefer_ws only, reduce_only only, bare call. Any outcome
// other than an unsupported-option rejection is returned as-is.
func PlaceMarketOrderCompat(ctx context.Context, p MarketOrderPlacer, contractID string, quantity decimal.Decimal, side Side, opts MarketOrderOpts) (OrderResult, error) {
	var ladder []MarketOrderOpts
	switch {
	case opts.ReduceOnly && opts.PreferWS:
		ladder = []MarketOrderOpts{opts, {PreferWS: true}, {ReduceOnly: true}, {}}
	case opts.PreferWS:
		ladder = []MarketOrderOpts{{PreferWS: true}, {}}
	case opts.ReduceOnly:
		ladder = []MarketOrderOpts{{ReduceOnly: true}, {}}
	default:
		ladder = []MarketOrderOpts{{}}
	}

	var (
		res OrderResult
		err error
	)
	for _, step := range ladder {
		res, err = p.PlaceMarketOrder(ctx, contractID, quantity, side, step)
		if err == nil || !errors.Is(err, ErrUnsupportedOption) {
			return res, err
		}
	}
	return res, err
}
