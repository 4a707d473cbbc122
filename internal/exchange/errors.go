package exchange

import "errors"

var (
	// ErrNotConnected is returned by calls that require Connect first.
	ErrNotConnected = errors.New("exchange: not connected")

	// ErrOrderNotFound is returned by OrderInfo/CancelOrder when the venue
	// explicitly reports the order as unknown.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrUnsupportedOption is returned by PlaceMarketOrder when an option in
	// MarketOrderOpts is not supported by the venue. Callers step down to a
	// less demanding option set.
	ErrUnsupportedOption = errors.New("exchange: unsupported market order option")

	// ErrContractNotFound is returned by ContractAttributes for unknown tickers.
	ErrContractNotFound = errors.New("exchange: contract not found")
)
