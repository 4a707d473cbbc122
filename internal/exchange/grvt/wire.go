package grvt

import (
	"strings"

	"github.com/shopspring/decimal"

	"perp-grid-bot/internal/exchange"
)

// The venue wraps every response in a result envelope. Orders carry one leg
// per instrument; this client only ever trades single-leg orders, so leg 0
// is the order.

type orderEnvelope struct {
	Result wireOrder `json:"result"`
}

type ordersEnvelope struct {
	Result []wireOrder `json:"result"`
}

type ackEnvelope struct {
	Result struct {
		Ack bool `json:"ack"`
	} `json:"result"`
}

type instrumentsEnvelope struct {
	Result []wireInstrument `json:"result"`
}

type positionsEnvelope struct {
	Result []wirePosition `json:"result"`
}

type summaryEnvelope struct {
	Result wireSummary `json:"result"`
}

type miniEnvelope struct {
	Result wireMini `json:"result"`
}

type wireOrder struct {
	OrderID     string       `json:"order_id"`
	IsMarket    bool         `json:"is_market"`
	TimeInForce string       `json:"time_in_force"`
	PostOnly    bool         `json:"post_only"`
	ReduceOnly  bool         `json:"reduce_only"`
	Legs        []wireLeg    `json:"legs"`
	State       wireState    `json:"state"`
	Metadata    wireMetadata `json:"metadata"`
}

type wireLeg struct {
	Instrument    string          `json:"instrument"`
	Size          decimal.Decimal `json:"size"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	IsBuyingAsset bool            `json:"is_buying_asset"`
}

// wireState reports per-leg fills as parallel arrays aligned with legs.
type wireState struct {
	Status       string            `json:"status"`
	RejectReason string            `json:"reject_reason"`
	BookSize     []decimal.Decimal `json:"book_size"`
	TradedSize   []decimal.Decimal `json:"traded_size"`
	AvgFillPrice []decimal.Decimal `json:"average_fill_price"`
}

type wireMetadata struct {
	ClientOrderID string `json:"client_order_id"`
	CreateTime    string `json:"create_time,omitempty"`
}

type wireInstrument struct {
	Instrument string          `json:"instrument"`
	Base       string          `json:"base"`
	Quote      string          `json:"quote"`
	Kind       string          `json:"kind"`
	TickSize   decimal.Decimal `json:"tick_size"`
	MinSize    decimal.Decimal `json:"min_size"`
}

type wirePosition struct {
	Instrument    string          `json:"instrument"`
	Size          decimal.Decimal `json:"size"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	InitialMargin decimal.Decimal `json:"initial_margin"`
}

type wireSummary struct {
	TotalEquity      decimal.Decimal `json:"total_equity"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	InitialMargin    decimal.Decimal `json:"initial_margin"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
}

type wireMini struct {
	Instrument   string          `json:"instrument"`
	BestBidPrice decimal.Decimal `json:"best_bid_price"`
	BestAskPrice decimal.Decimal `json:"best_ask_price"`
}

func (o *wireOrder) leg() wireLeg {
	if len(o.Legs) == 0 {
		return wireLeg{}
	}
	return o.Legs[0]
}

func (o *wireOrder) filledSize() decimal.Decimal {
	if len(o.State.TradedSize) == 0 {
		return decimal.Zero
	}
	return o.State.TradedSize[0]
}

func (o *wireOrder) remainingSize() decimal.Decimal {
	if len(o.State.BookSize) == 0 {
		return decimal.Zero
	}
	return o.State.BookSize[0]
}

func (o *wireOrder) avgFillPrice() decimal.Decimal {
	if len(o.State.AvgFillPrice) == 0 {
		return decimal.Zero
	}
	return o.State.AvgFillPrice[0]
}

func (o *wireOrder) side() exchange.Side {
	if o.leg().IsBuyingAsset {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func (o *wireOrder) toOrderInfo() exchange.OrderInfo {
	leg := o.leg()
	status, reason := normalizeStatus(o.State.Status, o.State.RejectReason, o.filledSize())
	return exchange.OrderInfo{
		OrderID:       o.OrderID,
		Side:          o.side(),
		Size:          leg.Size,
		Price:         leg.LimitPrice,
		Status:        status,
		CancelReason:  reason,
		FilledSize:    o.filledSize(),
		RemainingSize: o.remainingSize(),
	}
}

// normalizeStatus maps the venue's order states onto the shared set.
// REJECTED collapses to canceled the same way CANCELLED does; the reject
// reason distinguishes the causes the core reacts to. An OPEN order with
// any traded size reports as partially filled.
func normalizeStatus(status, rejectReason string, filled decimal.Decimal) (exchange.OrderStatus, exchange.CancelReason) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PENDING":
		return exchange.StatusPending, exchange.CancelReasonNone
	case "OPEN":
		if filled.Sign() > 0 {
			return exchange.StatusPartiallyFilled, exchange.CancelReasonNone
		}
		return exchange.StatusOpen, exchange.CancelReasonNone
	case "FILLED":
		return exchange.StatusFilled, exchange.CancelReasonNone
	case "CANCELLED", "REJECTED":
		return exchange.StatusCanceled, cancelReasonFor(rejectReason)
	}
	lower := strings.ToLower(status)
	switch {
	case strings.Contains(lower, "cancel"), strings.Contains(lower, "reject"):
		return exchange.StatusCanceled, cancelReasonFor(rejectReason)
	case strings.Contains(lower, "fill"):
		return exchange.StatusFilled, exchange.CancelReasonNone
	default:
		return exchange.StatusOpen, exchange.CancelReasonNone
	}
}

// cancelReasonFor classifies the venue reject reason. Self-trade prevention
// feeds the open-order retry window; post-only crossings and IOC expiries
// count as slippage so market placement treats them as transient.
func cancelReasonFor(rejectReason string) exchange.CancelReason {
	upper := strings.ToUpper(rejectReason)
	switch {
	case strings.Contains(upper, "SELF_TRADE"):
		return exchange.CancelReasonSelfTrade
	case strings.Contains(upper, "POST_ONLY"), strings.Contains(upper, "IOC"), strings.Contains(upper, "SLIPPAGE"):
		return exchange.CancelReasonSlippage
	default:
		return exchange.CancelReasonNone
	}
}
