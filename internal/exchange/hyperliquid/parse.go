package hyperliquid

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"perp-grid-bot/internal/exchange"
)

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func intFromAny(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case int64:
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		return i, err == nil
	default:
		return 0, false
	}
}

func decimalFromAny(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// placeOutcome is the flattened venue verdict for one submitted order.
type placeOutcome struct {
	orderID    string
	status     exchange.OrderStatus
	reason     exchange.CancelReason
	filledSize decimal.Decimal
	avgPrice   decimal.Decimal
	errMsg     string
}

// parsePlaceResponse flattens the nested /exchange order response. Statuses
// arrive one per submitted order; this client submits one at a time.
func parsePlaceResponse(resp map[string]any) placeOutcome {
	if stringFromAny(resp["status"]) != "ok" {
		msg := stringFromAny(resp["response"])
		if msg == "" {
			msg = "order rejected"
		}
		return placeOutcome{status: exchange.StatusRejected, errMsg: msg}
	}
	statuses := toSlice(toMap(toMap(toMap(resp["response"])["data"]))["statuses"])
	if len(statuses) == 0 {
		return placeOutcome{status: exchange.StatusRejected, errMsg: "order response missing statuses"}
	}
	entry := toMap(statuses[0])
	if resting := toMap(entry["resting"]); resting != nil {
		return placeOutcome{
			orderID: stringFromAny(resting["oid"]),
			status:  exchange.StatusOpen,
		}
	}
	if filled := toMap(entry["filled"]); filled != nil {
		out := placeOutcome{
			orderID: stringFromAny(filled["oid"]),
			status:  exchange.StatusFilled,
		}
		if sz, ok := decimalFromAny(filled["totalSz"]); ok {
			out.filledSize = sz
		}
		if px, ok := decimalFromAny(filled["avgPx"]); ok {
			out.avgPrice = px
		}
		return out
	}
	if msg := stringFromAny(entry["error"]); msg != "" {
		out := placeOutcome{status: exchange.StatusRejected, errMsg: msg}
		// An IOC that cannot cross reports a match failure; surface it as a
		// slippage cancel so retry policy can treat it as transient.
		if strings.Contains(strings.ToLower(msg), "immediately match") {
			out.status = exchange.StatusCanceled
			out.reason = exchange.CancelReasonSlippage
		}
		return out
	}
	return placeOutcome{status: exchange.StatusRejected, errMsg: "order response missing outcome"}
}

// parseCancelResponse returns ("", true) on success and the venue message
// otherwise.
func parseCancelResponse(resp map[string]any) (string, bool) {
	if stringFromAny(resp["status"]) != "ok" {
		msg := stringFromAny(resp["response"])
		if msg == "" {
			msg = "cancel rejected"
		}
		return msg, false
	}
	statuses := toSlice(toMap(toMap(toMap(resp["response"])["data"]))["statuses"])
	if len(statuses) == 0 {
		return "cancel response missing statuses", false
	}
	if stringFromAny(statuses[0]) == "success" {
		return "", true
	}
	if msg := stringFromAny(toMap(statuses[0])["error"]); msg != "" {
		return msg, false
	}
	return "cancel response missing outcome", false
}

// normalizeOrderStatus maps the venue's order state strings onto the shared
// status set. The venue uses a distinct word per cancel cause, so anything
// containing "cancel" collapses to canceled with the cause preserved where
// the core reacts to it.
func normalizeOrderStatus(s string) (exchange.OrderStatus, exchange.CancelReason) {
	switch s {
	case "open":
		return exchange.StatusOpen, exchange.CancelReasonNone
	case "filled":
		return exchange.StatusFilled, exchange.CancelReasonNone
	case "canceled", "marginCanceled", "liquidatedCanceled", "reduceOnlyCanceled", "scheduledCancel", "openInterestCapCanceled":
		return exchange.StatusCanceled, exchange.CancelReasonNone
	case "selfTradeCanceled", "siblingFilledCanceled":
		return exchange.StatusCanceled, exchange.CancelReasonSelfTrade
	case "rejected", "tickRejected", "minTradeNtlRejected", "reduceOnlyRejected":
		return exchange.StatusRejected, exchange.CancelReasonNone
	}
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "cancel"):
		return exchange.StatusCanceled, exchange.CancelReasonNone
	case strings.Contains(lower, "reject"):
		return exchange.StatusRejected, exchange.CancelReasonNone
	default:
		return exchange.StatusOpen, exchange.CancelReasonNone
	}
}

// parseRestingOrder reads the order object shape shared by openOrders,
// orderStatus, and the orderUpdates feed. The venue reports sz as the
// remaining size and origSz as the original.
func parseRestingOrder(order map[string]any) exchange.OrderInfo {
	info := exchange.OrderInfo{
		OrderID: stringFromAny(order["oid"]),
		Status:  exchange.StatusOpen,
	}
	if stringFromAny(order["side"]) == "B" {
		info.Side = exchange.SideBuy
	} else {
		info.Side = exchange.SideSell
	}
	if px, ok := decimalFromAny(order["limitPx"]); ok {
		info.Price = px
	}
	remaining, hasRemaining := decimalFromAny(order["sz"])
	orig, hasOrig := decimalFromAny(order["origSz"])
	switch {
	case hasOrig:
		info.Size = orig
	case hasRemaining:
		info.Size = remaining
	}
	if hasRemaining {
		info.RemainingSize = remaining
	}
	if hasOrig && hasRemaining {
		info.FilledSize = orig.Sub(remaining)
		if info.FilledSize.Sign() > 0 {
			info.Status = exchange.StatusPartiallyFilled
		}
	}
	return info
}

// positionSize digs the signed size for one coin out of a clearinghouse
// state payload.
func positionSize(payload map[string]any, coin string) decimal.Decimal {
	for _, item := range toSlice(payload["assetPositions"]) {
		pos := toMap(item)
		if nested := toMap(pos["position"]); nested != nil {
			pos = nested
		}
		if stringFromAny(pos["coin"]) != coin {
			continue
		}
		if szi, ok := decimalFromAny(pos["szi"]); ok {
			return szi
		}
	}
	return decimal.Zero
}
