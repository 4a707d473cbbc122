package strategy

import "github.com/shopspring/decimal"

// CloseOrder is the orchestrator's working view of one resting take-profit
// order, rebuilt from a fresh active-orders query every iteration.
type CloseOrder struct {
	ID    string
	Price decimal.Decimal
	Size  decimal.Decimal
}

func TotalCloseSize(orders []CloseOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Size)
	}
	return total
}
