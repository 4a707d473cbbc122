package app

import (
	"time"

	"perp-grid-bot/internal/drawdown"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/timescale"
)

// recordOrderEvent forwards one venue push update to the recorder. Runs on
// the venue dispatch goroutine; Enqueue drops instead of blocking.
func (a *App) recordOrderEvent(venue string, u exchange.OrderUpdate) {
	a.recorder.EnqueueOrderEvent(timescale.OrderEvent{
		Time:       time.Now().UTC(),
		Venue:      venue,
		OrderID:    u.OrderID,
		Side:       string(u.Side),
		OrderType:  string(u.Type),
		Status:     string(u.Status),
		Size:       u.Size,
		Price:      u.Price,
		FilledSize: u.FilledSize,
	})
}

func (a *App) recordNetworth(st drawdown.Status) {
	a.recorder.EnqueueNetworth(timescale.NetworthSample{
		Time:         time.Now().UTC(),
		Networth:     st.Current,
		SessionPeak:  st.Peak,
		DrawdownRate: st.Rate,
		Level:        st.Level.String(),
	})
}
