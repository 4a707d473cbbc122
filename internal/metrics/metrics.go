package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	LoopIterations    Counter
	OrdersPlaced      Counter
	OrdersCanceled    Counter
	OrdersFailed      Counter
	CloseOrdersPlaced Counter
	HedgeOrders       Counter
	HedgeFailures     Counter
	StopLossRetries   Counter
	Notifications     Counter

	Networth          Gauge
	SessionPeak       Gauge
	DrawdownRate      Gauge
	DrawdownLevel     Gauge
	PositionSize      Gauge
	ActiveCloseOrders Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		LoopIterations:    c,
		OrdersPlaced:      c,
		OrdersCanceled:    c,
		OrdersFailed:      c,
		CloseOrdersPlaced: c,
		HedgeOrders:       c,
		HedgeFailures:     c,
		StopLossRetries:   c,
		Notifications:     c,
		Networth:          g,
		SessionPeak:       g,
		DrawdownRate:      g,
		DrawdownLevel:     g,
		PositionSize:      g,
		ActiveCloseOrders: g,
	}
}
