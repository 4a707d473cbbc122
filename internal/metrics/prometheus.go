package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_grid_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		LoopIterations:    promCounter{counter("loop_iterations_total", "Total orchestrator loop iterations.")},
		OrdersPlaced:      promCounter{counter("orders_placed_total", "Total open orders placed.")},
		OrdersCanceled:    promCounter{counter("orders_canceled_total", "Total orders canceled.")},
		OrdersFailed:      promCounter{counter("orders_failed_total", "Total order placement failures.")},
		CloseOrdersPlaced: promCounter{counter("close_orders_placed_total", "Total take-profit close orders placed.")},
		HedgeOrders:       promCounter{counter("hedge_orders_total", "Total hedge orders placed.")},
		HedgeFailures:     promCounter{counter("hedge_failures_total", "Total hedge operation failures.")},
		StopLossRetries:   promCounter{counter("stop_loss_retries_total", "Total emergency liquidation retries.")},
		Notifications:     promCounter{counter("notifications_total", "Total operator notifications sent.")},
		Networth:          promGauge{gauge("networth_usd", "Last sampled account net worth.")},
		SessionPeak:       promGauge{gauge("session_peak_networth_usd", "Session peak net worth.")},
		DrawdownRate:      promGauge{gauge("drawdown_rate", "Current peak-relative drawdown rate.")},
		DrawdownLevel:     promGauge{gauge("drawdown_level", "Current drawdown level (0 normal .. 3 severe).")},
		PositionSize:      promGauge{gauge("position_size", "Signed position size for the configured contract.")},
		ActiveCloseOrders: promGauge{gauge("active_close_orders", "Resting take-profit order count.")},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
