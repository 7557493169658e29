package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"live-trader/go/pkg/shared"
)

type metrics struct {
	ticks         prometheus.Counter
	bars          *prometheus.CounterVec
	orders        *prometheus.CounterVec
	orderFailures prometheus.Counter
	orderLatency  prometheus.Histogram
	attempts      prometheus.Counter
	status        prometheus.Gauge
	pnl           prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) metrics {
	return metrics{
		ticks:         shared.NewCounter(reg, prometheus.CounterOpts{Name: "trader_ticks_total", Help: "Ticks processed"}),
		bars:          shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "trader_bars_sealed_total", Help: "Bars handed to the strategy"}, []string{"kind"}),
		orders:        shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "trader_orders_total", Help: "Filled orders"}, []string{"side"}),
		orderFailures: shared.NewCounter(reg, prometheus.CounterOpts{Name: "trader_order_failures_total", Help: "Orders rejected or unconfirmed"}),
		orderLatency: shared.NewHist(reg, prometheus.HistogramOpts{
			Name:    "trader_order_seconds",
			Help:    "Order submit to fill confirmation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		attempts: shared.NewCounter(reg, prometheus.CounterOpts{Name: "trader_session_attempts_total", Help: "Bootstrap+stream attempts"}),
		status:   shared.NewGauge(reg, prometheus.GaugeOpts{Name: "trader_session_status", Help: "0 bootstrapping, 1 streaming, 2 terminating, 3 ended"}),
		pnl:      shared.NewGauge(reg, prometheus.GaugeOpts{Name: "trader_cumulative_pnl", Help: "Cumulative realized P&L"}),
	}
}
