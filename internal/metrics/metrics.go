// Package metrics exposes Prometheus collectors for the trading engine.
//
//   - ironfly_orders_total{kind,status}      orders attempted, by outcome (placed|failed)
//   - ironfly_order_rejections_total{stage}  safeguard rejections by pipeline stage
//   - ironfly_orders_cancelled_total{reason} cancellations (stale|rollover|replace)
//   - ironfly_pending_orders                 tracked pending orders
//   - ironfly_leg_quantity{expiry,type,direction}
//   - ironfly_hedge_shortfall{expiry,type}
//   - ironfly_breaker_tripped                trading breaker state (0/1)
//   - ironfly_breaker_errors                 errors recorded since the last reset
//   - ironfly_cycle_duration_seconds         orchestrator cycle latency
//   - ironfly_cycles_total{result}           cycles by result (ok|error|panic|skipped)
//   - ironfly_pnl{kind}                      realised/unrealised P&L
//   - ironfly_margin_used                    margin blocked by open positions
//   - ironfly_rollovers_total{result}
//   - ironfly_holiday_calendar_degraded      1 when running on the static list
//
// Collectors are registered in init() and served at /metrics by the status
// server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironfly_orders_total",
			Help: "Order attempts by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironfly_order_rejections_total",
			Help: "Safeguard rejections by pipeline stage",
		},
		[]string{"stage"},
	)

	cancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironfly_orders_cancelled_total",
			Help: "Cancelled orders by reason",
		},
		[]string{"reason"},
	)

	pendingOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ironfly_pending_orders",
			Help: "Pending orders tracked by the executor",
		},
	)

	legQuantity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ironfly_leg_quantity",
			Help: "Absolute quantity per leg",
		},
		[]string{"expiry", "type", "direction"},
	)

	hedgeShortfall = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ironfly_hedge_shortfall",
			Help: "Short quantity not covered by hedges",
		},
		[]string{"expiry", "type"},
	)

	breakerTripped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ironfly_breaker_tripped",
			Help: "Trading circuit breaker state (1 = tripped)",
		},
	)

	breakerErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ironfly_breaker_errors",
			Help: "Errors recorded since the last breaker reset",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ironfly_cycle_duration_seconds",
			Help:    "Orchestrator cycle latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironfly_cycles_total",
			Help: "Orchestrator cycles by result",
		},
		[]string{"result"},
	)

	pnl = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ironfly_pnl",
			Help: "Profit and loss by kind (realised|unrealised)",
		},
		[]string{"kind"},
	)

	marginUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ironfly_margin_used",
			Help: "Margin blocked by open positions",
		},
	)

	rolloversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironfly_rollovers_total",
			Help: "Hedge rollovers by result",
		},
		[]string{"result"},
	)

	calendarDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ironfly_holiday_calendar_degraded",
			Help: "1 when expiry dates use the static holiday list",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal, rejectionsTotal, cancelledTotal, pendingOrders)
	prometheus.MustRegister(legQuantity, hedgeShortfall)
	prometheus.MustRegister(breakerTripped, breakerErrors)
	prometheus.MustRegister(cycleDuration, cyclesTotal)
	prometheus.MustRegister(pnl, marginUsed, rolloversTotal, calendarDegraded)
}
