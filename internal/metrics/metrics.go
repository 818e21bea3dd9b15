// Package metrics registers the Prometheus instrumentation for marketd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the matching and settlement
// pipeline.
type Metrics struct {
	OrdersTotal        *prometheus.CounterVec // labels: side, order_type, execution
	OrdersRejected     *prometheus.CounterVec // labels: reason
	FillsTotal         prometheus.Counter
	FillVolume         prometheus.Counter
	BookRebuilds       prometheus.Counter
	SettleAttempts     prometheus.Counter
	SettleRetries      *prometheus.CounterVec // labels: cause=underpriced|nonce_stale
	SettleFailures     prometheus.Counter
	SettleConfirmed    prometheus.Counter
	SweepResubmissions prometheus.Counter
	QueueDepth         prometheus.Gauge
	WSClients          prometheus.Gauge

	registry *prometheus.Registry
}

// New registers and returns all marketd metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_orders_total",
			Help: "Orders accepted by the matching engine",
		}, []string{"side", "order_type", "execution"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_orders_rejected_total",
			Help: "Orders rejected before creation",
		}, []string{"reason"}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_fills_total",
			Help: "Discrete fill pairings produced by matching",
		}),
		FillVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_fill_volume_tokens",
			Help: "Cumulative matched volume in outcome-token units",
		}),
		BookRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_book_rebuilds_total",
			Help: "Order book snapshot rebuilds",
		}),
		SettleAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_settlement_attempts_total",
			Help: "Settlement transaction broadcast attempts",
		}),
		SettleRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_settlement_retries_total",
			Help: "Settlement retries by cause",
		}, []string{"cause"}),
		SettleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_settlement_failures_total",
			Help: "Settlements that exhausted retries or failed terminally",
		}),
		SettleConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_settlement_confirmed_total",
			Help: "Settlement transactions mined with a successful receipt",
		}),
		SweepResubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_sweep_resubmissions_total",
			Help: "Unsettled fills re-submitted by the reconciliation sweep",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketd_settlement_queue_depth",
			Help: "Submissions waiting in the settlement FIFO queue",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketd_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.OrdersTotal, m.OrdersRejected,
		m.FillsTotal, m.FillVolume, m.BookRebuilds,
		m.SettleAttempts, m.SettleRetries, m.SettleFailures,
		m.SettleConfirmed, m.SweepResubmissions,
		m.QueueDepth, m.WSClients,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
