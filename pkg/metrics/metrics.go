// Package metrics exposes order book counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "pairbook"

type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	trades          *prometheus.CounterVec
	tradedQuantity  *prometheus.CounterVec
	matchDuration   *prometheus.HistogramVec
	notifyFailures  prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ordersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_submitted_total",
			Help: "Orders accepted into the book.",
		}, []string{"pair", "side"}),
		ordersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total",
			Help: "Submissions rejected, by error kind.",
		}, []string{"reason"}),
		ordersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total",
			Help: "Orders removed by cancel.",
		}, []string{"pair"}),
		trades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Trades executed.",
		}, []string{"pair"}),
		tradedQuantity: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "traded_quantity_total",
			Help: "Base quantity traded.",
		}, []string{"pair"}),
		matchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "match_duration_seconds",
			Help:    "Time spent in one insert and matching pass.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"pair"}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_failures_total",
			Help: "Matching passes aborted by a failed trade publish.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderSubmitted(pair, side string) {
	m.ordersSubmitted.WithLabelValues(pair, side).Inc()
}

func (m *Metrics) OrderRejected(reason string) { m.ordersRejected.WithLabelValues(reason).Inc() }

func (m *Metrics) OrderCancelled(pair string) { m.ordersCancelled.WithLabelValues(pair).Inc() }

func (m *Metrics) TradeExecuted(pair string, qty decimal.Decimal) {
	m.trades.WithLabelValues(pair).Inc()
	m.tradedQuantity.WithLabelValues(pair).Add(qty.InexactFloat64())
}

func (m *Metrics) MatchObserved(pair string, d time.Duration) {
	m.matchDuration.WithLabelValues(pair).Observe(d.Seconds())
}

func (m *Metrics) NotifyFailed() { m.notifyFailures.Inc() }
