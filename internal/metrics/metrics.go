package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds the exchange's collectors. A nil *Metrics records nothing.
type Metrics struct {
	OrdersCreated   *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	TradesSettled   *prometheus.CounterVec
	TradedVolume    *prometheus.CounterVec
	CommissionTotal *prometheus.CounterVec
	MatchLatency    *prometheus.HistogramVec
	PublishFailures *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_created_total",
			Help: "Orders accepted with funds or assets reserved",
		}, []string{"symbol", "side"}),
		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_rejected_total",
			Help: "Orders rejected before creation",
		}, []string{"symbol", "reason"}),
		OrdersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_cancelled_total",
			Help: "Orders cancelled with their reservation released",
		}, []string{"symbol", "side"}),
		TradesSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_settled_total",
			Help: "Trades settled",
		}, []string{"symbol"}),
		TradedVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_traded_quantity_total",
			Help: "Quantity of the asset traded",
		}, []string{"symbol"}),
		CommissionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_commission_total",
			Help: "Commission charged to buyers",
		}, []string{"symbol"}),
		MatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exchange_match_duration_seconds",
			Help:    "Time to find and settle a counter order",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"symbol", "outcome"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_publish_failures_total",
			Help: "Notifications that could not be delivered to a sink",
		}, []string{"sink"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) OrderCreated(symbol, side string) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) OrderRejected(symbol, reason string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) OrderCancelled(symbol, side string) {
	if m == nil {
		return
	}
	m.OrdersCancelled.WithLabelValues(symbol, side).Inc()
}

// TradeSettled records one trade. Decimal amounts are converted to float only for export.
func (m *Metrics) TradeSettled(symbol string, quantity, commission decimal.Decimal) {
	if m == nil {
		return
	}
	m.TradesSettled.WithLabelValues(symbol).Inc()
	m.TradedVolume.WithLabelValues(symbol).Add(quantity.InexactFloat64())
	m.CommissionTotal.WithLabelValues(symbol).Add(commission.InexactFloat64())
}

// ObserveMatch records how long a match attempt took; outcome is matched, none or error.
func (m *Metrics) ObserveMatch(symbol, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.MatchLatency.WithLabelValues(symbol, outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) PublishFailed(sink string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
