// Package metrics exposes till and order counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is nil-safe: every method on a nil *Recorder is a no-op.
type Recorder struct {
	registry        *prometheus.Registry
	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	sessionsOpened  prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	qrOrders        *prometheus.CounterVec
	closeVariance   prometheus.Histogram
}

func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmapos",
			Name:      "orders_submitted_total",
			Help:      "Orders committed, by payment method.",
		}, []string{"method"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmapos",
			Name:      "orders_rejected_total",
			Help:      "Order submissions rejected, by reason code.",
		}, []string{"reason"}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pharmapos",
			Name:      "cash_sessions_opened_total",
			Help:      "Cash sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmapos",
			Name:      "cash_sessions_closed_total",
			Help:      "Cash sessions closed, by variance class.",
		}, []string{"variance_class"}),
		qrOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pharmapos",
			Name:      "qr_orders_total",
			Help:      "QR payment orders, by lifecycle status.",
		}, []string{"status"}),
		closeVariance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pharmapos",
			Name:      "cash_session_variance_cents",
			Help:      "Absolute counted-versus-expected variance at close.",
			Buckets:   []float64{0, 100, 500, 1000, 5000, 10000, 50000},
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ordersSubmitted,
		r.ordersRejected,
		r.sessionsOpened,
		r.sessionsClosed,
		r.qrOrders,
		r.closeVariance,
	)
	return r
}

func (r *Recorder) OrderSubmitted(method string) {
	if r == nil {
		return
	}
	r.ordersSubmitted.WithLabelValues(method).Inc()
}

func (r *Recorder) OrderRejected(reason string) {
	if r == nil {
		return
	}
	r.ordersRejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessionsOpened.Inc()
}

func (r *Recorder) SessionClosed(varianceClass string, varianceCents int64) {
	if r == nil {
		return
	}
	r.sessionsClosed.WithLabelValues(varianceClass).Inc()
	if varianceCents < 0 {
		varianceCents = -varianceCents
	}
	r.closeVariance.Observe(float64(varianceCents))
}

func (r *Recorder) QROrder(status string) {
	if r == nil {
		return
	}
	r.qrOrders.WithLabelValues(status).Inc()
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
