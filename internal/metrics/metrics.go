package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Requests            *prometheus.CounterVec
	LatencyMS           *prometheus.HistogramVec
	Transitions         *prometheus.CounterVec
	RejectedTransitions *prometheus.CounterVec
	GatewayCalls        *prometheus.CounterVec
	Verifications       *prometheus.CounterVec
	TrackingUpdates     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

func NewMetrics(service string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlifecycle",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderlifecycle",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlifecycle",
			Subsystem: service,
			Name:      "order_transitions_total",
			Help:      "Committed order status transitions.",
		}, []string{"from", "to"}),
		RejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlifecycle",
			Subsystem: service,
			Name:      "order_transitions_rejected_total",
			Help:      "Order events rejected by the state machine.",
		}, []string{"event"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlifecycle",
			Subsystem: service,
			Name:      "gateway_calls_total",
			Help:      "Payment gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlifecycle",
			Subsystem: service,
			Name:      "payment_verifications_total",
			Help:      "Payment proof verifications by outcome.",
		}, []string{"outcome"}),
		TrackingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlifecycle",
			Subsystem: service,
			Name:      "tracking_updates_total",
			Help:      "Carrier tracking updates ingested by source.",
		}, []string{"source", "result"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Requests,
		m.LatencyMS,
		m.Transitions,
		m.RejectedTransitions,
		m.GatewayCalls,
		m.Verifications,
		m.TrackingUpdates,
	)
	return m
}

func (m *Metrics) ObserveRequest(handler, status string, latencyMS float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, status).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(latencyMS)
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveRejectedTransition(event string) {
	if m == nil {
		return
	}
	m.RejectedTransitions.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveGatewayCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTrackingUpdate(source, result string) {
	if m == nil {
		return
	}
	m.TrackingUpdates.WithLabelValues(source, result).Inc()
}

// Handler serves the registry this Metrics was registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
