package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scheduling"

// Metrics groups the counters and histograms exported on /metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reservations   *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	webhooks       *prometheus.CounterVec
	webhookLatency prometheus.Histogram
	rateLimit      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Appointment status transitions",
		}, []string{"to"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "delivery_attempts_total",
			Help:      "Gateway send attempts by channel, event and outcome",
		}, []string{"channel", "event", "outcome"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "drain_duration_seconds",
			Help:      "Duration of one outbox drain",
			Buckets:   prometheus.DefBuckets,
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "receipts_total",
			Help:      "Inbound delivery receipts by outcome",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of delivery receipt processing",
			Buckets:   prometheus.DefBuckets,
		}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by scope",
		}, []string{"scope", "decision"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.reservations, m.transitions, m.deliveries, m.drainDuration,
		m.webhooks, m.webhookLatency, m.rateLimit)
	return m
}

func (m *Metrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveDelivery(channel, event, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, event, outcome).Inc()
}

func (m *Metrics) ObserveDrain(seconds float64) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(seconds)
}

func (m *Metrics) ObserveWebhook(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
	m.webhookLatency.Observe(seconds)
}

func (m *Metrics) ObserveRateLimit(scope string, allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "limited"
	}
	m.rateLimit.WithLabelValues(scope, decision).Inc()
}
