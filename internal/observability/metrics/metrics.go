package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for booking and payment flows.
type BookingMetrics struct {
	bookingTotal       *prometheus.CounterVec
	transitionTotal    *prometheus.CounterVec
	paymentTotal       *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	webhookTotal       *prometheus.CounterVec
	slotResolveLatency prometheus.Histogram
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking and reschedule attempts by outcome",
		}, []string{"operation", "outcome"}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "appointment_transitions_total",
			Help:      "Appointment status transitions",
		}, []string{"from", "to"}),
		paymentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "transitions_total",
			Help:      "Payment status transitions by gateway",
		}, []string{"gateway", "status"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "gateway_call_seconds",
			Help:      "Latency of payment gateway calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "operation", "outcome"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "webhooks_total",
			Help:      "Inbound payment webhooks by outcome",
		}, []string{"gateway", "outcome"}),
		slotResolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "slot_resolve_seconds",
			Help:      "Latency of available slot resolution",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingTotal, m.transitionTotal, m.paymentTotal, m.gatewayLatency, m.webhookTotal, m.slotResolveLatency)
	return m
}

func (m *BookingMetrics) ObserveBooking(operation, outcome string) {
	if m == nil {
		return
	}
	m.bookingTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *BookingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to).Inc()
}

func (m *BookingMetrics) ObservePayment(gateway, status string) {
	if m == nil {
		return
	}
	m.paymentTotal.WithLabelValues(gateway, status).Inc()
}

func (m *BookingMetrics) ObserveGatewayCall(gateway, operation string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayLatency.WithLabelValues(gateway, operation, outcome).Observe(seconds)
}

func (m *BookingMetrics) ObserveWebhook(gateway, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(gateway, outcome).Inc()
}

func (m *BookingMetrics) ObserveSlotResolve(seconds float64) {
	if m == nil {
		return
	}
	m.slotResolveLatency.Observe(seconds)
}
