package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics records checkout outcomes and inventory contention. A nil
// *CheckoutMetrics is valid and records nothing.
type CheckoutMetrics struct {
	duration      *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
	conflicts     prometheus.Counter
	compensations *prometheus.CounterVec
}

// NewCheckoutMetrics registers the checkout metrics on reg.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_duration_seconds",
		Help:    "Duration of checkout attempts in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_total",
		Help: "Checkout attempts by outcome.",
	}, []string{"outcome"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reserve_conflicts_total",
		Help: "Reservations aborted by transaction contention.",
	})
	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_compensations_total",
		Help: "Released reservations by result.",
	}, []string{"result"})
	reg.MustRegister(duration, outcomes, conflicts, compensations)
	return &CheckoutMetrics{
		duration:      duration,
		outcomes:      outcomes,
		conflicts:     conflicts,
		compensations: compensations,
	}
}

// ObserveCheckout records one finished attempt. Outcome is a short label such
// as "completed", "validation", "insufficient_stock" or "not_recorded".
func (m *CheckoutMetrics) ObserveCheckout(outcome string, duration time.Duration) {
	if m == nil || m.outcomes == nil {
		return
	}
	label := normalizeLabel(outcome)
	m.outcomes.WithLabelValues(label).Inc()
	m.duration.WithLabelValues(label).Observe(duration.Seconds())
}

func (m *CheckoutMetrics) IncConflict() {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Inc()
}

// IncCompensation counts a release; result is "released", "queued" or "dropped".
func (m *CheckoutMetrics) IncCompensation(result string) {
	if m == nil || m.compensations == nil {
		return
	}
	m.compensations.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
