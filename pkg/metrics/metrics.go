package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Workflow metrics
	WorkflowTransitions *prometheus.CounterVec
	GuardRejections     *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge

	// Backend metrics
	BackendCalls   *prometheus.CounterVec
	BackendLatency *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec

	// Payment metrics
	PaymentOutcomes *prometheus.CounterVec

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
	OutboxQueueSize prometheus.Gauge
}

// NewMetrics creates and registers all application metrics on the default
// registerer.
func NewMetrics(namespace, subsystem string) *Metrics {
	return New(namespace, subsystem, prometheus.DefaultRegisterer)
}

// New registers the collectors on reg. Tests pass a fresh registry.
func New(namespace, subsystem string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkflowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_transitions_total",
			Help:      "Total number of accepted workflow step transitions",
		}, []string{"from", "to"}),
		GuardRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_guard_rejections_total",
			Help:      "Total number of step transitions rejected by a guard",
		}, []string{"step", "event"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Current number of booking sessions held in memory",
		}),

		BackendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backend_calls_total",
			Help:      "Total number of calls to the booking backend",
		}, []string{"operation", "status"}),
		BackendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backend_call_duration_seconds",
			Help:      "Duration of calls to the booking backend",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuit_breaker_open",
			Help:      "1 while the named circuit breaker is open",
		}, []string{"name"}),

		PaymentOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payment_outcomes_total",
			Help:      "Terminal payment coordinator outcomes",
		}, []string{"method", "outcome"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_published_total",
			Help:      "Total number of booking events published to the broker",
		}, []string{"event_type"}),
		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_failed_total",
			Help:      "Total number of booking events that could not be published",
		}, []string{"event_type"}),
		EventsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_consumed_total",
			Help:      "Total number of booking events consumed by the worker",
		}, []string{"event_type"}),
		OutboxQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbox_queue_size",
			Help:      "Current number of events waiting in the outbox",
		}),
	}
}

// The helpers below accept a nil receiver so components can run without
// metrics in tests.

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.WorkflowTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) GuardRejected(step, event string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(step, event).Inc()
}

func (m *Metrics) BackendCall(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(operation, status).Inc()
	m.BackendLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) Breaker(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	if state == "open" {
		v = 1
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) PaymentOutcome(method, outcome string) {
	if m == nil {
		return
	}
	m.PaymentOutcomes.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventFailed(eventType string) {
	if m == nil {
		return
	}
	m.EventsFailed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventConsumed(eventType string) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) QueueSize(n int) {
	if m == nil {
		return
	}
	m.OutboxQueueSize.Set(float64(n))
}

func (m *Metrics) SessionsActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
