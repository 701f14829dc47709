// Package metrics exposes the booking counters on a Prometheus registry.
// A nil *Metrics records nothing.
package metrics

import (
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slotbook"

type Metrics struct {
	Transitions *prometheus.CounterVec
	Webhooks    *prometheus.CounterVec
	Reminders   *prometheus.CounterVec
	SweepRows   *prometheus.CounterVec
	SweepRuns   *prometheus.CounterVec
	Published   *prometheus.CounterVec
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_transitions_total",
			Help:      "Committed appointment status changes.",
		}, []string{"from", "to"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhooks_total",
			Help:      "Payment gateway webhook deliveries by result.",
		}, []string{"result"}),
		Reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_dispatch_total",
			Help:      "Reminder send attempts by result.",
		}, []string{"result"}),
		SweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_total",
			Help:      "Rows handled by the expire and complete sweeps.",
		}, []string{"job", "outcome"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Sweep runs by job.",
		}, []string{"job"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Lifecycle events delivered to Kafka.",
		}, []string{"event_type"}),
	}
	for _, c := range []prometheus.Collector{m.Transitions, m.Webhooks, m.Reminders, m.SweepRows, m.SweepRuns, m.Published} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "new"
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordReminder(result string) {
	if m == nil {
		return
	}
	m.Reminders.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSweep(job string, res sweeper.Result) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(job).Inc()
	m.SweepRows.WithLabelValues(job, "transitioned").Add(float64(res.Transitioned))
	m.SweepRows.WithLabelValues(job, "skipped").Add(float64(res.Skipped))
	m.SweepRows.WithLabelValues(job, "failed").Add(float64(res.Failed))
}

func (m *Metrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(eventType).Inc()
}
