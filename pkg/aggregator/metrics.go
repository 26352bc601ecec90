package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/launchr/launchr/pkg/jobstate"
)

// Metrics holds the aggregator's prometheus collectors.
type Metrics struct {
	registrations prometheus.Counter
	messages      *prometheus.CounterVec
	malformed     prometheus.Counter
	jobs          *prometheus.GaugeVec
	connections   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registrations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "aggregator",
			Name:      "registrations_total",
			Help:      "Total number of jobs registered.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "aggregator",
			Name:      "messages_total",
			Help:      "Total number of job messages applied to the store, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "aggregator",
			Name:      "malformed_messages_total",
			Help:      "Total number of messages dropped because they could not be decoded.",
		}),
		jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "launchr",
			Subsystem: "aggregator",
			Name:      "jobs",
			Help:      "Number of known jobs by state.",
		}, []string{"state"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "launchr",
			Subsystem: "aggregator",
			Name:      "connections",
			Help:      "Number of open protocol connections.",
		}),
	}
}

func (m *Metrics) observe(kind string, outcome Outcome) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, string(outcome)).Inc()
}

func (m *Metrics) moved(from, to jobstate.State) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.jobs.WithLabelValues(string(from)).Dec()
	}
	m.jobs.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) registered() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
