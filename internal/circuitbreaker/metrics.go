package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes circuit breaker metrics.
type Metrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// NewMetrics creates breaker metrics registered with the given registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "transitions_total",
				Help:      "Total number of circuit breaker state transitions.",
			},
			[]string{"name", "from", "to"},
		),
		rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "rejected_total",
				Help:      "Total number of calls rejected while the circuit was open.",
			},
			[]string{"name"},
		),
	}
}

// RecordStateChange records a state transition.
func (m *Metrics) RecordStateChange(name string, from, to State) {
	m.state.WithLabelValues(name).Set(float64(to))
	m.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// RecordRejected records a call rejected by an open circuit.
func (m *Metrics) RecordRejected(name string) {
	m.rejected.WithLabelValues(name).Inc()
}
