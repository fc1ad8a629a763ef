// Package metric holds the Prometheus collectors of the emulated NVRAM engine.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "emunvram"

// Metrics counts engine operations and per-variable outcomes. A nil *Metrics
// records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	variables  *prometheus.CounterVec
	saved      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "operations_total",
			Help:      "Emulated NVRAM operations by kind and resulting status.",
		}, []string{"operation", "status"}),
		variables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "variables_total",
			Help:      "Variable writes by outcome.",
		}, []string{"result"}),
		saved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "saved_variables",
			Help:      "Variables serialized by the last save.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.variables, m.saved)
	}

	return m
}

// Operation records the outcome of a runtime operation.
func (m *Metrics) Operation(op, status string) {
	if m == nil {
		return
	}

	m.operations.WithLabelValues(op, status).Inc()
}

// Variable records one variable write outcome.
func (m *Metrics) Variable(result string) {
	if m == nil {
		return
	}

	m.variables.WithLabelValues(result).Inc()
}

// Saved records how many variables the last save wrote.
func (m *Metrics) Saved(n int) {
	if m == nil {
		return
	}

	m.saved.Set(float64(n))
}

// WriteTextfile dumps g in the node_exporter textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
