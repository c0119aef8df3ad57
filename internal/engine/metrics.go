package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes engine counters on a Prometheus registry.
type Metrics struct {
	Executions *prometheus.CounterVec
	Actions    *prometheus.CounterVec
	QueueDepth prometheus.Gauge
	Dropped    prometheus.Counter
}

// NewMetrics registers the engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesrv_executions_total",
			Help: "Rule evaluations by outcome",
		}, []string{"outcome"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesrv_actions_total",
			Help: "Dispatched actions by type and status",
		}, []string{"type", "status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rulesrv_queue_depth",
			Help: "Evaluations waiting for a worker",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rulesrv_dropped_total",
			Help: "Evaluations dropped because the queue was full",
		}),
	}
	reg.MustRegister(m.Executions, m.Actions, m.QueueDepth, m.Dropped)
	return m
}

// Execution outcome labels.
const (
	OutcomeTriggered    = "triggered"
	OutcomeNotTriggered = "not_triggered"
	OutcomeFailed       = "failed"
	OutcomeOverloaded   = "overloaded"
)
