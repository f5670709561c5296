package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts dispatcher outcomes by class, following the teacher's
// promauto-registered-counter idiom used throughout its scheduler modules.
type Metrics struct {
	choices   *prometheus.CounterVec
	migrations *prometheus.CounterVec
}

// NewMetrics registers the dispatcher's counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		choices: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmsched",
			Subsystem: "dispatch",
			Name:      "choices_total",
			Help:      "Dispatcher choices by outcome (idle, dispatched).",
		}, []string{"outcome"}),
		migrations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmsched",
			Subsystem: "dispatch",
			Name:      "migrations_total",
			Help:      "Dispatcher migrations by class (pcpu, cell, runner).",
		}, []string{"class"}),
	}
}

func (m *Metrics) observe(ch *Choice) {
	if m == nil {
		return
	}
	switch {
	case ch.Idle:
		m.choices.WithLabelValues("idle").Inc()
	default:
		m.choices.WithLabelValues("dispatched").Inc()
	}
	if ch.PcpuMigrated {
		m.migrations.WithLabelValues("pcpu").Inc()
	}
	if ch.CellMigrated {
		m.migrations.WithLabelValues("cell").Inc()
	}
	if ch.RunnerMoved {
		m.migrations.WithLabelValues("runner").Inc()
	}
}
