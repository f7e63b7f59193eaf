package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments shared by the handlers.
type Metrics struct {
	Registrations prometheus.Counter
	StatusUpdates prometheus.Counter
	BackupResults *prometheus.CounterVec
}

// NewMetrics creates the handler metrics and registers them on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linwin",
			Subsystem: "server",
			Name:      "client_registrations_total",
			Help:      "Number of client registration requests accepted.",
		}),
		StatusUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linwin",
			Subsystem: "server",
			Name:      "status_updates_total",
			Help:      "Number of client status updates accepted.",
		}),
		BackupResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linwin",
			Subsystem: "server",
			Name:      "backup_results_total",
			Help:      "Number of backup results recorded, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Registrations, m.StatusUpdates, m.BackupResults)
	return m
}
