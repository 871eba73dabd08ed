// Package metrics defines the Prometheus collectors shared by the job
// engine. Collectors hang off an injectable Registerer so tests can run
// multiple independent instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all PanelGrid collectors.
type Metrics struct {
	ScansStarted     prometheus.Counter
	ScansCompleted   prometheus.Counter
	AddressesScanned *prometheus.CounterVec
	ActionsStarted   prometheus.Counter
	ActionsFinished  *prometheus.CounterVec
	ActiveExecutions prometheus.Gauge
	ListenerDrops    prometheus.Counter
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ScansStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "panelgrid",
			Subsystem: "discovery",
			Name:      "scans_started_total",
			Help:      "Number of discovery scans started.",
		}),
		ScansCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "panelgrid",
			Subsystem: "discovery",
			Name:      "scans_completed_total",
			Help:      "Number of discovery scans that reached their terminal event.",
		}),
		AddressesScanned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panelgrid",
			Subsystem: "discovery",
			Name:      "addresses_scanned_total",
			Help:      "Addresses classified during discovery, by outcome.",
		}, []string{"outcome"}),
		ActionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "panelgrid",
			Subsystem: "actions",
			Name:      "executions_started_total",
			Help:      "Number of action executions started.",
		}),
		ActionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "panelgrid",
			Subsystem: "actions",
			Name:      "executions_finished_total",
			Help:      "Action executions that reached a terminal state, by state.",
		}, []string{"state"}),
		ActiveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "panelgrid",
			Subsystem: "actions",
			Name:      "executions_active",
			Help:      "Action executions currently running.",
		}),
		ListenerDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "panelgrid",
			Subsystem: "jobs",
			Name:      "listener_drops_total",
			Help:      "Progress snapshots dropped because a listener was full or closed.",
		}),
	}
}
