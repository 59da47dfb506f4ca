// Package metrics exposes the control plane's Prometheus collectors on a
// custom registry — no global state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	Registry *prometheus.Registry

	// Terminal sessions
	SessionsActive  prometheus.Gauge
	CommandsTotal   *prometheus.CounterVec // decision: allowed|denied
	CommandDuration prometheus.Histogram

	// Workspaces
	WorkspacesActive    prometheus.Gauge
	WorkspacesReclaimed prometheus.Counter

	// Lab environments
	ProvisionsTotal   *prometheus.CounterVec // outcome: success|failure
	ProvisionDuration prometheus.Histogram
	LabsActive        prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerlab",
			Subsystem: "terminal",
			Name:      "sessions_active",
			Help:      "Open terminal sessions.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerlab",
			Subsystem: "terminal",
			Name:      "commands_total",
			Help:      "Commands submitted, by gate decision.",
		}, []string{"decision"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brokerlab",
			Subsystem: "terminal",
			Name:      "command_duration_seconds",
			Help:      "Wall time of executed commands.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		WorkspacesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerlab",
			Subsystem: "workspace",
			Name:      "containers_active",
			Help:      "Workspace containers currently tracked.",
		}),
		WorkspacesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerlab",
			Subsystem: "workspace",
			Name:      "reclaimed_total",
			Help:      "Workspace containers destroyed by idle reclaim.",
		}),

		ProvisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerlab",
			Subsystem: "lab",
			Name:      "provisions_total",
			Help:      "Lab environment provisioning attempts, by outcome.",
		}, []string{"outcome"}),
		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brokerlab",
			Subsystem: "lab",
			Name:      "provision_duration_seconds",
			Help:      "Time to bring a lab environment to ready.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120},
		}),
		LabsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerlab",
			Subsystem: "lab",
			Name:      "environments_active",
			Help:      "Lab environments currently provisioned.",
		}),
	}

	reg.MustRegister(
		c.SessionsActive, c.CommandsTotal, c.CommandDuration,
		c.WorkspacesActive, c.WorkspacesReclaimed,
		c.ProvisionsTotal, c.ProvisionDuration, c.LabsActive,
	)
	return c
}
