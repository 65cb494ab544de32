// Package metrics holds the prometheus collectors shared by the engine, the resource pool, the monitor sessions and
// the adapters. They are exposed by the commands with the -m flag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "soltools"

var (
	// JobsTotal counts finalized bulk fetch jobs by endpoint and status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "jobs_total",
		Help: "Finalized bulk fetch jobs.",
	}, []string{"endpoint", "status"})

	// AttemptsTotal counts fetch attempts by endpoint and outcome kind.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "attempts_total",
		Help: "Fetch attempts by outcome kind.",
	}, []string{"endpoint", "kind"})

	// RunSeconds observes bulk run durations.
	RunSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "engine", Name: "run_seconds",
		Help:    "Bulk run duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"endpoint"})

	// LeasesOutstanding is the number of leases not yet released.
	LeasesOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "leases_outstanding",
		Help: "Leases acquired and not yet released.",
	})

	// ProxyDemotions counts proxies put into cooldown.
	ProxyDemotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "proxy_demotions_total",
		Help: "Proxies demoted into cooldown.",
	})

	// ProxyEvictions counts proxies removed from rotation.
	ProxyEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "proxy_evictions_total",
		Help: "Proxies evicted from rotation.",
	})

	// MonitorEvents counts events delivered to sinks by module.
	MonitorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "monitor", Name: "events_total",
		Help: "Events delivered by monitor sessions.",
	}, []string{"module"})

	// MonitorReconnects counts session reconnects by module.
	MonitorReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "monitor", Name: "reconnects_total",
		Help: "Monitor session reconnects.",
	}, []string{"module"})

	// SessionStatus is 1 for the current status of every session.
	SessionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "monitor", Name: "sessions",
		Help: "Monitor sessions by status.",
	}, []string{"module", "status"})

	// AdapterState is the numeric lifecycle state of every adapter.
	AdapterState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "adapter", Name: "state",
		Help: "Adapter lifecycle state (0 uninitialized .. 5 cleaned up).",
	}, []string{"module"})
)
