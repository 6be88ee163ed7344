// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LifecycleTransitions counts state machine transitions by event kind.
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugind_lifecycle_transitions_total",
		Help: "Lifecycle transitions by event kind.",
	}, []string{"kind"})

	// EventsDropped counts events dropped from full subscriber queues.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugind_events_dropped_total",
		Help: "Events dropped because a subscriber queue was full.",
	}, []string{"subscriber"})

	// StoreWriteFailures counts persistence failures outside of startup.
	StoreWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plugind_store_write_failures_total",
		Help: "Store writes that failed after startup.",
	})

	// GatewayFailures counts gateway admin API calls that failed.
	GatewayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plugind_gateway_failures_total",
		Help: "Gateway publish/unpublish operations that failed.",
	})

	// RegistryFetchFailures counts catalog fetch failures per source.
	RegistryFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugind_registry_fetch_failures_total",
		Help: "Catalog fetches that failed, by source.",
	}, []string{"source"})

	// PluginsByStatus tracks the number of plugins in each status.
	PluginsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugind_plugins",
		Help: "Installed plugins by status.",
	}, []string{"status"})

	// PortsAllocated tracks live host-port allocations.
	PortsAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plugind_ports_allocated",
		Help: "Host ports currently allocated to plugins.",
	})
)

// Handler serves the default registry at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
