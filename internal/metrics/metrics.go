// Package metrics exposes the daemon's counters through a Prometheus
// registry: one counter per protocol operation, incremented unconditionally
// at dispatch entry, plus two counters for Stable<->Unstable transitions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mizumochi"

// Registry owns a private Prometheus registry (never the global default
// registry) so the daemon never leaks metrics into an unrelated process,
// matching how the teacher repo's own metrics tests build their own
// registries rather than relying on prometheus.DefaultRegisterer.
type Registry struct {
	registry *prometheus.Registry

	IOOperations       *prometheus.CounterVec
	SpeedLimitEnabled  prometheus.Counter
	SpeedLimitDisabled prometheus.Counter
}

// NewRegistry builds and registers every counter the daemon exposes.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		IOOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_operations_total",
			Help:      "Count of dispatched filesystem operations, by operation kind.",
		}, []string{"operation"}),
		SpeedLimitEnabled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speed_limit_enabled_total",
			Help:      "Count of transitions from Stable to Unstable mode.",
		}),
		SpeedLimitDisabled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speed_limit_disabled_total",
			Help:      "Count of transitions from Unstable to Stable mode.",
		}),
	}
}

// IncOperation increments the per-operation counter for op, creating the
// label series on first use.
func (r *Registry) IncOperation(op string) {
	r.IOOperations.WithLabelValues(op).Inc()
}

// Handler serves the registry's metrics in the Prometheus text exposition
// format, suitable for mounting at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
