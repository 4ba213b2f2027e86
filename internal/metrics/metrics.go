// Package metrics holds the Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fauxgate"

// Metrics bundles the gateway's Prometheus collectors. A fresh instance
// registers against the given registry, so tests can use isolated
// registries instead of the process-global default.
type Metrics struct {
	InvocationsTotal    *prometheus.CounterVec
	InvocationDuration  *prometheus.HistogramVec
	HandlerReloads      *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	ConnectionEvictions prometheus.Counter
	PackagesBuilt       *prometheus.CounterVec
	WatcherChanges      *prometheus.CounterVec
}

// New registers the gateway collectors with the registry. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total handler invocations by function and result",
		}, []string{"function", "result"}),

		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Handler invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),

		HandlerReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_reloads_total",
			Help:      "Total handler loads by function and result",
		}, []string{"function", "result"}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),

		ConnectionEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_evictions_total",
			Help:      "Total WebSocket connections evicted for inactivity",
		}),

		PackagesBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_built_total",
			Help:      "Total deployment packages built by result",
		}, []string{"result"}),

		WatcherChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_changes_total",
			Help:      "Total filesystem changes observed by operation",
		}, []string{"op"}),
	}
}

// Result label values for invocation and reload counters.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
