package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/KeckObservatory/mKTL/errors"
)

// Registry manages the registration and lifecycle of metrics for one
// process. The core protocol metrics and the Go runtime collectors are
// registered at construction; components register their own collectors
// under a "component.metric" key so duplicate registration is caught early.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewRegistry creates a metric registry with the core mKTL metrics.
func NewRegistry() *Registry {
	registry := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}

	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		registry.Metrics.RequestsReceived,
		registry.Metrics.RequestsServed,
		registry.Metrics.RequestDuration,
		registry.Metrics.AcksSent,
		registry.Metrics.FramesDropped,
		registry.Metrics.BroadcastsPublished,
		registry.Metrics.BroadcastsReceived,
		registry.Metrics.DiscoveryResponses,
		registry.Metrics.DiscoveryThrottled,
		registry.Metrics.CacheAdmissions,
		registry.Metrics.CacheBlocks,
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register adds a component-specific collector. Registration conflicts are
// reported as classified errors rather than panics.
func (r *Registry) Register(component, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name

	if _, exists := r.registered[key]; exists {
		return errors.Wrap(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"Registry", "Register", "duplicate registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.Wrap(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.Wrap(err, "Registry", "Register", "prometheus registration")
	}

	r.registered[key] = collector
	return nil
}

// Unregister removes a component-specific collector, reporting whether it
// was present.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name

	collector, exists := r.registered[key]
	if !exists {
		return false
	}

	removed := r.prometheusRegistry.Unregister(collector)
	if removed {
		delete(r.registered, key)
	}

	return removed
}
