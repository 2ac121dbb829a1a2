// Package telemetry implements meshctx.Telemetry on top of
// prometheus/client_golang, replacing the teacher's hand-rolled
// MetricsService with real counter/histogram vectors registered against
// a caller-supplied registry.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a prometheus-backed implementation of meshctx.Telemetry.
// Counters and histograms are created lazily on first use per metric
// name, keyed by their label set, so callers never have to pre-declare
// every (name, labels) combination up front.
type Collector struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	namespace  string
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// New builds a Collector registering all metrics under namespace
// ("agentmesh" in production). A nil registry uses
// prometheus.NewRegistry() rather than the global default registry, so
// multiple Collectors (e.g. in tests) never collide.
func New(namespace string, registry *prometheus.Registry) *Collector {
	if namespace == "" {
		namespace = "agentmesh"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Collector{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying prometheus.Registry for wiring into an
// HTTP /metrics handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (c *Collector) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      name + " counter",
		}, labelNames(labels))
		c.registry.MustRegister(vec)
		c.counters[name] = vec
	}
	return vec
}

func (c *Collector) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      name + " histogram",
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		c.registry.MustRegister(vec)
		c.histograms[name] = vec
	}
	return vec
}

// IncCounter increments the named counter, creating it (and its label
// schema) on first use.
func (c *Collector) IncCounter(name string, labels map[string]string) {
	c.counterVec(name, labels).With(labels).Inc()
}

// ObserveHistogram records value against the named histogram, creating
// it (and its label schema) on first use.
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.histogramVec(name, labels).With(labels).Observe(value)
}
