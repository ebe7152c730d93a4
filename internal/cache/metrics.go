package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricCacheHits          = "cache_hits_total"
	MetricCacheMisses        = "cache_misses_total"
	MetricCacheEvictions     = "cache_evictions_total"
	MetricCacheExpirations   = "cache_expirations_total"
	MetricCacheInvalidations = "cache_invalidations_total"
	MetricCacheEntries       = "cache_entries"
)

// Metrics contains Prometheus metrics for cache stores, labeled by store name.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	expirations   *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	entries       *prometheus.GaugeVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheHits,
			Help: "Total number of cache lookups that returned a fresh entry",
		}, []string{"store"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheMisses,
			Help: "Total number of cache lookups that found no fresh entry",
		}, []string{"store"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheEvictions,
			Help: "Total number of entries evicted to respect the size cap",
		}, []string{"store"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheExpirations,
			Help: "Total number of entries removed after their TTL elapsed",
		}, []string{"store"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheInvalidations,
			Help: "Total number of entries removed by explicit invalidation",
		}, []string{"store"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricCacheEntries,
			Help: "Current number of entries held by the store",
		}, []string{"store"}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.hits,
		m.misses,
		m.evictions,
		m.expirations,
		m.invalidations,
		m.entries,
	}
}

func (m *Metrics) hit(store string) {
	if m != nil {
		m.hits.WithLabelValues(store).Inc()
	}
}

func (m *Metrics) miss(store string) {
	if m != nil {
		m.misses.WithLabelValues(store).Inc()
	}
}

func (m *Metrics) evicted(store string) {
	if m != nil {
		m.evictions.WithLabelValues(store).Inc()
	}
}

func (m *Metrics) expired(store string, n int) {
	if m != nil {
		m.expirations.WithLabelValues(store).Add(float64(n))
	}
}

func (m *Metrics) invalidated(store string, n int) {
	if m != nil {
		m.invalidations.WithLabelValues(store).Add(float64(n))
	}
}

func (m *Metrics) setSize(store string, n int) {
	if m != nil {
		m.entries.WithLabelValues(store).Set(float64(n))
	}
}
