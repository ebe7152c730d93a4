package query

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricQueryRequests      = "query_requests_total"
	MetricQueryDuration      = "query_duration_seconds"
	MetricQueryFetchDuration = "query_fetch_duration_seconds"
	MetricQueryExcluded      = "query_excluded_items_total"
	MetricQueryCacheFaults   = "query_cache_faults_total"
)

// Outcome labels for MetricQueryRequests.
const (
	OutcomeHit       = "hit"
	OutcomeMiss      = "miss"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeInvalid   = "invalid"
)

// Metrics contains Prometheus metrics for the query orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      prometheus.Histogram
	fetchDuration prometheus.Histogram
	excluded      prometheus.Counter
	cacheFaults   *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricQueryRequests,
			Help: "Total number of queries by outcome (hit, miss, failed, cancelled, invalid)",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricQueryDuration,
			Help:    "End-to-end query latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricQueryFetchDuration,
			Help:    "Data store fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		excluded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricQueryExcluded,
			Help: "Total number of malformed items excluded from scoring",
		}),
		cacheFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricQueryCacheFaults,
			Help: "Total number of cache faults that fell back to a direct fetch",
		}, []string{"operation"}),
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
		m.requests,
		m.duration,
		m.fetchDuration,
		m.excluded,
		m.cacheFaults,
	}
}

func (m *Metrics) observe(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	if outcome == OutcomeHit || outcome == OutcomeMiss {
		m.duration.Observe(seconds)
	}
}

func (m *Metrics) observeFetch(seconds float64) {
	if m != nil {
		m.fetchDuration.Observe(seconds)
	}
}

func (m *Metrics) addExcluded(n int) {
	if m != nil && n > 0 {
		m.excluded.Add(float64(n))
	}
}

func (m *Metrics) cacheFault(operation string) {
	if m != nil {
		m.cacheFaults.WithLabelValues(operation).Inc()
	}
}
