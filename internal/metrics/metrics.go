// Package metrics holds the prometheus collectors shared by the cache and the reconciler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jemzy_views"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheFetches       *prometheus.CounterVec
	cacheInvalidations prometheus.Counter
	cacheEntries       prometheus.Gauge
	mutations          *prometheus.CounterVec
	mutationDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Background query fetches by outcome.",
		}, []string{"outcome"}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Query invalidations requested.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Query entries currently held.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "settled_total",
			Help:      "Settled optimistic mutations by action and outcome.",
		}, []string{"action", "outcome"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "dispatch_seconds",
			Help:      "Time from optimistic write to settlement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}

	if registerer != nil {
		collectors := []prometheus.Collector{
			m.cacheFetches,
			m.cacheInvalidations,
			m.cacheEntries,
			m.mutations,
			m.mutationDuration,
		}
		for _, collector := range collectors {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveFetch counts one completed fetch.
func (m *Metrics) ObserveFetch(outcome string) {
	if m == nil {
		return
	}
	m.cacheFetches.WithLabelValues(outcome).Inc()
}

// ObserveInvalidation counts one invalidation.
func (m *Metrics) ObserveInvalidation() {
	if m == nil {
		return
	}
	m.cacheInvalidations.Inc()
}

// SetEntries records the number of live cache entries.
func (m *Metrics) SetEntries(count int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(count))
}

// ObserveMutation counts a settled mutation and its duration.
func (m *Metrics) ObserveMutation(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(action, outcome).Inc()
	m.mutationDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}
