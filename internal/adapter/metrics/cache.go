package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics tracks the widget config cache. kind is the widget kind; layer is "memory" or "redis".
type CacheMetrics struct {
	Lookups       *prometheus.CounterVec
	Invalidations *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
}

func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config_cache",
			Name:      "lookups_total",
			Help:      "Config cache lookups by widget kind, layer and result (hit, miss).",
		}, []string{"kind", "layer", "result"}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config_cache",
			Name:      "invalidations_total",
			Help:      "Config cache invalidations by widget kind and source (local write, bus message).",
		}, []string{"kind", "source"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config_cache",
			Name:      "memory_evictions_total",
			Help:      "Expired in-memory entries dropped by the eviction sweep.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.Lookups, m.Invalidations, m.Evictions)
	return m
}

// The recorders below accept a nil receiver, so caches built without metrics skip them.

func (m *CacheMetrics) Lookup(kind, layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.Lookups.WithLabelValues(kind, layer, result).Inc()
}

func (m *CacheMetrics) Invalidated(kind, source string) {
	if m != nil {
		m.Invalidations.WithLabelValues(kind, source).Inc()
	}
}

func (m *CacheMetrics) Evicted(kind string, n int) {
	if m != nil && n > 0 {
		m.Evictions.WithLabelValues(kind).Add(float64(n))
	}
}

type DedupMetrics struct {
	Checks     *prometheus.CounterVec
	Hydrations prometheus.Counter
	Resets     prometheus.Counter
}

func NewDedupMetrics(reg prometheus.Registerer) *DedupMetrics {
	m := &DedupMetrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "checks_total",
			Help:      "Seen-chatter checks, by result (seen, unseen, sentinel).",
		}, []string{"result"}),
		Hydrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "hydrations_total",
			Help:      "Seen-chatter sets rebuilt from the database.",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "resets_total",
			Help:      "Seen-chatter cycles reset by a stream going online.",
		}),
	}

	reg.MustRegister(m.Checks, m.Hydrations, m.Resets)
	return m
}
