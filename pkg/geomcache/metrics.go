package geomcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors for one cache instance.
type Metrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Evictions     prometheus.Counter
	Expirations   prometheus.Counter
	Entries       prometheus.Gauge
	ResidentBytes prometheus.Gauge
}

// NewMetrics creates the cache collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geomcache_hits_total",
			Help: "Number of cache lookups that found a geometry record.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geomcache_misses_total",
			Help: "Number of cache lookups for absent geometry ids.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geomcache_evictions_total",
			Help: "Number of records evicted to fit the byte budget.",
		}),
		Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geomcache_expirations_total",
			Help: "Number of records removed by the TTL sweep.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geomcache_entries",
			Help: "Number of live geometry records.",
		}),
		ResidentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geomcache_resident_bytes",
			Help: "Estimated bytes held by live geometry records.",
		}),
	}
	reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.Expirations, m.Entries, m.ResidentBytes)
	return m
}
