package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter publishes snapshots as gauges on a Prometheus
// registry. Counter-like values are exported as gauges because the
// reporter sets absolute snapshot values rather than observing
// increments.
type PrometheusExporter struct {
	reg    prometheus.Registerer
	gauges []prometheus.Gauge

	hits          prometheus.Gauge
	misses        prometheus.Gauge
	fetches       prometheus.Gauge
	errors        prometheus.Gauge
	invalidations prometheus.Gauge
	evictions     prometheus.Gauge
	hitRate       prometheus.Gauge
	queries       prometheus.Gauge
	mutations     prometheus.Gauge
}

// NewPrometheus registers the cache gauges on reg under the given
// namespace. A nil reg uses the default registerer.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*PrometheusExporter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	e := &PrometheusExporter{reg: reg}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "query_cache",
			Name:      name,
			Help:      help,
		})
		e.gauges = append(e.gauges, g)
		return g
	}
	e.hits = gauge("hits", "Lookups answered from cached data.")
	e.misses = gauge("misses", "Lookups that required a fetch.")
	e.fetches = gauge("fetches", "Fetch function invocations, including retries.")
	e.errors = gauge("errors", "Fetches settled with an error.")
	e.invalidations = gauge("invalidations", "Queries marked stale by invalidation.")
	e.evictions = gauge("evictions", "Queries garbage collected.")
	e.hitRate = gauge("hit_rate", "Hits over total lookups.")
	e.queries = gauge("queries", "Current query entries.")
	e.mutations = gauge("mutations", "Current mutation entries.")

	for _, g := range e.gauges {
		if err := reg.Register(g); err != nil {
			e.unregister()
			return nil, err
		}
	}
	return e, nil
}

func (e *PrometheusExporter) ExportStats(s Stats) {
	e.hits.Set(float64(s.Hits))
	e.misses.Set(float64(s.Misses))
	e.fetches.Set(float64(s.Fetches))
	e.errors.Set(float64(s.Errors))
	e.invalidations.Set(float64(s.Invalidations))
	e.evictions.Set(float64(s.Evictions))
	e.hitRate.Set(s.HitRate)
	e.queries.Set(float64(s.Queries))
	e.mutations.Set(float64(s.Mutations))
}

func (e *PrometheusExporter) unregister() {
	for _, g := range e.gauges {
		e.reg.Unregister(g)
	}
}

// Close unregisters the gauges.
func (e *PrometheusExporter) Close() error {
	e.unregister()
	return nil
}
