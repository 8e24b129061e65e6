package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const otelScope = "github.com/agentuity/go-query"

// OTelExporter publishes snapshots through an OpenTelemetry meter.
type OTelExporter struct {
	hits          metric.Int64Gauge
	misses        metric.Int64Gauge
	fetches       metric.Int64Gauge
	errors        metric.Int64Gauge
	invalidations metric.Int64Gauge
	evictions     metric.Int64Gauge
	hitRate       metric.Float64Gauge
	queries       metric.Int64Gauge
	mutations     metric.Int64Gauge
}

// NewOTel creates the cache instruments on meter. A nil meter uses the
// global provider.
func NewOTel(meter metric.Meter) (*OTelExporter, error) {
	if meter == nil {
		meter = otel.Meter(otelScope)
	}
	e := &OTelExporter{}

	var err error
	gauge := func(name, desc string) metric.Int64Gauge {
		g, gerr := meter.Int64Gauge(name, metric.WithDescription(desc))
		if gerr != nil && err == nil {
			err = gerr
		}
		return g
	}
	e.hits = gauge("goquery.cache.hits", "Lookups answered from cached data.")
	e.misses = gauge("goquery.cache.misses", "Lookups that required a fetch.")
	e.fetches = gauge("goquery.cache.fetches", "Fetch function invocations, including retries.")
	e.errors = gauge("goquery.cache.errors", "Fetches settled with an error.")
	e.invalidations = gauge("goquery.cache.invalidations", "Queries marked stale by invalidation.")
	e.evictions = gauge("goquery.cache.evictions", "Queries garbage collected.")
	e.queries = gauge("goquery.cache.queries", "Current query entries.")
	e.mutations = gauge("goquery.cache.mutations", "Current mutation entries.")

	hr, gerr := meter.Float64Gauge("goquery.cache.hit_rate", metric.WithDescription("Hits over total lookups."))
	if gerr != nil && err == nil {
		err = gerr
	}
	e.hitRate = hr

	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTelExporter) ExportStats(s Stats) {
	ctx := context.Background()
	e.hits.Record(ctx, s.Hits)
	e.misses.Record(ctx, s.Misses)
	e.fetches.Record(ctx, s.Fetches)
	e.errors.Record(ctx, s.Errors)
	e.invalidations.Record(ctx, s.Invalidations)
	e.evictions.Record(ctx, s.Evictions)
	e.hitRate.Record(ctx, s.HitRate)
	e.queries.Record(ctx, int64(s.Queries))
	e.mutations.Record(ctx, int64(s.Mutations))
}

func (e *OTelExporter) Close() error { return nil }
