// Package metrics exports query cache statistics to monitoring
// backends. An Exporter receives periodic snapshots from a Reporter;
// Prometheus and OpenTelemetry exporters ship with the package, and
// Multi fans out to several at once.
package metrics

// Stats is one snapshot of cache effectiveness.
type Stats struct {
	Hits          int64
	Misses        int64
	Fetches       int64
	Errors        int64
	Invalidations int64
	Evictions     int64
	// HitRate is hits / (hits + misses), 0 before any lookup.
	HitRate float64
	// Queries and Mutations are the current entry counts.
	Queries   int
	Mutations int
}

// Exporter publishes snapshots to a backend.
type Exporter interface {
	ExportStats(s Stats)
	Close() error
}

// Noop discards everything. Useful as a default.
type Noop struct{}

func (Noop) ExportStats(Stats) {}
func (Noop) Close() error      { return nil }

type multi struct {
	exporters []Exporter
}

// Multi returns an Exporter that forwards to all of the given
// exporters. Close closes each one and returns the first error.
func Multi(exporters ...Exporter) Exporter {
	return &multi{exporters: exporters}
}

func (m *multi) ExportStats(s Stats) {
	for _, e := range m.exporters {
		e.ExportStats(s)
	}
}

func (m *multi) Close() error {
	var first error
	for _, e := range m.exporters {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
