package metrics

import (
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/go-query/internal/clock"
)

// DefaultInterval is the reporting period when none is configured.
const DefaultInterval = 30 * time.Second

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Exporter Exporter
	// Interval between snapshots. Defaults to DefaultInterval.
	Interval time.Duration
	// Source produces the snapshot to export.
	Source func() Stats
	Clock  clock.Clock
	Logger logger.Logger
}

// Reporter periodically pulls a snapshot from Source and hands it to
// the Exporter on a background goroutine.
type Reporter struct {
	cfg      ReporterConfig
	once     sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewReporter(cfg ReporterConfig) *Reporter {
	if cfg.Exporter == nil {
		cfg.Exporter = Noop{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewConsoleLogger()
	}
	return &Reporter{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the reporting loop. Subsequent calls are no-ops.
func (r *Reporter) Start() {
	r.once.Do(func() {
		go r.loop()
	})
}

func (r *Reporter) loop() {
	defer close(r.done)
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C():
			if r.cfg.Source != nil {
				r.cfg.Exporter.ExportStats(r.cfg.Source())
			}
		}
	}
}

// Stop exports one final snapshot, ends the loop, and closes the
// exporter. Subsequent calls are no-ops.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.Start()
		<-r.done
		if r.cfg.Source != nil {
			r.cfg.Exporter.ExportStats(r.cfg.Source())
		}
		if err := r.cfg.Exporter.Close(); err != nil {
			r.cfg.Logger.Warn("metrics exporter close failed: %s", err)
		}
	})
}
