package query

import (
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/go-query/internal/clock"
	"github.com/agentuity/go-query/internal/notify"
	"github.com/agentuity/go-query/querykey"
)

// EventType classifies cache events.
type EventType int

const (
	// EventQueryAdded fires when a query enters the cache.
	EventQueryAdded EventType = iota + 1
	// EventQueryRemoved fires when a query leaves the cache.
	EventQueryRemoved
	// EventQueryUpdated fires on any state transition; Action names it.
	EventQueryUpdated
	// EventObserverAdded fires when an observer attaches to a query.
	EventObserverAdded
	// EventObserverRemoved fires when an observer detaches.
	EventObserverRemoved
)

func (t EventType) String() string {
	switch t {
	case EventQueryAdded:
		return "added"
	case EventQueryRemoved:
		return "removed"
	case EventQueryUpdated:
		return "updated"
	case EventObserverAdded:
		return "observerAdded"
	case EventObserverRemoved:
		return "observerRemoved"
	default:
		return "unknown"
	}
}

// Event describes one cache mutation for subscribers.
type Event struct {
	Type  EventType
	Query *Query
	// Action names the state transition for update and removal events:
	// fetch, success, error, failed, pause, continue, cancel,
	// invalidate, setData, setState, reset, remove, collect, clear.
	Action string
	// Observer is set for observer attach and detach events.
	Observer *Observer
}

// CacheConfig configures a Cache. The zero value works; Client fills
// these in for the cache it owns.
type CacheConfig struct {
	Logger    logger.Logger
	Clock     clock.Clock
	Scheduler *notify.Scheduler
	// Online gates fetch dispatch for online-mode queries. Defaults to
	// always online.
	Online func() bool

	// OnSuccess runs after any query fetch stores data.
	OnSuccess func(data any, q *Query)
	// OnError runs after any query fetch records an error.
	OnError func(err error, q *Query)
	// OnSettled runs after either outcome.
	OnSettled func(data any, err error, q *Query)
}

// Cache holds every query, keyed by canonical key hash, and fans out
// lifecycle events to subscribers. All methods are safe for concurrent
// use.
type Cache struct {
	cfg     CacheConfig
	mu      sync.RWMutex
	queries map[string]*Query
	events  notify.Emitter[Event]
	stats   Stats
}

// NewCache creates an empty cache. Most callers want Client instead and
// reach the cache through it.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewConsoleLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = &notify.Scheduler{}
	}
	c := &Cache{
		cfg:     cfg,
		queries: make(map[string]*Query),
	}
	c.events.SetPanicHandler(func(r any) {
		c.log().Error("cache event subscriber panic: %v", r)
	})
	return c
}

func (c *Cache) log() logger.Logger { return c.cfg.Logger }

func (c *Cache) online() bool {
	if c.cfg.Online == nil {
		return true
	}
	return c.cfg.Online()
}

// Subscribe registers fn for cache events and returns its unsubscribe
// function. Events are delivered through the notification scheduler, so
// a batch of state changes arrives as a burst after the batch ends.
func (c *Cache) Subscribe(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

// emit delivers through the scheduler so subscribers always run
// outside internal locks and batches coalesce.
func (c *Cache) emit(ev Event) {
	c.cfg.Scheduler.Schedule(func() { c.events.Emit(ev) })
}

// Build returns the query for opts.Key, creating it when absent. When
// the query already exists its options are merged with opts, so later
// callers can supply the fetch function for an entry seeded by a manual
// write.
func (c *Cache) Build(opts Options) *Query {
	hash := opts.hash()
	c.mu.Lock()
	q, ok := c.queries[hash]
	if ok {
		c.mu.Unlock()
		q.setOptions(opts)
		return q
	}
	q = newQuery(c, opts, nil)
	c.queries[hash] = q
	c.mu.Unlock()

	c.log().Trace("query %s added to cache", hash)
	c.emit(Event{Type: EventQueryAdded, Query: q})
	q.maybeScheduleGC()
	return q
}

// Get returns the query with the given canonical hash, or nil.
func (c *Cache) Get(hash string) *Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queries[hash]
}

// GetByKey returns the query for the exact key, or nil.
func (c *Cache) GetByKey(key querykey.Key) *Query {
	return c.Get(querykey.HashKey(key))
}

// GetAll returns every cached query in unspecified order.
func (c *Cache) GetAll() []*Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make([]*Query, 0, len(c.queries))
	for _, q := range c.queries {
		all = append(all, q)
	}
	return all
}

// Find returns the first query matching the filters, or nil. With
// several matches the choice is unspecified; narrow with Exact when a
// single entry is meant.
func (c *Cache) Find(filters *Filters) *Query {
	for _, q := range c.GetAll() {
		if filters.matches(q) {
			return q
		}
	}
	return nil
}

// FindAll returns every query matching the filters.
func (c *Cache) FindAll(filters *Filters) []*Query {
	var out []*Query
	for _, q := range c.GetAll() {
		if filters.matches(q) {
			out = append(out, q)
		}
	}
	return out
}

// Count returns the number of cached queries.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queries)
}

// Remove drops the query from the cache, cancelling any fetch.
func (c *Cache) Remove(q *Query) {
	c.removeWithAction(q, "remove")
}

func (c *Cache) removeWithAction(q *Query, action string) {
	c.mu.Lock()
	cur, ok := c.queries[q.hash]
	if !ok || cur != q {
		c.mu.Unlock()
		return
	}
	delete(c.queries, q.hash)
	c.mu.Unlock()

	q.destroy()
	c.emit(Event{Type: EventQueryRemoved, Query: q, Action: action})
}

// collect is the gc timer target: re-check eligibility and evict.
func (c *Cache) collect(q *Query) {
	c.mu.Lock()
	if c.queries[q.hash] != q {
		c.mu.Unlock()
		return
	}
	q.mu.Lock()
	eligible := len(q.observers) == 0 && q.run == nil
	q.mu.Unlock()
	if !eligible {
		c.mu.Unlock()
		return
	}
	delete(c.queries, q.hash)
	c.mu.Unlock()

	q.destroy()
	c.stats.evictions.Add(1)
	c.log().Trace("query %s collected", q.hash)
	c.emit(Event{Type: EventQueryRemoved, Query: q, Action: "collect"})
}

// Clear removes every query.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := make([]*Query, 0, len(c.queries))
	for _, q := range c.queries {
		all = append(all, q)
	}
	c.queries = make(map[string]*Query)
	c.mu.Unlock()

	c.cfg.Scheduler.Batch(func() {
		for _, q := range all {
			q.destroy()
			c.emit(Event{Type: EventQueryRemoved, Query: q, Action: "clear"})
		}
	})
}

// OnFocus lets interested observers refetch and resumes paused fetches.
func (c *Cache) OnFocus() {
	c.cfg.Scheduler.Batch(func() {
		for _, q := range c.GetAll() {
			q.onFocus()
		}
	})
}

// OnOnline lets interested observers refetch and resumes fetches paused
// for connectivity.
func (c *Cache) OnOnline() {
	c.cfg.Scheduler.Batch(func() {
		for _, q := range c.GetAll() {
			q.onOnline()
		}
	})
}

// Stats exposes the cache's running counters.
func (c *Cache) Stats() *Stats { return &c.stats }

// Stats tracks cache effectiveness. Counters only ever increase; read
// them individually or grab a Snapshot.
type Stats struct {
	hits          atomic.Int64
	misses        atomic.Int64
	fetches       atomic.Int64
	errors        atomic.Int64
	invalidations atomic.Int64
	evictions     atomic.Int64
}

func (s *Stats) Hits() int64          { return s.hits.Load() }
func (s *Stats) Misses() int64        { return s.misses.Load() }
func (s *Stats) Fetches() int64       { return s.fetches.Load() }
func (s *Stats) Errors() int64        { return s.errors.Load() }
func (s *Stats) Invalidations() int64 { return s.invalidations.Load() }
func (s *Stats) Evictions() int64     { return s.evictions.Load() }

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s *Stats) HitRate() float64 {
	hits := float64(s.hits.Load())
	total := hits + float64(s.misses.Load())
	if total == 0 {
		return 0
	}
	return hits / total
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Hits          int64
	Misses        int64
	Fetches       int64
	Errors        int64
	Invalidations int64
	Evictions     int64
	HitRate       float64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Fetches:       s.fetches.Load(),
		Errors:        s.errors.Load(),
		Invalidations: s.invalidations.Load(),
		Evictions:     s.evictions.Load(),
		HitRate:       s.HitRate(),
	}
}
