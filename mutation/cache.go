package mutation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/go-query/internal/clock"
	"github.com/agentuity/go-query/internal/notify"
	"github.com/agentuity/go-query/querykey"
)

// EventType classifies mutation cache events.
type EventType int

const (
	EventAdded EventType = iota + 1
	EventRemoved
	EventUpdated
	EventObserverAdded
	EventObserverRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	case EventObserverAdded:
		return "observerAdded"
	case EventObserverRemoved:
		return "observerRemoved"
	default:
		return "unknown"
	}
}

// Event describes one mutation cache change for subscribers.
type Event struct {
	Type     EventType
	Mutation *Mutation
	// Action names the state transition for updated events: pending,
	// success, error, failed, pause, continue.
	Action   string
	Observer *Observer
}

// Config configures a mutation cache. The zero value works; a query
// client fills these in for the cache it owns.
type Config struct {
	Logger    logger.Logger
	Clock     clock.Clock
	Scheduler *notify.Scheduler
	// Online gates execution for online-mode mutations. Defaults to
	// always online.
	Online func() bool

	// OnMutate runs before any mutation's function; an error aborts it.
	OnMutate func(ctx context.Context, vars any, m *Mutation) error
	// OnSuccess runs after any mutation succeeds, before the
	// mutation's own callback.
	OnSuccess func(ctx context.Context, data any, vars any, mutateCtx any, m *Mutation)
	// OnError runs after any mutation fails, before the mutation's own
	// callback.
	OnError func(ctx context.Context, err error, vars any, mutateCtx any, m *Mutation)
	// OnSettled runs after either outcome.
	OnSettled func(ctx context.Context, data any, err error, vars any, mutateCtx any, m *Mutation)
}

// Cache tracks every built mutation in submission order.
type Cache struct {
	cfg    Config
	nextID atomic.Uint64

	mu        sync.RWMutex
	mutations []*Mutation

	events notify.Emitter[Event]
}

func NewCache(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewConsoleLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = &notify.Scheduler{}
	}
	c := &Cache{cfg: cfg}
	c.events.SetPanicHandler(func(r any) {
		c.log().Error("mutation cache event subscriber panic: %v", r)
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
// function.
func (c *Cache) Subscribe(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

func (c *Cache) emit(ev Event) {
	c.cfg.Scheduler.Schedule(func() { c.events.Emit(ev) })
}

// Build creates a new mutation entry. Mutations never deduplicate.
func (c *Cache) Build(opts Options) *Mutation {
	m := &Mutation{
		id:    c.nextID.Add(1),
		cache: c,
		opts:  opts,
	}
	c.mu.Lock()
	c.mutations = append(c.mutations, m)
	c.mu.Unlock()

	c.emit(Event{Type: EventAdded, Mutation: m})
	m.maybeScheduleGC()
	return m
}

// BuildHydrated restores a mutation snapshot from another process in
// the paused-pending state without executing it. ResumePaused starts
// it with the stored variables.
func (c *Cache) BuildHydrated(opts Options, vars any, submittedAt time.Time) *Mutation {
	m := &Mutation{
		id:    c.nextID.Add(1),
		cache: c,
		opts:  opts,
	}
	m.state = State{
		Vars:        vars,
		SubmittedAt: submittedAt,
		Status:      StatusPending,
		IsPaused:    true,
	}
	c.mu.Lock()
	c.mutations = append(c.mutations, m)
	c.mu.Unlock()

	c.emit(Event{Type: EventAdded, Mutation: m})
	return m
}

// Remove drops the mutation from the cache. A running execution keeps
// going; only tracking stops.
func (c *Cache) Remove(m *Mutation) {
	if !c.removeEntry(m) {
		return
	}
	m.destroy()
	c.emit(Event{Type: EventRemoved, Mutation: m})
}

func (c *Cache) removeEntry(m *Mutation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.mutations {
		if cur == m {
			c.mutations = append(c.mutations[:i], c.mutations[i+1:]...)
			return true
		}
	}
	return false
}

// collect is the gc timer target: re-check eligibility and evict.
func (c *Cache) collect(m *Mutation) {
	m.mu.Lock()
	eligible := len(m.observers) == 0 && m.state.Status != StatusPending
	m.mu.Unlock()
	if !eligible {
		return
	}
	if !c.removeEntry(m) {
		return
	}
	m.destroy()
	c.log().Trace("mutation %d collected", m.id)
	c.emit(Event{Type: EventRemoved, Mutation: m, Action: "collect"})
}

// Clear removes every mutation.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := c.mutations
	c.mutations = nil
	c.mu.Unlock()

	c.cfg.Scheduler.Batch(func() {
		for _, m := range all {
			m.destroy()
			c.emit(Event{Type: EventRemoved, Mutation: m, Action: "clear"})
		}
	})
}

// GetAll returns every tracked mutation in submission order.
func (c *Cache) GetAll() []*Mutation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make([]*Mutation, len(c.mutations))
	copy(all, c.mutations)
	return all
}

// Count returns the number of tracked mutations.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mutations)
}

// Filters narrow which mutations a verb applies to. The zero value
// matches every mutation; set fields combine with AND.
type Filters struct {
	// Key matches by mutation key prefix, or exactly when Exact is set.
	Key   querykey.Key
	Exact bool
	// Status, when set, filters by lifecycle status.
	Status *Status
	// Predicate, when set, must accept the mutation. It runs last.
	Predicate func(*Mutation) bool
}

func (f *Filters) matches(m *Mutation) bool {
	if f == nil {
		return true
	}
	if f.Key != nil {
		mk := m.Key()
		if f.Exact {
			if querykey.HashKey(f.Key) != querykey.HashKey(mk) {
				return false
			}
		} else if !querykey.Matches(mk, f.Key) {
			return false
		}
	}
	if f.Status != nil && m.State().Status != *f.Status {
		return false
	}
	if f.Predicate != nil && !f.Predicate(m) {
		return false
	}
	return true
}

// Find returns the first mutation matching the filters, or nil.
func (c *Cache) Find(filters *Filters) *Mutation {
	for _, m := range c.GetAll() {
		if filters.matches(m) {
			return m
		}
	}
	return nil
}

// FindAll returns every mutation matching the filters, in submission
// order.
func (c *Cache) FindAll(filters *Filters) []*Mutation {
	var out []*Mutation
	for _, m := range c.GetAll() {
		if filters.matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// ResumePaused releases every connectivity-paused mutation in
// submission order. Paused executions proceed on the goroutines blocked
// in Execute; hydrated mutations that never ran start on fresh
// goroutines.
func (c *Cache) ResumePaused() {
	for _, m := range c.GetAll() {
		if m.IsPaused() {
			m.resume()
		}
	}
}
