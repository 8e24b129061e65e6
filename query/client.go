package query

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/agentuity/go-query/internal/clock"
	"github.com/agentuity/go-query/internal/notify"
	"github.com/agentuity/go-query/metrics"
	"github.com/agentuity/go-query/mutation"
	"github.com/agentuity/go-query/querykey"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client and both caches.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClock injects the clock used for staleness, gc, and retry
// backoff. Tests pass a mock.
func WithClock(ck clock.Clock) Option {
	return func(c *Client) { c.clk = ck }
}

// WithDefaultOptions sets client-wide query defaults, the lowest layer
// under key-prefix defaults and per-call options.
func WithDefaultOptions(opts Options) Option {
	return func(c *Client) { c.defaults = opts }
}

// WithDefaultMutationOptions sets client-wide mutation defaults.
func WithDefaultMutationOptions(opts mutation.Options) Option {
	return func(c *Client) { c.mutationDefaults = opts }
}

// WithRequestDeduplication toggles FetchQuery call collapsing. On by
// default; off makes every FetchQuery cancel an in-flight fetch and
// start fresh.
func WithRequestDeduplication(enabled bool) Option {
	return func(c *Client) { c.dedup = enabled }
}

// WithFocusManager replaces the focus manager, usually to share one
// across clients or drive it from a test.
func WithFocusManager(m *FocusManager) Option {
	return func(c *Client) { c.focus = m }
}

// WithOnlineManager replaces the online manager.
func WithOnlineManager(m *OnlineManager) Option {
	return func(c *Client) { c.online = m }
}

// WithQueryConfig carries the query cache callbacks. Infrastructure
// fields (logger, clock, scheduler, online) are overridden by the
// client's own.
func WithQueryConfig(cfg CacheConfig) Option {
	return func(c *Client) { c.queryCfg = cfg }
}

// WithMutationConfig carries the mutation cache callbacks; see
// WithQueryConfig.
func WithMutationConfig(cfg mutation.Config) Option {
	return func(c *Client) { c.mutationCfg = cfg }
}

// WithMetrics starts a background reporter exporting cache stats every
// interval until Close.
func WithMetrics(exp metrics.Exporter, interval time.Duration) Option {
	return func(c *Client) {
		c.metricsExporter = exp
		c.metricsInterval = interval
	}
}

// Client is the orchestrating facade: it owns the query cache, the
// mutation cache, default options, connectivity managers, and request
// deduplication. All methods are safe for concurrent use.
type Client struct {
	log   logger.Logger
	clk   clock.Clock
	sched *notify.Scheduler

	cache     *Cache
	mutations *mutation.Cache
	focus     *FocusManager
	online    *OnlineManager

	defaults         Options
	mutationDefaults mutation.Options
	queryCfg         CacheConfig
	mutationCfg      mutation.Config
	dedup            bool
	group            singleflight.Group

	metricsExporter metrics.Exporter
	metricsInterval time.Duration
	reporter        *metrics.Reporter

	mu                sync.Mutex
	queryKeyed        []keyedQueryDefaults
	mutationKeyed     []keyedMutationDefaults
	mountCount        int
	unsubscribeFocus  func()
	unsubscribeOnline func()
}

type keyedQueryDefaults struct {
	prefix querykey.Key
	hash   string
	opts   Options
}

type keyedMutationDefaults struct {
	prefix querykey.Key
	hash   string
	opts   mutation.Options
}

// New creates a Client ready for use. Call Mount to wire focus and
// online transitions, and Close when done.
func New(opts ...Option) *Client {
	c := &Client{
		sched: &notify.Scheduler{},
		dedup: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewConsoleLogger()
	}
	if c.clk == nil {
		c.clk = clock.System()
	}
	if c.focus == nil {
		c.focus = NewFocusManager()
	}
	if c.online == nil {
		c.online = NewOnlineManager()
	}

	qcfg := c.queryCfg
	qcfg.Logger = c.log
	qcfg.Clock = c.clk
	qcfg.Scheduler = c.sched
	qcfg.Online = c.online.IsOnline
	c.cache = NewCache(qcfg)

	mcfg := c.mutationCfg
	mcfg.Logger = c.log
	mcfg.Clock = c.clk
	mcfg.Scheduler = c.sched
	mcfg.Online = c.online.IsOnline
	c.mutations = mutation.NewCache(mcfg)

	if c.metricsExporter != nil {
		c.reporter = metrics.NewReporter(metrics.ReporterConfig{
			Exporter: c.metricsExporter,
			Interval: c.metricsInterval,
			Clock:    c.clk,
			Logger:   c.log,
			Source:   c.metricsSnapshot,
		})
		c.reporter.Start()
	}
	return c
}

func (c *Client) metricsSnapshot() metrics.Stats {
	snap := c.cache.stats.Snapshot()
	return metrics.Stats{
		Hits:          snap.Hits,
		Misses:        snap.Misses,
		Fetches:       snap.Fetches,
		Errors:        snap.Errors,
		Invalidations: snap.Invalidations,
		Evictions:     snap.Evictions,
		HitRate:       snap.HitRate,
		Queries:       c.cache.Count(),
		Mutations:     c.mutations.Count(),
	}
}

// Cache returns the query cache.
func (c *Client) Cache() *Cache { return c.cache }

// MutationCache returns the mutation cache.
func (c *Client) MutationCache() *mutation.Cache { return c.mutations }

// Focus returns the focus manager.
func (c *Client) Focus() *FocusManager { return c.focus }

// Online returns the online manager.
func (c *Client) Online() *OnlineManager { return c.online }

// Logger returns the client's logger.
func (c *Client) Logger() logger.Logger { return c.log }

// Stats returns the query cache's running counters.
func (c *Client) Stats() *Stats { return c.cache.Stats() }

// defaultQueryOptions layers client defaults, then matching key-prefix
// defaults in registration order, then the call's own options.
func (c *Client) defaultQueryOptions(opts Options) Options {
	merged := c.defaults
	c.mu.Lock()
	for _, reg := range c.queryKeyed {
		if querykey.Matches(opts.Key, reg.prefix) {
			merged = mergeOptions(merged, reg.opts)
		}
	}
	c.mu.Unlock()
	return mergeOptions(merged, opts)
}

func (c *Client) defaultMutationOptions(opts mutation.Options) mutation.Options {
	merged := c.mutationDefaults
	c.mu.Lock()
	for _, reg := range c.mutationKeyed {
		if querykey.Matches(opts.Key, reg.prefix) {
			merged = mutation.Merge(merged, reg.opts)
		}
	}
	c.mu.Unlock()
	return mutation.Merge(merged, opts)
}

// SetQueryDefaults registers default options for every query whose key
// starts with prefix. Registering the same prefix again replaces the
// earlier entry; distinct prefixes apply in registration order.
func (c *Client) SetQueryDefaults(prefix querykey.Key, opts Options) {
	hash := querykey.HashKey(prefix)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.queryKeyed {
		if reg.hash == hash {
			c.queryKeyed[i].opts = opts
			return
		}
	}
	c.queryKeyed = append(c.queryKeyed, keyedQueryDefaults{prefix: querykey.Clone(prefix), hash: hash, opts: opts})
}

// GetQueryDefaults folds the registered defaults matching key.
func (c *Client) GetQueryDefaults(key querykey.Key) Options {
	var merged Options
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.queryKeyed {
		if querykey.Matches(key, reg.prefix) {
			merged = mergeOptions(merged, reg.opts)
		}
	}
	return merged
}

// SetMutationDefaults mirrors SetQueryDefaults for mutations.
func (c *Client) SetMutationDefaults(prefix querykey.Key, opts mutation.Options) {
	hash := querykey.HashKey(prefix)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.mutationKeyed {
		if reg.hash == hash {
			c.mutationKeyed[i].opts = opts
			return
		}
	}
	c.mutationKeyed = append(c.mutationKeyed, keyedMutationDefaults{prefix: querykey.Clone(prefix), hash: hash, opts: opts})
}

// GetMutationDefaults folds the registered mutation defaults matching
// key.
func (c *Client) GetMutationDefaults(key querykey.Key) mutation.Options {
	var merged mutation.Options
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.mutationKeyed {
		if querykey.Matches(key, reg.prefix) {
			merged = mutation.Merge(merged, reg.opts)
		}
	}
	return merged
}

// FetchQueryOptions are Options for an imperative fetch. StaleTime
// decides whether cached data is fresh enough to return without
// fetching.
type FetchQueryOptions struct {
	Options
}

// FetchQuery returns the data for the key, fetching when the cache has
// nothing fresh enough. Concurrent calls for the same key collapse into
// one fetch unless deduplication is off. ctx bounds this caller's wait,
// not the shared fetch.
func (c *Client) FetchQuery(ctx context.Context, fqo FetchQueryOptions) (any, error) {
	opts := c.defaultQueryOptions(fqo.Options)
	if !c.dedup {
		q := c.cache.Build(opts)
		if fresh, data := c.freshData(q, opts); fresh {
			return data, nil
		}
		handle := q.Fetch(&FetchOptions{CancelRefetch: true})
		return handle.Wait(ctx)
	}

	ch := c.group.DoChan(opts.hash(), func() (any, error) {
		q := c.cache.Build(opts)
		if fresh, data := c.freshData(q, opts); fresh {
			return data, nil
		}
		handle := q.Fetch(nil)
		return handle.Wait(context.Background())
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// freshData reports a cache hit and its data, updating stats.
func (c *Client) freshData(q *Query, opts Options) (bool, any) {
	if !q.IsStaleByTime(opts.staleTime()) {
		c.cache.stats.hits.Add(1)
		return true, q.State().Data
	}
	c.cache.stats.misses.Add(1)
	return false, nil
}

// FetchQueryAs is FetchQuery with a typed result. A cached value of a
// different type is an error, not a refetch.
func FetchQueryAs[T any](ctx context.Context, c *Client, fqo FetchQueryOptions) (T, error) {
	var zero T
	v, err := c.FetchQuery(ctx, fqo)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Newf("query: data for %s is %T, not %T", querykey.HashKey(fqo.Key), v, zero)
	}
	return t, nil
}

// PrefetchQuery warms the cache and swallows the outcome.
func (c *Client) PrefetchQuery(ctx context.Context, fqo FetchQueryOptions) {
	if _, err := c.FetchQuery(ctx, fqo); err != nil {
		c.log.Trace("prefetch %s failed: %s", querykey.HashKey(fqo.Key), err)
	}
}

// EnsureQueryData returns cached data of any age, fetching only when
// the cache has none at all.
func (c *Client) EnsureQueryData(ctx context.Context, fqo FetchQueryOptions) (any, error) {
	opts := c.defaultQueryOptions(fqo.Options)
	if q := c.cache.Get(opts.hash()); q != nil {
		if st := q.State(); st.hasData() {
			c.cache.stats.hits.Add(1)
			return st.Data, nil
		}
	}
	return c.FetchQuery(ctx, fqo)
}

// GetQueryData returns the cached data for the exact key.
func (c *Client) GetQueryData(key querykey.Key) (any, bool) {
	if q := c.cache.GetByKey(key); q != nil {
		if st := q.State(); st.hasData() {
			c.cache.stats.hits.Add(1)
			return st.Data, true
		}
	}
	c.cache.stats.misses.Add(1)
	return nil, false
}

// KeyValue pairs a key with its cached data for bulk reads and writes.
type KeyValue struct {
	Key  querykey.Key
	Data any
}

// GetQueriesData returns the data of every matching query that has
// some.
func (c *Client) GetQueriesData(filters *Filters) []KeyValue {
	var out []KeyValue
	for _, q := range c.cache.FindAll(filters) {
		if st := q.State(); st.hasData() {
			out = append(out, KeyValue{Key: q.Key(), Data: st.Data})
		}
	}
	return out
}

// GetQueryState returns the state for the exact key.
func (c *Client) GetQueryState(key querykey.Key) (State, bool) {
	if q := c.cache.GetByKey(key); q != nil {
		return q.State(), true
	}
	return State{}, false
}

// SetQueryData writes value for the key without fetching, creating the
// query if needed. Observers see it as a successful update.
func (c *Client) SetQueryData(key querykey.Key, value any) any {
	data, _ := c.SetQueryDataFn(key, func(any) any { return value })
	return data
}

// SetQueryDataFn applies fn to the cached data for key. fn receives the
// current data (nil if none); returning nil bails out without writing.
func (c *Client) SetQueryDataFn(key querykey.Key, fn func(old any) any) (any, bool) {
	opts := c.defaultQueryOptions(Options{Key: key})
	q := c.cache.Build(opts)
	return q.SetData(fn, nil)
}

// SetQueriesData applies fn to every matching query that has data and
// returns the written values.
func (c *Client) SetQueriesData(filters *Filters, fn func(old any) any) []KeyValue {
	var out []KeyValue
	c.sched.Batch(func() {
		for _, q := range c.cache.FindAll(filters) {
			if !q.State().hasData() {
				continue
			}
			if data, ok := q.SetData(fn, nil); ok {
				out = append(out, KeyValue{Key: q.Key(), Data: data})
			}
		}
	})
	return out
}

// RefetchType selects which invalidated queries refetch immediately.
type RefetchType int

const (
	// RefetchActive refetches queries with enabled observers. Default.
	RefetchActive RefetchType = iota
	// RefetchInactive refetches only unobserved queries.
	RefetchInactive
	// RefetchAll refetches everything invalidated.
	RefetchAll
	// RefetchNone marks stale without refetching.
	RefetchNone
)

// InvalidateOptions tune InvalidateQueries.
type InvalidateOptions struct {
	RefetchType RefetchType
}

// InvalidateQueries marks every matching query stale and refetches the
// subset RefetchType selects, waiting for those fetches to settle or
// ctx to end.
func (c *Client) InvalidateQueries(ctx context.Context, filters *Filters, opts *InvalidateOptions) error {
	c.sched.Batch(func() {
		for _, q := range c.cache.FindAll(filters) {
			q.Invalidate()
		}
	})

	refetchType := RefetchActive
	if opts != nil {
		refetchType = opts.RefetchType
	}
	if refetchType == RefetchNone {
		return nil
	}
	return c.refetch(ctx, filters, refetchType)
}

// RefetchQueries refetches every matching query and waits for
// settlement or ctx.
func (c *Client) RefetchQueries(ctx context.Context, filters *Filters) error {
	return c.refetch(ctx, filters, RefetchAll)
}

func (c *Client) refetch(ctx context.Context, filters *Filters, rt RefetchType) error {
	var handles []*FetchHandle
	for _, q := range c.cache.FindAll(filters) {
		switch rt {
		case RefetchActive:
			if !q.IsActive() {
				continue
			}
		case RefetchInactive:
			if q.IsActive() {
				continue
			}
		}
		if q.IsDisabled() {
			continue
		}
		handles = append(handles, q.Fetch(&FetchOptions{CancelRefetch: true}))
	}

	var result error
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			result = errors.CombineErrors(result, err)
		}
	}
	return result
}

// CancelQueries cancels in-flight fetches of every matching query.
func (c *Client) CancelQueries(filters *Filters, co CancelOptions) {
	c.sched.Batch(func() {
		for _, q := range c.cache.FindAll(filters) {
			q.Cancel(co)
		}
	})
}

// RemoveQueries drops every matching query from the cache.
func (c *Client) RemoveQueries(filters *Filters) {
	c.sched.Batch(func() {
		for _, q := range c.cache.FindAll(filters) {
			c.cache.Remove(q)
		}
	})
}

// ResetQueries restores every matching query to its initial state, then
// refetches the ones with enabled observers.
func (c *Client) ResetQueries(ctx context.Context, filters *Filters) error {
	c.sched.Batch(func() {
		for _, q := range c.cache.FindAll(filters) {
			q.Reset()
		}
	})
	return c.refetch(ctx, filters, RefetchActive)
}

// IsFetching counts matching queries with an executing fetch.
func (c *Client) IsFetching(filters *Filters) int {
	n := 0
	for _, q := range c.cache.FindAll(filters) {
		if q.State().FetchStatus == Fetching {
			n++
		}
	}
	return n
}

// IsMutating counts pending mutations matching the filters.
func (c *Client) IsMutating(filters *mutation.Filters) int {
	n := 0
	for _, m := range c.mutations.FindAll(filters) {
		if m.State().Status == mutation.StatusPending {
			n++
		}
	}
	return n
}

// Mutate builds a mutation under the client's defaults and executes it.
func (c *Client) Mutate(ctx context.Context, opts mutation.Options, vars any) (any, error) {
	m := c.mutations.Build(c.defaultMutationOptions(opts))
	return m.Execute(ctx, vars)
}

// MutationObserver creates a mutation observer under the client's
// defaults.
func (c *Client) MutationObserver(opts mutation.Options) *mutation.Observer {
	return mutation.NewObserver(c.mutations, c.defaultMutationOptions(opts))
}

// ResumePausedMutations releases every connectivity-paused mutation.
func (c *Client) ResumePausedMutations() {
	c.mutations.ResumePaused()
}

// Mount wires the client to its focus and online managers. Calls nest;
// the subscriptions live until the matching Unmounts.
func (c *Client) Mount() {
	c.mu.Lock()
	c.mountCount++
	first := c.mountCount == 1
	c.mu.Unlock()
	if !first {
		return
	}
	unsubFocus := c.focus.Subscribe(func(focused bool) {
		if focused {
			c.cache.OnFocus()
		}
	})
	unsubOnline := c.online.Subscribe(func(online bool) {
		if online {
			c.mutations.ResumePaused()
			c.cache.OnOnline()
		}
	})
	c.mu.Lock()
	c.unsubscribeFocus = unsubFocus
	c.unsubscribeOnline = unsubOnline
	c.mu.Unlock()
}

// Unmount undoes one Mount.
func (c *Client) Unmount() {
	c.mu.Lock()
	if c.mountCount > 0 {
		c.mountCount--
	}
	last := c.mountCount == 0
	unsubFocus := c.unsubscribeFocus
	unsubOnline := c.unsubscribeOnline
	if last {
		c.unsubscribeFocus = nil
		c.unsubscribeOnline = nil
	}
	c.mu.Unlock()
	if !last {
		return
	}
	if unsubFocus != nil {
		unsubFocus()
	}
	if unsubOnline != nil {
		unsubOnline()
	}
}

// Clear empties both caches.
func (c *Client) Clear() {
	c.cache.Clear()
	c.mutations.Clear()
}

// Close releases everything: the metrics reporter, manager event
// sources, and both caches. The client must not be used afterwards.
func (c *Client) Close() {
	if c.reporter != nil {
		c.reporter.Stop()
	}
	c.mu.Lock()
	c.mountCount = 0
	unsubFocus := c.unsubscribeFocus
	unsubOnline := c.unsubscribeOnline
	c.unsubscribeFocus = nil
	c.unsubscribeOnline = nil
	c.mu.Unlock()
	if unsubFocus != nil {
		unsubFocus()
	}
	if unsubOnline != nil {
		unsubOnline()
	}
	c.focus.Stop()
	c.online.Stop()
	c.Clear()
}
