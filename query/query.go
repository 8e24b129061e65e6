package query

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/go-query/internal/clock"
	"github.com/agentuity/go-query/internal/retryer"
	"github.com/agentuity/go-query/querykey"
)

// ErrMissingQueryFunc is returned when a fetch is triggered on a query
// that has no QueryFunc, such as one created purely by a manual data
// write.
var ErrMissingQueryFunc = errors.New("query: no query function configured")

// Query is one cache entry: the state for a single key plus the fetch
// machinery that keeps it current. Queries are created through
// Cache.Build and shared by every observer of the same key. All methods
// are safe for concurrent use.
type Query struct {
	key   querykey.Key
	hash  string
	cache *Cache

	mu        sync.Mutex
	opts      Options
	state     State
	initial   State
	observers []*Observer
	run       *FetchHandle
	gcTimer   clock.Timer
}

func newQuery(c *Cache, opts Options, seeded *State) *Query {
	q := &Query{
		key:   querykey.Clone(opts.Key),
		hash:  opts.hash(),
		cache: c,
		opts:  opts,
	}
	if seeded != nil {
		q.state = *seeded
	} else {
		q.state = newInitialState(opts, c.cfg.Clock)
	}
	q.initial = newInitialState(opts, c.cfg.Clock)
	return q
}

func newInitialState(opts Options, ck clock.Clock) State {
	if data, ok := opts.seedData(); ok {
		at := opts.InitialDataUpdatedAt
		if at.IsZero() {
			at = ck.Now()
		}
		return State{
			Data:          data,
			DataUpdatedAt: at,
			Status:        StatusSuccess,
			FetchStatus:   FetchIdle,
		}
	}
	return State{Status: StatusIdle, FetchStatus: FetchIdle}
}

// Key returns the query's key. Callers must not mutate it.
func (q *Query) Key() querykey.Key { return q.key }

// Hash returns the canonical hash the cache indexes this query by.
func (q *Query) Hash() string { return q.hash }

// State returns a snapshot of the current state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Options returns the query's current merged options.
func (q *Query) Options() Options {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts
}

// Meta returns the metadata attached to the query's options.
func (q *Query) Meta() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts.Meta
}

// ObserverCount returns the number of attached observers.
func (q *Query) ObserverCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

// IsActive reports whether any attached observer is enabled.
func (q *Query) IsActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range q.observers {
		if o.optionsSnapshot().enabled() {
			return true
		}
	}
	return false
}

// IsDisabled reports whether the query has observers but none enabled.
func (q *Query) IsDisabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers) > 0 && !q.isActiveLocked()
}

func (q *Query) isActiveLocked() bool {
	for _, o := range q.observers {
		if o.optionsSnapshot().enabled() {
			return true
		}
	}
	return false
}

// IsFetching reports whether a fetch is executing or paused.
func (q *Query) IsFetching() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.run != nil
}

// IsStale reports whether the data should be refreshed: it is
// invalidated, absent, or older than the staleness window of the query
// or any of its observers.
func (q *Query) IsStale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.IsInvalidated || !q.state.hasData() {
		return true
	}
	if len(q.observers) == 0 {
		return q.isStaleByTimeLocked(q.opts.staleTime())
	}
	for _, o := range q.observers {
		if o.resultIsStale() {
			return true
		}
	}
	return false
}

// IsStaleByTime reports whether the data is invalidated, absent, or
// older than the given staleness window.
func (q *Query) IsStaleByTime(staleTime time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isStaleByTimeLocked(staleTime)
}

func (q *Query) isStaleByTimeLocked(staleTime time.Duration) bool {
	if q.state.IsInvalidated {
		return true
	}
	if !q.state.hasData() {
		return true
	}
	if staleTime == StaleTimeStatic {
		return false
	}
	return q.cache.cfg.Clock.Since(q.state.DataUpdatedAt) >= staleTime
}

// setOptions folds opts into the query's options. Unset fields keep
// their current values, so a key-only rebuild (a manual data write, a
// filter verb) never discards the fetch function an observer supplied.
// Data-affecting fields take effect on the next fetch.
func (q *Query) setOptions(opts Options) {
	q.mu.Lock()
	q.opts = mergeOptions(q.opts, opts)
	q.mu.Unlock()
}

// FetchOptions tune a single Fetch call.
type FetchOptions struct {
	// CancelRefetch cancels an in-flight fetch and starts fresh instead
	// of joining it.
	CancelRefetch bool

	fromObserver bool
}

// CancelOptions control what a cancellation does to query state.
type CancelOptions struct {
	// Revert restores the state captured when the fetch was dispatched.
	Revert bool
	// Silent clears fetch activity without recording anything.
	Silent bool
}

// FetchHandle tracks one dispatched fetch. Handles are shared: every
// caller that joined the same fetch holds the same handle.
type FetchHandle struct {
	q            *Query
	ctx          context.Context
	cancel       context.CancelFunc
	rt           *retryer.Retryer
	done         chan struct{}
	fromObserver bool
	revert       State

	mu         sync.Mutex
	cancelOpts *CancelOptions
	data       any
	err        error
}

// Done is closed when the fetch settles.
func (f *FetchHandle) Done() <-chan struct{} { return f.done }

// Wait blocks until the fetch settles or ctx ends. Abandoning the wait
// does not cancel the underlying fetch; other callers may still be
// joined to it.
func (f *FetchHandle) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FetchHandle) setCancelOptions(co *CancelOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelOpts == nil {
		f.cancelOpts = co
	}
}

func (f *FetchHandle) cancelOptions() CancelOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelOpts == nil {
		return CancelOptions{Revert: true}
	}
	return *f.cancelOpts
}

func (f *FetchHandle) settleNow(data any, err error) {
	f.mu.Lock()
	f.data, f.err = data, err
	f.mu.Unlock()
	close(f.done)
}

// Fetch dispatches a fetch, or joins the in-flight one unless
// CancelRefetch is set. The returned handle settles when the attempt
// loop does.
func (q *Query) Fetch(fo *FetchOptions) *FetchHandle {
	if fo == nil {
		fo = &FetchOptions{}
	}
	q.mu.Lock()

	if q.run != nil {
		if !fo.CancelRefetch {
			run := q.run
			q.mu.Unlock()
			return run
		}
		q.cancelLocked(&CancelOptions{Silent: true})
		q.run = nil
	}

	if q.opts.QueryFunc == nil {
		err := ErrMissingQueryFunc
		q.state = q.state.onError(err, q.cache.cfg.Clock.Now())
		obs := q.observersLocked()
		q.mu.Unlock()

		f := &FetchHandle{q: q, done: make(chan struct{})}
		f.settleNow(nil, err)
		q.broadcast(obs, "error")
		return f
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &FetchHandle{
		q:            q,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		fromObserver: fo.fromObserver,
		revert:       q.state,
	}

	queryFunc := q.opts.QueryFunc
	qfc := QueryFuncContext{Key: q.key, Meta: q.opts.Meta}
	cfg := retryer.Config{
		Fn: func(ctx context.Context) (any, error) {
			q.cache.stats.fetches.Add(1)
			return queryFunc(ctx, qfc)
		},
		ShouldRetry: q.opts.retry(),
		Delay:       q.opts.retryDelay(),
		Clock:       q.cache.cfg.Clock,
		OnFail:      func(count int, err error) { q.onFetchFailed(f, count, err) },
		OnPause:     func() { q.onFetchPaused(f) },
		OnContinue:  func() { q.onFetchContinued(f) },
	}
	switch q.opts.networkMode() {
	case NetworkModeAlways:
		// No gate.
	case NetworkModeOfflineFirst:
		cfg.CanRun = func() bool {
			return f.rt.FailureCount() == 0 || q.cache.online()
		}
	default:
		cfg.CanRun = q.cache.online
	}
	f.rt = retryer.New(cfg)

	q.run = f
	q.stopGCLocked()
	fetchStatus := Fetching
	if cfg.CanRun != nil && !cfg.CanRun() {
		fetchStatus = FetchPaused
	}
	q.state = q.state.onFetch(fetchStatus)
	obs := q.observersLocked()
	q.mu.Unlock()

	q.cache.log().Trace("fetch dispatched for query %s", q.hash)
	q.broadcast(obs, "fetch")
	go func() {
		value, err := f.rt.Run(f.ctx)
		q.settle(f, value, err)
	}()
	return f
}

func (q *Query) settle(f *FetchHandle, data any, err error) {
	q.mu.Lock()
	current := q.run == f
	if current {
		q.run = nil
	}

	var (
		action    string
		succeeded bool
		failed    bool
	)
	switch {
	case err == nil:
		if current {
			if q.opts.structuralSharing() {
				data = ReplaceEqualDeep(q.state.Data, data)
			}
			q.state = q.state.onSuccess(data, q.cache.cfg.Clock.Now(), false)
			succeeded = true
		}
		action = "success"
	case retryer.IsCancelled(err):
		if current {
			co := f.cancelOptions()
			switch {
			case co.Silent:
				q.state = q.state.onFetchStop()
			case co.Revert:
				q.state = f.revert
			default:
				q.state = q.state.onError(err, q.cache.cfg.Clock.Now())
				failed = true
			}
		}
		action = "cancel"
	default:
		if current {
			q.state = q.state.onError(err, q.cache.cfg.Clock.Now())
			failed = true
			q.cache.stats.errors.Add(1)
		}
		action = "error"
	}
	obs := q.observersLocked()
	q.mu.Unlock()

	f.settleNow(data, err)
	if !current {
		return
	}

	if failed {
		q.cache.log().Debug("query %s failed: %s", q.hash, err)
	}
	q.broadcast(obs, action)

	cfg := q.cache.cfg
	if succeeded && cfg.OnSuccess != nil {
		cfg.OnSuccess(data, q)
	}
	if failed && cfg.OnError != nil {
		cfg.OnError(err, q)
	}
	if (succeeded || failed) && cfg.OnSettled != nil {
		cfg.OnSettled(data, err, q)
	}
	q.maybeScheduleGC()
}

func (q *Query) onFetchFailed(f *FetchHandle, count int, err error) {
	q.mu.Lock()
	if q.run != f {
		q.mu.Unlock()
		return
	}
	q.state = q.state.onFailed(count, err)
	obs := q.observersLocked()
	q.mu.Unlock()
	q.broadcast(obs, "failed")
}

func (q *Query) onFetchPaused(f *FetchHandle) {
	q.mu.Lock()
	if q.run != f || q.state.FetchStatus == FetchPaused {
		q.mu.Unlock()
		return
	}
	q.state = q.state.onPause()
	obs := q.observersLocked()
	q.mu.Unlock()
	q.broadcast(obs, "pause")
}

func (q *Query) onFetchContinued(f *FetchHandle) {
	q.mu.Lock()
	if q.run != f || q.state.FetchStatus == Fetching {
		q.mu.Unlock()
		return
	}
	q.state = q.state.onContinue()
	obs := q.observersLocked()
	q.mu.Unlock()
	q.broadcast(obs, "continue")
}

// Cancel aborts the in-flight fetch, if any. It does not wait for the
// fetch goroutine to observe the cancellation; use the handle from
// Fetch to wait. Cancellation is advisory: a QueryFunc that ignores its
// context delays settlement but cannot corrupt state.
func (q *Query) Cancel(co CancelOptions) {
	q.mu.Lock()
	q.cancelLocked(&co)
	q.mu.Unlock()
}

func (q *Query) cancelLocked(co *CancelOptions) {
	if q.run == nil {
		return
	}
	q.run.setCancelOptions(co)
	q.run.cancel()
}

// activeRun returns the in-flight fetch handle, if any.
func (q *Query) activeRun() *FetchHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.run
}

// resumeIfPaused releases a connectivity-paused fetch.
func (q *Query) resumeIfPaused() {
	q.mu.Lock()
	run := q.run
	q.mu.Unlock()
	if run != nil && run.rt != nil && run.rt.IsPaused() {
		run.rt.Resume()
	}
}

// onFocus gives each observer a chance to refetch, then resumes any
// paused fetch. A refetching observer joins the resumed run instead of
// racing it.
func (q *Query) onFocus() {
	q.mu.Lock()
	obs := q.observersLocked()
	q.mu.Unlock()
	for _, o := range obs {
		o.onFocus()
	}
	q.resumeIfPaused()
}

// onOnline mirrors onFocus for connectivity recovery.
func (q *Query) onOnline() {
	q.mu.Lock()
	obs := q.observersLocked()
	q.mu.Unlock()
	for _, o := range obs {
		o.onReconnect()
	}
	q.resumeIfPaused()
}

// SetDataOptions tune a manual data write.
type SetDataOptions struct {
	// UpdatedAt backdates the write for staleness purposes. Zero means
	// now.
	UpdatedAt time.Time
}

// SetData applies updater to the cached data and stores the result as a
// successful update without fetching. The updater receives the current
// data (nil if none); returning nil bails out without changing
// anything. The stored value is returned.
func (q *Query) SetData(updater func(old any) any, opts *SetDataOptions) (any, bool) {
	q.mu.Lock()
	next := updater(q.state.Data)
	if next == nil {
		q.mu.Unlock()
		return nil, false
	}
	if q.opts.structuralSharing() {
		next = ReplaceEqualDeep(q.state.Data, next)
	}
	at := q.cache.cfg.Clock.Now()
	if opts != nil && !opts.UpdatedAt.IsZero() {
		at = opts.UpdatedAt
	}
	q.state = q.state.onSuccess(next, at, true)
	obs := q.observersLocked()
	q.mu.Unlock()

	q.broadcast(obs, "setData")
	return next, true
}

// setState replaces the whole state, used by hydration.
func (q *Query) setState(st State, action string) {
	q.mu.Lock()
	q.state = st
	obs := q.observersLocked()
	q.mu.Unlock()
	q.broadcast(obs, action)
}

// Invalidate marks the data stale regardless of age. Active observers
// are refetched by the client-level invalidation verbs, not here.
func (q *Query) Invalidate() {
	q.mu.Lock()
	if q.state.IsInvalidated {
		q.mu.Unlock()
		return
	}
	q.state = q.state.onInvalidate()
	obs := q.observersLocked()
	q.mu.Unlock()

	q.cache.stats.invalidations.Add(1)
	q.broadcast(obs, "invalidate")
}

// Reset cancels any fetch and restores the query to its initial state.
func (q *Query) Reset() {
	q.mu.Lock()
	q.cancelLocked(&CancelOptions{Silent: true})
	q.run = nil
	q.state = q.initial
	obs := q.observersLocked()
	q.scheduleGCLocked()
	q.mu.Unlock()
	q.broadcast(obs, "reset")
}

func (q *Query) addObserver(o *Observer) {
	q.mu.Lock()
	for _, cur := range q.observers {
		if cur == o {
			q.mu.Unlock()
			return
		}
	}
	q.observers = append(q.observers, o)
	q.stopGCLocked()
	q.mu.Unlock()
	q.cache.emit(Event{Type: EventObserverAdded, Query: q, Observer: o})
}

func (q *Query) removeObserver(o *Observer) {
	q.mu.Lock()
	found := false
	for i, cur := range q.observers {
		if cur == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		q.mu.Unlock()
		return
	}
	if len(q.observers) == 0 {
		// An observer-initiated fetch has no audience left; revert it.
		// Client-initiated fetches keep running for their waiters.
		if q.run != nil && q.run.fromObserver {
			q.cancelLocked(&CancelOptions{Revert: true})
		}
		q.scheduleGCLocked()
	}
	q.mu.Unlock()
	q.cache.emit(Event{Type: EventObserverRemoved, Query: q, Observer: o})
}

func (q *Query) observersLocked() []*Observer {
	if len(q.observers) == 0 {
		return nil
	}
	obs := make([]*Observer, len(q.observers))
	copy(obs, q.observers)
	return obs
}

func (q *Query) broadcast(obs []*Observer, action string) {
	q.cache.cfg.Scheduler.Schedule(func() {
		for _, o := range obs {
			o.onQueryUpdate()
		}
		q.cache.emit(Event{Type: EventQueryUpdated, Query: q, Action: action})
	})
}

func (q *Query) maybeScheduleGC() {
	q.mu.Lock()
	q.scheduleGCLocked()
	q.mu.Unlock()
}

// scheduleGCLocked arms the collection timer when nothing holds the
// query anymore. A running fetch defers scheduling to its settle.
func (q *Query) scheduleGCLocked() {
	if len(q.observers) > 0 || q.run != nil {
		return
	}
	gc := q.opts.gcTime()
	if gc < 0 {
		return
	}
	q.stopGCLocked()
	q.gcTimer = q.cache.cfg.Clock.AfterFunc(gc, func() {
		q.cache.collect(q)
	})
}

func (q *Query) stopGCLocked() {
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

// destroy tears the query down as it leaves the cache.
func (q *Query) destroy() {
	q.mu.Lock()
	q.stopGCLocked()
	q.cancelLocked(&CancelOptions{Silent: true})
	q.run = nil
	q.mu.Unlock()
}
