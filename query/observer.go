package query

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-query/internal/clock"
	"github.com/agentuity/go-query/internal/notify"
)

// ListenerFunc receives observer results. Reads through the tracked
// result feed the observer's notification narrowing.
type ListenerFunc func(TrackedResult)

// Observer binds one consumer's options to the query for a key and
// derives results from its state: select projection, placeholder
// substitution, observer-level staleness, and change-filtered
// notifications. Create with NewObserver, attach with Subscribe.
type Observer struct {
	client *Client

	lifecycle sync.Mutex
	listeners notify.Emitter[TrackedResult]
	count     int

	mu     sync.Mutex
	opts   Options
	query  *Query
	active bool
	result Result

	baseDataCount  int
	baseErrorCount int

	// Select memoization: same input reference and same function
	// identity reuse the previous projection.
	selFn     uintptr
	selInput  any
	selOutput any
	selErr    error
	selValid  bool
	lastGood  any
	hasGood   bool

	// prevData and prevQuery feed PlaceholderFunc when the key changes.
	prevData  any
	prevQuery *Query

	tracked  map[ResultField]struct{}
	trackAll bool

	staleTimer    clock.Timer
	intervalTimer clock.Timer

	snap atomic.Pointer[observerSnap]
}

// observerSnap is the lock-free view the query side reads while holding
// its own lock.
type observerSnap struct {
	opts   Options
	stale  bool
	active bool
}

// NewObserver creates an observer for opts under the client's defaults.
// The query is built immediately; fetching starts with the first
// Subscribe.
func NewObserver(c *Client, opts Options) *Observer {
	defaulted := c.defaultQueryOptions(opts)
	o := &Observer{client: c}
	o.listeners.SetPanicHandler(func(r any) {
		c.log.Error("observer listener panic: %v", r)
	})
	o.opts = defaulted
	o.query = c.cache.Build(defaulted)
	st := o.query.State()
	o.baseDataCount = st.DataUpdateCount
	o.baseErrorCount = st.ErrorUpdateCount
	o.result = o.computeResultLocked()
	o.updateSnapLocked(o.result)
	return o
}

// Query returns the cache entry this observer currently watches.
func (o *Observer) Query() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// Options returns the observer's defaulted options.
func (o *Observer) Options() Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts
}

// Subscribe attaches fn and returns its unsubscribe function. The first
// subscriber attaches the observer to its query and triggers the mount
// fetch when the data is missing or stale per RefetchOnSubscribe. The
// last unsubscribe detaches, which may cancel an observer-initiated
// fetch and start the query's gc countdown.
//
// Subscribers are called after state settles; they must not call
// Subscribe or unsubscribe on this observer synchronously from a cache
// event handler.
func (o *Observer) Subscribe(fn ListenerFunc) func() {
	unsub := o.listeners.Subscribe(func(t TrackedResult) { fn(t) })

	o.lifecycle.Lock()
	o.count++
	first := o.count == 1
	if first {
		o.attach()
	}
	o.lifecycle.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.lifecycle.Lock()
			unsub()
			o.count--
			if o.count == 0 {
				o.detach()
			}
			o.lifecycle.Unlock()
		})
	}
}

// attach runs under the lifecycle lock.
func (o *Observer) attach() {
	o.mu.Lock()
	o.active = true
	q := o.query
	opts := o.opts
	o.updateSnapLocked(o.result)
	o.mu.Unlock()

	q.addObserver(o)
	if shouldFetchOnMount(q, opts) {
		o.fetchInternal()
	}
	o.refresh()
}

// detach runs under the lifecycle lock.
func (o *Observer) detach() {
	o.mu.Lock()
	o.active = false
	q := o.query
	o.stopTimersLocked()
	o.updateSnapLocked(o.result)
	o.mu.Unlock()

	q.removeObserver(o)
}

// shouldFetchOnMount decides the attach-time fetch: anything without
// data loads; data refetches per RefetchOnSubscribe and staleness.
func shouldFetchOnMount(q *Query, opts Options) bool {
	if !opts.enabled() {
		return false
	}
	if !q.State().hasData() {
		return true
	}
	switch opts.refetchOnSubscribe() {
	case RefetchAlways:
		return true
	case RefetchIfStale:
		return q.IsStaleByTime(opts.staleTime())
	default:
		return false
	}
}

// GetCurrentResult recomputes and returns the result without tracking.
func (o *Observer) GetCurrentResult() Result {
	o.mu.Lock()
	res := o.computeResultLocked()
	o.result = res
	o.updateSnapLocked(res)
	o.mu.Unlock()
	return res
}

// TrackedResult returns the current result wrapped so field reads
// register for notification narrowing.
func (o *Observer) TrackedResult() TrackedResult {
	return TrackedResult{r: o.GetCurrentResult(), o: o}
}

// RefetchOptions tune an explicit Refetch.
type RefetchOptions struct {
	// JoinInFlight joins a running fetch instead of restarting it. By
	// default Refetch cancels the in-flight fetch and starts fresh.
	JoinInFlight bool
}

// Refetch fetches regardless of staleness and waits for settlement or
// ctx. The returned result reflects the state after settlement; err is
// the fetch or wait error.
func (o *Observer) Refetch(ctx context.Context, ro *RefetchOptions) (Result, error) {
	o.mu.Lock()
	q := o.query
	o.mu.Unlock()

	fo := &FetchOptions{fromObserver: true, CancelRefetch: true}
	if ro != nil && ro.JoinInFlight {
		fo.CancelRefetch = false
	}
	handle := q.Fetch(fo)
	_, err := handle.Wait(ctx)
	return o.GetCurrentResult(), err
}

// SetOptions rebinds the observer, possibly to a different query when
// the key changed. The observer carries the previous query's data
// across so PlaceholderFunc can keep showing it while the new key
// loads.
func (o *Observer) SetOptions(opts Options) {
	defaulted := o.client.defaultQueryOptions(opts)

	o.mu.Lock()
	prevOpts := o.opts
	prevQ := o.query
	o.opts = defaulted
	q := prevQ
	queryChanged := defaulted.hash() != prevQ.Hash()
	if queryChanged {
		q = o.client.cache.Build(defaulted)
		o.query = q
		if st := prevQ.State(); st.hasData() {
			o.prevData = st.Data
			o.prevQuery = prevQ
		}
		st := q.State()
		o.baseDataCount = st.DataUpdateCount
		o.baseErrorCount = st.ErrorUpdateCount
		o.selValid = false
	} else {
		q.setOptions(defaulted)
	}
	active := o.active
	o.updateSnapLocked(o.result)
	o.mu.Unlock()

	if active && queryChanged {
		q.addObserver(o)
		prevQ.removeObserver(o)
	}
	if active {
		becameEnabled := !prevOpts.enabled() && defaulted.enabled()
		if (queryChanged || becameEnabled) && shouldFetchOnMount(q, defaulted) {
			o.fetchInternal()
		}
	}
	o.refresh()
}

// refresh recomputes the result, re-arms timers, and notifies on
// tracked change.
func (o *Observer) refresh() {
	o.mu.Lock()
	prev := o.result
	next := o.computeResultLocked()
	o.result = next
	changed := resultChanged(prev, next, o.notifySetLocked())
	o.updateSnapLocked(next)
	o.updateTimersLocked(next)
	o.mu.Unlock()

	if changed {
		o.notifyListeners(next)
	}
}

// onQueryUpdate is the query's callback after any state transition. It
// already runs outside the query lock via the scheduler.
func (o *Observer) onQueryUpdate() { o.refresh() }

func (o *Observer) notifyListeners(res Result) {
	o.client.sched.Schedule(func() {
		o.listeners.Emit(TrackedResult{r: res, o: o})
	})
}

func (o *Observer) fetchInternal() {
	o.mu.Lock()
	q := o.query
	o.mu.Unlock()
	q.Fetch(&FetchOptions{fromObserver: true})
}

// onFocus and onReconnect are the query's sweep callbacks.
func (o *Observer) onFocus() {
	o.maybeRefetch(func(opts Options) RefetchMode { return opts.refetchOnFocus() })
}

func (o *Observer) onReconnect() {
	o.maybeRefetch(func(opts Options) RefetchMode { return opts.refetchOnReconnect() })
}

func (o *Observer) maybeRefetch(mode func(Options) RefetchMode) {
	snap := o.snap.Load()
	if snap == nil || !snap.active || !snap.opts.enabled() {
		return
	}
	switch mode(snap.opts) {
	case RefetchAlways:
		o.fetchInternal()
	case RefetchIfStale:
		if snap.stale {
			o.fetchInternal()
		}
	}
}

// optionsSnapshot is read by the query while holding its own lock.
func (o *Observer) optionsSnapshot() Options {
	if snap := o.snap.Load(); snap != nil {
		return snap.opts
	}
	return Options{}
}

func (o *Observer) resultIsStale() bool {
	if snap := o.snap.Load(); snap != nil {
		return snap.stale
	}
	return false
}

func (o *Observer) updateSnapLocked(res Result) {
	o.snap.Store(&observerSnap{opts: o.opts, stale: res.IsStale, active: o.active})
}

func (o *Observer) trackFields(fields []ResultField) {
	o.mu.Lock()
	if o.tracked == nil {
		o.tracked = make(map[ResultField]struct{})
	}
	for _, f := range fields {
		o.tracked[f] = struct{}{}
	}
	o.mu.Unlock()
}

func (o *Observer) trackAllFields() {
	o.mu.Lock()
	o.trackAll = true
	o.mu.Unlock()
}

// notifySetLocked returns the fields whose changes notify listeners.
// nil means every field.
func (o *Observer) notifySetLocked() map[ResultField]struct{} {
	if o.trackAll {
		return nil
	}
	if len(o.tracked) == 0 && len(o.opts.NotifyOnFields) == 0 {
		return nil
	}
	set := make(map[ResultField]struct{}, len(o.tracked)+len(o.opts.NotifyOnFields))
	for f := range o.tracked {
		set[f] = struct{}{}
	}
	for _, f := range o.opts.NotifyOnFields {
		set[f] = struct{}{}
	}
	return set
}

// computeResultLocked derives the observer result from query state.
func (o *Observer) computeResultLocked() Result {
	q := o.query
	st := q.State()
	opts := o.opts

	res := Result{
		Status:              st.Status,
		FetchStatus:         st.FetchStatus,
		Data:                st.Data,
		DataUpdatedAt:       st.DataUpdatedAt,
		Error:               st.Error,
		ErrorUpdatedAt:      st.ErrorUpdatedAt,
		FailureCount:        st.FailureCount,
		FailureReason:       st.FailureReason,
		IsInvalidated:       st.IsInvalidated,
		IsFetched:           st.DataUpdateCount > 0 || st.ErrorUpdateCount > 0,
		IsFetchedAfterMount: st.DataUpdateCount > o.baseDataCount || st.ErrorUpdateCount > o.baseErrorCount,
	}

	if st.hasData() {
		if opts.Select != nil {
			out, err := o.applySelectLocked(opts.Select, st.Data)
			if err != nil {
				res.Status = StatusError
				res.Error = err
				res.Data = nil
				if o.hasGood {
					res.Data = o.lastGood
				}
			} else {
				res.Data = out
			}
		}
	} else if opts.hasPlaceholder() && st.Status != StatusError {
		if ph, ok := o.placeholderLocked(opts); ok {
			data := ph
			if opts.Select != nil {
				out, err := o.applySelectLocked(opts.Select, ph)
				if err != nil {
					res.Status = StatusError
					res.Error = err
					data = nil
				} else {
					data = out
				}
			}
			if res.Status != StatusError {
				res.Data = data
				res.Status = StatusSuccess
				res.IsPlaceholderData = true
			}
		}
	}

	if opts.structuralSharing() && res.Data != nil {
		res.Data = ReplaceEqualDeep(o.result.Data, res.Data)
	}

	res.IsStale = o.staleForLocked(st, res)

	if res.Error != nil && opts.ThrowOnError != nil && opts.ThrowOnError(res.Error, q) {
		res.shouldThrow = true
	}
	return res
}

func (o *Observer) applySelectLocked(fn SelectFunc, input any) (any, error) {
	ptr := reflect.ValueOf(fn).Pointer()
	if o.selValid && o.selFn == ptr && sameRef(o.selInput, input) {
		return o.selOutput, o.selErr
	}
	out, err := fn(input)
	o.selFn = ptr
	o.selInput = input
	o.selOutput = out
	o.selErr = err
	o.selValid = true
	if err == nil {
		o.lastGood = out
		o.hasGood = true
	}
	return out, err
}

func (o *Observer) placeholderLocked(opts Options) (any, bool) {
	if opts.Placeholder != nil {
		v := opts.Placeholder(o.prevData, o.prevQuery)
		return v, v != nil
	}
	if opts.PlaceholderData != nil {
		return opts.PlaceholderData, true
	}
	return nil, false
}

func (o *Observer) staleForLocked(st State, res Result) bool {
	if res.IsPlaceholderData {
		return true
	}
	if st.IsInvalidated {
		return true
	}
	if !st.hasData() {
		return true
	}
	d := o.opts.staleTime()
	if d == StaleTimeStatic {
		return false
	}
	return o.client.clk.Since(st.DataUpdatedAt) >= d
}

func (o *Observer) stopTimersLocked() {
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
	if o.intervalTimer != nil {
		o.intervalTimer.Stop()
		o.intervalTimer = nil
	}
}

// updateTimersLocked re-arms the staleness flip and refetch interval
// timers against the given result.
func (o *Observer) updateTimersLocked(res Result) {
	o.stopTimersLocked()
	if !o.active {
		return
	}
	ck := o.client.clk

	d := o.opts.staleTime()
	if d > 0 && !res.IsStale && !res.DataUpdatedAt.IsZero() {
		remaining := d - ck.Since(res.DataUpdatedAt)
		if remaining < 0 {
			remaining = 0
		}
		o.staleTimer = ck.AfterFunc(remaining, o.onStaleTimer)
	}

	if o.opts.enabled() {
		if interval := o.opts.refetchInterval(o.query); interval > 0 {
			o.intervalTimer = ck.AfterFunc(interval, o.onIntervalTimer)
		}
	}
}

func (o *Observer) onStaleTimer() { o.refresh() }

func (o *Observer) onIntervalTimer() {
	snap := o.snap.Load()
	if snap == nil || !snap.active || !snap.opts.enabled() {
		return
	}
	if snap.opts.refetchIntervalInBackground() || o.client.focus.IsFocused() {
		o.fetchInternal()
	}
	o.mu.Lock()
	o.updateTimersLocked(o.result)
	o.mu.Unlock()
}
