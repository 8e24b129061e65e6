package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-query/internal/notify"
)

// Result is what a mutation observer sees of its current mutation.
type Result struct {
	Data          any
	Error         error
	Vars          any
	Status        Status
	IsPaused      bool
	FailureCount  int
	FailureReason error
	SubmittedAt   time.Time
}

func (r Result) IsIdle() bool    { return r.Status == StatusIdle }
func (r Result) IsPending() bool { return r.Status == StatusPending }
func (r Result) IsSuccess() bool { return r.Status == StatusSuccess }
func (r Result) IsError() bool   { return r.Status == StatusError }

func resultFromState(st State) Result {
	return Result{
		Data:          st.Data,
		Error:         st.Error,
		Vars:          st.Vars,
		Status:        st.Status,
		IsPaused:      st.IsPaused,
		FailureCount:  st.FailureCount,
		FailureReason: st.FailureReason,
		SubmittedAt:   st.SubmittedAt,
	}
}

// Observer runs mutations with a fixed set of options and feeds result
// updates to listeners. Each Mutate builds a fresh mutation; the
// observer tracks only the latest one.
type Observer struct {
	cache *Cache

	mu      sync.Mutex
	opts    Options
	current *Mutation
	count   int

	listeners notify.Emitter[Result]
}

func NewObserver(c *Cache, opts Options) *Observer {
	o := &Observer{cache: c, opts: opts}
	o.listeners.SetPanicHandler(func(r any) {
		c.log().Error("mutation observer listener panic: %v", r)
	})
	return o
}

// SetOptions replaces the options used by the next Mutate.
func (o *Observer) SetOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

// Subscribe registers fn for result updates and returns its unsubscribe
// function. The last unsubscribe detaches the observer from its current
// mutation; the mutation itself keeps executing.
func (o *Observer) Subscribe(fn func(Result)) func() {
	unsub := o.listeners.Subscribe(fn)
	o.mu.Lock()
	o.count++
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			o.mu.Lock()
			o.count--
			var detach *Mutation
			if o.count == 0 {
				detach = o.current
				o.current = nil
			}
			o.mu.Unlock()
			if detach != nil {
				detach.removeObserver(o)
			}
		})
	}
}

// Mutate builds a mutation from the observer's options and executes it,
// blocking until settlement or ctx ends. A previous mutation is
// detached but keeps running.
func (o *Observer) Mutate(ctx context.Context, vars any) (any, error) {
	o.mu.Lock()
	opts := o.opts
	prev := o.current
	o.mu.Unlock()

	m := o.cache.Build(opts)
	if prev != nil {
		prev.removeObserver(o)
	}
	o.mu.Lock()
	o.current = m
	o.mu.Unlock()
	m.addObserver(o)

	return m.Execute(ctx, vars)
}

// Reset detaches from the current mutation and returns the observer to
// idle.
func (o *Observer) Reset() {
	o.mu.Lock()
	prev := o.current
	o.current = nil
	o.mu.Unlock()
	if prev != nil {
		prev.removeObserver(o)
	}
	o.notify(Result{Status: StatusIdle})
}

// CurrentResult derives the result from the current mutation, or the
// idle result when none ran yet.
func (o *Observer) CurrentResult() Result {
	o.mu.Lock()
	m := o.current
	o.mu.Unlock()
	if m == nil {
		return Result{Status: StatusIdle}
	}
	return resultFromState(m.State())
}

// onMutationUpdate is the mutation's callback after any state
// transition. It already runs outside the mutation lock via the
// scheduler.
func (o *Observer) onMutationUpdate() {
	o.notify(o.CurrentResult())
}

func (o *Observer) notify(res Result) {
	o.cache.cfg.Scheduler.Schedule(func() {
		o.listeners.Emit(res)
	})
}
