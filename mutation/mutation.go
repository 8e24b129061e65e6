package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"

	"github.com/agentuity/go-query/internal/clock"
	"github.com/agentuity/go-query/internal/retryer"
	"github.com/agentuity/go-query/querykey"
)

// ErrAlreadyExecuted is returned when Execute is called twice on the
// same mutation. Each call to a mutation observer's Mutate builds a
// fresh entry.
var ErrAlreadyExecuted = errors.New("mutation: already executed")

// Status describes the lifecycle of a mutation.
type Status int

const (
	// StatusIdle means the mutation was built but not executed.
	StatusIdle Status = iota
	// StatusPending means it is executing or paused for connectivity.
	StatusPending
	// StatusError means it settled with an error.
	StatusError
	// StatusSuccess means it settled with data.
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusError:
		return "error"
	case StatusSuccess:
		return "success"
	}
	return "unknown"
}

// State is the observable snapshot of a mutation.
type State struct {
	Data  any
	Error error
	// Vars are the arguments the mutation ran with.
	Vars any
	// MutateContext is whatever OnMutate returned, typically a rollback
	// snapshot for optimistic updates.
	MutateContext any
	Status        Status
	// IsPaused means execution waits for connectivity.
	IsPaused      bool
	FailureCount  int
	FailureReason error
	SubmittedAt   time.Time
}

// Mutation is one tracked execution of a side effect. Unlike queries,
// mutations never deduplicate: every Build creates a new entry with its
// own id.
type Mutation struct {
	id    uint64
	cache *Cache

	mu        sync.Mutex
	opts      Options
	state     State
	observers []*Observer
	started   bool
	resuming  bool
	rt        *retryer.Retryer
	gcTimer   clock.Timer
}

// ID returns the mutation's monotonically assigned id.
func (m *Mutation) ID() uint64 { return m.id }

// Key returns the mutation key, which may be nil.
func (m *Mutation) Key() querykey.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Key
}

// State returns a snapshot of the current state.
func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Options returns the mutation's options.
func (m *Mutation) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Meta returns the metadata attached to the mutation's options.
func (m *Mutation) Meta() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Meta
}

// IsPaused reports whether execution waits for connectivity.
func (m *Mutation) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsPaused
}

func (m *Mutation) log() logger.Logger { return m.cache.log() }

// Execute runs the mutation once with the given variables. It blocks
// through retries and connectivity pauses until settlement or ctx ends,
// so a mutation that should outlive its caller runs on its own
// goroutine with a background context.
func (m *Mutation) Execute(ctx context.Context, vars any) (any, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, ErrAlreadyExecuted
	}
	m.started = true
	opts := m.opts

	canRun := true
	switch opts.networkMode() {
	case NetworkModeOnline:
		canRun = m.cache.online()
	}
	m.state.Status = StatusPending
	m.state.Vars = vars
	// A hydrated mutation keeps the submission time it was restored with.
	if m.state.SubmittedAt.IsZero() {
		m.state.SubmittedAt = m.cache.cfg.Clock.Now()
	}
	m.state.IsPaused = !canRun
	m.stopGCLocked()
	obs := m.observersLocked()
	m.mu.Unlock()
	m.broadcast(obs, "pending")

	ccfg := m.cache.cfg
	if ccfg.OnMutate != nil {
		if err := ccfg.OnMutate(ctx, vars, m); err != nil {
			return nil, m.settleWith(ctx, opts, nil, err, vars, nil)
		}
	}
	var mutateCtx any
	if opts.OnMutate != nil {
		v, err := opts.OnMutate(ctx, vars)
		if err != nil {
			return nil, m.settleWith(ctx, opts, nil, err, vars, nil)
		}
		mutateCtx = v
		m.mu.Lock()
		m.state.MutateContext = v
		m.mu.Unlock()
	}

	if opts.Fn == nil {
		return nil, m.settleWith(ctx, opts, nil, errors.New("mutation: no function configured"), vars, mutateCtx)
	}

	cfg := retryer.Config{
		Fn: func(ctx context.Context) (any, error) {
			return opts.Fn(ctx, vars)
		},
		ShouldRetry: opts.retry(),
		Delay:       opts.retryDelay(),
		Clock:       m.cache.cfg.Clock,
		OnFail:      m.onFail,
		OnPause:     m.onPause,
		OnContinue:  m.onContinue,
	}
	switch opts.networkMode() {
	case NetworkModeAlways:
		// No gate.
	case NetworkModeOfflineFirst:
		cfg.CanRun = func() bool {
			return m.failureCount() == 0 || m.cache.online()
		}
	default:
		cfg.CanRun = m.cache.online
	}

	m.mu.Lock()
	m.rt = retryer.New(cfg)
	rt := m.rt
	m.mu.Unlock()

	data, err := rt.Run(ctx)
	return data, m.settleResult(ctx, opts, data, err, vars, mutateCtx)
}

func (m *Mutation) failureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FailureCount
}

// settleResult finishes a run that executed Fn: success path stores
// data, anything else goes through settle.
func (m *Mutation) settleResult(ctx context.Context, opts Options, data any, err error, vars, mutateCtx any) error {
	if err != nil {
		return m.settleWith(ctx, opts, nil, err, vars, mutateCtx)
	}
	m.mu.Lock()
	m.state.Data = data
	m.state.Error = nil
	m.state.Status = StatusSuccess
	m.state.IsPaused = false
	m.state.FailureCount = 0
	m.state.FailureReason = nil
	obs := m.observersLocked()
	m.mu.Unlock()
	m.broadcast(obs, "success")

	cfg := m.cache.cfg
	if cfg.OnSuccess != nil {
		cfg.OnSuccess(ctx, data, vars, mutateCtx, m)
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(ctx, data, vars, mutateCtx)
	}
	if cfg.OnSettled != nil {
		cfg.OnSettled(ctx, data, nil, vars, mutateCtx, m)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(ctx, data, nil, vars, mutateCtx)
	}
	m.maybeScheduleGC()
	return nil
}

// settleWith records a failure and runs the error-side callbacks. The
// returned error is what Execute surfaces.
func (m *Mutation) settleWith(ctx context.Context, opts Options, data any, err error, vars, mutateCtx any) error {
	m.mu.Lock()
	m.state.Error = err
	m.state.Status = StatusError
	m.state.IsPaused = false
	m.state.FailureReason = err
	obs := m.observersLocked()
	m.mu.Unlock()
	m.broadcast(obs, "error")
	m.log().Debug("mutation %d failed: %s", m.id, err)

	cfg := m.cache.cfg
	if cfg.OnError != nil {
		cfg.OnError(ctx, err, vars, mutateCtx, m)
	}
	if opts.OnError != nil {
		opts.OnError(ctx, err, vars, mutateCtx)
	}
	if cfg.OnSettled != nil {
		cfg.OnSettled(ctx, data, err, vars, mutateCtx, m)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(ctx, data, err, vars, mutateCtx)
	}
	m.maybeScheduleGC()
	return err
}

func (m *Mutation) onFail(count int, err error) {
	m.mu.Lock()
	m.state.FailureCount = count
	m.state.FailureReason = err
	obs := m.observersLocked()
	m.mu.Unlock()
	m.broadcast(obs, "failed")
}

func (m *Mutation) onPause() {
	m.mu.Lock()
	if m.state.IsPaused {
		m.mu.Unlock()
		return
	}
	m.state.IsPaused = true
	obs := m.observersLocked()
	m.mu.Unlock()
	m.broadcast(obs, "pause")
}

func (m *Mutation) onContinue() {
	m.mu.Lock()
	if !m.state.IsPaused {
		m.mu.Unlock()
		return
	}
	m.state.IsPaused = false
	obs := m.observersLocked()
	m.mu.Unlock()
	m.broadcast(obs, "continue")
}

// Continue releases a connectivity pause so execution proceeds on the
// goroutine blocked in Execute.
func (m *Mutation) Continue() {
	m.mu.Lock()
	rt := m.rt
	m.mu.Unlock()
	if rt != nil && rt.IsPaused() {
		rt.Resume()
	}
}

// resume handles both pause flavors: a blocked Execute is released, and
// a hydrated mutation that never ran starts on its own goroutine with
// the stored variables.
func (m *Mutation) resume() {
	m.mu.Lock()
	if !m.started && !m.resuming && m.state.IsPaused {
		m.resuming = true
		vars := m.state.Vars
		m.mu.Unlock()
		go func() {
			if _, err := m.Execute(context.Background(), vars); err != nil {
				m.log().Warn("resumed mutation %d failed: %s", m.id, err)
			}
		}()
		return
	}
	m.mu.Unlock()
	m.Continue()
}

func (m *Mutation) addObserver(o *Observer) {
	m.mu.Lock()
	for _, cur := range m.observers {
		if cur == o {
			m.mu.Unlock()
			return
		}
	}
	m.observers = append(m.observers, o)
	m.stopGCLocked()
	m.mu.Unlock()
	m.cache.emit(Event{Type: EventObserverAdded, Mutation: m, Observer: o})
}

func (m *Mutation) removeObserver(o *Observer) {
	m.mu.Lock()
	found := false
	for i, cur := range m.observers {
		if cur == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		m.mu.Unlock()
		return
	}
	if len(m.observers) == 0 {
		m.scheduleGCLocked()
	}
	m.mu.Unlock()
	m.cache.emit(Event{Type: EventObserverRemoved, Mutation: m, Observer: o})
}

func (m *Mutation) observersLocked() []*Observer {
	if len(m.observers) == 0 {
		return nil
	}
	obs := make([]*Observer, len(m.observers))
	copy(obs, m.observers)
	return obs
}

func (m *Mutation) broadcast(obs []*Observer, action string) {
	m.cache.cfg.Scheduler.Schedule(func() {
		for _, o := range obs {
			o.onMutationUpdate()
		}
		m.cache.emit(Event{Type: EventUpdated, Mutation: m, Action: action})
	})
}

func (m *Mutation) maybeScheduleGC() {
	m.mu.Lock()
	m.scheduleGCLocked()
	m.mu.Unlock()
}

// scheduleGCLocked arms collection for settled or never-run mutations
// with no observers. A pending mutation is never collected.
func (m *Mutation) scheduleGCLocked() {
	if len(m.observers) > 0 || m.state.Status == StatusPending {
		return
	}
	gc := m.opts.gcTime()
	if gc < 0 {
		return
	}
	m.stopGCLocked()
	m.gcTimer = m.cache.cfg.Clock.AfterFunc(gc, func() {
		m.cache.collect(m)
	})
}

func (m *Mutation) stopGCLocked() {
	if m.gcTimer != nil {
		m.gcTimer.Stop()
		m.gcTimer = nil
	}
}

func (m *Mutation) destroy() {
	m.mu.Lock()
	m.stopGCLocked()
	m.mu.Unlock()
}
