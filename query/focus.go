package query

import (
	"sync"

	"github.com/agentuity/go-query/internal/notify"
)

// flagManager is the shared core of FocusManager and OnlineManager: a
// boolean with change subscriptions and a pluggable event source.
type flagManager struct {
	mu       sync.Mutex
	value    bool
	teardown func()
	subs     notify.Emitter[bool]
}

func (m *flagManager) get() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *flagManager) set(v bool) {
	m.mu.Lock()
	if m.value == v {
		m.mu.Unlock()
		return
	}
	m.value = v
	m.mu.Unlock()
	m.subs.Emit(v)
}

func (m *flagManager) subscribe(fn func(bool)) func() {
	return m.subs.Subscribe(fn)
}

func (m *flagManager) setEventListener(setup func(set func(bool)) func()) {
	m.mu.Lock()
	teardown := m.teardown
	m.teardown = nil
	m.mu.Unlock()
	if teardown != nil {
		teardown()
	}
	if setup == nil {
		return
	}
	cleanup := setup(m.set)
	m.mu.Lock()
	m.teardown = cleanup
	m.mu.Unlock()
}

func (m *flagManager) stop() {
	m.mu.Lock()
	teardown := m.teardown
	m.teardown = nil
	m.mu.Unlock()
	if teardown != nil {
		teardown()
	}
}

// FocusManager tracks whether the embedding application is in the
// foreground. It starts focused; hosts wire a real signal with
// SetEventListener, for example an IPC message from a window system or
// a SIGCONT handler. A mounted Client sweeps focus-interested observers
// on each transition to focused.
type FocusManager struct {
	core flagManager
}

func NewFocusManager() *FocusManager {
	m := &FocusManager{}
	m.core.value = true
	return m
}

// IsFocused returns the current focus state.
func (m *FocusManager) IsFocused() bool { return m.core.get() }

// SetFocused records a focus transition and notifies subscribers on
// change.
func (m *FocusManager) SetFocused(focused bool) { m.core.set(focused) }

// Subscribe registers fn for focus transitions.
func (m *FocusManager) Subscribe(fn func(focused bool)) func() {
	return m.core.subscribe(fn)
}

// SetEventListener replaces the focus signal source. setup receives the
// setter to call on transitions and returns a teardown that runs when
// the source is replaced or the manager stops. Passing nil removes the
// current source.
func (m *FocusManager) SetEventListener(setup func(setFocused func(bool)) (teardown func())) {
	m.core.setEventListener(setup)
}

// Stop tears down the event source.
func (m *FocusManager) Stop() { m.core.stop() }
