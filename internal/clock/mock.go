package clock

import (
	"sync"
	"time"
)

// Mock is a manually advanced Clock. Add and Set move time forward and
// fire due timers synchronously on the calling goroutine, in deadline
// order, so tests observe a deterministic sequence. The zero time base
// is an arbitrary fixed instant.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*mockTimer
	tickers []*mockTicker
}

var mockEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewMock returns a Mock positioned at a fixed epoch.
func NewMock() *Mock {
	return &Mock{now: mockEpoch}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Add advances the clock by d, firing every timer and ticker whose
// deadline falls within the window.
func (m *Mock) Add(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set advances the clock to target. Moving backwards only changes Now;
// no timers fire.
func (m *Mock) Set(target time.Time) {
	for {
		next, ok := m.nextDue(target)
		if !ok {
			break
		}
		next.fire()
	}
	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// nextDue picks the earliest pending deadline at or before target,
// advances now to it, and returns the firer. Timers added by callbacks
// are observed on the following iteration.
func (m *Mock) nextDue(target time.Time) (firer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best     firer
		deadline time.Time
		found    bool
	)
	for _, t := range m.timers {
		if t.stopped || t.deadline.After(target) {
			continue
		}
		if !found || t.deadline.Before(deadline) {
			best, deadline, found = t, t.deadline, true
		}
	}
	for _, tk := range m.tickers {
		if tk.stopped || tk.next.After(target) {
			continue
		}
		if !found || tk.next.Before(deadline) {
			best, deadline, found = tk, tk.next, true
		}
	}
	if !found {
		return nil, false
	}
	if deadline.After(m.now) {
		m.now = deadline
	}
	return best, true
}

type firer interface{ fire() }

func (m *Mock) remove(t *mockTimer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Timers returns the number of armed timers, for test assertions.
func (m *Mock) Timers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (m *Mock) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		mock:     m,
		fn:       fn,
		deadline: m.now.Add(d),
	}
	m.timers = append(m.timers, t)
	return t
}

type mockTimer struct {
	mock     *Mock
	fn       func()
	deadline time.Time
	stopped  bool
}

func (t *mockTimer) fire() {
	t.mock.mu.Lock()
	if t.stopped {
		t.mock.mu.Unlock()
		return
	}
	t.stopped = true
	t.mock.remove(t)
	fn := t.fn
	t.mock.mu.Unlock()
	fn()
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	t.mock.remove(t)
	return was
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	was := !t.stopped
	t.stopped = false
	t.deadline = t.mock.now.Add(d)
	if was {
		return true
	}
	t.mock.timers = append(t.mock.timers, t)
	return false
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tk := &mockTicker{
		mock:     m,
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     m.now.Add(d),
	}
	m.tickers = append(m.tickers, tk)
	return tk
}

type mockTicker struct {
	mock     *Mock
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (tk *mockTicker) fire() {
	tk.mock.mu.Lock()
	if tk.stopped {
		tk.mock.mu.Unlock()
		return
	}
	at := tk.next
	tk.next = tk.next.Add(tk.interval)
	tk.mock.mu.Unlock()
	// Mirror time.Ticker: drop the tick if the receiver is behind.
	select {
	case tk.ch <- at:
	default:
	}
}

func (tk *mockTicker) C() <-chan time.Time { return tk.ch }

func (tk *mockTicker) Stop() {
	tk.mock.mu.Lock()
	defer tk.mock.mu.Unlock()
	tk.stopped = true
}

func (tk *mockTicker) Reset(d time.Duration) {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	tk.mock.mu.Lock()
	defer tk.mock.mu.Unlock()
	tk.interval = d
	tk.next = tk.mock.now.Add(d)
	tk.stopped = false
}
