// Package clock abstracts time so staleness, gc, retry backoff, and
// interval scheduling can be tested without sleeping.
package clock

import "time"

// Clock is the time source used by the cache internals. Production code
// uses System; tests inject a Mock and advance it manually.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc schedules fn to run once after d. fn runs on its own
	// goroutine for the system clock and on the advancing goroutine for
	// the mock.
	AfterFunc(d time.Duration, fn func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a single-shot scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing.
	Stop() bool
	// Reset re-arms the timer for d from now.
	Reset(d time.Duration) bool
}

// Ticker delivers ticks at a fixed interval on C.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

type systemClock struct{}

var system Clock = systemClock{}

// System returns the real-time clock.
func System() Clock { return system }

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{time.AfterFunc(d, fn)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Stop() bool                 { return s.t.Stop() }
func (s systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time   { return s.t.C }
func (s *systemTicker) Stop()                 { s.t.Stop() }
func (s *systemTicker) Reset(d time.Duration) { s.t.Reset(d) }
