// Package retryer runs a fetch attempt loop with exponential backoff,
// a connectivity pause gate, and context cancellation.
package retryer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/go-query/internal/clock"
)

// ErrCancelled marks errors produced when a run is cancelled rather
// than failed. Test with IsCancelled.
var ErrCancelled = errors.New("retryer: cancelled")

// IsCancelled reports whether err comes from a cancelled run.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

const (
	// DefaultBaseDelay is the first retry delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 30 * time.Second
)

// ShouldRetryFunc decides whether a failed attempt is retried.
// failureCount is 1 after the first failure.
type ShouldRetryFunc func(failureCount int, err error) bool

// DelayFunc returns the wait before the next attempt given the current
// failure count (1-based).
type DelayFunc func(failureCount int, err error) time.Duration

// RetryNever retries nothing.
func RetryNever(int, error) bool { return false }

// RetryAlways retries every failure.
func RetryAlways(int, error) bool { return true }

// RetryCount allows up to n retries, so the attempt function runs at
// most n+1 times.
func RetryCount(n int) ShouldRetryFunc {
	return func(failureCount int, _ error) bool {
		return failureCount <= n
	}
}

// DefaultDelay doubles from DefaultBaseDelay per failure, capped at
// DefaultMaxDelay: 1s, 2s, 4s, ... 30s.
func DefaultDelay(failureCount int, _ error) time.Duration {
	d := DefaultBaseDelay << (failureCount - 1)
	if d <= 0 || d > DefaultMaxDelay {
		return DefaultMaxDelay
	}
	return d
}

// FixedDelay waits the same duration between every attempt.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int, error) time.Duration { return d }
}

// JitterDelay spreads delays by up to fraction (0..1) of their value to
// avoid synchronized retries.
func JitterDelay(delay DelayFunc, fraction float64) DelayFunc {
	return func(failureCount int, err error) time.Duration {
		d := delay(failureCount, err)
		return d + time.Duration(rand.Float64()*fraction*float64(d))
	}
}

// Config drives a Retryer.
type Config struct {
	// Fn is the attempt. Required.
	Fn func(ctx context.Context) (any, error)
	// ShouldRetry decides whether a failure is retried. Nil never retries.
	ShouldRetry ShouldRetryFunc
	// Delay computes the backoff before each retry. Nil uses DefaultDelay.
	Delay DelayFunc
	// CanRun gates attempts on connectivity. When it returns false the
	// run pauses until Resume. Nil never pauses.
	CanRun func() bool
	// OnFail observes each failed attempt before the retry decision runs.
	OnFail func(failureCount int, err error)
	// OnPause and OnContinue observe connectivity pause transitions.
	OnPause    func()
	OnContinue func()
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Retryer executes Config.Fn until it succeeds, the retry policy gives
// up, or ctx is cancelled. Safe for one Run per instance.
type Retryer struct {
	cfg Config

	mu           sync.Mutex
	paused       bool
	resume       chan struct{}
	failureCount int
}

func New(cfg Config) *Retryer {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Delay == nil {
		cfg.Delay = DefaultDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = RetryNever
	}
	return &Retryer{cfg: cfg}
}

// FailureCount returns the failures observed so far.
func (r *Retryer) FailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureCount
}

// IsPaused reports whether the run is waiting on connectivity.
func (r *Retryer) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Resume releases a paused run. Calling it while not paused is a no-op.
func (r *Retryer) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.paused = false
		close(r.resume)
	}
}

// Run executes the attempt loop. It returns the first successful value,
// the final error once the policy gives up, or an ErrCancelled-marked
// error when ctx ends first. Cancellation during a pause or backoff
// settles immediately.
func (r *Retryer) Run(ctx context.Context) (any, error) {
	for {
		if err := r.waitUntilRunnable(ctx); err != nil {
			return nil, err
		}

		value, err := r.cfg.Fn(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Mark(ctx.Err(), ErrCancelled)
		}

		r.mu.Lock()
		r.failureCount++
		count := r.failureCount
		r.mu.Unlock()

		if r.cfg.OnFail != nil {
			r.cfg.OnFail(count, err)
		}
		if !r.cfg.ShouldRetry(count, err) {
			return nil, err
		}

		if err := r.sleep(ctx, r.cfg.Delay(count, err)); err != nil {
			return nil, err
		}
	}
}

// waitUntilRunnable blocks while CanRun reports false. It re-checks
// after every resume since connectivity can flap.
func (r *Retryer) waitUntilRunnable(ctx context.Context) error {
	for r.cfg.CanRun != nil && !r.cfg.CanRun() {
		r.mu.Lock()
		if !r.paused {
			r.paused = true
			r.resume = make(chan struct{})
		}
		ch := r.resume
		r.mu.Unlock()

		if r.cfg.OnPause != nil {
			r.cfg.OnPause()
		}
		// Re-check after publishing the pause: a Resume fired between
		// the CanRun check and the flag set would otherwise be missed
		// and the run would wait forever.
		if r.cfg.CanRun() {
			r.Resume()
		}
		select {
		case <-ctx.Done():
			return errors.Mark(ctx.Err(), ErrCancelled)
		case <-ch:
			if r.cfg.OnContinue != nil {
				r.cfg.OnContinue()
			}
		}
	}
	return nil
}

func (r *Retryer) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	timer := r.cfg.Clock.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		timer.Stop()
		return errors.Mark(ctx.Err(), ErrCancelled)
	case <-done:
		return nil
	}
}
