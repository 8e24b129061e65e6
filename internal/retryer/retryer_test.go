package retryer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/go-query/internal/clock"
)

var errBoom = errors.New("boom")

func TestRunSucceedsFirstAttempt(t *testing.T) {
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) { return "ok", nil },
	})
	v, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Zero(t, r.FailureCount())
}

func TestRunRetryCountBoundsAttempts(t *testing.T) {
	calls := 0
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return nil, errBoom
		},
		ShouldRetry: RetryCount(2),
		Delay:       FixedDelay(0),
	})
	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls, "two retries means three attempts")
	assert.Equal(t, 3, r.FailureCount())
	assert.False(t, IsCancelled(err))
}

func TestRunNoRetryByDefault(t *testing.T) {
	calls := 0
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return nil, errBoom
		},
	})
	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRunRecoversAfterFailures(t *testing.T) {
	calls := 0
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errBoom
			}
			return calls, nil
		},
		ShouldRetry: RetryAlways,
		Delay:       FixedDelay(0),
	})
	v, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestRunReportsFailures(t *testing.T) {
	var counts []int
	var delayCounts []int
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) { return nil, errBoom },
		ShouldRetry: RetryCount(2),
		Delay: func(failureCount int, err error) time.Duration {
			delayCounts = append(delayCounts, failureCount)
			return 0
		},
		OnFail: func(failureCount int, err error) {
			assert.ErrorIs(t, err, errBoom)
			counts = append(counts, failureCount)
		},
	})
	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, counts)
	assert.Equal(t, []int{1, 2}, delayCounts, "no delay after the final failure")
}

func TestRunPredicateStopsRetrying(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) {
			calls++
			if calls == 1 {
				return nil, errBoom
			}
			return nil, fatal
		},
		ShouldRetry: func(_ int, err error) bool { return !errors.Is(err, fatal) },
		Delay:       FixedDelay(0),
	})
	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestRunBackoffProgression(t *testing.T) {
	mock := clock.NewMock()
	start := mock.Now()
	calls := 0
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) {
			calls++
			if calls < 4 {
				return nil, errBoom
			}
			return "done", nil
		},
		ShouldRetry: RetryAlways,
		Clock:       mock,
	})

	type result struct {
		v   any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := r.Run(context.Background())
		resCh <- result{v, err}
	}()

	for _, step := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		require.Eventually(t, func() bool { return mock.Timers() == 1 },
			time.Second, time.Millisecond)
		mock.Add(step)
	}

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "done", res.v)
	assert.Equal(t, start.Add(7*time.Second), mock.Now())
}

func TestDefaultDelay(t *testing.T) {
	assert.Equal(t, time.Second, DefaultDelay(1, nil))
	assert.Equal(t, 2*time.Second, DefaultDelay(2, nil))
	assert.Equal(t, 4*time.Second, DefaultDelay(3, nil))
	assert.Equal(t, 16*time.Second, DefaultDelay(5, nil))
	assert.Equal(t, DefaultMaxDelay, DefaultDelay(6, nil))
	assert.Equal(t, DefaultMaxDelay, DefaultDelay(40, nil))
	assert.Equal(t, DefaultMaxDelay, DefaultDelay(200, nil))
}

func TestJitterDelay(t *testing.T) {
	base := FixedDelay(10 * time.Second)
	exact := JitterDelay(base, 0)
	assert.Equal(t, 10*time.Second, exact(1, nil))

	spread := JitterDelay(base, 0.5)
	for i := 0; i < 20; i++ {
		d := spread(1, nil)
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}

func TestRunPausesWhileOffline(t *testing.T) {
	var online atomic.Bool
	var paused, continued atomic.Int32
	calls := 0
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return "up", nil
		},
		CanRun:     online.Load,
		OnPause:    func() { paused.Add(1) },
		OnContinue: func() { continued.Add(1) },
	})

	type result struct {
		v   any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := r.Run(context.Background())
		resCh <- result{v, err}
	}()

	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)
	assert.Zero(t, calls)

	online.Store(true)
	r.Resume()

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, "up", res.v)
	case <-time.After(time.Second):
		t.Fatal("run did not resume")
	}
	assert.Equal(t, int32(1), paused.Load())
	assert.Equal(t, int32(1), continued.Load())
	assert.False(t, r.IsPaused())
}

func TestRunCatchesResumeRacingThePause(t *testing.T) {
	// Connectivity returns between the CanRun check and the pause flag
	// landing, so the caller's Resume found nothing to release. The run
	// must notice on its own instead of waiting forever.
	var online atomic.Bool
	r := New(Config{
		Fn:      func(ctx context.Context) (any, error) { return "up", nil },
		CanRun:  online.Load,
		OnPause: func() { online.Store(true) },
	})

	type result struct {
		v   any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := r.Run(context.Background())
		resCh <- result{v, err}
	}()

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, "up", res.v)
	case <-time.After(time.Second):
		t.Fatal("run stayed paused after connectivity returned")
	}
}

func TestRunCancelDuringPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config{
		Fn:     func(ctx context.Context) (any, error) { return nil, errBoom },
		CanRun: func() bool { return false },
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx)
		errCh <- err
	}()

	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, IsCancelled(err))
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not settle the paused run")
	}
}

func TestRunCancelDuringBackoff(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config{
		Fn:          func(ctx context.Context) (any, error) { return nil, errBoom },
		ShouldRetry: RetryAlways,
		Delay:       FixedDelay(time.Hour),
		Clock:       mock,
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return mock.Timers() == 1 },
		time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, IsCancelled(err))
	case <-time.After(time.Second):
		t.Fatal("cancel did not interrupt the backoff")
	}
}

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	r := New(Config{Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	assert.NotPanics(t, r.Resume)
}
