package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/agentuity/go-query/internal/clock"
	"github.com/agentuity/go-query/internal/retryer"
	"github.com/agentuity/go-query/mutation"
	"github.com/agentuity/go-query/querykey"
)

func TestClientFetchQueryCollapsesConcurrentCalls(t *testing.T) {
	c, _ := newTestClient(t)
	key := querykey.New("users", 1)

	var count atomic.Int64
	gate := make(chan struct{})
	fqo := FetchQueryOptions{Options: Options{
		Key: key,
		QueryFunc: func(ctx context.Context, _ QueryFuncContext) (any, error) {
			count.Add(1)
			select {
			case <-gate:
				return "v1", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		// Fresh for an hour, so a caller arriving after settlement reads
		// the cache instead of fetching again.
		StaleTime: Duration(time.Hour),
	}}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.FetchQuery(context.Background(), fqo)
		}(i)
	}

	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "v1", results[i])
	}
	assert.EqualValues(t, 1, count.Load())
}

func TestClientFetchQueryFreshnessBoundary(t *testing.T) {
	c, mock := newTestClient(t)
	key := querykey.New("users", 1)
	c.SetQueryData(key, "cached")

	fn, count := countingFunc("fetched")
	fqo := FetchQueryOptions{Options: Options{
		Key:       key,
		QueryFunc: fn,
		StaleTime: Duration(5 * time.Minute),
	}}

	data, err := c.FetchQuery(context.Background(), fqo)
	assert.NoError(t, err)
	assert.Equal(t, "cached", data)
	assert.EqualValues(t, 0, count.Load())

	// Exactly at the stale boundary the cache no longer satisfies.
	mock.Add(5 * time.Minute)
	data, err = c.FetchQuery(context.Background(), fqo)
	assert.NoError(t, err)
	assert.Equal(t, "fetched", data)
	assert.EqualValues(t, 1, count.Load())

	snap := c.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Hits)
	assert.EqualValues(t, 1, snap.Misses)
	assert.EqualValues(t, 1, snap.Fetches)
	assert.Equal(t, 0.5, snap.HitRate)
}

func TestClientFetchQueryStructuralStability(t *testing.T) {
	c, _ := newTestClient(t)
	fqo := FetchQueryOptions{Options: Options{
		Key: querykey.New("doc"),
		QueryFunc: func(ctx context.Context, _ QueryFuncContext) (any, error) {
			return map[string]any{"rows": []any{"a", "b"}}, nil
		},
	}}

	first, err := c.FetchQuery(context.Background(), fqo)
	assert.NoError(t, err)
	// Default StaleTime zero: the second call fetches again, but the
	// deep-equal payload keeps the original reference.
	second, err := c.FetchQuery(context.Background(), fqo)
	assert.NoError(t, err)
	assert.True(t, sameRef(first, second))
	assert.EqualValues(t, 2, c.Stats().Fetches())
}

func TestFetchQueryAs(t *testing.T) {
	c, _ := newTestClient(t)
	fn, _ := countingFunc("v1")
	got, err := FetchQueryAs[string](context.Background(), c, FetchQueryOptions{Options: Options{
		Key:       querykey.New("users", 1),
		QueryFunc: fn,
	}})
	assert.NoError(t, err)
	assert.Equal(t, "v1", got)

	key := querykey.New("counts")
	c.SetQueryData(key, 42)
	_, err = FetchQueryAs[string](context.Background(), c, FetchQueryOptions{Options: Options{
		Key:       key,
		StaleTime: Duration(time.Hour),
	}})
	assert.ErrorContains(t, err, "is int, not string")
}

func TestClientPrefetchQuerySwallowsErrors(t *testing.T) {
	c, _ := newTestClient(t)
	key := querykey.New("users", 1)
	c.PrefetchQuery(context.Background(), FetchQueryOptions{Options: Options{
		Key: key,
		QueryFunc: func(ctx context.Context, _ QueryFuncContext) (any, error) {
			return nil, errors.New("boom")
		},
		Retry: retryer.RetryNever,
	}})

	st, ok := c.GetQueryState(key)
	assert.True(t, ok)
	assert.Equal(t, StatusError, st.Status)
}

func TestClientEnsureQueryData(t *testing.T) {
	c, mock := newTestClient(t)
	key := querykey.New("users", 1)
	c.SetQueryData(key, "old")
	mock.Add(time.Hour)

	fn, count := countingFunc("fresh")
	data, err := c.EnsureQueryData(context.Background(), FetchQueryOptions{Options: Options{
		Key:       key,
		QueryFunc: fn,
	}})
	assert.NoError(t, err)
	assert.Equal(t, "old", data)
	assert.EqualValues(t, 0, count.Load())

	// No entry at all: fall through to a fetch.
	data, err = c.EnsureQueryData(context.Background(), FetchQueryOptions{Options: Options{
		Key:       querykey.New("users", 2),
		QueryFunc: fn,
	}})
	assert.NoError(t, err)
	assert.Equal(t, "fresh", data)
	assert.EqualValues(t, 1, count.Load())
}

func TestClientSetAndGetQueryData(t *testing.T) {
	c, _ := newTestClient(t)
	key := querykey.New("profile", "ada")

	_, ok := c.GetQueryData(key)
	assert.False(t, ok)

	c.SetQueryData(key, "manual")
	data, ok := c.GetQueryData(key)
	assert.True(t, ok)
	assert.Equal(t, "manual", data)

	st, ok := c.GetQueryState(key)
	assert.True(t, ok)
	assert.Equal(t, StatusSuccess, st.Status)
	assert.Equal(t, 1, st.DataUpdateCount)

	_, ok = c.GetQueryState(querykey.New("missing"))
	assert.False(t, ok)

	// Functional writes see the current value; returning nil bails out.
	data, ok = c.SetQueryDataFn(key, func(old any) any { return old.(string) + "!" })
	assert.True(t, ok)
	assert.Equal(t, "manual!", data)
	_, ok = c.SetQueryDataFn(key, func(old any) any { return nil })
	assert.False(t, ok)
	data, _ = c.GetQueryData(key)
	assert.Equal(t, "manual!", data)
}

func TestClientBulkData(t *testing.T) {
	c, _ := newTestClient(t)
	c.SetQueryData(querykey.New("users", 1), "u1")
	c.SetQueryData(querykey.New("users", 2), "u2")
	c.SetQueryData(querykey.New("posts", 1), "p1")
	c.Cache().Build(Options{Key: querykey.New("users", 3)}) // no data

	kvs := c.GetQueriesData(&Filters{Key: querykey.New("users")})
	assert.Len(t, kvs, 2)

	written := c.SetQueriesData(&Filters{Key: querykey.New("users")}, func(old any) any {
		return old.(string) + "!"
	})
	assert.Len(t, written, 2)
	data, _ := c.GetQueryData(querykey.New("users", 1))
	assert.Equal(t, "u1!", data)
	data, _ = c.GetQueryData(querykey.New("posts", 1))
	assert.Equal(t, "p1", data)
}

func TestClientInvalidateQueriesSelectivity(t *testing.T) {
	c, _ := newTestClient(t)
	c.SetQueryData(querykey.New("users", 1), "u1")
	c.SetQueryData(querykey.New("users", 2), "u2")
	c.SetQueryData(querykey.New("posts", 1), "p1")

	err := c.InvalidateQueries(context.Background(), &Filters{Key: querykey.New("users")}, &InvalidateOptions{
		RefetchType: RefetchNone,
	})
	assert.NoError(t, err)

	st, _ := c.GetQueryState(querykey.New("users", 1))
	assert.True(t, st.IsInvalidated)
	st, _ = c.GetQueryState(querykey.New("users", 2))
	assert.True(t, st.IsInvalidated)
	st, _ = c.GetQueryState(querykey.New("posts", 1))
	assert.False(t, st.IsInvalidated)
	assert.EqualValues(t, 2, c.Stats().Invalidations())
}

func TestClientInvalidateQueriesRefetchesActive(t *testing.T) {
	c, _ := newTestClient(t)
	activeFn, activeCount := sequenceFunc()
	o := NewObserver(c, Options{Key: querykey.New("users", 1), QueryFunc: activeFn})
	listen, ch := resultsChan()
	defer o.Subscribe(listen)()
	awaitResult(t, ch, Result.IsSuccess)

	idleFn, idleCount := countingFunc("p1")
	c.Cache().Build(Options{Key: querykey.New("posts", 1), QueryFunc: idleFn})
	c.SetQueryData(querykey.New("posts", 1), "seeded")

	err := c.InvalidateQueries(context.Background(), nil, nil)
	assert.NoError(t, err)

	// The observed query refetched and cleared its invalidation; the
	// unobserved one is only marked.
	assert.EqualValues(t, 2, activeCount.Load())
	assert.EqualValues(t, 0, idleCount.Load())
	st, _ := c.GetQueryState(querykey.New("users", 1))
	assert.False(t, st.IsInvalidated)
	assert.Equal(t, "v2", st.Data)
	st, _ = c.GetQueryState(querykey.New("posts", 1))
	assert.True(t, st.IsInvalidated)
}

func TestClientRefetchQueries(t *testing.T) {
	c, _ := newTestClient(t)
	fnA, countA := countingFunc("a")
	fnB, countB := countingFunc("b")
	_, err := c.FetchQuery(context.Background(), FetchQueryOptions{Options: Options{Key: querykey.New("a"), QueryFunc: fnA}})
	assert.NoError(t, err)
	_, err = c.FetchQuery(context.Background(), FetchQueryOptions{Options: Options{Key: querykey.New("b"), QueryFunc: fnB}})
	assert.NoError(t, err)

	// Refetches everything matching, observed or not, and waits.
	err = c.RefetchQueries(context.Background(), nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, countA.Load())
	assert.EqualValues(t, 2, countB.Load())
}

func TestClientCancelQueries(t *testing.T) {
	c, _ := newTestClient(t)
	fn, _ := gatedFunc("v1")
	q := c.Cache().Build(Options{Key: querykey.New("users", 1), QueryFunc: fn})
	handle := q.Fetch(nil)

	c.CancelQueries(nil, CancelOptions{Revert: true})
	_, err := handle.Wait(context.Background())
	assert.True(t, retryer.IsCancelled(err))
	assert.Eventually(t, func() bool {
		return q.State().FetchStatus == FetchIdle
	}, time.Second, time.Millisecond)
}

func TestClientRemoveQueries(t *testing.T) {
	c, _ := newTestClient(t)
	c.SetQueryData(querykey.New("users", 1), "u1")
	c.SetQueryData(querykey.New("users", 2), "u2")
	c.SetQueryData(querykey.New("posts", 1), "p1")

	c.RemoveQueries(&Filters{Key: querykey.New("users")})
	assert.Equal(t, 1, c.Cache().Count())
	_, ok := c.GetQueryData(querykey.New("posts", 1))
	assert.True(t, ok)
}

func TestClientResetQueries(t *testing.T) {
	c, _ := newTestClient(t)
	key := querykey.New("users", 1)
	c.SetQueryData(key, "u1")
	q := c.Cache().GetByKey(key)
	q.Invalidate()

	err := c.ResetQueries(context.Background(), nil)
	assert.NoError(t, err)
	st := q.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Nil(t, st.Data)
	assert.False(t, st.IsInvalidated)
}

func TestClientIsFetching(t *testing.T) {
	c, _ := newTestClient(t)
	fnA, gateA := gatedFunc("a")
	fnB, gateB := gatedFunc("b")
	qA := c.Cache().Build(Options{Key: querykey.New("a"), QueryFunc: fnA})
	qB := c.Cache().Build(Options{Key: querykey.New("b"), QueryFunc: fnB})
	hA := qA.Fetch(nil)
	hB := qB.Fetch(nil)

	assert.Equal(t, 2, c.IsFetching(nil))
	assert.Equal(t, 1, c.IsFetching(&Filters{Key: querykey.New("a")}))

	close(gateA)
	close(gateB)
	_, _ = hA.Wait(context.Background())
	_, _ = hB.Wait(context.Background())
	assert.Equal(t, 0, c.IsFetching(nil))
}

func TestClientDefaultsLayering(t *testing.T) {
	mock := clock.NewMock()
	c := New(
		WithLogger(logger.NewTestLogger()),
		WithClock(mock),
		WithDefaultOptions(Options{StaleTime: Duration(time.Minute)}),
	)
	t.Cleanup(c.Close)

	c.SetQueryDefaults(querykey.New("users"), Options{StaleTime: Duration(time.Hour)})

	o := NewObserver(c, Options{Key: querykey.New("users", 1)})
	assert.Equal(t, time.Hour, o.Options().staleTime())

	o = NewObserver(c, Options{Key: querykey.New("posts", 1)})
	assert.Equal(t, time.Minute, o.Options().staleTime())

	// An explicit zero survives both default layers.
	o = NewObserver(c, Options{Key: querykey.New("users", 2), StaleTime: Duration(0)})
	assert.Equal(t, time.Duration(0), o.Options().staleTime())

	// Re-registering a prefix replaces its earlier entry.
	c.SetQueryDefaults(querykey.New("users"), Options{StaleTime: Duration(2 * time.Hour)})
	o = NewObserver(c, Options{Key: querykey.New("users", 3)})
	assert.Equal(t, 2*time.Hour, o.Options().staleTime())

	folded := c.GetQueryDefaults(querykey.New("users", 9))
	assert.Equal(t, 2*time.Hour, folded.staleTime())
	assert.Empty(t, c.GetQueryDefaults(querykey.New("posts", 9)).StaleTime)
}

func TestClientMountFocusSweep(t *testing.T) {
	c, _ := newTestClient(t)
	fn, count := sequenceFunc()
	o := NewObserver(c, Options{
		Key:            querykey.New("feed"),
		QueryFunc:      fn,
		StaleTime:      Duration(time.Hour),
		RefetchOnFocus: RefetchAlways,
	})
	listen, ch := resultsChan()
	defer o.Subscribe(listen)()
	awaitResult(t, ch, func(r Result) bool { return r.Data == "v1" })

	// Unmounted: focus transitions go nowhere.
	c.Focus().SetFocused(false)
	c.Focus().SetFocused(true)
	assert.EqualValues(t, 1, count.Load())

	c.Mount()
	defer c.Unmount()
	c.Focus().SetFocused(false)
	c.Focus().SetFocused(true)
	awaitResult(t, ch, func(r Result) bool { return r.Data == "v2" })
	assert.EqualValues(t, 2, count.Load())
}

func TestClientMountOnlineResume(t *testing.T) {
	c, _ := newTestClient(t)
	c.Mount()
	defer c.Unmount()

	c.Online().SetOnline(false)
	fn, _ := countingFunc("v1")
	q := c.Cache().Build(Options{Key: querykey.New("users", 1), QueryFunc: fn})
	handle := q.Fetch(nil)
	assert.Equal(t, FetchPaused, q.State().FetchStatus)

	c.Online().SetOnline(true)
	data, err := handle.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "v1", data)
}

func TestClientFetchQueryWithoutDeduplication(t *testing.T) {
	mock := clock.NewMock()
	c := New(
		WithLogger(logger.NewTestLogger()),
		WithClock(mock),
		WithRequestDeduplication(false),
	)
	t.Cleanup(c.Close)

	var count atomic.Int64
	started := make(chan struct{})
	gate := make(chan struct{})
	fqo := FetchQueryOptions{Options: Options{
		Key: querykey.New("users", 1),
		QueryFunc: func(ctx context.Context, _ QueryFuncContext) (any, error) {
			if count.Add(1) == 1 {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}
			<-gate
			return "v2", nil
		},
	}}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.FetchQuery(context.Background(), fqo)
		errCh <- err
	}()
	<-started

	// The second call cancels the first caller's fetch and starts over.
	resCh := make(chan any, 1)
	go func() {
		v, err := c.FetchQuery(context.Background(), fqo)
		assert.NoError(t, err)
		resCh <- v
	}()
	assert.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, time.Millisecond)

	close(gate)
	assert.True(t, retryer.IsCancelled(<-errCh))
	assert.Equal(t, "v2", <-resCh)
}

func TestClientFetchQueryCallerContext(t *testing.T) {
	c, _ := newTestClient(t)
	key := querykey.New("slow")
	var count atomic.Int64
	started := make(chan struct{})
	gate := make(chan struct{})
	fqo := FetchQueryOptions{Options: Options{
		Key: key,
		QueryFunc: func(ctx context.Context, _ QueryFuncContext) (any, error) {
			count.Add(1)
			close(started)
			select {
			case <-gate:
				return "v1", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.FetchQuery(ctx, fqo)
		errCh <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// Abandoning the wait does not abandon the shared fetch.
	close(gate)
	assert.Eventually(t, func() bool {
		data, ok := c.GetQueryData(key)
		return ok && data == "v1"
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, count.Load())
}

func TestClientMutate(t *testing.T) {
	c, _ := newTestClient(t)
	data, err := c.Mutate(context.Background(), mutation.Options{
		Key: querykey.New("todos", "add"),
		Fn: func(ctx context.Context, vars any) (any, error) {
			return map[string]any{"id": 7, "title": vars}, nil
		},
	}, "buy milk")
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 7, "title": "buy milk"}, data)
	assert.Equal(t, 1, c.MutationCache().Count())
	assert.Zero(t, c.IsMutating(nil))
}

func TestClientIsMutating(t *testing.T) {
	c, _ := newTestClient(t)
	gate := make(chan struct{})
	blocked := func(ctx context.Context, vars any) (any, error) {
		<-gate
		return "done", nil
	}
	errs := make(chan error, 2)
	run := func(key querykey.Key) {
		_, err := c.Mutate(context.Background(), mutation.Options{Key: key, Fn: blocked}, nil)
		errs <- err
	}
	go run(querykey.New("todos", "add"))
	go run(querykey.New("users", "rename"))

	assert.Eventually(t, func() bool {
		return c.IsMutating(nil) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.IsMutating(&mutation.Filters{Key: querykey.New("todos")}))

	close(gate)
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
	assert.Zero(t, c.IsMutating(nil))
}

func TestClientMutationDefaultsLayering(t *testing.T) {
	mock := clock.NewMock()
	c := New(
		WithLogger(logger.NewTestLogger()),
		WithClock(mock),
		WithDefaultMutationOptions(mutation.Options{Meta: map[string]any{"app": "sandbox"}}),
	)
	t.Cleanup(c.Close)

	c.SetMutationDefaults(querykey.New("todos"), mutation.Options{
		Fn: func(ctx context.Context, vars any) (any, error) {
			return "from defaults", nil
		},
	})
	assert.NotNil(t, c.GetMutationDefaults(querykey.New("todos", "add")).Fn)
	assert.Nil(t, c.GetMutationDefaults(querykey.New("users")).Fn)

	// The key-prefix default supplies the function, the client-wide
	// default supplies the meta.
	data, err := c.Mutate(context.Background(), mutation.Options{Key: querykey.New("todos", "add")}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "from defaults", data)
	m := c.MutationCache().GetAll()[0]
	assert.Equal(t, map[string]any{"app": "sandbox"}, m.Meta())

	// A call-site function wins over the registered one.
	data, err = c.Mutate(context.Background(), mutation.Options{
		Key: querykey.New("todos", "add"),
		Fn: func(ctx context.Context, vars any) (any, error) {
			return "from call", nil
		},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "from call", data)
}

func TestClientMutationObserver(t *testing.T) {
	c, _ := newTestClient(t)
	c.SetMutationDefaults(querykey.New("todos"), mutation.Options{
		Fn: func(ctx context.Context, vars any) (any, error) {
			return "saved", nil
		},
	})

	o := c.MutationObserver(mutation.Options{Key: querykey.New("todos", "add")})
	results := make(chan mutation.Result, 16)
	defer o.Subscribe(func(r mutation.Result) { results <- r })()

	data, err := o.Mutate(context.Background(), "vars")
	assert.NoError(t, err)
	assert.Equal(t, "saved", data)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-results:
			if r.IsSuccess() {
				assert.Equal(t, "saved", r.Data)
				assert.Equal(t, "vars", r.Vars)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for mutation success")
		}
	}
}

func TestClientClear(t *testing.T) {
	c, _ := newTestClient(t)
	c.SetQueryData(querykey.New("users", 1), "alice")
	_, err := c.Mutate(context.Background(), mutation.Options{
		Fn: func(ctx context.Context, vars any) (any, error) { return "ok", nil },
	}, nil)
	assert.NoError(t, err)

	c.Clear()
	assert.Zero(t, c.Cache().Count())
	assert.Zero(t, c.MutationCache().Count())
}
