package query

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/agentuity/go-query/querykey"
)

func TestOptionsDefaults(t *testing.T) {
	var o Options
	assert.True(t, o.enabled())
	assert.Equal(t, time.Duration(0), o.staleTime())
	assert.Equal(t, DefaultGCTime, o.gcTime())
	assert.Equal(t, NetworkModeOnline, o.networkMode())
	assert.Equal(t, RefetchIfStale, o.refetchOnSubscribe())
	assert.Equal(t, RefetchIfStale, o.refetchOnFocus())
	assert.Equal(t, RefetchIfStale, o.refetchOnReconnect())
	assert.True(t, o.structuralSharing())
	assert.False(t, o.refetchIntervalInBackground())
	assert.False(t, o.hasPlaceholder())

	// The default retry policy allows DefaultRetryCount retries.
	retry := o.retry()
	boom := errors.New("boom")
	assert.True(t, retry(DefaultRetryCount, boom))
	assert.False(t, retry(DefaultRetryCount+1, boom))
	assert.Equal(t, time.Second, o.retryDelay()(1, boom))
}

func TestOptionsExplicitValues(t *testing.T) {
	o := Options{
		Enabled:           Bool(false),
		StaleTime:         Duration(time.Minute),
		GCTime:            Duration(-1),
		NetworkMode:       NetworkModeAlways,
		StructuralSharing: Bool(false),
	}
	assert.False(t, o.enabled())
	assert.Equal(t, time.Minute, o.staleTime())
	assert.Equal(t, -time.Nanosecond, o.gcTime()) // Duration(-1) is -1ns; negative disables.
	assert.Equal(t, NetworkModeAlways, o.networkMode())
	assert.False(t, o.structuralSharing())
}

func TestOptionsRefetchInterval(t *testing.T) {
	var o Options
	assert.Equal(t, time.Duration(0), o.refetchInterval(nil))

	o.RefetchInterval = Duration(time.Minute)
	assert.Equal(t, time.Minute, o.refetchInterval(nil))

	// The func form wins over the fixed interval.
	o.RefetchIntervalFunc = func(*Query) time.Duration { return 30 * time.Second }
	assert.Equal(t, 30*time.Second, o.refetchInterval(nil))
}

func TestOptionsSeedData(t *testing.T) {
	var o Options
	_, ok := o.seedData()
	assert.False(t, ok)

	o.InitialData = "seed"
	data, ok := o.seedData()
	assert.True(t, ok)
	assert.Equal(t, "seed", data)

	// The func form wins, and a nil return means no seed.
	o.InitialDataFunc = func() any { return nil }
	_, ok = o.seedData()
	assert.False(t, ok)

	o.InitialDataFunc = func() any { return "computed" }
	data, ok = o.seedData()
	assert.True(t, ok)
	assert.Equal(t, "computed", data)
}

func TestMergeOptionsOverrideWins(t *testing.T) {
	base := Options{
		Key:       querykey.New("users"),
		StaleTime: Duration(time.Hour),
		GCTime:    Duration(time.Hour),
		Enabled:   Bool(true),
		Meta:      map[string]any{"source": "base"},
	}
	override := Options{
		Key:       querykey.New("users", 1),
		StaleTime: Duration(time.Minute),
		Enabled:   Bool(false),
	}
	m := mergeOptions(base, override)
	assert.Equal(t, querykey.New("users", 1), m.Key)
	assert.Equal(t, time.Minute, m.staleTime())
	assert.False(t, m.enabled())
	// Unset fields inherit.
	assert.Equal(t, time.Hour, m.gcTime())
	assert.Equal(t, "base", m.Meta["source"])
}

func TestMergeOptionsExplicitZeroSurvives(t *testing.T) {
	base := Options{StaleTime: Duration(time.Hour)}
	override := Options{StaleTime: Duration(0)}
	m := mergeOptions(base, override)
	assert.Equal(t, time.Duration(0), m.staleTime())
}

func TestMergeOptionsKeepsQueryFunc(t *testing.T) {
	called := false
	base := Options{
		Key:       querykey.New("users", 1),
		QueryFunc: func(context.Context, QueryFuncContext) (any, error) { called = true; return "v", nil },
	}
	keyOnly := Options{Key: querykey.New("users", 1)}
	m := mergeOptions(base, keyOnly)
	assert.NotNil(t, m.QueryFunc)
	_, err := m.QueryFunc(context.Background(), QueryFuncContext{})
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestMergeOptionsEnums(t *testing.T) {
	base := Options{NetworkMode: NetworkModeOfflineFirst, RefetchOnFocus: RefetchNever}
	m := mergeOptions(base, Options{})
	assert.Equal(t, NetworkModeOfflineFirst, m.NetworkMode)
	assert.Equal(t, RefetchNever, m.RefetchOnFocus)

	m = mergeOptions(base, Options{NetworkMode: NetworkModeAlways, RefetchOnFocus: RefetchAlways})
	assert.Equal(t, NetworkModeAlways, m.NetworkMode)
	assert.Equal(t, RefetchAlways, m.RefetchOnFocus)
}

func TestDefaultsFromEnv(t *testing.T) {
	t.Setenv("GOQUERY_STALE_TIME", "90s")
	t.Setenv("GOQUERY_GC_TIME", "2d")
	t.Setenv("GOQUERY_RETRY", "5")

	o := DefaultsFromEnv("GOQUERY")
	assert.Equal(t, 90*time.Second, o.staleTime())
	assert.Equal(t, 48*time.Hour, o.gcTime())
	boom := errors.New("boom")
	assert.True(t, o.retry()(5, boom))
	assert.False(t, o.retry()(6, boom))
}

func TestDefaultsFromEnvRetryWords(t *testing.T) {
	t.Setenv("GOQUERY_RETRY", "never")
	o := DefaultsFromEnv("GOQUERY")
	assert.False(t, o.retry()(1, errors.New("boom")))

	t.Setenv("GOQUERY_RETRY", "always")
	o = DefaultsFromEnv("GOQUERY")
	assert.True(t, o.retry()(100, errors.New("boom")))
}

func TestDefaultsFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("GOQUERY_STALE_TIME", "not-a-duration")
	t.Setenv("GOQUERY_RETRY", "-3")
	o := DefaultsFromEnv("GOQUERY")
	assert.Nil(t, o.StaleTime)
	assert.Nil(t, o.Retry)
}

func TestThrowAlways(t *testing.T) {
	assert.True(t, ThrowAlways(errors.New("boom"), nil))
}
