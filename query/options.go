package query

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/agentuity/go-query/internal/retryer"
	"github.com/agentuity/go-query/querykey"
)

// DefaultGCTime is how long an unobserved query survives before it is
// collected.
const DefaultGCTime = 5 * time.Minute

// DefaultRetryCount is the number of retries applied when no Retry
// policy is configured, so a fetch runs at most four times.
const DefaultRetryCount = 3

// StaleTimeStatic marks data as never stale by age. Only explicit
// invalidation or an explicit refetch moves it again.
const StaleTimeStatic time.Duration = -1

// QueryFuncContext carries the query identity into a QueryFunc. The
// fetch context passed alongside is cancelled when the fetch is
// cancelled or superseded.
type QueryFuncContext struct {
	Key  querykey.Key
	Meta map[string]any
}

// QueryFunc loads the data for a query.
type QueryFunc func(ctx context.Context, qfc QueryFuncContext) (any, error)

// SelectFunc projects cached data into the shape an observer consumes.
// An error marks the observer result as failed without touching the
// cached data or triggering a retry.
type SelectFunc func(data any) (any, error)

// PlaceholderFunc produces display data for a query that has none yet.
// previousData and previousQuery describe the last data-bearing query
// this observer watched, which makes keep-previous-data flows possible
// when a key changes.
type PlaceholderFunc func(previousData any, previousQuery *Query) any

// ThrowPredicate decides whether an observer result should surface its
// error to the consumer's error boundary helpers.
type ThrowPredicate func(err error, q *Query) bool

// ThrowAlways surfaces every error.
func ThrowAlways(error, *Query) bool { return true }

// RefetchIntervalFunc computes a per-query refetch interval. Returning
// zero or less disables interval refetching.
type RefetchIntervalFunc func(q *Query) time.Duration

// NetworkMode controls how fetches interact with connectivity.
type NetworkMode int

const (
	// NetworkModeDefault inherits, resolving to NetworkModeOnline.
	NetworkModeDefault NetworkMode = iota
	// NetworkModeOnline pauses fetches while offline.
	NetworkModeOnline
	// NetworkModeAlways ignores connectivity.
	NetworkModeAlways
	// NetworkModeOfflineFirst runs the first attempt regardless and
	// pauses retries while offline.
	NetworkModeOfflineFirst
)

// RefetchMode controls automatic refetching on subscribe, focus, and
// reconnect.
type RefetchMode int

const (
	// RefetchInherit resolves to RefetchIfStale.
	RefetchInherit RefetchMode = iota
	// RefetchIfStale refetches only stale data.
	RefetchIfStale
	// RefetchAlways refetches unconditionally.
	RefetchAlways
	// RefetchNever suppresses the refetch. The initial fetch of a query
	// with no data still happens.
	RefetchNever
)

// Options configure a query and its observers. The zero value of every
// field means "inherit": client defaults and key-prefix defaults fill
// unset fields before the options reach a Query. Optional scalars use
// pointers so an explicit zero survives merging; build them with Bool
// and Duration.
type Options struct {
	Key       querykey.Key
	QueryFunc QueryFunc

	// Enabled gates automatic fetching. Disabled queries fetch only
	// through explicit refetch calls. Defaults to true.
	Enabled *bool
	// StaleTime is how long after a data update the data counts as
	// fresh. Zero means immediately stale; StaleTimeStatic means never
	// stale by age.
	StaleTime *time.Duration
	// GCTime is how long an unobserved query survives. Negative
	// disables collection. Defaults to DefaultGCTime.
	GCTime *time.Duration

	// Retry decides whether a failed attempt is retried. Defaults to
	// retryer.RetryCount(DefaultRetryCount).
	Retry retryer.ShouldRetryFunc
	// RetryDelay computes backoff between attempts. Defaults to
	// retryer.DefaultDelay.
	RetryDelay  retryer.DelayFunc
	NetworkMode NetworkMode

	RefetchOnSubscribe RefetchMode
	RefetchOnFocus     RefetchMode
	RefetchOnReconnect RefetchMode
	// RefetchInterval refetches on a fixed period while observed.
	RefetchInterval *time.Duration
	// RefetchIntervalFunc overrides RefetchInterval when set.
	RefetchIntervalFunc RefetchIntervalFunc
	// RefetchIntervalInBackground keeps interval refetching running
	// while the process is unfocused.
	RefetchIntervalInBackground *bool

	Select SelectFunc
	// Placeholder and PlaceholderData supply display data while a query
	// has none. Placeholder wins when both are set. Placeholder data is
	// never written to the cache.
	Placeholder     PlaceholderFunc
	PlaceholderData any

	// InitialData seeds the cache at build time as real, cached data.
	InitialData     any
	InitialDataFunc func() any
	// InitialDataUpdatedAt backdates the seed for staleness purposes.
	InitialDataUpdatedAt time.Time

	// StructuralSharing keeps old references for deeply equal subtrees
	// when new data arrives. Defaults to true.
	StructuralSharing *bool

	ThrowOnError ThrowPredicate

	// NotifyOnFields restricts observer notifications to changes of the
	// listed result fields. Empty means any change notifies.
	NotifyOnFields []ResultField

	// Meta is passed through to the QueryFunc and carried by the query.
	Meta map[string]any
}

// Bool returns a pointer to v, for optional Options fields.
func Bool(v bool) *bool { return &v }

// Duration returns a pointer to d, for optional Options fields.
func Duration(d time.Duration) *time.Duration { return &d }

func (o Options) enabled() bool {
	return o.Enabled == nil || *o.Enabled
}

func (o Options) staleTime() time.Duration {
	if o.StaleTime == nil {
		return 0
	}
	return *o.StaleTime
}

func (o Options) gcTime() time.Duration {
	if o.GCTime == nil {
		return DefaultGCTime
	}
	return *o.GCTime
}

func (o Options) retry() retryer.ShouldRetryFunc {
	if o.Retry == nil {
		return retryer.RetryCount(DefaultRetryCount)
	}
	return o.Retry
}

func (o Options) retryDelay() retryer.DelayFunc {
	if o.RetryDelay == nil {
		return retryer.DefaultDelay
	}
	return o.RetryDelay
}

func (o Options) networkMode() NetworkMode {
	if o.NetworkMode == NetworkModeDefault {
		return NetworkModeOnline
	}
	return o.NetworkMode
}

func resolveRefetchMode(m RefetchMode) RefetchMode {
	if m == RefetchInherit {
		return RefetchIfStale
	}
	return m
}

func (o Options) refetchOnSubscribe() RefetchMode { return resolveRefetchMode(o.RefetchOnSubscribe) }
func (o Options) refetchOnFocus() RefetchMode     { return resolveRefetchMode(o.RefetchOnFocus) }
func (o Options) refetchOnReconnect() RefetchMode { return resolveRefetchMode(o.RefetchOnReconnect) }

func (o Options) refetchIntervalInBackground() bool {
	return o.RefetchIntervalInBackground != nil && *o.RefetchIntervalInBackground
}

func (o Options) refetchInterval(q *Query) time.Duration {
	if o.RefetchIntervalFunc != nil {
		return o.RefetchIntervalFunc(q)
	}
	if o.RefetchInterval == nil {
		return 0
	}
	return *o.RefetchInterval
}

func (o Options) structuralSharing() bool {
	return o.StructuralSharing == nil || *o.StructuralSharing
}

func (o Options) seedData() (any, bool) {
	if o.InitialDataFunc != nil {
		data := o.InitialDataFunc()
		return data, data != nil
	}
	return o.InitialData, o.InitialData != nil
}

func (o Options) hasPlaceholder() bool {
	return o.Placeholder != nil || o.PlaceholderData != nil
}

func (o Options) hash() string {
	return querykey.HashKey(o.Key)
}

// mergeOptions layers override onto base: set fields of override win,
// unset fields inherit from base.
func mergeOptions(base, override Options) Options {
	m := base
	if override.Key != nil {
		m.Key = override.Key
	}
	if override.QueryFunc != nil {
		m.QueryFunc = override.QueryFunc
	}
	if override.Enabled != nil {
		m.Enabled = override.Enabled
	}
	if override.StaleTime != nil {
		m.StaleTime = override.StaleTime
	}
	if override.GCTime != nil {
		m.GCTime = override.GCTime
	}
	if override.Retry != nil {
		m.Retry = override.Retry
	}
	if override.RetryDelay != nil {
		m.RetryDelay = override.RetryDelay
	}
	if override.NetworkMode != NetworkModeDefault {
		m.NetworkMode = override.NetworkMode
	}
	if override.RefetchOnSubscribe != RefetchInherit {
		m.RefetchOnSubscribe = override.RefetchOnSubscribe
	}
	if override.RefetchOnFocus != RefetchInherit {
		m.RefetchOnFocus = override.RefetchOnFocus
	}
	if override.RefetchOnReconnect != RefetchInherit {
		m.RefetchOnReconnect = override.RefetchOnReconnect
	}
	if override.RefetchInterval != nil {
		m.RefetchInterval = override.RefetchInterval
	}
	if override.RefetchIntervalFunc != nil {
		m.RefetchIntervalFunc = override.RefetchIntervalFunc
	}
	if override.RefetchIntervalInBackground != nil {
		m.RefetchIntervalInBackground = override.RefetchIntervalInBackground
	}
	if override.Select != nil {
		m.Select = override.Select
	}
	if override.Placeholder != nil {
		m.Placeholder = override.Placeholder
	}
	if override.PlaceholderData != nil {
		m.PlaceholderData = override.PlaceholderData
	}
	if override.InitialData != nil {
		m.InitialData = override.InitialData
	}
	if override.InitialDataFunc != nil {
		m.InitialDataFunc = override.InitialDataFunc
	}
	if !override.InitialDataUpdatedAt.IsZero() {
		m.InitialDataUpdatedAt = override.InitialDataUpdatedAt
	}
	if override.StructuralSharing != nil {
		m.StructuralSharing = override.StructuralSharing
	}
	if override.ThrowOnError != nil {
		m.ThrowOnError = override.ThrowOnError
	}
	if len(override.NotifyOnFields) > 0 {
		m.NotifyOnFields = override.NotifyOnFields
	}
	if override.Meta != nil {
		m.Meta = override.Meta
	}
	return m
}

// DefaultsFromEnv reads default options from the environment using the
// given variable prefix: <PREFIX>_STALE_TIME, <PREFIX>_GC_TIME, and
// <PREFIX>_RETRY. Durations accept extended forms such as "90s",
// "1h30m", or "2d". Unset or unparseable variables are skipped.
func DefaultsFromEnv(prefix string) Options {
	var o Options
	if v := os.Getenv(prefix + "_STALE_TIME"); v != "" {
		if d, err := str2duration.ParseDuration(v); err == nil {
			o.StaleTime = Duration(d)
		}
	}
	if v := os.Getenv(prefix + "_GC_TIME"); v != "" {
		if d, err := str2duration.ParseDuration(v); err == nil {
			o.GCTime = Duration(d)
		}
	}
	if v := os.Getenv(prefix + "_RETRY"); v != "" {
		switch strings.ToLower(v) {
		case "never", "false", "0":
			o.Retry = retryer.RetryNever
		case "always", "true":
			o.Retry = retryer.RetryAlways
		default:
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				o.Retry = retryer.RetryCount(n)
			}
		}
	}
	return o
}
