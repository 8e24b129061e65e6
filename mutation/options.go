// Package mutation runs tracked side-effect operations: each call gets
// its own entry with retry, offline pausing, and a four-phase callback
// lifecycle, held in a cache so concurrent and paused mutations stay
// observable. It is the write-side counterpart of the query package and
// is usually reached through a query client.
package mutation

import (
	"context"
	"time"

	"github.com/agentuity/go-query/internal/retryer"
	"github.com/agentuity/go-query/querykey"
)

// DefaultGCTime is how long a settled, unobserved mutation survives
// before collection.
const DefaultGCTime = 5 * time.Minute

// Func performs the side effect.
type Func func(ctx context.Context, vars any) (any, error)

// NetworkMode controls how a mutation interacts with connectivity.
type NetworkMode int

const (
	// NetworkModeDefault inherits, resolving to NetworkModeOnline.
	NetworkModeDefault NetworkMode = iota
	// NetworkModeOnline pauses the mutation while offline.
	NetworkModeOnline
	// NetworkModeAlways ignores connectivity.
	NetworkModeAlways
	// NetworkModeOfflineFirst runs the first attempt regardless and
	// pauses retries while offline.
	NetworkModeOfflineFirst
)

// Options configure a mutation. Callbacks run in lifecycle order:
// OnMutate before the function, then OnSuccess or OnError, then
// OnSettled. The value OnMutate returns is threaded into the later
// callbacks, which is where rollback snapshots for optimistic updates
// live.
type Options struct {
	// Key groups related mutations for filters and defaults. Optional.
	Key querykey.Key
	Fn  Func

	// Retry decides whether a failed attempt is retried. Mutations
	// default to no retries; a non-idempotent side effect must opt in.
	Retry retryer.ShouldRetryFunc
	// RetryDelay computes backoff between attempts. Defaults to
	// retryer.DefaultDelay.
	RetryDelay  retryer.DelayFunc
	NetworkMode NetworkMode

	// GCTime is how long a settled, unobserved mutation survives.
	// Negative disables collection. Defaults to DefaultGCTime.
	GCTime *time.Duration

	// OnMutate runs before the function. Its result is passed to the
	// other callbacks; an error aborts the mutation without running Fn.
	OnMutate func(ctx context.Context, vars any) (any, error)
	// OnSuccess runs after Fn succeeds.
	OnSuccess func(ctx context.Context, data any, vars any, mutateCtx any)
	// OnError runs after Fn exhausts its retries.
	OnError func(ctx context.Context, err error, vars any, mutateCtx any)
	// OnSettled runs after either outcome.
	OnSettled func(ctx context.Context, data any, err error, vars any, mutateCtx any)

	// Meta is carried by the mutation for callbacks and filters.
	Meta map[string]any
}

// Duration returns a pointer to d, for optional Options fields.
func Duration(d time.Duration) *time.Duration { return &d }

func (o Options) retry() retryer.ShouldRetryFunc {
	if o.Retry == nil {
		return retryer.RetryNever
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

func (o Options) gcTime() time.Duration {
	if o.GCTime == nil {
		return DefaultGCTime
	}
	return *o.GCTime
}

// Merge layers override onto base: set fields of override win, unset
// fields inherit from base. Used for key-prefix mutation defaults.
func Merge(base, override Options) Options {
	m := base
	if override.Key != nil {
		m.Key = override.Key
	}
	if override.Fn != nil {
		m.Fn = override.Fn
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
	if override.GCTime != nil {
		m.GCTime = override.GCTime
	}
	if override.OnMutate != nil {
		m.OnMutate = override.OnMutate
	}
	if override.OnSuccess != nil {
		m.OnSuccess = override.OnSuccess
	}
	if override.OnError != nil {
		m.OnError = override.OnError
	}
	if override.OnSettled != nil {
		m.OnSettled = override.OnSettled
	}
	if override.Meta != nil {
		m.Meta = override.Meta
	}
	return m
}
