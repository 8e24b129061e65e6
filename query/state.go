package query

import (
	"time"
)

// Status describes the result lifecycle of a query. It answers "what do
// we know about the data", independent of whether a fetch is running.
type Status int

const (
	// StatusIdle means the query has never produced data or an error.
	StatusIdle Status = iota
	// StatusLoading means the first fetch was dispatched and there is no
	// data yet.
	StatusLoading
	// StatusError means the most recent settled fetch failed and no
	// success has happened since. Previously fetched data is retained.
	StatusError
	// StatusSuccess means data is present and no unresolved error
	// happened since it arrived.
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusError:
		return "error"
	case StatusSuccess:
		return "success"
	}
	return "unknown"
}

// FetchStatus describes fetch activity, orthogonal to Status: a
// successful query can be refetching, and a loading query can be paused
// waiting for connectivity.
type FetchStatus int

const (
	// FetchIdle means no fetch is running.
	FetchIdle FetchStatus = iota
	// Fetching means a fetch is executing now.
	Fetching
	// FetchPaused means a fetch wants to run but waits for connectivity.
	FetchPaused
)

func (s FetchStatus) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case Fetching:
		return "fetching"
	case FetchPaused:
		return "paused"
	}
	return "unknown"
}

// State is the observable snapshot of a query. Transitions go through
// the on* helpers below so every mutation site agrees on the rules.
type State struct {
	Data             any
	DataUpdatedAt    time.Time
	DataUpdateCount  int
	Error            error
	ErrorUpdatedAt   time.Time
	ErrorUpdateCount int
	FailureCount     int
	FailureReason    error
	FetchStatus      FetchStatus
	Status           Status
	IsInvalidated    bool
}

func (s State) hasData() bool { return !s.DataUpdatedAt.IsZero() }

// onFetch records a fetch dispatch. A query with no data enters
// StatusLoading and sheds any previous error.
func (s State) onFetch(fetchStatus FetchStatus) State {
	s.FetchStatus = fetchStatus
	s.FailureCount = 0
	s.FailureReason = nil
	if !s.hasData() {
		s.Error = nil
		s.Status = StatusLoading
	}
	return s
}

// onSuccess records new data. A successful fetch clears invalidation
// and any error. Manual writes leave FetchStatus alone since a real
// fetch may still be in flight.
func (s State) onSuccess(data any, at time.Time, manual bool) State {
	s.Data = data
	s.DataUpdatedAt = at
	s.DataUpdateCount++
	s.Error = nil
	s.Status = StatusSuccess
	s.IsInvalidated = false
	s.FailureCount = 0
	s.FailureReason = nil
	if !manual {
		s.FetchStatus = FetchIdle
	}
	return s
}

// onError records a settled failure. Data is retained so consumers can
// keep showing the stale value next to the error.
func (s State) onError(err error, at time.Time) State {
	s.Error = err
	s.ErrorUpdatedAt = at
	s.ErrorUpdateCount++
	s.FailureReason = err
	s.Status = StatusError
	s.FetchStatus = FetchIdle
	return s
}

// onFailed records one failed attempt inside a retry cycle without
// settling the fetch.
func (s State) onFailed(failureCount int, reason error) State {
	s.FailureCount = failureCount
	s.FailureReason = reason
	return s
}

func (s State) onPause() State {
	s.FetchStatus = FetchPaused
	return s
}

func (s State) onContinue() State {
	s.FetchStatus = Fetching
	return s
}

func (s State) onInvalidate() State {
	s.IsInvalidated = true
	return s
}

// onFetchStop resets fetch activity without recording an outcome, used
// by silent cancellation.
func (s State) onFetchStop() State {
	s.FetchStatus = FetchIdle
	return s
}
