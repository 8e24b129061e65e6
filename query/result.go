package query

import (
	"time"
)

// ResultField identifies one field of a Result for notification
// tracking and NotifyOnFields.
type ResultField int

const (
	FieldData ResultField = iota + 1
	FieldError
	FieldStatus
	FieldFetchStatus
	FieldDataUpdatedAt
	FieldErrorUpdatedAt
	FieldFailureCount
	FieldFailureReason
	FieldIsStale
	FieldIsPlaceholderData
	FieldIsInvalidated
	FieldIsFetched
	FieldIsFetchedAfterMount
)

var allResultFields = []ResultField{
	FieldData, FieldError, FieldStatus, FieldFetchStatus,
	FieldDataUpdatedAt, FieldErrorUpdatedAt, FieldFailureCount,
	FieldFailureReason, FieldIsStale, FieldIsPlaceholderData,
	FieldIsInvalidated, FieldIsFetched, FieldIsFetchedAfterMount,
}

func (f ResultField) String() string {
	switch f {
	case FieldData:
		return "data"
	case FieldError:
		return "error"
	case FieldStatus:
		return "status"
	case FieldFetchStatus:
		return "fetchStatus"
	case FieldDataUpdatedAt:
		return "dataUpdatedAt"
	case FieldErrorUpdatedAt:
		return "errorUpdatedAt"
	case FieldFailureCount:
		return "failureCount"
	case FieldFailureReason:
		return "failureReason"
	case FieldIsStale:
		return "isStale"
	case FieldIsPlaceholderData:
		return "isPlaceholderData"
	case FieldIsInvalidated:
		return "isInvalidated"
	case FieldIsFetched:
		return "isFetched"
	case FieldIsFetchedAfterMount:
		return "isFetchedAfterMount"
	default:
		return "unknown"
	}
}

// Result is what an observer derives from query state: the projected
// data after Select, placeholder substitution, and the staleness the
// observer's own options imply.
type Result struct {
	Status      Status
	FetchStatus FetchStatus

	Data          any
	DataUpdatedAt time.Time

	Error          error
	ErrorUpdatedAt time.Time

	FailureCount  int
	FailureReason error

	// IsStale is staleness under the observer's StaleTime.
	IsStale bool
	// IsPlaceholderData marks Data as placeholder, never cached.
	IsPlaceholderData bool
	IsInvalidated     bool
	// IsFetched means the query settled a fetch at least once, ever.
	IsFetched bool
	// IsFetchedAfterMount means it settled one since this observer was
	// created.
	IsFetchedAfterMount bool

	shouldThrow bool
}

// ShouldThrow reports whether the error should surface to the
// consumer's error boundary per the observer's ThrowOnError predicate.
// Without a predicate it is always false.
func (r Result) ShouldThrow() bool { return r.shouldThrow }

// IsPending means no data and no settled error yet.
func (r Result) IsPending() bool { return r.Status == StatusIdle || r.Status == StatusLoading }

// IsLoading means the initial fetch is executing.
func (r Result) IsLoading() bool { return r.IsPending() && r.FetchStatus == Fetching }

func (r Result) IsSuccess() bool { return r.Status == StatusSuccess }
func (r Result) IsError() bool   { return r.Status == StatusError }

func (r Result) IsFetching() bool { return r.FetchStatus == Fetching }

// IsRefetching means a fetch is running behind existing data.
func (r Result) IsRefetching() bool { return r.IsFetching() && !r.IsPending() }

func (r Result) IsPaused() bool { return r.FetchStatus == FetchPaused }

func sameErr(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return sameRef(a, b)
}

func resultFieldChanged(f ResultField, a, b Result) bool {
	switch f {
	case FieldData:
		return !sameRef(a.Data, b.Data)
	case FieldError:
		return !sameErr(a.Error, b.Error)
	case FieldStatus:
		return a.Status != b.Status
	case FieldFetchStatus:
		return a.FetchStatus != b.FetchStatus
	case FieldDataUpdatedAt:
		return !a.DataUpdatedAt.Equal(b.DataUpdatedAt)
	case FieldErrorUpdatedAt:
		return !a.ErrorUpdatedAt.Equal(b.ErrorUpdatedAt)
	case FieldFailureCount:
		return a.FailureCount != b.FailureCount
	case FieldFailureReason:
		return !sameErr(a.FailureReason, b.FailureReason)
	case FieldIsStale:
		return a.IsStale != b.IsStale
	case FieldIsPlaceholderData:
		return a.IsPlaceholderData != b.IsPlaceholderData
	case FieldIsInvalidated:
		return a.IsInvalidated != b.IsInvalidated
	case FieldIsFetched:
		return a.IsFetched != b.IsFetched
	case FieldIsFetchedAfterMount:
		return a.IsFetchedAfterMount != b.IsFetchedAfterMount
	}
	return false
}

// resultChanged reports whether any of the given fields differ. A nil
// set means every field counts.
func resultChanged(a, b Result, fields map[ResultField]struct{}) bool {
	if fields == nil {
		for _, f := range allResultFields {
			if resultFieldChanged(f, a, b) {
				return true
			}
		}
		return false
	}
	for f := range fields {
		if resultFieldChanged(f, a, b) {
			return true
		}
	}
	return false
}

// TrackedResult is a Result whose reads register with the owning
// observer: once notifications narrow to tracked fields, the observer
// only notifies for changes to fields the consumer actually read.
// Reading through Result bypasses tracking and restores notify-on-any.
type TrackedResult struct {
	r Result
	o *Observer
}

func (t TrackedResult) track(fields ...ResultField) {
	if t.o != nil {
		t.o.trackFields(fields)
	}
}

// Result returns the untracked snapshot and widens tracking to every
// field, since the caller saw them all.
func (t TrackedResult) Result() Result {
	if t.o != nil {
		t.o.trackAllFields()
	}
	return t.r
}

func (t TrackedResult) Data() any {
	t.track(FieldData)
	return t.r.Data
}

func (t TrackedResult) Error() error {
	t.track(FieldError)
	return t.r.Error
}

func (t TrackedResult) Status() Status {
	t.track(FieldStatus)
	return t.r.Status
}

func (t TrackedResult) FetchStatus() FetchStatus {
	t.track(FieldFetchStatus)
	return t.r.FetchStatus
}

func (t TrackedResult) DataUpdatedAt() time.Time {
	t.track(FieldDataUpdatedAt)
	return t.r.DataUpdatedAt
}

func (t TrackedResult) ErrorUpdatedAt() time.Time {
	t.track(FieldErrorUpdatedAt)
	return t.r.ErrorUpdatedAt
}

func (t TrackedResult) FailureCount() int {
	t.track(FieldFailureCount)
	return t.r.FailureCount
}

func (t TrackedResult) FailureReason() error {
	t.track(FieldFailureReason)
	return t.r.FailureReason
}

func (t TrackedResult) IsStale() bool {
	t.track(FieldIsStale)
	return t.r.IsStale
}

func (t TrackedResult) IsPlaceholderData() bool {
	t.track(FieldIsPlaceholderData)
	return t.r.IsPlaceholderData
}

func (t TrackedResult) IsInvalidated() bool {
	t.track(FieldIsInvalidated)
	return t.r.IsInvalidated
}

func (t TrackedResult) IsFetched() bool {
	t.track(FieldIsFetched)
	return t.r.IsFetched
}

func (t TrackedResult) IsFetchedAfterMount() bool {
	t.track(FieldIsFetchedAfterMount)
	return t.r.IsFetchedAfterMount
}

func (t TrackedResult) IsPending() bool {
	t.track(FieldStatus)
	return t.r.IsPending()
}

func (t TrackedResult) IsLoading() bool {
	t.track(FieldStatus, FieldFetchStatus)
	return t.r.IsLoading()
}

func (t TrackedResult) IsSuccess() bool {
	t.track(FieldStatus)
	return t.r.IsSuccess()
}

func (t TrackedResult) IsError() bool {
	t.track(FieldStatus)
	return t.r.IsError()
}

func (t TrackedResult) IsFetching() bool {
	t.track(FieldFetchStatus)
	return t.r.IsFetching()
}

func (t TrackedResult) IsRefetching() bool {
	t.track(FieldStatus, FieldFetchStatus)
	return t.r.IsRefetching()
}

func (t TrackedResult) IsPaused() bool {
	t.track(FieldFetchStatus)
	return t.r.IsPaused()
}

func (t TrackedResult) ShouldThrow() bool {
	t.track(FieldError)
	return t.r.ShouldThrow()
}
