package query

import (
	"github.com/agentuity/go-query/querykey"
)

// TypeFilter selects queries by observer activity.
type TypeFilter int

const (
	// TypeAll matches regardless of observers.
	TypeAll TypeFilter = iota
	// TypeActive matches queries with at least one enabled observer.
	TypeActive
	// TypeInactive matches queries with no enabled observer.
	TypeInactive
)

func (t TypeFilter) String() string {
	switch t {
	case TypeActive:
		return "active"
	case TypeInactive:
		return "inactive"
	default:
		return "all"
	}
}

// Filters narrow which queries a cache or client verb applies to. The
// zero value matches every query; set fields combine with AND.
type Filters struct {
	// Key matches by key prefix, or exactly when Exact is set.
	Key querykey.Key
	// Exact requires the whole key to match instead of a prefix.
	Exact bool
	// Type filters by observer activity.
	Type TypeFilter
	// Stale, when set, filters by staleness.
	Stale *bool
	// FetchStatus, when set, filters by fetch activity.
	FetchStatus *FetchStatus
	// Predicate, when set, must accept the query. It runs last.
	Predicate func(*Query) bool
}

func (f *Filters) matches(q *Query) bool {
	if f == nil {
		return true
	}
	if f.Key != nil {
		if f.Exact {
			if querykey.HashKey(f.Key) != q.Hash() {
				return false
			}
		} else if !querykey.Matches(q.Key(), f.Key) {
			return false
		}
	}
	switch f.Type {
	case TypeActive:
		if !q.IsActive() {
			return false
		}
	case TypeInactive:
		if q.IsActive() {
			return false
		}
	}
	if f.Stale != nil && *f.Stale != q.IsStale() {
		return false
	}
	if f.FetchStatus != nil && *f.FetchStatus != q.State().FetchStatus {
		return false
	}
	if f.Predicate != nil && !f.Predicate(q) {
		return false
	}
	return true
}
