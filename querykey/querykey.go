// Package querykey defines the cache key type and its canonical codec.
//
// A Key is an ordered tuple of JSON-serializable segments. Two keys that
// encode the same logical value produce the same hash regardless of map
// key order, so they address the same cache entry. Key prefixes group
// related entries for bulk operations such as invalidation.
package querykey

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key is an ordered tuple of segments identifying one cache entry.
// Segments may be strings, numbers, bools, nested maps, nested slices,
// or structs with a JSON representation.
type Key []any

// Hash is the canonical string identity of a Key. Keys with the same
// canonical form share a Hash.
type Hash = string

// maxCanonical is the longest canonical form kept verbatim. Longer forms
// are compacted to an xxhash digest so index keys stay bounded.
const maxCanonical = 256

const hashPrefix = "xxh:"

// New builds a Key from the given segments.
func New(segments ...any) Key {
	return Key(segments)
}

// HashKey returns the canonical hash of k. The hash is deterministic:
// segment order is preserved, map keys are sorted, times render as
// RFC3339Nano, and nil versus empty collections are not distinguished.
// Canonical forms longer than maxCanonical bytes are compacted to a
// fixed-width xxhash digest.
func HashKey(k Key) Hash {
	c := canonical(k)
	if len(c) > maxCanonical {
		return fmt.Sprintf("%s%016x", hashPrefix, xxhash.Sum64String(c))
	}
	return c
}

// Matches reports whether prefix is a component-wise prefix of k. An empty
// prefix matches every key, and a key matches itself. Segment equality
// follows the canonical form, so map key order is irrelevant.
func Matches(k, prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, p := range prefix {
		if !segmentEqual(k[i], p) {
			return false
		}
	}
	return true
}

// Equal reports whether a and b identify the same cache entry.
func Equal(a, b Key) bool {
	return HashKey(a) == HashKey(b)
}

// Clone returns a deep copy of k. Maps and slices are copied recursively
// so later mutation of the original cannot change the copy's identity.
// Pointer segments are shared with the original.
func Clone(k Key) Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	for i, seg := range k {
		out[i] = cloneValue(seg)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, elem := range val {
			m[k] = cloneValue(elem)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, elem := range val {
			s[i] = cloneValue(elem)
		}
		return s
	case Key:
		return Clone(val)
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
