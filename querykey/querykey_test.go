package querykey

import (
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKeyDeterministic(t *testing.T) {
	k := New("todos", 5, map[string]any{"status": "open", "page": 2})
	assert.Equal(t, HashKey(k), HashKey(k))

	again := New("todos", 5, map[string]any{"page": 2, "status": "open"})
	assert.Equal(t, HashKey(k), HashKey(again))
}

func TestHashKeyMapOrderIrrelevant(t *testing.T) {
	a := map[string]any{}
	a["alpha"] = 1
	a["beta"] = 2
	a["gamma"] = map[string]any{"x": true, "y": false}

	b := map[string]any{}
	b["gamma"] = map[string]any{"y": false, "x": true}
	b["beta"] = 2
	b["alpha"] = 1

	assert.Equal(t, HashKey(New("filters", a)), HashKey(New("filters", b)))
}

func TestHashKeyDistinguishes(t *testing.T) {
	assert.NotEqual(t, HashKey(New("todos", 1)), HashKey(New("todos", 2)))
	assert.NotEqual(t, HashKey(New("todos")), HashKey(New("todos", nil)))
	assert.NotEqual(t, HashKey(New("a")), HashKey(New("a", "b")))
	assert.NotEqual(t,
		HashKey(New(map[string]any{"id": 1})),
		HashKey(New(map[string]any{"id": 2})))
	// A string segment is not the same as a numeric one.
	assert.NotEqual(t, HashKey(New("todos", "1")), HashKey(New("todos", 1)))
}

func TestHashKeyNumericIdentity(t *testing.T) {
	assert.Equal(t, HashKey(New(1)), HashKey(New(int64(1))))
	assert.Equal(t, HashKey(New(1)), HashKey(New(float64(1))))
	assert.Equal(t, HashKey(New(1000000)), HashKey(New(float64(1e6))))
	assert.Equal(t, HashKey(New(uint8(7))), HashKey(New(7)))
	assert.NotEqual(t, HashKey(New(1)), HashKey(New(1.5)))
}

func TestHashKeySpecialFloats(t *testing.T) {
	nan := HashKey(New(math.NaN()))
	assert.Equal(t, nan, HashKey(New(math.NaN())))
	assert.NotEqual(t, nan, HashKey(New(math.Inf(1))))
	assert.NotEqual(t, HashKey(New(math.Inf(1))), HashKey(New(math.Inf(-1))))
}

func TestHashKeyNilVersusEmptyCollections(t *testing.T) {
	var nilMap map[string]any
	var nilSlice []any
	assert.Equal(t, HashKey(New("m", nilMap)), HashKey(New("m", map[string]any{})))
	assert.Equal(t, HashKey(New("s", nilSlice)), HashKey(New("s", []any{})))
}

func TestHashKeyTimeSegments(t *testing.T) {
	instant := time.Date(2024, 3, 9, 12, 30, 0, 123456789, time.UTC)
	loc := time.FixedZone("plus2", 2*60*60)
	assert.Equal(t, HashKey(New("since", instant)), HashKey(New("since", instant.In(loc))))
	assert.NotEqual(t, HashKey(New("since", instant)), HashKey(New("since", instant.Add(time.Nanosecond))))
}

type userID int

func (u userID) String() string { return "user-" + strconv.Itoa(int(u)) }

func TestHashKeyStringerSegments(t *testing.T) {
	assert.Equal(t, HashKey(New(userID(3))), HashKey(New("user-3")))
}

type nilStringer struct{}

func (n *nilStringer) String() string { return "never" }

func TestHashKeyNilStringerPointer(t *testing.T) {
	var s *nilStringer
	assert.NotPanics(t, func() { HashKey(New("x", s)) })
	assert.Equal(t, HashKey(New("x", s)), HashKey(New("x", nil)))
}

func TestHashKeyStructMatchesEquivalentMap(t *testing.T) {
	type filter struct {
		Status string `json:"status"`
		Page   int    `json:"page"`
	}
	h := HashKey(New("todos", filter{Status: "open", Page: 2}))
	assert.Equal(t, h, HashKey(New("todos", map[string]any{"page": 2, "status": "open"})))
}

func TestHashKeyFuncSegments(t *testing.T) {
	fn := strings.ToUpper
	require.NotPanics(t, func() { HashKey(New("derived", fn)) })
	assert.Equal(t, HashKey(New("derived", fn)), HashKey(New("derived", fn)))
}

func TestHashKeyLongFormsCompacted(t *testing.T) {
	long := New("blob", strings.Repeat("x", 4096))
	h := HashKey(long)
	require.True(t, strings.HasPrefix(h, hashPrefix))
	assert.Len(t, h, len(hashPrefix)+16)
	assert.Equal(t, h, HashKey(New("blob", strings.Repeat("x", 4096))))
	assert.NotEqual(t, h, HashKey(New("blob", strings.Repeat("y", 4096))))
}

func TestHashKeyByteSegments(t *testing.T) {
	assert.Equal(t, HashKey(New([]byte{0xde, 0xad})), HashKey(New([]byte{0xde, 0xad})))
	assert.NotEqual(t, HashKey(New([]byte("id"))), HashKey(New("id")))
}

func TestMatches(t *testing.T) {
	k := New("table", "users", 42)

	assert.True(t, Matches(k, Key{}))
	assert.True(t, Matches(k, New("table")))
	assert.True(t, Matches(k, New("table", "users")))
	assert.True(t, Matches(k, New("table", "users", 42)))

	assert.False(t, Matches(k, New("table", "orders")))
	assert.False(t, Matches(k, New("users")))
	assert.False(t, Matches(k, New("table", "users", 42, "extra")))
}

func TestMatchesMapSegments(t *testing.T) {
	k := New("todos", map[string]any{"status": "open", "page": 1})
	assert.True(t, Matches(k, New("todos", map[string]any{"page": 1, "status": "open"})))
	assert.False(t, Matches(k, New("todos", map[string]any{"page": 2, "status": "open"})))
}

func TestMatchesNumericSegments(t *testing.T) {
	// Keys decoded from JSON carry float64 segments.
	k := New("todos", float64(42))
	assert.True(t, Matches(k, New("todos", 42)))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(New("a", 1), New("a", 1)))
	assert.False(t, Equal(New("a", 1), New("a", 1, 2)))
	assert.False(t, Equal(New("a", 1), New("a", 2)))
}

func TestCloneIsolation(t *testing.T) {
	params := map[string]any{"status": "open", "tags": []any{"red", "blue"}}
	original := New("todos", params)
	cloned := Clone(original)
	require.Equal(t, HashKey(original), HashKey(cloned))

	params["status"] = "closed"
	params["tags"].([]any)[0] = "green"

	assert.NotEqual(t, HashKey(original), HashKey(cloned))
	assert.True(t, Matches(cloned, New("todos", map[string]any{"status": "open", "tags": []any{"red", "blue"}})))
}

func TestCloneNil(t *testing.T) {
	assert.Nil(t, Clone(nil))
}
