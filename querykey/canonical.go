package querykey

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"time"
)

// canonical renders k as a deterministic string. The form resembles JSON
// but is not wire JSON: map keys are sorted, floats that hold integral
// values render as integers, and non-serializable segments degrade to
// stable placeholder strings instead of failing.
func canonical(k Key) string {
	b := make([]byte, 0, 64)
	b = appendSlice(b, []any(k))
	return string(b)
}

func segmentEqual(a, b any) bool {
	return string(appendCanonical(nil, a)) == string(appendCanonical(nil, b))
}

func appendCanonical(b []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(b, "null"...)
	case bool:
		return strconv.AppendBool(b, val)
	case string:
		return strconv.AppendQuote(b, val)
	case int:
		return strconv.AppendInt(b, int64(val), 10)
	case int8:
		return strconv.AppendInt(b, int64(val), 10)
	case int16:
		return strconv.AppendInt(b, int64(val), 10)
	case int32:
		return strconv.AppendInt(b, int64(val), 10)
	case int64:
		return strconv.AppendInt(b, val, 10)
	case uint:
		return strconv.AppendUint(b, uint64(val), 10)
	case uint8:
		return strconv.AppendUint(b, uint64(val), 10)
	case uint16:
		return strconv.AppendUint(b, uint64(val), 10)
	case uint32:
		return strconv.AppendUint(b, uint64(val), 10)
	case uint64:
		return strconv.AppendUint(b, val, 10)
	case float32:
		return appendFloat(b, float64(val))
	case float64:
		return appendFloat(b, val)
	case json.Number:
		return appendNumber(b, val)
	case time.Time:
		return strconv.AppendQuote(b, val.UTC().Format(time.RFC3339Nano))
	case []byte:
		return strconv.AppendQuote(b, "0x"+hex.EncodeToString(val))
	case Key:
		return appendSlice(b, []any(val))
	case []any:
		return appendSlice(b, val)
	case map[string]any:
		return appendMap(b, val)
	case fmt.Stringer:
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return append(b, "null"...)
		}
		return strconv.AppendQuote(b, val.String())
	}
	return appendReflected(b, v)
}

// appendFloat keeps integral floats identical to their integer forms so
// a segment parsed from JSON as float64(7) addresses the same entry as
// int(7). NaN and infinities are not valid JSON numbers and render as
// quoted markers.
func appendFloat(b []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return strconv.AppendQuote(b, "NaN")
	case math.IsInf(f, 1):
		return strconv.AppendQuote(b, "+Inf")
	case math.IsInf(f, -1):
		return strconv.AppendQuote(b, "-Inf")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.AppendInt(b, int64(f), 10)
	}
	return strconv.AppendFloat(b, f, 'g', -1, 64)
}

func appendNumber(b []byte, n json.Number) []byte {
	if i, err := n.Int64(); err == nil {
		return strconv.AppendInt(b, i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return appendFloat(b, f)
	}
	return strconv.AppendQuote(b, n.String())
}

func appendSlice(b []byte, s []any) []byte {
	b = append(b, '[')
	for i, elem := range s {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendCanonical(b, elem)
	}
	return append(b, ']')
}

func appendMap(b []byte, m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b = append(b, '{')
	for i, k := range keys {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendQuote(b, k)
		b = append(b, ':')
		b = appendCanonical(b, m[k])
	}
	return append(b, '}')
}

// appendReflected handles segments outside the fast-path type switch:
// funcs, pointers, typed slices and maps, and structs. Structs go through
// their JSON field view and come back as sorted maps, so struct field
// declaration order does not leak into the hash.
func appendReflected(b []byte, v any) []byte {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		name := runtime.FuncForPC(rv.Pointer()).Name()
		if name == "" {
			name = "anonymous"
		}
		return strconv.AppendQuote(b, "fn:"+name)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return append(b, "null"...)
		}
		return appendCanonical(b, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		s := make([]any, rv.Len())
		for i := range s {
			s[i] = rv.Index(i).Interface()
		}
		return appendSlice(b, s)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = iter.Value().Interface()
			}
			return appendMap(b, m)
		}
	}
	return appendJSONView(b, v)
}

func appendJSONView(b []byte, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return strconv.AppendQuote(b, fmt.Sprintf("%#v", v))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return strconv.AppendQuote(b, string(data))
	}
	return appendCanonical(b, decoded)
}
