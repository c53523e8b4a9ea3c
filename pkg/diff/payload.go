package diff

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change is one difference inside a payload. Path uses dotted keys and
// bracketed sequence indexes, e.g. "candidates[2].score".
type Change struct {
	Path   string     `json:"path"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// Payloads diffs two payload maps. Equal payloads produce no changes.
func Payloads(a, b map[string]any) []Change {
	var out []Change
	diffMaps("", a, b, &out)
	return out
}

// Values diffs two arbitrary structured values rooted at path.
func Values(path string, a, b any) []Change {
	var out []Change
	diffValues(path, a, b, &out)
	return out
}

func diffValues(path string, a, b any, out *[]Change) {
	a, b = generic(a), generic(b)
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			diffMaps(path, av, bv, out)
			return
		}
	case []any:
		if bv, ok := b.([]any); ok {
			diffSlices(path, av, bv, out)
			return
		}
	default:
		if !isContainer(b) && scalarEqual(a, b) {
			return
		}
	}
	*out = append(*out, Change{Path: path, Kind: Changed, Before: a, After: b})
}

func diffMaps(path string, a, b map[string]any, out *[]Change) {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		av, inA := a[k]
		bv, inB := b[k]
		p := joinKey(path, k)
		switch {
		case !inB:
			*out = append(*out, Change{Path: p, Kind: Removed, Before: av})
		case !inA:
			*out = append(*out, Change{Path: p, Kind: Added, After: bv})
		default:
			diffValues(p, av, bv, out)
		}
	}
}

// diffSlices compares by index; sequence elements are not assumed to keep
// their identity between runs.
func diffSlices(path string, a, b []any, out *[]Change) {
	for i := 0; i < len(a) || i < len(b); i++ {
		p := path + "[" + strconv.Itoa(i) + "]"
		switch {
		case i >= len(b):
			*out = append(*out, Change{Path: p, Kind: Removed, Before: a[i]})
		case i >= len(a):
			*out = append(*out, Change{Path: p, Kind: Added, After: b[i]})
		default:
			diffValues(p, a[i], b[i], out)
		}
	}
}

func joinKey(path, key string) string {
	if strings.ContainsAny(key, ".[]\"") || key == "" {
		return path + "[" + strconv.Quote(key) + "]"
	}
	if path == "" {
		return key
	}
	return path + "." + key
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// generic converts typed maps and slices to their map[string]any and []any
// forms so payloads built in memory compare equal to decoded ones.
func generic(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, bool, json.Number, float64:
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return m
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any(nil)
		}
		s := make([]any, rv.Len())
		for i := range s {
			s[i] = rv.Index(i).Interface()
		}
		return s
	}
	return v
}

// scalarEqual compares integers exactly and falls back to float64 only when
// either side has a fractional form.
func scalarEqual(a, b any) bool {
	if ai, ok := integer(a); ok {
		if bi, ok := integer(b); ok {
			return ai.Cmp(bi) == 0
		}
	}
	if af, ok := number(a); ok {
		bf, ok := number(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func integer(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case json.Number:
		return new(big.Int).SetString(string(n), 10)
	case float64:
		return floatInteger(n)
	case float32:
		return floatInteger(float64(n))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return floatInteger(rv.Float())
	}
	return nil, false
}

func floatInteger(f float64) (*big.Int, bool) {
	if math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return nil, false
	}
	i, _ := big.NewFloat(f).Int(nil)
	return i, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
