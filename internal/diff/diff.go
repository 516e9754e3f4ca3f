package diff

import (
	"math/big"
	"reflect"
	"sort"
	"time"
)

// Change is the old and new value of one field. A nil New is an explicit
// nullification, not an absent value.
type Change struct {
	Old any `json:"old" bson:"old"`
	New any `json:"new" bson:"new"`
}

// Changes maps field names to their change.
type Changes map[string]Change

// Fields returns the changed field names, sorted.
func (c Changes) Fields() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Compute diffs the fields present in both snapshots, skipping excluded ones.
// It returns nil when nothing outside the excluded set differs.
func Compute(before, after map[string]any, excluded func(string) bool) Changes {
	if before == nil || after == nil {
		return nil
	}
	var out Changes
	for k, old := range before {
		if excluded != nil && excluded(k) {
			continue
		}
		cur, ok := after[k]
		if !ok {
			continue
		}
		if Equal(old, cur) {
			continue
		}
		if out == nil {
			out = make(Changes)
		}
		out[k] = Change{Old: old, New: cur}
	}
	return out
}

// Equal compares two field values, treating numbers of different Go types as
// equal when their values match and comparing times with time.Time.Equal.
func Equal(a, b any) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if na, ok := number(a); ok {
		nb, ok := number(b)
		return ok && na.Cmp(nb) == 0
	}
	switch va := a.(type) {
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, x := range va {
			y, ok := vb[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !Equal(va[i], vb[i]) {
				return false
			}
		}
		return true
	case []byte:
		if s, ok := b.(string); ok {
			return string(va) == s
		}
	case string:
		if bs, ok := b.([]byte); ok {
			return va == string(bs)
		}
	}
	return reflect.DeepEqual(a, b)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func number(v any) (*big.Rat, bool) {
	switch n := v.(type) {
	case int:
		return new(big.Rat).SetInt64(int64(n)), true
	case int8:
		return new(big.Rat).SetInt64(int64(n)), true
	case int16:
		return new(big.Rat).SetInt64(int64(n)), true
	case int32:
		return new(big.Rat).SetInt64(int64(n)), true
	case int64:
		return new(big.Rat).SetInt64(n), true
	case uint:
		return new(big.Rat).SetUint64(uint64(n)), true
	case uint8:
		return new(big.Rat).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Rat).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Rat).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Rat).SetUint64(n), true
	case float32:
		r := new(big.Rat).SetFloat64(float64(n))
		return r, r != nil
	case float64:
		r := new(big.Rat).SetFloat64(n)
		return r, r != nil
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Rat).SetInt(n), true
	default:
		return nil, false
	}
}
