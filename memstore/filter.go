package memstore

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/mickamy/auditry/internal/diff"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

// matches reports whether rec satisfies where.
//
// Supported: equality, compound unique keys ({"a_b": {"a": 1, "b": 2}}),
// "AND"/"OR"/"NOT" and operator objects with equals, not, in, notIn, gt,
// gte, lt, lte, contains, startsWith and endsWith.
func matches(m *schema.Model, rec store.Record, where map[string]any) (bool, error) {
	for k, v := range where {
		ok, err := matchKey(m, rec, k, v)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(m *schema.Model, rec store.Record, k string, v any) (bool, error) {
	switch k {
	case "AND":
		for _, sub := range clauses(v) {
			ok, err := matches(m, rec, sub)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "OR":
		for _, sub := range clauses(v) {
			ok, err := matches(m, rec, sub)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "NOT":
		for _, sub := range clauses(v) {
			ok, err := matches(m, rec, sub)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	}

	if m != nil {
		for _, u := range m.Uniques {
			if len(u.Fields) > 1 && u.CompoundName() == k {
				inner, ok := v.(map[string]any)
				if !ok {
					return false, fmt.Errorf("memstore: compound key %s needs an object", k)
				}
				return matches(m, rec, inner)
			}
		}
		if len(m.PrimaryKey) > 1 && strings.Join(m.PrimaryKey, "_") == k {
			inner, ok := v.(map[string]any)
			if !ok {
				return false, fmt.Errorf("memstore: compound key %s needs an object", k)
			}
			return matches(m, rec, inner)
		}
		if m.IsRelation(k) {
			return false, fmt.Errorf("memstore: filtering on relation %s.%s is not supported", m.Name, k)
		}
	}

	ops, ok := v.(map[string]any)
	if !ok {
		return diff.Equal(rec[k], v), nil
	}
	got := rec[k]
	for op, want := range ops {
		ok, err := applyOp(op, got, want)
		if err != nil {
			return false, fmt.Errorf("memstore: %s: %w", k, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func applyOp(op string, got, want any) (bool, error) {
	switch op {
	case "equals":
		return diff.Equal(got, want), nil
	case "not":
		if sub, ok := want.(map[string]any); ok {
			for o, w := range sub {
				ok, err := applyOp(o, got, w)
				if err != nil || ok {
					return false, err
				}
			}
			return true, nil
		}
		return !diff.Equal(got, want), nil
	case "in", "notIn":
		list, ok := want.([]any)
		if !ok {
			return false, fmt.Errorf("%s needs a list, got %T", op, want)
		}
		found := false
		for _, w := range list {
			if diff.Equal(got, w) {
				found = true
				break
			}
		}
		return found == (op == "in"), nil
	case "gt", "gte", "lt", "lte":
		c, ok := compare(got, want)
		if !ok {
			return false, nil
		}
		switch op {
		case "gt":
			return c > 0, nil
		case "gte":
			return c >= 0, nil
		case "lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "contains", "startsWith", "endsWith":
		s, ok1 := got.(string)
		w, ok2 := want.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		switch op {
		case "contains":
			return strings.Contains(s, w), nil
		case "startsWith":
			return strings.HasPrefix(s, w), nil
		default:
			return strings.HasSuffix(s, w), nil
		}
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb), true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func clauses(v any) []map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
