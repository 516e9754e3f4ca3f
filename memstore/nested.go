package memstore

import (
	"fmt"
	"maps"
	"reflect"

	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

// verbs are applied in this order within one relation field.
var verbs = []string{"create", "connectOrCreate", "connect", "update", "upsert", "delete", "disconnect"}

// createNested inserts data into model. Relations whose foreign key lives on
// model are written first so the key can be set. The rest follow the insert.
func (s *Store) createNested(model string, data map[string]any) (store.Record, error) {
	m := s.model(model)
	row := store.Record{}
	for k, v := range data {
		if m != nil && m.IsRelation(k) {
			continue
		}
		row[k] = v
	}
	var children []schema.Field
	if m != nil {
		for _, f := range m.Relations() {
			ops := asMap(data[f.Name])
			if ops == nil {
				continue
			}
			link, err := s.schema.LinkOf(model, f)
			if err != nil {
				return nil, err
			}
			if link.ChildHoldsKey {
				children = append(children, f)
				continue
			}
			if err := s.writeOwner(model, f, link, row, ops); err != nil {
				return nil, err
			}
		}
	}
	row, err := s.insert(model, row)
	if err != nil {
		return nil, err
	}
	for _, f := range children {
		link, _ := s.schema.LinkOf(model, f)
		if err := s.writeChildren(model, f, link, row, asMap(data[f.Name])); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// updateNested applies data to row in place.
func (s *Store) updateNested(model string, row store.Record, data map[string]any) error {
	if err := s.applyScalars(model, row, data); err != nil {
		return err
	}
	m := s.model(model)
	if m == nil {
		return nil
	}
	for _, f := range m.Relations() {
		ops := asMap(data[f.Name])
		if ops == nil {
			continue
		}
		link, err := s.schema.LinkOf(model, f)
		if err != nil {
			return err
		}
		if link.ChildHoldsKey {
			err = s.writeChildren(model, f, link, row, ops)
		} else {
			err = s.writeOwner(model, f, link, row, ops)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// applyScalars sets plain fields. Values may be {"set": v}, {"increment": n}
// or {"decrement": n}.
func (s *Store) applyScalars(model string, row store.Record, data map[string]any) error {
	m := s.model(model)
	for k, v := range data {
		if m != nil && m.IsRelation(k) {
			continue
		}
		if m != nil {
			if f, ok := m.Field(k); ok && f.Kind == schema.KindJSON {
				row[k] = v
				continue
			}
		}
		ops, ok := v.(map[string]any)
		if !ok {
			row[k] = v
			continue
		}
		for op, arg := range ops {
			switch op {
			case "set":
				row[k] = arg
			case "increment", "decrement":
				cur, _ := toFloat(row[k])
				d, ok := toFloat(arg)
				if !ok {
					return fmt.Errorf("memstore: %s.%s: %s needs a number", model, k, op)
				}
				if op == "decrement" {
					d = -d
				}
				row[k] = numberLike(row[k], cur+d)
			default:
				return fmt.Errorf("memstore: %s.%s: unsupported update operator %q", model, k, op)
			}
		}
	}
	return nil
}

// writeOwner handles a relation whose foreign key lives on row.
func (s *Store) writeOwner(model string, f schema.Field, link schema.Link, row store.Record, ops map[string]any) error {
	setKey := func(target store.Record) {
		for i, k := range link.KeyFields {
			if target == nil {
				row[k] = nil
			} else {
				row[k] = target[link.RefFields[i]]
			}
		}
	}
	current := func() (store.Record, error) {
		where := joinWhere(link, row)
		if where == nil {
			return nil, nil
		}
		return s.findRow(f.Target, where)
	}

	for _, verb := range verbs {
		v, ok := ops[verb]
		if !ok || v == nil {
			continue
		}
		switch verb {
		case "create":
			t, err := s.createNested(f.Target, asMap(v))
			if err != nil {
				return err
			}
			setKey(t)
		case "connect":
			t, err := s.mustFindRow(f.Target, asMap(v))
			if err != nil {
				return err
			}
			setKey(t)
		case "connectOrCreate":
			item := asMap(v)
			t, err := s.findRow(f.Target, asMap(item["where"]))
			if err != nil {
				return err
			}
			if t == nil {
				if t, err = s.createNested(f.Target, asMap(item["create"])); err != nil {
					return err
				}
			}
			setKey(t)
		case "update":
			item := asMap(v)
			data := item
			if d := asMap(item["data"]); d != nil {
				data = d
			}
			t, err := current()
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("%w: %s.%s", ErrNotFound, model, f.Name)
			}
			if err := s.updateNested(f.Target, t, data); err != nil {
				return err
			}
		case "upsert":
			item := asMap(v)
			t, err := current()
			if err != nil {
				return err
			}
			if t != nil {
				if err := s.updateNested(f.Target, t, asMap(item["update"])); err != nil {
					return err
				}
				continue
			}
			if t, err = s.createNested(f.Target, asMap(item["create"])); err != nil {
				return err
			}
			setKey(t)
		case "delete":
			t, err := current()
			if err != nil {
				return err
			}
			if t != nil {
				s.removeRow(f.Target, t)
			}
			setKey(nil)
		case "disconnect":
			setKey(nil)
		}
	}
	return nil
}

// writeChildren handles a relation whose foreign key lives on the related rows.
func (s *Store) writeChildren(model string, f schema.Field, link schema.Link, parent store.Record, ops map[string]any) error {
	scope := joinWhere(link, parent)
	withKey := func(data map[string]any) map[string]any {
		out := maps.Clone(data)
		if out == nil {
			out = map[string]any{}
		}
		for i, k := range link.KeyFields {
			out[k] = parent[link.RefFields[i]]
		}
		return out
	}
	attach := func(child store.Record) {
		for i, k := range link.KeyFields {
			child[k] = parent[link.RefFields[i]]
		}
	}
	scoped := func(where map[string]any) map[string]any {
		if where == nil {
			return scope
		}
		return map[string]any{"AND": []any{where, scope}}
	}

	for _, verb := range verbs {
		v, ok := ops[verb]
		if !ok || v == nil {
			continue
		}
		for _, item := range items(v) {
			switch verb {
			case "create":
				if _, err := s.createNested(f.Target, withKey(asMap(item))); err != nil {
					return err
				}
			case "connect":
				child, err := s.mustFindRow(f.Target, asMap(item))
				if err != nil {
					return err
				}
				attach(child)
			case "connectOrCreate":
				m := asMap(item)
				child, err := s.findRow(f.Target, asMap(m["where"]))
				if err != nil {
					return err
				}
				if child != nil {
					attach(child)
					continue
				}
				if _, err := s.createNested(f.Target, withKey(asMap(m["create"]))); err != nil {
					return err
				}
			case "update":
				m := asMap(item)
				data, where := m, map[string]any(nil)
				if d := asMap(m["data"]); d != nil {
					data, where = d, asMap(m["where"])
				}
				child, err := s.mustFindRow(f.Target, scoped(where))
				if err != nil {
					return err
				}
				if err := s.updateNested(f.Target, child, data); err != nil {
					return err
				}
			case "upsert":
				m := asMap(item)
				child, err := s.findRow(f.Target, scoped(asMap(m["where"])))
				if err != nil {
					return err
				}
				if child != nil {
					if err := s.updateNested(f.Target, child, asMap(m["update"])); err != nil {
						return err
					}
					continue
				}
				if _, err := s.createNested(f.Target, withKey(asMap(m["create"]))); err != nil {
					return err
				}
			case "delete":
				var where map[string]any
				if b, ok := item.(bool); ok {
					if !b {
						continue
					}
				} else {
					where = asMap(item)
				}
				child, err := s.mustFindRow(f.Target, scoped(where))
				if err != nil {
					return err
				}
				s.removeRow(f.Target, child)
			case "disconnect":
				child, err := s.findRow(f.Target, scoped(asMap(item)))
				if err != nil {
					return err
				}
				if child != nil {
					for _, k := range link.KeyFields {
						child[k] = nil
					}
				}
			}
		}
	}
	return nil
}

func (s *Store) findRow(model string, where map[string]any) (store.Record, error) {
	m := s.model(model)
	for _, r := range s.data.rows[model] {
		ok, err := matches(m, r, where)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
	}
	return nil, nil
}

func (s *Store) mustFindRow(model string, where map[string]any) (store.Record, error) {
	r, err := s.findRow(model, where)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s %v", ErrNotFound, model, where)
	}
	return r, nil
}

func (s *Store) filterRows(model string, where map[string]any) ([]store.Record, error) {
	m := s.model(model)
	var out []store.Record
	for _, r := range s.data.rows[model] {
		ok, err := matches(m, r, where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) removeRow(model string, row store.Record) {
	rows := s.data.rows[model]
	for i, r := range rows {
		if sameRow(r, row) {
			s.data.rows[model] = append(rows[:i:i], rows[i+1:]...)
			return
		}
	}
}

func sameRow(a, b store.Record) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

// numberLike converts f back to the numeric type of like.
func numberLike(like any, f float64) any {
	switch like.(type) {
	case int:
		return int(f)
	case int64:
		return int64(f)
	case int32:
		return int32(f)
	case float32:
		return float32(f)
	case nil:
		if f == float64(int(f)) {
			return int(f)
		}
	}
	return f
}

func items(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out
	default:
		return []any{v}
	}
}
