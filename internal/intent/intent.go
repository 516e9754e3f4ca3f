// Package intent turns a write payload into a typed tree of nested write
// locations. Only relation fields declared in the schema are walked, so JSON
// columns holding keys such as "create" are never mistaken for nested writes.
package intent

import (
	"fmt"
	"strconv"

	"github.com/mickamy/auditry/schema"
)

// RootKey addresses the top-level operation itself.
const RootKey = "$"

// Kind is the nested write verb.
type Kind int

const (
	Create Kind = iota + 1
	Update
	Upsert
	Delete
	Connect
	ConnectOrCreate
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	case Connect:
		return "connect"
	case ConnectOrCreate:
		return "connectOrCreate"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// verbs is walked in this order for each relation field.
var verbs = []Kind{Create, ConnectOrCreate, Connect, Update, Upsert, Delete}

// Intent is one nested write location.
type Intent struct {
	Kind        Kind
	Model       string // target model
	ParentModel string
	Relation    string // relation field on ParentModel
	List        bool
	Index       int
	Path        string // dotted relation path, e.g. "posts.tags"
	Key         string // unique location key

	Where  map[string]any
	Data   map[string]any // Create: create data. Update: update data.
	Create map[string]any // Upsert, ConnectOrCreate
	Update map[string]any // Upsert

	Children     []*Intent // Create, Update
	CreateBranch []*Intent // Upsert, ConnectOrCreate
	UpdateBranch []*Intent // Upsert

	parent *Intent
}

// Parent returns the enclosing intent, nil at the first nesting level.
func (i *Intent) Parent() *Intent { return i.parent }

// Depth is 1 for locations directly under the root operation.
func (i *Intent) Depth() int {
	d := 1
	for p := i.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Branch returns the children that actually execute, given whether a record
// existed at this location before the mutation.
func (i *Intent) Branch(existed bool) []*Intent {
	switch i.Kind {
	case Create, Update:
		return i.Children
	case Upsert:
		if existed {
			return i.UpdateBranch
		}
		return i.CreateBranch
	case ConnectOrCreate:
		if existed {
			return nil
		}
		return i.CreateBranch
	default:
		return nil
	}
}

// CreateData returns the payload used when this location inserts.
func (i *Intent) CreateData() map[string]any {
	switch i.Kind {
	case Create:
		return i.Data
	case Upsert, ConnectOrCreate:
		return i.Create
	default:
		return nil
	}
}

// Parse walks data, a create or update payload for model.
func Parse(s *schema.Schema, model string, data map[string]any) ([]*Intent, error) {
	return parseLevel(s, model, data, nil)
}

// ParseUpsert walks both branches of a top-level upsert.
func ParseUpsert(s *schema.Schema, model string, create, update map[string]any) (createBranch, updateBranch []*Intent, err error) {
	if createBranch, err = Parse(s, model, create); err != nil {
		return nil, nil, err
	}
	if updateBranch, err = Parse(s, model, update); err != nil {
		return nil, nil, err
	}
	return createBranch, updateBranch, nil
}

// Walk visits intents depth-first, following every branch.
func Walk(intents []*Intent, fn func(*Intent)) {
	for _, in := range intents {
		fn(in)
		Walk(in.Children, fn)
		Walk(in.CreateBranch, fn)
		Walk(in.UpdateBranch, fn)
	}
}

func parseLevel(s *schema.Schema, model string, data map[string]any, parent *Intent) ([]*Intent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	m, ok := s.Model(model)
	if !ok {
		return nil, fmt.Errorf("intent: unknown model %q", model)
	}
	var out []*Intent
	for _, f := range m.Relations() {
		raw, ok := data[f.Name]
		if !ok || raw == nil {
			continue
		}
		ops, ok := asMap(raw)
		if !ok {
			return nil, fmt.Errorf("intent: %s.%s: nested write must be an object, got %T", model, f.Name, raw)
		}
		for _, verb := range verbs {
			v, ok := ops[verb.String()]
			if !ok || v == nil {
				continue
			}
			for idx, item := range asItems(v) {
				in, err := newIntent(s, model, f, verb, idx, item, parent)
				if err != nil {
					return nil, err
				}
				if in != nil {
					out = append(out, in)
				}
			}
		}
	}
	return out, nil
}

func newIntent(s *schema.Schema, model string, f schema.Field, verb Kind, idx int, item any, parent *Intent) (*Intent, error) {
	in := &Intent{
		Kind:        verb,
		Model:       f.Target,
		ParentModel: model,
		Relation:    f.Name,
		List:        f.List,
		Index:       idx,
		parent:      parent,
	}
	seg := f.Name + ":" + verb.String() + "[" + strconv.Itoa(idx) + "]"
	if parent == nil {
		in.Path = f.Name
		in.Key = seg
	} else {
		in.Path = parent.Path + "." + f.Name
		in.Key = parent.Key + "." + seg
	}
	where := func(v any) (map[string]any, error) {
		if v == nil {
			return nil, nil
		}
		w, ok := asMap(v)
		if !ok {
			return nil, fmt.Errorf("intent: %s: where must be an object, got %T", in.Key, v)
		}
		return w, nil
	}

	var err error
	switch verb {
	case Create:
		d, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("intent: %s: create data must be an object, got %T", in.Key, item)
		}
		in.Data = d
		if in.Children, err = parseLevel(s, in.Model, d, in); err != nil {
			return nil, err
		}
	case Update:
		d, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("intent: %s: update must be an object, got %T", in.Key, item)
		}
		if inner, ok := asMap(d["data"]); ok {
			if in.Where, err = where(d["where"]); err != nil {
				return nil, err
			}
			in.Data = inner
		} else {
			if f.List {
				return nil, fmt.Errorf("intent: %s: to-many update needs where and data", in.Key)
			}
			in.Data = d
		}
		if in.Children, err = parseLevel(s, in.Model, in.Data, in); err != nil {
			return nil, err
		}
	case Upsert:
		d, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("intent: %s: upsert must be an object, got %T", in.Key, item)
		}
		if in.Where, err = where(d["where"]); err != nil {
			return nil, err
		}
		if f.List && in.Where == nil {
			return nil, fmt.Errorf("intent: %s: to-many upsert needs where", in.Key)
		}
		if in.Create, ok = asMap(d["create"]); !ok {
			return nil, fmt.Errorf("intent: %s: upsert needs create", in.Key)
		}
		if in.Update, ok = asMap(d["update"]); !ok {
			in.Update = map[string]any{}
		}
		if in.CreateBranch, err = parseLevel(s, in.Model, in.Create, in); err != nil {
			return nil, err
		}
		if in.UpdateBranch, err = parseLevel(s, in.Model, in.Update, in); err != nil {
			return nil, err
		}
	case Delete:
		switch v := item.(type) {
		case bool:
			if !v {
				return nil, nil
			}
			if f.List {
				return nil, fmt.Errorf("intent: %s: to-many delete needs where", in.Key)
			}
		default:
			if in.Where, err = where(v); err != nil {
				return nil, err
			}
		}
	case Connect:
		if in.Where, err = where(item); err != nil {
			return nil, err
		}
		if in.Where == nil {
			return nil, fmt.Errorf("intent: %s: connect needs where", in.Key)
		}
	case ConnectOrCreate:
		d, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("intent: %s: connectOrCreate must be an object, got %T", in.Key, item)
		}
		if in.Where, err = where(d["where"]); err != nil {
			return nil, err
		}
		if in.Where == nil {
			return nil, fmt.Errorf("intent: %s: connectOrCreate needs where", in.Key)
		}
		if in.Create, ok = asMap(d["create"]); !ok {
			return nil, fmt.Errorf("intent: %s: connectOrCreate needs create", in.Key)
		}
		if in.CreateBranch, err = parseLevel(s, in.Model, in.Create, in); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asItems(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []map[string]any:
		out := make([]any, len(vs))
		for i, m := range vs {
			out[i] = m
		}
		return out
	default:
		return []any{v}
	}
}
