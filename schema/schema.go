package schema

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// FieldKind classifies a model field.
type FieldKind int

const (
	KindScalar FieldKind = iota
	KindJSON
	KindRelation
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindJSON:
		return "json"
	case KindRelation:
		return "relation"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// Field describes a single model field.
//
// For relations, Fields/References are set on the side holding the foreign key
// (belongs-to). The opposite side (has-one/has-many) leaves them empty and is
// paired through RelationName or, failing that, the target model.
type Field struct {
	Name         string
	Kind         FieldKind
	Target       string   // related model (relations only)
	List         bool     // to-many relation
	RelationName string   // optional pairing name
	Fields       []string // local foreign key fields
	References   []string // referenced fields on Target
}

// IsRelation reports whether the field points at another model.
func (f Field) IsRelation() bool { return f.Kind == KindRelation }

// HoldsForeignKey reports whether this side of the relation stores the FK.
func (f Field) HoldsForeignKey() bool { return f.IsRelation() && len(f.Fields) > 0 }

// UniqueIndex describes a unique constraint. Single-field uniques have one field.
type UniqueIndex struct {
	Name   string
	Fields []string
}

// CompoundName returns the key used to address the constraint in a filter.
func (u UniqueIndex) CompoundName() string {
	if u.Name != "" {
		return u.Name
	}
	return strings.Join(u.Fields, "_")
}

// Model describes a persisted model.
type Model struct {
	Name       string
	Fields     []Field
	PrimaryKey []string
	Uniques    []UniqueIndex

	index map[string]int
}

// Field looks up a field by name.
func (m *Model) Field(name string) (Field, bool) {
	if m.index == nil {
		m.reindex()
	}
	i, ok := m.index[name]
	if !ok {
		return Field{}, false
	}
	return m.Fields[i], true
}

// IsRelation reports whether name is a relation field of m.
func (m *Model) IsRelation(name string) bool {
	f, ok := m.Field(name)
	return ok && f.IsRelation()
}

// ScalarFieldNames returns every non-relation field name in declaration order.
func (m *Model) ScalarFieldNames() []string {
	out := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		if !f.IsRelation() {
			out = append(out, f.Name)
		}
	}
	return out
}

// Relations returns the relation fields in declaration order.
func (m *Model) Relations() []Field {
	out := make([]Field, 0)
	for _, f := range m.Fields {
		if f.IsRelation() {
			out = append(out, f)
		}
	}
	return out
}

// UniqueConstraints returns the primary key followed by every unique index.
func (m *Model) UniqueConstraints() []UniqueIndex {
	out := make([]UniqueIndex, 0, len(m.Uniques)+1)
	if len(m.PrimaryKey) > 0 {
		out = append(out, UniqueIndex{Fields: m.PrimaryKey})
	}
	out = append(out, m.Uniques...)
	return out
}

func (m *Model) reindex() {
	m.index = make(map[string]int, len(m.Fields))
	for i, f := range m.Fields {
		m.index[f.Name] = i
	}
}

// Schema is a set of models.
type Schema struct {
	models map[string]*Model
	order  []string
}

// New validates the given models and returns a Schema.
func New(models ...*Model) (*Schema, error) {
	s := &Schema{models: make(map[string]*Model, len(models))}
	var errs []error
	for _, m := range models {
		if m == nil || m.Name == "" {
			errs = append(errs, errors.New("schema: model without name"))
			continue
		}
		if _, dup := s.models[m.Name]; dup {
			errs = append(errs, fmt.Errorf("schema: duplicate model %q", m.Name))
			continue
		}
		m.reindex()
		s.models[m.Name] = m
		s.order = append(s.order, m.Name)
	}
	for _, name := range s.order {
		m := s.models[name]
		for _, f := range m.Relations() {
			if _, ok := s.models[f.Target]; !ok {
				errs = append(errs, fmt.Errorf("schema: %s.%s targets unknown model %q", m.Name, f.Name, f.Target))
			}
			if len(f.Fields) != len(f.References) {
				errs = append(errs, fmt.Errorf("schema: %s.%s has %d fields but %d references", m.Name, f.Name, len(f.Fields), len(f.References)))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// MustNew is like New but panics on error.
func MustNew(models ...*Model) *Schema {
	s, err := New(models...)
	if err != nil {
		panic(err)
	}
	return s
}

// Model returns the model named name.
func (s *Schema) Model(name string) (*Model, bool) {
	m, ok := s.models[name]
	return m, ok
}

// Models returns model names in registration order.
func (s *Schema) Models() []string {
	return slices.Clone(s.order)
}

// Inverse returns the field on the relation's target that points back at model.
func (s *Schema) Inverse(model string, f Field) (Field, bool) {
	target, ok := s.models[f.Target]
	if !ok {
		return Field{}, false
	}
	var fallback *Field
	for _, cand := range target.Relations() {
		if cand.Target != model {
			continue
		}
		if model == f.Target && cand.Name == f.Name {
			continue
		}
		if f.RelationName != "" || cand.RelationName != "" {
			if cand.RelationName == f.RelationName {
				return cand, true
			}
			continue
		}
		if fallback == nil {
			c := cand
			fallback = &c
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Field{}, false
}

// Link describes how two models are joined through a relation field.
type Link struct {
	// ChildHoldsKey is true when the related (target) rows store the FK.
	ChildHoldsKey bool
	// KeyFields are the FK columns on whichever side holds them.
	KeyFields []string
	// RefFields are the referenced columns on the other side.
	RefFields []string
}

// LinkOf resolves the foreign key layout of relation f declared on model.
func (s *Schema) LinkOf(model string, f Field) (Link, error) {
	if !f.IsRelation() {
		return Link{}, fmt.Errorf("schema: %s.%s is not a relation", model, f.Name)
	}
	if f.HoldsForeignKey() {
		return Link{KeyFields: f.Fields, RefFields: f.References}, nil
	}
	inv, ok := s.Inverse(model, f)
	if !ok || !inv.HoldsForeignKey() {
		return Link{}, fmt.Errorf("schema: %s.%s has no foreign key on either side", model, f.Name)
	}
	return Link{ChildHoldsKey: true, KeyFields: inv.Fields, RefFields: inv.References}, nil
}
