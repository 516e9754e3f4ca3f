package schema

// ModelOption configures a Model built by Define.
type ModelOption func(*Model)

// Define builds a Model from options.
//
//	schema.Define("Post",
//		schema.Scalar("id"), schema.Scalar("title"), schema.Scalar("authorId"),
//		schema.BelongsTo("author", "User", []string{"authorId"}, []string{"id"}),
//		schema.PrimaryKey("id"),
//	)
func Define(name string, opts ...ModelOption) *Model {
	m := &Model{Name: name}
	for _, opt := range opts {
		opt(m)
	}
	m.reindex()
	return m
}

// Scalar declares plain columns.
func Scalar(names ...string) ModelOption {
	return func(m *Model) {
		for _, n := range names {
			m.Fields = append(m.Fields, Field{Name: n, Kind: KindScalar})
		}
	}
}

// JSON declares semi-structured columns. Their contents are never walked for nested writes.
func JSON(names ...string) ModelOption {
	return func(m *Model) {
		for _, n := range names {
			m.Fields = append(m.Fields, Field{Name: n, Kind: KindJSON})
		}
	}
}

// HasMany declares a to-many relation whose FK lives on target.
func HasMany(name, target string) ModelOption {
	return func(m *Model) {
		m.Fields = append(m.Fields, Field{Name: name, Kind: KindRelation, Target: target, List: true})
	}
}

// HasOne declares a to-one relation whose FK lives on target.
func HasOne(name, target string) ModelOption {
	return func(m *Model) {
		m.Fields = append(m.Fields, Field{Name: name, Kind: KindRelation, Target: target})
	}
}

// BelongsTo declares a to-one relation whose FK lives on this model.
func BelongsTo(name, target string, fields, references []string) ModelOption {
	return func(m *Model) {
		m.Fields = append(m.Fields, Field{
			Name:       name,
			Kind:       KindRelation,
			Target:     target,
			Fields:     fields,
			References: references,
		})
	}
}

// Named sets RelationName on the most recently declared relation.
func Named(relation string) ModelOption {
	return func(m *Model) {
		for i := len(m.Fields) - 1; i >= 0; i-- {
			if m.Fields[i].IsRelation() {
				m.Fields[i].RelationName = relation
				return
			}
		}
	}
}

// PrimaryKey sets the primary key fields.
func PrimaryKey(fields ...string) ModelOption {
	return func(m *Model) { m.PrimaryKey = fields }
}

// Unique declares a unique constraint over fields.
func Unique(fields ...string) ModelOption {
	return func(m *Model) {
		m.Uniques = append(m.Uniques, UniqueIndex{Fields: fields})
	}
}

// NamedUnique declares a composite unique constraint addressed by name.
func NamedUnique(name string, fields ...string) ModelOption {
	return func(m *Model) {
		m.Uniques = append(m.Uniques, UniqueIndex{Name: name, Fields: fields})
	}
}
