// Package store defines the data access handle the audit engine drives.
//
// Implementations own persistence and nested-write execution. The audit engine
// only needs point and set lookups, the mutation entry point, a bulk insert for
// audit rows, a transaction primitive, and schema introspection.
package store

import (
	"context"

	"github.com/mickamy/auditry/schema"
)

// Record is a single row or document, keyed by field name.
type Record = map[string]any

// Action names a mutating entry point.
type Action string

const (
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionUpsert     Action = "upsert"
	ActionDelete     Action = "delete"
	ActionCreateMany Action = "createMany"
	ActionUpdateMany Action = "updateMany"
	ActionDeleteMany Action = "deleteMany"
)

// IsBatch reports whether a targets a set of rows.
func (a Action) IsBatch() bool {
	switch a {
	case ActionCreateMany, ActionUpdateMany, ActionDeleteMany:
		return true
	default:
		return false
	}
}

// Query is a lookup. Where uses equality, operator objects ({"in": [...]}),
// combinators ("AND", "OR", "NOT") and compound unique keys ({"a_b": {...}}).
// Include maps relation names to true or to a nested {"include": {...}}.
type Query struct {
	Where   map[string]any
	Include map[string]any
}

// BatchResult is returned by updateMany and deleteMany.
type BatchResult struct {
	Count int
}

// Reader performs lookups.
type Reader interface {
	// FindUnique returns (nil, nil) when nothing matches.
	FindUnique(ctx context.Context, model string, q Query) (Record, error)
	FindMany(ctx context.Context, model string, q Query) ([]Record, error)
}

// Store is the full data access handle.
//
// Exec args follow the shape of the action:
//
//	create:     {"data": {...}, "include": {...}}
//	update:     {"where": {...}, "data": {...}, "include": {...}}
//	upsert:     {"where": {...}, "create": {...}, "update": {...}, "include": {...}}
//	delete:     {"where": {...}}
//	createMany: {"data": [{...}, ...]}
//	updateMany: {"where": {...}, "data": {...}}
//	deleteMany: {"where": {...}}
//
// Exec returns Record for single-row actions, []Record for createMany, and
// BatchResult for updateMany and deleteMany.
type Store interface {
	Reader
	Exec(ctx context.Context, model string, action Action, args map[string]any) (any, error)
	CreateMany(ctx context.Context, model string, rows []Record) (int, error)
	// Transaction runs fn against a transactional handle. fn's error rolls back.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Schema() *schema.Schema
}
