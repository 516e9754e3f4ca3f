// Package memstore is an in-memory store.Store with nested writes, includes
// and copy-on-write transactions. It backs tests and the demo.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

var (
	ErrNotFound        = errors.New("memstore: record not found")
	ErrUniqueViolation = errors.New("memstore: unique constraint violated")
)

// Op names a store entry point, for Stats and FailOn.
type Op string

const (
	OpFindUnique  Op = "FindUnique"
	OpFindMany    Op = "FindMany"
	OpExec        Op = "Exec"
	OpCreateMany  Op = "CreateMany"
	OpTransaction Op = "Transaction"
)

// Stats counts calls by entry point and model.
type Stats struct {
	Reads  int
	Writes int
	Calls  map[string]int // "FindMany:Post" -> n
}

type tables struct {
	rows map[string][]store.Record
	seq  map[string]int
}

func (t *tables) clone() *tables {
	out := &tables{rows: make(map[string][]store.Record, len(t.rows)), seq: maps.Clone(t.seq)}
	for model, rows := range t.rows {
		cp := make([]store.Record, len(rows))
		for i, r := range rows {
			cp[i] = maps.Clone(r)
		}
		out.rows[model] = cp
	}
	return out
}

// shared is state common to a store and every transaction opened from it.
type shared struct {
	statsMu sync.Mutex
	stats   Stats
	fail    map[string]error
	txMu    sync.Mutex
}

// Store is an in-memory data store.
type Store struct {
	schema *schema.Schema
	mu     *sync.Mutex
	data   *tables
	shared *shared
	parent *Store // set on transaction handles
}

var _ store.Store = (*Store)(nil)

// New returns an empty store for s. Models missing from s are stored as
// plain rows without relations or constraints.
func New(s *schema.Schema) *Store {
	return &Store{
		schema: s,
		mu:     &sync.Mutex{},
		data:   &tables{rows: map[string][]store.Record{}, seq: map[string]int{}},
		shared: &shared{stats: Stats{Calls: map[string]int{}}, fail: map[string]error{}},
	}
}

func (s *Store) Schema() *schema.Schema { return s.schema }

// Stats returns a copy of the call counters.
func (s *Store) Stats() Stats {
	s.shared.statsMu.Lock()
	defer s.shared.statsMu.Unlock()
	st := s.shared.stats
	st.Calls = maps.Clone(st.Calls)
	return st
}

// ResetStats zeroes the call counters.
func (s *Store) ResetStats() {
	s.shared.statsMu.Lock()
	defer s.shared.statsMu.Unlock()
	s.shared.stats = Stats{Calls: map[string]int{}}
}

// FailOn makes every op call for model return err. A nil err clears it.
// An empty model matches every model.
func (s *Store) FailOn(op Op, model string, err error) {
	s.shared.statsMu.Lock()
	defer s.shared.statsMu.Unlock()
	key := string(op) + ":" + model
	if err == nil {
		delete(s.shared.fail, key)
		return
	}
	s.shared.fail[key] = err
}

// Rows returns a copy of every row of model.
func (s *Store) Rows(model string) []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.data.rows[model]
	out := make([]store.Record, len(rows))
	for i, r := range rows {
		out[i] = maps.Clone(r)
	}
	return out
}

func (s *Store) track(op Op, model string) error {
	s.shared.statsMu.Lock()
	defer s.shared.statsMu.Unlock()
	switch op {
	case OpFindUnique, OpFindMany:
		s.shared.stats.Reads++
	case OpExec, OpCreateMany:
		s.shared.stats.Writes++
	}
	s.shared.stats.Calls[string(op)+":"+model]++
	if err, ok := s.shared.fail[string(op)+":"+model]; ok {
		return err
	}
	if err, ok := s.shared.fail[string(op)+":"]; ok {
		return err
	}
	return nil
}

func (s *Store) model(name string) *schema.Model {
	if s.schema == nil {
		return nil
	}
	m, _ := s.schema.Model(name)
	return m
}

func (s *Store) FindUnique(ctx context.Context, model string, q store.Query) (store.Record, error) {
	if err := s.track(OpFindUnique, model); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.findRow(model, q.Where)
	if err != nil || row == nil {
		return nil, err
	}
	return s.project(model, row, q.Include)
}

func (s *Store) FindMany(ctx context.Context, model string, q store.Query) ([]store.Record, error) {
	if err := s.track(OpFindMany, model); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.filterRows(model, q.Where)
	if err != nil {
		return nil, err
	}
	out := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := s.project(model, row, q.Include)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) CreateMany(ctx context.Context, model string, rows []store.Record) (int, error) {
	if err := s.track(OpCreateMany, model); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer s.lockWrites()()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if _, err := s.insert(model, maps.Clone(r)); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

func (s *Store) Exec(ctx context.Context, model string, action store.Action, args map[string]any) (any, error) {
	if err := s.track(OpExec, model); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.lockWrites()()
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	res, err := s.exec(model, action, args)
	if err != nil {
		s.data = snapshot
		return nil, err
	}
	return res, nil
}

// exec applies one action. The caller restores the data on error.
func (s *Store) exec(model string, action store.Action, args map[string]any) (any, error) {
	include := asMap(args["include"])
	where := asMap(args["where"])
	switch action {
	case store.ActionCreate:
		row, err := s.createNested(model, asMap(args["data"]))
		if err != nil {
			return nil, err
		}
		return s.project(model, row, include)

	case store.ActionUpdate:
		row, err := s.mustFindRow(model, where)
		if err != nil {
			return nil, err
		}
		if err := s.updateNested(model, row, asMap(args["data"])); err != nil {
			return nil, err
		}
		return s.project(model, row, include)

	case store.ActionUpsert:
		row, err := s.findRow(model, where)
		if err != nil {
			return nil, err
		}
		if row == nil {
			if row, err = s.createNested(model, asMap(args["create"])); err != nil {
				return nil, err
			}
			return s.project(model, row, include)
		}
		if err := s.updateNested(model, row, asMap(args["update"])); err != nil {
			return nil, err
		}
		return s.project(model, row, include)

	case store.ActionDelete:
		row, err := s.mustFindRow(model, where)
		if err != nil {
			return nil, err
		}
		rec, err := s.project(model, row, include)
		if err != nil {
			return nil, err
		}
		s.removeRow(model, row)
		return rec, nil

	case store.ActionCreateMany:
		var out []store.Record
		for _, d := range records(args["data"]) {
			row, err := s.createNested(model, d)
			if err != nil {
				return nil, err
			}
			out = append(out, maps.Clone(row))
		}
		return out, nil

	case store.ActionUpdateMany:
		rows, err := s.filterRows(model, where)
		if err != nil {
			return nil, err
		}
		data := asMap(args["data"])
		for _, row := range rows {
			if err := s.applyScalars(model, row, data); err != nil {
				return nil, err
			}
		}
		return store.BatchResult{Count: len(rows)}, nil

	case store.ActionDeleteMany:
		rows, err := s.filterRows(model, where)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			s.removeRow(model, row)
		}
		return store.BatchResult{Count: len(rows)}, nil
	}
	return nil, fmt.Errorf("memstore: unsupported action %q", action)
}

// lockWrites serializes writes on the base store with open transactions,
// so a commit never replaces rows written concurrently outside it.
// Transaction handles write to their own copy and need no lock.
func (s *Store) lockWrites() func() {
	if s.parent != nil {
		return func() {}
	}
	s.shared.txMu.Lock()
	return s.shared.txMu.Unlock
}

// Transaction runs fn against a copy of the data and swaps it in when fn
// succeeds. Transactions and base store writes are serialized, so a base
// write issued from inside fn on the same goroutine blocks until fn returns.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.parent != nil {
		return fn(ctx, s)
	}
	if err := s.track(OpTransaction, ""); err != nil {
		return err
	}
	s.shared.txMu.Lock()
	defer s.shared.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	tx := &Store{schema: s.schema, mu: &sync.Mutex{}, data: snapshot, shared: s.shared, parent: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()
	return nil
}

// insert stores row, assigning an integer id to a single-field primary key
// when missing, and enforces unique constraints.
func (s *Store) insert(model string, row store.Record) (store.Record, error) {
	m := s.model(model)
	if m != nil && len(m.PrimaryKey) == 1 {
		pk := m.PrimaryKey[0]
		if v, ok := row[pk]; !ok || v == nil {
			s.data.seq[model]++
			row[pk] = s.data.seq[model]
		}
	}
	if m != nil {
		for _, u := range m.UniqueConstraints() {
			where := make(map[string]any, len(u.Fields))
			complete := true
			for _, f := range u.Fields {
				v, ok := row[f]
				if !ok || v == nil {
					complete = false
					break
				}
				where[f] = v
			}
			if !complete {
				continue
			}
			if dup, err := s.findRow(model, where); err == nil && dup != nil {
				return nil, fmt.Errorf("%w: %s %v", ErrUniqueViolation, model, where)
			}
		}
	}
	s.data.rows[model] = append(s.data.rows[model], row)
	return row, nil
}

// project copies rec and attaches the requested relations.
func (s *Store) project(model string, rec store.Record, include map[string]any) (store.Record, error) {
	out := maps.Clone(rec)
	m := s.model(model)
	if m == nil || len(include) == 0 {
		return out, nil
	}
	for rel, spec := range include {
		if b, ok := spec.(bool); ok && !b {
			continue
		}
		f, ok := m.Field(rel)
		if !ok || !f.IsRelation() {
			return nil, fmt.Errorf("memstore: %s has no relation %q", model, rel)
		}
		nested := asMap(asMap(spec)["include"])
		rows, err := s.relatedRows(model, f, rec)
		if err != nil {
			return nil, err
		}
		var related []store.Record
		for _, row := range rows {
			r, err := s.project(f.Target, row, nested)
			if err != nil {
				return nil, err
			}
			related = append(related, r)
		}
		if f.List {
			if related == nil {
				related = []store.Record{}
			}
			out[rel] = related
		} else if len(related) > 0 {
			out[rel] = related[0]
		} else {
			out[rel] = nil
		}
	}
	return out, nil
}

// relatedRows returns the rows of f.Target joined to rec.
func (s *Store) relatedRows(model string, f schema.Field, rec store.Record) ([]store.Record, error) {
	link, err := s.schema.LinkOf(model, f)
	if err != nil {
		return nil, err
	}
	where := joinWhere(link, rec)
	if where == nil {
		return nil, nil
	}
	return s.filterRows(f.Target, where)
}

// joinWhere selects the rows on the far side of link from rec.
func joinWhere(link schema.Link, rec store.Record) map[string]any {
	where := make(map[string]any, len(link.KeyFields))
	for i := range link.KeyFields {
		local, remote := link.KeyFields[i], link.RefFields[i]
		if link.ChildHoldsKey {
			if rec[remote] == nil {
				return nil
			}
			where[local] = rec[remote]
			continue
		}
		if rec[local] == nil {
			return nil
		}
		where[remote] = rec[local]
	}
	return where
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func records(v any) []map[string]any {
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
