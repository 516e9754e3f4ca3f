package auditry

import (
	"context"
	"fmt"
	"strings"

	"github.com/mickamy/auditry/internal/diff"
	"github.com/mickamy/auditry/internal/intent"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

// change is one entity-level effect of a run, ready for the record builder.
type change struct {
	model  string
	action Action
	before store.Record
	after  store.Record
	where  map[string]any // filter used when neither snapshot is known
	path   string
	key    string
}

// nestedWalker turns the executed intent tree into changes.
//
// After state is read from the mutation result. When the result lacks a
// relation, the parent is fetched again with that relation included. That
// fallback is not atomic with the mutation: it reads through the current
// handle after the write, so a concurrent writer may be observed.
type nestedWalker struct {
	c       *Client
	r       store.Reader
	pre     *PreFetchResults
	related map[string][]store.Record // parent identity + relation -> records
	claimed map[string]map[int]bool
	out     []change
}

func (c *Client) walkNested(ctx context.Context, r store.Reader, pre *PreFetchResults, model string, result store.Record, intents []*intent.Intent) []change {
	w := &nestedWalker{
		c:       c,
		r:       r,
		pre:     pre,
		related: map[string][]store.Record{},
		claimed: map[string]map[int]bool{},
	}
	w.walk(ctx, model, result, intents)
	return w.out
}

func (w *nestedWalker) walk(ctx context.Context, model string, parent store.Record, intents []*intent.Intent) {
	for _, in := range intents {
		existed := w.pre.existed(in.Key)
		before, _ := w.pre.Get(in.Key)
		var after store.Record

		switch in.Kind {
		case intent.Connect:
			continue
		case intent.ConnectOrCreate:
			if existed {
				continue
			}
			after = w.matchCreated(ctx, model, parent, in)
			w.emit(in, ActionInsert, nil, after)
		case intent.Create:
			after = w.matchCreated(ctx, model, parent, in)
			w.emit(in, ActionInsert, nil, after)
		case intent.Upsert:
			if existed {
				after = w.matchExisting(ctx, model, parent, in, before)
				w.emit(in, ActionUpdate, before, after)
			} else {
				after = w.matchCreated(ctx, model, parent, in)
				w.emit(in, ActionInsert, nil, after)
			}
		case intent.Update:
			after = w.matchExisting(ctx, model, parent, in, before)
			w.emit(in, ActionUpdate, before, after)
		case intent.Delete:
			w.emit(in, ActionDelete, before, nil)
			continue
		}
		w.walk(ctx, in.Model, after, in.Branch(existed))
	}
}

func (w *nestedWalker) emit(in *intent.Intent, action Action, before, after store.Record) {
	w.out = append(w.out, change{
		model:  in.Model,
		action: action,
		before: before,
		after:  after,
		where:  in.Where,
		path:   in.Path,
		key:    in.Key,
	})
}

// relatedOf returns the records joined to parent through in.Relation.
func (w *nestedWalker) relatedOf(ctx context.Context, model string, parent store.Record, in *intent.Intent) (string, []store.Record) {
	if parent == nil {
		return "", nil
	}
	m, _ := w.c.schema.Model(model)
	id := recordIdentity(m, parent)
	cacheKey := model + "|" + id + "|" + in.Relation
	if recs, ok := w.related[cacheKey]; ok {
		return cacheKey, recs
	}

	var recs []store.Record
	if v, ok := parent[in.Relation]; ok {
		recs = toRecords(v)
	} else if pk := primaryKeyWhere(m, parent); pk != nil {
		fresh, err := w.r.FindUnique(ctx, model, store.Query{
			Where:   pk,
			Include: map[string]any{in.Relation: true},
		})
		if err != nil {
			w.c.logger.WarnContext(ctx, "auditry: nested refetch failed",
				"stage", "build", "model", model, "path", in.Path, "error", err)
		} else if fresh != nil {
			recs = toRecords(fresh[in.Relation])
		}
	}
	w.related[cacheKey] = recs
	return cacheKey, recs
}

// matchCreated picks the first unclaimed related record whose scalar fields
// equal the scalar create data.
func (w *nestedWalker) matchCreated(ctx context.Context, model string, parent store.Record, in *intent.Intent) store.Record {
	cacheKey, recs := w.relatedOf(ctx, model, parent, in)
	data := in.CreateData()
	target, _ := w.c.schema.Model(in.Model)
	claimed := w.claimed[cacheKey]
	if claimed == nil {
		claimed = map[int]bool{}
		w.claimed[cacheKey] = claimed
	}
	for i, rec := range recs {
		if claimed[i] || !matchesScalars(target, rec, data) {
			continue
		}
		claimed[i] = true
		return rec
	}
	return nil
}

// matchExisting finds the updated record by the primary key of its before
// state, or by the location filter. Without a match it reads the record again.
func (w *nestedWalker) matchExisting(ctx context.Context, model string, parent store.Record, in *intent.Intent, before store.Record) store.Record {
	target, _ := w.c.schema.Model(in.Model)
	_, recs := w.relatedOf(ctx, model, parent, in)
	if !in.List && in.Where == nil && len(recs) == 1 {
		return recs[0]
	}
	key := in.Where
	if before != nil {
		if pk := primaryKeyFields(target, before); pk != nil {
			key = pk
		}
	}
	for _, rec := range recs {
		if matchesScalars(target, rec, key) {
			return rec
		}
	}
	if before == nil {
		return nil
	}
	pk := primaryKeyWhere(target, before)
	if pk == nil {
		return nil
	}
	rec, err := w.r.FindUnique(ctx, in.Model, store.Query{Where: pk})
	if err != nil {
		w.c.logger.WarnContext(ctx, "auditry: nested refetch failed",
			"stage", "build", "model", in.Model, "path", in.Path, "error", err)
		return nil
	}
	return rec
}

// matchesScalars reports whether rec agrees with every plain scalar in data.
// Relation fields, operator objects and combinators are ignored.
func matchesScalars(m *schema.Model, rec store.Record, data map[string]any) bool {
	if rec == nil {
		return false
	}
	for k, v := range data {
		if isCombinator(k) || (m != nil && m.IsRelation(k)) {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		got, ok := rec[k]
		if !ok {
			continue
		}
		if !diff.Equal(got, v) {
			return false
		}
	}
	return true
}

// primaryKeyFields returns the primary key values of rec as plain fields.
func primaryKeyFields(m *schema.Model, rec store.Record) map[string]any {
	if m == nil || len(m.PrimaryKey) == 0 || rec == nil {
		if v, ok := rec["id"]; ok && v != nil {
			return map[string]any{"id": v}
		}
		return nil
	}
	where := make(map[string]any, len(m.PrimaryKey))
	for _, f := range m.PrimaryKey {
		v, ok := rec[f]
		if !ok || v == nil {
			return nil
		}
		where[f] = v
	}
	return where
}

// primaryKeyWhere is primaryKeyFields in lookup shape: composite keys use
// the compound-key form.
func primaryKeyWhere(m *schema.Model, rec store.Record) map[string]any {
	where := primaryKeyFields(m, rec)
	if where != nil && m != nil && len(m.PrimaryKey) > 1 {
		return planLookup(m, where).where
	}
	return where
}

func recordIdentity(m *schema.Model, rec store.Record) string {
	pk := primaryKeyWhere(m, rec)
	if pk == nil {
		return fmt.Sprintf("%p", rec)
	}
	var b strings.Builder
	if m != nil && len(m.PrimaryKey) > 0 {
		for _, f := range m.PrimaryKey {
			fmt.Fprintf(&b, "%v;", rec[f])
		}
		return b.String()
	}
	fmt.Fprintf(&b, "%v", pk["id"])
	return b.String()
}

func toRecords(v any) []store.Record {
	switch vs := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return []store.Record{vs}
	case []store.Record:
		return vs
	case []any:
		out := make([]store.Record, 0, len(vs))
		for _, x := range vs {
			if m, ok := x.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
