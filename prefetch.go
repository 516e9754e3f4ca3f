package auditry

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/mickamy/auditry/internal/intent"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

var errParentUnknown = errors.New("auditry: parent record unknown")

// PreFetchResults holds the records found at each nested write location
// before the mutation ran. Locations are addressed by key, e.g.
// "posts:upsert[0].tags:connectOrCreate[1]", or by relation path, e.g. "posts.tags".
type PreFetchResults struct {
	byKey  map[string]prefetched
	byPath map[string][]string
}

type prefetched struct {
	records []store.Record
	failed  bool
}

func newPreFetchResults() *PreFetchResults {
	return &PreFetchResults{byKey: map[string]prefetched{}, byPath: map[string][]string{}}
}

func (p *PreFetchResults) put(key, path string, recs []store.Record, failed bool) {
	if _, dup := p.byKey[key]; !dup {
		p.byPath[path] = append(p.byPath[path], key)
	}
	p.byKey[key] = prefetched{records: recs, failed: failed}
}

// Get returns the first record found at key. ok is false when the location
// was not looked up.
func (p *PreFetchResults) Get(key string) (rec store.Record, ok bool) {
	if p == nil {
		return nil, false
	}
	e, ok := p.byKey[key]
	if !ok || len(e.records) == 0 {
		return nil, ok
	}
	return e.records[0], true
}

// All returns every record found at key.
func (p *PreFetchResults) All(key string) []store.Record {
	if p == nil {
		return nil
	}
	return p.byKey[key].records
}

// Path returns every record found under a relation path, in walk order.
func (p *PreFetchResults) Path(path string) []store.Record {
	if p == nil {
		return nil
	}
	var out []store.Record
	for _, k := range p.byPath[path] {
		out = append(out, p.byKey[k].records...)
	}
	return out
}

// Keys returns the looked-up location keys, sorted.
func (p *PreFetchResults) Keys() []string {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.byKey))
}

// Failed reports whether the lookup at key errored.
func (p *PreFetchResults) Failed(key string) bool {
	return p != nil && p.byKey[key].failed
}

func (p *PreFetchResults) existed(key string) bool {
	return p != nil && len(p.byKey[key].records) > 0
}

// lookupPlan is either a point lookup on a unique constraint or a set lookup.
type lookupPlan struct {
	point bool
	where map[string]any
}

// planLookup classifies a filter. Filters whose keys exactly cover a unique
// constraint with scalar values become point lookups. Composite matches are
// rewritten into the compound-key shape.
func planLookup(m *schema.Model, where map[string]any) lookupPlan {
	set := lookupPlan{where: where}
	if m == nil || len(where) == 0 {
		return set
	}
	for k := range where {
		if isCombinator(k) {
			return set
		}
	}
	if len(where) == 1 {
		for k, v := range where {
			for _, u := range m.UniqueConstraints() {
				if len(u.Fields) < 2 || k != u.CompoundName() {
					continue
				}
				if inner, ok := v.(map[string]any); ok && allScalar(inner) && coversExactly(inner, u.Fields) {
					return lookupPlan{point: true, where: where}
				}
			}
		}
	}
	if !allScalar(where) {
		return set
	}
	for _, u := range m.UniqueConstraints() {
		if !coversExactly(where, u.Fields) {
			continue
		}
		if len(u.Fields) == 1 {
			return lookupPlan{point: true, where: where}
		}
		return lookupPlan{point: true, where: map[string]any{u.CompoundName(): maps.Clone(where)}}
	}
	return set
}

func isCombinator(k string) bool {
	switch k {
	case "AND", "OR", "NOT":
		return true
	default:
		return false
	}
}

func allScalar(m map[string]any) bool {
	for _, v := range m {
		switch v.(type) {
		case nil, map[string]any, []any:
			return false
		}
	}
	return true
}

func coversExactly(m map[string]any, fields []string) bool {
	if len(m) != len(fields) {
		return false
	}
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			return false
		}
	}
	return true
}

func runLookup(ctx context.Context, r store.Reader, model string, plan lookupPlan) ([]store.Record, error) {
	if plan.point {
		rec, err := r.FindUnique(ctx, model, store.Query{Where: plan.where})
		if err != nil || rec == nil {
			return nil, err
		}
		return []store.Record{rec}, nil
	}
	return r.FindMany(ctx, model, store.Query{Where: plan.where})
}

// relationWhere builds the filter selecting the records joined to parent
// through link. It returns nil when the parent's key is unset.
func relationWhere(link schema.Link, parent store.Record) map[string]any {
	where := make(map[string]any, len(link.KeyFields))
	for i := range link.KeyFields {
		local, remote := link.KeyFields[i], link.RefFields[i]
		if link.ChildHoldsKey {
			if parent[remote] == nil {
				return nil
			}
			where[local] = parent[remote]
			continue
		}
		if parent[local] == nil {
			return nil
		}
		where[remote] = parent[local]
	}
	return where
}

// parentState is what is known about the record a location hangs off.
type parentState struct {
	record store.Record
	fresh  bool // inserted by this operation, so nothing hangs off it yet
}

func (c *Client) needsLookup(in *intent.Intent) bool {
	switch in.Kind {
	case intent.Upsert, intent.ConnectOrCreate:
		return true
	case intent.Update:
		return c.cfg.fetchBefore(in.Model, true) || needsParent(in.Children)
	case intent.Delete:
		return c.cfg.fetchBefore(in.Model, false)
	default:
		return false
	}
}

// needsParent reports whether a child location can only be found through
// its parent's record.
func needsParent(children []*intent.Intent) bool {
	for _, ch := range children {
		if ch.Where != nil {
			continue
		}
		switch ch.Kind {
		case intent.Update, intent.Upsert, intent.Delete:
			return true
		}
	}
	return false
}

// prefetchIntents looks up every location that needs before state. Only the
// branch selected by each location's resolved existence is walked.
func (c *Client) prefetchIntents(ctx context.Context, r store.Reader, intents []*intent.Intent, parent parentState, out *PreFetchResults) {
	for _, in := range intents {
		var recs []store.Record
		if c.needsLookup(in) {
			var err error
			recs, err = c.lookupIntent(ctx, r, in, parent)
			switch {
			case errors.Is(err, errParentUnknown):
				c.logger.DebugContext(ctx, "auditry: nested lookup skipped",
					"model", in.Model, "path", in.Path, "key", in.Key)
				out.put(in.Key, in.Path, nil, true)
			case err != nil:
				c.logger.WarnContext(ctx, "auditry: prefetch failed",
					"stage", "prefetch", "model", in.Model, "path", in.Path, "key", in.Key, "error", err)
				c.metrics.prefetchFailed(in.Model)
				out.put(in.Key, in.Path, nil, true)
			default:
				out.put(in.Key, in.Path, recs, false)
			}
		}
		existed := len(recs) > 0
		next := parentState{}
		switch in.Kind {
		case intent.Create:
			next.fresh = true
		case intent.ConnectOrCreate:
			next.fresh = !existed
		case intent.Upsert:
			next.fresh = !existed && !out.Failed(in.Key)
			if existed {
				next.record = recs[0]
			}
		case intent.Update:
			if existed {
				next.record = recs[0]
			}
		}
		c.prefetchIntents(ctx, r, in.Branch(existed), next, out)
	}
}

func (c *Client) lookupIntent(ctx context.Context, r store.Reader, in *intent.Intent, parent parentState) ([]store.Record, error) {
	m, _ := c.schema.Model(in.Model)
	var (
		link    schema.Link
		linkErr error
	)
	if pm, ok := c.schema.Model(in.ParentModel); ok {
		if f, ok := pm.Field(in.Relation); ok {
			link, linkErr = c.schema.LinkOf(in.ParentModel, f)
		}
	}

	where := in.Where
	if where == nil {
		switch {
		case parent.fresh:
			return nil, nil
		case parent.record == nil:
			return nil, errParentUnknown
		case linkErr != nil:
			return nil, linkErr
		}
		if where = relationWhere(link, parent.record); where == nil {
			return nil, nil
		}
	}

	plan := planLookup(m, where)
	if !plan.point && in.List && parent.record != nil && linkErr == nil && link.ChildHoldsKey {
		if scope := relationWhere(link, parent.record); scope != nil {
			plan.where = map[string]any{"AND": []any{plan.where, scope}}
		}
	}
	return runLookup(ctx, r, in.Model, plan)
}

// lookupRoot fetches the before state of a top-level single-record operation.
func (c *Client) lookupRoot(ctx context.Context, r store.Reader, model string, where map[string]any) (store.Record, error) {
	if where == nil {
		return nil, nil
	}
	m, _ := c.schema.Model(model)
	recs, err := runLookup(ctx, r, model, planLookup(m, where))
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// prefetch is the pipeline stage that captures before state for the
// top-level operation and every nested write location.
func (c *Client) prefetch(ctx context.Context, rs *runState) error {
	op := rs.op
	r := rs.handle
	rs.pre = newPreFetchResults()

	parse := func(data map[string]any) []*intent.Intent {
		intents, err := intent.Parse(c.schema, op.model, data)
		if err != nil {
			c.logger.WarnContext(ctx, "auditry: nested writes not audited",
				"stage", "prefetch", "model", op.model, "action", string(op.action), "error", err)
			return nil
		}
		return intents
	}
	root := func() store.Record {
		rec, err := c.lookupRoot(ctx, r, op.model, op.where())
		if err != nil {
			c.logger.WarnContext(ctx, "auditry: prefetch failed",
				"stage", "prefetch", "model", op.model, "action", string(op.action), "path", intent.RootKey, "error", err)
			c.metrics.prefetchFailed(op.model)
			rs.pre.put(intent.RootKey, "", nil, true)
			return nil
		}
		if rec != nil {
			rs.pre.put(intent.RootKey, "", []store.Record{rec}, false)
		} else {
			rs.pre.put(intent.RootKey, "", nil, false)
		}
		return rec
	}

	switch op.action {
	case store.ActionCreate:
		rs.intents = parse(op.data())
		c.prefetchIntents(ctx, r, rs.intents, parentState{fresh: true}, rs.pre)

	case store.ActionUpdate:
		rs.intents = parse(op.data())
		var before store.Record
		if c.cfg.fetchBefore(op.model, true) || needsParent(rs.intents) {
			before = root()
		}
		if before != nil {
			rs.before = []store.Record{before}
		}
		c.prefetchIntents(ctx, r, rs.intents, parentState{record: before}, rs.pre)

	case store.ActionUpsert:
		create, update, err := intent.ParseUpsert(c.schema, op.model, asMap(op.args["create"]), asMap(op.args["update"]))
		if err != nil {
			c.logger.WarnContext(ctx, "auditry: nested writes not audited",
				"stage", "prefetch", "model", op.model, "action", string(op.action), "error", err)
		}
		before := root()
		rs.existed = before != nil
		if rs.existed {
			rs.before = []store.Record{before}
			rs.intents = update
			c.prefetchIntents(ctx, r, update, parentState{record: before}, rs.pre)
		} else {
			rs.intents = create
			c.prefetchIntents(ctx, r, create, parentState{fresh: !rs.pre.Failed(intent.RootKey)}, rs.pre)
		}

	case store.ActionUpdateMany, store.ActionDeleteMany:
		recs, err := r.FindMany(ctx, op.model, store.Query{Where: op.where()})
		if err != nil {
			c.logger.WarnContext(ctx, "auditry: prefetch failed",
				"stage", "prefetch", "model", op.model, "action", string(op.action), "error", err)
			c.metrics.prefetchFailed(op.model)
			rs.pre.put(intent.RootKey, "", nil, true)
			return nil
		}
		rs.before = recs
		rs.pre.put(intent.RootKey, "", recs, false)
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
