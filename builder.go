package auditry

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/auditry/internal/diff"
	"github.com/mickamy/auditry/internal/intent"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

// pending is a change that survived filtering and awaits enrichment.
type pending struct {
	change
	cfg       EntityConfig
	entity    store.Record
	id        string
	changes   Changes
	roots     []rootRef
	entityCtx map[string]any
	rootCtx   []map[string]any // aligned with roots
}

// entityBatch is every entry of one entity. Sampling keeps or drops it whole.
type entityBatch struct {
	model   string
	entries []Entry
}

// collect derives the top-level changes from the mutation result, appends
// the nested ones, and resolves ids, diffs and aggregate roots.
func (c *Client) collect(ctx context.Context, rs *runState) error {
	rs.changes = c.topLevelChanges(ctx, rs)
	if rec, ok := rs.result.(store.Record); ok && len(rs.intents) > 0 {
		rs.changes = append(rs.changes, c.walkNested(ctx, rs.handle, rs.pre, rs.op.model, rec, rs.intents)...)
	}

	rctx := WithSkip(ctx)
	for _, ch := range rs.changes {
		ec, ok := c.cfg.entity(ch.model)
		if !ok {
			continue
		}
		m, _ := c.schema.Model(ch.model)
		p := &pending{change: ch, cfg: ec}
		p.before = scalarSnapshot(m, ch.before)
		p.after = scalarSnapshot(m, ch.after)
		switch ch.action {
		case ActionInsert:
			p.before = nil
		case ActionDelete:
			p.after = nil
		case ActionUpdate:
			if p.before != nil && p.after != nil {
				p.changes = diff.Compute(p.before, p.after, c.cfg.excluder(ch.model))
				if p.changes == nil {
					c.logger.DebugContext(ctx, "auditry: update without audited changes suppressed",
						"model", ch.model, "path", ch.path)
					continue
				}
			}
		}

		switch {
		case p.after != nil:
			p.entity = p.after
		case p.before != nil:
			p.entity = p.before
		default:
			p.entity = ch.where
		}
		if p.entity == nil {
			c.logger.DebugContext(ctx, "auditry: change without entity state dropped",
				"model", ch.model, "action", string(ch.action), "path", ch.path)
			continue
		}
		resolve := ec.ID
		if resolve == nil {
			resolve = defaultID(m)
		}
		raw, err := resolve(p.entity)
		if err == nil {
			p.id, err = NormalizeID(raw)
		}
		if err != nil {
			c.logger.DebugContext(ctx, "auditry: entity id unresolved",
				"model", ch.model, "action", string(ch.action), "path", ch.path, "error", err)
			continue
		}
		if p.roots = c.resolveRoots(rctx, rs.handle, ch.model, ec, p.id, p.entity); len(p.roots) == 0 {
			continue
		}
		rs.pending = append(rs.pending, p)
	}
	return nil
}

// topLevelChanges maps the executed operation itself to changes.
func (c *Client) topLevelChanges(ctx context.Context, rs *runState) []change {
	op := rs.op
	one := func(action Action, before, after store.Record) []change {
		return []change{{model: op.model, action: action, before: before, after: after, where: op.where(), key: intent.RootKey}}
	}
	var before store.Record
	if len(rs.before) > 0 {
		before = rs.before[0]
	}

	switch op.action {
	case store.ActionCreate:
		rec, _ := rs.result.(store.Record)
		return one(ActionInsert, nil, rec)
	case store.ActionUpdate:
		rec, _ := rs.result.(store.Record)
		return one(ActionUpdate, before, rec)
	case store.ActionUpsert:
		rec, _ := rs.result.(store.Record)
		if rs.existed {
			return one(ActionUpdate, before, rec)
		}
		return one(ActionInsert, nil, rec)
	case store.ActionDelete:
		rec, _ := rs.result.(store.Record)
		if rec == nil {
			rec = before
		}
		return one(ActionDelete, rec, nil)
	case store.ActionCreateMany:
		recs := toRecords(rs.result)
		out := make([]change, 0, len(recs))
		for i, rec := range recs {
			out = append(out, change{model: op.model, action: ActionInsert, after: rec, key: "$[" + strconv.Itoa(i) + "]"})
		}
		return out
	case store.ActionDeleteMany:
		out := make([]change, 0, len(rs.before))
		for i, rec := range rs.before {
			out = append(out, change{model: op.model, action: ActionDelete, before: rec, key: "$[" + strconv.Itoa(i) + "]"})
		}
		return out
	case store.ActionUpdateMany:
		afters := c.refetchMany(ctx, rs.handle, op.model, rs.before)
		out := make([]change, 0, len(rs.before))
		for i, rec := range rs.before {
			out = append(out, change{model: op.model, action: ActionUpdate, before: rec, after: afters[i], key: "$[" + strconv.Itoa(i) + "]"})
		}
		return out
	}
	return nil
}

// refetchMany reads the records again by primary key in a single call and
// returns them aligned with recs. Composite keys are matched with an OR of
// their key fields.
func (c *Client) refetchMany(ctx context.Context, r store.Reader, model string, recs []store.Record) []store.Record {
	out := make([]store.Record, len(recs))
	m, _ := c.schema.Model(model)
	if len(recs) == 0 || m == nil || len(m.PrimaryKey) == 0 {
		return out
	}
	var where map[string]any
	if len(m.PrimaryKey) == 1 {
		pk := m.PrimaryKey[0]
		ids := make([]any, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec[pk])
		}
		where = map[string]any{pk: map[string]any{"in": ids}}
	} else {
		keys := make([]any, 0, len(recs))
		for _, rec := range recs {
			if k := primaryKeyFields(m, rec); k != nil {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return out
		}
		where = map[string]any{"OR": keys}
	}
	fresh, err := r.FindMany(ctx, model, store.Query{Where: where})
	if err != nil {
		c.logger.WarnContext(ctx, "auditry: refetch after updateMany failed",
			"stage", "collect", "model", model, "error", err)
		return out
	}
	for i, rec := range recs {
		key := primaryKeyFields(m, rec)
		if key == nil {
			continue
		}
		for _, f := range fresh {
			if matchesScalars(m, f, key) {
				out[i] = f
				break
			}
		}
	}
	return out
}

// enrich runs the batched enrichment calls: the actor once, entities once
// per model, and aggregates once per model and declared root.
func (c *Client) enrich(ctx context.Context, rs *runState) error {
	if len(rs.pending) == 0 {
		return nil
	}
	actorCtx, err := c.enrichActor(ctx, rs.actx.Actor)
	if err != nil {
		return err
	}
	rs.actorCtx = actorCtx

	byModel, order := groupByModel(rs.pending)
	for _, model := range order {
		ps := byModel[model]
		ec := ps[0].cfg
		records := make([]store.Record, len(ps))
		for i, p := range ps {
			records[i] = p.entity
		}
		out, err := c.enrichBatch(ctx, "entity", model, ec.EnrichContext, records)
		if err != nil {
			return err
		}
		for i, p := range ps {
			p.entityCtx = out[i]
		}
	}

	type slot struct {
		p *pending
		j int
	}
	type group struct {
		model string
		fn    BatchEnricher
		slots []slot
	}
	var groups []*group
	for _, model := range order {
		ps := byModel[model]
		decls := ps[0].cfg.AggregateRoots
		for d := range decls {
			g := &group{model: model, fn: decls[d].EnrichContext}
			for _, p := range ps {
				for j, r := range p.roots {
					if r.decl == d {
						g.slots = append(g.slots, slot{p: p, j: j})
					}
				}
			}
			if g.fn != nil && len(g.slots) > 0 {
				groups = append(groups, g)
			}
		}
	}
	for _, p := range rs.pending {
		p.rootCtx = make([]map[string]any, len(p.roots))
		for j, r := range p.roots {
			if r.decl < 0 {
				p.rootCtx[j] = p.entityCtx
			}
		}
	}

	eg, egctx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			records := make([]store.Record, len(g.slots))
			for i, s := range g.slots {
				records[i] = s.p.entity
			}
			out, err := c.enrichBatch(egctx, "aggregate", g.model, g.fn, records)
			if err != nil {
				return err
			}
			for i, s := range g.slots {
				s.p.rootCtx[s.j] = out[i]
			}
			return nil
		})
	}
	return eg.Wait()
}

// build emits one entry per resolved root of every pending change, with
// redaction applied after diffing.
func (c *Client) build(_ context.Context, rs *runState) error {
	now := c.cfg.now()
	actor := rs.actx.Actor
	for _, p := range rs.pending {
		before := c.redactor.Snapshot(p.before)
		after := c.redactor.Snapshot(p.after)
		changes := c.redactor.Changes(p.changes)
		batch := entityBatch{model: p.model, entries: make([]Entry, 0, len(p.roots))}
		for j, r := range p.roots {
			batch.entries = append(batch.entries, Entry{
				ID:                uuid.New(),
				ActorCategory:     actor.Category,
				ActorType:         actor.Type,
				ActorID:           actor.ID,
				ActorContext:      rs.actorCtx,
				EntityCategory:    p.cfg.Category,
				EntityType:        p.cfg.Type,
				EntityID:          p.id,
				EntityContext:     p.entityCtx,
				AggregateCategory: r.Category,
				AggregateType:     r.Type,
				AggregateID:       r.ID,
				AggregateContext:  p.rootCtx[j],
				Action:            p.action,
				Before:            before,
				After:             after,
				Changes:           changes,
				RequestContext:    rs.actx.Request,
				CreatedAt:         now,
				Model:             p.model,
			})
		}
		rs.batches = append(rs.batches, batch)
	}
	return nil
}

func groupByModel(ps []*pending) (map[string][]*pending, []string) {
	out := map[string][]*pending{}
	var order []string
	for _, p := range ps {
		if _, ok := out[p.model]; !ok {
			order = append(order, p.model)
		}
		out[p.model] = append(out[p.model], p)
	}
	return out, order
}

// scalarSnapshot drops relation fields so nested payloads never enter snapshots.
func scalarSnapshot(m *schema.Model, rec store.Record) store.Record {
	if rec == nil {
		return nil
	}
	out := make(store.Record, len(rec))
	for k, v := range rec {
		if m != nil && m.IsRelation(k) {
			continue
		}
		out[k] = v
	}
	return out
}
