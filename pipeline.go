package auditry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mickamy/auditry/internal/intent"
	"github.com/mickamy/auditry/store"
)

// operation is one intercepted call.
type operation struct {
	model  string
	action store.Action
	args   map[string]any
}

func (o operation) where() map[string]any { return asMap(o.args["where"]) }
func (o operation) data() map[string]any  { return asMap(o.args["data"]) }

// runState accretes as stages run.
type runState struct {
	op     operation
	actx   AuditContext
	handle store.Store // active transaction, or the base store

	// prefetch
	intents []*intent.Intent // executed branch only
	pre     *PreFetchResults
	before  []store.Record
	existed bool // top-level upsert hit an existing record

	// execute
	result any

	// collect, enrich, build
	changes  []change
	pending  []*pending
	actorCtx map[string]any
	batches  []entityBatch

	// write
	write WriteResult
}

type stage struct {
	name string
	run  func(ctx context.Context, rs *runState) error
}

func (c *Client) pipeline() []stage {
	return []stage{
		{name: "prefetch", run: c.prefetch},
		{name: "execute", run: c.execute},
		{name: "collect", run: c.collect},
		{name: "enrich", run: c.enrich},
		{name: "build", run: c.build},
		{name: "write", run: c.write},
	}
}

func (c *Client) execute(ctx context.Context, rs *runState) error {
	res, err := rs.handle.Exec(ctx, rs.op.model, rs.op.action, rs.op.args)
	if err != nil {
		return err
	}
	rs.result = res
	return nil
}

// run audits op. When writes must be awaited outside any transaction, the
// stages run inside an implicit one so a failed write undoes the mutation.
func (c *Client) run(ctx context.Context, op operation) (*runState, error) {
	start := time.Now()
	defer c.metrics.observe(string(op.action), start)

	actx, _ := FromContext(ctx)
	if actx.state != stateNone || !c.cfg.awaits(op.model) {
		return c.runStages(ctx, op)
	}
	var rs *runState
	err := c.store.Transaction(ctx, func(txCtx context.Context, tx store.Store) error {
		var err error
		rs, err = c.runStages(withTx(txCtx, tx, stateImplicit, nil), op)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (c *Client) runStages(ctx context.Context, op operation) (*runState, error) {
	actx, _ := FromContext(ctx)
	rs := &runState{op: op, actx: actx, handle: c.handle(ctx)}
	for _, st := range c.stages {
		sctx, span := c.tracer.Start(ctx, "auditry."+st.name, trace.WithAttributes(
			attribute.String("auditry.model", op.model),
			attribute.String("auditry.action", string(op.action)),
			attribute.String("auditry.tx", actx.state.String()),
		))
		err := st.run(sctx, rs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			if st.name != "execute" {
				c.logger.ErrorContext(ctx, "auditry: pipeline failed",
					"stage", st.name, "model", op.model, "action", string(op.action), "error", err)
			}
			return nil, err
		}
		span.End()
	}
	return rs, nil
}
