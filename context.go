package auditry

import (
	"context"
	"maps"

	"github.com/mickamy/auditry/internal/buffer"
	"github.com/mickamy/auditry/store"
)

// Actor identifies who performed a mutation.
type Actor struct {
	Category string
	Type     string
	ID       string
	Name     string
	Context  map[string]any
}

type txState int

const (
	stateNone txState = iota
	stateExplicit
	stateImplicit
)

func (s txState) String() string {
	switch s {
	case stateExplicit:
		return "explicit"
	case stateImplicit:
		return "implicit"
	default:
		return "none"
	}
}

// deferredWrite is a queued audit write waiting for its transaction to commit.
type deferredWrite struct {
	model string
	count int
	run   func(ctx context.Context) error
}

// AuditContext is the ambient state of one unit of work.
//
// It travels in a context.Context. Entering a transaction derives a copy, so
// code that runs after the scope returns sees the parent value again.
type AuditContext struct {
	Actor   Actor
	Request map[string]any

	tx    store.Store
	state txState
	queue *buffer.Queue[deferredWrite]
	skip  bool
}

// InTransaction reports whether a transaction handle is active.
func (a AuditContext) InTransaction() bool { return a.tx != nil }

// auditKey is an unexported context key type.
type auditKey struct{}

// WithAuditContext attaches actx to ctx. Coordination state of an enclosing
// transaction is carried over so callers can swap the actor mid-transaction.
func WithAuditContext(ctx context.Context, actx AuditContext) context.Context {
	if cur, ok := FromContext(ctx); ok {
		if actx.tx == nil {
			actx.tx, actx.state, actx.queue = cur.tx, cur.state, cur.queue
		}
		actx.skip = actx.skip || cur.skip
	}
	return context.WithValue(ctx, auditKey{}, actx)
}

// FromContext returns the AuditContext attached to ctx.
func FromContext(ctx context.Context) (AuditContext, bool) {
	actx, ok := ctx.Value(auditKey{}).(AuditContext)
	return actx, ok
}

// Run calls fn with actx attached to ctx.
func Run(ctx context.Context, actx AuditContext, fn func(ctx context.Context) error) error {
	return fn(WithAuditContext(ctx, actx))
}

// WithActor attaches an actor, keeping everything else of the current context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	actx, _ := FromContext(ctx)
	actx.Actor = actor
	return context.WithValue(ctx, auditKey{}, actx)
}

// WithRequestValue adds a request metadata entry.
func WithRequestValue(ctx context.Context, key string, value any) context.Context {
	actx, _ := FromContext(ctx)
	req := make(map[string]any, len(actx.Request)+1)
	maps.Copy(req, actx.Request)
	req[key] = value
	actx.Request = req
	return context.WithValue(ctx, auditKey{}, actx)
}

// WithSkip marks the context so auditry bypasses capture for every call made with it.
func WithSkip(ctx context.Context) context.Context {
	actx, _ := FromContext(ctx)
	actx.skip = true
	return context.WithValue(ctx, auditKey{}, actx)
}

func skipped(ctx context.Context) bool {
	actx, _ := FromContext(ctx)
	return actx.skip
}

func withTx(ctx context.Context, tx store.Store, state txState, q *buffer.Queue[deferredWrite]) context.Context {
	actx, _ := FromContext(ctx)
	actx.tx, actx.state, actx.queue = tx, state, q
	return context.WithValue(ctx, auditKey{}, actx)
}
