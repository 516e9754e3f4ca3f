package auditry

import (
	"context"

	"github.com/mickamy/auditry/internal/buffer"
	"github.com/mickamy/auditry/store"
)

// Transaction runs fn inside a store transaction. Audit writes that are not
// awaited are queued while fn runs, then written in order against the base
// store once the transaction commits. On rollback they are dropped.
//
// Failures while draining the queue are reported to the write error policy
// and never returned: the transaction has already committed.
//
// Nested calls join the enclosing transaction.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Client) error) error {
	if actx, _ := FromContext(ctx); actx.state != stateNone {
		return fn(ctx, c)
	}

	q := buffer.NewQueue[deferredWrite]()
	err := c.store.Transaction(ctx, func(txCtx context.Context, tx store.Store) error {
		return fn(withTx(txCtx, tx, stateExplicit, q), c)
	})
	if err != nil {
		if n := q.Discard(); n > 0 {
			c.logger.DebugContext(ctx, "auditry: deferred audit writes discarded on rollback", "writes", n)
			c.metrics.skipped(ReasonDiscarded)
		}
		return err
	}
	c.drain(ctx, q)
	return nil
}

func (c *Client) drain(ctx context.Context, q *buffer.Queue[deferredWrite]) {
	writes := q.Drain()
	q.Discard()
	c.metrics.drained(len(writes))
	for _, w := range writes {
		if err := w.run(ctx); err != nil {
			c.metrics.writeFailed(StrategyDeferred)
			c.asyncWriteFailed(ctx, StrategyDeferred, w.model, err)
			continue
		}
		c.metrics.written(StrategyDeferred, w.count)
	}
}
