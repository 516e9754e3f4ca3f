package auditry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// WriteKind is the outcome of handing a batch to the write coordinator.
type WriteKind int

const (
	WriteSkipped WriteKind = iota
	WriteImmediate
	WriteDeferred
	WriteDispatched // fire-and-forget
)

func (k WriteKind) String() string {
	switch k {
	case WriteImmediate:
		return "immediate"
	case WriteDeferred:
		return "deferred"
	case WriteDispatched:
		return "dispatched"
	default:
		return "skipped"
	}
}

// Skip reasons.
const (
	ReasonNoEntries = "no entries"
	ReasonSampled   = "sampled"
	ReasonDiscarded = "transaction closed"
	ReasonFailed    = "write failed"
)

// WriteResult is the tagged outcome of one write attempt.
type WriteResult struct {
	Kind   WriteKind
	At     time.Time
	Reason string // WriteSkipped only
	Count  int

	invoke func(ctx context.Context) error
}

// Invoke runs a deferred write now. It is a no-op for other kinds.
func (r WriteResult) Invoke(ctx context.Context) error {
	if r.invoke == nil {
		return nil
	}
	return r.invoke(ctx)
}

// Strategy is the durability mode of a write.
type Strategy int

const (
	StrategyImmediate Strategy = iota
	StrategyDeferred
	StrategyFireAndForget
)

func (s Strategy) String() string {
	switch s {
	case StrategyDeferred:
		return "deferred"
	case StrategyFireAndForget:
		return "fire_and_forget"
	default:
		return "immediate"
	}
}

func selectStrategy(await bool, state txState) Strategy {
	switch {
	case await, state == stateImplicit:
		return StrategyImmediate
	case state == stateExplicit:
		return StrategyDeferred
	default:
		return StrategyFireAndForget
	}
}

// sample keeps or drops each entity's entries together.
func (c *Client) sample(batches []entityBatch) []Entry {
	rnd := c.cfg.rand
	if rnd == nil {
		rnd = rand.Float64
	}
	var out []Entry
	for _, b := range batches {
		rate := c.cfg.sampleRate(b.model)
		if rate >= 1 || (rate > 0 && rnd() < rate) {
			out = append(out, b.entries...)
		}
	}
	return out
}

// write is the pipeline stage that hands entries to the writer using the
// strategy selected for the transaction state.
func (c *Client) write(ctx context.Context, rs *runState) error {
	if len(rs.batches) == 0 {
		rs.write = WriteResult{Kind: WriteSkipped, Reason: ReasonNoEntries}
		return nil
	}
	entries := c.sample(rs.batches)
	if len(entries) == 0 {
		rs.write = WriteResult{Kind: WriteSkipped, Reason: ReasonSampled}
		c.metrics.skipped(ReasonSampled)
		return nil
	}

	now := c.cfg.now()
	actx := rs.actx
	strategy := selectStrategy(c.cfg.awaits(rs.op.model), actx.state)
	switch strategy {
	case StrategyImmediate:
		if err := c.persist(ctx, rs.handle, entries, actx); err != nil {
			c.metrics.writeFailed(strategy)
			if _, perr := c.cfg.WriteErrors.resolve(ctx, c.logger, "auditry: audit write failed", err,
				"stage", "write", "model", rs.op.model, "strategy", strategy.String(), "entries", len(entries)); perr != nil {
				return fmt.Errorf("auditry: write: %w", perr)
			}
			rs.write = WriteResult{Kind: WriteSkipped, Reason: ReasonFailed, At: now, Count: len(entries)}
			return nil
		}
		c.metrics.written(strategy, len(entries))
		rs.write = WriteResult{Kind: WriteImmediate, At: now, Count: len(entries)}

	case StrategyDeferred:
		run := func(ctx context.Context) error {
			return c.persist(ctx, c.store, entries, actx)
		}
		if !actx.queue.Push(deferredWrite{model: rs.op.model, count: len(entries), run: run}) {
			c.metrics.skipped(ReasonDiscarded)
			rs.write = WriteResult{Kind: WriteSkipped, Reason: ReasonDiscarded, At: now}
			return nil
		}
		rs.write = WriteResult{Kind: WriteDeferred, At: now, Count: len(entries), invoke: run}

	case StrategyFireAndForget:
		bg := context.WithoutCancel(ctx)
		c.inflight.add()
		go func() {
			defer c.inflight.finish()
			if err := c.persist(bg, c.store, entries, actx); err != nil {
				c.metrics.writeFailed(strategy)
				c.asyncWriteFailed(bg, strategy, rs.op.model, err)
				return
			}
			c.metrics.written(strategy, len(entries))
		}()
		rs.write = WriteResult{Kind: WriteDispatched, At: now, Count: len(entries)}
	}
	return nil
}

// asyncWriteFailed reports a write that can no longer reach its caller.
func (c *Client) asyncWriteFailed(ctx context.Context, strategy Strategy, model string, err error) {
	p := c.cfg.WriteErrors
	if p.Strategy == ErrorCustom && p.Handle != nil {
		if _, herr := p.Handle(ctx, err); herr != nil {
			c.logger.ErrorContext(ctx, "auditry: audit write failed",
				"stage", "write", "model", model, "strategy", strategy.String(), "error", herr)
		}
		return
	}
	c.logger.ErrorContext(ctx, "auditry: audit write failed",
		"stage", "write", "model", model, "strategy", strategy.String(), "error", err)
}
