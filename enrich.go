package auditry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/mickamy/auditry/store"
)

// ActorEnricher returns extra context for the acting identity.
type ActorEnricher func(ctx context.Context, actor Actor, r store.Reader) (map[string]any, error)

// BatchEnricher returns one context per record, aligned by index.
type BatchEnricher func(ctx context.Context, records []store.Record, r store.Reader) ([]map[string]any, error)

// ErrorStrategy selects how a recoverable failure is handled.
type ErrorStrategy int

const (
	// ErrorLog logs the failure and continues with ErrorPolicy.Fallback.
	ErrorLog ErrorStrategy = iota
	// ErrorFail returns the failure to the caller.
	ErrorFail
	// ErrorCustom hands the failure to ErrorPolicy.Handle.
	ErrorCustom
)

func (s ErrorStrategy) String() string {
	switch s {
	case ErrorFail:
		return "fail"
	case ErrorCustom:
		return "custom"
	default:
		return "log"
	}
}

// ErrorPolicy governs enrichment and write failures.
type ErrorPolicy struct {
	Strategy ErrorStrategy
	// Fallback replaces a failed enrichment result.
	Fallback map[string]any
	// Handle returns the context to use instead, or an error to fail with.
	// Write failures ignore the returned map.
	Handle func(ctx context.Context, err error) (map[string]any, error)
}

// resolve applies the policy to err.
func (p ErrorPolicy) resolve(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) (map[string]any, error) {
	switch p.Strategy {
	case ErrorFail:
		return nil, err
	case ErrorCustom:
		if p.Handle != nil {
			return p.Handle(ctx, err)
		}
	}
	logger.WarnContext(ctx, msg, append(attrs, "error", err)...)
	return maps.Clone(p.Fallback), nil
}

// withTimeout runs fn under a deadline. A call that ignores ctx keeps running
// after the deadline, and its result is dropped.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s: %w", ErrEnrichmentTimeout, d, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrEnrichmentTimeout, d)
		}
		return zero, ctx.Err()
	}
}

// enrichActor runs the actor enricher once. A context already present on
// the actor is kept as is.
func (c *Client) enrichActor(ctx context.Context, actor Actor) (map[string]any, error) {
	if actor.Context != nil || c.cfg.ActorEnricher == nil {
		return actor.Context, nil
	}
	ctx = WithSkip(ctx)
	out, err := withTimeout(ctx, c.cfg.EnrichTimeout, func(ctx context.Context) (map[string]any, error) {
		return c.cfg.ActorEnricher(ctx, actor, c.store)
	})
	if err == nil {
		return out, nil
	}
	c.metrics.enrichmentFailed("actor")
	return c.cfg.EnrichmentErrors.resolve(ctx, c.logger, "auditry: actor enrichment failed", err,
		"actor_type", actor.Type, "actor_id", actor.ID)
}

// enrichBatch runs fn once over records and returns contexts aligned with them.
// Reads go through the base store, never the active transaction.
func (c *Client) enrichBatch(ctx context.Context, kind, model string, fn BatchEnricher, records []store.Record) ([]map[string]any, error) {
	if fn == nil || len(records) == 0 {
		return make([]map[string]any, len(records)), nil
	}
	ctx = WithSkip(ctx)
	out, err := withTimeout(ctx, c.cfg.EnrichTimeout, func(ctx context.Context) ([]map[string]any, error) {
		return fn(ctx, records, c.store)
	})
	if err == nil {
		if len(out) != len(records) {
			return nil, fmt.Errorf("%w: %s enrichment for %s returned %d results for %d records",
				ErrEnrichmentMisaligned, kind, model, len(out), len(records))
		}
		return out, nil
	}
	c.metrics.enrichmentFailed(kind)
	fallback, perr := c.cfg.EnrichmentErrors.resolve(ctx, c.logger, "auditry: enrichment failed", err,
		"kind", kind, "model", model, "records", len(records))
	if perr != nil {
		return nil, fmt.Errorf("auditry: %s enrichment for %s: %w", kind, model, perr)
	}
	res := make([]map[string]any, len(records))
	for i := range res {
		res[i] = maps.Clone(fallback)
	}
	return res, nil
}
