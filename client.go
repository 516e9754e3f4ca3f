package auditry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mickamy/auditry/internal/diff"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

const tracerName = "github.com/mickamy/auditry"

// Client intercepts mutations against a store and records an audit trail.
type Client struct {
	store    store.Store
	schema   *schema.Schema
	cfg      Config
	redactor *diff.Redactor
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	stages   []stage
	inflight inflight
}

// New validates cfg against the store's schema and returns a Client.
func New(st store.Store, cfg Config) (*Client, error) {
	if st == nil {
		return nil, ErrNilStore
	}
	s := st.Schema()
	if s == nil {
		return nil, fmt.Errorf("auditry: store has no schema")
	}
	cfg = cfg.withDefaults()
	if errs := cfg.validate(func(name string) bool {
		_, ok := s.Model(name)
		return ok
	}); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c := &Client{
		store:    st,
		schema:   s,
		cfg:      cfg,
		redactor: diff.NewRedactor(cfg.RedactFields),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	c.stages = c.pipeline()
	return c, nil
}

// Store returns the underlying data store.
func (c *Client) Store() store.Store { return c.store }

// handle returns the active transaction of ctx, or the base store.
func (c *Client) handle(ctx context.Context) store.Store {
	if actx, ok := FromContext(ctx); ok && actx.tx != nil {
		return actx.tx
	}
	return c.store
}

// Exec runs action against model and audits it. Calls made with WithSkip,
// and writes to the audit model itself, pass straight through.
func (c *Client) Exec(ctx context.Context, model string, action store.Action, args map[string]any) (any, error) {
	res, _, err := c.ExecWithResult(ctx, model, action, args)
	return res, err
}

// ExecWithResult is Exec that also reports what happened to the audit write.
func (c *Client) ExecWithResult(ctx context.Context, model string, action store.Action, args map[string]any) (any, WriteResult, error) {
	if skipped(ctx) || model == c.cfg.AuditModel {
		res, err := c.handle(ctx).Exec(ctx, model, action, args)
		return res, WriteResult{Kind: WriteSkipped, Reason: ReasonNoEntries}, err
	}
	if action.IsBatch() {
		if _, ok := c.cfg.Entities[model]; !ok {
			return nil, WriteResult{}, fmt.Errorf("%w: %s %s", ErrMissingEntityConfig, action, model)
		}
	}
	rs, err := c.run(ctx, operation{model: model, action: action, args: args})
	if err != nil {
		return nil, WriteResult{}, err
	}
	return rs.result, rs.write, nil
}

func (c *Client) one(ctx context.Context, model string, action store.Action, args map[string]any) (store.Record, error) {
	res, err := c.Exec(ctx, model, action, args)
	if err != nil {
		return nil, err
	}
	rec, _ := res.(store.Record)
	return rec, nil
}

// Create inserts a record. args: {"data": {...}, "include": {...}}.
func (c *Client) Create(ctx context.Context, model string, args map[string]any) (store.Record, error) {
	return c.one(ctx, model, store.ActionCreate, args)
}

// Update updates one record. args: {"where": {...}, "data": {...}, "include": {...}}.
func (c *Client) Update(ctx context.Context, model string, args map[string]any) (store.Record, error) {
	return c.one(ctx, model, store.ActionUpdate, args)
}

// Upsert args: {"where": {...}, "create": {...}, "update": {...}, "include": {...}}.
func (c *Client) Upsert(ctx context.Context, model string, args map[string]any) (store.Record, error) {
	return c.one(ctx, model, store.ActionUpsert, args)
}

// Delete args: {"where": {...}}.
func (c *Client) Delete(ctx context.Context, model string, args map[string]any) (store.Record, error) {
	return c.one(ctx, model, store.ActionDelete, args)
}

// CreateMany inserts rows and returns the created records.
func (c *Client) CreateMany(ctx context.Context, model string, rows []store.Record) ([]store.Record, error) {
	data := make([]any, len(rows))
	for i, r := range rows {
		data[i] = r
	}
	res, err := c.Exec(ctx, model, store.ActionCreateMany, map[string]any{"data": data})
	if err != nil {
		return nil, err
	}
	return toRecords(res), nil
}

// UpdateMany applies data to every record matching where and returns the count.
func (c *Client) UpdateMany(ctx context.Context, model string, where, data map[string]any) (int, error) {
	res, err := c.Exec(ctx, model, store.ActionUpdateMany, map[string]any{"where": where, "data": data})
	if err != nil {
		return 0, err
	}
	br, _ := res.(store.BatchResult)
	return br.Count, nil
}

// DeleteMany deletes every record matching where and returns the count.
func (c *Client) DeleteMany(ctx context.Context, model string, where map[string]any) (int, error) {
	res, err := c.Exec(ctx, model, store.ActionDeleteMany, map[string]any{"where": where})
	if err != nil {
		return 0, err
	}
	br, _ := res.(store.BatchResult)
	return br.Count, nil
}

// FindUnique reads through the active transaction, if any.
func (c *Client) FindUnique(ctx context.Context, model string, q store.Query) (store.Record, error) {
	return c.handle(ctx).FindUnique(ctx, model, q)
}

// FindMany reads through the active transaction, if any.
func (c *Client) FindMany(ctx context.Context, model string, q store.Query) ([]store.Record, error) {
	return c.handle(ctx).FindMany(ctx, model, q)
}

// Wait blocks until no fire-and-forget write is in flight or ctx is done.
// Writes dispatched while it waits are waited for too.
func (c *Client) Wait(ctx context.Context) error {
	done := c.inflight.idle()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inflight counts dispatched writes. done is closed when the count drops
// back to zero, and is nil while idle.
type inflight struct {
	mu   sync.Mutex
	n    int
	done chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.done = make(chan struct{})
	}
	f.n++
}

func (f *inflight) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.done)
		f.done = nil
	}
}

func (f *inflight) idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}
