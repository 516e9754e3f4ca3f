package auditry

import (
	"context"
	"fmt"

	"github.com/mickamy/auditry/store"
)

// PersistFunc stores entries in the audit model through the handle chosen
// by the write strategy.
type PersistFunc func(ctx context.Context, entries []Entry) error

// Writer receives every finished batch of entries. Implementations that
// store entries elsewhere must keep the write on the handle persist targets
// (or one joined to the same transaction) so rolled-back mutations leave no
// entries behind.
type Writer interface {
	Write(ctx context.Context, entries []Entry, actx AuditContext, persist PersistFunc) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, entries []Entry, actx AuditContext, persist PersistFunc) error

func (f WriterFunc) Write(ctx context.Context, entries []Entry, actx AuditContext, persist PersistFunc) error {
	return f(ctx, entries, actx, persist)
}

// DefaultWriter persists entries unchanged.
var DefaultWriter Writer = WriterFunc(func(ctx context.Context, entries []Entry, _ AuditContext, persist PersistFunc) error {
	return persist(ctx, entries)
})

// persist hands entries to the configured writer, bound to handle.
func (c *Client) persist(ctx context.Context, handle store.Store, entries []Entry, actx AuditContext) error {
	ctx = WithSkip(ctx)
	persist := func(ctx context.Context, entries []Entry) error {
		rows := make([]store.Record, len(entries))
		for i, e := range entries {
			rows[i] = e.Row()
		}
		if _, err := handle.CreateMany(ctx, c.cfg.AuditModel, rows); err != nil {
			return fmt.Errorf("auditry: insert into %s: %w", c.cfg.AuditModel, err)
		}
		return nil
	}
	return c.cfg.Writer.Write(ctx, entries, actx, persist)
}
