// Package pgxsink bulk-loads audit entries into PostgreSQL with COPY.
// The target table has the layout created by sqlsink.Migrate.
package pgxsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/internal/ident"
	"github.com/mickamy/auditry/sqlsink"
)

// Copier is implemented by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores tx in ctx. Writers copy through it instead of their own Copier.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts the transaction stored by WithTx.
func From(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	return tx, ok
}

// Config defines the target table.
type Config struct {
	Table   string // default "audit_logs", may be schema-qualified
	Persist bool   // also hand entries to the store's audit model
}

// Writer copies entries into a flat audit table.
type Writer struct {
	conn    Copier
	table   pgx.Identifier
	persist bool
}

var _ auditry.Writer = (*Writer)(nil)

// NewWriter returns a Writer using conn.
func NewWriter(conn Copier, cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = ident.TableName(auditry.DefaultAuditModel)
	}
	parts := ident.SplitQualified(cfg.Table)
	if len(parts) == 0 {
		return nil, fmt.Errorf("pgxsink: invalid table identifier %q", cfg.Table)
	}
	return &Writer{conn: conn, table: pgx.Identifier(parts), persist: cfg.Persist}, nil
}

// Write implements auditry.Writer.
func (w *Writer) Write(ctx context.Context, entries []auditry.Entry, _ auditry.AuditContext, persist auditry.PersistFunc) error {
	if w.persist {
		if err := persist(ctx, entries); err != nil {
			return err
		}
	}
	return w.Copy(ctx, entries)
}

// Copy loads entries with a single COPY.
func (w *Writer) Copy(ctx context.Context, entries []auditry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		r, err := row(e)
		if err != nil {
			return err
		}
		rows[i] = r
	}

	conn := w.conn
	if tx, ok := From(ctx); ok {
		conn = tx
	}
	n, err := conn.CopyFrom(ctx, w.table, sqlsink.Columns(), pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("pgxsink: copy into %s: %w", w.table.Sanitize(), err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("pgxsink: copy into %s: wrote %d of %d rows", w.table.Sanitize(), n, len(rows))
	}
	return nil
}

func row(e auditry.Entry) ([]any, error) {
	js := func(col string, v any) (any, error) {
		switch m := v.(type) {
		case map[string]any:
			if m == nil {
				return nil, nil
			}
		case auditry.Changes:
			if m == nil {
				return nil, nil
			}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("pgxsink: marshal %s of entry %s: %w", col, e.ID, err)
		}
		return b, nil
	}
	out := []any{
		e.ID.String(),
		e.ActorCategory, e.ActorType, e.ActorID, nil,
		e.EntityCategory, e.EntityType, e.EntityID, nil,
		e.AggregateCategory, e.AggregateType, e.AggregateID, nil,
		string(e.Action), nil, nil, nil, nil, e.CreatedAt,
	}
	cols := sqlsink.Columns()
	for i, v := range map[int]any{
		4: e.ActorContext, 8: e.EntityContext, 12: e.AggregateContext,
		14: e.Before, 15: e.After, 16: e.Changes, 17: e.RequestContext,
	} {
		b, err := js(cols[i], v)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
