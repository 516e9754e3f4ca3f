// Package sqlsink stores audit entries in SQL tables through database/sql.
//
// A Writer inserts flat rows into one table. A NormalizedWriter splits
// actors, entities and aggregates into deduplicated tables. When the context
// carries a *sql.Tx (see WithTx) rows are written on it, so entries commit
// and roll back with the caller's own transaction.
package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/internal/ident"
)

// Dialect selects placeholders and column types.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

func (d Dialect) placeholder(n int) string {
	if d == SQLite {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// sqliteTime keeps timestamps fixed-width so they sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func (d Dialect) timeArg(t time.Time) any {
	if d == SQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t
}

// DefaultBatchSize bounds the rows of a single INSERT statement.
const DefaultBatchSize = 500

// Config defines the table a writer or reader works on.
type Config struct {
	Table     string // default "audit_logs"
	Dialect   Dialect
	BatchSize int // default DefaultBatchSize
	// Persist also hands entries to the store's audit model.
	Persist bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = ident.TableName(auditry.DefaultAuditModel)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

func (c Config) table() string {
	return ident.QuoteQualified(ident.SplitQualified(c.Table))
}

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in ctx. Writers pick it up instead of the *sql.DB.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts the SQL transaction stored by WithTx.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execerFrom(ctx context.Context, db *sql.DB) execer {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return db
}

var columns = []string{
	"id",
	"actor_category", "actor_type", "actor_id", "actor_context",
	"entity_category", "entity_type", "entity_id", "entity_context",
	"aggregate_category", "aggregate_type", "aggregate_id", "aggregate_context",
	"action", "before", "after", "changes", "request_context", "created_at",
}

// Columns lists the flat table columns in insert order, excluding seq.
func Columns() []string { return slices.Clone(columns) }

// jsonArg marshals v, mapping absent values to SQL NULL.
func jsonArg(v any) (any, error) {
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
		return nil, err
	}
	return string(b), nil
}

func entryArgs(e auditry.Entry, d Dialect) ([]any, error) {
	args := []any{
		e.ID,
		e.ActorCategory, e.ActorType, e.ActorID, e.ActorContext,
		e.EntityCategory, e.EntityType, e.EntityID, e.EntityContext,
		e.AggregateCategory, e.AggregateType, e.AggregateID, e.AggregateContext,
		string(e.Action), e.Before, e.After, e.Changes, e.RequestContext, d.timeArg(e.CreatedAt),
	}
	for i, a := range args {
		switch a.(type) {
		case map[string]any, auditry.Changes:
			v, err := jsonArg(a)
			if err != nil {
				return nil, fmt.Errorf("sqlsink: marshal %s of entry %s: %w", columns[i], e.ID, err)
			}
			args[i] = v
		}
	}
	return args, nil
}

// insertStmt renders a multi-row INSERT for n rows of cols.
func insertStmt(table string, cols []string, n int, d Dialect) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(ident.QuoteAll(cols), ", "))
	p := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.placeholder(p))
			p++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// Writer bulk-inserts entries into a flat audit table.
type Writer struct {
	db  *sql.DB
	cfg Config
}

var _ auditry.Writer = (*Writer)(nil)

// NewWriter returns a Writer for db.
func NewWriter(db *sql.DB, cfg Config) *Writer {
	return &Writer{db: db, cfg: cfg.withDefaults()}
}

// Write implements auditry.Writer.
func (w *Writer) Write(ctx context.Context, entries []auditry.Entry, _ auditry.AuditContext, persist auditry.PersistFunc) error {
	if w.cfg.Persist {
		if err := persist(ctx, entries); err != nil {
			return err
		}
	}
	return w.Insert(ctx, entries)
}

// Insert writes entries in batches of Config.BatchSize.
func (w *Writer) Insert(ctx context.Context, entries []auditry.Entry) error {
	ex := execerFrom(ctx, w.db)
	table := w.cfg.table()
	for start := 0; start < len(entries); start += w.cfg.BatchSize {
		chunk := entries[start:min(start+w.cfg.BatchSize, len(entries))]
		args := make([]any, 0, len(chunk)*len(columns))
		for _, e := range chunk {
			a, err := entryArgs(e, w.cfg.Dialect)
			if err != nil {
				return err
			}
			args = append(args, a...)
		}
		if _, err := ex.ExecContext(ctx, insertStmt(table, columns, len(chunk), w.cfg.Dialect), args...); err != nil {
			return fmt.Errorf("sqlsink: insert into %s: %w", w.cfg.Table, err)
		}
	}
	return nil
}
