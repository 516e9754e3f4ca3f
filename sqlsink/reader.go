package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/internal/ident"
)

// Reader queries a flat audit table written by Writer.
type Reader struct {
	db  *sql.DB
	cfg Config
}

// NewReader returns a Reader for db.
func NewReader(db *sql.DB, cfg Config) *Reader {
	return &Reader{db: db, cfg: cfg.withDefaults()}
}

// FindByAggregate returns the entries attributed to one aggregate root in
// insertion order. limit <= 0 means no limit.
func (r *Reader) FindByAggregate(ctx context.Context, typ, id string, limit int) ([]auditry.Entry, error) {
	return r.find(ctx, "aggregate_type", "aggregate_id", typ, id, limit)
}

// FindByEntity returns the entries recorded for one entity in insertion order.
func (r *Reader) FindByEntity(ctx context.Context, typ, id string, limit int) ([]auditry.Entry, error) {
	return r.find(ctx, "entity_type", "entity_id", typ, id, limit)
}

func (r *Reader) find(ctx context.Context, typeCol, idCol, typ, id string, limit int) ([]auditry.Entry, error) {
	d := r.cfg.Dialect
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s ORDER BY %s",
		strings.Join(ident.QuoteAll(columns), ", "), r.cfg.table(),
		ident.Quote(typeCol), d.placeholder(1), ident.Quote(idCol), d.placeholder(2),
		ident.Quote("seq"),
	)
	args := []any{typ, id}
	if limit > 0 {
		q += " LIMIT " + d.placeholder(3)
		args = append(args, limit)
	}

	var rows *sql.Rows
	var err error
	if tx, ok := From(ctx); ok {
		rows, err = tx.QueryContext(ctx, q, args...)
	} else {
		rows, err = r.db.QueryContext(ctx, q, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlsink: query %s: %w", r.cfg.Table, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []auditry.Entry
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlsink: scan %s: %w", r.cfg.Table, err)
		}
		e, err := rowToEntry(rowToMap(cols, vals))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlsink: query %s: %w", r.cfg.Table, err)
	}
	return out, nil
}

// rowToMap converts a single row to a map. Byte slices become strings.
func rowToMap(cols []string, vals []any) map[string]any {
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			m[c] = string(b)
			continue
		}
		m[c] = vals[i]
	}
	return m
}

func rowToEntry(m map[string]any) (auditry.Entry, error) {
	var e auditry.Entry
	var err error
	if e.ID, err = uuidValue(m["id"]); err != nil {
		return e, fmt.Errorf("sqlsink: decode id: %w", err)
	}
	e.ActorCategory = stringValue(m["actor_category"])
	e.ActorType = stringValue(m["actor_type"])
	e.ActorID = stringValue(m["actor_id"])
	e.EntityCategory = stringValue(m["entity_category"])
	e.EntityType = stringValue(m["entity_type"])
	e.EntityID = stringValue(m["entity_id"])
	e.AggregateCategory = stringValue(m["aggregate_category"])
	e.AggregateType = stringValue(m["aggregate_type"])
	e.AggregateID = stringValue(m["aggregate_id"])
	e.Action = auditry.Action(stringValue(m["action"]))

	for col, dst := range map[string]*map[string]any{
		"actor_context":     &e.ActorContext,
		"entity_context":    &e.EntityContext,
		"aggregate_context": &e.AggregateContext,
		"before":            &e.Before,
		"after":             &e.After,
		"request_context":   &e.RequestContext,
	} {
		if err := decodeJSON(m[col], dst); err != nil {
			return e, fmt.Errorf("sqlsink: decode %s: %w", col, err)
		}
	}
	if err := decodeJSON(m["changes"], &e.Changes); err != nil {
		return e, fmt.Errorf("sqlsink: decode changes: %w", err)
	}
	if e.CreatedAt, err = timeValue(m["created_at"]); err != nil {
		return e, fmt.Errorf("sqlsink: decode created_at: %w", err)
	}
	return e, nil
}

// decodeJSON leaves dst untouched for NULL.
func decodeJSON(v any, dst any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(x), dst)
	default:
		// drivers that decode JSON columns themselves
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func uuidValue(v any) (uuid.UUID, error) {
	switch x := v.(type) {
	case string:
		return uuid.Parse(x)
	case [16]byte:
		return uuid.UUID(x), nil
	default:
		return uuid.Nil, fmt.Errorf("unexpected %T", v)
	}
}

func timeValue(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	default:
		return time.Time{}, fmt.Errorf("unexpected %T", v)
	}
}
