package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/internal/ident"
)

// refNamespace seeds the deterministic ids of actor, entity and aggregate rows.
var refNamespace = uuid.MustParse("6f1c2f0e-8d7a-4b55-9a3e-2c4b1d0e7f31")

type normalizedTables struct {
	actors, entities, aggregates, events string
}

// tableNames derives the normalized table names, "Audit" -> "audit_actors" etc.
func tableNames(prefix string) normalizedTables {
	if strings.TrimSpace(prefix) == "" {
		prefix = "Audit"
	}
	return normalizedTables{
		actors:     ident.TableName(prefix + "Actor"),
		entities:   ident.TableName(prefix + "Entity"),
		aggregates: ident.TableName(prefix + "Aggregate"),
		events:     ident.TableName(prefix + "Event"),
	}
}

// RefID returns the stable id of a referenced actor, entity or aggregate.
func RefID(kind, category, typ, id string) uuid.UUID {
	return uuid.NewSHA1(refNamespace, []byte(kind+"\x00"+category+"\x00"+typ+"\x00"+id))
}

type ref struct {
	id                   uuid.UUID
	category, typ, extID string
}

var (
	refColumns   = []string{"id", "category", "type", "external_id"}
	eventColumns = []string{
		"id", "actor_ref", "entity_ref", "aggregate_ref", "action",
		"actor_context", "entity_context", "aggregate_context",
		"before", "after", "changes", "request_context", "created_at",
	}
)

// NormalizedWriter stores actors, entities and aggregates once and links
// events to them by reference.
type NormalizedWriter struct {
	db     *sql.DB
	cfg    Config
	tables normalizedTables
}

var _ auditry.Writer = (*NormalizedWriter)(nil)

// NewNormalizedWriter returns a NormalizedWriter. prefix names the tables,
// empty means "Audit".
func NewNormalizedWriter(db *sql.DB, cfg Config, prefix string) *NormalizedWriter {
	return &NormalizedWriter{db: db, cfg: cfg.withDefaults(), tables: tableNames(prefix)}
}

// Write implements auditry.Writer.
func (w *NormalizedWriter) Write(ctx context.Context, entries []auditry.Entry, _ auditry.AuditContext, persist auditry.PersistFunc) error {
	if w.cfg.Persist {
		if err := persist(ctx, entries); err != nil {
			return err
		}
	}
	return w.Insert(ctx, entries)
}

// Insert upserts the referenced rows, then inserts one event per entry.
func (w *NormalizedWriter) Insert(ctx context.Context, entries []auditry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ex := execerFrom(ctx, w.db)

	actors := map[uuid.UUID]ref{}
	entities := map[uuid.UUID]ref{}
	aggregates := map[uuid.UUID]ref{}
	events := make([][]any, 0, len(entries))
	for _, e := range entries {
		var actorRef any
		if e.ActorID != "" {
			id := RefID("actor", e.ActorCategory, e.ActorType, e.ActorID)
			actors[id] = ref{id, e.ActorCategory, e.ActorType, e.ActorID}
			actorRef = id.String()
		}
		entID := RefID("entity", e.EntityCategory, e.EntityType, e.EntityID)
		entities[entID] = ref{entID, e.EntityCategory, e.EntityType, e.EntityID}
		aggID := RefID("aggregate", e.AggregateCategory, e.AggregateType, e.AggregateID)
		aggregates[aggID] = ref{aggID, e.AggregateCategory, e.AggregateType, e.AggregateID}

		args := []any{
			e.ID.String(), actorRef, entID.String(), aggID.String(), string(e.Action),
			e.ActorContext, e.EntityContext, e.AggregateContext,
			e.Before, e.After, e.Changes, e.RequestContext,
		}
		for i := 5; i < len(args); i++ {
			v, err := jsonArg(args[i])
			if err != nil {
				return fmt.Errorf("sqlsink: marshal %s of entry %s: %w", eventColumns[i], e.ID, err)
			}
			args[i] = v
		}
		events = append(events, append(args, w.cfg.Dialect.timeArg(e.CreatedAt)))
	}

	if err := w.insertRefs(ctx, ex, w.tables.actors, actors); err != nil {
		return err
	}
	if err := w.insertRefs(ctx, ex, w.tables.entities, entities); err != nil {
		return err
	}
	if err := w.insertRefs(ctx, ex, w.tables.aggregates, aggregates); err != nil {
		return err
	}

	table := ident.Quote(w.tables.events)
	for start := 0; start < len(events); start += w.cfg.BatchSize {
		chunk := events[start:min(start+w.cfg.BatchSize, len(events))]
		args := make([]any, 0, len(chunk)*len(eventColumns))
		for _, a := range chunk {
			args = append(args, a...)
		}
		if _, err := ex.ExecContext(ctx, insertStmt(table, eventColumns, len(chunk), w.cfg.Dialect), args...); err != nil {
			return fmt.Errorf("sqlsink: insert into %s: %w", w.tables.events, err)
		}
	}
	return nil
}

func (w *NormalizedWriter) insertRefs(ctx context.Context, ex execer, table string, refs map[uuid.UUID]ref) error {
	if len(refs) == 0 {
		return nil
	}
	// stable statement text and argument order
	ids := make([]uuid.UUID, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })

	for start := 0; start < len(ids); start += w.cfg.BatchSize {
		chunk := ids[start:min(start+w.cfg.BatchSize, len(ids))]
		args := make([]any, 0, len(chunk)*len(refColumns))
		for _, id := range chunk {
			r := refs[id]
			args = append(args, r.id.String(), r.category, r.typ, r.extID)
		}
		stmt := insertStmt(ident.Quote(table), refColumns, len(chunk), w.cfg.Dialect) + " ON CONFLICT (id) DO NOTHING"
		if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("sqlsink: insert into %s: %w", table, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
