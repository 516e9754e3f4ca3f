package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mickamy/auditry/internal/ident"
)

// SchemaConfig controls audit table generation.
type SchemaConfig struct {
	Dialect Dialect
	Table   string // flat table, default "audit_logs"
	// Prefix names the normalized tables, e.g. "Audit" -> "audit_actors".
	Prefix        string
	Flat          bool // create the flat table used by Writer
	Normalized    bool // create the tables used by NormalizedWriter
	CreateIndexes bool // index lookups by aggregate and by entity
}

// Migrate creates the audit tables described by cfg if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, cfg SchemaConfig) error {
	if cfg.Flat {
		t := Config{Table: cfg.Table}.withDefaults().Table
		if err := createFlatTable(ctx, db, cfg, t); err != nil {
			return err
		}
	}
	if cfg.Normalized {
		names := tableNames(cfg.Prefix)
		for _, ref := range []string{names.actors, names.entities, names.aggregates} {
			if err := createRefTable(ctx, db, cfg.Dialect, ref); err != nil {
				return err
			}
		}
		if err := createEventTable(ctx, db, cfg, names); err != nil {
			return err
		}
	}
	return nil
}

type types struct {
	seq, id, json, time string
}

func (d Dialect) types() types {
	if d == SQLite {
		return types{seq: "INTEGER PRIMARY KEY AUTOINCREMENT", id: "TEXT", json: "TEXT", time: "TEXT"}
	}
	return types{seq: "BIGSERIAL PRIMARY KEY", id: "UUID", json: "JSONB", time: "TIMESTAMPTZ"}
}

func createFlatTable(ctx context.Context, db *sql.DB, cfg SchemaConfig, table string) error {
	parts := ident.SplitQualified(table)
	quoted := ident.QuoteQualified(parts)
	if quoted == "" {
		return fmt.Errorf("sqlsink: invalid table identifier %q", table)
	}
	ty := cfg.Dialect.types()
	cols := []string{
		"seq " + ty.seq,
		"id " + ty.id + " NOT NULL UNIQUE",
		"actor_category TEXT NOT NULL",
		"actor_type TEXT NOT NULL",
		"actor_id TEXT NOT NULL",
		"actor_context " + ty.json,
		"entity_category TEXT NOT NULL",
		"entity_type TEXT NOT NULL",
		"entity_id TEXT NOT NULL",
		"entity_context " + ty.json,
		"aggregate_category TEXT NOT NULL",
		"aggregate_type TEXT NOT NULL",
		"aggregate_id TEXT NOT NULL",
		"aggregate_context " + ty.json,
		"action TEXT NOT NULL",
		`"before" ` + ty.json,
		`"after" ` + ty.json,
		"changes " + ty.json,
		"request_context " + ty.json,
		"created_at " + ty.time + " NOT NULL",
	}
	if err := createTable(ctx, db, quoted, cols); err != nil {
		return err
	}
	if !cfg.CreateIndexes {
		return nil
	}
	base := ident.BaseTableName(table)
	return createIndexes(ctx, db, quoted, map[string]string{
		"idx_" + base + "_aggregate": "aggregate_type, aggregate_id, seq",
		"idx_" + base + "_entity":    "entity_type, entity_id, seq",
	})
}

func createRefTable(ctx context.Context, db *sql.DB, d Dialect, table string) error {
	ty := d.types()
	return createTable(ctx, db, ident.Quote(table), []string{
		"id " + ty.id + " PRIMARY KEY",
		"category TEXT NOT NULL",
		"type TEXT NOT NULL",
		"external_id TEXT NOT NULL",
	})
}

func createEventTable(ctx context.Context, db *sql.DB, cfg SchemaConfig, names normalizedTables) error {
	ty := cfg.Dialect.types()
	refCol := func(col, table string) string {
		return fmt.Sprintf("%s %s REFERENCES %s (id)", col, ty.id, ident.Quote(table))
	}
	quoted := ident.Quote(names.events)
	err := createTable(ctx, db, quoted, []string{
		"seq " + ty.seq,
		"id " + ty.id + " NOT NULL UNIQUE",
		refCol("actor_ref", names.actors),
		refCol("entity_ref", names.entities) + " NOT NULL",
		refCol("aggregate_ref", names.aggregates) + " NOT NULL",
		"action TEXT NOT NULL",
		"actor_context " + ty.json,
		"entity_context " + ty.json,
		"aggregate_context " + ty.json,
		`"before" ` + ty.json,
		`"after" ` + ty.json,
		"changes " + ty.json,
		"request_context " + ty.json,
		"created_at " + ty.time + " NOT NULL",
	})
	if err != nil || !cfg.CreateIndexes {
		return err
	}
	return createIndexes(ctx, db, quoted, map[string]string{
		"idx_" + names.events + "_aggregate": "aggregate_ref, seq",
		"idx_" + names.events + "_entity":    "entity_ref, seq",
	})
}

func createTable(ctx context.Context, db *sql.DB, quoted string, cols []string) error {
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoted, strings.Join(cols, ",\n\t"))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlsink: create table %s: %w", quoted, err)
	}
	return nil
}

func createIndexes(ctx context.Context, db *sql.DB, quoted string, indexes map[string]string) error {
	for _, name := range sortedKeys(indexes) {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", ident.Quote(name), quoted, indexes[name])
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlsink: create index %s: %w", name, err)
		}
	}
	return nil
}
