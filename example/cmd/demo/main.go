package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/memstore"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/sqlsink"
)

func main() {
	settings, err := auditry.LoadSettings(os.Getenv("AUDITRY_SETTINGS"))
	if err != nil {
		log.Fatalf("settings: %v", err)
	}
	logger := auditry.NewLogger(settings, os.Stdout)

	// Postgres when DATABASE_URL is set, a throwaway SQLite file otherwise.
	dialect := sqlsink.SQLite
	driver, dsn := "sqlite", filepath.Join(os.TempDir(), "auditry-demo.db")
	if url := os.Getenv("DATABASE_URL"); url != "" {
		dialect, driver, dsn = sqlsink.Postgres, "pgx", url
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer func(db *sql.DB) {
		_ = db.Close()
	}(db)

	ctx := context.Background()
	if err := sqlsink.Migrate(ctx, db, sqlsink.SchemaConfig{Dialect: dialect, Flat: true, CreateIndexes: true}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	st := memstore.New(schema.MustNew(
		schema.Define("Customer",
			schema.Scalar("id", "email", "name"),
			schema.HasMany("orders", "Order"),
			schema.PrimaryKey("id"),
			schema.Unique("email"),
		),
		schema.Define("Order",
			schema.Scalar("id", "status", "amount", "customerId"),
			schema.BelongsTo("customer", "Customer", []string{"customerId"}, []string{"id"}),
			schema.PrimaryKey("id"),
		),
		auditry.AuditLogModel(""),
	))

	cfg := auditry.Config{
		Entities: map[string]auditry.EntityConfig{
			"Customer": {Category: "crm"},
			"Order": {
				Category: "sales",
				AggregateRoots: []auditry.AggregateRoot{
					{Category: "crm", Type: "Customer", Resolve: auditry.ForeignKey("customerId")},
				},
			},
		},
		Writer: sqlsink.NewWriter(db, sqlsink.Config{Dialect: dialect}),
		Logger: logger,
	}
	settings.Apply(&cfg)
	client, err := auditry.New(st, cfg)
	if err != nil {
		log.Fatalf("new: %v", err)
	}

	ctx = auditry.WithActor(ctx, auditry.Actor{Category: "staff", Type: "User", ID: "demo-user"})
	ctx = auditry.WithRequestValue(ctx, "traceId", "trace-demo-001")

	var customerID any
	err = client.Transaction(ctx, func(ctx context.Context, tx *auditry.Client) error {
		c, err := tx.Create(ctx, "Customer", map[string]any{"data": map[string]any{
			"email":  "demo@example.com",
			"name":   "Demo",
			"orders": map[string]any{"create": map[string]any{"status": "new", "amount": 1200}},
		}})
		if err != nil {
			return err
		}
		customerID = c["id"]
		_, err = tx.UpdateMany(ctx, "Order", map[string]any{"customerId": customerID}, map[string]any{"status": "paid", "amount": 1500})
		return err
	})
	if err != nil {
		log.Fatalf("transaction: %v", err)
	}
	if err := client.Wait(ctx); err != nil {
		log.Fatalf("wait: %v", err)
	}

	id, err := auditry.NormalizeID(customerID)
	if err != nil {
		log.Fatalf("id: %v", err)
	}
	entries, err := sqlsink.NewReader(db, sqlsink.Config{Dialect: dialect}).FindByAggregate(ctx, "Customer", id, 0)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	for _, e := range entries {
		fmt.Printf("%s %s/%s %s changes=%v\n", e.Action, e.EntityType, e.EntityID, e.ActorID, e.Changes.Fields())
	}
}
