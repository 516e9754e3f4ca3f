package auditry_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/memstore"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

func testSchema() *schema.Schema {
	return schema.MustNew(
		schema.Define("User",
			schema.Scalar("id", "email", "name", "password", "updatedAt"),
			schema.JSON("settings"),
			schema.HasMany("posts", "Post"),
			schema.HasOne("profile", "Profile"),
			schema.PrimaryKey("id"),
			schema.Unique("email"),
		),
		schema.Define("Profile",
			schema.Scalar("id", "bio", "userId"),
			schema.BelongsTo("user", "User", []string{"userId"}, []string{"id"}),
			schema.PrimaryKey("id"),
			schema.Unique("userId"),
		),
		schema.Define("Post",
			schema.Scalar("id", "title", "views", "authorId", "workspaceId"),
			schema.BelongsTo("author", "User", []string{"authorId"}, []string{"id"}),
			schema.HasMany("tags", "PostTag"),
			schema.PrimaryKey("id"),
		),
		schema.Define("PostTag",
			schema.Scalar("postId", "label", "weight"),
			schema.BelongsTo("post", "Post", []string{"postId"}, []string{"id"}),
			schema.PrimaryKey("postId", "label"),
		),
		auditry.AuditLogModel(""),
	)
}

// blogEntities audits users on their own and posts under their author.
func blogEntities() map[string]auditry.EntityConfig {
	return map[string]auditry.EntityConfig{
		"User": {Category: "identity"},
		"Post": {
			Category: "content",
			AggregateRoots: []auditry.AggregateRoot{
				{Category: "identity", Type: "User", Resolve: auditry.ForeignKey("authorId")},
			},
		},
		"PostTag": {Category: "content"},
	}
}

func newClient(t *testing.T, cfg auditry.Config) (*auditry.Client, *memstore.Store) {
	t.Helper()
	st := memstore.New(testSchema())
	if cfg.Entities == nil {
		cfg.Entities = blogEntities()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c, err := auditry.New(st, cfg)
	require.NoError(t, err)
	return c, st
}

func seed(t *testing.T, st *memstore.Store, model string, data map[string]any) store.Record {
	t.Helper()
	res, err := st.Exec(context.Background(), model, store.ActionCreate, map[string]any{"data": data})
	require.NoError(t, err)
	return res.(store.Record)
}

func auditRows(st *memstore.Store) []store.Record {
	return st.Rows(auditry.DefaultAuditModel)
}

func rowsOf(rows []store.Record, entityType string) []store.Record {
	var out []store.Record
	for _, r := range rows {
		if r["entityType"] == entityType {
			out = append(out, r)
		}
	}
	return out
}
