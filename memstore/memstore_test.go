package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/auditry/memstore"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := schema.MustNew(
		schema.Define("User",
			schema.Scalar("id", "email", "name"),
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
			schema.Scalar("id", "title", "views", "authorId"),
			schema.BelongsTo("author", "User", []string{"authorId"}, []string{"id"}),
			schema.HasMany("tags", "PostTag"),
			schema.PrimaryKey("id"),
		),
		schema.Define("PostTag",
			schema.Scalar("postId", "label", "weight"),
			schema.BelongsTo("post", "Post", []string{"postId"}, []string{"id"}),
			schema.PrimaryKey("postId", "label"),
		),
	)
	return memstore.New(s)
}

func TestStore_CreateNestedWithInclude(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	res, err := st.Exec(ctx, "User", store.ActionCreate, map[string]any{
		"data": map[string]any{
			"email":    "a@example.com",
			"settings": map[string]any{"create": "not a relation"},
			"posts": map[string]any{"create": []any{
				map[string]any{"title": "one", "tags": map[string]any{"create": map[string]any{"label": "go"}}},
				map[string]any{"title": "two"},
			}},
			"profile": map[string]any{"create": map[string]any{"bio": "hi"}},
		},
		"include": map[string]any{
			"posts":   map[string]any{"include": map[string]any{"tags": true}},
			"profile": true,
		},
	})
	require.NoError(t, err)

	user := res.(store.Record)
	assert.Equal(t, 1, user["id"])
	assert.Equal(t, map[string]any{"create": "not a relation"}, user["settings"])

	posts := user["posts"].([]store.Record)
	require.Len(t, posts, 2)
	assert.Equal(t, "one", posts[0]["title"])
	assert.Equal(t, 1, posts[0]["authorId"])
	tags := posts[0]["tags"].([]store.Record)
	require.Len(t, tags, 1)
	assert.Equal(t, posts[0]["id"], tags[0]["postId"])

	profile := user["profile"].(store.Record)
	assert.Equal(t, "hi", profile["bio"])
	assert.Equal(t, 1, profile["userId"])
}

func TestStore_BelongsToConnectOrCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	_, err := st.Exec(ctx, "User", store.ActionCreate, map[string]any{"data": map[string]any{"email": "a@example.com"}})
	require.NoError(t, err)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, err := st.Exec(ctx, "Post", store.ActionCreate, map[string]any{"data": map[string]any{
			"title": "p",
			"author": map[string]any{"connectOrCreate": map[string]any{
				"where":  map[string]any{"email": email},
				"create": map[string]any{"email": email},
			}},
		}})
		require.NoError(t, err)
	}
	assert.Len(t, st.Rows("User"), 2)
	posts := st.Rows("Post")
	assert.Equal(t, 1, posts[0]["authorId"])
	assert.Equal(t, 2, posts[1]["authorId"])
}

func TestStore_UpdateUpsertDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	_, err := st.Exec(ctx, "User", store.ActionCreate, map[string]any{"data": map[string]any{
		"email": "a@example.com",
		"posts": map[string]any{"create": map[string]any{"title": "one", "views": 1}},
	}})
	require.NoError(t, err)

	_, err = st.Exec(ctx, "User", store.ActionUpdate, map[string]any{
		"where": map[string]any{"id": 1},
		"data": map[string]any{
			"name": "alice",
			"posts": map[string]any{
				"update": map[string]any{"where": map[string]any{"id": 1}, "data": map[string]any{"views": map[string]any{"increment": 2}}},
				"upsert": map[string]any{
					"where":  map[string]any{"id": 99},
					"create": map[string]any{"title": "new"},
					"update": map[string]any{"title": "never"},
				},
			},
			"profile": map[string]any{"upsert": map[string]any{
				"create": map[string]any{"bio": "created"},
				"update": map[string]any{"bio": "updated"},
			}},
		},
	})
	require.NoError(t, err)

	posts := st.Rows("Post")
	require.Len(t, posts, 2)
	assert.Equal(t, 3, posts[0]["views"])
	assert.Equal(t, "new", posts[1]["title"])
	assert.Equal(t, "created", st.Rows("Profile")[0]["bio"])

	res, err := st.Exec(ctx, "Post", store.ActionDeleteMany, map[string]any{"where": map[string]any{"authorId": 1}})
	require.NoError(t, err)
	assert.Equal(t, store.BatchResult{Count: 2}, res)
	assert.Empty(t, st.Rows("Post"))
}

func TestStore_Filters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	for i, title := range []string{"alpha", "beta", "gamma"} {
		_, err := st.Exec(ctx, "Post", store.ActionCreate, map[string]any{"data": map[string]any{"title": title, "views": i * 10}})
		require.NoError(t, err)
	}

	tcs := []struct {
		name  string
		where map[string]any
		want  int
	}{
		{name: "equality", where: map[string]any{"title": "beta"}, want: 1},
		{name: "in", where: map[string]any{"id": map[string]any{"in": []any{1, 3}}}, want: 2},
		{name: "gte", where: map[string]any{"views": map[string]any{"gte": 10}}, want: 2},
		{name: "or", where: map[string]any{"OR": []any{map[string]any{"title": "alpha"}, map[string]any{"title": "gamma"}}}, want: 2},
		{name: "not", where: map[string]any{"NOT": map[string]any{"title": "alpha"}}, want: 2},
		{name: "contains", where: map[string]any{"title": map[string]any{"contains": "mm"}}, want: 1},
		{name: "all", where: nil, want: 3},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := st.FindMany(ctx, "Post", store.Query{Where: tc.where})
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}
}

func TestStore_CompoundKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	_, err := st.Exec(ctx, "PostTag", store.ActionCreate, map[string]any{"data": map[string]any{"postId": 1, "label": "go", "weight": 1}})
	require.NoError(t, err)

	got, err := st.FindUnique(ctx, "PostTag", store.Query{Where: map[string]any{
		"postId_label": map[string]any{"postId": 1, "label": "go"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, got["weight"])

	_, err = st.Exec(ctx, "PostTag", store.ActionCreate, map[string]any{"data": map[string]any{"postId": 1, "label": "go"}})
	assert.ErrorIs(t, err, memstore.ErrUniqueViolation)
}

func TestStore_ExecIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	_, err := st.Exec(ctx, "User", store.ActionCreate, map[string]any{"data": map[string]any{
		"email": "a@example.com",
		"posts": map[string]any{"connect": map[string]any{"id": 42}},
	}})
	assert.ErrorIs(t, err, memstore.ErrNotFound)
	assert.Empty(t, st.Rows("User"))
}

func TestStore_Transaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	boom := errors.New("boom")

	err := st.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.Exec(ctx, "User", store.ActionCreate, map[string]any{"data": map[string]any{"email": "a@example.com"}}); err != nil {
			return err
		}
		rec, err := tx.FindUnique(ctx, "User", store.Query{Where: map[string]any{"email": "a@example.com"}})
		require.NoError(t, err)
		require.NotNil(t, rec)

		outside, err := st.FindUnique(ctx, "User", store.Query{Where: map[string]any{"email": "a@example.com"}})
		require.NoError(t, err)
		assert.Nil(t, outside)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, st.Rows("User"))

	err = st.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		_, err := tx.CreateMany(ctx, "AuditLog", []store.Record{{"id": "x"}})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, st.Rows("AuditLog"), 1)
}

func TestStore_StatsAndFailOn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	_, _ = st.FindMany(ctx, "User", store.Query{})
	_, _ = st.FindUnique(ctx, "User", store.Query{Where: map[string]any{"id": 1}})
	_, _ = st.CreateMany(ctx, "AuditLog", nil)

	stats := st.Stats()
	assert.Equal(t, 2, stats.Reads)
	assert.Equal(t, 1, stats.Writes)
	assert.Equal(t, 1, stats.Calls["FindMany:User"])

	boom := errors.New("boom")
	st.FailOn(memstore.OpFindUnique, "User", boom)
	_, err := st.FindUnique(ctx, "User", store.Query{Where: map[string]any{"id": 1}})
	assert.ErrorIs(t, err, boom)

	st.FailOn(memstore.OpFindUnique, "User", nil)
	_, err = st.FindUnique(ctx, "User", store.Query{Where: map[string]any{"id": 1}})
	assert.NoError(t, err)

	st.ResetStats()
	assert.Zero(t, st.Stats().Reads)
}
