package auditry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/memstore"
	"github.com/mickamy/auditry/store"
)

func TestClient_TransactionRollback(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name  string
		await bool
	}{
		{name: "deferred writes", await: false},
		{name: "awaited writes", await: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			c, st := newClient(t, auditry.Config{AwaitWrite: tc.await})
			boom := errors.New("boom")

			err := c.Transaction(ctx, func(ctx context.Context, tx *auditry.Client) error {
				if _, err := tx.Create(ctx, "User", map[string]any{"data": map[string]any{"email": "a@example.com"}}); err != nil {
					return err
				}
				if _, err := tx.Create(ctx, "Post", map[string]any{"data": map[string]any{"title": "p", "authorId": 1}}); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.Empty(t, st.Rows("User"))
			assert.Empty(t, auditRows(st))
		})
	}
}

func TestClient_TransactionCommitDrainsInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, st := newClient(t, auditry.Config{})

	var results []auditry.WriteResult
	err := c.Transaction(ctx, func(ctx context.Context, tx *auditry.Client) error {
		for _, email := range []string{"a@example.com", "b@example.com"} {
			_, wr, err := tx.ExecWithResult(ctx, "User", store.ActionCreate, map[string]any{"data": map[string]any{"email": email}})
			if err != nil {
				return err
			}
			results = append(results, wr)
		}
		// the enclosing transaction is joined
		return tx.Transaction(ctx, func(ctx context.Context, tx *auditry.Client) error {
			_, err := tx.Update(ctx, "User", map[string]any{"where": map[string]any{"id": 1}, "data": map[string]any{"name": "A"}})
			return err
		})
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, wr := range results {
		assert.Equal(t, auditry.WriteDeferred, wr.Kind)
		assert.Equal(t, 1, wr.Count)
	}

	rows := auditRows(st)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"1", "2", "1"}, []any{rows[0]["entityId"], rows[1]["entityId"], rows[2]["entityId"]})
	assert.Equal(t, []any{"insert", "insert", "update"}, []any{rows[0]["action"], rows[1]["action"], rows[2]["action"]})
}

func TestClient_TransactionReadsThroughTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newClient(t, auditry.Config{})

	err := c.Transaction(ctx, func(ctx context.Context, tx *auditry.Client) error {
		actx, ok := auditry.FromContext(ctx)
		require.True(t, ok)
		assert.True(t, actx.InTransaction())

		if _, err := tx.Create(ctx, "User", map[string]any{"data": map[string]any{"email": "a@example.com"}}); err != nil {
			return err
		}
		rec, err := tx.FindUnique(ctx, "User", store.Query{Where: map[string]any{"email": "a@example.com"}})
		require.NoError(t, err)
		assert.NotNil(t, rec)

		outside, err := tx.FindUnique(context.Background(), "User", store.Query{Where: map[string]any{"email": "a@example.com"}})
		require.NoError(t, err)
		assert.Nil(t, outside)
		return nil
	})
	require.NoError(t, err)
}

func TestClient_DeferredWriteFailureDoesNotFailCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	got := make(chan error, 1)
	c, st := newClient(t, auditry.Config{WriteErrors: auditry.ErrorPolicy{
		Strategy: auditry.ErrorCustom,
		Handle: func(_ context.Context, err error) (map[string]any, error) {
			got <- err
			return nil, nil
		},
	}})
	boom := errors.New("boom")

	err := c.Transaction(ctx, func(ctx context.Context, tx *auditry.Client) error {
		_, err := tx.Create(ctx, "User", map[string]any{"data": map[string]any{"email": "a@example.com"}})
		st.FailOn(memstore.OpCreateMany, auditry.DefaultAuditModel, boom)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, st.Rows("User"), 1)
	assert.ErrorIs(t, <-got, boom)
}
