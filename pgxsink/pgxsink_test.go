package pgxsink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/pgxsink"
	"github.com/mickamy/auditry/sqlsink"
)

type fakeCopier struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
	short   bool
	err     error
}

func (f *fakeCopier) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.table = table
	f.columns = columns
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.rows = append(f.rows, vals)
	}
	if f.short {
		return int64(len(f.rows)) - 1, nil
	}
	return int64(len(f.rows)), nil
}

func entry() auditry.Entry {
	return auditry.Entry{
		ID:                uuid.New(),
		ActorCategory:     "user",
		ActorType:         "User",
		ActorID:           "7",
		EntityCategory:    "identity",
		EntityType:        "User",
		EntityID:          "7",
		AggregateCategory: "identity",
		AggregateType:     "User",
		AggregateID:       "7",
		Action:            auditry.ActionInsert,
		After:             map[string]any{"email": "a@example.com"},
		CreatedAt:         time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWriter_Copy(t *testing.T) {
	t.Parallel()

	f := &fakeCopier{}
	w, err := pgxsink.NewWriter(f, pgxsink.Config{Table: "audit.entries"})
	require.NoError(t, err)

	e := entry()
	require.NoError(t, w.Copy(context.Background(), []auditry.Entry{e}))

	assert.Equal(t, pgx.Identifier{"audit", "entries"}, f.table)
	assert.Equal(t, sqlsink.Columns(), f.columns)
	require.Len(t, f.rows, 1)
	row := f.rows[0]
	assert.Equal(t, e.ID.String(), row[0])
	assert.Equal(t, "insert", row[13])
	assert.Nil(t, row[14], "before")
	assert.Equal(t, []byte(`{"email":"a@example.com"}`), row[15])
	assert.Nil(t, row[16], "changes")
	assert.Equal(t, e.CreatedAt, row[18])
}

func TestWriter_Copy_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tcs := []struct {
		name   string
		copier *fakeCopier
		is     error
		msg    string
	}{
		{name: "copy fails", copier: &fakeCopier{err: boom}, is: boom, msg: `pgxsink: copy into "audit_logs"`},
		{name: "short write", copier: &fakeCopier{short: true}, msg: "wrote 0 of 1 rows"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w, err := pgxsink.NewWriter(tc.copier, pgxsink.Config{})
			require.NoError(t, err)
			err = w.Copy(context.Background(), []auditry.Entry{entry()})
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
			assert.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestWriter_Write(t *testing.T) {
	t.Parallel()

	f := &fakeCopier{}
	w, err := pgxsink.NewWriter(f, pgxsink.Config{Persist: true})
	require.NoError(t, err)

	var persisted []auditry.Entry
	persist := func(_ context.Context, es []auditry.Entry) error {
		persisted = es
		return nil
	}
	require.NoError(t, w.Write(context.Background(), []auditry.Entry{entry(), entry()}, auditry.AuditContext{}, persist))
	assert.Len(t, persisted, 2)
	assert.Len(t, f.rows, 2)

	require.NoError(t, w.Write(context.Background(), nil, auditry.AuditContext{}, persist))
	assert.Len(t, f.rows, 2)
}

type fakeTx struct {
	pgx.Tx
	copier fakeCopier
}

func (t *fakeTx) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	return t.copier.CopyFrom(ctx, table, columns, src)
}

func TestWriter_WithTx(t *testing.T) {
	t.Parallel()

	conn := &fakeCopier{}
	tx := &fakeTx{}
	w, err := pgxsink.NewWriter(conn, pgxsink.Config{})
	require.NoError(t, err)

	ctx := pgxsink.WithTx(context.Background(), tx)
	got, ok := pgxsink.From(ctx)
	require.True(t, ok)
	assert.Same(t, tx, got)

	require.NoError(t, w.Copy(ctx, []auditry.Entry{entry()}))
	assert.Empty(t, conn.rows)
	assert.Len(t, tx.copier.rows, 1)
}
