package mongosink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/mongosink"
)

type fakeCollection struct {
	docs []bson.M
	opts int
	err  error
}

func (f *fakeCollection) InsertMany(_ context.Context, documents any, opts ...options.Lister[options.InsertManyOptions]) (*mongo.InsertManyResult, error) {
	f.docs = append(f.docs, documents.([]bson.M)...)
	f.opts = len(opts)
	if f.err != nil {
		return nil, f.err
	}
	return &mongo.InsertManyResult{}, nil
}

func entry() auditry.Entry {
	return auditry.Entry{
		ID:                uuid.New(),
		ActorCategory:     "user",
		ActorType:         "User",
		ActorID:           "7",
		ActorContext:      map[string]any{"name": "alice"},
		EntityCategory:    "content",
		EntityType:        "Post",
		EntityID:          "1",
		AggregateCategory: "identity",
		AggregateType:     "User",
		AggregateID:       "7",
		Action:            auditry.ActionUpdate,
		Before:            map[string]any{"title": "a"},
		After:             map[string]any{"title": "b"},
		Changes:           auditry.Changes{"title": {Old: "a", New: "b"}},
		CreatedAt:         time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDocument(t *testing.T) {
	t.Parallel()

	e := entry()
	doc := mongosink.Document(e)
	assert.Equal(t, e.ID.String(), doc["_id"])
	assert.Equal(t, bson.M{"category": "user", "type": "User", "id": "7", "context": map[string]any{"name": "alice"}}, doc["actor"])
	assert.Equal(t, bson.M{"category": "content", "type": "Post", "id": "1"}, doc["entity"])
	assert.Equal(t, bson.M{"title": bson.M{"old": "a", "new": "b"}}, doc["changes"])
	assert.Equal(t, "update", doc["action"])
	assert.NotContains(t, doc, "requestContext")

	e.Before = nil
	e.Changes = nil
	doc = mongosink.Document(e)
	assert.NotContains(t, doc, "before")
	assert.NotContains(t, doc, "changes")
	assert.Contains(t, doc, "after")
}

func TestWriter_Insert(t *testing.T) {
	t.Parallel()

	dup := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Code: 11000, Message: "duplicate key"}},
	}}
	mixed := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Code: 11000}},
		{WriteError: mongo.WriteError{Code: 121, Message: "validation"}},
	}}
	boom := errors.New("boom")

	tcs := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "ok"},
		{name: "duplicates are skipped", err: dup},
		{name: "other write errors fail", err: mixed, wantErr: true},
		{name: "transport error", err: boom, wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			coll := &fakeCollection{err: tc.err}
			err := mongosink.NewWriter(coll).Insert(context.Background(), []auditry.Entry{entry(), entry()})
			if tc.wantErr {
				assert.ErrorContains(t, err, "mongosink: insert 2 entries")
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, coll.docs, 2)
			assert.Equal(t, 1, coll.opts)
		})
	}
}

func TestWriter_Write(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	calls := 0
	persist := func(context.Context, []auditry.Entry) error {
		calls++
		return nil
	}

	require.NoError(t, mongosink.NewWriter(coll).Write(context.Background(), []auditry.Entry{entry()}, auditry.AuditContext{}, persist))
	assert.Equal(t, 0, calls)

	require.NoError(t, mongosink.NewWriter(coll, mongosink.WithPersist()).Write(context.Background(), []auditry.Entry{entry()}, auditry.AuditContext{}, persist))
	assert.Equal(t, 1, calls)
	assert.Len(t, coll.docs, 2)

	require.NoError(t, mongosink.NewWriter(coll).Insert(context.Background(), nil))
	assert.Len(t, coll.docs, 2)
}
