// Package mongosink stores audit entries as MongoDB documents.
package mongosink

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mickamy/auditry"
)

// DefaultCollection is the collection name used by NewWriterForDatabase.
const DefaultCollection = "audit_logs"

// Collection is the subset of *mongo.Collection the writer needs.
type Collection interface {
	InsertMany(ctx context.Context, documents any, opts ...options.Lister[options.InsertManyOptions]) (*mongo.InsertManyResult, error)
}

// Writer inserts one document per entry, keyed by the entry id.
// Entries whose id already exists are skipped, so a batch can be retried.
type Writer struct {
	coll    Collection
	persist bool
}

var _ auditry.Writer = (*Writer)(nil)

// Option configures a Writer.
type Option func(*Writer)

// WithPersist also hands entries to the store's audit model.
func WithPersist() Option {
	return func(w *Writer) { w.persist = true }
}

// NewWriter returns a Writer for coll.
func NewWriter(coll Collection, opts ...Option) *Writer {
	w := &Writer{coll: coll}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewWriterForDatabase writes to DefaultCollection of db.
func NewWriterForDatabase(db *mongo.Database, opts ...Option) *Writer {
	return NewWriter(db.Collection(DefaultCollection), opts...)
}

// Write implements auditry.Writer.
func (w *Writer) Write(ctx context.Context, entries []auditry.Entry, _ auditry.AuditContext, persist auditry.PersistFunc) error {
	if w.persist {
		if err := persist(ctx, entries); err != nil {
			return err
		}
	}
	return w.Insert(ctx, entries)
}

// Insert stores entries unordered, so one duplicate does not stop the rest.
func (w *Writer) Insert(ctx context.Context, entries []auditry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]bson.M, len(entries))
	for i, e := range entries {
		docs[i] = Document(e)
	}
	_, err := w.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil || onlyDuplicates(err) {
		return nil
	}
	return fmt.Errorf("mongosink: insert %d entries: %w", len(entries), err)
}

func onlyDuplicates(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKey {
			return false
		}
	}
	return true
}

const duplicateKey = 11000

// Document renders e as a BSON document. Absent snapshots and contexts are omitted.
func Document(e auditry.Entry) bson.M {
	doc := bson.M{
		"_id": e.ID.String(),
		"actor": bson.M{
			"category": e.ActorCategory,
			"type":     e.ActorType,
			"id":       e.ActorID,
		},
		"entity": bson.M{
			"category": e.EntityCategory,
			"type":     e.EntityType,
			"id":       e.EntityID,
		},
		"aggregate": bson.M{
			"category": e.AggregateCategory,
			"type":     e.AggregateType,
			"id":       e.AggregateID,
		},
		"action":    string(e.Action),
		"createdAt": e.CreatedAt,
	}
	setMap(doc["actor"].(bson.M), "context", e.ActorContext)
	setMap(doc["entity"].(bson.M), "context", e.EntityContext)
	setMap(doc["aggregate"].(bson.M), "context", e.AggregateContext)
	setMap(doc, "before", e.Before)
	setMap(doc, "after", e.After)
	setMap(doc, "requestContext", e.RequestContext)
	if e.Changes != nil {
		changes := make(bson.M, len(e.Changes))
		for field, c := range e.Changes {
			changes[field] = bson.M{"old": c.Old, "new": c.New}
		}
		doc["changes"] = changes
	}
	return doc
}

func setMap(doc bson.M, key string, v map[string]any) {
	if v != nil {
		doc[key] = v
	}
}
