package auditry

import (
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/auditry/internal/diff"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

// Action is the resolved effect of a mutation on one entity.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type (
	// Change is the old and new value of one field.
	Change = diff.Change
	// Changes maps field names to their change.
	Changes = diff.Changes
)

// Entry is one audit record: an entity change attributed to one aggregate root.
//
// Before and After are nil when absent. Changes is nil when nothing outside
// the excluded fields changed.
type Entry struct {
	ID uuid.UUID `json:"id"`

	ActorCategory string         `json:"actorCategory"`
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId"`
	ActorContext  map[string]any `json:"actorContext,omitempty"`

	EntityCategory string         `json:"entityCategory"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	EntityContext  map[string]any `json:"entityContext,omitempty"`

	AggregateCategory string         `json:"aggregateCategory"`
	AggregateType     string         `json:"aggregateType"`
	AggregateID       string         `json:"aggregateId"`
	AggregateContext  map[string]any `json:"aggregateContext,omitempty"`

	Action         Action         `json:"action"`
	Before         map[string]any `json:"before"`
	After          map[string]any `json:"after"`
	Changes        Changes        `json:"changes"`
	RequestContext map[string]any `json:"requestContext,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`

	// Model is the data store model the entity belongs to.
	Model string `json:"-"`
}

// IsSelf reports whether the entry is attributed to the entity itself.
func (e Entry) IsSelf() bool {
	return e.AggregateCategory == e.EntityCategory &&
		e.AggregateType == e.EntityType &&
		e.AggregateID == e.EntityID
}

// Row returns the entry as a store record for the audit model.
// Absent snapshots and contexts are nil.
func (e Entry) Row() store.Record {
	row := store.Record{
		"id":                e.ID.String(),
		"actorCategory":     e.ActorCategory,
		"actorType":         e.ActorType,
		"actorId":           e.ActorID,
		"entityCategory":    e.EntityCategory,
		"entityType":        e.EntityType,
		"entityId":          e.EntityID,
		"aggregateCategory": e.AggregateCategory,
		"aggregateType":     e.AggregateType,
		"aggregateId":       e.AggregateID,
		"action":            string(e.Action),
		"createdAt":         e.CreatedAt,
	}
	row["actorContext"] = nilIfEmpty(e.ActorContext)
	row["entityContext"] = nilIfEmpty(e.EntityContext)
	row["aggregateContext"] = nilIfEmpty(e.AggregateContext)
	row["requestContext"] = nilIfEmpty(e.RequestContext)
	row["before"] = nilIfAbsent(e.Before)
	row["after"] = nilIfAbsent(e.After)
	if e.Changes != nil {
		row["changes"] = changesRow(e.Changes)
	} else {
		row["changes"] = nil
	}
	return row
}

func changesRow(c Changes) map[string]any {
	out := make(map[string]any, len(c))
	for k, ch := range c {
		out[k] = map[string]any{"old": ch.Old, "new": ch.New}
	}
	return out
}

func nilIfEmpty(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nilIfAbsent(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// AuditLogModel describes the model default persistence writes Entry rows to.
func AuditLogModel(name string) *schema.Model {
	if name == "" {
		name = DefaultAuditModel
	}
	return schema.Define(name,
		schema.Scalar(
			"id",
			"actorCategory", "actorType", "actorId",
			"entityCategory", "entityType", "entityId",
			"aggregateCategory", "aggregateType", "aggregateId",
			"action", "createdAt",
		),
		schema.JSON(
			"actorContext", "entityContext", "aggregateContext",
			"before", "after", "changes", "requestContext",
		),
		schema.PrimaryKey("id"),
	)
}
