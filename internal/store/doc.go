package store

import (
	"context"
	"time"
)

// Doc is a stored document: a stable identity, a kind tag and a bag of
// fields. The sync engine assumes nothing else about the schema.
type Doc struct {
	ID         string         `json:"id"`
	Workspace  string         `json:"workspace"`
	Kind       string         `json:"kind"`
	Fields     map[string]any `json:"fields"`
	CreatedBy  string         `json:"created_by"`
	ModifiedBy string         `json:"modified_by"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// Field returns a field value, or nil if absent.
func (d *Doc) Field(name string) any {
	if d.Fields == nil {
		return nil
	}
	return d.Fields[name]
}

// StringField returns a field as a string, or "" if absent or not a string.
func (d *Doc) StringField(name string) string {
	s, _ := d.Field(name).(string)
	return s
}

// Query selects documents by workspace, kind and field equality.
// Zero values mean "any". Fields are matched against the JSON field bag.
type Query struct {
	Workspace string
	Kind      string
	ID        string
	Fields    map[string]any

	// Limit bounds the result set. 0 means no limit.
	Limit int
}

// ChangeKind describes what happened to a document.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change is delivered to subscribers after a mutation commits.
type Change struct {
	Kind ChangeKind
	Doc  Doc
}

// Op is a single mutation inside an ApplyBatch call.
type Op struct {
	Change ChangeKind
	Doc    Doc
	// Update carries the field updates for ChangeUpdated ops.
	Update map[string]any
}

// Store is the document store contract consumed by the sync engine.
//
// All mutations carry an explicit actor identity and timestamp so that
// documents materialized from remote data are attributed to the remote
// author, not to the engine.
type Store interface {
	// FindAll returns all documents matching the query.
	FindAll(ctx context.Context, q Query) ([]Doc, error)

	// FindOne returns the first document matching the query, or nil.
	FindOne(ctx context.Context, q Query) (*Doc, error)

	// Create inserts a new document. The doc ID must be unique.
	Create(ctx context.Context, doc Doc, actor string, at time.Time) error

	// Update merges the given fields into an existing document.
	// A nil value in fields removes the field.
	Update(ctx context.Context, workspace, id string, fields map[string]any, actor string, at time.Time) error

	// Remove deletes a document. Removing a missing document is not an error.
	Remove(ctx context.Context, workspace, id string, actor string) error

	// ApplyBatch applies a group of mutations in one transaction.
	ApplyBatch(ctx context.Context, ops []Op, actor string, at time.Time) error

	// Subscribe registers a callback for committed changes in a workspace.
	// An empty workspace subscribes to all. The returned func unsubscribes.
	Subscribe(workspace string, fn func(Change)) (cancel func())
}
