package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// sqliteStore implements Store on top of the shared DB.
type sqliteStore struct {
	db *DB

	subMu  sync.Mutex
	subSeq int
	subs   map[int]subscription
}

type subscription struct {
	workspace string
	fn        func(Change)
}

// New creates a Store backed by the given database.
// InitSchema must have been called on the database.
func New(db *DB) Store {
	return &sqliteStore{
		db:   db,
		subs: make(map[int]subscription),
	}
}

func (s *sqliteStore) FindAll(ctx context.Context, q Query) ([]Doc, error) {
	where, args := buildWhere(q)
	query := "SELECT id, workspace, kind, fields, created_by, modified_by, created_at, modified_at FROM documents" + where + " ORDER BY created_at ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *sqliteStore) FindOne(ctx context.Context, q Query) (*Doc, error) {
	q.Limit = 1
	docs, err := s.FindAll(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (s *sqliteStore) Create(ctx context.Context, doc Doc, actor string, at time.Time) error {
	if doc.ID == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	if doc.Workspace == "" {
		return fmt.Errorf("document workspace cannot be empty")
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	doc.CreatedBy = actor
	doc.ModifiedBy = actor
	doc.CreatedAt = at
	doc.ModifiedAt = at

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO documents (id, workspace, kind, fields, created_by, modified_by, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Workspace, doc.Kind, string(fields), actor, actor, at.UnixMilli(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create document %s: %w", doc.ID, err)
	}

	s.notify(Change{Kind: ChangeCreated, Doc: doc})
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, workspace, id string, fields map[string]any, actor string, at time.Time) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := s.updateInTx(ctx, tx, workspace, id, fields, actor, at)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}

	s.notify(Change{Kind: ChangeUpdated, Doc: *doc})
	return nil
}

func (s *sqliteStore) updateInTx(ctx context.Context, tx *sql.Tx, workspace, id string, fields map[string]any, actor string, at time.Time) (*Doc, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT id, workspace, kind, fields, created_by, modified_by, created_at, modified_at FROM documents WHERE workspace = ? AND id = ?",
		workspace, id)
	doc, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	for k, v := range fields {
		if v == nil {
			delete(doc.Fields, k)
		} else {
			doc.Fields[k] = v
		}
	}
	merged, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	doc.ModifiedBy = actor
	doc.ModifiedAt = at
	_, err = tx.ExecContext(ctx,
		"UPDATE documents SET fields = ?, modified_by = ?, modified_at = ? WHERE workspace = ? AND id = ?",
		string(merged), actor, at.UnixMilli(), workspace, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *sqliteStore) Remove(ctx context.Context, workspace, id string, actor string) error {
	row := s.db.conn.QueryRowContext(ctx,
		"SELECT id, workspace, kind, fields, created_by, modified_by, created_at, modified_at FROM documents WHERE workspace = ? AND id = ?",
		workspace, id)
	doc, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil // idempotent
	}
	if err != nil {
		return err
	}

	if _, err := s.db.conn.ExecContext(ctx, "DELETE FROM documents WHERE workspace = ? AND id = ?", workspace, id); err != nil {
		return fmt.Errorf("failed to remove document %s: %w", id, err)
	}

	doc.ModifiedBy = actor
	s.notify(Change{Kind: ChangeRemoved, Doc: doc})
	return nil
}

func (s *sqliteStore) ApplyBatch(ctx context.Context, ops []Op, actor string, at time.Time) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changes := make([]Change, 0, len(ops))
	for _, op := range ops {
		switch op.Change {
		case ChangeCreated:
			doc := op.Doc
			if doc.Fields == nil {
				doc.Fields = map[string]any{}
			}
			fields, err := json.Marshal(doc.Fields)
			if err != nil {
				return fmt.Errorf("failed to marshal fields: %w", err)
			}
			doc.CreatedBy = actor
			doc.ModifiedBy = actor
			doc.CreatedAt = at
			doc.ModifiedAt = at
			_, err = tx.ExecContext(ctx, `
				INSERT INTO documents (id, workspace, kind, fields, created_by, modified_by, created_at, modified_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				doc.ID, doc.Workspace, doc.Kind, string(fields), actor, actor, at.UnixMilli(), at.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to create document %s: %w", doc.ID, err)
			}
			changes = append(changes, Change{Kind: ChangeCreated, Doc: doc})
		case ChangeUpdated:
			doc, err := s.updateInTx(ctx, tx, op.Doc.Workspace, op.Doc.ID, op.Update, actor, at)
			if err != nil {
				return err
			}
			changes = append(changes, Change{Kind: ChangeUpdated, Doc: *doc})
		case ChangeRemoved:
			if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE workspace = ? AND id = ?", op.Doc.Workspace, op.Doc.ID); err != nil {
				return fmt.Errorf("failed to remove document %s: %w", op.Doc.ID, err)
			}
			changes = append(changes, Change{Kind: ChangeRemoved, Doc: op.Doc})
		default:
			return fmt.Errorf("unknown batch op %q", op.Change)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	for _, c := range changes {
		s.notify(c)
	}
	return nil
}

func (s *sqliteStore) Subscribe(workspace string, fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = subscription{workspace: workspace, fn: fn}
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// notify delivers a committed change to matching subscribers.
// Callbacks run synchronously; subscribers must not block.
func (s *sqliteStore) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.workspace == "" || sub.workspace == c.Doc.Workspace {
			fns = append(fns, sub.fn)
		}
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(row rowScanner) (Doc, error) {
	var doc Doc
	var fields string
	var createdAt, modifiedAt int64
	err := row.Scan(&doc.ID, &doc.Workspace, &doc.Kind, &fields, &doc.CreatedBy, &doc.ModifiedBy, &createdAt, &modifiedAt)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return doc, fmt.Errorf("failed to unmarshal fields for %s: %w", doc.ID, err)
	}
	doc.CreatedAt = time.UnixMilli(createdAt)
	doc.ModifiedAt = time.UnixMilli(modifiedAt)
	return doc, nil
}

func buildWhere(q Query) (string, []any) {
	var conds []string
	var args []any
	if q.Workspace != "" {
		conds = append(conds, "workspace = ?")
		args = append(args, q.Workspace)
	}
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, q.ID)
	}
	for k, v := range q.Fields {
		conds = append(conds, "json_extract(fields, '$."+k+"') = ?")
		args = append(args, v)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
