package store

import (
	"context"
	"testing"
	"time"
)

// setupStore creates an in-memory database with schema for testing.
func setupStore(t *testing.T) Store {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return New(db)
}

// In-memory databases must stay coherent under concurrent use: with a
// connection pool, each pooled connection is a separate private
// database and readers see "no such table".
func TestInMemorySharedAcrossConcurrentUse(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			doc := Doc{
				ID:        "doc-" + string(rune('a'+i)),
				Workspace: "ws1",
				Kind:      "issue",
				Fields:    map[string]any{"title": "t"},
			}
			if err := s.Create(ctx, doc, "tester", now); err != nil {
				errs <- err
				return
			}
			_, err := s.FindOne(ctx, Query{Workspace: "ws1", ID: doc.ID})
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent access failed: %v", err)
		}
	}

	docs, err := s.FindAll(ctx, Query{Workspace: "ws1", Kind: "issue"})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(docs) != n {
		t.Errorf("got %d documents, want %d", len(docs), n)
	}
}

func TestCreateAndFindOne(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	doc := Doc{
		ID:        "doc-1",
		Workspace: "ws1",
		Kind:      "issue",
		Fields:    map[string]any{"title": "First", "number": float64(7)},
	}
	if err := s.Create(ctx, doc, "tester", now); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.FindOne(ctx, Query{Workspace: "ws1", ID: "doc-1"})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected document, got nil")
	}
	if got.StringField("title") != "First" {
		t.Errorf("title = %q, want %q", got.StringField("title"), "First")
	}
	if got.CreatedBy != "tester" {
		t.Errorf("created_by = %q, want %q", got.CreatedBy, "tester")
	}
}

func TestFindAllByFieldEquality(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, title := range []string{"a", "b", "a"} {
		doc := Doc{
			ID:        "doc-" + string(rune('1'+i)),
			Workspace: "ws1",
			Kind:      "issue",
			Fields:    map[string]any{"title": title},
		}
		if err := s.Create(ctx, doc, "tester", now.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	docs, err := s.FindAll(ctx, Query{Workspace: "ws1", Kind: "issue", Fields: map[string]any{"title": "a"}})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("Expected 2 docs, got %d", len(docs))
	}
}

func TestUpdateMergesAndRemovesFields(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	doc := Doc{ID: "doc-1", Workspace: "ws1", Kind: "issue", Fields: map[string]any{"title": "old", "state": "open"}}
	if err := s.Create(ctx, doc, "tester", now); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := s.Update(ctx, "ws1", "doc-1", map[string]any{"title": "new", "state": nil}, "editor", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := s.FindOne(ctx, Query{Workspace: "ws1", ID: "doc-1"})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if got.StringField("title") != "new" {
		t.Errorf("title = %q, want %q", got.StringField("title"), "new")
	}
	if _, ok := got.Fields["state"]; ok {
		t.Error("state should have been removed")
	}
	if got.ModifiedBy != "editor" {
		t.Errorf("modified_by = %q, want %q", got.ModifiedBy, "editor")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Remove(ctx, "ws1", "missing", "tester"); err != nil {
		t.Fatalf("Remove of missing doc should be nil, got: %v", err)
	}
}

func TestApplyBatchAtomic(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	ops := []Op{
		{Change: ChangeCreated, Doc: Doc{ID: "a", Workspace: "ws1", Kind: "issue", Fields: map[string]any{"n": float64(1)}}},
		{Change: ChangeCreated, Doc: Doc{ID: "b", Workspace: "ws1", Kind: "comment", Fields: map[string]any{"n": float64(2)}}},
	}
	if err := s.ApplyBatch(ctx, ops, "tester", now); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	docs, err := s.FindAll(ctx, Query{Workspace: "ws1"})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("Expected 2 docs, got %d", len(docs))
	}

	// A failing op must roll back the whole batch.
	bad := []Op{
		{Change: ChangeCreated, Doc: Doc{ID: "c", Workspace: "ws1", Kind: "issue"}},
		{Change: ChangeCreated, Doc: Doc{ID: "a", Workspace: "ws1", Kind: "issue"}}, // duplicate
	}
	if err := s.ApplyBatch(ctx, bad, "tester", now); err == nil {
		t.Fatal("Expected error from duplicate create")
	}
	got, err := s.FindOne(ctx, Query{Workspace: "ws1", ID: "c"})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if got != nil {
		t.Error("Batch was not rolled back")
	}
}

func TestSubscribeDeliversCommittedChanges(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	var seen []Change
	cancel := s.Subscribe("ws1", func(c Change) {
		seen = append(seen, c)
	})
	defer cancel()

	otherWs := s.Subscribe("ws2", func(c Change) {
		t.Errorf("ws2 subscriber should not see ws1 changes: %+v", c)
	})
	defer otherWs()

	doc := Doc{ID: "doc-1", Workspace: "ws1", Kind: "issue", Fields: map[string]any{}}
	if err := s.Create(ctx, doc, "tester", now); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Update(ctx, "ws1", "doc-1", map[string]any{"title": "x"}, "tester", now); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.Remove(ctx, "ws1", "doc-1", "tester"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(seen))
	}
	wantKinds := []ChangeKind{ChangeCreated, ChangeUpdated, ChangeRemoved}
	for i, k := range wantKinds {
		if seen[i].Kind != k {
			t.Errorf("change %d = %s, want %s", i, seen[i].Kind, k)
		}
	}

	// After cancel, no more deliveries.
	cancel()
	count := len(seen)
	if err := s.Create(ctx, Doc{ID: "doc-2", Workspace: "ws1", Kind: "issue"}, "tester", now); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(seen) != count {
		t.Error("Subscriber received change after cancel")
	}
}
