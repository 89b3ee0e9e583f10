package keyword

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperjump/recall/internal/models"
)

func newTestIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex("")
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() {
		_ = idx.Close()
	})
	return idx
}

func turn(id int64, role models.Role, text string) *models.Turn {
	return &models.Turn{SequenceID: id, Role: role, DerivedText: text}
}

func TestBleveIndex_SearchFindsText(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Index(ctx, "agent", []*models.Turn{
		turn(1, models.RoleUser, "2024-01-01 10:00:00: user: I want to visit Paris"),
		turn(2, models.RoleAssistant, "2024-01-01 10:00:01: assistant: Paris is lovely in spring"),
		turn(3, models.RoleUser, "2024-01-01 10:00:02: user: what about Tokyo"),
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	results, err := idx.Search(ctx, "agent", "tokyo", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 3 {
		t.Fatalf("results = %+v, want single hit for turn 3", results)
	}

	results, err = idx.Search(ctx, "agent", "paris", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 hits for paris, got %d", len(results))
	}
}

func TestBleveIndex_NamespaceIsolation(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, "a", []*models.Turn{turn(1, models.RoleUser, "hiking boots")}); err != nil {
		t.Fatalf("Index a: %v", err)
	}
	if err := idx.Index(ctx, "b", []*models.Turn{turn(1, models.RoleUser, "hiking poles")}); err != nil {
		t.Fatalf("Index b: %v", err)
	}

	results, err := idx.Search(ctx, "b", "boots", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("namespace b should not see namespace a turns, got %+v", results)
	}

	n, err := idx.DocCount()
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	if n != 2 {
		t.Errorf("DocCount = %d, want 2", n)
	}
}

func TestBleveIndex_RoleFilter(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Index(ctx, "agent", []*models.Turn{
		turn(1, models.RoleUser, "book a flight"),
		turn(2, models.RoleAssistant, "flight booked"),
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	results, err := idx.Search(ctx, "agent", "flight", 10, &SearchOptions{Role: models.RoleAssistant})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 2 {
		t.Errorf("results = %+v, want only the assistant turn", results)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, "agent", []*models.Turn{turn(7, models.RoleUser, "restaurant recommendations")}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	exact, err := idx.Search(ctx, "agent", "restaurnt", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(exact) != 0 {
		t.Errorf("exact search should not match a typo, got %+v", exact)
	}

	fuzzy, err := idx.Search(ctx, "agent", "restaurnt", 10, &SearchOptions{FuzzyEnabled: true})
	if err != nil {
		t.Fatalf("fuzzy Search: %v", err)
	}
	if len(fuzzy) != 1 || fuzzy[0].ID != 7 {
		t.Errorf("fuzzy results = %+v, want turn 7", fuzzy)
	}
}

func TestBleveIndex_UpsertAndDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, "agent", []*models.Turn{turn(1, models.RoleUser, "old wording")}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Index(ctx, "agent", []*models.Turn{turn(1, models.RoleUser, "new wording")}); err != nil {
		t.Fatalf("re-Index: %v", err)
	}
	if results, _ := idx.Search(ctx, "agent", "old", 10, nil); len(results) != 0 {
		t.Errorf("stale text still searchable: %+v", results)
	}
	if results, _ := idx.Search(ctx, "agent", "new", 10, nil); len(results) != 1 {
		t.Errorf("expected updated text to be searchable, got %+v", results)
	}

	if err := idx.Delete(ctx, "agent", []int64{1, 99}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := idx.DocCount(); n != 0 {
		t.Errorf("DocCount after delete = %d, want 0", n)
	}
}

func TestBleveIndex_ReopenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleve")
	ctx := context.Background()

	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	if err := idx.Index(ctx, "agent", []*models.Turn{turn(4, models.RoleUser, "persistent memory")}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()
	results, err := reopened.Search(ctx, "agent", "persistent", 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 4 {
		t.Errorf("results after reopen = %+v", results)
	}
}

func TestParseDocID(t *testing.T) {
	if id, ok := parseDocID(docID("ns/with/slash", 42)); !ok || id != 42 {
		t.Errorf("parseDocID round trip = %d, %v", id, ok)
	}
	if _, ok := parseDocID("garbage"); ok {
		t.Error("expected parse failure")
	}
}
