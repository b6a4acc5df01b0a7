package keyword

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/tanya/internal/models"
)

func sampleChunks() []*models.Chunk {
	return []*models.Chunk{
		{ID: "u1:0", UnitID: "u1", CollectionID: "c1", Content: "Quarterly revenue grew in the northern region."},
		{ID: "u1:1", UnitID: "u1", CollectionID: "c1", Content: "The Bayes app is also referenced by the audit team."},
		{ID: "u2:0", UnitID: "u2", CollectionID: "c1", Content: "Vacation policy allows twenty days of paid leave."},
	}
}

func TestBleveIndex_SearchFindsContent(t *testing.T) {
	idx, err := NewBleveIndex(filepath.Join(t.TempDir(), "bleve"))
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	defer func() {
		_ = idx.Close()
	}()
	ctx := context.Background()

	if err := idx.IndexChunks(ctx, sampleChunks()); err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}

	results, err := idx.Search(ctx, "vacation", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].ID != "u2:0" {
		t.Fatalf("expected u2:0 first, got %+v", results)
	}

	// Standard analyzer (no stemming) so "bayes" matches "Bayes".
	results, err = idx.Search(ctx, "bayes", 10, nil)
	if err != nil {
		t.Fatalf("Search bayes: %v", err)
	}
	if len(results) != 1 || results[0].ID != "u1:1" {
		t.Errorf("expected u1:1, got %+v", results)
	}

	if n, _ := idx.DocCount(); n != 3 {
		t.Errorf("DocCount = %d, want 3", n)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx, err := NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()
	_ = idx.IndexChunks(ctx, sampleChunks())

	exact, _ := idx.Search(ctx, "vacaton", 10, nil)
	if len(exact) != 0 {
		t.Errorf("misspelling should not match exactly, got %+v", exact)
	}
	fuzzy, err := idx.Search(ctx, "vacaton", 10, &SearchOptions{FuzzyEnabled: true, Fuzziness: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(fuzzy) == 0 || fuzzy[0].ID != "u2:0" {
		t.Errorf("expected fuzzy hit on u2:0, got %+v", fuzzy)
	}
}

func TestBleveIndex_PhraseBoost(t *testing.T) {
	idx, _ := NewBleveIndex("")
	defer idx.Close()
	ctx := context.Background()
	_ = idx.IndexChunks(ctx, []*models.Chunk{
		{ID: "a", UnitID: "u1", Content: "paid leave is approved by managers; vacation rules differ"},
		{ID: "b", UnitID: "u2", Content: "paid vacation leave"},
	})
	results, err := idx.Search(ctx, "paid leave", 10, &SearchOptions{PhraseBoost: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].ID != "a" {
		t.Errorf("phrase match should rank first, got %+v", results)
	}
}

func TestBleveIndex_Delete(t *testing.T) {
	idx, _ := NewBleveIndex("")
	defer idx.Close()
	ctx := context.Background()
	_ = idx.IndexChunks(ctx, sampleChunks())

	if err := idx.Delete(ctx, []string{"u1:0", "u1:1", "missing"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := idx.DocCount(); n != 1 {
		t.Errorf("DocCount after delete = %d, want 1", n)
	}
	results, _ := idx.Search(ctx, "bayes", 10, nil)
	if len(results) != 0 {
		t.Errorf("deleted chunk still searchable: %+v", results)
	}
}

func TestBleveIndex_ReopenKeepsChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kw")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = idx.IndexChunks(context.Background(), sampleChunks())
	_ = idx.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("index dir not created: %v", err)
	}
	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if n, _ := reopened.DocCount(); n != 3 {
		t.Errorf("DocCount after reopen = %d, want 3", n)
	}
}

func TestBleveIndex_EmptyQuery(t *testing.T) {
	idx, _ := NewBleveIndex("")
	defer idx.Close()
	res, err := idx.Search(context.Background(), "   ", 5, nil)
	if err != nil || res != nil {
		t.Errorf("expected nil, nil for empty query, got %v, %v", res, err)
	}
}

func TestBleveIndex_Replace(t *testing.T) {
	idx, err := NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = idx.Close()
	}()
	ctx := context.Background()
	_ = idx.IndexChunks(ctx, sampleChunks())

	next := []*models.Chunk{{ID: "u1:g2:0", UnitID: "u1", CollectionID: "c1", Content: "Regional revenue report, second edition."}}
	if err := idx.Replace(ctx, []string{"u1:0", "u1:1"}, next); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	results, err := idx.Search(ctx, "revenue", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "u1:g2:0" {
		t.Errorf("expected only the new chunk, got %+v", results)
	}
	if n, _ := idx.DocCount(); n != 2 {
		t.Errorf("DocCount = %d, want 2", n)
	}
}
