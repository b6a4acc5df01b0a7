package vector

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nsRecords(ns, doc string, gen string, n int) []*Record {
	out := make([]*Record, n)
	for i := range out {
		out[i] = &Record{
			ID:           doc + ":" + gen + ":" + string(rune('a'+i)),
			Namespace:    ns,
			DocID:        doc,
			CollectionID: ns,
			ChunkIndex:   i,
			Content:      "chunk",
			Embedding:    []float32{float32(i), 1},
		}
	}
	return out
}

func TestSQLiteStore_GenerationReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, 1, nsRecords("c1", "u1", "1", 3)); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, 2, nsRecords("c1", "u1", "2", 2)); err != nil {
		t.Fatal(err)
	}
	n, err := s.CountByDoc(ctx, "c1", "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("generation 2 count = %d, want 2", n)
	}

	removed, err := s.DeleteByDoc(ctx, "c1", "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(removed)
	if len(removed) != 3 || removed[0] != "u1:1:a" {
		t.Errorf("removed = %v", removed)
	}
	total, _ := s.Count(ctx, "c1")
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}

	loaded, err := s.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 || loaded[1].ChunkIndex != 1 || loaded[1].Embedding[0] != 1 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestSQLiteStore_DeleteGenerationAndNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Insert(ctx, 5, nsRecords("c1", "u1", "5", 2))
	_ = s.Insert(ctx, 6, nsRecords("c1", "u1", "6", 2))
	_ = s.Insert(ctx, 1, nsRecords("c2", "u9", "1", 1))

	if err := s.DeleteGeneration(ctx, "c1", "u1", 6); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountByDoc(ctx, "c1", "u1", 5); n != 2 {
		t.Errorf("generation 5 should survive, got %d", n)
	}

	removed, err := s.DeleteByDoc(ctx, "c1", "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("expected all chunks removed, got %v", removed)
	}
	removed, _ = s.DeleteByDoc(ctx, "c1", "u1", 0)
	if len(removed) != 0 {
		t.Errorf("second delete should be empty, got %v", removed)
	}

	if err := s.DropNamespace(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx, "c2"); n != 0 {
		t.Errorf("namespace c2 should be empty, got %d", n)
	}
}
