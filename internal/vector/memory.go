package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is an in-memory vector index using brute-force inner product search.
type MemoryIndex struct {
	dimensions int
	records    []*Record
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		records:    make([]*Record, 0),
	}, nil
}

// Add appends records. Records whose ID is already present replace the old entry.
func (m *MemoryIndex) Add(ctx context.Context, records []*Record) error {
	for _, r := range records {
		if len(r.Embedding) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(r.Embedding), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := make(map[string]int, len(m.records))
	for i, r := range m.records {
		pos[r.ID] = i
	}
	for _, r := range records {
		cp := *r
		cp.Embedding = make([]float32, m.dimensions)
		copy(cp.Embedding, r.Embedding)
		if i, ok := pos[r.ID]; ok {
			m.records[i] = &cp
			continue
		}
		pos[r.ID] = len(m.records)
		m.records = append(m.records, &cp)
	}
	return nil
}

// ReplaceDocument swaps every record of docID for records under one write lock,
// so a concurrent Search sees either the old set or the new one.
func (m *MemoryIndex) ReplaceDocument(ctx context.Context, docID string, records []*Record) error {
	for _, r := range records {
		if len(r.Embedding) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(r.Embedding), m.dimensions)
		}
		if r.DocID != docID {
			return fmt.Errorf("record %s belongs to %q, not %q", r.ID, r.DocID, docID)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]*Record, 0, len(m.records)+len(records))
	for _, r := range m.records {
		if r.DocID != docID {
			kept = append(kept, r)
		}
	}
	for _, r := range records {
		cp := *r
		cp.Embedding = make([]float32, m.dimensions)
		copy(cp.Embedding, r.Embedding)
		kept = append(kept, &cp)
	}
	m.records = kept
	return nil
}

// Search returns the top-k records by inner product (assumes normalized vectors = cosine similarity).
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.records) == 0 {
		return nil, nil
	}
	scores := make([]*VectorResult, len(m.records))
	for i, r := range m.records {
		scores[i] = &VectorResult{
			ID:         r.ID,
			DocID:      r.DocID,
			ChunkIndex: r.ChunkIndex,
			Content:    r.Content,
			Score:      InnerProduct(query, r.Embedding),
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// RemoveDocument drops every record of docID and returns how many were removed.
func (m *MemoryIndex) RemoveDocument(ctx context.Context, docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		if r.DocID != docID {
			kept = append(kept, r)
		}
	}
	removed := len(m.records) - len(kept)
	m.records = kept
	return removed, nil
}

// Lookup returns the records for ids that are present. Returned records share
// storage with the index and must not be modified.
func (m *MemoryIndex) Lookup(ids []string) map[string]*Record {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Record, len(ids))
	for _, r := range m.records {
		if want[r.ID] {
			out[r.ID] = r
		}
	}
	return out
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
