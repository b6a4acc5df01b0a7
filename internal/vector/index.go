// Package vector provides the chunk vector store: a durable SQLite table that is
// the source of truth, and in-memory indices loaded from it for similarity search.
package vector

import "context"

// Record is a chunk row in the vector store. DocID is the owning unit id.
type Record struct {
	ID           string
	Namespace    string
	DocID        string
	CollectionID string
	ChunkIndex   int
	Content      string
	Embedding    []float32
}

// VectorIndex defines in-memory similarity search over chunk records.
type VectorIndex interface {
	Add(ctx context.Context, records []*Record) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	RemoveDocument(ctx context.Context, docID string) (int, error)
	ReplaceDocument(ctx context.Context, docID string, records []*Record) error
	Lookup(ids []string) map[string]*Record
	Size() int
	Close() error
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID         string
	DocID      string
	ChunkIndex int
	Content    string
	Score      float64 // Inner product or cosine similarity (0-1 for normalized)
}

// Store is the durable chunk store. Each upsert writes a new generation of a
// document's chunks; older generations are removed only after the new one is verified.
type Store interface {
	Insert(ctx context.Context, generation int64, records []*Record) error
	CountByDoc(ctx context.Context, namespace, docID string, generation int64) (int, error)
	// DeleteByDoc removes every chunk of docID whose generation differs from keep.
	// keep == 0 removes all chunks. Returns the removed chunk ids.
	DeleteByDoc(ctx context.Context, namespace, docID string, keep int64) ([]string, error)
	DeleteGeneration(ctx context.Context, namespace, docID string, generation int64) error
	Load(ctx context.Context, namespace string) ([]*Record, error)
	Count(ctx context.Context, namespace string) (int, error)
	DropNamespace(ctx context.Context, namespace string) error
	Close() error
}
