package models

// Chunk is a sub-span of a unit's text. Every chunk carries doc_id, collection_id
// and chunk_index so the vector store can delete by filter without chunk ids.
type Chunk struct {
	ID           string    `json:"id"`
	UnitID       string    `json:"doc_id"`
	CollectionID string    `json:"collection_id"`
	ChunkIndex   int       `json:"chunk_index"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"-"`
}

// ChunkHit is a retrieval result for a chunk.
type ChunkHit struct {
	Chunk         `json:"chunk"`
	Score         float64 `json:"score"`
	KeywordScore  float64 `json:"keyword_score"`
	SemanticScore float64 `json:"semantic_score"`
	Rank          int     `json:"rank"`
}
