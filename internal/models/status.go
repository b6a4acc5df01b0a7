package models

import "time"

// IndexingStatus is a snapshot of indexing progress for a collection across
// both document and webpage populations.
type IndexingStatus struct {
	CollectionID    string     `json:"collection_id"`
	IndexedCount    int64      `json:"indexed_count"`
	PendingCount    int64      `json:"pending_count"`
	FailedCount     int64      `json:"failed_count"`
	ProgressPercent float64    `json:"progress_percent"`
	LastIndexedAt   *time.Time `json:"last_indexed_at,omitempty"`
	Documents       UnitCounts `json:"documents"`
	Webpages        UnitCounts `json:"webpages"`
	ChunkCount      int        `json:"chunk_count"`
}

// ProgressPercent returns indexed / (indexed + pending + failed) as a percentage
// clamped to [0,100]. An empty population is fully indexed.
func ProgressPercent(indexed, pending, failed int64) float64 {
	total := indexed + pending + failed
	if total <= 0 {
		return 100
	}
	p := float64(indexed) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
