package models

import "time"

// UnitKind distinguishes uploaded documents from crawled webpages.
type UnitKind string

const (
	UnitKindDocument UnitKind = "document"
	UnitKindWebpage  UnitKind = "webpage"
)

// UnitStatus is the indexing state of an IngestibleUnit.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusChunking  UnitStatus = "chunking"
	UnitStatusEmbedding UnitStatus = "embedding"
	UnitStatusUpserted  UnitStatus = "upserted"
	UnitStatusFailed    UnitStatus = "failed"
	// UnitStatusDeletionPending marks a unit whose vectors could not be removed yet.
	// It is invisible to indexing and status counts and is retried by the deletion sweep.
	UnitStatusDeletionPending UnitStatus = "deletion_pending"
)

// Unit is an IngestibleUnit: a document or webpage awaiting or having undergone indexing.
// IsIndexed implies the vector index holds at least one chunk whose doc_id is ID.
type Unit struct {
	ID             string     `json:"id" db:"id"`
	CollectionID   string     `json:"collection_id" db:"collection_id"`
	Kind           UnitKind   `json:"kind" db:"kind"`
	Source         string     `json:"source" db:"source"`
	Title          string     `json:"title,omitempty" db:"title"`
	ContentType    string     `json:"content_type" db:"content_type"`
	ContentLocator string     `json:"content_locator" db:"content_locator"`
	ContentHash    string     `json:"content_hash" db:"content_hash"`
	IsIndexed      bool       `json:"is_indexed" db:"is_indexed"`
	IndexedAt      *time.Time `json:"indexed_at,omitempty" db:"indexed_at"`
	Status         UnitStatus `json:"status" db:"status"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// UnitInput describes new or replaced content for a unit. Units are unique per
// (collection, source); a changed content hash invalidates IsIndexed.
type UnitInput struct {
	CollectionID string   `json:"collection_id"`
	Kind         UnitKind `json:"kind"`
	Source       string   `json:"source"`
	Title        string   `json:"title,omitempty"`
	ContentType  string   `json:"content_type,omitempty"`
	Content      []byte   `json:"-"`
}

// UnitCounts holds per-status counts for one unit population.
type UnitCounts struct {
	Indexed int64 `json:"indexed"`
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

// Add returns the element-wise sum of c and o.
func (c UnitCounts) Add(o UnitCounts) UnitCounts {
	return UnitCounts{
		Indexed: c.Indexed + o.Indexed,
		Pending: c.Pending + o.Pending,
		Failed:  c.Failed + o.Failed,
	}
}
