// Package status aggregates indexing progress of a collection across its
// document and webpage populations.
package status

import (
	"context"
	"fmt"
	"math"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

// Resolver maps a collection token to its canonical id.
type Resolver interface {
	Resolve(token string) (string, error)
}

// ChunkCounter reports the number of indexed chunks in a collection.
type ChunkCounter interface {
	ChunkCount(ctx context.Context, collectionID string) (int, error)
}

// Aggregator computes IndexingStatus snapshots.
type Aggregator struct {
	store    storage.Storage
	resolver Resolver
	chunks   ChunkCounter
}

// NewAggregator creates an aggregator. chunks may be nil.
func NewAggregator(store storage.Storage, resolver Resolver, chunks ChunkCounter) *Aggregator {
	return &Aggregator{store: store, resolver: resolver, chunks: chunks}
}

// Status returns the indexing status of the collection a token resolves to.
func (a *Aggregator) Status(ctx context.Context, token string) (*models.IndexingStatus, error) {
	id, err := a.resolver.Resolve(token)
	if err != nil {
		return nil, err
	}
	counts, err := a.store.CountUnitsByKind(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}
	st := &models.IndexingStatus{
		CollectionID:  id,
		Documents:     counts.ByKind[models.UnitKindDocument],
		Webpages:      counts.ByKind[models.UnitKindWebpage],
		LastIndexedAt: counts.LastIndexedAt,
	}
	total := st.Documents.Add(st.Webpages)
	st.IndexedCount = total.Indexed
	st.PendingCount = total.Pending
	st.FailedCount = total.Failed
	st.ProgressPercent = round2(models.ProgressPercent(total.Indexed, total.Pending, total.Failed))
	if a.chunks != nil {
		n, err := a.chunks.ChunkCount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to count chunks: %w", err)
		}
		st.ChunkCount = n
	}
	return st, nil
}

// Progress returns only the progress percent of a collection.
func (a *Aggregator) Progress(ctx context.Context, collectionID string) (float64, error) {
	st, err := a.Status(ctx, collectionID)
	if err != nil {
		return 0, err
	}
	return st.ProgressPercent, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
