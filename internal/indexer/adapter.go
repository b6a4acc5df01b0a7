// Package indexer is the vector index adapter: it chunks unit text, dispatches
// embeddings in batches, and upserts or deletes a unit's chunks in a
// collection-scoped index while keeping the durable store and the in-memory
// search indices consistent.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/keyword"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/search"
	"github.com/hyperjump/tanya/internal/vector"
)

// Handle is the open search state of one collection. Writes to a handle are
// serialized; reads may run concurrently with a write.
type Handle struct {
	CollectionID string
	vector       *vector.MemoryIndex
	keyword      *keyword.BleveIndex
	mu           sync.Mutex
}

// Target returns the search target for the handle.
func (h *Handle) Target() search.Target {
	return search.Target{CollectionID: h.CollectionID, Vector: h.vector, Keyword: h.keyword}
}

func (h *Handle) close() error {
	if h.keyword != nil {
		return h.keyword.Close()
	}
	return nil
}

// Adapter implements chunk upsert, unit delete, and index handle management.
type Adapter struct {
	store          vector.Store
	embedder       embedding.Embedder
	chunker        *ProfileChunker
	engine         *search.Engine
	keywordDir     string
	embedBatchSize int
	logger         *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	loads   singleflight.Group
	lastGen atomic.Int64
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// WithKeywordDir persists keyword indices under dir, one directory per
// collection. Without it keyword indices are memory-only and rebuilt on open.
func WithKeywordDir(dir string) AdapterOption {
	return func(a *Adapter) { a.keywordDir = dir }
}

// WithEmbedBatchSize sets how many chunk texts go into one embedding call.
func WithEmbedBatchSize(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.embedBatchSize = n
		}
	}
}

// NewAdapter creates an adapter over store using embedder for chunk and query embeddings.
func NewAdapter(store vector.Store, embedder embedding.Embedder, chunker *ProfileChunker, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		store:          store,
		embedder:       embedder,
		chunker:        chunker,
		engine:         search.NewEngine(embedder, 50),
		embedBatchSize: 100,
		logger:         zap.NewNop(),
		handles:        make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Chunk splits extracted text of a unit by chunking profile.
func (a *Adapter) Chunk(unitID, collectionID, text, profile string) []*models.Chunk {
	return a.chunker.Chunk(unitID, collectionID, text, profile)
}

// EmbedChunks fills chunk embeddings in batches of the configured size. A
// failure fails the whole unit; other units are unaffected.
func (a *Adapter) EmbedChunks(ctx context.Context, chunks []*models.Chunk) error {
	for start := 0; start < len(chunks); start += a.embedBatchSize {
		end := start + a.embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i, ch := range chunks[start:end] {
			texts[i] = ch.Content
		}
		vecs, err := a.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(vecs))
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
		}
	}
	return nil
}

// EnsureIndex returns the handle for collectionID, loading it from the vector
// store on first use. Concurrent callers share one load.
func (a *Adapter) EnsureIndex(ctx context.Context, collectionID string) (*Handle, error) {
	a.mu.Lock()
	if h, ok := a.handles[collectionID]; ok {
		a.mu.Unlock()
		return h, nil
	}
	a.mu.Unlock()

	v, err, _ := a.loads.Do(collectionID, func() (any, error) {
		a.mu.Lock()
		if h, ok := a.handles[collectionID]; ok {
			a.mu.Unlock()
			return h, nil
		}
		a.mu.Unlock()

		h, err := a.openHandle(ctx, collectionID)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.handles[collectionID] = h
		a.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (a *Adapter) keywordPath(collectionID string) string {
	if a.keywordDir == "" {
		return ""
	}
	return filepath.Join(a.keywordDir, collectionID)
}

func (a *Adapter) openHandle(ctx context.Context, collectionID string) (*Handle, error) {
	start := time.Now()
	records, err := a.store.Load(ctx, collectionID)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("load vectors for %s: %w", collectionID, err))
	}
	mem, err := vector.NewMemoryIndex(a.embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	if err := mem.Add(ctx, records); err != nil {
		return nil, fmt.Errorf("load vectors for %s: %w", collectionID, err)
	}

	kwPath := a.keywordPath(collectionID)
	kw, err := keyword.NewBleveIndex(kwPath)
	if err != nil {
		return nil, err
	}
	// The vector store is authoritative; rebuild the keyword index when it drifted.
	if n, err := kw.DocCount(); err != nil || n != uint64(len(records)) {
		a.logger.Info("rebuilding keyword index",
			zap.String("collection_id", collectionID), zap.Int("chunks", len(records)))
		_ = kw.Close()
		if kwPath != "" {
			if err := os.RemoveAll(kwPath); err != nil {
				return nil, fmt.Errorf("remove keyword index: %w", err)
			}
		}
		if kw, err = keyword.NewBleveIndex(kwPath); err != nil {
			return nil, err
		}
		if err := kw.IndexChunks(ctx, recordsToChunks(records)); err != nil {
			_ = kw.Close()
			return nil, fmt.Errorf("rebuild keyword index: %w", err)
		}
	}
	a.logger.Debug("index handle opened",
		zap.String("collection_id", collectionID),
		zap.Int("chunks", len(records)),
		zap.Duration("took", time.Since(start)))
	return &Handle{CollectionID: collectionID, vector: mem, keyword: kw}, nil
}

func recordsToChunks(records []*vector.Record) []*models.Chunk {
	out := make([]*models.Chunk, len(records))
	for i, r := range records {
		out[i] = &models.Chunk{ID: r.ID, UnitID: r.DocID, CollectionID: r.CollectionID, ChunkIndex: r.ChunkIndex, Content: r.Content}
	}
	return out
}

// Invalidate closes and forgets the handle of one collection. Other
// collections' handles are untouched.
func (a *Adapter) Invalidate(collectionID string) {
	a.mu.Lock()
	h, ok := a.handles[collectionID]
	delete(a.handles, collectionID)
	a.mu.Unlock()
	if ok {
		h.mu.Lock()
		_ = h.close()
		h.mu.Unlock()
	}
}

// DropIndex removes every chunk of a collection and its keyword index.
func (a *Adapter) DropIndex(ctx context.Context, collectionID string) error {
	a.Invalidate(collectionID)
	if err := a.store.DropNamespace(ctx, collectionID); err != nil {
		return fmt.Errorf("drop vectors for %s: %w", collectionID, err)
	}
	if p := a.keywordPath(collectionID); p != "" {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove keyword index for %s: %w", collectionID, err)
		}
	}
	return nil
}

// nextGeneration returns a strictly increasing generation number.
func (a *Adapter) nextGeneration() int64 {
	for {
		now := time.Now().UnixNano()
		last := a.lastGen.Load()
		if now <= last {
			now = last + 1
		}
		if a.lastGen.CompareAndSwap(last, now) {
			return now
		}
	}
}

// UpsertChunks replaces the chunk set of unitID. The new generation is written
// and verified present before the previous generation is removed, so the unit
// never has zero searchable chunks. On failure the previous chunks stay live.
func (a *Adapter) UpsertChunks(ctx context.Context, collectionID, unitID string, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return models.Permanent(fmt.Errorf("unit %s produced no chunks", unitID))
	}
	h, err := a.EnsureIndex(ctx, collectionID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	gen := a.nextGeneration()
	records := make([]*vector.Record, len(chunks))
	for i, ch := range chunks {
		if ch.Embedding == nil {
			return fmt.Errorf("chunk %d of unit %s has no embedding", i, unitID)
		}
		ch.ID = fmt.Sprintf("%s-%x-%d", unitID, gen, i)
		ch.UnitID = unitID
		ch.CollectionID = collectionID
		ch.ChunkIndex = i
		records[i] = &vector.Record{
			ID:           ch.ID,
			Namespace:    collectionID,
			DocID:        unitID,
			CollectionID: collectionID,
			ChunkIndex:   i,
			Content:      ch.Content,
			Embedding:    ch.Embedding,
		}
	}

	rollback := func() {
		if err := a.store.DeleteGeneration(context.WithoutCancel(ctx), collectionID, unitID, gen); err != nil {
			a.logger.Error("failed to roll back chunk generation",
				zap.String("unit_id", unitID), zap.Int64("generation", gen), zap.Error(err))
		}
	}

	if err := a.store.Insert(ctx, gen, records); err != nil {
		rollback()
		return models.Transient(fmt.Errorf("upsert chunks of %s: %w", unitID, err))
	}
	n, err := a.store.CountByDoc(ctx, collectionID, unitID, gen)
	if err != nil {
		rollback()
		return models.Transient(fmt.Errorf("verify chunks of %s: %w", unitID, err))
	}
	if n != len(records) {
		rollback()
		return models.Transient(fmt.Errorf("%w: unit %s has %d of %d chunks after upsert",
			models.ErrConsistency, unitID, n, len(records)))
	}
	removed, err := a.store.DeleteByDoc(ctx, collectionID, unitID, gen)
	if err != nil {
		rollback()
		return models.Transient(fmt.Errorf("remove previous chunks of %s: %w", unitID, err))
	}

	// Durable state is committed; swap the in-memory indices in one step each.
	if err := h.vector.ReplaceDocument(ctx, unitID, records); err != nil {
		a.logger.Error("vector handle out of sync, invalidating", zap.String("collection_id", collectionID), zap.Error(err))
		go a.Invalidate(collectionID)
		return nil
	}
	if err := h.keyword.Replace(ctx, removed, chunks); err != nil {
		a.logger.Warn("keyword replace failed, invalidating handle", zap.String("unit_id", unitID), zap.Error(err))
		go a.Invalidate(collectionID)
	}
	a.logger.Debug("chunks upserted",
		zap.String("collection_id", collectionID),
		zap.String("unit_id", unitID),
		zap.Int("chunks", len(records)),
		zap.Int("replaced", len(removed)))
	return nil
}

// DeleteUnit removes every chunk of unitID. Deleting an absent unit succeeds.
func (a *Adapter) DeleteUnit(ctx context.Context, collectionID, unitID string) error {
	a.mu.Lock()
	h := a.handles[collectionID]
	a.mu.Unlock()
	if h != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
	}
	removed, err := a.store.DeleteByDoc(ctx, collectionID, unitID, 0)
	if err != nil {
		return models.Transient(fmt.Errorf("delete chunks of %s: %w", unitID, err))
	}
	if h != nil {
		_, _ = h.vector.RemoveDocument(ctx, unitID)
		if err := h.keyword.Delete(ctx, removed); err != nil {
			a.logger.Warn("keyword delete failed", zap.String("unit_id", unitID), zap.Error(err))
		}
	}
	a.logger.Debug("unit chunks deleted",
		zap.String("collection_id", collectionID), zap.String("unit_id", unitID), zap.Int("chunks", len(removed)))
	return nil
}

// Search runs hybrid retrieval against one collection.
func (a *Adapter) Search(ctx context.Context, collectionID string, q *search.Query) ([]*models.ChunkHit, error) {
	h, err := a.EnsureIndex(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return a.engine.Search(ctx, h.Target(), q)
}

// ChunkCount returns the number of durable chunks in a collection.
func (a *Adapter) ChunkCount(ctx context.Context, collectionID string) (int, error) {
	return a.store.Count(ctx, collectionID)
}

// OpenHandles returns the ids of collections with a loaded handle.
func (a *Adapter) OpenHandles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.handles))
	for id := range a.handles {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every handle. The vector store is owned by the caller.
func (a *Adapter) Close() error {
	a.mu.Lock()
	handles := a.handles
	a.handles = make(map[string]*Handle)
	a.mu.Unlock()
	for _, h := range handles {
		_ = h.close()
	}
	return nil
}
