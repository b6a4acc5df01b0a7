// Package search provides hybrid (keyword + semantic) retrieval over one
// collection's indices and result fusion.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/keyword"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/vector"
)

const (
	defaultLimit          = 5
	maxLimit              = 100
	defaultKeywordWeight  = 0.3
	defaultSemanticWeight = 0.7
)

// Query is a retrieval request against one collection.
type Query struct {
	Text           string  `json:"query"`
	Limit          int     `json:"limit,omitempty"`
	KeywordWeight  float64 `json:"keyword_weight,omitempty"`
	SemanticWeight float64 `json:"semantic_weight,omitempty"`
	MinScore       float64 `json:"min_score,omitempty"`
}

// Validate trims the text and applies defaults. Both weights zero means use defaults.
func (q *Query) Validate() error {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return fmt.Errorf("%w: query is required", models.ErrInvalidInput)
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.KeywordWeight < 0 || q.SemanticWeight < 0 {
		return fmt.Errorf("%w: weights must not be negative", models.ErrInvalidInput)
	}
	if q.KeywordWeight == 0 && q.SemanticWeight == 0 {
		q.KeywordWeight = defaultKeywordWeight
		q.SemanticWeight = defaultSemanticWeight
	}
	return nil
}

// Target is the pair of indices belonging to one collection.
type Target struct {
	CollectionID string
	Vector       vector.VectorIndex
	Keyword      keyword.KeywordIndex
}

// Engine runs hybrid search.
type Engine struct {
	embedder       embedding.Embedder
	topKCandidates int
}

// NewEngine creates a search engine. topKCandidates bounds each sub-search.
func NewEngine(embedder embedding.Embedder, topKCandidates int) *Engine {
	if topKCandidates <= 0 {
		topKCandidates = 50
	}
	return &Engine{embedder: embedder, topKCandidates: topKCandidates}
}

// Search runs keyword and semantic search concurrently and returns fused chunk hits.
func (e *Engine) Search(ctx context.Context, target Target, query *Query) ([]*models.ChunkHit, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	candidates := e.topKCandidates
	if candidates < query.Limit {
		candidates = query.Limit
	}

	var (
		keywordResults  []*keyword.KeywordResult
		semanticResults []*vector.VectorResult
		errChan         = make(chan error, 2)
		wg              sync.WaitGroup
	)

	if query.KeywordWeight > 0 && target.Keyword != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := target.Keyword.Search(ctx, query.Text, candidates, &keyword.SearchOptions{PhraseBoost: 1.5})
			if err != nil {
				errChan <- fmt.Errorf("keyword search failed: %w", err)
				return
			}
			keywordResults = results
		}()
	}

	if query.SemanticWeight > 0 && target.Vector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryEmbedding, err := e.embedder.Embed(ctx, query.Text)
			if err != nil {
				errChan <- fmt.Errorf("embedding failed: %w", err)
				return
			}
			results, err := target.Vector.Search(ctx, queryEmbedding, candidates)
			if err != nil {
				errChan <- fmt.Errorf("vector search failed: %w", err)
				return
			}
			semanticResults = results
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return nil, err
		}
	}

	fused := Fuse(NormalizeKeywordScores(keywordResults), NormalizeSemanticScores(semanticResults),
		query.KeywordWeight, query.SemanticWeight)

	ids := make([]string, 0, len(fused))
	for _, r := range fused {
		ids = append(ids, r.ID)
	}
	var records map[string]*vector.Record
	if target.Vector != nil {
		records = target.Vector.Lookup(ids)
	}

	hits := make([]*models.ChunkHit, 0, query.Limit)
	for _, r := range fused {
		if len(hits) == query.Limit {
			break
		}
		if query.MinScore > 0 && r.Score < query.MinScore {
			break
		}
		rec, ok := records[r.ID]
		if !ok {
			// Keyword index is ahead of or behind the vector index; skip stale ids.
			continue
		}
		hits = append(hits, &models.ChunkHit{
			Chunk: models.Chunk{
				ID:           rec.ID,
				UnitID:       rec.DocID,
				CollectionID: target.CollectionID,
				ChunkIndex:   rec.ChunkIndex,
				Content:      rec.Content,
			},
			Score:         r.Score,
			KeywordScore:  r.KeywordScore,
			SemanticScore: r.SemanticScore,
			Rank:          len(hits) + 1,
		})
	}
	return hits, nil
}
