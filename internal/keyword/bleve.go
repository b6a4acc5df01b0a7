package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/tanya/internal/models"
)

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

type chunkDoc struct {
	Content      string `json:"content"`
	DocID        string `json:"doc_id"`
	CollectionID string `json:"collection_id"`
}

func newChunkMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so queries match the exact word.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("doc_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("collection_id", keywordFieldMapping)
	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates a
// memory-only index. The index is rebuildable from the vector store, so callers
// may remove the directory to force a rebuild.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := newChunkMapping()
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexChunks indexes chunks in a single batch, keyed by chunk id.
func (b *BleveIndex) IndexChunks(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, ch := range chunks {
		if err := batch.Index(ch.ID, chunkDoc{Content: ch.Content, DocID: ch.UnitID, CollectionID: ch.CollectionID}); err != nil {
			return fmt.Errorf("batch index %s: %w", ch.ID, err)
		}
	}
	return b.index.Batch(batch)
}

// Search runs a match query over chunk content and returns up to limit results.
// When opts.PhraseBoost > 1, chunks containing the query as a phrase are boosted.
// When opts.FuzzyEnabled is true, fuzzy matching is used for typo tolerance.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	phraseBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 2
	if opts != nil {
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	var q blevequery.Query
	if fuzzyEnabled {
		q = buildFuzzyQuery(query, fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("content")
		q = mq
	}
	reqSize := limit
	if phraseBoost > 1.0 && reqSize < 50 {
		reqSize = 50
	}
	req := bleve.NewSearchRequest(q)
	req.Size = reqSize
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	phraseMatches := make(map[string]bool)
	if phraseBoost > 1.0 && len(tokenizeQuery(query)) > 1 {
		phraseMatches = b.findPhraseMatches(ctx, query, reqSize)
	}

	out := make([]*KeywordResult, len(results.Hits))
	for i, hit := range results.Hits {
		score := hit.Score
		if phraseMatches[hit.ID] {
			score *= phraseBoost
		}
		out[i] = &KeywordResult{ID: hit.ID, Score: score}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// tokenizeQuery splits query into lowercase terms, filtering out empty strings.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries for each term in the query.
func buildFuzzyQuery(queryStr string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField("content")
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("content")
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// findPhraseMatches finds chunks where the query appears as a phrase.
func (b *BleveIndex) findPhraseMatches(ctx context.Context, query string, reqSize int) map[string]bool {
	matches := make(map[string]bool)
	pq := bleve.NewMatchPhraseQuery(query)
	pq.SetField("content")
	req := bleve.NewSearchRequest(pq)
	req.Size = reqSize
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return matches
	}
	for _, hit := range results.Hits {
		matches[hit.ID] = true
	}
	return matches
}

// Delete removes chunks from the index. Unknown ids are ignored.
func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// Replace applies the new chunks and the removals in one batch. Readers see
// either the old chunk set or the new one.
func (b *BleveIndex) Replace(ctx context.Context, remove []string, chunks []*models.Chunk) error {
	if len(remove) == 0 && len(chunks) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, ch := range chunks {
		if err := batch.Index(ch.ID, chunkDoc{Content: ch.Content, DocID: ch.UnitID, CollectionID: ch.CollectionID}); err != nil {
			return fmt.Errorf("batch index %s: %w", ch.ID, err)
		}
	}
	for _, id := range remove {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// DocCount returns the total number of chunks in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
