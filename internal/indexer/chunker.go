package indexer

import (
	"strings"

	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/models"
)

// Chunker splits text into overlapping word-based windows.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker creates a chunker with the given size and overlap (in words).
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 400
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// Split returns overlapping windows of text. Empty text returns nil.
func (c *Chunker) Split(text string) []string {
	return c.window(strings.Fields(text))
}

func (c *Chunker) window(words []string) []string {
	if len(words) == 0 {
		return nil
	}
	step := c.chunkSize - c.chunkOverlap
	var out []string
	for i := 0; i < len(words); i += step {
		end := i + c.chunkSize
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[i:end], " "))
		if end >= len(words) {
			break
		}
	}
	return out
}

// SplitSections splits markdown at heading lines and windows each section, so
// a chunk never spans two headings unless both fit in one window.
func (c *Chunker) SplitSections(text string) []string {
	var sections [][]string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") && len(current) > 0 {
			sections = append(sections, current)
			current = nil
		}
		current = append(current, strings.Fields(line)...)
	}
	if len(current) > 0 {
		sections = append(sections, current)
	}

	var out []string
	var pending []string
	flush := func() {
		if len(pending) > 0 {
			out = append(out, strings.Join(pending, " "))
			pending = nil
		}
	}
	for _, words := range sections {
		if len(words) > c.chunkSize {
			flush()
			out = append(out, c.window(words)...)
			continue
		}
		if len(pending)+len(words) > c.chunkSize {
			flush()
		}
		pending = append(pending, words...)
	}
	flush()
	return out
}

// SplitRows groups whole lines up to the window size. Overlap carries trailing
// rows into the next chunk. A single row longer than the window is windowed.
func (c *Chunker) SplitRows(text string) []string {
	var out []string
	var cur [][]string
	count, fresh := 0, 0
	emit := func() {
		parts := make([]string, len(cur))
		for i, r := range cur {
			parts[i] = strings.Join(r, " ")
		}
		out = append(out, strings.Join(parts, "\n"))
		var carry [][]string
		n := 0
		for i := len(cur) - 1; i > 0 && n+len(cur[i]) <= c.chunkOverlap; i-- {
			carry = append([][]string{cur[i]}, carry...)
			n += len(cur[i])
		}
		cur, count, fresh = carry, n, 0
	}
	for _, line := range strings.Split(text, "\n") {
		row := strings.Fields(line)
		if len(row) == 0 {
			continue
		}
		if len(row) > c.chunkSize {
			if fresh > 0 {
				emit()
			}
			cur, count, fresh = nil, 0, 0
			out = append(out, c.window(row)...)
			continue
		}
		if count+len(row) > c.chunkSize {
			if fresh > 0 {
				emit()
			}
			if count+len(row) > c.chunkSize {
				cur, count = nil, 0
			}
		}
		cur = append(cur, row)
		count += len(row)
		fresh++
	}
	if fresh > 0 {
		emit()
	}
	return out
}

// ProfileChunker picks a chunker and split strategy by chunking profile.
type ProfileChunker struct {
	chunkers map[string]*Chunker
	fallback *Chunker
}

// NewProfileChunker builds chunkers for every configured profile.
func NewProfileChunker(profiles map[string]config.ChunkProfile) *ProfileChunker {
	pc := &ProfileChunker{chunkers: make(map[string]*Chunker, len(profiles))}
	for name, p := range profiles {
		pc.chunkers[name] = NewChunker(p.Size, p.Overlap)
	}
	pc.fallback = pc.chunkers[extract.ProfileText]
	if pc.fallback == nil {
		d := config.DefaultChunkProfiles()[extract.ProfileText]
		pc.fallback = NewChunker(d.Size, d.Overlap)
	}
	return pc
}

// Chunk splits text using the given profile and returns chunks carrying
// doc_id, collection_id and chunk_index. IDs are assigned at upsert.
func (pc *ProfileChunker) Chunk(unitID, collectionID, text, profile string) []*models.Chunk {
	c, ok := pc.chunkers[profile]
	if !ok {
		c = pc.fallback
	}
	var parts []string
	switch profile {
	case extract.ProfileMarkdown:
		parts = c.SplitSections(text)
	case extract.ProfileTable:
		parts = c.SplitRows(text)
	default:
		parts = c.Split(text)
	}
	chunks := make([]*models.Chunk, 0, len(parts))
	for _, p := range parts {
		content := Preprocess(p)
		if profile == extract.ProfileTable {
			content = PreprocessLines(p)
		}
		if content == "" {
			continue
		}
		chunks = append(chunks, &models.Chunk{
			UnitID:       unitID,
			CollectionID: collectionID,
			ChunkIndex:   len(chunks),
			Content:      content,
		})
	}
	return chunks
}
