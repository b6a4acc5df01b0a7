// Package embeddingtest provides fault-injecting embedders for tests.
package embeddingtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/models"
)

// FlakyEmbedder wraps an Embedder with scripted failures. The first FailFirst
// batch calls return a transient provider error. Any batch containing
// PoisonMarker returns a permanent unit error. Used to exercise retry paths.
type FlakyEmbedder struct {
	embedding.Embedder
	FailFirst    int
	PoisonMarker string

	mu    sync.Mutex
	calls int
}

// NewFlakyEmbedder wraps inner.
func NewFlakyEmbedder(inner embedding.Embedder, failFirst int, poisonMarker string) *FlakyEmbedder {
	return &FlakyEmbedder{Embedder: inner, FailFirst: failFirst, PoisonMarker: poisonMarker}
}

// Calls returns how many batch calls were made.
func (f *FlakyEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Embed delegates to EmbedBatch.
func (f *FlakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch fails as scripted, otherwise delegates.
func (f *FlakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.PoisonMarker != "" {
		for _, t := range texts {
			if strings.Contains(t, f.PoisonMarker) {
				return nil, models.Permanent(fmt.Errorf("provider rejected input"))
			}
		}
	}
	if call <= f.FailFirst {
		return nil, models.Transient(fmt.Errorf("provider unavailable (call %d)", call))
	}
	return f.Embedder.EmbedBatch(ctx, texts)
}
