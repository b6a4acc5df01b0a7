package embeddingtest

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/models"
)

func TestFlakyEmbedder(t *testing.T) {
	f := NewFlakyEmbedder(embedding.NewMockEmbedder(4), 2, "POISON")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.EmbedBatch(ctx, []string{"ok"})
		if !errors.Is(err, models.ErrTransientProvider) {
			t.Fatalf("call %d: expected transient error, got %v", i+1, err)
		}
	}
	if _, err := f.EmbedBatch(ctx, []string{"ok"}); err != nil {
		t.Fatalf("third call should succeed: %v", err)
	}
	if _, err := f.Embed(ctx, "this is POISON"); !errors.Is(err, models.ErrPermanentUnit) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if f.Calls() != 4 {
		t.Errorf("Calls = %d, want 4", f.Calls())
	}
}
