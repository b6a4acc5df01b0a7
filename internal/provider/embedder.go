package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/embedding"
)

// Options configures the provider clients.
type Options struct {
	BaseURL        string
	Token          string
	EmbeddingModel string
	ChatModel      string
	Dimensions     int
	Timeout        time.Duration
}

// Embedder implements embedding.Embedder with an OpenAI-compatible embeddings API.
type Embedder struct {
	embedder   embeddings.Embedder
	limiter    *RateLimiter
	dimensions int
	timeout    time.Duration
	logger     *zap.Logger
}

var _ embedding.Embedder = (*Embedder)(nil)

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EmbedderOption {
	return func(e *Embedder) { e.logger = l }
}

// NewEmbedder creates an embedder sharing limiter with other provider clients.
func NewEmbedder(opts Options, limiter *RateLimiter, options ...EmbedderOption) (*Embedder, error) {
	token := opts.Token
	if token == "" {
		// Local OpenAI-compatible services accept any token.
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(opts.BaseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(opts.EmbeddingModel),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}
	inner, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	e := &Embedder{
		embedder:   inner,
		limiter:    limiter,
		dimensions: opts.Dimensions,
		timeout:    opts.Timeout,
		logger:     zap.NewNop(),
	}
	for _, o := range options {
		o(e)
	}
	return e, nil
}

// Embed generates a vector embedding for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for texts in one provider call, bounded by the
// configured timeout. Errors are classified as transient or permanent.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	vectors, err := e.embedder.EmbedDocuments(callCtx, texts)
	if err != nil {
		e.logger.Warn("embedding request failed", zap.Int("count", len(texts)), zap.Error(err))
		return nil, classify(err, e.limiter)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if e.dimensions > 0 && len(v) != e.dimensions {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(v), e.dimensions)
		}
	}
	e.logger.Debug("embedded batch", zap.Int("count", len(texts)), zap.Duration("took", time.Since(start)))
	return vectors, nil
}

// Dimensions returns the configured embedding dimension.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (e *Embedder) Close() error {
	return nil
}
