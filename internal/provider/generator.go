package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// Generator produces an answer from a system prompt and a user prompt. onChunk,
// when non-nil, receives streamed fragments as they arrive.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, onChunk func(string)) (string, error)
}

// LLMGenerator implements Generator with an OpenAI-compatible chat API.
type LLMGenerator struct {
	client  llms.Model
	limiter *RateLimiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewGenerator creates a chat generator sharing limiter with other provider clients.
func NewGenerator(opts Options, limiter *RateLimiter, logger *zap.Logger) (*LLMGenerator, error) {
	token := opts.Token
	if token == "" {
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(opts.BaseURL),
		openai.WithToken(token),
		openai.WithModel(opts.ChatModel),
	)
	if err != nil {
		return nil, fmt.Errorf("create chat client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMGenerator{client: client, limiter: limiter, timeout: opts.Timeout, logger: logger}, nil
}

// Generate sends one chat completion and returns the answer text.
func (g *LLMGenerator) Generate(ctx context.Context, system, prompt string, onChunk func(string)) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		// Generation streams for longer than a single embedding call.
		ctx, cancel = context.WithTimeout(ctx, 4*g.timeout)
		defer cancel()
	}
	content := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}
	callOpts := []llms.CallOption{llms.WithTemperature(0.1)}
	if onChunk != nil {
		callOpts = append(callOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			onChunk(string(chunk))
			return nil
		}))
	}
	resp, err := g.client.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		g.logger.Warn("generation request failed", zap.Error(err))
		return "", classify(err, g.limiter)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// ExtractiveGenerator answers without a model by quoting the leading context
// lines of the prompt. Used in offline mode and tests.
type ExtractiveGenerator struct{}

// Generate returns the first context passage found in prompt.
func (ExtractiveGenerator) Generate(ctx context.Context, system, prompt string, onChunk func(string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var passages []string
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			if i := strings.Index(line, "]"); i > 0 {
				passages = append(passages, strings.TrimSpace(line[i+1:]))
			}
		}
	}
	answer := "I could not find this in the collection."
	if len(passages) > 0 {
		answer = passages[0]
	}
	if onChunk != nil {
		for _, w := range strings.SplitAfter(answer, " ") {
			onChunk(w)
		}
	}
	return answer, nil
}
