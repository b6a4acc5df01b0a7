// Package chat serves questions against a collection: it retrieves the most
// relevant committed chunks and asks a generator for a grounded answer.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/events"
	"github.com/hyperjump/tanya/internal/models"
		"github.com/hyperjump/tanya/internal/provider"
	"github.com/hyperjump/tanya/internal/search"
	"github.com/hyperjump/tanya/pkg/utils"
)

const systemPrompt = `You answer questions about government documents and web pages.
Use only the numbered passages provided. If the passages do not contain the answer, say so.
Cite passages by their number in square brackets.`

const maxPassageLen = 1200

// Resolver maps a collection token to its canonical id.
type Resolver interface {
	Resolve(token string) (string, error)
}

// Searcher runs retrieval against a collection's committed index.
type Searcher interface {
	Search(ctx context.Context, collectionID string, q *search.Query) ([]*models.ChunkHit, error)
}

// Request is a question asked within a session.
type Request struct {
	SessionID  string `json:"session_id"`
	MessageID  string `json:"message_id,omitempty"`
	Collection string `json:"collection"`
	Question   string `json:"question"`
}

// Answer is the generated reply plus the passages it was grounded on.
type Answer struct {
	SessionID    string             `json:"session_id"`
	MessageID    string             `json:"message_id"`
	CollectionID string             `json:"collection_id"`
	Text         string             `json:"answer"`
	Sources      []*models.ChunkHit `json:"sources"`
	TookMS       int64              `json:"took_ms"`
}

// Service answers chat requests.
type Service struct {
	resolver  Resolver
	searcher  Searcher
	generator provider.Generator
	events    events.Emitter
	cfg       config.ChatConfig
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEvents sets the emitter for chat milestones.
func WithEvents(e events.Emitter) Option {
	return func(s *Service) { s.events = e }
}

// New creates a chat service.
func New(resolver Resolver, searcher Searcher, generator provider.Generator, cfg config.ChatConfig, opts ...Option) *Service {
	s := &Service{
		resolver:  resolver,
		searcher:  searcher,
		generator: generator,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.events == nil {
		s.events = nopEmitter{}
	}
	if s.cfg.TopK <= 0 {
		s.cfg.TopK = 5
	}
	return s
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, string, models.EventType, models.EventStatus, map[string]any) {}

// Ask answers one question. Retrieval reads committed index state only.
func (s *Service) Ask(ctx context.Context, req Request) (*Answer, error) {
	start := time.Now()
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, fmt.Errorf("%w: question is required", models.ErrInvalidInput)
	}
	if err := events.ValidateSessionID(req.SessionID); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}
	emit := func(typ models.EventType, status models.EventStatus, data map[string]any) {
		s.events.Emit(req.SessionID, req.MessageID, typ, status, data)
	}
	logger := s.logger.With(zap.String("session", req.SessionID), zap.String("message", req.MessageID))

	emit(models.EventTypeMessage, models.EventStatusStarted, map[string]any{"question": utils.Truncate(req.Question, 200)})

	collectionID, err := s.resolver.Resolve(req.Collection)
	if err != nil {
		emit(models.EventTypeMessage, models.EventStatusFailed, map[string]any{"error": err.Error()})
		return nil, err
	}

	emit(models.EventTypeRetrieval, models.EventStatusStarted, map[string]any{"collection": req.Collection})
	q := &search.Query{
		Text:           req.Question,
		Limit:          s.cfg.TopK,
		KeywordWeight:  s.cfg.KeywordWeight,
		SemanticWeight: s.cfg.SemanticWeight,
	}
	hits, err := s.searcher.Search(ctx, collectionID, q)
	if err != nil {
		logger.Warn("retrieval failed", zap.Error(err))
		emit(models.EventTypeRetrieval, models.EventStatusFailed, map[string]any{"collection": req.Collection, "error": err.Error()})
		emit(models.EventTypeMessage, models.EventStatusFailed, map[string]any{"error": err.Error()})
		return nil, err
	}
	emit(models.EventTypeRetrieval, models.EventStatusCompleted, map[string]any{
		"count":   len(hits),
		"doc_ids": sourceIDs(hits),
	})

	emit(models.EventTypeGeneration, models.EventStatusStarted, nil)
	text, err := s.generator.Generate(ctx, systemPrompt, buildPrompt(req.Question, hits), nil)
	if err != nil {
		logger.Warn("generation failed", zap.Error(err))
		emit(models.EventTypeGeneration, models.EventStatusFailed, map[string]any{"error": err.Error()})
		emit(models.EventTypeMessage, models.EventStatusFailed, map[string]any{"error": err.Error()})
		return nil, err
	}
	emit(models.EventTypeGeneration, models.EventStatusCompleted, map[string]any{"length": len(text)})

	took := time.Since(start)
	emit(models.EventTypeMessage, models.EventStatusCompleted, map[string]any{"took_ms": took.Milliseconds()})
	logger.Debug("answered", zap.Int("sources", len(hits)), zap.Duration("took", took))

	return &Answer{
		SessionID:    req.SessionID,
		MessageID:    req.MessageID,
		CollectionID: collectionID,
		Text:         text,
		Sources:      hits,
		TookMS:       took.Milliseconds(),
	}, nil
}

func buildPrompt(question string, hits []*models.ChunkHit) string {
	var b strings.Builder
	b.WriteString("Passages:\n")
	for i, h := range hits {
		passage := strings.Join(strings.Fields(h.Content), " ")
		fmt.Fprintf(&b, "[%d] %s\n", i+1, utils.Truncate(passage, maxPassageLen))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

func sourceIDs(hits []*models.ChunkHit) []string {
	seen := make(map[string]bool, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if !seen[h.UnitID] {
			seen[h.UnitID] = true
			ids = append(ids, h.UnitID)
		}
	}
	return ids
}
