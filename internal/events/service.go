// Package events tracks backend milestones as ChatEvents. Producers never wait
// on storage; events are persisted to an append-only log, pushed to
// live subscribers, and queried by session.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/models"
)

const (
	maxSessionIDLen = 128
	maxQueryLimit   = 1000
	writeBatchSize  = 64

	// failedEventWait bounds how long a failure event waits for queue space.
	failedEventWait = 100 * time.Millisecond
)

// ValidateSessionID checks that id can be used as a session key.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: session id must be 1-%d bytes", models.ErrInvalidInput, maxSessionIDLen)
	}
	for _, r := range id {
		if r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: session id contains %q", models.ErrInvalidInput, r)
		}
	}
	return nil
}

// Emitter is the producer side of the event service.
type Emitter interface {
	Emit(sessionID, messageID string, typ models.EventType, status models.EventStatus, data map[string]any)
}

// Service implements Emitter and the push and pull consumer interfaces.
type Service struct {
	log          Log
	hub          *Hub
	logger       *zap.Logger
	defaultLimit int

	queue      chan *models.ChatEvent
	done       chan struct{}
	failedWait time.Duration
	dropped    atomic.Int64

	mu     sync.Mutex
	lastTS time.Time
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithQueueSize bounds the number of events waiting to be persisted.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queue = make(chan *models.ChatEvent, n)
		}
	}
}

// WithDefaultLimit sets the query limit used when the caller passes none.
func WithDefaultLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.defaultLimit = n
		}
	}
}

// NewService creates a service over log and hub and starts its writer.
func NewService(log Log, hub *Hub, opts ...Option) *Service {
	s := &Service{
		log:          log,
		hub:          hub,
		logger:       zap.NewNop(),
		defaultLimit: 200,
		queue:        make(chan *models.ChatEvent, 1024),
		done:         make(chan struct{}),
		failedWait:   failedEventWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

// Emit records a milestone. It never fails the caller: an invalid session or a
// full queue is logged and the event is dropped. Failure events wait briefly
// for queue space before being dropped; other events never wait.
func (s *Service) Emit(sessionID, messageID string, typ models.EventType, status models.EventStatus, data map[string]any) {
	if err := ValidateSessionID(sessionID); err != nil {
		s.logger.Warn("event dropped", zap.String("event_type", string(typ)), zap.Error(err))
		return
	}
	ev := &models.ChatEvent{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		MessageID:         messageID,
		EventType:         typ,
		EventStatus:       status,
		UserFacingMessage: Message(typ, status, data),
		EventData:         data,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	seq, err := s.log.NextSeq()
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("event sequence failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	ts := time.Now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	ev.Seq = seq
	ev.Timestamp = ts
	if !s.enqueue(ev) {
		s.dropped.Add(1)
		s.logger.Error("event queue full, dropping event",
			zap.String("session_id", sessionID),
			zap.String("event_type", string(typ)),
			zap.String("event_status", string(status)))
	}
	s.mu.Unlock()
}

func (s *Service) enqueue(ev *models.ChatEvent) bool {
	select {
	case s.queue <- ev:
		return true
	default:
	}
	if ev.EventStatus != models.EventStatusFailed || s.failedWait <= 0 {
		return false
	}
	timer := time.NewTimer(s.failedWait)
	defer timer.Stop()
	select {
	case s.queue <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Dropped returns how many events were lost before reaching the log.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

// writer persists queued events in batches and publishes them once durable,
// so anything pushed is also visible to Query.
func (s *Service) writer() {
	defer s.wg.Done()
	batch := make([]*models.ChatEvent, 0, writeBatchSize)
	for {
		var ev *models.ChatEvent
		select {
		case ev = <-s.queue:
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					s.flush(batch)
					return
				}
			}
		}
		batch = append(batch[:0], ev)
	drain:
		for len(batch) < writeBatchSize {
			select {
			case ev := <-s.queue:
				batch = append(batch, ev)
			default:
				break drain
			}
		}
		s.flush(batch)
		batch = batch[:0]
	}
}

func (s *Service) flush(batch []*models.ChatEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.log.Append(ctx, batch); err != nil {
		s.dropped.Add(int64(len(batch)))
		s.logger.Error("failed to persist events", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	for _, ev := range batch {
		s.hub.Publish(ev)
	}
}

// Subscribe returns a live subscription for sessionID.
func (s *Service) Subscribe(sessionID string) (*Subscription, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(sessionID), nil
}

// Query returns the durable history of a session after since.
func (s *Service) Query(ctx context.Context, sessionID string, since time.Time, limit int) ([]*models.ChatEvent, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	evs, err := s.log.Query(ctx, strings.TrimSpace(sessionID), since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	if evs == nil {
		evs = []*models.ChatEvent{}
	}
	return evs, nil
}

// Close stops accepting events and persists everything already queued. The
// log is owned by the caller.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
