package events

import (
	"sync"

	"github.com/hyperjump/tanya/internal/models"
)

// Subscription receives a session's events as they are persisted. Delivery is
// best effort: when the buffer is full, events are dropped for this subscriber.
type Subscription struct {
	C <-chan *models.ChatEvent

	ch        chan *models.ChatEvent
	sessionID string
	hub       *Hub
	once      sync.Once
	dropped   int
}

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() int {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.dropped
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub fans out events to subscribers of each session.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber for sessionID.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan *models.ChatEvent, h.buffer)
	s := &Subscription{C: ch, ch: ch, sessionID: sessionID, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.sessionID)
		}
	}
	close(s.ch)
}

// Publish delivers ev to every subscriber of its session without blocking.
func (h *Hub) Publish(ev *models.ChatEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[ev.SessionID] {
		select {
		case s.ch <- ev:
		default:
			s.dropped++
		}
	}
}

// Subscribers returns the number of subscribers of sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
