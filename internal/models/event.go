package models

import "time"

// EventType names a discrete backend step.
type EventType string

const (
	EventTypeMessage    EventType = "message"
	EventTypeRetrieval  EventType = "retrieval"
	EventTypeGeneration EventType = "generation"
	EventTypeIndexing   EventType = "indexing"
	EventTypeError      EventType = "error"
)

// EventStatus is the status of a step. Failed is terminal for the step only.
type EventStatus string

const (
	EventStatusStarted   EventStatus = "started"
	EventStatusProgress  EventStatus = "progress"
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

// ChatEvent is an immutable milestone record. Events of a session are ordered by
// Timestamp, ties broken by Seq (insertion order).
type ChatEvent struct {
	ID                string         `json:"id"`
	Seq               uint64         `json:"seq"`
	SessionID         string         `json:"session_id"`
	MessageID         string         `json:"message_id,omitempty"`
	EventType         EventType      `json:"event_type"`
	EventStatus       EventStatus    `json:"event_status"`
	UserFacingMessage string         `json:"user_facing_message"`
	EventData         map[string]any `json:"event_data,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Before reports whether e sorts before o in session order.
func (e *ChatEvent) Before(o *ChatEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Seq < o.Seq
}

// Envelope is the push-channel message: an event or a keepalive.
type Envelope struct {
	Type  string     `json:"type"`
	Event *ChatEvent `json:"event,omitempty"`
}

const (
	EnvelopeEvent     = "event"
	EnvelopeKeepalive = "keepalive"
)
