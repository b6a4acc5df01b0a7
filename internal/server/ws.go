package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/events"
	"github.com/hyperjump/tanya/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
)

// handleEventStream pushes a session's events over a WebSocket as they are
// persisted. Keepalive envelopes are sent when the session is idle; a client
// that misses pongs for two heartbeat intervals is disconnected.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := events.ValidateSessionID(sessionID); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, err := s.Events.Subscribe(sessionID)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}
	defer sub.Close()

	heartbeat := s.config.Events.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	logger := s.logger.With(zap.String("session_id", sessionID))
	logger.Debug("push subscriber connected")

	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logger.Debug("push subscriber disconnected", zap.Int("dropped", sub.Dropped()))
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeEnvelope(conn, models.Envelope{Type: models.EnvelopeEvent, Event: ev}); err != nil {
				logger.Debug("push write failed", zap.Error(err))
				return
			}
			ticker.Reset(heartbeat)
		case <-ticker.C:
			if err := s.writeEnvelope(conn, models.Envelope{Type: models.EnvelopeKeepalive}); err != nil {
				logger.Debug("keepalive failed", zap.Error(err))
				return
			}
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

func (s *Server) writeEnvelope(conn *websocket.Conn, env models.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
