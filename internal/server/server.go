// Package server provides the HTTP API for Tanya.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/chat"
	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/events"
	"github.com/hyperjump/tanya/internal/indexer"
	"github.com/hyperjump/tanya/internal/ingestion"
	"github.com/hyperjump/tanya/internal/registry"
	"github.com/hyperjump/tanya/internal/status"
	"github.com/hyperjump/tanya/internal/storage"
)

// InboxService manages watched inbox directories.
type InboxService interface {
	Inboxes() map[string]string
	AddInbox(dir, collection string) error
	RemoveInbox(dir string) error
}

// Deps are the services the API exposes.
type Deps struct {
	Registry    *registry.Registry
	Coordinator *ingestion.Coordinator
	Status      *status.Aggregator
	Events      *events.Service
	Chat        *chat.Service
	Index       *indexer.Adapter
	Storage     storage.Storage
	Inbox       InboxService
}

// Server is the HTTP server for the Tanya API.
type Server struct {
	Deps
	config     *config.Config
	configPath string
	configMu   sync.Mutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a server. configPath, when set, is rewritten after inbox changes.
func NewServer(deps Deps, cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Deps:       deps,
		config:     cfg,
		configPath: configPath,
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws/{sessionID}", s.handleEventStream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", s.handleListCollections)
			r.Post("/", s.handleCreateCollection)
			r.Route("/{collection}", func(r chi.Router) {
				r.Get("/", s.handleGetCollection)
				r.Patch("/", s.handleUpdateCollection)
				r.Delete("/", s.handleDeleteCollection)
				r.Post("/documents", s.handleUploadDocument)
				r.Post("/webpages", s.handleAddWebpage)
				r.Get("/units", s.handleListUnits)
				r.Post("/index", s.handleEnqueue)
				r.Get("/jobs", s.handleListJobs)
				r.Get("/indexing-status", s.handleIndexingStatus)
				r.Post("/retry-failed", s.handleRetryFailed)
				r.Post("/search", s.handleSearch)
			})
		})

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Get("/units/{id}", s.handleGetUnit)
		r.Delete("/units/{id}", s.handleDeleteUnit)
		r.Post("/units/{id}/retry", s.handleRetryUnit)

		r.Post("/chat", s.handleChat)
		r.Get("/events/{sessionID}", s.handleQueryEvents)

		r.Get("/inboxes", s.handleListInboxes)
		r.Post("/inboxes", s.handleAddInbox)
		r.Delete("/inboxes", s.handleRemoveInbox)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
