package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/chat"
	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/ingestion"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/registry"
	"github.com/hyperjump/tanya/internal/search"
	"github.com/hyperjump/tanya/internal/storage"
)

const maxUploadBytes = 64 << 20

// Collections

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	type item struct {
		*models.Collection
		Aliases []string `json:"aliases"`
	}
	cols := s.Registry.List()
	out := make([]item, 0, len(cols))
	for _, c := range cols {
		out = append(out, item{Collection: c, Aliases: s.Registry.Aliases(c.ID)})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"collections": out})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var in models.CollectionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in.ID = ""
	col, err := s.Registry.Create(r.Context(), in)
	if err != nil {
		s.fail(w, "create collection", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, col)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	col, err := s.Registry.Get(chi.URLParam(r, "collection"))
	if err != nil {
		s.fail(w, "get collection", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"collection": col,
		"aliases":    s.Registry.Aliases(col.ID),
	})
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	var p registry.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	col, err := s.Registry.Update(r.Context(), chi.URLParam(r, "collection"), p)
	if err != nil {
		s.fail(w, "update collection", err)
		return
	}
	s.respondJSON(w, http.StatusOK, col)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Delete(r.Context(), chi.URLParam(r, "collection")); err != nil {
		s.fail(w, "delete collection", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Units

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ingestion.UploadRequest{
		Collection:  chi.URLParam(r, "collection"),
		Create:      queryBool(q.Get("create")),
		Kind:        models.UnitKindDocument,
		Title:       q.Get("title"),
		ContentType: q.Get("content_type"),
		AutoIndex:   queryBool(q.Get("auto_index")),
		SessionID:   q.Get("session_id"),
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "multipart field \"file\" is required")
			return
		}
		defer file.Close()
		if req.Content, err = io.ReadAll(file); err != nil {
			s.respondError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		req.Source = header.Filename
		if req.ContentType == "" {
			req.ContentType = header.Header.Get("Content-Type")
		}
		if v := r.FormValue("title"); v != "" {
			req.Title = v
		}
	} else {
		req.Source = q.Get("filename")
		if req.Source == "" {
			s.respondError(w, http.StatusBadRequest, "filename query parameter is required")
			return
		}
		var err error
		if req.Content, err = io.ReadAll(r.Body); err != nil {
			s.respondError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		if req.ContentType == "" {
			req.ContentType = r.Header.Get("Content-Type")
		}
	}
	if req.ContentType == "application/octet-stream" {
		req.ContentType = ""
	}
	req.Source = filepath.Base(req.Source)
	s.logger.Debug("upload request", zap.String("collection", req.Collection), zap.String("source", req.Source))
	res, err := s.Coordinator.Upload(r.Context(), req)
	if err != nil {
		s.fail(w, "upload", err)
		return
	}
	s.respondJSON(w, uploadStatus(res), res)
}

type webpageRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Create      bool   `json:"create"`
	AutoIndex   bool   `json:"auto_index"`
	SessionID   string `json:"session_id"`
}

func (s *Server) handleAddWebpage(w http.ResponseWriter, r *http.Request) {
	var body webpageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.Coordinator.AddWebpage(r.Context(), ingestion.UploadRequest{
		Collection:  chi.URLParam(r, "collection"),
		Create:      body.Create,
		Source:      body.URL,
		Title:       body.Title,
		ContentType: body.ContentType,
		Content:     []byte(body.Content),
		AutoIndex:   body.AutoIndex,
		SessionID:   body.SessionID,
	})
	if err != nil {
		s.fail(w, "add webpage", err)
		return
	}
	s.respondJSON(w, uploadStatus(res), res)
}

func uploadStatus(res *ingestion.UploadResult) int {
	if res.Created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.UnitFilter{
		Kind:   models.UnitKind(q.Get("kind")),
		Offset: queryInt(q.Get("offset"), 0),
		Limit:  queryInt(q.Get("limit"), 100),
	}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, models.UnitStatus(st))
	}
	units, err := s.Coordinator.ListUnits(r.Context(), chi.URLParam(r, "collection"), f)
	if err != nil {
		s.fail(w, "list units", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"units": units})
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.Coordinator.GetUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get unit", err)
		return
	}
	s.respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pending, err := s.Coordinator.DeleteUnit(r.Context(), id)
	if err != nil {
		s.fail(w, "delete unit", err)
		return
	}
	status := "deleted"
	if pending {
		status = "deletion_pending"
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

func (s *Server) handleRetryUnit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeOptional(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.Coordinator.RetryUnit(r.Context(), chi.URLParam(r, "id"), body.SessionID)
	if err != nil {
		s.fail(w, "retry unit", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeOptional(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, n, err := s.Coordinator.RetryFailed(r.Context(), chi.URLParam(r, "collection"), body.SessionID)
	if err != nil {
		s.fail(w, "retry failed units", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{"job": job, "reset": n})
}

// Jobs

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueRequest
	if err := decodeOptional(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.Coordinator.Enqueue(r.Context(), chi.URLParam(r, "collection"), req)
	if err != nil {
		s.fail(w, "enqueue", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Coordinator.ListJobs(r.Context(), chi.URLParam(r, "collection"), queryInt(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.fail(w, "list jobs", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Coordinator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get job", err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Coordinator.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "cancel job", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleIndexingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status.Status(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		s.fail(w, "indexing status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

// Retrieval and chat

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query search.Query
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.Registry.Resolve(chi.URLParam(r, "collection"))
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	start := time.Now()
	hits, err := s.Index.Search(r.Context(), id, &query)
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	if hits == nil {
		hits = []*models.ChunkHit{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"collection_id": id,
		"query":         query.Text,
		"results":       hits,
		"took_ms":       time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ans, err := s.Chat.Ask(r.Context(), req)
	if err != nil {
		s.fail(w, "chat", err)
		return
	}
	s.respondJSON(w, http.StatusOK, ans)
}

// Events

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	evs, err := s.Events.Query(r.Context(), chi.URLParam(r, "sessionID"), since, queryInt(q.Get("limit"), 0))
	if err != nil {
		s.fail(w, "query events", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// Inboxes

func (s *Server) handleListInboxes(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"inboxes": s.Inbox.Inboxes()})
}

type inboxRequest struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
}

func (s *Server) handleAddInbox(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	var req inboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" || req.Collection == "" {
		s.respondError(w, http.StatusBadRequest, "path and collection are required")
		return
	}
	if _, err := s.Registry.Resolve(req.Collection); err != nil {
		s.fail(w, "add inbox", err)
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	if err := s.Inbox.AddInbox(abs, req.Collection); err != nil {
		s.fail(w, "add inbox", err)
		return
	}
	s.persistInboxes()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "collection": req.Collection, "status": "added"})
}

func (s *Server) handleRemoveInbox(w http.ResponseWriter, r *http.Request) {
	if s.Inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.Inbox.RemoveInbox(abs); err != nil {
		s.fail(w, "remove inbox", err)
		return
	}
	s.persistInboxes()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistInboxes() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Inbox.Directories = s.Inbox.Inboxes()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist inbox config", zap.Error(err))
	}
}

// Health

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := s.Storage.Ping(r.Context()); err != nil {
		s.logger.Error("health: metadata store unreachable", zap.Error(err))
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.Index != nil {
		resp["open_indexes"] = len(s.Index.OpenHandles())
	}
	if s.Events != nil {
		resp["events_dropped"] = s.Events.Dropped()
	}
	if s.config != nil {
		st := s.config.Storage
		if n, err := storage.DiskUsageBytes(st.DatabasePath, st.VectorDatabasePath, st.ObjectStorePath,
			st.EventStorePath, st.KeywordIndexPath); err == nil {
			resp["disk_usage_bytes"] = n
		}
	}
	s.respondJSON(w, code, resp)
}

// Helpers

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Error(err))
	}
	s.respondError(w, code, err.Error())
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
