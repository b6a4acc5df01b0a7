package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperjump/tanya/internal/models"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_ErrorsMapToTaxonomy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/missing":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		case "/api/v1/jobs/done":
			writeJSON(w, http.StatusConflict, map[string]string{"error": "job already completed"})
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL + "/")

	_, err := c.Job(context.Background(), "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Job(missing) err = %v, want ErrNotFound", err)
	}
	_, err = c.Cancel(context.Background(), "done")
	if !errors.Is(err, models.ErrConflict) {
		t.Errorf("Cancel(done) err = %v, want ErrConflict", err)
	}
	_, err = c.Status(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 || apiErr.Message != "boom" {
		t.Errorf("Status err = %v", err)
	}
}

func TestClient_UploadSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/collections/permits/documents" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("auto_index") != "true" || r.URL.Query().Get("session_id") != "s1" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad query " + r.URL.RawQuery})
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		content, _ := io.ReadAll(file)
		writeJSON(w, http.StatusCreated, map[string]any{
			"unit":    models.Unit{ID: "u1", Source: header.Filename, Title: r.FormValue("title"), ContentHash: string(content)},
			"created": true,
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "guide.txt")
	if err := os.WriteFile(path, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	res, err := NewClient(srv.URL).Upload(context.Background(), "permits", path,
		UploadOptions{AutoIndex: true, SessionID: "s1", Title: "Guide"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Unit.Source != "guide.txt" || res.Unit.Title != "Guide" || res.Unit.ContentHash != "hello" {
		t.Errorf("upload result = %+v unit=%+v", res, res.Unit)
	}
}

func TestClient_WaitJob(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := models.JobStateRunning
		if calls.Add(1) >= 3 {
			state = models.JobStateCompleted
		}
		writeJSON(w, http.StatusOK, models.Job{ID: "j1", State: state})
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL).WaitJob(context.Background(), "j1", 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != models.JobStateCompleted || calls.Load() != 3 {
		t.Errorf("job = %+v after %d calls", job, calls.Load())
	}
}

func TestClient_EventsQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
		if err != nil || !got.Equal(since) || r.URL.Query().Get("limit") != "5" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad query"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": []models.ChatEvent{{ID: "e1", SessionID: "s1"}}})
	}))
	defer srv.Close()

	evs, err := NewClient(srv.URL).Events(context.Background(), "s1", since, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].ID != "e1" {
		t.Errorf("events = %+v", evs)
	}
}

func TestClient_Follow(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/s1") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(models.Envelope{Type: models.EnvelopeKeepalive})
		_ = conn.WriteJSON(models.Envelope{Type: models.EnvelopeEvent, Event: &models.ChatEvent{ID: "e1"}})
		_ = conn.WriteJSON(models.Envelope{Type: models.EnvelopeEvent, Event: &models.ChatEvent{ID: "e2"}})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var ids []string
	err := NewClient(srv.URL).Follow(context.Background(), "s1", func(ev *models.ChatEvent) {
		ids = append(ids, ev.ID)
	})
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Follow err = %v, want normal closure", err)
	}
	if strings.Join(ids, ",") != "e1,e2" {
		t.Errorf("events = %v", ids)
	}
}
