// Package cli provides the HTTP client and output formatting used by the
// tanya command line.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperjump/tanya/internal/chat"
	"github.com/hyperjump/tanya/internal/ingestion"
	"github.com/hyperjump/tanya/internal/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code back to the error taxonomy.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusConflict:
		return models.ErrConflict
	case http.StatusBadRequest:
		return models.ErrInvalidInput
	default:
		return nil
	}
}

// Client talks to a running tanya server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// UploadOptions control how a file upload is handled.
type UploadOptions struct {
	Create    bool
	AutoIndex bool
	SessionID string
	Title     string
}

// Collections lists collections.
func (c *Client) Collections(ctx context.Context) ([]*models.Collection, error) {
	var out struct {
		Collections []*models.Collection `json:"collections"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/collections", nil, &out)
	return out.Collections, err
}

// Upload sends a file to a collection as a document.
func (c *Client) Upload(ctx context.Context, collection, path string, opts UploadOptions) (*ingestion.UploadResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(content); err != nil {
		return nil, err
	}
	if opts.Title != "" {
		if err := mw.WriteField("title", opts.Title); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("create", strconv.FormatBool(opts.Create))
	q.Set("auto_index", strconv.FormatBool(opts.AutoIndex))
	if opts.SessionID != "" {
		q.Set("session_id", opts.SessionID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/collections/"+url.PathEscape(collection)+"/documents?"+q.Encode(), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var res ingestion.UploadResult
	if err := c.send(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Enqueue starts indexing the given units of a collection, or all of its
// pending units when unitIDs is empty.
func (c *Client) Enqueue(ctx context.Context, collection, sessionID string, unitIDs []string) (*models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(collection)+"/index",
		models.EnqueueRequest{UnitIDs: unitIDs, SessionID: sessionID}, &job)
	return &job, err
}

// Job returns a job.
func (c *Client) Job(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &job)
	return &job, err
}

// Cancel requests job cancellation.
func (c *Client) Cancel(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, &job)
	return &job, err
}

// Jobs lists recent jobs of a collection.
func (c *Client) Jobs(ctx context.Context, collection string, limit int) ([]*models.Job, error) {
	var out struct {
		Jobs []*models.Job `json:"jobs"`
	}
	path := fmt.Sprintf("/api/v1/collections/%s/jobs?limit=%d", url.PathEscape(collection), limit)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

// WaitJob polls a job until it reaches a terminal state.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (*models.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns the indexing status of a collection.
func (c *Client) Status(ctx context.Context, collection string) (*models.IndexingStatus, error) {
	var st models.IndexingStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(collection)+"/indexing-status", nil, &st)
	return &st, err
}

// Search runs a retrieval preview against a collection.
func (c *Client) Search(ctx context.Context, collection, query string, limit int) ([]*models.ChunkHit, error) {
	var out struct {
		Results []*models.ChunkHit `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(collection)+"/search",
		map[string]any{"query": query, "limit": limit}, &out)
	return out.Results, err
}

// Ask sends a chat question.
func (c *Client) Ask(ctx context.Context, req chat.Request) (*chat.Answer, error) {
	var ans chat.Answer
	err := c.do(ctx, http.MethodPost, "/api/v1/chat", req, &ans)
	return &ans, err
}

// Events returns a session's events after since.
func (c *Client) Events(ctx context.Context, sessionID string, since time.Time, limit int) ([]*models.ChatEvent, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []*models.ChatEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(sessionID)+"?"+q.Encode(), nil, &out)
	return out.Events, err
}

// Inboxes lists watched inbox directories and their collections.
func (c *Client) Inboxes(ctx context.Context) (map[string]string, error) {
	var out struct {
		Inboxes map[string]string `json:"inboxes"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/inboxes", nil, &out)
	return out.Inboxes, err
}

// AddInbox starts watching dir for files destined to collection.
func (c *Client) AddInbox(ctx context.Context, dir, collection string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/inboxes",
		map[string]string{"path": dir, "collection": collection}, nil)
}

// RemoveInbox stops watching dir.
func (c *Client) RemoveInbox(ctx context.Context, dir string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/inboxes?path="+url.QueryEscape(dir), nil, nil)
}

// Follow streams a session's events over the push channel until ctx is done
// or the connection drops. Keepalives are not passed to fn.
func (c *Client) Follow(ctx context.Context, sessionID string, fn func(*models.ChatEvent)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/" + url.PathEscape(sessionID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if env.Type == models.EnvelopeEvent && env.Event != nil {
			fn(env.Event)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
