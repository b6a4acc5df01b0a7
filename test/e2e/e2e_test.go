package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/events"
	"github.com/hyperjump/tanya/internal/indexer"
	"github.com/hyperjump/tanya/internal/ingestion"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/objectstore"
	"github.com/hyperjump/tanya/internal/registry"
	"github.com/hyperjump/tanya/internal/search"
	"github.com/hyperjump/tanya/internal/status"
	"github.com/hyperjump/tanya/internal/storage"
	"github.com/hyperjump/tanya/internal/vector"
)

const (
	e2eSearchLimit = 10
	e2eDimensions  = 64
	e2eSession     = "e2e-session"
)

type pipeline struct {
	coord   *ingestion.Coordinator
	adapter *indexer.Adapter
	status  *status.Aggregator
	events  *events.Service
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	vectors, err := vector.NewSQLiteStore(filepath.Join(dir, "vectors.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = vectors.Close() })
	objects, err := objectstore.Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = objects.Close() })
	log, err := events.OpenLog("", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	evs := events.NewService(log, events.NewHub(16))
	t.Cleanup(func() {
		_ = evs.Close()
		_ = log.Close()
	})

	emb := embedding.NewCachedEmbedder(embedding.NewMockEmbedder(e2eDimensions), 500)
	adapter := indexer.NewAdapter(vectors, emb, indexer.NewProfileChunker(config.DefaultChunkProfiles()),
		indexer.WithKeywordDir(filepath.Join(dir, "bleve")))
	t.Cleanup(func() { _ = adapter.Close() })
	reg, err := registry.New(ctx, store, adapter)
	if err != nil {
		t.Fatal(err)
	}
	agg := status.NewAggregator(store, reg, adapter)
	coord, err := ingestion.New(store, objects, adapter, reg, config.IngestionConfig{
		Workers:       2,
		BatchSize:     8,
		MaxAttempts:   2,
		PollInterval:  20 * time.Millisecond,
		SweepInterval: time.Hour,
	}, ingestion.WithEvents(evs), ingestion.WithProgress(agg), ingestion.WithWorkDir(filepath.Join(dir, "work")))
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)
	return &pipeline{coord: coord, adapter: adapter, status: agg, events: evs}
}

func (p *pipeline) waitJob(t *testing.T, id string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		job, err := p.coord.Status(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.State.Terminal() {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s", id, job.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestE2E_MixedFormatCorpus uploads a corpus in every supported generated
// format, indexes it in one job, and checks that each query finds its document.
func TestE2E_MixedFormatCorpus(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	corpus := BuildCorpus(FileExtensions)

	sourceByUnit := make(map[string]string)
	for _, d := range corpus.Documents {
		content, err := EncodeDocument(filepath.Ext(d.Source), d.Title, d.Content)
		if err != nil {
			t.Fatalf("encode %s: %v", d.Source, err)
		}
		res, err := p.coord.Upload(ctx, ingestion.UploadRequest{
			Collection: "city-services",
			Create:     true,
			Source:     d.Source,
			Content:    content,
		})
		if err != nil {
			t.Fatalf("upload %s: %v", d.Source, err)
		}
		sourceByUnit[res.Unit.ID] = d.Source
	}

	st, err := p.status.Status(ctx, "city-services")
	if err != nil {
		t.Fatal(err)
	}
	if st.PendingCount != int64(len(corpus.Documents)) || st.ProgressPercent != 0 {
		t.Fatalf("before indexing: %+v", st)
	}

	job, err := p.coord.Enqueue(ctx, "city-services", models.EnqueueRequest{SessionID: e2eSession})
	if err != nil {
		t.Fatal(err)
	}
	job = p.waitJob(t, job.ID)
	if job.State != models.JobStateCompleted {
		t.Fatalf("job finished %s: %+v", job.State, job)
	}

	st, err = p.status.Status(ctx, "city-services")
	if err != nil {
		t.Fatal(err)
	}
	if st.IndexedCount != int64(len(corpus.Documents)) || st.ProgressPercent != 100 || st.ChunkCount < len(corpus.Documents) {
		t.Fatalf("after indexing: %+v", st)
	}

	collectionID := st.CollectionID
	for _, tc := range corpus.Cases {
		t.Run(tc.Query, func(t *testing.T) {
			hits, err := p.adapter.Search(ctx, collectionID, &search.Query{Text: tc.Query, Limit: e2eSearchLimit})
			if err != nil {
				t.Fatalf("search failed: %v", err)
			}
			var got []string
			for _, h := range hits {
				got = append(got, sourceByUnit[h.UnitID])
				if sourceByUnit[h.UnitID] == tc.ExpectedSource {
					return
				}
			}
			t.Errorf("query %q: expected %s among %d hits, got %v", tc.Query, tc.ExpectedSource, len(hits), got)
		})
	}
}

// TestE2E_ProgressEventsReachHundred checks that the session receives indexing
// milestones ending with a completed event at full progress.
func TestE2E_ProgressEventsReachHundred(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	corpus := BuildCorpus([]string{".md"})

	for _, d := range corpus.Documents[:5] {
		content, err := EncodeDocument(".md", d.Title, d.Content)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.coord.Upload(ctx, ingestion.UploadRequest{
			Collection: "guides",
			Create:     true,
			Source:     d.Source,
			Content:    content,
		}); err != nil {
			t.Fatal(err)
		}
	}
	job, err := p.coord.Enqueue(ctx, "guides", models.EnqueueRequest{SessionID: e2eSession})
	if err != nil {
		t.Fatal(err)
	}
	p.waitJob(t, job.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		evs, err := p.events.Query(ctx, e2eSession, time.Time{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if n := len(evs); n > 0 {
			last := evs[n-1]
			if last.EventType == models.EventTypeIndexing && last.EventStatus == models.EventStatusCompleted {
				if evs[0].EventStatus != models.EventStatusStarted {
					t.Errorf("first event = %s/%s, want indexing/started", evs[0].EventType, evs[0].EventStatus)
				}
				if p, ok := last.EventData["progress_percent"].(float64); !ok || p != 100 {
					t.Errorf("completed event progress = %v", last.EventData["progress_percent"])
				}
				for i := 1; i < n; i++ {
					if !evs[i-1].Before(evs[i]) {
						t.Errorf("events out of order at %d", i)
					}
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no completed indexing event, got %d events", len(evs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
