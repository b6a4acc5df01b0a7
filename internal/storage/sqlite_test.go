package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/tanya/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "meta", "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createCollection(t *testing.T, store *SQLiteStorage, id, name string) *models.Collection {
	t.Helper()
	c := &models.Collection{ID: id, Name: name, Type: models.CollectionTypeMixed}
	if err := store.CreateCollection(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func createUnit(t *testing.T, store *SQLiteStorage, id, collectionID, source string, kind models.UnitKind) *models.Unit {
	t.Helper()
	u := &models.Unit{
		ID:             id,
		CollectionID:   collectionID,
		Kind:           kind,
		Source:         source,
		ContentType:    "text/plain",
		ContentLocator: "obj:" + id,
		ContentHash:    "hash-" + id,
	}
	if err := store.CreateUnit(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestSQLiteStorage_Collections(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	c := createCollection(t, store, "c1", "handbook")
	if c.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	dup := &models.Collection{ID: "c2", Name: "handbook", Type: models.CollectionTypeMixed}
	if err := store.CreateCollection(ctx, dup); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected conflict on duplicate name, got %v", err)
	}

	got, err := store.GetCollection(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "handbook" || got.Type != models.CollectionTypeMixed {
		t.Errorf("got %+v", got)
	}

	got.Name = "manual"
	got.Description = "ops manual"
	if err := store.UpdateCollection(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetCollection(ctx, "c1")
	if got.Name != "manual" || got.Description != "ops manual" {
		t.Errorf("update not applied: %+v", got)
	}

	createCollection(t, store, "c3", "alpha")
	list, err := store.ListCollections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "alpha" {
		t.Errorf("expected 2 collections ordered by name, got %+v", list)
	}

	if err := store.DeleteCollection(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetCollection(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := store.DeleteCollection(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestSQLiteStorage_Aliases(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createCollection(t, store, "c1", "handbook")

	if err := store.PutAlias(ctx, "hb", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := store.PutAlias(ctx, "old-name", "c1"); err != nil {
		t.Fatal(err)
	}
	aliases, err := store.ListAliases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if aliases["hb"] != "c1" || aliases["old-name"] != "c1" {
		t.Errorf("unexpected aliases %v", aliases)
	}

	if err := store.DeleteAlias(ctx, "hb"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteAlias(ctx, "missing"); err != nil {
		t.Errorf("deleting missing alias should not fail: %v", err)
	}
	if err := store.DeleteAliasesFor(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	aliases, _ = store.ListAliases(ctx)
	if len(aliases) != 0 {
		t.Errorf("expected no aliases, got %v", aliases)
	}
}

func TestSQLiteStorage_UnitUniquePerSource(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createCollection(t, store, "c1", "a")
	createCollection(t, store, "c2", "b")

	createUnit(t, store, "u1", "c1", "report.pdf", models.UnitKindDocument)
	dup := &models.Unit{ID: "u2", CollectionID: "c1", Kind: models.UnitKindDocument, Source: "report.pdf", ContentLocator: "x", ContentHash: "y"}
	if err := store.CreateUnit(ctx, dup); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
	// Same source in another collection is fine.
	createUnit(t, store, "u3", "c2", "report.pdf", models.UnitKindDocument)

	got, err := store.GetUnitBySource(ctx, "c1", "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "u1" || got.Status != models.UnitStatusPending {
		t.Errorf("got %+v", got)
	}
	if _, err := store.GetUnitBySource(ctx, "c1", "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSQLiteStorage_CollectionDeleteRequiresNoUnits(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createCollection(t, store, "c1", "a")
	createUnit(t, store, "u1", "c1", "doc", models.UnitKindDocument)

	if err := store.DeleteCollection(ctx, "c1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict while units remain, got %v", err)
	}
	if _, err := store.GetCollection(ctx, "c1"); err != nil {
		t.Fatalf("collection should survive a rejected delete: %v", err)
	}

	if err := store.DeleteUnit(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteCollection(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	orphan := &models.Unit{ID: "u2", CollectionID: "c1", Kind: models.UnitKindDocument, Source: "late", ContentHash: "h"}
	if err := store.CreateUnit(ctx, orphan); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found for a unit in a deleted collection, got %v", err)
	}
	if _, err := store.GetUnit(ctx, "u2"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unit must not be stored, got %v", err)
	}
}

func TestSQLiteStorage_MarkIndexedAndReplaceContent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createCollection(t, store, "c1", "a")
	u := createUnit(t, store, "u1", "c1", "page", models.UnitKindWebpage)

	at := time.Now().UTC().Truncate(time.Second)
	if err := store.MarkUnitIndexed(ctx, "u1", "stale-hash", at); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected conflict for stale hash, got %v", err)
	}
	if err := store.MarkUnitIndexed(ctx, "u1", u.ContentHash, at); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetUnit(ctx, "u1")
	if !got.IsIndexed || got.Status != models.UnitStatusUpserted || got.IndexedAt == nil {
		t.Fatalf("expected indexed unit, got %+v", got)
	}
	if !got.IndexedAt.Equal(at) {
		t.Errorf("indexed_at = %v, want %v", got.IndexedAt, at)
	}

	// Same hash keeps the indexed state.
	same := *got
	same.Title = "renamed"
	if err := store.ReplaceUnitContent(ctx, &same); err != nil {
		t.Fatal(err)
	}
	if !same.IsIndexed || same.Title != "renamed" {
		t.Errorf("same-hash replace should keep is_indexed: %+v", same)
	}

	changed := *got
	changed.ContentHash = "new-hash"
	changed.ContentLocator = "obj:new"
	if err := store.ReplaceUnitContent(ctx, &changed); err != nil {
		t.Fatal(err)
	}
	if changed.IsIndexed || changed.IndexedAt != nil || changed.Status != models.UnitStatusPending {
		t.Errorf("changed hash should reset indexing: %+v", changed)
	}
	if changed.ContentHash != "new-hash" {
		t.Errorf("hash not stored: %s", changed.ContentHash)
	}

	if err := store.MarkUnitIndexed(ctx, "missing", "h", at); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSQLiteStorage_RecordUnitFailure(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createCollection(t, store, "c1", "a")
	createUnit(t, store, "u1", "c1", "doc", models.UnitKindDocument)

	attempts, err := store.RecordUnitFailure(ctx, "u1", "timeout", false)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	got, _ := store.GetUnit(ctx, "u1")
	if got.Status != models.UnitStatusPending || got.LastError != "timeout" {
		t.Errorf("got %+v", got)
	}

	attempts, _ = store.RecordUnitFailure(ctx, "u1", "timeout again", true)
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	got, _ = store.GetUnit(ctx, "u1")
	if got.Status != models.UnitStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}

	if err := store.ResetUnit(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetUnit(ctx, "u1")
	if got.Status != models.UnitStatusPending || got.Attempts != 0 || got.LastError != "" {
		t.Errorf("reset not applied: %+v", got)
	}
}

func TestSQLiteStorage_CountUnitsByKind(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createCollection(t, store, "c1", "a")

	d1 := createUnit(t, store, "d1", "c1", "d1", models.UnitKindDocument)
	createUnit(t, store, "d2", "c1", "d2", models.UnitKindDocument)
	d3 := createUnit(t, store, "d3", "c1", "d3", models.UnitKindDocument)
	w1 := createUnit(t, store, "w1", "c1", "w1", models.UnitKindWebpage)
	createUnit(t, store, "w2", "c1", "w2", models.UnitKindWebpage)
	createUnit(t, store, "gone", "c1", "gone", models.UnitKindWebpage)

	at := time.Now().UTC().Truncate(time.Second)
	_ = store.MarkUnitIndexed(ctx, d1.ID, d1.ContentHash, at.Add(-time.Hour))
	_ = store.MarkUnitIndexed(ctx, w1.ID, w1.ContentHash, at)
	// Indexed then failed counts as failed only.
	_ = store.MarkUnitIndexed(ctx, d3.ID, d3.ContentHash, at.Add(-2*time.Hour))
	_, _ = store.RecordUnitFailure(ctx, d3.ID, "bad", true)
	_ = store.MarkDeletionPending(ctx, "gone")

	counts, err := store.CountUnitsByKind(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	docs := counts.ByKind[models.UnitKindDocument]
	if docs != (models.UnitCounts{Indexed: 1, Pending: 1, Failed: 1}) {
		t.Errorf("document counts = %+v", docs)
	}
	pages := counts.ByKind[models.UnitKindWebpage]
	if pages != (models.UnitCounts{Indexed: 1, Pending: 1}) {
		t.Errorf("webpage counts = %+v", pages)
	}
	if counts.LastIndexedAt == nil || !counts.LastIndexedAt.Equal(at) {
		t.Errorf("last indexed = %v, want %v", counts.LastIndexedAt, at)
	}

	total, _ := store.CountUnits(ctx, "c1")
	if total != 6 {
		t.Errorf("CountUnits = %d, want 6", total)
	}

	units, err := store.ListUnits(ctx, UnitFilter{CollectionID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 5 {
		t.Errorf("ListUnits should hide deletion_pending, got %d", len(units))
	}
	pendingDeletes, _ := store.ListUnits(ctx, UnitFilter{Statuses: []models.UnitStatus{models.UnitStatusDeletionPending}})
	if len(pendingDeletes) != 1 || pendingDeletes[0].ID != "gone" {
		t.Errorf("expected one deletion_pending unit, got %+v", pendingDeletes)
	}

	empty, err := store.CountUnitsByKind(ctx, "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.ByKind) != 0 || empty.LastIndexedAt != nil {
		t.Errorf("expected empty counts, got %+v", empty)
	}
}

func TestSQLiteStorage_ResetInFlightUnits(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	createCollection(t, store, "c1", "a")
	createUnit(t, store, "u1", "c1", "1", models.UnitKindDocument)
	createUnit(t, store, "u2", "c1", "2", models.UnitKindDocument)
	createUnit(t, store, "u3", "c1", "3", models.UnitKindDocument)
	_ = store.SetUnitStatus(ctx, "u1", models.UnitStatusChunking)
	_ = store.SetUnitStatus(ctx, "u2", models.UnitStatusEmbedding)

	n, err := store.ResetInFlightUnits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reset %d units, want 2", n)
	}
	pending, _ := store.ListUnits(ctx, UnitFilter{CollectionID: "c1", Statuses: []models.UnitStatus{models.UnitStatusPending}})
	if len(pending) != 3 {
		t.Errorf("expected 3 pending, got %d", len(pending))
	}
}

func TestSQLiteStorage_JobLifecycle(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	j1 := &models.Job{ID: "j1", CollectionID: "c1", Scope: models.JobScopeCollection, SessionID: "s1"}
	j2 := &models.Job{ID: "j2", CollectionID: "c1", Scope: models.JobScopeUnit, UnitIDs: []string{"u1", "u2"}}
	j3 := &models.Job{ID: "j3", CollectionID: "c2", Scope: models.JobScopeCollection}
	for _, j := range []*models.Job{j1, j2, j3} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := store.ClaimNextJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != "j1" || claimed.State != models.JobStateRunning {
		t.Fatalf("expected j1 running, got %+v", claimed)
	}

	// c1 is busy, so the next claim skips j2.
	claimed, err = store.ClaimNextJob(ctx, []string{"c1"})
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != "j3" {
		t.Fatalf("expected j3, got %+v", claimed)
	}
	claimed, _ = store.ClaimNextJob(ctx, []string{"c1", "c2"})
	if claimed != nil {
		t.Errorf("expected nothing claimable, got %s", claimed.ID)
	}

	j1.ProcessedCount = 3
	j1.FailedUnitIDs = []string{"u9"}
	if err := store.UpdateJobProgress(ctx, j1); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetJob(ctx, "j1")
	if got.ProcessedCount != 3 || len(got.FailedUnitIDs) != 1 || got.SessionID != "s1" {
		t.Errorf("progress not stored: %+v", got)
	}

	j1.State = models.JobStatePartial
	if err := store.FinishJob(ctx, j1); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishJob(ctx, j1); !errors.Is(err, models.ErrConflict) {
		t.Errorf("finishing terminal job should conflict, got %v", err)
	}
	got, _ = store.GetJob(ctx, "j1")
	if got.State != models.JobStatePartial || got.FinishedAt == nil {
		t.Errorf("got %+v", got)
	}

	jobs, err := store.ListJobs(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs for c1, got %d", len(jobs))
	}
	got, _ = store.GetJob(ctx, "j2")
	if len(got.UnitIDs) != 2 || got.Scope != models.JobScopeUnit {
		t.Errorf("unit scope not stored: %+v", got)
	}
}

func TestSQLiteStorage_RequestJobCancel(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	queued := &models.Job{ID: "q", CollectionID: "c1", Scope: models.JobScopeCollection}
	_ = store.CreateJob(ctx, queued)
	got, err := store.RequestJobCancel(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.JobStateCancelled {
		t.Errorf("queued job should be cancelled immediately, got %s", got.State)
	}
	if _, err := store.RequestJobCancel(ctx, "q"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("expected conflict for terminal job, got %v", err)
	}

	running := &models.Job{ID: "r", CollectionID: "c2", Scope: models.JobScopeCollection}
	_ = store.CreateJob(ctx, running)
	claimed, _ := store.ClaimNextJob(ctx, nil)
	if claimed == nil || claimed.ID != "r" {
		t.Fatalf("expected r claimed, got %+v", claimed)
	}
	got, err = store.RequestJobCancel(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.JobStateRunning || !got.CancelRequested {
		t.Errorf("running job should only be flagged, got %+v", got)
	}
	if err := store.UpdateJobProgress(ctx, claimed); err != nil {
		t.Fatal(err)
	}
	if !claimed.CancelRequested {
		t.Error("UpdateJobProgress should surface the cancel flag")
	}

	if _, err := store.RequestJobCancel(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSQLiteStorage_RequeueRunningJobs(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	_ = store.CreateJob(ctx, &models.Job{ID: "j1", CollectionID: "c1", Scope: models.JobScopeCollection})
	if _, err := store.ClaimNextJob(ctx, nil); err != nil {
		t.Fatal(err)
	}
	n, err := store.RequeueRunningJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	got, _ := store.GetJob(ctx, "j1")
	if got.State != models.JobStateQueued || got.StartedAt != nil {
		t.Errorf("got %+v", got)
	}
	if err := store.Ping(ctx); err != nil {
		t.Error(err)
	}
}
