package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
	"github.com/hyperjump/tanya/pkg/utils"
)

// errSuperseded means a unit changed or was deleted while it was being
// indexed. The unit is neither indexed nor failed by this job.
var errSuperseded = errors.New("unit superseded during indexing")

// jobUnits resolves the units a job covers. Units already indexed or parked
// are reported separately so the job accounts for them without reprocessing.
func (c *Coordinator) jobUnits(ctx context.Context, job *models.Job) (todo []*models.Unit, done int, parked []string, err error) {
	if job.Scope == models.JobScopeCollection {
		todo, err = c.store.ListUnits(ctx, storage.UnitFilter{
			CollectionID: job.CollectionID,
			Statuses:     []models.UnitStatus{models.UnitStatusPending},
		})
		return todo, 0, nil, err
	}
	for _, id := range job.UnitIDs {
		u, err := c.store.GetUnit(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, nil, err
		}
		switch {
		case u.Status == models.UnitStatusDeletionPending:
		case u.Status == models.UnitStatusFailed:
			parked = append(parked, u.ID)
		case u.IsIndexed && u.Status == models.UnitStatusUpserted:
			done++
		default:
			todo = append(todo, u)
		}
	}
	return todo, done, parked, nil
}

// mergeFailed joins the failed ids a job already recorded with the parked
// units found now, without duplicates. Units about to be processed again are
// dropped from the result.
func mergeFailed(recorded, parked []string, todo []*models.Unit) []string {
	skip := make(map[string]bool, len(todo)+len(recorded)+len(parked))
	for _, u := range todo {
		skip[u.ID] = true
	}
	out := make([]string, 0, len(recorded)+len(parked))
	for _, ids := range [][]string{recorded, parked} {
		for _, id := range ids {
			if skip[id] {
				continue
			}
			skip[id] = true
			out = append(out, id)
		}
	}
	return out
}

// runJob executes a claimed job batch by batch until done or cancelled.
func (c *Coordinator) runJob(ctx context.Context, job *models.Job) {
	logger := c.logger.With(zap.String("job_id", job.ID), zap.String("collection_id", job.CollectionID))
	start := time.Now()

	units, done, parked, err := c.jobUnits(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("failed to load job units", zap.Error(err))
		job.State = models.JobStateFailed
		job.Error = err.Error()
		c.finish(ctx, job, logger)
		return
	}
	// A requeued job resumes with the counts it persisted before the restart.
	job.ProcessedCount = max(job.ProcessedCount, done)
	job.FailedUnitIDs = mergeFailed(job.FailedUnitIDs, parked, units)
	total := len(units) + job.ProcessedCount + len(job.FailedUnitIDs)
	c.emit(job, models.EventTypeIndexing, models.EventStatusStarted, map[string]any{
		"job_id": job.ID, "collection_id": job.CollectionID, "total": total,
	})
	logger.Info("job started", zap.Int("units", len(units)), zap.Int("total", total))

	for i := 0; i < len(units); i += c.cfg.BatchSize {
		if err := c.store.UpdateJobProgress(ctx, job); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to update job progress", zap.Error(err))
		}
		if job.CancelRequested {
			logger.Info("job cancelled", zap.Int("processed", job.ProcessedCount))
			job.State = models.JobStateCancelled
			c.finish(ctx, job, logger)
			c.emit(job, models.EventTypeIndexing, models.EventStatusFailed, map[string]any{
				"job_id": job.ID, "processed": job.ProcessedCount, "total": total, "error": "cancelled",
			})
			return
		}
		if i > 0 && c.cfg.BatchPause > 0 {
			if !sleepCtx(ctx, c.cfg.BatchPause) {
				return
			}
		}

		end := i + c.cfg.BatchSize
		if end > len(units) {
			end = len(units)
		}
		processed, failed := c.processBatch(ctx, job, units[i:end])
		if ctx.Err() != nil {
			// Shutdown: the job stays running and is requeued on restart.
			return
		}
		job.ProcessedCount += processed
		job.FailedUnitIDs = append(job.FailedUnitIDs, failed...)
		c.emit(job, models.EventTypeIndexing, models.EventStatusProgress, map[string]any{
			"job_id":    job.ID,
			"processed": job.ProcessedCount,
			"failed":    len(job.FailedUnitIDs),
			"total":     total,
		})
	}

	switch {
	case len(job.FailedUnitIDs) == 0:
		job.State = models.JobStateCompleted
	case len(job.FailedUnitIDs) == total:
		job.State = models.JobStateFailed
		job.Error = "every unit failed"
	default:
		job.State = models.JobStatePartial
	}
	c.finish(ctx, job, logger)

	status := models.EventStatusCompleted
	if job.State == models.JobStateFailed {
		status = models.EventStatusFailed
	}
	data := map[string]any{
		"job_id":    job.ID,
		"state":     string(job.State),
		"processed": job.ProcessedCount,
		"failed":    len(job.FailedUnitIDs),
		"total":     total,
		"error":     job.Error,
	}
	if c.progress != nil && job.SessionID != "" {
		if p, err := c.progress.Progress(context.WithoutCancel(ctx), job.CollectionID); err == nil {
			data["progress_percent"] = p
		} else {
			logger.Warn("failed to compute progress", zap.Error(err))
		}
	}
	c.emit(job, models.EventTypeIndexing, status, data)
	logger.Info("job finished",
		zap.String("state", string(job.State)),
		zap.Int("processed", job.ProcessedCount),
		zap.Int("failed", len(job.FailedUnitIDs)),
		zap.Duration("took", time.Since(start)))
}

func (c *Coordinator) finish(ctx context.Context, job *models.Job, logger *zap.Logger) {
	if err := c.store.FinishJob(context.WithoutCancel(ctx), job); err != nil {
		logger.Error("failed to finish job", zap.String("state", string(job.State)), zap.Error(err))
	}
}

// processBatch indexes a batch of units in its own working directory. Returns
// the number of units indexed and the ids of units parked as failed.
func (c *Coordinator) processBatch(ctx context.Context, job *models.Job, batch []*models.Unit) (int, []string) {
	dir, err := os.MkdirTemp(c.workDir, "batch-")
	if err != nil {
		c.logger.Error("failed to create batch dir, staging in work dir", zap.Error(err))
		dir = c.workDir
	} else {
		defer os.RemoveAll(dir)
	}

	processed := 0
	var failed []string
	for _, u := range batch {
		if ctx.Err() != nil {
			break
		}
		err := c.processUnit(ctx, dir, job, u)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, errSuperseded):
			c.logger.Info("unit changed during indexing", zap.String("unit_id", u.ID))
		case ctx.Err() != nil:
		default:
			failed = append(failed, u.ID)
		}
	}
	return processed, failed
}

// processUnit indexes one unit, retrying transient failures with backoff. A
// unit that exhausts its attempts or fails permanently is parked.
func (c *Coordinator) processUnit(ctx context.Context, dir string, job *models.Job, u *models.Unit) error {
	maxAttempts := c.cfg.MaxAttempts
	remaining := maxAttempts - u.Attempts
	if remaining < 1 {
		remaining = 1
	}
	attempt := 0
	var parked bool

	err := RetryWithBackoff(ctx, func() error {
		attempt++
		err := c.indexUnit(ctx, dir, u)
		if err == nil || errors.Is(err, errSuperseded) || ctx.Err() != nil {
			return err
		}
		park := !models.IsRetryable(err) || u.Attempts+attempt >= maxAttempts
		attempts, rerr := c.store.RecordUnitFailure(context.WithoutCancel(ctx), u.ID, err.Error(), park)
		if rerr != nil {
			c.logger.Error("failed to record unit failure", zap.String("unit_id", u.ID), zap.Error(rerr))
		}
		c.logger.Warn("unit indexing failed",
			zap.String("unit_id", u.ID),
			zap.Int("attempts", attempts),
			zap.Bool("parked", park),
			zap.Error(err))
		if park {
			parked = true
			return models.Permanent(err)
		}
		return err
	}, remaining, c.cfg.RetryBaseDelay)

	if errors.Is(err, errSuperseded) {
		return err
	}
	if err != nil && ctx.Err() != nil {
		if serr := c.store.SetUnitStatus(context.WithoutCancel(ctx), u.ID, models.UnitStatusPending); serr != nil &&
			!errors.Is(serr, models.ErrNotFound) {
			c.logger.Warn("failed to reset interrupted unit", zap.String("unit_id", u.ID), zap.Error(serr))
		}
		return ctx.Err()
	}
	if err != nil && parked {
		c.emit(job, models.EventTypeError, models.EventStatusFailed, map[string]any{
			"job_id": job.ID, "unit_id": u.ID, "source": u.Source, "error": err.Error(),
		})
	}
	return err
}

// indexUnit runs one attempt of pending, chunking, embedding, upserted and
// marks the unit indexed. The unit lock keeps a concurrent delete out.
func (c *Coordinator) indexUnit(ctx context.Context, dir string, u *models.Unit) error {
	unlock := c.unitLocks.Lock(u.ID)
	defer unlock()

	current, err := c.store.GetUnit(ctx, u.ID)
	if errors.Is(err, models.ErrNotFound) {
		return errSuperseded
	}
	if err != nil {
		return models.Transient(err)
	}
	if current.Status == models.UnitStatusDeletionPending || current.ContentHash != u.ContentHash {
		return errSuperseded
	}

	if err := c.store.SetUnitStatus(ctx, u.ID, models.UnitStatusChunking); err != nil {
		return c.lostUnit(err)
	}
	data, err := c.objects.Get(ctx, u.ContentLocator)
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidInput) {
		return models.Permanent(fmt.Errorf("content of unit %s: %w", u.ID, err))
	}
	if err != nil {
		return models.Transient(err)
	}
	path, err := stage(dir, u, data)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	doc, err := c.extractor.Extract(path, u.ContentType)
	if err != nil {
		return fmt.Errorf("extract %s: %w", u.Source, err)
	}
	chunks := c.adapter.Chunk(u.ID, u.CollectionID, doc.Text, doc.Profile)
	if len(chunks) == 0 {
		return models.Permanent(fmt.Errorf("unit %s produced no chunks", u.ID))
	}

	if err := c.store.SetUnitStatus(ctx, u.ID, models.UnitStatusEmbedding); err != nil {
		return c.lostUnit(err)
	}
	if err := c.adapter.EmbedChunks(ctx, chunks); err != nil {
		return err
	}
	if err := c.adapter.UpsertChunks(ctx, u.CollectionID, u.ID, chunks); err != nil {
		return err
	}

	err = c.store.MarkUnitIndexed(ctx, u.ID, u.ContentHash, time.Now())
	if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
		return errSuperseded
	}
	if err != nil {
		return models.Transient(err)
	}
	c.logger.Debug("unit indexed", zap.String("unit_id", u.ID), zap.Int("chunks", len(chunks)))
	return nil
}

func (c *Coordinator) lostUnit(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return errSuperseded
	}
	return models.Transient(err)
}

// stage writes unit content into the batch directory so extraction works on
// an isolated copy named after the unit.
func stage(dir string, u *models.Unit, data []byte) (string, error) {
	base := filepath.Base(u.Source)
	ext := strings.ToLower(filepath.Ext(base))
	if len(ext) > 10 {
		ext = ""
	}
	name := u.ID
	if slug := utils.Slug(strings.TrimSuffix(base, filepath.Ext(base))); slug != "" {
		if len(slug) > 40 {
			slug = slug[:40]
		}
		name += "-" + slug
	}
	path := filepath.Join(dir, name+ext)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", models.Transient(fmt.Errorf("stage unit %s: %w", u.ID, err))
	}
	return path, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
