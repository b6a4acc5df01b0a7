// Package ingestion is the ingestion coordinator. It owns the durable job
// queue, runs jobs on a bounded worker pool with one running job per
// collection, and moves units through pending, chunking, embedding and
// upserted, parking units that keep failing.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/events"
	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/indexer"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/objectstore"
	"github.com/hyperjump/tanya/internal/registry"
	"github.com/hyperjump/tanya/internal/storage"
)

// ProgressReporter computes the progress percent attached to job milestone events.
type ProgressReporter interface {
	Progress(ctx context.Context, collectionID string) (float64, error)
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, string, models.EventType, models.EventStatus, map[string]any) {}

// Coordinator schedules and executes ingestion jobs.
type Coordinator struct {
	store     storage.Storage
	objects   objectstore.Store
	adapter   *indexer.Adapter
	registry  *registry.Registry
	events    events.Emitter
	progress  ProgressReporter
	extractor *extract.Extractor
	cfg       config.IngestionConfig
	workDir   string
	logger    *zap.Logger

	pool      *ants.Pool
	wake      chan struct{}
	unitLocks *keyedMutex

	mu      sync.Mutex
	busy    map[string]string
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEvents sets the emitter used for jobs that carry a session id.
func WithEvents(e events.Emitter) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.events = e
		}
	}
}

// WithProgress attaches collection progress to job completion events.
func WithProgress(p ProgressReporter) Option {
	return func(c *Coordinator) { c.progress = p }
}

// WithWorkDir sets the parent directory of per-batch working directories.
func WithWorkDir(dir string) Option {
	return func(c *Coordinator) { c.workDir = dir }
}

// New creates a coordinator. Call Start to begin executing jobs.
func New(
	store storage.Storage,
	objects objectstore.Store,
	adapter *indexer.Adapter,
	reg *registry.Registry,
	cfg config.IngestionConfig,
	opts ...Option,
) (*Coordinator, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	c := &Coordinator{
		store:     store,
		objects:   objects,
		adapter:   adapter,
		registry:  reg,
		events:    nopEmitter{},
		extractor: extract.NewExtractor(),
		cfg:       cfg,
		workDir:   os.TempDir(),
		logger:    zap.NewNop(),
		wake:      make(chan struct{}, 1),
		unitLocks: newKeyedMutex(),
		busy:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

// Start recovers work interrupted by a previous process and starts the
// dispatcher and the deletion sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	requeued, err := c.store.RequeueRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue interrupted jobs: %w", err)
	}
	reset, err := c.store.ResetInFlightUnits(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset interrupted units: %w", err)
	}
	if requeued > 0 || reset > 0 {
		c.logger.Info("recovered interrupted ingestion",
			zap.Int64("jobs_requeued", requeued), zap.Int64("units_reset", reset))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.dispatch(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.sweepLoop(runCtx)
	}()
	c.logger.Info("ingestion coordinator started", zap.Int("workers", c.cfg.Workers))
	return nil
}

// Stop aborts running jobs and waits for workers to exit. Aborted jobs stay
// running in the store and are requeued by the next Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.pool.Release()
}

func (c *Coordinator) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Enqueue creates a job that indexes the given units, or every pending unit
// of the collection when unitIDs is empty.
func (c *Coordinator) Enqueue(ctx context.Context, collection string, req models.EnqueueRequest) (*models.Job, error) {
	collectionID, err := c.registry.Resolve(collection)
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" {
		if err := events.ValidateSessionID(req.SessionID); err != nil {
			return nil, err
		}
	}
	job := &models.Job{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		Scope:        models.JobScopeCollection,
		SessionID:    req.SessionID,
	}
	if len(req.UnitIDs) > 0 {
		seen := make(map[string]bool, len(req.UnitIDs))
		for _, id := range req.UnitIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			u, err := c.store.GetUnit(ctx, id)
			if err != nil {
				return nil, err
			}
			if u.CollectionID != collectionID {
				return nil, fmt.Errorf("%w: unit %s does not belong to collection %s",
					models.ErrInvalidInput, id, collectionID)
			}
			job.UnitIDs = append(job.UnitIDs, id)
		}
		job.Scope = models.JobScopeUnit
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	c.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("collection_id", collectionID),
		zap.String("scope", string(job.Scope)),
		zap.Int("units", len(job.UnitIDs)))
	c.wakeUp()
	return job, nil
}

// Status returns a job.
func (c *Coordinator) Status(ctx context.Context, jobID string) (*models.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// Cancel requests cooperative cancellation. A queued job is cancelled at once;
// a running job finishes its in-flight batch and starts no new one.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.store.RequestJobCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State == models.JobStateCancelled {
		c.emit(job, models.EventTypeIndexing, models.EventStatusFailed, map[string]any{
			"job_id": job.ID, "error": "cancelled before start",
		})
	}
	c.logger.Info("job cancel requested", zap.String("job_id", jobID), zap.String("state", string(job.State)))
	return job, nil
}

// ListJobs returns recent jobs of a collection.
func (c *Coordinator) ListJobs(ctx context.Context, collection string, limit int) ([]*models.Job, error) {
	collectionID, err := c.registry.Resolve(collection)
	if err != nil {
		return nil, err
	}
	jobs, err := c.store.ListJobs(ctx, collectionID, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

// RunningJob returns the id of the job running for a collection, if any.
func (c *Coordinator) RunningJob(collectionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.busy[collectionID]
	return id, ok
}

func (c *Coordinator) busyCollections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.busy))
	for id := range c.busy {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) dispatch(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		c.claimAvailable(ctx)
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// claimAvailable starts queued jobs while workers are free, skipping
// collections that already have a running job.
func (c *Coordinator) claimAvailable(ctx context.Context) {
	for c.pool.Free() > 0 {
		if ctx.Err() != nil {
			return
		}
		job, err := c.store.ClaimNextJob(ctx, c.busyCollections())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to claim job", zap.Error(err))
			}
			return
		}
		if job == nil {
			return
		}
		c.mu.Lock()
		c.busy[job.CollectionID] = job.ID
		c.mu.Unlock()

		c.wg.Add(1)
		err = c.pool.Submit(func() {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				delete(c.busy, job.CollectionID)
				c.mu.Unlock()
				c.wakeUp()
			}()
			c.runJob(ctx, job)
		})
		if err != nil {
			c.wg.Done()
			c.mu.Lock()
			delete(c.busy, job.CollectionID)
			c.mu.Unlock()
			c.logger.Error("failed to submit job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
	}
}

func (c *Coordinator) emit(job *models.Job, typ models.EventType, status models.EventStatus, data map[string]any) {
	if job.SessionID == "" {
		return
	}
	c.events.Emit(job.SessionID, job.ID, typ, status, data)
}
