package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
	"github.com/hyperjump/tanya/pkg/utils"
)

// UploadRequest adds or replaces the content of a unit.
type UploadRequest struct {
	Collection  string
	Create      bool
	Kind        models.UnitKind
	Source      string
	Title       string
	ContentType string
	Content     []byte
	AutoIndex   bool
	SessionID   string
}

// UploadResult describes what an upload did.
type UploadResult struct {
	Unit    *models.Unit `json:"unit"`
	Created bool         `json:"created"`
	Changed bool         `json:"changed"`
	Job     *models.Job  `json:"job,omitempty"`
}

func collectionTypeFor(kind models.UnitKind) models.CollectionType {
	if kind == models.UnitKindWebpage {
		return models.CollectionTypeWebpages
	}
	return models.CollectionTypeDocuments
}

// Upload stores content and creates or updates the unit for (collection,
// source). New content resets the unit to pending; identical content is a no-op.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return nil, fmt.Errorf("%w: source is required", models.ErrInvalidInput)
	}
	if len(req.Content) == 0 {
		return nil, fmt.Errorf("%w: content is empty", models.ErrInvalidInput)
	}
	if req.Kind == "" {
		req.Kind = models.UnitKindDocument
	}
	if req.Kind != models.UnitKindDocument && req.Kind != models.UnitKindWebpage {
		return nil, fmt.Errorf("%w: unknown unit kind %q", models.ErrInvalidInput, req.Kind)
	}
	if req.ContentType == "" {
		if req.Kind == models.UnitKindWebpage {
			req.ContentType = "text/html"
		} else {
			req.ContentType = extract.ContentTypeFor(req.Source)
		}
	}

	var col *models.Collection
	var err error
	if req.Create {
		col, err = c.registry.Ensure(ctx, req.Collection, collectionTypeFor(req.Kind))
	} else {
		col, err = c.registry.Get(req.Collection)
	}
	if err != nil {
		return nil, err
	}
	if !col.Type.Accepts(req.Kind) {
		return nil, fmt.Errorf("%w: collection %s of type %s does not accept %s units",
			models.ErrInvalidInput, col.Name, col.Type, req.Kind)
	}

	hash := utils.ContentHash(req.Content)
	res := &UploadResult{}
	existing, err := c.store.GetUnitBySource(ctx, col.ID, req.Source)
	switch {
	case errors.Is(err, models.ErrNotFound):
		res.Unit, err = c.createUnit(ctx, col.ID, req, hash)
		if err != nil {
			return nil, err
		}
		res.Created, res.Changed = true, true
	case err != nil:
		return nil, err
	case existing.Status == models.UnitStatusDeletionPending:
		return nil, fmt.Errorf("%w: unit %s is being deleted", models.ErrConflict, existing.ID)
	case existing.ContentHash == hash:
		res.Unit = existing
	default:
		res.Unit, err = c.replaceUnit(ctx, existing, req, hash)
		if err != nil {
			return nil, err
		}
		res.Changed = true
	}

	if req.AutoIndex && (res.Changed || !res.Unit.IsIndexed) && res.Unit.Status != models.UnitStatusFailed {
		job, err := c.Enqueue(ctx, col.ID, models.EnqueueRequest{UnitIDs: []string{res.Unit.ID}, SessionID: req.SessionID})
		if err != nil {
			return nil, err
		}
		res.Job = job
	}
	c.logger.Info("unit uploaded",
		zap.String("unit_id", res.Unit.ID),
		zap.String("collection_id", col.ID),
		zap.String("source", req.Source),
		zap.Bool("created", res.Created),
		zap.Bool("changed", res.Changed))
	return res, nil
}

// AddWebpage records a page pushed by the crawler.
func (c *Coordinator) AddWebpage(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	req.Kind = models.UnitKindWebpage
	return c.Upload(ctx, req)
}

func (c *Coordinator) createUnit(ctx context.Context, collectionID string, req UploadRequest, hash string) (*models.Unit, error) {
	locator, err := c.objects.Put(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	u := &models.Unit{
		ID:             uuid.NewString(),
		CollectionID:   collectionID,
		Kind:           req.Kind,
		Source:         req.Source,
		Title:          req.Title,
		ContentType:    req.ContentType,
		ContentLocator: locator,
		ContentHash:    hash,
		Status:         models.UnitStatusPending,
	}
	if err := c.store.CreateUnit(ctx, u); err != nil {
		c.dropObject(ctx, locator)
		return nil, err
	}
	return u, nil
}

func (c *Coordinator) replaceUnit(ctx context.Context, existing *models.Unit, req UploadRequest, hash string) (*models.Unit, error) {
	locator, err := c.objects.Put(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	oldLocator := existing.ContentLocator
	u := *existing
	u.Title = req.Title
	u.ContentType = req.ContentType
	u.ContentLocator = locator
	u.ContentHash = hash
	if err := c.store.ReplaceUnitContent(ctx, &u); err != nil {
		c.dropObject(ctx, locator)
		return nil, err
	}
	c.dropObject(ctx, oldLocator)
	return &u, nil
}

func (c *Coordinator) dropObject(ctx context.Context, locator string) {
	if err := c.objects.Delete(context.WithoutCancel(ctx), locator); err != nil {
		c.logger.Warn("failed to delete object", zap.String("locator", locator), zap.Error(err))
	}
}

// GetUnit returns a unit.
func (c *Coordinator) GetUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	return c.store.GetUnit(ctx, unitID)
}

// ListUnits returns units of a collection.
func (c *Coordinator) ListUnits(ctx context.Context, collection string, f storage.UnitFilter) ([]*models.Unit, error) {
	id, err := c.registry.Resolve(collection)
	if err != nil {
		return nil, err
	}
	f.CollectionID = id
	units, err := c.store.ListUnits(ctx, f)
	if err != nil {
		return nil, err
	}
	if units == nil {
		units = []*models.Unit{}
	}
	return units, nil
}

// RetryUnit resets a parked unit with a fresh retry budget and enqueues a new
// job for it.
func (c *Coordinator) RetryUnit(ctx context.Context, unitID, sessionID string) (*models.Job, error) {
	u, err := c.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	switch u.Status {
	case models.UnitStatusFailed, models.UnitStatusPending:
	default:
		return nil, fmt.Errorf("%w: unit %s is %s", models.ErrConflict, unitID, u.Status)
	}
	if err := c.store.ResetUnit(ctx, unitID); err != nil {
		return nil, err
	}
	return c.Enqueue(ctx, u.CollectionID, models.EnqueueRequest{UnitIDs: []string{unitID}, SessionID: sessionID})
}

// RetryFailed resets every parked unit of a collection and enqueues one job for
// them. Returns a nil job when nothing was parked.
func (c *Coordinator) RetryFailed(ctx context.Context, collection, sessionID string) (*models.Job, int, error) {
	id, err := c.registry.Resolve(collection)
	if err != nil {
		return nil, 0, err
	}
	failed, err := c.store.ListUnits(ctx, storage.UnitFilter{
		CollectionID: id,
		Statuses:     []models.UnitStatus{models.UnitStatusFailed},
	})
	if err != nil {
		return nil, 0, err
	}
	if len(failed) == 0 {
		return nil, 0, nil
	}
	ids := make([]string, 0, len(failed))
	for _, u := range failed {
		if err := c.store.ResetUnit(ctx, u.ID); err != nil {
			return nil, 0, err
		}
		ids = append(ids, u.ID)
	}
	job, err := c.Enqueue(ctx, id, models.EnqueueRequest{UnitIDs: ids, SessionID: sessionID})
	if err != nil {
		return nil, 0, err
	}
	return job, len(ids), nil
}

// DeleteUnit removes a unit in two phases: its chunks first, then its row and
// object. When chunk removal fails the unit is left deletion_pending for the
// sweep and the call still succeeds; pending reports that case.
func (c *Coordinator) DeleteUnit(ctx context.Context, unitID string) (pending bool, err error) {
	unlock := c.unitLocks.Lock(unitID)
	defer unlock()

	u, err := c.store.GetUnit(ctx, unitID)
	if err != nil {
		return false, err
	}
	if err := c.store.MarkDeletionPending(ctx, unitID); err != nil {
		return false, err
	}
	if err := c.adapter.DeleteUnit(ctx, u.CollectionID, unitID); err != nil {
		c.logger.Error("vector deletion failed, unit left pending deletion",
			zap.String("unit_id", unitID),
			zap.String("collection_id", u.CollectionID),
			zap.Error(fmt.Errorf("%w: %w", models.ErrConsistency, err)))
		return true, nil
	}
	if err := c.finishDelete(ctx, u); err != nil {
		c.logger.Error("metadata deletion failed after vector deletion",
			zap.String("unit_id", unitID), zap.Error(err))
		return true, nil
	}
	c.logger.Info("unit deleted", zap.String("unit_id", unitID), zap.String("collection_id", u.CollectionID))
	return false, nil
}

func (c *Coordinator) finishDelete(ctx context.Context, u *models.Unit) error {
	if err := c.store.DeleteUnit(ctx, u.ID); err != nil {
		return err
	}
	c.dropObject(ctx, u.ContentLocator)
	return nil
}

// Sweep retries deletion of every unit pending deletion. Returns how many
// were fully removed.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	units, err := c.store.ListUnits(ctx, storage.UnitFilter{
		Statuses: []models.UnitStatus{models.UnitStatusDeletionPending},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list units pending deletion: %w", err)
	}
	removed := 0
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		if c.sweepUnit(ctx, u) {
			removed++
		}
	}
	if len(units) > 0 {
		c.logger.Info("deletion sweep finished", zap.Int("pending", len(units)), zap.Int("removed", removed))
	}
	return removed, nil
}

func (c *Coordinator) sweepUnit(ctx context.Context, u *models.Unit) bool {
	unlock := c.unitLocks.Lock(u.ID)
	defer unlock()
	if err := c.adapter.DeleteUnit(ctx, u.CollectionID, u.ID); err != nil {
		c.logger.Warn("deletion sweep: vector deletion failed", zap.String("unit_id", u.ID), zap.Error(err))
		return false
	}
	if err := c.finishDelete(ctx, u); err != nil {
		c.logger.Warn("deletion sweep: metadata deletion failed", zap.String("unit_id", u.ID), zap.Error(err))
		return false
	}
	return true
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("deletion sweep failed", zap.Error(err))
			}
		}
	}
}
