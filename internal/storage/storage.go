// Package storage defines the metadata store for collections, aliases, ingestible
// units, and ingestion jobs.
package storage

import (
	"context"
	"time"

	"github.com/hyperjump/tanya/internal/models"
)

// UnitFilter selects units of a collection. Empty Statuses means all statuses
// except deletion_pending.
type UnitFilter struct {
	CollectionID string
	Kind         models.UnitKind
	Statuses     []models.UnitStatus
	Offset       int
	Limit        int
}

// KindCounts holds status counts per unit kind for a collection.
type KindCounts struct {
	ByKind        map[models.UnitKind]models.UnitCounts
	LastIndexedAt *time.Time
}

// Storage defines metadata persistence. Units are never cascade-deleted with
// their collection; callers must remove content first.
type Storage interface {
	// Collection operations
	CreateCollection(ctx context.Context, c *models.Collection) error
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	UpdateCollection(ctx context.Context, c *models.Collection) error
	DeleteCollection(ctx context.Context, id string) error
	ListCollections(ctx context.Context) ([]*models.Collection, error)

	// Alias operations
	PutAlias(ctx context.Context, alias, collectionID string) error
	DeleteAlias(ctx context.Context, alias string) error
	DeleteAliasesFor(ctx context.Context, collectionID string) error
	ListAliases(ctx context.Context) (map[string]string, error)

	// Unit operations
	CreateUnit(ctx context.Context, u *models.Unit) error
	GetUnit(ctx context.Context, id string) (*models.Unit, error)
	GetUnitBySource(ctx context.Context, collectionID, source string) (*models.Unit, error)
	ReplaceUnitContent(ctx context.Context, u *models.Unit) error
	ListUnits(ctx context.Context, f UnitFilter) ([]*models.Unit, error)
	SetUnitStatus(ctx context.Context, id string, status models.UnitStatus) error
	RecordUnitFailure(ctx context.Context, id string, errMsg string, park bool) (int, error)
	MarkUnitIndexed(ctx context.Context, id, contentHash string, at time.Time) error
	ResetUnit(ctx context.Context, id string) error
	MarkDeletionPending(ctx context.Context, id string) error
	DeleteUnit(ctx context.Context, id string) error
	ResetInFlightUnits(ctx context.Context) (int64, error)
	CountUnits(ctx context.Context, collectionID string) (int64, error)
	CountUnitsByKind(ctx context.Context, collectionID string) (*KindCounts, error)

	// Job operations
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, j *models.Job) error
	FinishJob(ctx context.Context, j *models.Job) error
	ClaimNextJob(ctx context.Context, busyCollections []string) (*models.Job, error)
	RequestJobCancel(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, collectionID string, limit int) ([]*models.Job, error)
	RequeueRunningJobs(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
